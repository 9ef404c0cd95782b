package orchestrator

import (
	"context"
	"fmt"

	"github.com/basket/nightshift/internal/bus"
	"github.com/basket/nightshift/internal/persistence"
)

// finalizeWorkspace applies the cleanup/preservation policy on a terminal
// transition. Resolution order: a global cleanup disable wins over
// everything; a task-level preserveOnFailure flag wins over any global
// default for every strategy; worktrees with no task-level flag fall back
// to the global git.worktree.preserveOnFailure setting; everything else is
// cleaned up. Cleanup failures are logged and never affect the task's
// terminal status.
func (o *Orchestrator) finalizeWorkspace(ctx context.Context, task *persistence.Task) {
	if task.Workspace.Strategy == persistence.WorkspaceNone || task.Workspace.Strategy == "" {
		return
	}

	cfg := o.cfg.Load()
	if !cfg.Workspace.CleanupOnComplete {
		o.logger.Debug("workspace cleanup disabled globally", "task_id", task.ID)
		return
	}

	preserve := false
	if task.Workspace.PreserveOnFailure != nil {
		preserve = *task.Workspace.PreserveOnFailure
	} else if task.Workspace.Strategy == persistence.WorkspaceWorktree {
		preserve = cfg.Git.Worktree.PreserveOnFailure
	}

	if preserve {
		strategy := string(task.Workspace.Strategy)
		if strategy == "" {
			strategy = "unknown"
		}
		path := task.Workspace.Path
		if path == "" {
			path = "unknown"
		}
		msg := fmt.Sprintf("Workspace preserved for debugging (preserveOnFailure=true). Strategy: %s, Path: %s", strategy, path)
		o.logger.Info(msg, "task_id", task.ID)
		if !cfg.Quiet {
			fmt.Printf("Task %s: %s\n", task.ID, msg)
		}
		return
	}

	if err := o.workspaces.CleanupWorkspace(ctx, task.ID); err != nil {
		o.logger.Warn("workspace cleanup failed",
			"task_id", task.ID, "strategy", string(task.Workspace.Strategy), "path", task.Workspace.Path, "error", err)
		if o.bus != nil {
			o.bus.Publish(bus.TopicWorkspaceCleanupFailed, bus.WorkspaceCleanupFailedEvent{
				TaskID:   task.ID,
				Strategy: string(task.Workspace.Strategy),
				Error:    err.Error(),
			})
		}
	}
}
