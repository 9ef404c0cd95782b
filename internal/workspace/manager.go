// Package workspace provisions and tears down per-task working
// environments: git worktrees, docker containers, or plain directories.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/basket/nightshift/internal/config"
	"github.com/basket/nightshift/internal/persistence"
)

// Info describes a provisioned workspace.
type Info struct {
	Strategy    persistence.WorkspaceStrategy
	Path        string
	Branch      string
	ContainerID string
}

// Manager creates and cleans up task workspaces. Cleanup is idempotent:
// calling it for an already-cleaned or unknown task is a no-op.
type Manager struct {
	gitCfg config.GitConfig
	wsCfg  config.WorkspaceConfig
	logger *slog.Logger

	mu      sync.Mutex
	records map[string]*Info
	cleaned map[string]bool
	docker  *client.Client
}

// NewManager creates a workspace manager.
func NewManager(gitCfg config.GitConfig, wsCfg config.WorkspaceConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		gitCfg:  gitCfg,
		wsCfg:   wsCfg,
		logger:  logger,
		records: make(map[string]*Info),
		cleaned: make(map[string]bool),
	}
}

// CreateWorkspace provisions a workspace for the task per its strategy.
func (m *Manager) CreateWorkspace(ctx context.Context, task *persistence.Task) (Info, error) {
	var (
		info Info
		err  error
	)
	switch task.Workspace.Strategy {
	case persistence.WorkspaceWorktree:
		info, err = m.createWorktree(ctx, task.ID)
	case persistence.WorkspaceContainer:
		info, err = m.createContainer(ctx, task.ID)
	case persistence.WorkspaceDirectory:
		info, err = m.createDirectory(task.ID)
	case persistence.WorkspaceNone, "":
		info = Info{Strategy: persistence.WorkspaceNone}
	default:
		return Info{}, fmt.Errorf("unknown workspace strategy %q", task.Workspace.Strategy)
	}
	if err != nil {
		return Info{}, err
	}

	m.mu.Lock()
	m.records[task.ID] = &info
	delete(m.cleaned, task.ID)
	m.mu.Unlock()
	return info, nil
}

// CleanupWorkspace removes the task's workspace. A second call for the same
// task, or a call for a task with no recorded workspace, returns nil.
func (m *Manager) CleanupWorkspace(ctx context.Context, taskID string) error {
	m.mu.Lock()
	info, ok := m.records[taskID]
	if !ok || m.cleaned[taskID] {
		m.mu.Unlock()
		return nil
	}
	m.cleaned[taskID] = true
	m.mu.Unlock()

	var err error
	switch info.Strategy {
	case persistence.WorkspaceWorktree:
		err = m.removeWorktree(ctx, info)
	case persistence.WorkspaceContainer:
		err = m.removeContainer(ctx, info)
	case persistence.WorkspaceDirectory:
		err = os.RemoveAll(info.Path)
	}
	if err != nil {
		// Allow a retry by a later explicit call.
		m.mu.Lock()
		delete(m.cleaned, taskID)
		m.mu.Unlock()
		return err
	}
	m.logger.Info("workspace cleaned up", "task_id", taskID, "strategy", string(info.Strategy), "path", info.Path)
	return nil
}

// WorkspaceInfo returns the recorded workspace for a task, if any.
func (m *Manager) WorkspaceInfo(taskID string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.records[taskID]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

func (m *Manager) createWorktree(ctx context.Context, taskID string) (Info, error) {
	repo := m.gitCfg.RepoPath
	if repo == "" {
		return Info{}, fmt.Errorf("git.repo_path not configured for worktree workspaces")
	}
	branch := fmt.Sprintf("task/%s", taskID)
	wtPath := filepath.Join(repo, m.gitCfg.Worktree.Dir, taskID)

	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", branch, wtPath, m.gitCfg.Worktree.BaseBranch)
	cmd.Dir = repo
	if output, err := cmd.CombinedOutput(); err != nil {
		return Info{}, fmt.Errorf("create worktree: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}

	return Info{
		Strategy: persistence.WorkspaceWorktree,
		Path:     wtPath,
		Branch:   branch,
	}, nil
}

func (m *Manager) removeWorktree(ctx context.Context, info *Info) error {
	repo := m.gitCfg.RepoPath
	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", info.Path)
	cmd.Dir = repo
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("remove worktree: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	if info.Branch != "" {
		cmd = exec.CommandContext(ctx, "git", "branch", "-D", info.Branch)
		cmd.Dir = repo
		if output, err := cmd.CombinedOutput(); err != nil {
			// The worktree itself is gone; a stale branch is not fatal.
			m.logger.Warn("delete worktree branch failed", "branch", info.Branch, "output", strings.TrimSpace(string(output)))
		}
	}
	return nil
}

func (m *Manager) createContainer(ctx context.Context, taskID string) (Info, error) {
	cli, err := m.dockerClient()
	if err != nil {
		return Info{}, err
	}

	image := m.wsCfg.ContainerImage
	if image == "" {
		image = "golang:alpine"
	}
	memoryMB := m.wsCfg.ContainerMemoryMB
	if memoryMB <= 0 {
		memoryMB = 512
	}
	networkMode := m.wsCfg.ContainerNetwork
	if networkMode == "" {
		networkMode = "none"
	}

	hostDir := filepath.Join(m.wsCfg.RootDir, taskID)
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		return Info{}, fmt.Errorf("create container host dir: %w", err)
	}

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image:      image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: "/workspace",
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: memoryMB * 1024 * 1024,
		},
		NetworkMode: container.NetworkMode(networkMode),
		Binds:       []string{fmt.Sprintf("%s:/workspace", hostDir)},
	}, nil, nil, "nightshift-"+taskID)
	if err != nil {
		return Info{}, fmt.Errorf("create container: %w", err)
	}
	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return Info{}, fmt.Errorf("start container: %w", err)
	}

	return Info{
		Strategy:    persistence.WorkspaceContainer,
		Path:        hostDir,
		ContainerID: resp.ID,
	}, nil
}

func (m *Manager) removeContainer(ctx context.Context, info *Info) error {
	cli, err := m.dockerClient()
	if err != nil {
		return err
	}
	if err := cli.ContainerRemove(ctx, info.ContainerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove container: %w", err)
	}
	return os.RemoveAll(info.Path)
}

func (m *Manager) createDirectory(taskID string) (Info, error) {
	dir := filepath.Join(m.wsCfg.RootDir, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Info{}, fmt.Errorf("create workspace directory: %w", err)
	}
	return Info{
		Strategy: persistence.WorkspaceDirectory,
		Path:     dir,
	}, nil
}

func (m *Manager) dockerClient() (*client.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.docker != nil {
		return m.docker, nil
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	m.docker = cli
	return cli, nil
}

// Close releases the docker client if one was created.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.docker != nil {
		return m.docker.Close()
	}
	return nil
}
