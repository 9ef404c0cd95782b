package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/nightshift/internal/agent"
	"github.com/basket/nightshift/internal/bus"
	"github.com/basket/nightshift/internal/config"
	"github.com/basket/nightshift/internal/persistence"
	"github.com/basket/nightshift/internal/usage"
	"github.com/basket/nightshift/internal/workspace"
)

// fakeBackend records stage calls and can fail or request approval per task.
type fakeBackend struct {
	mu       sync.Mutex
	calls    []agent.Request
	failOn   map[string]bool // taskID -> always fail
	approve  map[string]bool // taskID+stage -> needs approval
	cancelOn func(agent.Request)
	tokens   int64
	cost     float64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{failOn: map[string]bool{}, approve: map[string]bool{}, tokens: 100, cost: 0.01}
}

func (f *fakeBackend) RunStage(ctx context.Context, req agent.Request) (agent.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.cancelOn != nil {
		f.cancelOn(req)
		if ctx.Err() != nil {
			return agent.Result{}, ctx.Err()
		}
	}
	if f.failOn[req.TaskID] {
		return agent.Result{}, errors.New("backend exploded")
	}
	return agent.Result{
		Output:     "output for " + req.Stage,
		TokensUsed: f.tokens,
		CostUSD:    f.cost,
		Conversation: []persistence.ConversationEntry{
			{Role: "user", Content: req.Prompt, Timestamp: time.Now()},
			{Role: "assistant", Content: "done " + req.Stage, Timestamp: time.Now()},
		},
		NeedsApproval: f.approve[req.TaskID+"/"+req.Stage],
	}, nil
}

func (f *fakeBackend) requests() []agent.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]agent.Request, len(f.calls))
	copy(out, f.calls)
	return out
}

// fakeWorkspaces counts create/cleanup calls per task.
type fakeWorkspaces struct {
	mu       sync.Mutex
	created  map[string]int
	cleaned  map[string]int
	cleanErr error
}

func newFakeWorkspaces() *fakeWorkspaces {
	return &fakeWorkspaces{created: map[string]int{}, cleaned: map[string]int{}}
}

func (f *fakeWorkspaces) CreateWorkspace(ctx context.Context, task *persistence.Task) (workspace.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created[task.ID]++
	return workspace.Info{Strategy: task.Workspace.Strategy, Path: "/tmp/ws/" + task.ID}, nil
}

func (f *fakeWorkspaces) CleanupWorkspace(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cleanErr != nil {
		return f.cleanErr
	}
	f.cleaned[taskID]++
	return nil
}

func (f *fakeWorkspaces) cleanupCount(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleaned[taskID]
}

type fixture struct {
	store   *persistence.Store
	backend *fakeBackend
	ws      *fakeWorkspaces
	bus     *bus.Bus
	cfg     *config.Holder
	orch    *Orchestrator
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Config{Quiet: true}
	cfg.Workspace.CleanupOnComplete = true
	if mutate != nil {
		mutate(&cfg)
	}

	f := &fixture{
		store:   store,
		backend: newFakeBackend(),
		ws:      newFakeWorkspaces(),
		bus:     bus.New(testLogger()),
		cfg:     config.NewHolder(cfg),
	}
	f.orch = New(store, f.ws, f.backend, nil, f.bus, f.cfg, testLogger(), agent.Summarize, nil)
	return f
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func (f *fixture) createTask(t *testing.T, nt persistence.NewTask) string {
	t.Helper()
	if nt.Stages == nil {
		nt.Stages = []string{"plan", "implement", "verify"}
	}
	if nt.Workflow == "" {
		nt.Workflow = "feature"
	}
	id, err := f.store.CreateTask(context.Background(), nt)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return id
}

func (f *fixture) task(t *testing.T, id string) *persistence.Task {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return task
}

func TestExecuteTask_RunsAllStagesAndCompletes(t *testing.T) {
	f := newFixture(t, nil)
	id := f.createTask(t, persistence.NewTask{
		Description: "add parser",
		Workspace:   persistence.WorkspaceSpec{Strategy: persistence.WorkspaceDirectory},
	})

	var completed []bus.TaskCompletedEvent
	f.bus.Subscribe(bus.TopicTaskCompleted, func(ev bus.Event) {
		completed = append(completed, ev.Payload.(bus.TaskCompletedEvent))
	})

	if err := f.orch.ExecuteTask(context.Background(), id); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}

	task := f.task(t, id)
	if task.Status != persistence.TaskStatusCompleted {
		t.Fatalf("status = %s, want completed", task.Status)
	}
	if task.ResumeAttempts != 0 {
		t.Errorf("resume attempts = %d after completion, want 0", task.ResumeAttempts)
	}
	if task.TokensUsed != 300 {
		t.Errorf("tokens used = %d, want 300", task.TokensUsed)
	}
	if got := len(f.backend.requests()); got != 3 {
		t.Errorf("backend called %d times, want 3", got)
	}
	if len(completed) != 1 || completed[0].TaskID != id {
		t.Errorf("completed events = %+v", completed)
	}
	if f.ws.cleanupCount(id) != 1 {
		t.Errorf("cleanup called %d times, want 1", f.ws.cleanupCount(id))
	}

	cps, err := f.store.ListCheckpoints(context.Background(), id)
	if err != nil {
		t.Fatalf("list checkpoints: %v", err)
	}
	if len(cps) != 3 {
		t.Errorf("checkpoints = %d, want one per stage", len(cps))
	}
}

func TestExecuteTask_StartedEventOnlyOnFreshRun(t *testing.T) {
	f := newFixture(t, nil)
	id := f.createTask(t, persistence.NewTask{Description: "interrupted once"})

	var started []bus.TaskStartedEvent
	f.bus.Subscribe(bus.TopicTaskStarted, func(ev bus.Event) {
		started = append(started, ev.Payload.(bus.TaskStartedEvent))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.backend.cancelOn = func(req agent.Request) {
		if req.Stage == "implement" {
			cancel()
		}
	}
	if err := f.orch.ExecuteTask(ctx, id); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if f.task(t, id).Status != persistence.TaskStatusPaused {
		t.Fatal("task not paused by mid-run cancellation")
	}

	// Resume through the launcher so the continuation re-enters ExecuteTask
	// the way the daemon does.
	f.backend.cancelOn = nil
	f.orch.SetLauncher(&syncLauncher{orch: f.orch})
	if err := f.orch.Resume(context.Background(), id); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if f.task(t, id).Status != persistence.TaskStatusCompleted {
		t.Fatal("task not completed after resume")
	}

	if len(started) != 1 || started[0].TaskID != id {
		t.Errorf("started events = %+v, want exactly one for the fresh run", started)
	}
}

func TestExecuteTask_StageFailureFailsTask(t *testing.T) {
	f := newFixture(t, nil)
	id := f.createTask(t, persistence.NewTask{
		Description: "doomed",
		Workspace:   persistence.WorkspaceSpec{Strategy: persistence.WorkspaceDirectory},
	})
	f.backend.failOn[id] = true

	var failed []bus.TaskFailedEvent
	f.bus.Subscribe(bus.TopicTaskFailed, func(ev bus.Event) {
		failed = append(failed, ev.Payload.(bus.TaskFailedEvent))
	})

	if err := f.orch.ExecuteTask(context.Background(), id); err == nil {
		t.Fatal("expected error from failing stage")
	}
	task := f.task(t, id)
	if task.Status != persistence.TaskStatusFailed {
		t.Fatalf("status = %s, want failed", task.Status)
	}
	if len(failed) != 1 {
		t.Errorf("failure events = %d, want 1", len(failed))
	}
	if f.ws.cleanupCount(id) != 1 {
		t.Errorf("cleanup called %d times, want 1", f.ws.cleanupCount(id))
	}
}

func TestExecuteTask_CancellationMidRunPausesWithCheckpoint(t *testing.T) {
	f := newFixture(t, nil)
	id := f.createTask(t, persistence.NewTask{Description: "interrupted"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.backend.cancelOn = func(req agent.Request) {
		if req.Stage == "implement" {
			cancel()
		}
	}

	if err := f.orch.ExecuteTask(ctx, id); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}

	task := f.task(t, id)
	if task.Status != persistence.TaskStatusPaused {
		t.Fatalf("status = %s, want paused", task.Status)
	}
	if task.PauseReason != persistence.PauseReasonShutdown {
		t.Errorf("pause reason = %q, want shutdown", task.PauseReason)
	}
	cp, err := f.store.LatestCheckpoint(context.Background(), id)
	if err != nil {
		t.Fatalf("latest checkpoint: %v", err)
	}
	if cp.Stage != "implement" {
		t.Errorf("checkpoint stage = %q, want the interrupted stage", cp.Stage)
	}
}

func TestExecuteTask_ApprovalGateAndApprove(t *testing.T) {
	f := newFixture(t, nil)
	id := f.createTask(t, persistence.NewTask{Description: "needs review"})
	f.backend.approve[id+"/implement"] = true

	if err := f.orch.ExecuteTask(context.Background(), id); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	task := f.task(t, id)
	if task.Status != persistence.TaskStatusWaitingApproval {
		t.Fatalf("status = %s, want waiting-approval", task.Status)
	}
	if got := len(f.backend.requests()); got != 2 {
		t.Fatalf("backend called %d times before approval, want 2", got)
	}

	if err := f.orch.Approve(context.Background(), id); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	task = f.task(t, id)
	if task.Status != persistence.TaskStatusCompleted {
		t.Fatalf("status after approval = %s, want completed", task.Status)
	}
}

// syncLauncher re-enters ExecuteTask the way the runner does, but
// synchronously so tests stay deterministic.
type syncLauncher struct {
	orch     *Orchestrator
	launched []string
}

func (l *syncLauncher) Launch(task *persistence.Task) {
	l.launched = append(l.launched, task.ID)
	_ = l.orch.ExecuteTask(context.Background(), task.ID)
}

func TestApprove_LauncherResumesAtNextStage(t *testing.T) {
	f := newFixture(t, nil)
	id := f.createTask(t, persistence.NewTask{Description: "needs review"})
	f.backend.approve[id+"/implement"] = true
	launcher := &syncLauncher{orch: f.orch}
	f.orch.SetLauncher(launcher)

	if err := f.orch.ExecuteTask(context.Background(), id); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if err := f.orch.Approve(context.Background(), id); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	if len(launcher.launched) != 1 {
		t.Fatalf("launched %d times, want 1", len(launcher.launched))
	}
	task := f.task(t, id)
	if task.Status != persistence.TaskStatusCompleted {
		t.Fatalf("status = %s, want completed", task.Status)
	}
	stageCalls := make(map[string]int)
	for _, req := range f.backend.requests() {
		stageCalls[req.Stage]++
	}
	if stageCalls["implement"] != 1 {
		t.Errorf("stage %q executed %d times, want 1", "implement", stageCalls["implement"])
	}
	if stageCalls["verify"] != 1 {
		t.Errorf("stage %q executed %d times, want 1", "verify", stageCalls["verify"])
	}
	if task.TokensUsed != 300 {
		t.Errorf("tokens used = %d, want 300 with no double-counted stage", task.TokensUsed)
	}
}

func TestApprove_FinalStageCompletesWithoutRelaunch(t *testing.T) {
	f := newFixture(t, nil)
	id := f.createTask(t, persistence.NewTask{Description: "review at the end"})
	f.backend.approve[id+"/verify"] = true
	launcher := &syncLauncher{orch: f.orch}
	f.orch.SetLauncher(launcher)

	if err := f.orch.ExecuteTask(context.Background(), id); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if err := f.orch.Approve(context.Background(), id); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	if len(launcher.launched) != 0 {
		t.Errorf("launched %d times, want 0 when nothing is left to run", len(launcher.launched))
	}
	task := f.task(t, id)
	if task.Status != persistence.TaskStatusCompleted {
		t.Fatalf("status = %s, want completed", task.Status)
	}
	if got := len(f.backend.requests()); got != 3 {
		t.Errorf("backend called %d times, want 3", got)
	}
}

func TestApprove_RejectsWrongState(t *testing.T) {
	f := newFixture(t, nil)
	id := f.createTask(t, persistence.NewTask{Description: "pending"})
	if err := f.orch.Approve(context.Background(), id); err == nil {
		t.Fatal("expected error approving a pending task")
	}
}

func TestCancelTask_TerminalAndIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	id := f.createTask(t, persistence.NewTask{
		Description: "to cancel",
		Workspace:   persistence.WorkspaceSpec{Strategy: persistence.WorkspaceDirectory},
	})
	// Record the workspace so cleanup has something to remove.
	path := "/tmp/ws/" + id
	if err := f.store.UpdateTask(context.Background(), id, persistence.TaskUpdate{WorkspacePath: &path}); err != nil {
		t.Fatalf("set workspace path: %v", err)
	}

	if err := f.orch.CancelTask(context.Background(), id); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	task := f.task(t, id)
	if task.Status != persistence.TaskStatusCancelled {
		t.Fatalf("status = %s, want cancelled", task.Status)
	}
	if f.ws.cleanupCount(id) != 1 {
		t.Errorf("cleanup called %d times, want 1", f.ws.cleanupCount(id))
	}
	if err := f.orch.CancelTask(context.Background(), id); err != nil {
		t.Fatalf("second cancel should be a no-op, got %v", err)
	}
	if f.ws.cleanupCount(id) != 1 {
		t.Errorf("cleanup re-ran on second cancel")
	}
}

func TestRecoverInterrupted_RelaunchesInFlightTasks(t *testing.T) {
	f := newFixture(t, nil)
	id := f.createTask(t, persistence.NewTask{Description: "was running"})
	inProgress := persistence.TaskStatusInProgress
	if err := f.store.UpdateTask(context.Background(), id, persistence.TaskUpdate{Status: &inProgress}); err != nil {
		t.Fatalf("mark in-progress: %v", err)
	}

	if err := f.orch.RecoverInterrupted(context.Background()); err != nil {
		t.Fatalf("RecoverInterrupted: %v", err)
	}
	task := f.task(t, id)
	if task.Status != persistence.TaskStatusCompleted {
		t.Fatalf("status = %s, want completed after recovery", task.Status)
	}
	if task.ResumeAttempts != 0 {
		t.Errorf("resume attempts = %d after completion, want 0", task.ResumeAttempts)
	}
}

func TestExecuteTask_ProvisionsWorkspaceOnce(t *testing.T) {
	f := newFixture(t, nil)
	id := f.createTask(t, persistence.NewTask{
		Description: "workspace check",
		Workspace:   persistence.WorkspaceSpec{Strategy: persistence.WorkspaceDirectory},
	})
	if err := f.orch.ExecuteTask(context.Background(), id); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	f.ws.mu.Lock()
	created := f.ws.created[id]
	f.ws.mu.Unlock()
	if created != 1 {
		t.Errorf("workspace created %d times, want 1", created)
	}
	task := f.task(t, id)
	if task.Workspace.Path == "" {
		t.Error("workspace path not persisted")
	}
}

func TestRunStages_TokenLimitPausesWithCooldown(t *testing.T) {
	f := newFixture(t, nil)
	um := usage.New(config.TimeBasedUsageConfig{
		FallbackThresholds: config.ModeThresholds{
			MaxTokensPerTask: 100, // one fake stage's worth
			MaxCostPerTask:   50,
			DailyCostBudget:  100,
		},
	}, nil, testLogger(), nil)
	f.orch = New(f.store, f.ws, f.backend, um, f.bus, f.cfg, testLogger(), agent.Summarize, nil)

	id := f.createTask(t, persistence.NewTask{Description: "token hungry"})
	if err := f.orch.ExecuteTask(context.Background(), id); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}

	task := f.task(t, id)
	if task.Status != persistence.TaskStatusPaused {
		t.Fatalf("status = %s, want paused", task.Status)
	}
	if task.PauseReason != persistence.PauseReasonSessionLimit {
		t.Errorf("pause reason = %q, want session_limit", task.PauseReason)
	}
	if task.ResumeAfter == nil || !task.ResumeAfter.After(time.Now()) {
		t.Errorf("resumeAfter = %v, want a future cooldown gate", task.ResumeAfter)
	}
	if got := len(f.backend.requests()); got != 1 {
		t.Errorf("backend called %d times, want 1 before the limit tripped", got)
	}
}

func TestRunStages_CostLimitPausesAsBudget(t *testing.T) {
	f := newFixture(t, nil)
	um := usage.New(config.TimeBasedUsageConfig{
		FallbackThresholds: config.ModeThresholds{
			MaxTokensPerTask: 1_000_000,
			MaxCostPerTask:   0.01, // one fake stage's worth
			DailyCostBudget:  100,
		},
	}, nil, testLogger(), nil)
	f.orch = New(f.store, f.ws, f.backend, um, f.bus, f.cfg, testLogger(), agent.Summarize, nil)

	id := f.createTask(t, persistence.NewTask{Description: "expensive"})
	if err := f.orch.ExecuteTask(context.Background(), id); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}

	task := f.task(t, id)
	if task.Status != persistence.TaskStatusPaused {
		t.Fatalf("status = %s, want paused", task.Status)
	}
	if task.PauseReason != persistence.PauseReasonBudget {
		t.Errorf("pause reason = %q, want budget", task.PauseReason)
	}
}

func TestStagePrompt(t *testing.T) {
	task := &persistence.Task{Description: "fix bug", Workflow: "bugfix"}
	got := stagePrompt(task, "verify")
	want := "Task: fix bug\nWorkflow: bugfix\nCurrent stage: verify"
	if got != want {
		t.Errorf("prompt = %q, want %q", got, want)
	}
}
