// Command nightshift is a long-running daemon that executes multi-stage
// agent tasks under resource budgets, pausing and resuming them as capacity
// fluctuates across time-of-day modes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"

	"github.com/basket/nightshift/internal/agent"
	"github.com/basket/nightshift/internal/audit"
	"github.com/basket/nightshift/internal/bus"
	"github.com/basket/nightshift/internal/config"
	"github.com/basket/nightshift/internal/cron"
	"github.com/basket/nightshift/internal/orchestrator"
	otelPkg "github.com/basket/nightshift/internal/otel"
	"github.com/basket/nightshift/internal/persistence"
	"github.com/basket/nightshift/internal/runner"
	"github.com/basket/nightshift/internal/scheduler"
	"github.com/basket/nightshift/internal/telemetry"
	"github.com/basket/nightshift/internal/usage"
	"github.com/basket/nightshift/internal/workspace"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

const shutdownTimeout = 30 * time.Second

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the daemon

SUBCOMMANDS:
  %s submit [options]         Queue a task for execution
                              Options: -description, -workflow, -stages,
                              -priority, -workspace (worktree|container|directory|none)
  %s version                  Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  NIGHTSHIFT_HOME         Data directory (default: ~/.nightshift)
`)
}

func main() {
	quiet := flag.Bool("quiet", false, "suppress console notices (logs still written)")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "version":
			fmt.Println(Version)
			os.Exit(0)
		case "submit":
			os.Exit(runSubmitCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	if err := runDaemon(ctx, *quiet); err != nil {
		fmt.Fprintf(os.Stderr, "nightshift: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(ctx context.Context, quiet bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if quiet {
		cfg.Quiet = true
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()

	if err := audit.Init(cfg.HomeDir); err != nil {
		return fmt.Errorf("init audit trail: %w", err)
	}
	defer audit.Close()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	store, err := persistence.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	eventBus := bus.New(logger)
	subscribeObservers(eventBus, metrics)

	usageManager := usage.New(cfg.TimeBasedUsage, eventBus, logger, nil)
	sched := scheduler.New(usageManager, time.Duration(cfg.MonitorIntervalMs)*time.Millisecond, logger, nil)
	defer sched.Stop()

	workspaces := workspace.NewManager(cfg.Git, cfg.Workspace, logger)
	defer workspaces.Close()

	backend := agent.NewResilientBackend(
		agent.NewSubprocessBackend(cfg.Backend, logger),
		agent.DefaultRetryConfig(),
		logger,
	)

	cfgHolder := config.NewHolder(cfg)
	orch := orchestrator.New(store, workspaces, backend, usageManager, eventBus, cfgHolder, logger, agent.Summarize, nil)
	run := runner.New(store, sched, orch, usageManager, eventBus, cfgHolder, logger)
	orch.SetLauncher(run)

	cronSched := cron.NewScheduler(cron.Config{Store: store, Logger: logger})
	if err := cronSched.Sync(ctx, cfg.Schedules); err != nil {
		return fmt.Errorf("register schedules: %w", err)
	}

	if err := orch.RecoverInterrupted(ctx); err != nil {
		logger.Warn("startup recovery incomplete", "error", err)
	}

	sched.OnCapacityRestored(func(ev scheduler.CapacityRestoredEvent) {
		audit.Record("capacity_restored", "", string(ev.Reason))
		orch.HandleCapacityRestored(ctx, ev)
	})

	run.Start(ctx)
	cronSched.Start(ctx)

	if isatty.IsTerminal(os.Stdout.Fd()) && !cfg.Quiet {
		fmt.Printf("nightshift %s: daemon running (home: %s)\n", Version, cfg.HomeDir)
	}
	logger.Info("daemon started", "version", Version, "home", cfg.HomeDir,
		"poll_interval_ms", cfg.PollIntervalMs, "time_based_usage", cfg.TimeBasedUsage.Enabled)

	g, gCtx := errgroup.WithContext(ctx)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(gCtx); err != nil {
		logger.Warn("config watcher unavailable, hot reload disabled", "error", err)
	} else {
		g.Go(func() error {
			for {
				select {
				case <-gCtx.Done():
					return nil
				case ev, ok := <-watcher.Events():
					if !ok {
						return nil
					}
					newCfg, err := config.Load()
					if err != nil {
						logger.Error("config reload failed, retaining previous config", "path", ev.Path, "error", err)
						continue
					}
					cfgHolder.Store(newCfg)
					usageManager.SetConfig(newCfg.TimeBasedUsage)
					if err := cronSched.Sync(gCtx, newCfg.Schedules); err != nil {
						logger.Error("schedule reload failed", "error", err)
					}
					logger.Info("config.yaml hot-reloaded",
						"schedules", len(newCfg.Schedules),
						"note", "poll and monitor intervals apply on next restart")
				}
			}
		})
	}

	g.Go(func() error {
		<-gCtx.Done()
		return nil
	})
	_ = g.Wait()

	logger.Info("shutting down")
	cronSched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	run.Shutdown(shutdownCtx)
	logger.Info("daemon stopped")
	return nil
}

// subscribeObservers bridges bus events to metric instruments so the
// orchestrator and runner stay decoupled from the telemetry types. The
// active set keeps the up-down counter honest when a task sees repeated
// deactivating events, such as a pause followed by a guard-tripped failure.
func subscribeObservers(b *bus.Bus, m *otelPkg.Metrics) {
	ctx := context.Background()

	var activeMu sync.Mutex
	active := make(map[string]bool)
	activate := func(id string) {
		activeMu.Lock()
		defer activeMu.Unlock()
		if !active[id] {
			active[id] = true
			m.ActiveTasks.Add(ctx, 1)
		}
	}
	deactivate := func(id string) {
		activeMu.Lock()
		defer activeMu.Unlock()
		if active[id] {
			delete(active, id)
			m.ActiveTasks.Add(ctx, -1)
		}
	}

	b.Subscribe(bus.TopicTaskStarted, func(ev bus.Event) {
		m.TasksStarted.Add(ctx, 1)
		if e, ok := ev.Payload.(bus.TaskStartedEvent); ok {
			activate(e.TaskID)
			audit.Record("task_started", e.TaskID, e.Workflow)
		}
	})
	b.Subscribe(bus.TopicTaskCompleted, func(ev bus.Event) {
		m.TasksCompleted.Add(ctx, 1)
		if e, ok := ev.Payload.(bus.TaskCompletedEvent); ok {
			deactivate(e.TaskID)
			m.TokensUsed.Add(ctx, e.TokensUsed)
		}
	})
	b.Subscribe(bus.TopicTaskFailed, func(ev bus.Event) {
		m.TasksFailed.Add(ctx, 1)
		if e, ok := ev.Payload.(bus.TaskFailedEvent); ok {
			deactivate(e.TaskID)
			audit.Record("task_failed", e.TaskID, e.Error)
		}
	})
	b.Subscribe(bus.TopicTaskPaused, func(ev bus.Event) {
		m.TasksPaused.Add(ctx, 1)
		if e, ok := ev.Payload.(bus.TaskPausedEvent); ok {
			deactivate(e.TaskID)
			audit.Record("task_paused", e.TaskID, e.Reason)
		}
	})
	b.Subscribe(bus.TopicTaskSessionResumed, func(ev bus.Event) {
		m.TasksResumed.Add(ctx, 1)
		if e, ok := ev.Payload.(bus.SessionResumedEvent); ok {
			activate(e.TaskID)
			audit.Record("task_resumed", e.TaskID, e.PreviousStatus)
		}
	})
	b.Subscribe(bus.TopicWorkspaceCleanupFailed, func(ev bus.Event) {
		m.CleanupFailures.Add(ctx, 1)
		if e, ok := ev.Payload.(bus.WorkspaceCleanupFailedEvent); ok {
			audit.Record("cleanup_failed", e.TaskID, e.Error)
		}
	})
	b.Subscribe(bus.TopicCapacityPaused, func(ev bus.Event) {
		m.CapacityPauses.Add(ctx, 1)
		if d, ok := ev.Payload.(scheduler.Decision); ok {
			audit.Record("capacity_paused", "", d.Reason)
		}
	})
	b.Subscribe(bus.TopicCapacityResumed, func(ev bus.Event) {
		audit.Record("capacity_resumed", "", "")
	})
}

func runSubmitCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	description := fs.String("description", "", "what the task should accomplish (required)")
	workflow := fs.String("workflow", "feature", "workflow name")
	stages := fs.String("stages", "plan,implement,verify", "comma-separated stage list")
	priority := fs.Int("priority", 0, "queue priority (higher runs first)")
	strategy := fs.String("workspace", "directory", "workspace strategy: worktree, container, directory, none")
	_ = fs.Parse(args)

	if *description == "" {
		fmt.Fprintln(os.Stderr, "submit: -description is required")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit: load config: %v\n", err)
		return 1
	}
	store, err := persistence.Open(cfg.DatabasePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit: open store: %v\n", err)
		return 1
	}
	defer store.Close()

	var stageList []string
	for _, s := range strings.Split(*stages, ",") {
		if s = strings.TrimSpace(s); s != "" {
			stageList = append(stageList, s)
		}
	}

	id, err := store.CreateTask(ctx, persistence.NewTask{
		Description: *description,
		Workflow:    *workflow,
		Stages:      stageList,
		Priority:    *priority,
		Workspace: persistence.WorkspaceSpec{
			Strategy: persistence.WorkspaceStrategy(*strategy),
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit: %v\n", err)
		return 1
	}
	fmt.Println(id)
	return 0
}
