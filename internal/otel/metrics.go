package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all nightshift metric instruments.
type Metrics struct {
	TasksStarted    metric.Int64Counter
	TasksCompleted  metric.Int64Counter
	TasksFailed     metric.Int64Counter
	TasksPaused     metric.Int64Counter
	TasksResumed    metric.Int64Counter
	ActiveTasks     metric.Int64UpDownCounter
	CapacityPauses  metric.Int64Counter
	CleanupFailures metric.Int64Counter
	TokensUsed      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksStarted, err = meter.Int64Counter("nightshift.tasks.started",
		metric.WithDescription("Tasks admitted for execution"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("nightshift.tasks.completed",
		metric.WithDescription("Tasks that reached completed"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("nightshift.tasks.failed",
		metric.WithDescription("Tasks that reached failed"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksPaused, err = meter.Int64Counter("nightshift.tasks.paused",
		metric.WithDescription("Task pause transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksResumed, err = meter.Int64Counter("nightshift.tasks.resumed",
		metric.WithDescription("Task resume transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTasks, err = meter.Int64UpDownCounter("nightshift.tasks.active",
		metric.WithDescription("Number of currently executing tasks"),
	)
	if err != nil {
		return nil, err
	}

	m.CapacityPauses, err = meter.Int64Counter("nightshift.capacity.pauses",
		metric.WithDescription("Daemon-level capacity pause transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.CleanupFailures, err = meter.Int64Counter("nightshift.workspace.cleanup_failures",
		metric.WithDescription("Workspace cleanup attempts that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("nightshift.tokens.used",
		metric.WithDescription("Total tokens consumed by task stages"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
