package otel

import (
	"context"
	"testing"
)

func TestInit_DisabledReturnsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init(disabled) error: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("disabled provider has nil tracer or meter")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func TestInit_RejectsUnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{Enabled: true, Exporter: "jaeger"})
	if err == nil {
		t.Fatal("Init() accepted unknown exporter")
	}
}

func TestNewMetrics(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics() error: %v", err)
	}
	if m.TasksStarted == nil || m.ActiveTasks == nil || m.CleanupFailures == nil {
		t.Fatal("metrics instruments not initialized")
	}
	// No-op instruments must accept recordings without panicking.
	m.TasksStarted.Add(context.Background(), 1)
	m.ActiveTasks.Add(context.Background(), -1)
}
