package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFrom_Defaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom() error: %v", err)
	}

	if cfg.PollIntervalMs != 5000 {
		t.Errorf("PollIntervalMs = %d, want 5000", cfg.PollIntervalMs)
	}
	if cfg.MaxConcurrentTasks != 3 {
		t.Errorf("MaxConcurrentTasks = %d, want 3", cfg.MaxConcurrentTasks)
	}
	if got := cfg.TimeBasedUsage.DayModeCapacityThreshold; got != 0.90 {
		t.Errorf("DayModeCapacityThreshold = %v, want 0.90", got)
	}
	if got := cfg.TimeBasedUsage.NightModeCapacityThreshold; got != 0.96 {
		t.Errorf("NightModeCapacityThreshold = %v, want 0.96", got)
	}
	if got := cfg.MaxResumeAttempts(); got != DefaultMaxResumeAttempts {
		t.Errorf("MaxResumeAttempts() = %d, want %d", got, DefaultMaxResumeAttempts)
	}
	if cfg.Git.Worktree.BaseBranch != "main" {
		t.Errorf("Worktree.BaseBranch = %q, want main", cfg.Git.Worktree.BaseBranch)
	}
}

func TestLoadFrom_ParsesYAML(t *testing.T) {
	dir := t.TempDir()
	content := `
log_level: debug
poll_interval_ms: 1000
max_concurrent_tasks: 5
time_based_usage:
  enabled: true
  day_mode_hours: [9, 10, 11, 12, 13, 14, 15, 16, 17]
  night_mode_hours: [22, 23, 0, 1, 2]
  day_mode_capacity_threshold: 0.85
  day_mode_thresholds:
    max_tokens_per_task: 50000
    max_cost_per_task: 2.5
    max_concurrent_tasks: 2
    daily_cost_budget: 20
session_recovery:
  max_resume_attempts: 0
git:
  worktree:
    preserve_on_failure: true
workspace:
  cleanup_on_complete: true
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom() error: %v", err)
	}

	if !cfg.TimeBasedUsage.Enabled {
		t.Error("TimeBasedUsage.Enabled = false, want true")
	}
	if got := cfg.TimeBasedUsage.DayModeCapacityThreshold; got != 0.85 {
		t.Errorf("DayModeCapacityThreshold = %v, want 0.85", got)
	}
	if got := cfg.TimeBasedUsage.DayModeThresholds.MaxTokensPerTask; got != 50000 {
		t.Errorf("DayModeThresholds.MaxTokensPerTask = %d, want 50000", got)
	}
	// Explicit zero means no resumes, distinct from unset.
	if got := cfg.MaxResumeAttempts(); got != 0 {
		t.Errorf("MaxResumeAttempts() = %d, want 0", got)
	}
	if !cfg.Git.Worktree.PreserveOnFailure {
		t.Error("Git.Worktree.PreserveOnFailure = false, want true")
	}
	if !cfg.Workspace.CleanupOnComplete {
		t.Error("Workspace.CleanupOnComplete = false, want true")
	}
}

func TestHolder_StoreSwapsSnapshot(t *testing.T) {
	h := NewHolder(Config{MaxConcurrentTasks: 3})

	if got := h.Load().MaxConcurrentTasks; got != 3 {
		t.Fatalf("Load().MaxConcurrentTasks = %d, want 3", got)
	}

	h.Store(Config{MaxConcurrentTasks: 7})

	if got := h.Load().MaxConcurrentTasks; got != 7 {
		t.Fatalf("Load().MaxConcurrentTasks after Store = %d, want 7", got)
	}
}

func TestLoadFrom_RejectsOverlappingHourSets(t *testing.T) {
	dir := t.TempDir()
	content := `
time_based_usage:
  day_mode_hours: [9, 10, 11]
  night_mode_hours: [11, 22, 23]
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadFrom(dir); err == nil {
		t.Fatal("LoadFrom() accepted overlapping day/night hour sets")
	}
}

func TestLoadFrom_RejectsOutOfRangeHours(t *testing.T) {
	dir := t.TempDir()
	content := `
time_based_usage:
  day_mode_hours: [9, 24]
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadFrom(dir); err == nil {
		t.Fatal("LoadFrom() accepted hour 24")
	}
}
