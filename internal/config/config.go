package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ModeThresholds is the per-task resource limit bundle for one
// time-of-day mode.
type ModeThresholds struct {
	MaxTokensPerTask   int     `yaml:"max_tokens_per_task"`
	MaxCostPerTask     float64 `yaml:"max_cost_per_task"`
	MaxConcurrentTasks int     `yaml:"max_concurrent_tasks"`
	DailyCostBudget    float64 `yaml:"daily_cost_budget"`
}

// TimeBasedUsageConfig controls time-of-day mode classification and the
// capacity thresholds applied in each mode. Hours are 0-23 and each set may
// wrap past midnight (e.g. night: [22, 23, 0, 1, 2]).
type TimeBasedUsageConfig struct {
	Enabled        bool  `yaml:"enabled"`
	DayModeHours   []int `yaml:"day_mode_hours"`
	NightModeHours []int `yaml:"night_mode_hours"`

	// Capacity thresholds are the fraction of the daily budget at which
	// new task admission pauses. Day defaults stricter than night.
	DayModeCapacityThreshold   float64 `yaml:"day_mode_capacity_threshold"`
	NightModeCapacityThreshold float64 `yaml:"night_mode_capacity_threshold"`
	OffHoursCapacityThreshold  float64 `yaml:"off_hours_capacity_threshold"`

	DayModeThresholds   ModeThresholds `yaml:"day_mode_thresholds"`
	NightModeThresholds ModeThresholds `yaml:"night_mode_thresholds"`
	// FallbackThresholds applies in off-hours mode and whenever
	// time-based usage is disabled.
	FallbackThresholds ModeThresholds `yaml:"fallback_thresholds"`
}

// SessionRecoveryConfig bounds the pause/resume cycle per task.
type SessionRecoveryConfig struct {
	// MaxResumeAttempts is the number of resumes a task is allowed before
	// a further attempt fails it. nil means the default (3); an explicit 0
	// forbids resumes entirely.
	MaxResumeAttempts *int `yaml:"max_resume_attempts"`
}

// WorktreeConfig holds git worktree workspace settings.
type WorktreeConfig struct {
	PreserveOnFailure bool   `yaml:"preserve_on_failure"`
	BaseBranch        string `yaml:"base_branch"`
	Dir               string `yaml:"dir"`
}

// GitConfig holds git-related settings.
type GitConfig struct {
	RepoPath string         `yaml:"repo_path"`
	Worktree WorktreeConfig `yaml:"worktree"`
}

// WorkspaceConfig holds global workspace lifecycle settings.
type WorkspaceConfig struct {
	// CleanupOnComplete globally enables workspace cleanup on terminal task
	// transitions. When false nothing is ever cleaned up.
	CleanupOnComplete bool   `yaml:"cleanup_on_complete"`
	RootDir           string `yaml:"root_dir"`
	ContainerImage    string `yaml:"container_image"`
	ContainerMemoryMB int64  `yaml:"container_memory_mb"`
	ContainerNetwork  string `yaml:"container_network"`
}

// BackendConfig names the agent backend the orchestrator executes stages
// against.
type BackendConfig struct {
	Type           string `yaml:"type"`
	Command        string `yaml:"command"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// TelemetryConfig controls the OpenTelemetry provider. Disabled means
// no-op instruments with zero overhead.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// ScheduleConfig defines a recurring task template fired by the cron loop.
type ScheduleConfig struct {
	Name        string `yaml:"name"`
	CronExpr    string `yaml:"cron"`
	Workflow    string `yaml:"workflow"`
	Description string `yaml:"description"`
	Priority    int    `yaml:"priority"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	// PollIntervalMs is the runner's admission tick interval.
	PollIntervalMs int `yaml:"poll_interval_ms"`
	// MonitorIntervalMs is the scheduler's capacity-restoration check interval.
	MonitorIntervalMs int `yaml:"monitor_interval_ms"`
	// MaxConcurrentTasks caps running tasks when the active mode's threshold
	// bundle does not set its own limit.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`

	TimeBasedUsage  TimeBasedUsageConfig  `yaml:"time_based_usage"`
	SessionRecovery SessionRecoveryConfig `yaml:"session_recovery"`
	Git             GitConfig             `yaml:"git"`
	Workspace       WorkspaceConfig       `yaml:"workspace"`
	Backend         BackendConfig         `yaml:"backend"`
	Schedules       []ScheduleConfig      `yaml:"schedules"`
	Telemetry       TelemetryConfig       `yaml:"telemetry"`
}

// DefaultMaxResumeAttempts applies when session_recovery.max_resume_attempts
// is not set in config.yaml.
const DefaultMaxResumeAttempts = 3

// MaxResumeAttempts resolves the configured resume budget, applying the
// default when unset. An explicit 0 is honored (no resumes permitted).
func (c Config) MaxResumeAttempts() int {
	if c.SessionRecovery.MaxResumeAttempts == nil {
		return DefaultMaxResumeAttempts
	}
	if *c.SessionRecovery.MaxResumeAttempts < 0 {
		return 0
	}
	return *c.SessionRecovery.MaxResumeAttempts
}

// HomeDir returns the nightshift data directory, honoring NIGHTSHIFT_HOME.
func HomeDir() string {
	if dir := os.Getenv("NIGHTSHIFT_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nightshift"
	}
	return filepath.Join(home, ".nightshift")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// DatabasePath returns the SQLite database path under the home directory.
func (c Config) DatabasePath() string {
	return filepath.Join(c.HomeDir, "nightshift.db")
}

// Load reads config.yaml from the nightshift home directory, creating the
// directory if needed and applying defaults for anything unset.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from the given home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := Config{HomeDir: homeDir}

	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create nightshift home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(homeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	cfg.HomeDir = homeDir

	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.PollIntervalMs <= 0 {
		cfg.PollIntervalMs = 5000
	}
	if cfg.MonitorIntervalMs <= 0 {
		cfg.MonitorIntervalMs = 60000
	}
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 3
	}

	tb := &cfg.TimeBasedUsage
	if tb.DayModeCapacityThreshold <= 0 {
		tb.DayModeCapacityThreshold = 0.90
	}
	if tb.NightModeCapacityThreshold <= 0 {
		tb.NightModeCapacityThreshold = 0.96
	}
	if tb.OffHoursCapacityThreshold <= 0 {
		tb.OffHoursCapacityThreshold = 1.0
	}
	normalizeThresholds(&tb.DayModeThresholds, cfg.MaxConcurrentTasks)
	normalizeThresholds(&tb.NightModeThresholds, cfg.MaxConcurrentTasks)
	normalizeThresholds(&tb.FallbackThresholds, cfg.MaxConcurrentTasks)

	if cfg.Git.Worktree.BaseBranch == "" {
		cfg.Git.Worktree.BaseBranch = "main"
	}
	if cfg.Git.Worktree.Dir == "" {
		cfg.Git.Worktree.Dir = ".worktrees"
	}
	if cfg.Workspace.RootDir == "" {
		cfg.Workspace.RootDir = filepath.Join(cfg.HomeDir, "workspaces")
	}
	if cfg.Backend.TimeoutSeconds <= 0 {
		cfg.Backend.TimeoutSeconds = 600
	}
}

func normalizeThresholds(t *ModeThresholds, fallbackConcurrent int) {
	if t.MaxTokensPerTask <= 0 {
		t.MaxTokensPerTask = 100_000
	}
	if t.MaxCostPerTask <= 0 {
		t.MaxCostPerTask = 5.0
	}
	if t.MaxConcurrentTasks <= 0 {
		t.MaxConcurrentTasks = fallbackConcurrent
	}
	if t.DailyCostBudget <= 0 {
		t.DailyCostBudget = 50.0
	}
}

func validate(cfg *Config) error {
	for _, h := range cfg.TimeBasedUsage.DayModeHours {
		if h < 0 || h > 23 {
			return fmt.Errorf("time_based_usage.day_mode_hours: hour %d out of range 0-23", h)
		}
	}
	for _, h := range cfg.TimeBasedUsage.NightModeHours {
		if h < 0 || h > 23 {
			return fmt.Errorf("time_based_usage.night_mode_hours: hour %d out of range 0-23", h)
		}
	}
	day := make(map[int]struct{}, len(cfg.TimeBasedUsage.DayModeHours))
	for _, h := range cfg.TimeBasedUsage.DayModeHours {
		day[h] = struct{}{}
	}
	for _, h := range cfg.TimeBasedUsage.NightModeHours {
		if _, ok := day[h]; ok {
			return fmt.Errorf("time_based_usage: hour %d appears in both day and night mode sets", h)
		}
	}
	return nil
}
