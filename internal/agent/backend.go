// Package agent runs workflow stages through an agent backend and wraps
// the backend with retry and circuit-breaker protection.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/basket/nightshift/internal/config"
	"github.com/basket/nightshift/internal/persistence"
	"github.com/basket/nightshift/internal/pricing"
)

// Request describes a single stage execution.
type Request struct {
	TaskID        string
	Stage         string
	Prompt        string
	WorkspacePath string
	ResumeContext string
	History       []persistence.ConversationEntry
}

// Result is the outcome of a stage execution.
type Result struct {
	Output        string
	TokensUsed    int64
	CostUSD       float64
	Conversation  []persistence.ConversationEntry
	NeedsApproval bool
}

// Backend executes one workflow stage.
type Backend interface {
	RunStage(ctx context.Context, req Request) (Result, error)
}

// stageOutput is the JSON envelope a subprocess backend writes to stdout.
type stageOutput struct {
	Output        string  `json:"output"`
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	CostUSD       float64 `json:"cost_usd"`
	NeedsApproval bool    `json:"needs_approval"`
}

// SubprocessBackend shells out to an agent CLI for each stage. The prompt
// goes in on stdin and the result comes back as a JSON envelope on stdout.
type SubprocessBackend struct {
	cfg    config.BackendConfig
	logger *slog.Logger
}

// NewSubprocessBackend creates a backend running the configured command.
func NewSubprocessBackend(cfg config.BackendConfig, logger *slog.Logger) *SubprocessBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubprocessBackend{cfg: cfg, logger: logger}
}

func (b *SubprocessBackend) RunStage(ctx context.Context, req Request) (Result, error) {
	timeout := time.Duration(b.cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"--stage", req.Stage}
	if b.cfg.Model != "" {
		args = append(args, "--model", b.cfg.Model)
	}
	cmd := exec.CommandContext(ctx, b.cfg.Command, args...)
	if req.WorkspacePath != "" {
		cmd.Dir = req.WorkspacePath
	}
	cmd.Stdin = strings.NewReader(buildPrompt(req))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		return Result{}, fmt.Errorf("agent command failed: %w (stderr: %s)", err, truncate(stderr.String(), 500))
	}
	b.logger.Debug("agent stage finished",
		"task_id", req.TaskID, "stage", req.Stage, "duration_ms", time.Since(start).Milliseconds())

	var out stageOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return Result{}, fmt.Errorf("parse agent output: %w", err)
	}

	cost := out.CostUSD
	if cost == 0 && (out.InputTokens > 0 || out.OutputTokens > 0) {
		cost = pricing.EstimateCost(b.cfg.Model, out.InputTokens, out.OutputTokens)
	}
	now := time.Now().UTC()
	return Result{
		Output:     out.Output,
		TokensUsed: out.InputTokens + out.OutputTokens,
		CostUSD:    cost,
		Conversation: []persistence.ConversationEntry{
			{Role: "user", Content: buildPrompt(req), Timestamp: now},
			{Role: "assistant", Content: out.Output, Timestamp: now},
		},
		NeedsApproval: out.NeedsApproval,
	}, nil
}

func buildPrompt(req Request) string {
	var sb strings.Builder
	if req.ResumeContext != "" {
		sb.WriteString(req.ResumeContext)
		sb.WriteString("\n\n")
	}
	sb.WriteString(req.Prompt)
	return sb.String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
