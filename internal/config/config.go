// Package config provides configuration types and defaults for the orchestrator.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all configuration options for the orchestrator.
type Config struct {
	// Workspace is the repository root the orchestrator operates on.
	// Default: current working directory.
	Workspace string `mapstructure:"workspace"`

	Safety      SafetyConfig      `mapstructure:"safety"`
	Health      HealthConfig      `mapstructure:"health"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Worktrees   WorktreesConfig   `mapstructure:"worktrees"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Tracing     TracingConfig     `mapstructure:"tracing"`

	// LenientTransitions allows invalid task state transitions to proceed
	// with a warning instead of being rejected. Off by default.
	LenientTransitions bool `mapstructure:"lenient_transitions"`
}

// SafetyConfig holds spawn admission limits (depth, rate, totals, cost).
type SafetyConfig struct {
	// MaxDepthOrchestrator caps sub-task depth for orchestrator-deployed chains.
	MaxDepthOrchestrator int `mapstructure:"max_depth_orchestrator"`

	// MaxDepthAgent caps sub-task depth for agent-initiated chains.
	MaxDepthAgent int `mapstructure:"max_depth_agent"`

	// MaxSubTasksPerWorker caps total sub-tasks a worker may ever spawn.
	MaxSubTasksPerWorker int `mapstructure:"max_subtasks_per_worker"`

	// MaxParallelSubTasks caps concurrently running sub-tasks per worker,
	// and concurrent deploys at the plan level.
	MaxParallelSubTasks int `mapstructure:"max_parallel_subtasks"`

	// SpawnsPerMinute is the sliding-window spawn rate limit per worker.
	SpawnsPerMinute int `mapstructure:"spawns_per_minute"`

	// MaxCostPerWorker is the token budget per worker (0 = unlimited).
	MaxCostPerWorker int `mapstructure:"max_cost_per_worker"`
}

// HealthConfig holds worker liveness detection settings.
type HealthConfig struct {
	// IdleTimeout is how long without activity before a worker is declared idle.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// CheckInterval is the idle-detection ticker period.
	CheckInterval time.Duration `mapstructure:"check_interval"`

	// ErrorThreshold is the consecutive-failure count that marks a worker unhealthy.
	ErrorThreshold int `mapstructure:"error_threshold"`

	// LoopWindow is the number of identical trailing tool calls treated as a loop.
	LoopWindow int `mapstructure:"loop_window"`
}

// BreakerConfig holds circuit breaker settings for tool invocations.
type BreakerConfig struct {
	// Threshold is the failure count that opens the breaker.
	Threshold int `mapstructure:"threshold"`

	// Cooldown is how long the breaker stays open before probing half-open.
	Cooldown time.Duration `mapstructure:"cooldown"`
}

// WorktreesConfig holds worktree placement settings.
type WorktreesConfig struct {
	// Dir overrides the worktree parent directory.
	// Default: <workspaceParent>/.worktrees
	Dir string `mapstructure:"dir"`

	// BaseBranch overrides default-branch detection when set.
	BaseBranch string `mapstructure:"base_branch"`
}

// PersistenceConfig holds state snapshot settings.
type PersistenceConfig struct {
	// Debounce is the delay between a state mutation and the snapshot write.
	Debounce time.Duration `mapstructure:"debounce"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether tracing is active. Default: false.
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for the "file" exporter.
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	SampleRate float64 `mapstructure:"sample_rate"`
}

// Defaults returns the default configuration.
func Defaults() Config {
	return Config{
		Safety: SafetyConfig{
			MaxDepthOrchestrator: 2,
			MaxDepthAgent:        1,
			MaxSubTasksPerWorker: 10,
			MaxParallelSubTasks:  3,
			SpawnsPerMinute:      5,
			MaxCostPerWorker:     0,
		},
		Health: HealthConfig{
			IdleTimeout:   2 * time.Minute,
			CheckInterval: 15 * time.Second,
			ErrorThreshold: 5,
			LoopWindow:     5,
		},
		Breaker: BreakerConfig{
			Threshold: 3,
			Cooldown:  30 * time.Second,
		},
		Persistence: PersistenceConfig{
			Debounce: 500 * time.Millisecond,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// DefaultTracesFilePath returns the default path for file-based trace export.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "orchestrator-traces.jsonl")
	}
	return filepath.Join(home, ".config", "copilot-orchestrator", "traces", "traces.jsonl")
}

// Validate checks the configuration for invalid values.
func Validate(cfg Config) error {
	if cfg.Safety.MaxDepthOrchestrator < 0 || cfg.Safety.MaxDepthAgent < 0 {
		return fmt.Errorf("safety: max depths must be non-negative")
	}
	if cfg.Safety.MaxDepthAgent > cfg.Safety.MaxDepthOrchestrator {
		return fmt.Errorf("safety: max_depth_agent (%d) cannot exceed max_depth_orchestrator (%d)",
			cfg.Safety.MaxDepthAgent, cfg.Safety.MaxDepthOrchestrator)
	}
	if cfg.Safety.MaxParallelSubTasks < 1 {
		return fmt.Errorf("safety: max_parallel_subtasks must be at least 1")
	}
	if cfg.Health.LoopWindow < 2 {
		return fmt.Errorf("health: loop_window must be at least 2")
	}
	if err := validateTracing(cfg.Tracing); err != nil {
		return err
	}
	return nil
}

func validateTracing(tracing TracingConfig) error {
	if !tracing.Enabled {
		return nil
	}
	switch tracing.Exporter {
	case "", "none", "file", "stdout", "otlp":
	default:
		return fmt.Errorf("tracing: unknown exporter %q (expected none, file, stdout, or otlp)", tracing.Exporter)
	}
	if tracing.SampleRate < 0 || tracing.SampleRate > 1 {
		return fmt.Errorf("tracing: sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}
	return nil
}
