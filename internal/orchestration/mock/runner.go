// Package mock provides a scriptable ModelRunner for testing. It lets
// tests control run outcomes via function fields and inspect how runs
// were invoked.
package mock

import (
	"context"
	"sync"

	"github.com/OmerMachluf/copilot-orchestrator/internal/definitions"
	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/runner"
)

// Runner is a mock implementation of runner.ModelRunner.
// If RunFunc is set it is called for each run; otherwise runs succeed
// immediately with Result{Output: "done"}.
type Runner struct {
	// RunFunc is called when Run is invoked, if set.
	RunFunc func(ctx context.Context, opts runner.RunOptions) (runner.Result, error)

	// Block, when set, makes Run wait on the channel (or ctx) before
	// producing its result. Close it to release all blocked runs.
	Block chan struct{}

	mu    sync.Mutex
	calls []runner.RunOptions
}

// NewRunner creates a mock runner with default behavior.
func NewRunner() *Runner {
	return &Runner{}
}

// Backend returns the copilot backend identifier.
func (r *Runner) Backend() definitions.Backend {
	return definitions.BackendCopilot
}

// Run records the invocation and produces the scripted outcome.
func (r *Runner) Run(ctx context.Context, opts runner.RunOptions) (runner.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, opts)
	block := r.Block
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return runner.Result{}, ctx.Err()
		}
	}

	if r.RunFunc != nil {
		return r.RunFunc(ctx, opts)
	}
	return runner.Result{Output: "done"}, nil
}

// Calls returns a copy of the recorded invocations.
func (r *Runner) Calls() []runner.RunOptions {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]runner.RunOptions, len(r.calls))
	copy(out, r.calls)
	return out
}

// RunCount returns how many times Run was called.
func (r *Runner) RunCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// LastCall returns the most recent invocation, or false if none.
func (r *Runner) LastCall() (runner.RunOptions, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return runner.RunOptions{}, false
	}
	return r.calls[len(r.calls)-1], true
}

// Reset clears the recorded invocations.
func (r *Runner) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// SinkRecorder is a runner.Sink that records everything it receives.
type SinkRecorder struct {
	mu          sync.Mutex
	Texts       []string
	ToolCalls   []string
	ToolOutputs []string
}

func (s *SinkRecorder) OnText(_, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Texts = append(s.Texts, text)
}

func (s *SinkRecorder) OnToolCall(_, toolName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ToolCalls = append(s.ToolCalls, toolName)
}

func (s *SinkRecorder) OnToolResult(_, toolName, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ToolOutputs = append(s.ToolOutputs, toolName+": "+output)
}
