// Package runner defines the interface between the orchestrator and the
// model backends that execute agent prompts. The orchestrator never talks
// to a provider directly; it hands a RunOptions to a ModelRunner and
// observes progress through the Sink.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/OmerMachluf/copilot-orchestrator/internal/definitions"
)

// RunOptions describes a single model execution.
type RunOptions struct {
	// WorkerID attributes the run for health tracking and cost accounting.
	WorkerID string
	// Agent selects the backend and agent definition.
	Agent definitions.ParsedAgentType
	// Prompt is the fully constructed prompt text.
	Prompt string
	// WorkDir is the worktree the run is confined to.
	WorkDir string
	// SessionID resumes an existing session when non-empty.
	SessionID string
	// Model overrides the agent definition's model when non-empty.
	Model string
	// Sink receives streaming progress. May be nil.
	Sink Sink
}

// Usage is the token accounting reported by a run.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	Model            string
}

// Result is the outcome of a completed run.
type Result struct {
	// SessionID identifies the provider session, for resumption.
	SessionID string
	// Output is the final assistant text.
	Output string
	// Usage totals for the run.
	Usage Usage
}

// Sink receives streaming events during a run. Implementations must not
// block; slow consumers should buffer or drop.
type Sink interface {
	// OnText delivers an assistant text chunk.
	OnText(workerID, text string)
	// OnToolCall notes a tool invocation.
	OnToolCall(workerID, toolName string)
	// OnToolResult delivers a tool's output.
	OnToolResult(workerID, toolName, output string)
}

// ModelRunner executes agent prompts against a model backend.
type ModelRunner interface {
	// Backend returns the backend this runner serves.
	Backend() definitions.Backend

	// Run executes the prompt and blocks until the run finishes or ctx is
	// cancelled. Streaming progress goes to opts.Sink; the final outcome is
	// the returned Result. Infrastructure failures (spawn, transport) are
	// wrapped in *InfraError; model-reported failures come back as plain
	// errors.
	Run(ctx context.Context, opts RunOptions) (Result, error)
}

// InfraError marks a failure in the execution machinery rather than the
// model's work itself. Callers use this to decide retry semantics.
type InfraError struct {
	Op  string
	Err error
}

func (e *InfraError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *InfraError) Unwrap() error { return e.Err }

// IsInfra reports whether err is an infrastructure failure.
func IsInfra(err error) bool {
	var ie *InfraError
	return errors.As(err, &ie)
}

// ErrUnknownBackend is returned when no runner is registered for a backend.
var ErrUnknownBackend = errors.New("unknown runner backend")

var (
	registryMu sync.RWMutex
	registry   = make(map[definitions.Backend]func() ModelRunner)
)

// Register adds a runner factory for a backend. Provider packages call this
// from init().
func Register(backend definitions.Backend, factory func() ModelRunner) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[backend] = factory
}

// New creates a ModelRunner for the given backend.
func New(backend definitions.Backend) (ModelRunner, error) {
	registryMu.RLock()
	factory, ok := registry[backend]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, backend)
	}
	return factory(), nil
}

// Registered returns the registered backends, sorted.
func Registered() []definitions.Backend {
	registryMu.RLock()
	defer registryMu.RUnlock()
	backends := make([]definitions.Backend, 0, len(registry))
	for b := range registry {
		backends = append(backends, b)
	}
	sort.Slice(backends, func(i, j int) bool { return backends[i] < backends[j] })
	return backends
}

// Dispatch routes each run to the registered runner for its agent's
// backend, falling back to the default backend when the agent does not
// name one.
type Dispatch struct{}

// Backend returns the default backend; Dispatch serves all of them.
func (Dispatch) Backend() definitions.Backend { return definitions.DefaultBackend }

// Run resolves the backend runner and delegates to it.
func (Dispatch) Run(ctx context.Context, opts RunOptions) (Result, error) {
	backend := opts.Agent.Backend
	if backend == "" {
		backend = definitions.DefaultBackend
	}
	r, err := New(backend)
	if err != nil {
		return Result{}, err
	}
	return r.Run(ctx, opts)
}

// IsRegistered reports whether a backend has a runner.
func IsRegistered(backend definitions.Backend) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[backend]
	return ok
}
