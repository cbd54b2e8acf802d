package health

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/OmerMachluf/copilot-orchestrator/internal/config"
	"github.com/OmerMachluf/copilot-orchestrator/internal/definitions"
	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/runner"
)

// ErrCircuitOpen is returned when a worker's circuit breaker rejects a run.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Sink adapts the monitor to the runner's streaming interface: every
// chunk counts as activity, and tool calls feed loop detection.
type Sink struct {
	Monitor *Monitor
}

var _ runner.Sink = Sink{}

func (s Sink) OnText(workerID, _ string) {
	s.Monitor.RecordActivity(workerID)
}

func (s Sink) OnToolCall(workerID, toolName string) {
	s.Monitor.RecordToolCall(workerID, toolName)
}

func (s Sink) OnToolResult(workerID, _, _ string) {
	s.Monitor.RecordActivity(workerID)
}

// WrapOption configures WrapRunner.
type WrapOption func(*monitoredRunner)

// WithBreaker guards each worker's runs with a per-worker circuit
// breaker built from cfg. While a breaker is open, runs for that worker
// fail fast with ErrCircuitOpen instead of reaching the backend.
func WithBreaker(cfg config.BreakerConfig) WrapOption {
	return func(m *monitoredRunner) {
		m.breakerCfg = &cfg
		m.breakers = make(map[string]*CircuitBreaker)
	}
}

// WrapRunner decorates a ModelRunner with health tracking: runs are
// bracketed as executions, outcomes feed the failure streak, and a sink
// is injected when the caller supplies none.
func WrapRunner(inner runner.ModelRunner, monitor *Monitor, opts ...WrapOption) runner.ModelRunner {
	m := &monitoredRunner{inner: inner, monitor: monitor}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type monitoredRunner struct {
	inner      runner.ModelRunner
	monitor    *Monitor
	breakerCfg *config.BreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

func (m *monitoredRunner) Backend() definitions.Backend { return m.inner.Backend() }

func (m *monitoredRunner) breakerFor(workerID string) *CircuitBreaker {
	if m.breakerCfg == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.breakers[workerID]
	if b == nil {
		b = NewBreaker(workerID, *m.breakerCfg)
		m.breakers[workerID] = b
	}
	return b
}

func (m *monitoredRunner) Run(ctx context.Context, opts runner.RunOptions) (runner.Result, error) {
	breaker := m.breakerFor(opts.WorkerID)
	if breaker != nil && !breaker.CanExecute() {
		return runner.Result{}, fmt.Errorf("worker %s: %w", opts.WorkerID, ErrCircuitOpen)
	}

	if opts.Sink == nil {
		opts.Sink = Sink{Monitor: m.monitor}
	}
	m.monitor.Track(opts.WorkerID)
	m.monitor.ExecutionStart(opts.WorkerID)
	defer m.monitor.ExecutionEnd(opts.WorkerID)

	res, err := m.inner.Run(ctx, opts)
	if err != nil {
		m.monitor.RecordError(opts.WorkerID)
		if breaker != nil {
			breaker.RecordFailure()
		}
	} else {
		m.monitor.RecordSuccess(opts.WorkerID)
		if breaker != nil {
			breaker.RecordSuccess()
		}
	}
	return res, err
}
