// Package health watches per-worker liveness: error streaks, tool-call
// loops, and idleness, plus a per-worker circuit breaker for tool
// invocations.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/OmerMachluf/copilot-orchestrator/internal/config"
	"github.com/OmerMachluf/copilot-orchestrator/internal/log"
	"github.com/OmerMachluf/copilot-orchestrator/internal/pubsub"
)

// Reason explains a health event.
type Reason string

const (
	ReasonHighErrorRate Reason = "high_error_rate"
	ReasonLooping       Reason = "looping"
	ReasonNoActivity    Reason = "no_activity"
)

// EventKind distinguishes health events.
type EventKind string

const (
	EventWorkerUnhealthy EventKind = "worker_unhealthy"
	EventWorkerIdle      EventKind = "worker_idle"
)

// Event is published when a worker trips a health rule.
type Event struct {
	Kind     EventKind
	WorkerID string
	Reason   Reason
	// Tool is set for looping events: the repeated tool name.
	Tool string
}

type workerHealth struct {
	lastActivityAt      time.Time
	toolHistory         []string // bounded to cfg.LoopWindow
	consecutiveFailures int
	isIdle              bool
	executing           bool
	inquiryPending      bool
}

// Monitor tracks activity per worker and emits health events.
type Monitor struct {
	cfg    config.HealthConfig
	clock  Clock
	broker *pubsub.Broker[Event]

	mu      sync.Mutex
	workers map[string]*workerHealth

	cancel context.CancelFunc
	done   chan struct{}
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorClock overrides the time source, for tests.
func WithMonitorClock(clock Clock) MonitorOption {
	return func(m *Monitor) { m.clock = clock }
}

// NewMonitor creates a Monitor. Call Start to begin idle detection.
func NewMonitor(cfg config.HealthConfig, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		cfg:     cfg,
		clock:   RealClock{},
		broker:  pubsub.NewBroker[Event](),
		workers: make(map[string]*workerHealth),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe returns a channel of health events, cleaned up with the context.
func (m *Monitor) Subscribe(ctx context.Context) <-chan pubsub.Event[Event] {
	return m.broker.Subscribe(ctx)
}

// Track begins monitoring a worker.
func (m *Monitor) Track(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workers[workerID]; !ok {
		m.workers[workerID] = &workerHealth{lastActivityAt: m.clock.Now()}
	}
}

// Untrack stops monitoring a worker.
func (m *Monitor) Untrack(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workers, workerID)
}

// RecordToolCall notes a tool invocation and checks for loops.
func (m *Monitor) RecordToolCall(workerID, toolName string) {
	m.mu.Lock()
	w := m.touchLocked(workerID)
	w.toolHistory = append(w.toolHistory, toolName)
	if len(w.toolHistory) > m.cfg.LoopWindow {
		w.toolHistory = w.toolHistory[len(w.toolHistory)-m.cfg.LoopWindow:]
	}
	looping := len(w.toolHistory) == m.cfg.LoopWindow && allSame(w.toolHistory)
	m.mu.Unlock()

	if looping {
		log.Warn(log.CatHealth, "worker looping", "worker", workerID, "tool", toolName, "window", m.cfg.LoopWindow)
		m.broker.Publish(pubsub.CreatedEvent, Event{
			Kind: EventWorkerUnhealthy, WorkerID: workerID, Reason: ReasonLooping, Tool: toolName,
		})
	}
}

// RecordSuccess notes a successful operation and resets the failure streak.
func (m *Monitor) RecordSuccess(workerID string) {
	m.mu.Lock()
	w := m.touchLocked(workerID)
	w.consecutiveFailures = 0
	m.mu.Unlock()
}

// RecordError notes a failed operation; a streak at the threshold fires an
// unhealthy event immediately.
func (m *Monitor) RecordError(workerID string) {
	m.mu.Lock()
	w := m.touchLocked(workerID)
	w.consecutiveFailures++
	tripped := w.consecutiveFailures == m.cfg.ErrorThreshold
	streak := w.consecutiveFailures
	m.mu.Unlock()

	if tripped {
		log.Warn(log.CatHealth, "worker error streak", "worker", workerID, "failures", streak)
		m.broker.Publish(pubsub.CreatedEvent, Event{
			Kind: EventWorkerUnhealthy, WorkerID: workerID, Reason: ReasonHighErrorRate,
		})
	}
}

// RecordActivity notes generic worker output without touching the
// failure streak.
func (m *Monitor) RecordActivity(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLocked(workerID)
}

// ExecutionStart marks a worker as executing, suppressing idle detection.
func (m *Monitor) ExecutionStart(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLocked(workerID).executing = true
}

// ExecutionEnd clears the executing flag.
func (m *Monitor) ExecutionEnd(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLocked(workerID).executing = false
}

// IsIdle reports whether the worker is currently flagged idle.
func (m *Monitor) IsIdle(workerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.workers[workerID]; ok {
		return w.isIdle
	}
	return false
}

// touchLocked updates activity bookkeeping for a worker, creating the
// record if needed. Any activity clears the idle flag and pending inquiry.
func (m *Monitor) touchLocked(workerID string) *workerHealth {
	w, ok := m.workers[workerID]
	if !ok {
		w = &workerHealth{}
		m.workers[workerID] = w
	}
	w.lastActivityAt = m.clock.Now()
	w.isIdle = false
	w.inquiryPending = false
	return w
}

// Start launches the idle-detection ticker. Stop with Stop.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	ticker := m.clock.NewTicker(m.cfg.CheckInterval)
	log.SafeGo("health-monitor", func() {
		defer close(m.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				m.checkIdle()
			}
		}
	})
}

// Stop terminates the idle-detection loop and closes the event broker.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	m.broker.Close()
}

// checkIdle flags workers with no recent activity.
func (m *Monitor) checkIdle() {
	now := m.clock.Now()

	m.mu.Lock()
	var idle []string
	for id, w := range m.workers {
		if w.executing || w.isIdle {
			continue
		}
		if now.Sub(w.lastActivityAt) >= m.cfg.IdleTimeout {
			w.isIdle = true
			w.inquiryPending = true
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	for _, id := range idle {
		log.Info(log.CatHealth, "worker idle", "worker", id, "timeout", m.cfg.IdleTimeout)
		m.broker.Publish(pubsub.CreatedEvent, Event{
			Kind: EventWorkerIdle, WorkerID: id, Reason: ReasonNoActivity,
		})
	}
}

func allSame(history []string) bool {
	for _, h := range history[1:] {
		if h != history[0] {
			return false
		}
	}
	return true
}
