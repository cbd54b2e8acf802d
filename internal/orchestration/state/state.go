// Package state implements the task/sub-task status state machine.
package state

import (
	"slices"
	"sync"
	"time"

	"github.com/OmerMachluf/copilot-orchestrator/internal/log"
)

// Status is a task or sub-task lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusBlocked   Status = "blocked"
)

// ValidTransitions defines the allowed state machine transitions.
// Map key is the "from" status, value is a slice of valid "to" statuses.
// Self-transitions are always accepted as no-ops; failed and cancelled
// may return to pending for a retry.
var ValidTransitions = map[Status][]Status{
	StatusPending:   {StatusQueued, StatusRunning, StatusCancelled},
	StatusQueued:    {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted: {},
	StatusFailed:    {StatusPending},
	StatusCancelled: {StatusPending},
}

// IsValidTransition checks if transitioning from one status to another is
// allowed. Self-transitions are valid no-ops.
func IsValidTransition(from, to Status) bool {
	if from == to {
		return true
	}
	validTos, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(validTos, to)
}

// IsTerminal reports whether a status is final.
func IsTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether a status represents in-flight work.
func IsActive(s Status) bool {
	return s == StatusQueued || s == StatusRunning
}

// Record is one accepted transition in a machine's history.
type Record struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	Forced bool      `json:"forced,omitempty"`
	At     time.Time `json:"at"`
}

// Machine tracks one entity's status and transition history.
type Machine struct {
	mu      sync.Mutex
	entity  string // for log context, e.g. "task-3"
	current Status
	history []Record
	lenient bool
}

// Option configures a Machine.
type Option func(*Machine)

// Lenient lets invalid transitions proceed with a warning instead of
// being rejected.
func Lenient() Option {
	return func(m *Machine) { m.lenient = true }
}

// NewMachine creates a Machine for the named entity starting at initial.
func NewMachine(entity string, initial Status, opts ...Option) *Machine {
	m := &Machine{entity: entity, current: initial}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Current returns the current status.
func (m *Machine) Current() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Transition attempts to move to the given status. Invalid requests return
// false, log, and leave the state unchanged (unless the machine is lenient).
// A self-transition returns true without recording history.
func (m *Machine) Transition(to Status, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == to {
		return true
	}

	if !IsValidTransition(m.current, to) {
		if !m.lenient {
			log.Warn(log.CatOrch, "invalid state transition rejected",
				"entity", m.entity, "from", m.current, "to", to, "reason", reason)
			return false
		}
		log.Warn(log.CatOrch, "invalid state transition allowed (lenient)",
			"entity", m.entity, "from", m.current, "to", to, "reason", reason)
	}

	m.history = append(m.history, Record{
		From:   m.current,
		To:     to,
		Reason: reason,
		At:     time.Now(),
	})
	log.Debug(log.CatOrch, "state transition",
		"entity", m.entity, "from", m.current, "to", to, "reason", reason)
	m.current = to
	return true
}

// ForceState bypasses validation, recording the transition as forced.
func (m *Machine) ForceState(to Status, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == to {
		return
	}

	log.Warn(log.CatOrch, "state forced",
		"entity", m.entity, "from", m.current, "to", to, "reason", reason)
	m.history = append(m.history, Record{
		From:   m.current,
		To:     to,
		Reason: reason,
		Forced: true,
		At:     time.Now(),
	})
	m.current = to
}

// History returns a copy of the accepted transitions, oldest first.
func (m *Machine) History() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.history...)
}
