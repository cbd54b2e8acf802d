package subtask

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/OmerMachluf/copilot-orchestrator/internal/config"
	"github.com/OmerMachluf/copilot-orchestrator/internal/definitions"
	"github.com/OmerMachluf/copilot-orchestrator/internal/log"
	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/runner"
	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/safety"
	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/state"
	"github.com/OmerMachluf/copilot-orchestrator/internal/pubsub"
)

// ErrNotFound is returned when a sub-task id is unknown.
var ErrNotFound = errors.New("sub-task not found")

// FileConflictError reports running sub-tasks whose target files overlap
// with the one being executed.
type FileConflictError struct {
	SubTaskIDs []string
}

func (e *FileConflictError) Error() string {
	return fmt.Sprintf("target files conflict with running sub-tasks: %s",
		strings.Join(e.SubTaskIDs, ", "))
}

// CreateOptions describes a sub-task to admit.
type CreateOptions struct {
	ParentWorkerID  string
	ParentTaskID    string
	ParentSubTaskID string
	PlanID          string
	// ParentDepth is the spawner's depth; the sub-task is one deeper.
	ParentDepth    int
	SpawnContext   safety.SpawnContext
	AgentType      string
	Prompt         string
	ExpectedOutput string
	WorktreePath   string
	BaseBranch     string
	TargetFiles    []string
	// InheritedPermissions carries the parent's tool allowances down to
	// the sub-task.
	InheritedPermissions []string
}

// Manager owns sub-task lifecycles: admission, execution, status, and
// completion notification.
type Manager struct {
	cfg      config.Config
	limiter  *safety.Limiter
	run      runner.ModelRunner
	notifier Notifier
	broker   *pubsub.Broker[Event]
	tracer   trace.Tracer // nil disables execution spans

	mu       sync.Mutex
	subTasks map[string]*SubTask
	machines map[string]*state.Machine
	cancels  map[string]context.CancelFunc
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithNotifier registers the completion notifier.
func WithNotifier(n Notifier) ManagerOption {
	return func(m *Manager) { m.notifier = n }
}

// WithTracer enables a span per sub-task execution.
func WithTracer(t trace.Tracer) ManagerOption {
	return func(m *Manager) { m.tracer = t }
}

// NewManager creates a Manager executing sub-tasks on the given runner.
func NewManager(cfg config.Config, limiter *safety.Limiter, run runner.ModelRunner, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:      cfg,
		limiter:  limiter,
		run:      run,
		broker:   pubsub.NewBroker[Event](),
		subTasks: make(map[string]*SubTask),
		machines: make(map[string]*state.Machine),
		cancels:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe returns a channel of sub-task events, cleaned up with the context.
func (m *Manager) Subscribe(ctx context.Context) <-chan pubsub.Event[Event] {
	return m.broker.Subscribe(ctx)
}

// Close shuts down the event broker.
func (m *Manager) Close() {
	m.broker.Close()
}

// Create admits and registers a new sub-task in pending state. The admission
// predicates run in order (depth, rate, total, parallel, cycle); on rejection
// the predicate's error is returned and nothing is recorded.
func (m *Manager) Create(opts CreateOptions) (*SubTask, error) {
	parsed, err := definitions.ParseAgentType(opts.AgentType)
	if err != nil {
		return nil, fmt.Errorf("create sub-task: %w", err)
	}

	if err := m.limiter.CheckAdmission(safety.AdmissionRequest{
		WorkerID:        opts.ParentWorkerID,
		ParentSubTaskID: opts.ParentSubTaskID,
		ParentDepth:     opts.ParentDepth,
		SpawnContext:    opts.SpawnContext,
		AgentType:       opts.AgentType,
		Prompt:          opts.Prompt,
	}); err != nil {
		log.Warn(log.CatOrch, "sub-task admission rejected",
			"worker", opts.ParentWorkerID, "agentType", opts.AgentType, "error", err)
		return nil, err
	}

	sub := &SubTask{
		ID:              "subtask-" + uuid.NewString(),
		ParentWorkerID:  opts.ParentWorkerID,
		ParentTaskID:    opts.ParentTaskID,
		ParentSubTaskID: opts.ParentSubTaskID,
		PlanID:          opts.PlanID,
		WorktreePath:    opts.WorktreePath,
		BaseBranch:      opts.BaseBranch,
		AgentType:       opts.AgentType,
		Parsed:          parsed,
		Prompt:          opts.Prompt,
		ExpectedOutput:  opts.ExpectedOutput,
		Depth:           opts.ParentDepth + 1,
		Status:          state.StatusPending,
		TargetFiles:     opts.TargetFiles,
		SpawnContext:    opts.SpawnContext,
		InheritedPermissions: append([]string(nil), opts.InheritedPermissions...),
		CreatedAt:            time.Now(),
	}

	m.limiter.RecordSpawn(safety.AncestryEntry{
		SubTaskID:       sub.ID,
		ParentSubTaskID: sub.ParentSubTaskID,
		WorkerID:        sub.ParentWorkerID,
		PlanID:          sub.PlanID,
		AgentType:       sub.AgentType,
		PromptHash:      safety.PromptHash(sub.Prompt),
	})

	var machineOpts []state.Option
	if m.cfg.LenientTransitions {
		machineOpts = append(machineOpts, state.Lenient())
	}

	m.mu.Lock()
	m.subTasks[sub.ID] = sub
	m.machines[sub.ID] = state.NewMachine(sub.ID, state.StatusPending, machineOpts...)
	snapshot := *sub
	m.mu.Unlock()

	log.Info(log.CatOrch, "sub-task created",
		"subTask", sub.ID, "worker", sub.ParentWorkerID,
		"agentType", sub.AgentType, "depth", sub.Depth)
	m.broker.Publish(pubsub.CreatedEvent, Event{Kind: EventChanged, SubTask: snapshot})
	return &snapshot, nil
}

// Get returns a snapshot of the sub-task.
func (m *Manager) Get(id string) (SubTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subTasks[id]
	if !ok {
		return SubTask{}, false
	}
	return *sub, true
}

// Execute runs the sub-task through the model backend and blocks until it
// reaches a terminal status. The sub-task always ends terminal: if the run
// returns with the status still running, it is force-failed so the parent
// is notified.
func (m *Manager) Execute(ctx context.Context, id string) error {
	m.mu.Lock()
	sub, ok := m.subTasks[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("execute %s: %w", id, ErrNotFound)
	}
	targetFiles := append([]string(nil), sub.TargetFiles...)
	m.mu.Unlock()

	if conflicts := m.CheckFileConflicts(targetFiles, id); len(conflicts) > 0 {
		return &FileConflictError{SubTaskIDs: conflicts}
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancels[id] = cancel
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.cancels, id)
		m.mu.Unlock()
		cancel()
		m.limiter.OnTerminal(id)

		// The parent must always hear back. A run that returns without
		// terminalizing is an execution bug, not a reason to hang.
		if cur, ok := m.Get(id); ok && !state.IsTerminal(cur.Status) {
			m.forceFail(id, "execution completed unexpectedly")
		}
	}()

	if err := m.UpdateStatus(id, state.StatusRunning, nil); err != nil {
		return err
	}
	if cur, _ := m.Get(id); cur.Status != state.StatusRunning {
		// Cancelled before execution started.
		return nil
	}

	var span trace.Span
	if m.tracer != nil {
		runCtx, span = m.tracer.Start(runCtx, "subtask.execute",
			trace.WithAttributes(
				attribute.String("subtask.id", sub.ID),
				attribute.String("subtask.agent_type", sub.AgentType),
				attribute.Int("subtask.depth", sub.Depth),
				attribute.String("worker.id", sub.ParentWorkerID),
			))
	}

	prompt := m.BuildPrompt(sub)
	res, err := m.run.Run(runCtx, runner.RunOptions{
		WorkerID: sub.ParentWorkerID,
		Agent:    sub.Parsed,
		Prompt:   prompt,
		WorkDir:  sub.WorktreePath,
	})

	if span != nil {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}

	switch {
	case err == nil:
		m.limiter.RecordUsage(sub.ParentWorkerID, safety.Usage{
			PromptTokens:     res.Usage.PromptTokens,
			CompletionTokens: res.Usage.CompletionTokens,
			Model:            res.Usage.Model,
		})
		return m.UpdateStatus(id, state.StatusCompleted, &Result{
			Success:   true,
			Output:    res.Output,
			SessionID: res.SessionID,
			Usage:     res.Usage,
		})

	case runCtx.Err() != nil:
		return m.UpdateStatus(id, state.StatusCancelled, &Result{
			Error: "cancelled",
		})

	case runner.IsInfra(err):
		// Worktree, VCS, or workspace failures are not retryable here.
		log.Error(log.CatOrch, "sub-task infrastructure failure", "subTask", id, "error", err)
		return m.UpdateStatus(id, state.StatusFailed, &Result{
			Error: fmt.Sprintf("infrastructure: %v", err),
		})

	default:
		return m.UpdateStatus(id, state.StatusFailed, &Result{
			Error: fmt.Sprintf("sub-task execution failed: %v", err),
		})
	}
}

// UpdateStatus moves a sub-task through its state machine. Terminal states
// record the result and completion time, fire the completion event, and
// notify the parent. Invalid transitions are rejected unless the manager
// was configured lenient.
func (m *Manager) UpdateStatus(id string, to state.Status, result *Result) error {
	m.mu.Lock()
	sub, ok := m.subTasks[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	machine := m.machines[id]
	m.mu.Unlock()

	if state.IsTerminal(machine.Current()) && machine.Current() != to {
		return nil
	}
	if !machine.Transition(to, "") {
		return fmt.Errorf("update %s: invalid transition %s -> %s", id, sub.Status, to)
	}

	m.mu.Lock()
	sub.Status = machine.Current()
	if result != nil {
		sub.Result = result
	}
	terminal := state.IsTerminal(sub.Status)
	if terminal && sub.CompletedAt == nil {
		now := time.Now()
		sub.CompletedAt = &now
	}
	snapshot := *sub
	m.mu.Unlock()

	m.broker.Publish(pubsub.UpdatedEvent, Event{Kind: EventChanged, SubTask: snapshot})
	if terminal {
		log.Info(log.CatOrch, "sub-task terminal",
			"subTask", id, "status", snapshot.Status)
		m.limiter.OnTerminal(id)
		m.broker.Publish(pubsub.UpdatedEvent, Event{Kind: EventCompleted, SubTask: snapshot})
		if m.notifier != nil {
			m.notifier.SubTaskCompleted(snapshot)
		}
	}
	return nil
}

// Cancel aborts a sub-task: the in-flight run (if any) is cancelled and the
// status moves to cancelled.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	cancel := m.cancels[id]
	m.mu.Unlock()

	if cancel != nil {
		// The executing goroutine observes the cancellation and
		// terminalizes the sub-task itself.
		cancel()
		return nil
	}
	return m.UpdateStatus(id, state.StatusCancelled, &Result{Error: "cancelled"})
}

// CheckFileConflicts returns the ids of running sub-tasks whose target files
// intersect the given set. Paths are compared case-insensitively with
// forward slashes.
func (m *Manager) CheckFileConflicts(targetFiles []string, excludeID string) []string {
	if len(targetFiles) == 0 {
		return nil
	}
	want := make(map[string]bool, len(targetFiles))
	for _, f := range targetFiles {
		want[normalizePath(f)] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, sub := range m.subTasks {
		if id == excludeID || sub.Status != state.StatusRunning {
			continue
		}
		for _, f := range sub.TargetFiles {
			if want[normalizePath(f)] {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids
}

// WaitForCompletion blocks until the sub-task reaches a terminal status or
// the context is cancelled. Idleness of the underlying agent is not
// completion; only an explicit terminal transition resolves the wait.
func (m *Manager) WaitForCompletion(ctx context.Context, id string) (SubTask, error) {
	events := m.broker.Subscribe(ctx)

	// Check after subscribing so a terminal transition cannot slip between
	// the check and the subscription.
	if sub, ok := m.Get(id); !ok {
		return SubTask{}, fmt.Errorf("wait %s: %w", id, ErrNotFound)
	} else if state.IsTerminal(sub.Status) {
		return sub, nil
	}

	for {
		select {
		case <-ctx.Done():
			return SubTask{}, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return SubTask{}, errors.New("sub-task event stream closed")
			}
			if ev.Payload.Kind == EventCompleted && ev.Payload.SubTask.ID == id {
				return ev.Payload.SubTask, nil
			}
		}
	}
}

// ForWorker returns snapshots of a worker's sub-tasks, newest first.
func (m *Manager) ForWorker(workerID string) []SubTask {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []SubTask
	for _, sub := range m.subTasks {
		if sub.ParentWorkerID == workerID {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *Manager) forceFail(id, reason string) {
	m.mu.Lock()
	sub, ok := m.subTasks[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	machine := m.machines[id]
	machine.ForceState(state.StatusFailed, reason)
	sub.Status = state.StatusFailed
	if sub.Result == nil {
		sub.Result = &Result{Error: reason}
	}
	if sub.CompletedAt == nil {
		now := time.Now()
		sub.CompletedAt = &now
	}
	snapshot := *sub
	m.mu.Unlock()

	m.broker.Publish(pubsub.UpdatedEvent, Event{Kind: EventChanged, SubTask: snapshot})
	m.broker.Publish(pubsub.UpdatedEvent, Event{Kind: EventCompleted, SubTask: snapshot})
	if m.notifier != nil {
		m.notifier.SubTaskCompleted(snapshot)
	}
}

// normalizePath folds case and path separators so the same file spelled
// differently still collides. filepath.ToSlash is not enough: it leaves
// backslashes alone on non-Windows hosts.
func normalizePath(p string) string {
	return strings.ToLower(strings.ReplaceAll(p, `\`, "/"))
}
