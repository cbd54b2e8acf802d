package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/OmerMachluf/copilot-orchestrator/internal/config"
	"github.com/OmerMachluf/copilot-orchestrator/internal/definitions"
	"github.com/OmerMachluf/copilot-orchestrator/internal/git"
	"github.com/OmerMachluf/copilot-orchestrator/internal/log"
	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/bus"
	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/message"
	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/runner"
	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/safety"
	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/state"
	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/subtask"
	"github.com/OmerMachluf/copilot-orchestrator/internal/pubsub"
)

// WorktreeCoordinator is the slice of the git coordinator the core needs.
// *git.Coordinator implements it.
type WorktreeCoordinator interface {
	BaseBranch() (string, error)
	EnsureWorktree(name, baseBranch string) (path, branch string, err error)
	FinalizeWorker(worktreePath, branch, taskName string) error
	DiscardWorker(worktreePath, branch string) error
}

var _ WorktreeCoordinator = (*git.Coordinator)(nil)

// Core owns plans, tasks, and workers. One lock guards all of them; every
// mutation schedules a persisted snapshot, and terminal transitions flush
// the snapshot before their event fires.
type Core struct {
	cfg     config.Config
	coord   WorktreeCoordinator
	run     runner.ModelRunner
	bus     *bus.Bus
	limiter *safety.Limiter
	subs    *subtask.Manager
	broker  *pubsub.Broker[OrchestratorEvent]
	persist *persister
	history RunRecorder  // nil disables the run-history index
	tracer  trace.Tracer // nil disables sub-task spans

	mu            sync.Mutex
	plans         []*Plan
	tasks         []*Task
	workers       map[string]*Worker
	machines      map[string]*state.Machine // task id -> machine
	workerCancels map[string]context.CancelFunc
	workerHandles map[string]bus.Disposable
	cancelReasons map[string]string
	nextTaskID    int
	nextPlanID    int
	activePlanID  string
}

// Option configures a Core.
type Option func(*Core)

// WithBus attaches the message bus used for worker routing and sub-task
// completion notification.
func WithBus(b *bus.Bus) Option {
	return func(c *Core) { c.bus = b }
}

// WithLimiter overrides the safety limiter (tests tighten its limits).
func WithLimiter(l *safety.Limiter) Option {
	return func(c *Core) { c.limiter = l }
}

// WithTracer enables execution spans on sub-task runs.
func WithTracer(t trace.Tracer) Option {
	return func(c *Core) { c.tracer = t }
}

// New creates a Core and restores any persisted state from the workspace.
func New(cfg config.Config, coord WorktreeCoordinator, run runner.ModelRunner, opts ...Option) (*Core, error) {
	c := &Core{
		cfg:           cfg,
		coord:         coord,
		run:           run,
		broker:        pubsub.NewBroker[OrchestratorEvent](),
		workers:       make(map[string]*Worker),
		machines:      make(map[string]*state.Machine),
		workerCancels: make(map[string]context.CancelFunc),
		workerHandles: make(map[string]bus.Disposable),
		cancelReasons: make(map[string]string),
		nextTaskID:    1,
		nextPlanID:    1,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.limiter == nil {
		c.limiter = safety.NewLimiter(cfg.Safety)
	}
	if c.bus == nil {
		b, err := bus.New()
		if err != nil {
			return nil, err
		}
		c.bus = b
	}
	subOpts := []subtask.ManagerOption{
		subtask.WithNotifier(subtask.NotifierFunc(c.notifySubTaskCompleted)),
	}
	if c.tracer != nil {
		subOpts = append(subOpts, subtask.WithTracer(c.tracer))
	}
	c.subs = subtask.NewManager(cfg, c.limiter, run, subOpts...)
	c.limiter.SetStopFunc(c.emergencyStop)
	c.persist = newPersister(cfg.Workspace, cfg.Persistence.Debounce, c.snapshot)

	if err := c.restore(); err != nil {
		return nil, fmt.Errorf("restore orchestrator state: %w", err)
	}
	return c, nil
}

// emergencyStop is the limiter's stop callback: every selected sub-task
// is cancelled through the manager, so in-flight runs observe their
// context and terminalize to cancelled.
func (c *Core) emergencyStop(scope safety.StopScope, subTaskIDs []string) {
	for _, id := range subTaskIDs {
		if err := c.subs.Cancel(id); err != nil {
			log.Warn(log.CatOrch, "emergency stop: cancel failed", "subTask", id, "error", err)
		}
	}
	c.emit(OrchestratorEvent{
		Type:    EventEmergencyStop,
		Message: fmt.Sprintf("emergency stop (%s): %d sub-tasks cancelled", scope, len(subTaskIDs)),
	})
}

// SubTasks exposes the sub-task manager sharing this core's limiter and
// completion routing.
func (c *Core) SubTasks() *subtask.Manager { return c.subs }

// Limiter exposes the safety limiter (cost queries, emergency stop).
func (c *Core) Limiter() *safety.Limiter { return c.limiter }

// Subscribe returns the typed orchestrator event stream.
func (c *Core) Subscribe(ctx context.Context) <-chan pubsub.Event[OrchestratorEvent] {
	return c.broker.Subscribe(ctx)
}

// Close flushes state and shuts down the event broker. In-flight workers
// keep running; call KillWorker first to stop them.
func (c *Core) Close() error {
	c.persist.Stop()
	err := c.persist.Flush()
	c.subs.Close()
	c.broker.Close()
	return err
}

func (c *Core) emit(ev OrchestratorEvent) {
	c.broker.Publish(pubsub.CreatedEvent, ev)
}

// ---- Plans ----

// CreatePlan registers a draft plan.
func (c *Core) CreatePlan(name, description, baseBranch string) *Plan {
	c.mu.Lock()
	plan := &Plan{
		ID:          fmt.Sprintf("plan-%d", c.nextPlanID),
		Name:        name,
		Description: description,
		BaseBranch:  baseBranch,
		Status:      PlanDraft,
		CreatedAt:   time.Now(),
	}
	c.nextPlanID++
	c.plans = append(c.plans, plan)
	snapshot := *plan
	c.mu.Unlock()

	c.persist.MarkDirty()
	log.Info(log.CatOrch, "plan created", "plan", snapshot.ID, "name", name)
	return &snapshot
}

// ActivatePlan makes the plan active and the deploy target.
func (c *Core) ActivatePlan(planID string) error {
	c.mu.Lock()
	plan := c.planLocked(planID)
	if plan == nil {
		c.mu.Unlock()
		return &NotFoundError{Kind: "plan", ID: planID}
	}
	plan.Status = PlanActive
	c.activePlanID = planID
	c.mu.Unlock()

	c.persist.MarkDirty()
	c.emit(OrchestratorEvent{Type: EventPlanStarted, PlanID: planID})
	return nil
}

// PausePlan suspends deploys for the plan. Running workers are unaffected.
func (c *Core) PausePlan(planID string) error {
	return c.setPlanStatus(planID, PlanActive, PlanPaused, EventPlanPaused)
}

// ResumePlan reactivates a paused plan.
func (c *Core) ResumePlan(planID string) error {
	return c.setPlanStatus(planID, PlanPaused, PlanActive, EventPlanResumed)
}

func (c *Core) setPlanStatus(planID string, from, to PlanStatus, ev EventType) error {
	c.mu.Lock()
	plan := c.planLocked(planID)
	if plan == nil {
		c.mu.Unlock()
		return &NotFoundError{Kind: "plan", ID: planID}
	}
	if plan.Status != from {
		cur := plan.Status
		c.mu.Unlock()
		return fmt.Errorf("plan %s is %s, not %s", planID, cur, from)
	}
	plan.Status = to
	c.mu.Unlock()

	c.persist.MarkDirty()
	c.emit(OrchestratorEvent{Type: ev, PlanID: planID})
	return nil
}

// Plan returns a snapshot of the plan.
func (c *Core) Plan(planID string) (Plan, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p := c.planLocked(planID); p != nil {
		return *p, true
	}
	return Plan{}, false
}

// Plans returns snapshots of all plans.
func (c *Core) Plans() []Plan {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Plan, len(c.plans))
	for i, p := range c.plans {
		out[i] = *p
	}
	return out
}

// ActivePlanID returns the id of the active plan, or "".
func (c *Core) ActivePlanID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activePlanID
}

func (c *Core) planLocked(planID string) *Plan {
	for _, p := range c.plans {
		if p.ID == planID {
			return p
		}
	}
	return nil
}

// maybeCompletePlanLocked terminalizes a plan once every non-cancelled
// task in it is terminal. Returns the completion event to emit, if any.
func (c *Core) maybeCompletePlanLocked(planID string) *OrchestratorEvent {
	plan := c.planLocked(planID)
	if plan == nil || plan.Status == PlanCompleted || plan.Status == PlanFailed {
		return nil
	}

	sawTask := false
	failed := false
	for _, t := range c.tasks {
		if t.PlanID != planID || t.State == state.StatusCancelled {
			continue
		}
		sawTask = true
		if !state.IsTerminal(t.State) {
			return nil
		}
		if t.State == state.StatusFailed {
			failed = true
		}
	}
	if !sawTask {
		return nil
	}

	if failed {
		plan.Status = PlanFailed
	} else {
		plan.Status = PlanCompleted
	}
	return &OrchestratorEvent{Type: EventPlanCompleted, PlanID: planID}
}

// ---- Tasks ----

// TaskSpec describes a task to add.
type TaskSpec struct {
	Name         string
	Description  string
	Priority     message.Priority
	Dependencies []string
	PlanID       string
	BaseBranch   string
	ModelID      string
	AgentType    string
	TargetFiles  []string
}

// AddTask registers a pending task. The name is sanitized into a branch
// name, and the resulting dependency graph must stay acyclic.
func (c *Core) AddTask(spec TaskSpec) (*Task, error) {
	name := git.SanitizeBranchName(spec.Name)
	if name == "" {
		return nil, fmt.Errorf("task name %q sanitizes to nothing", spec.Name)
	}
	if spec.Priority == "" {
		spec.Priority = message.PriorityNormal
	}
	if spec.AgentType != "" {
		if _, err := definitions.ParseAgentType(spec.AgentType); err != nil {
			return nil, fmt.Errorf("task agent type: %w", err)
		}
	}

	c.mu.Lock()
	task := &Task{
		ID:           fmt.Sprintf("task-%d", c.nextTaskID),
		Name:         name,
		Description:  spec.Description,
		Priority:     spec.Priority,
		Dependencies: append([]string(nil), spec.Dependencies...),
		PlanID:       spec.PlanID,
		BaseBranch:   spec.BaseBranch,
		ModelID:      spec.ModelID,
		AgentType:    spec.AgentType,
		TargetFiles:  append([]string(nil), spec.TargetFiles...),
		State:        state.StatusPending,
		CreatedAt:    time.Now(),
	}

	for _, dep := range task.Dependencies {
		if c.taskLocked(dep) == nil {
			c.mu.Unlock()
			return nil, &NotFoundError{Kind: "task", ID: dep}
		}
	}
	if cycle := c.findCycleLocked(task); cycle != nil {
		c.mu.Unlock()
		return nil, &DependencyCycleError{TaskIDs: cycle}
	}

	c.nextTaskID++
	c.tasks = append(c.tasks, task)
	c.machines[task.ID] = c.newTaskMachineLocked(task.ID)
	snapshot := *task
	c.mu.Unlock()

	c.persist.MarkDirty()
	log.Info(log.CatOrch, "task added", "task", snapshot.ID, "name", name, "deps", len(snapshot.Dependencies))
	return &snapshot, nil
}

func (c *Core) newTaskMachineLocked(taskID string) *state.Machine {
	var opts []state.Option
	if c.cfg.LenientTransitions {
		opts = append(opts, state.Lenient())
	}
	return state.NewMachine(taskID, state.StatusPending, opts...)
}

// findCycleLocked runs a DFS over the dependency graph including the
// candidate task; it returns the cycle path if one exists.
func (c *Core) findCycleLocked(candidate *Task) []string {
	deps := make(map[string][]string, len(c.tasks)+1)
	for _, t := range c.tasks {
		deps[t.ID] = t.Dependencies
	}
	deps[candidate.ID] = candidate.Dependencies

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	colors := make(map[string]int, len(deps))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		switch colors[id] {
		case done:
			return nil
		case visiting:
			// Trim the stack to the cycle entry point.
			for i, s := range stack {
				if s == id {
					return append(append([]string(nil), stack[i:]...), id)
				}
			}
			return []string{id, id}
		}
		colors[id] = visiting
		stack = append(stack, id)
		for _, dep := range deps[id] {
			if cycle := visit(dep); cycle != nil {
				return cycle
			}
		}
		stack = stack[:len(stack)-1]
		colors[id] = done
		return nil
	}

	return visit(candidate.ID)
}

// SetTaskDependencies replaces a pending task's dependencies, revalidating
// that every dependency exists and the graph stays acyclic.
func (c *Core) SetTaskDependencies(taskID string, deps []string) error {
	c.mu.Lock()
	task := c.taskLocked(taskID)
	if task == nil {
		c.mu.Unlock()
		return &NotFoundError{Kind: "task", ID: taskID}
	}
	if task.State != state.StatusPending {
		st := task.State
		c.mu.Unlock()
		return fmt.Errorf("task %s is %s; dependencies can only change while pending", taskID, st)
	}
	for _, dep := range deps {
		if dep != taskID && c.taskLocked(dep) == nil {
			c.mu.Unlock()
			return &NotFoundError{Kind: "task", ID: dep}
		}
	}

	old := task.Dependencies
	task.Dependencies = append([]string(nil), deps...)
	if cycle := c.findCycleLocked(task); cycle != nil {
		task.Dependencies = old
		c.mu.Unlock()
		return &DependencyCycleError{TaskIDs: cycle}
	}
	c.mu.Unlock()

	c.persist.MarkDirty()
	return nil
}

// Task returns a snapshot of the task.
func (c *Core) Task(taskID string) (Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t := c.taskLocked(taskID); t != nil {
		return *t, true
	}
	return Task{}, false
}

// Tasks returns snapshots of all tasks.
func (c *Core) Tasks() []Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Task, len(c.tasks))
	for i, t := range c.tasks {
		out[i] = *t
	}
	return out
}

func (c *Core) taskLocked(taskID string) *Task {
	for _, t := range c.tasks {
		if t.ID == taskID {
			return t
		}
	}
	return nil
}

// ReadyTasks returns the active plan's tasks that are pending with every
// dependency completed.
func (c *Core) ReadyTasks() []Task {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ready []Task
	for _, t := range c.tasks {
		if c.activePlanID != "" && t.PlanID != c.activePlanID {
			continue
		}
		if c.taskReadyLocked(t) {
			ready = append(ready, *t)
		}
	}
	return ready
}

func (c *Core) taskReadyLocked(t *Task) bool {
	if t.State != state.StatusPending {
		return false
	}
	for _, dep := range t.Dependencies {
		d := c.taskLocked(dep)
		if d == nil || d.State != state.StatusCompleted {
			return false
		}
	}
	return true
}

// transitionTask moves a task through its machine and persists. Terminal
// transitions flush the snapshot before the event fires.
func (c *Core) transitionTask(taskID string, to state.Status, reason string) error {
	c.mu.Lock()
	task := c.taskLocked(taskID)
	if task == nil {
		c.mu.Unlock()
		return &NotFoundError{Kind: "task", ID: taskID}
	}
	machine := c.machines[taskID]
	from := machine.Current()
	if !machine.Transition(to, reason) {
		c.mu.Unlock()
		return &InvalidStateError{TaskID: taskID, From: string(from), To: string(to)}
	}
	task.State = machine.Current()
	if to == state.StatusFailed {
		task.ErrorMessage = reason
	}
	if to == state.StatusPending {
		task.ErrorMessage = ""
	}
	terminal := state.IsTerminal(task.State)
	var planEvent *OrchestratorEvent
	if terminal {
		planEvent = c.maybeCompletePlanLocked(task.PlanID)
	}
	snapshot := *task
	c.mu.Unlock()

	if terminal {
		if err := c.persist.Flush(); err != nil {
			log.Error(log.CatOrch, "terminal snapshot flush failed", "task", taskID, "error", err)
		}
	} else {
		c.persist.MarkDirty()
	}

	switch to {
	case state.StatusQueued:
		c.emit(OrchestratorEvent{Type: EventTaskQueued, TaskID: taskID, PlanID: snapshot.PlanID})
	case state.StatusRunning:
		c.emit(OrchestratorEvent{Type: EventTaskStarted, TaskID: taskID, PlanID: snapshot.PlanID})
	case state.StatusCompleted:
		c.emit(OrchestratorEvent{Type: EventTaskCompleted, TaskID: taskID, PlanID: snapshot.PlanID})
	case state.StatusFailed:
		c.emit(OrchestratorEvent{Type: EventTaskFailed, TaskID: taskID, PlanID: snapshot.PlanID, Message: reason})
	}
	if planEvent != nil {
		c.emit(*planEvent)
	}
	return nil
}

// CancelTask cancels a task that has not finished. A running task's worker
// is killed; its worktree stays for inspection.
func (c *Core) CancelTask(taskID string) error {
	c.mu.Lock()
	task := c.taskLocked(taskID)
	if task == nil {
		c.mu.Unlock()
		return &NotFoundError{Kind: "task", ID: taskID}
	}
	var workerID string
	for id, w := range c.workers {
		if w.TaskID == taskID {
			workerID = id
			break
		}
	}
	c.mu.Unlock()

	if workerID != "" {
		if err := c.KillWorker(workerID, false, false); err != nil {
			return err
		}
	}
	return c.transitionTask(taskID, state.StatusCancelled, "cancelled by user")
}

// RetryTask returns a failed or cancelled task to pending.
func (c *Core) RetryTask(taskID string) error {
	return c.transitionTask(taskID, state.StatusPending, "retry")
}

// ---- Persistence ----

func (c *Core) snapshot() persistedState {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := persistedState{
		Version:      stateVersion,
		Plans:        make([]*Plan, len(c.plans)),
		Tasks:        make([]*Task, len(c.tasks)),
		Workers:      make([]*Worker, 0, len(c.workers)),
		NextTaskID:   c.nextTaskID,
		NextPlanID:   c.nextPlanID,
		ActivePlanID: c.activePlanID,
	}
	for i, p := range c.plans {
		cp := *p
		st.Plans[i] = &cp
	}
	for i, t := range c.tasks {
		ct := *t
		st.Tasks[i] = &ct
	}
	for _, w := range c.workers {
		cw := *w
		st.Workers = append(st.Workers, &cw)
	}
	return st
}

// restore loads the snapshot and rebuilds in-memory state. Workers that
// were mid-run when the snapshot was taken come back idle; their sessions
// can be resumed but the process is gone.
func (c *Core) restore() error {
	st, err := loadState(c.cfg.Workspace)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.plans = st.Plans
	c.tasks = st.Tasks
	if st.NextTaskID > 0 {
		c.nextTaskID = st.NextTaskID
	}
	if st.NextPlanID > 0 {
		c.nextPlanID = st.NextPlanID
	}
	c.activePlanID = st.ActivePlanID
	for _, t := range c.tasks {
		m := c.newTaskMachineLocked(t.ID)
		if t.State != state.StatusPending {
			m.ForceState(t.State, "restored")
		}
		c.machines[t.ID] = m
	}
	var restored []string
	for _, w := range st.Workers {
		if w.Status == WorkerRunning {
			w.Status = WorkerIdle
		}
		c.workers[w.ID] = w
		restored = append(restored, w.ID)
	}
	c.mu.Unlock()

	// Re-subscribe restored workers to their message channels.
	for _, id := range restored {
		c.registerWorkerHandler(id)
	}
	if len(restored) > 0 || len(st.Tasks) > 0 {
		log.Info(log.CatOrch, "state restored",
			"plans", len(st.Plans), "tasks", len(st.Tasks), "workers", len(restored))
	}
	return nil
}
