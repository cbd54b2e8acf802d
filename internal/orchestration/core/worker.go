package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/OmerMachluf/copilot-orchestrator/internal/definitions"
	"github.com/OmerMachluf/copilot-orchestrator/internal/git"
	"github.com/OmerMachluf/copilot-orchestrator/internal/log"
	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/message"
	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/runner"
	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/safety"
	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/state"
	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/subtask"
)

// cancel reasons distinguish an interrupt from a kill when the worker's
// run context is torn down.
const (
	cancelInterrupt = "interrupt"
	cancelKill      = "kill"
)

// DeployTask creates a worker for a pending task: worktree, message
// channel, and an asynchronous model run. Infrastructure failures abort
// the deploy and fail the task; there is no fallback.
func (c *Core) DeployTask(ctx context.Context, taskID string) (*Worker, error) {
	c.mu.Lock()
	task := c.taskLocked(taskID)
	if task == nil {
		c.mu.Unlock()
		return nil, &NotFoundError{Kind: "task", ID: taskID}
	}
	if !c.taskReadyLocked(task) {
		st := task.State
		c.mu.Unlock()
		return nil, fmt.Errorf("task %s is not ready (state %s)", taskID, st)
	}
	planBranch := ""
	if plan := c.planLocked(task.PlanID); plan != nil {
		planBranch = plan.BaseBranch
	}
	spec := *task
	c.mu.Unlock()

	if err := c.transitionTask(taskID, state.StatusQueued, "deploy"); err != nil {
		return nil, err
	}

	baseBranch := spec.BaseBranch
	if baseBranch == "" {
		baseBranch = planBranch
	}
	if baseBranch == "" {
		detected, err := c.coord.BaseBranch()
		if err != nil {
			return nil, c.failDeploy(taskID, &InfrastructureError{Subkind: InfraGit, Err: err})
		}
		baseBranch = detected
	}

	path, branch, err := c.coord.EnsureWorktree(spec.Name, baseBranch)
	if err != nil {
		subkind := InfraWorktree
		if errors.Is(err, git.ErrNoWorkspace) {
			subkind = InfraNoWorkspace
		}
		return nil, c.failDeploy(taskID, &InfrastructureError{Subkind: subkind, Err: err})
	}

	now := time.Now()
	worker := &Worker{
		ID:             "worker-" + uuid.NewString(),
		Name:           spec.Name,
		TaskID:         taskID,
		WorktreePath:   path,
		BranchName:     branch,
		BaseBranch:     baseBranch,
		CreatedAt:      now,
		LastActivityAt: now,
		Status:         WorkerRunning,
		PlanID:         spec.PlanID,
		Depth:          0,
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.workers[worker.ID] = worker
	c.workerCancels[worker.ID] = cancel
	snapshot := *worker
	c.mu.Unlock()

	c.registerWorkerHandler(worker.ID)
	c.persist.MarkDirty()
	c.emit(OrchestratorEvent{Type: EventWorkersChanged, WorkerID: worker.ID, TaskID: taskID})

	if err := c.transitionTask(taskID, state.StatusRunning, "worker started"); err != nil {
		cancel()
		return nil, err
	}

	log.Info(log.CatOrch, "worker deployed",
		"worker", worker.ID, "task", taskID, "worktree", path, "branch", branch)
	log.SafeGo("worker-"+worker.ID, func() {
		c.runWorker(runCtx, worker.ID, spec)
	})
	return &snapshot, nil
}

func (c *Core) failDeploy(taskID string, infraErr *InfrastructureError) error {
	log.Error(log.CatOrch, "deploy aborted", "task", taskID, "error", infraErr)
	if err := c.transitionTask(taskID, state.StatusFailed, infraErr.Error()); err != nil {
		log.Warn(log.CatOrch, "could not fail task after deploy abort", "task", taskID, "error", err)
	}
	return infraErr
}

// DeployReady deploys every ready task of the active plan, at most
// MaxParallelSubTasks at a time. It returns the deployed worker ids and
// the first error encountered, after all deploys finish.
func (c *Core) DeployReady(ctx context.Context) ([]string, error) {
	ready := c.ReadyTasks()
	if len(ready) == 0 {
		return nil, nil
	}

	limit := c.cfg.Safety.MaxParallelSubTasks
	if limit < 1 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	results := make(chan struct {
		workerID string
		err      error
	}, len(ready))

	for _, task := range ready {
		taskID := task.ID
		sem <- struct{}{}
		log.SafeGo("deploy-"+taskID, func() {
			defer func() { <-sem }()
			w, err := c.DeployTask(ctx, taskID)
			var id string
			if w != nil {
				id = w.ID
			}
			results <- struct {
				workerID string
				err      error
			}{id, err}
		})
	}

	var ids []string
	var firstErr error
	for range ready {
		res := <-results
		if res.err != nil && firstErr == nil {
			firstErr = res.err
		}
		if res.workerID != "" {
			ids = append(ids, res.workerID)
		}
	}
	sort.Strings(ids)
	return ids, firstErr
}

// runWorker drives one model run for the worker and settles the worker and
// task states from its outcome.
func (c *Core) runWorker(ctx context.Context, workerID string, task Task) {
	opts := runner.RunOptions{
		WorkerID: workerID,
		Prompt:   task.Description,
		WorkDir:  c.workerField(workerID, func(w *Worker) string { return w.WorktreePath }),
		Model:    task.ModelID,
	}
	if task.AgentType != "" {
		// Validated in AddTask; the zero Agent routes to the default
		// backend.
		if parsed, perr := definitions.ParseAgentType(task.AgentType); perr == nil {
			opts.Agent = parsed
		}
	}
	res, err := c.run.Run(ctx, opts)

	switch {
	case err == nil:
		c.limiter.RecordUsage(workerID, safety.Usage{
			PromptTokens:     res.Usage.PromptTokens,
			CompletionTokens: res.Usage.CompletionTokens,
			Model:            res.Usage.Model,
		})
		c.mu.Lock()
		if w := c.workers[workerID]; w != nil {
			w.Status = WorkerCompleted
			w.SessionID = res.SessionID
			w.LastActivityAt = time.Now()
		}
		c.mu.Unlock()
		if terr := c.transitionTask(task.ID, state.StatusCompleted, ""); terr != nil {
			log.Warn(log.CatOrch, "task completion transition failed", "task", task.ID, "error", terr)
		}
		c.emit(OrchestratorEvent{Type: EventWorkersChanged, WorkerID: workerID, TaskID: task.ID})

	case ctx.Err() != nil:
		reason := c.takeCancelReason(workerID)
		if reason == cancelKill {
			// KillWorker settles states itself.
			return
		}
		c.mu.Lock()
		if w := c.workers[workerID]; w != nil {
			w.Status = WorkerIdle
			w.LastActivityAt = time.Now()
		}
		c.mu.Unlock()
		c.persist.MarkDirty()
		c.emit(OrchestratorEvent{Type: EventWorkerIdle, WorkerID: workerID, TaskID: task.ID})

	default:
		msg := err.Error()
		if runner.IsInfra(err) {
			msg = "infrastructure: " + msg
		}
		c.mu.Lock()
		if w := c.workers[workerID]; w != nil {
			w.Status = WorkerError
			w.ErrorMessage = msg
			w.LastActivityAt = time.Now()
		}
		c.mu.Unlock()
		if terr := c.transitionTask(task.ID, state.StatusFailed, msg); terr != nil {
			log.Warn(log.CatOrch, "task failure transition failed", "task", task.ID, "error", terr)
		}
		c.emit(OrchestratorEvent{Type: EventWorkerError, WorkerID: workerID, TaskID: task.ID, Message: msg})
	}

	c.mu.Lock()
	delete(c.workerCancels, workerID)
	c.mu.Unlock()
}

func (c *Core) setCancelReasonLocked(workerID, reason string) {
	c.cancelReasons[workerID] = reason
}

func (c *Core) takeCancelReason(workerID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	reason := c.cancelReasons[workerID]
	delete(c.cancelReasons, workerID)
	return reason
}

// workerField reads one field from a worker under the lock.
func (c *Core) workerField(workerID string, get func(*Worker) string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w := c.workers[workerID]; w != nil {
		return get(w)
	}
	return ""
}

// registerWorkerHandler routes the worker's owned messages into its
// conversation log. The handle is released on the worker's removal.
func (c *Core) registerWorkerHandler(workerID string) {
	handle := c.bus.RegisterOwnerHandler(context.Background(), workerID,
		func(_ context.Context, msg message.QueueMessage) error {
			c.deliverToWorker(workerID, msg)
			return nil
		})
	c.mu.Lock()
	c.workerHandles[workerID] = handle
	c.mu.Unlock()
}

func (c *Core) deliverToWorker(workerID string, msg message.QueueMessage) {
	c.mu.Lock()
	w := c.workers[workerID]
	if w == nil {
		c.mu.Unlock()
		return
	}
	w.LastActivityAt = time.Now()
	w.Messages = append(w.Messages, WorkerMessage{
		From:      string(messageSender(msg)),
		Type:      msg.Type,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
	})
	c.mu.Unlock()

	c.persist.MarkDirty()
	c.emit(OrchestratorEvent{Type: EventWorkersChanged, WorkerID: workerID})
}

func messageSender(msg message.QueueMessage) message.OwnerType {
	if msg.SubTaskID != "" {
		return message.OwnerAgent
	}
	return message.OwnerOrchestrator
}

// SendMessageToWorker delivers a user clarification to a running or idle
// worker through the bus, waking its session.
func (c *Core) SendMessageToWorker(ctx context.Context, workerID, content string) error {
	c.mu.Lock()
	w := c.workers[workerID]
	if w == nil {
		c.mu.Unlock()
		return &NotFoundError{Kind: "worker", ID: workerID}
	}
	status := w.Status
	path := w.WorktreePath
	c.mu.Unlock()

	if status != WorkerRunning && status != WorkerIdle && status != WorkerWaitingApproval {
		return fmt.Errorf("worker %s is %s; messages need a running or idle worker", workerID, status)
	}

	c.bus.Enqueue(ctx, message.New(message.TypeAnswer, message.PriorityHigh, content,
		message.WithOwner(message.OwnerWorker, workerID),
		message.WithWorker(workerID, path)))
	return nil
}

// RequestApproval records a worker's permission request and parks the
// worker until HandleApproval resolves it.
func (c *Core) RequestApproval(workerID, description string) (string, error) {
	c.mu.Lock()
	w := c.workers[workerID]
	if w == nil {
		c.mu.Unlock()
		return "", &NotFoundError{Kind: "worker", ID: workerID}
	}
	approval := PendingApproval{
		ID:          uuid.NewString(),
		Description: description,
		CreatedAt:   time.Now(),
	}
	w.PendingApprovals = append(w.PendingApprovals, approval)
	w.Status = WorkerWaitingApproval
	c.mu.Unlock()

	c.persist.MarkDirty()
	c.emit(OrchestratorEvent{Type: EventWorkersChanged, WorkerID: workerID, Message: description})
	return approval.ID, nil
}

// HandleApproval resolves a pending approval with approve/deny and an
// optional clarification, delivered back to the worker as a message.
func (c *Core) HandleApproval(ctx context.Context, workerID, approvalID string, approve bool, clarification string) error {
	c.mu.Lock()
	w := c.workers[workerID]
	if w == nil {
		c.mu.Unlock()
		return &NotFoundError{Kind: "worker", ID: workerID}
	}
	found := false
	kept := w.PendingApprovals[:0]
	for _, a := range w.PendingApprovals {
		if a.ID == approvalID {
			found = true
			continue
		}
		kept = append(kept, a)
	}
	if !found {
		c.mu.Unlock()
		return &NotFoundError{Kind: "approval", ID: approvalID}
	}
	w.PendingApprovals = kept
	if len(kept) == 0 && w.Status == WorkerWaitingApproval {
		w.Status = WorkerRunning
	}
	path := w.WorktreePath
	c.mu.Unlock()

	verdict := "denied"
	if approve {
		verdict = "approved"
	}
	content := verdict
	if clarification != "" {
		content += ": " + clarification
	}
	c.bus.Enqueue(ctx, message.New(message.TypeApprovalResponse, message.PriorityCritical, content,
		message.WithOwner(message.OwnerWorker, workerID),
		message.WithWorker(workerID, path)))

	c.persist.MarkDirty()
	c.emit(OrchestratorEvent{Type: EventWorkersChanged, WorkerID: workerID})
	return nil
}

// PauseWorker flags the worker paused; the model run observes the flag
// cooperatively between turns.
func (c *Core) PauseWorker(workerID string) error {
	return c.setWorkerStatus(workerID, WorkerRunning, WorkerPaused)
}

// ResumeWorker clears a pause.
func (c *Core) ResumeWorker(workerID string) error {
	return c.setWorkerStatus(workerID, WorkerPaused, WorkerRunning)
}

func (c *Core) setWorkerStatus(workerID string, from, to WorkerStatus) error {
	c.mu.Lock()
	w := c.workers[workerID]
	if w == nil {
		c.mu.Unlock()
		return &NotFoundError{Kind: "worker", ID: workerID}
	}
	if w.Status != from {
		cur := w.Status
		c.mu.Unlock()
		return fmt.Errorf("worker %s is %s, not %s", workerID, cur, from)
	}
	w.Status = to
	c.mu.Unlock()

	c.persist.MarkDirty()
	c.emit(OrchestratorEvent{Type: EventWorkersChanged, WorkerID: workerID})
	return nil
}

// InterruptWorker cancels the current turn without terminalizing the
// worker or its task; the worker settles to idle.
func (c *Core) InterruptWorker(workerID string) error {
	c.mu.Lock()
	cancel := c.workerCancels[workerID]
	if cancel != nil {
		c.setCancelReasonLocked(workerID, cancelInterrupt)
	}
	c.mu.Unlock()
	if cancel == nil {
		return fmt.Errorf("worker %s has no run in flight", workerID)
	}
	cancel()
	return nil
}

// ConcludeWorker discards the worker and its worktree without pushing.
// Its task is cancelled unless already terminal.
func (c *Core) ConcludeWorker(workerID string) error {
	c.mu.Lock()
	w := c.workers[workerID]
	if w == nil {
		c.mu.Unlock()
		return &NotFoundError{Kind: "worker", ID: workerID}
	}
	cancel := c.workerCancels[workerID]
	if cancel != nil {
		c.setCancelReasonLocked(workerID, cancelKill)
	}
	path, branch, taskID := w.WorktreePath, w.BranchName, w.TaskID
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := c.coord.DiscardWorker(path, branch); err != nil {
		log.Warn(log.CatGit, "worktree discard failed", "worker", workerID, "error", err)
	}
	c.removeWorker(workerID, "concluded")

	if task, ok := c.Task(taskID); ok && !state.IsTerminal(task.State) {
		if err := c.transitionTask(taskID, state.StatusCancelled, "worker concluded"); err != nil {
			log.Warn(log.CatOrch, "conclude: task cancel failed", "task", taskID, "error", err)
		}
	}
	return nil
}

// CompleteWorker finalizes a completed worker: commit, push, remove the
// worktree, then drop the worker. A push failure leaves the worker in
// place so the push can be retried.
func (c *Core) CompleteWorker(workerID string) error {
	c.mu.Lock()
	w := c.workers[workerID]
	if w == nil {
		c.mu.Unlock()
		return &NotFoundError{Kind: "worker", ID: workerID}
	}
	if w.Status != WorkerCompleted {
		cur := w.Status
		c.mu.Unlock()
		return fmt.Errorf("worker %s is %s; only completed workers can be finalized", workerID, cur)
	}
	path, branch, name := w.WorktreePath, w.BranchName, w.Name
	c.mu.Unlock()

	if err := c.coord.FinalizeWorker(path, branch, name); err != nil {
		c.emit(OrchestratorEvent{Type: EventWorkerError, WorkerID: workerID,
			Message: fmt.Sprintf("finalize failed: %v", err)})
		return fmt.Errorf("finalize worker %s: %w", workerID, err)
	}

	c.removeWorker(workerID, "finalized")
	log.Info(log.CatOrch, "worker finalized", "worker", workerID, "branch", branch)
	return nil
}

// KillWorker cancels the worker's run and removes it. The worktree is
// removed when removeWorktree is set; the task returns to pending when
// retryTask is set, otherwise its state is left for the caller to settle.
func (c *Core) KillWorker(workerID string, removeWorktree, retryTask bool) error {
	c.mu.Lock()
	w := c.workers[workerID]
	if w == nil {
		c.mu.Unlock()
		return &NotFoundError{Kind: "worker", ID: workerID}
	}
	cancel := c.workerCancels[workerID]
	if cancel != nil {
		c.setCancelReasonLocked(workerID, cancelKill)
	}
	path, branch, taskID := w.WorktreePath, w.BranchName, w.TaskID
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if removeWorktree {
		if err := c.coord.DiscardWorker(path, branch); err != nil {
			log.Warn(log.CatGit, "worktree discard failed", "worker", workerID, "error", err)
		}
	}
	c.removeWorker(workerID, "killed")

	if retryTask {
		if task, ok := c.Task(taskID); ok && !state.IsTerminal(task.State) {
			if err := c.transitionTask(taskID, state.StatusCancelled, "worker killed"); err != nil {
				return err
			}
		}
		return c.transitionTask(taskID, state.StatusPending, "retry after kill")
	}
	return nil
}

// removeWorker drops the worker, its bus subscription, and its safety
// bookkeeping, then persists synchronously: a removed worker must never
// resurrect from a stale snapshot. The outcome names why the worker left
// and is indexed into the run history.
func (c *Core) removeWorker(workerID, outcome string) {
	c.mu.Lock()
	var snapshot *Worker
	if w := c.workers[workerID]; w != nil {
		cw := *w
		snapshot = &cw
	}
	delete(c.workers, workerID)
	handle := c.workerHandles[workerID]
	delete(c.workerHandles, workerID)
	delete(c.workerCancels, workerID)
	c.mu.Unlock()

	if handle != nil {
		handle()
	}
	if c.history != nil && snapshot != nil {
		cost := c.limiter.WorkerCost(workerID)
		rec := RunRecord{
			WorkerID:         snapshot.ID,
			TaskID:           snapshot.TaskID,
			PlanID:           snapshot.PlanID,
			TaskName:         snapshot.Name,
			BranchName:       snapshot.BranchName,
			BaseBranch:       snapshot.BaseBranch,
			WorktreePath:     snapshot.WorktreePath,
			FinalStatus:      string(snapshot.Status),
			Outcome:          outcome,
			ErrorMessage:     snapshot.ErrorMessage,
			PromptTokens:     cost.PromptTokens,
			CompletionTokens: cost.CompletionTokens,
			TotalTokens:      cost.TotalTokens,
			StartedAt:        snapshot.CreatedAt,
			FinishedAt:       time.Now(),
		}
		if err := c.history.RecordRun(rec); err != nil {
			log.Warn(log.CatDB, "run history record failed", "worker", workerID, "error", err)
		}
	}
	c.limiter.ResetWorker(workerID)
	if err := c.persist.Flush(); err != nil {
		log.Error(log.CatOrch, "snapshot flush after worker removal failed", "worker", workerID, "error", err)
	}
	c.emit(OrchestratorEvent{Type: EventWorkersChanged, WorkerID: workerID})
}

// Worker returns a snapshot of the worker.
func (c *Core) Worker(workerID string) (Worker, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w := c.workers[workerID]; w != nil {
		return *w, true
	}
	return Worker{}, false
}

// Workers returns snapshots of all workers, sorted by creation time.
func (c *Core) Workers() []Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Worker, 0, len(c.workers))
	for _, w := range c.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// notifySubTaskCompleted routes a sub-task's terminal result to its parent
// worker as a bus message, success or not.
func (c *Core) notifySubTaskCompleted(sub subtask.SubTask) {
	content := ""
	msgType := message.TypeCompletion
	if sub.Result != nil {
		if sub.Result.Success {
			content = sub.Result.Output
		} else {
			msgType = message.TypeError
			content = sub.Result.Error
		}
	}
	c.bus.Enqueue(context.Background(), message.New(msgType, message.PriorityHigh, content,
		message.WithOwner(message.OwnerWorker, sub.ParentWorkerID),
		message.WithSubTask(sub.ID, sub.Depth),
		message.WithPlan(sub.PlanID)))
}
