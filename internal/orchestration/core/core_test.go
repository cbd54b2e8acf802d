package core

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/OmerMachluf/copilot-orchestrator/internal/config"
	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/mock"
	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/runner"
	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/state"
)

// fakeCoord is a scriptable WorktreeCoordinator.
type fakeCoord struct {
	mu          sync.Mutex
	baseBranch  string
	ensureErr   error
	finalizeErr error
	discardErr  error
	calls       []string
}

func newFakeCoord() *fakeCoord {
	return &fakeCoord{baseBranch: "main"}
}

func (f *fakeCoord) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeCoord) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeCoord) BaseBranch() (string, error) {
	f.record("base-branch")
	return f.baseBranch, nil
}

func (f *fakeCoord) EnsureWorktree(name, baseBranch string) (string, string, error) {
	f.record("ensure " + name + " " + baseBranch)
	if f.ensureErr != nil {
		return "", "", f.ensureErr
	}
	return "/worktrees/" + name, name, nil
}

func (f *fakeCoord) FinalizeWorker(worktreePath, branch, taskName string) error {
	f.record("finalize " + branch)
	return f.finalizeErr
}

func (f *fakeCoord) DiscardWorker(worktreePath, branch string) error {
	f.record("discard " + branch)
	return f.discardErr
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Workspace = t.TempDir()
	cfg.Persistence.Debounce = 5 * time.Millisecond
	return cfg
}

func newTestCore(t *testing.T, cfg config.Config, run runner.ModelRunner) (*Core, *fakeCoord) {
	t.Helper()
	coord := newFakeCoord()
	c, err := New(cfg, coord, run)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, coord
}

func TestPlans_Lifecycle(t *testing.T) {
	c, _ := newTestCore(t, testConfig(t), mock.NewRunner())

	plan := c.CreatePlan("auth refactor", "split the auth package", "develop")
	require.Equal(t, "plan-1", plan.ID)
	require.Equal(t, PlanDraft, plan.Status)

	require.NoError(t, c.ActivatePlan(plan.ID))
	require.Equal(t, plan.ID, c.ActivePlanID())
	got, ok := c.Plan(plan.ID)
	require.True(t, ok)
	require.Equal(t, PlanActive, got.Status)

	require.NoError(t, c.PausePlan(plan.ID))
	require.Error(t, c.PausePlan(plan.ID), "pausing a paused plan fails")
	require.NoError(t, c.ResumePlan(plan.ID))

	require.ErrorAs(t, c.ActivatePlan("plan-99"), new(*NotFoundError))
}

func TestAddTask_AssignsIDsAndSanitizesNames(t *testing.T) {
	c, _ := newTestCore(t, testConfig(t), mock.NewRunner())

	task, err := c.AddTask(TaskSpec{Name: "Fix Login Flow!!"})
	require.NoError(t, err)
	require.Equal(t, "task-1", task.ID)
	require.Equal(t, "fix-login-flow", task.Name)
	require.Equal(t, state.StatusPending, task.State)
	require.Equal(t, "normal", string(task.Priority))

	second, err := c.AddTask(TaskSpec{Name: "другое"})
	require.Error(t, err, "name with no branch-safe characters is rejected")
	require.Nil(t, second)

	third, err := c.AddTask(TaskSpec{Name: "docs"})
	require.NoError(t, err)
	require.Equal(t, "task-2", third.ID)
}

func TestAddTask_UnknownDependency(t *testing.T) {
	c, _ := newTestCore(t, testConfig(t), mock.NewRunner())

	_, err := c.AddTask(TaskSpec{Name: "b", Dependencies: []string{"task-42"}})
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	require.Equal(t, "task-42", nf.ID)
}

func TestSetTaskDependencies_CycleRejected(t *testing.T) {
	c, _ := newTestCore(t, testConfig(t), mock.NewRunner())

	a, err := c.AddTask(TaskSpec{Name: "a"})
	require.NoError(t, err)
	b, err := c.AddTask(TaskSpec{Name: "b", Dependencies: []string{a.ID}})
	require.NoError(t, err)

	err = c.SetTaskDependencies(a.ID, []string{b.ID})
	var cyc *DependencyCycleError
	require.ErrorAs(t, err, &cyc)

	// The failed update leaves dependencies untouched.
	got, _ := c.Task(a.ID)
	require.Empty(t, got.Dependencies)

	// Self-dependency is the smallest cycle.
	require.ErrorAs(t, c.SetTaskDependencies(a.ID, []string{a.ID}), &cyc)

	// A valid update still works.
	d, err := c.AddTask(TaskSpec{Name: "d"})
	require.NoError(t, err)
	require.NoError(t, c.SetTaskDependencies(d.ID, []string{a.ID, b.ID}))
}

func TestReadyTasks_DependencyReadiness(t *testing.T) {
	c, _ := newTestCore(t, testConfig(t), mock.NewRunner())

	plan := c.CreatePlan("p", "", "")
	require.NoError(t, c.ActivatePlan(plan.ID))

	t1, err := c.AddTask(TaskSpec{Name: "t1", PlanID: plan.ID})
	require.NoError(t, err)
	t2, err := c.AddTask(TaskSpec{Name: "t2", PlanID: plan.ID, Dependencies: []string{t1.ID}})
	require.NoError(t, err)
	t3, err := c.AddTask(TaskSpec{Name: "t3", PlanID: plan.ID, Dependencies: []string{t1.ID}})
	require.NoError(t, err)

	ready := c.ReadyTasks()
	require.Len(t, ready, 1)
	require.Equal(t, t1.ID, ready[0].ID)

	// Completing t1 unblocks t2 and t3.
	require.NoError(t, c.transitionTask(t1.ID, state.StatusRunning, ""))
	require.NoError(t, c.transitionTask(t1.ID, state.StatusCompleted, ""))

	ready = c.ReadyTasks()
	ids := make(map[string]bool)
	for _, task := range ready {
		ids[task.ID] = true
	}
	require.Len(t, ready, 2)
	require.True(t, ids[t2.ID] && ids[t3.ID])

	// Tasks outside the active plan are excluded.
	_, err = c.AddTask(TaskSpec{Name: "adhoc"})
	require.NoError(t, err)
	require.Len(t, c.ReadyTasks(), 2)
}

func TestCancelAndRetryTask(t *testing.T) {
	c, _ := newTestCore(t, testConfig(t), mock.NewRunner())

	task, err := c.AddTask(TaskSpec{Name: "t"})
	require.NoError(t, err)

	require.NoError(t, c.CancelTask(task.ID))
	got, _ := c.Task(task.ID)
	require.Equal(t, state.StatusCancelled, got.State)

	require.NoError(t, c.RetryTask(task.ID))
	got, _ = c.Task(task.ID)
	require.Equal(t, state.StatusPending, got.State)
	require.Empty(t, got.ErrorMessage)
}

func TestPlanCompletesWhenTasksFinish(t *testing.T) {
	c, _ := newTestCore(t, testConfig(t), mock.NewRunner())

	plan := c.CreatePlan("p", "", "")
	require.NoError(t, c.ActivatePlan(plan.ID))
	t1, err := c.AddTask(TaskSpec{Name: "t1", PlanID: plan.ID})
	require.NoError(t, err)
	t2, err := c.AddTask(TaskSpec{Name: "t2", PlanID: plan.ID})
	require.NoError(t, err)

	require.NoError(t, c.transitionTask(t1.ID, state.StatusRunning, ""))
	require.NoError(t, c.transitionTask(t1.ID, state.StatusCompleted, ""))
	got, _ := c.Plan(plan.ID)
	require.Equal(t, PlanActive, got.Status, "plan stays active while tasks remain")

	// A cancelled task does not block completion.
	require.NoError(t, c.CancelTask(t2.ID))
	got, _ = c.Plan(plan.ID)
	require.Equal(t, PlanCompleted, got.Status)
}

func TestPersistence_RestartFidelity(t *testing.T) {
	cfg := testConfig(t)

	c1, _ := newTestCore(t, cfg, mock.NewRunner())
	plan := c1.CreatePlan("p", "desc", "develop")
	require.NoError(t, c1.ActivatePlan(plan.ID))
	t1, err := c1.AddTask(TaskSpec{Name: "t1", PlanID: plan.ID, Priority: "high"})
	require.NoError(t, err)
	_, err = c1.AddTask(TaskSpec{Name: "t2", PlanID: plan.ID, Dependencies: []string{t1.ID}})
	require.NoError(t, err)
	require.NoError(t, c1.Close())

	c2, _ := newTestCore(t, cfg, mock.NewRunner())
	require.Equal(t, plan.ID, c2.ActivePlanID())

	plans := c2.Plans()
	require.Len(t, plans, 1)
	require.Equal(t, PlanActive, plans[0].Status)
	require.Equal(t, "develop", plans[0].BaseBranch)

	tasks := c2.Tasks()
	require.Len(t, tasks, 2)
	require.Equal(t, "task-1", tasks[0].ID)
	require.Equal(t, []string{t1.ID}, tasks[1].Dependencies)

	// Counters continue where they left off.
	t3, err := c2.AddTask(TaskSpec{Name: "t3"})
	require.NoError(t, err)
	require.Equal(t, "task-3", t3.ID)
	p2 := c2.CreatePlan("q", "", "")
	require.Equal(t, "plan-2", p2.ID)
}

func TestPersistence_MigratesVersion1(t *testing.T) {
	cfg := testConfig(t)
	v1 := map[string]any{
		"version": 1,
		"plans":   []any{},
		"tasks": []any{
			map[string]any{"id": "task-1", "name": "old", "state": "pending"},
		},
		"workers": []any{
			map[string]any{"id": "worker-a", "name": "old", "taskId": "task-1", "status": "running"},
		},
		"nextTaskId": 2,
		"nextPlanId": 1,
	}
	data, err := json.Marshal(v1)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Workspace, StateFileName), data, 0o644))

	c, _ := newTestCore(t, cfg, mock.NewRunner())

	tasks := c.Tasks()
	require.Len(t, tasks, 1)
	require.Equal(t, "normal", string(tasks[0].Priority), "v1 tasks get a default priority")

	workers := c.Workers()
	require.Len(t, workers, 1)
	require.Equal(t, 0, workers[0].Depth)
	require.Equal(t, WorkerIdle, workers[0].Status, "running workers come back idle")
}

func TestPersistence_NewerVersionDiscarded(t *testing.T) {
	cfg := testConfig(t)
	data := []byte(`{"version": 99, "plans": [], "tasks": [{"id":"task-1","name":"x","state":"pending"}]}`)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Workspace, StateFileName), data, 0o644))

	c, _ := newTestCore(t, cfg, mock.NewRunner())
	require.Empty(t, c.Tasks())
	require.Empty(t, c.Plans())
}

func TestPersister_DebounceCoalesces(t *testing.T) {
	dir := t.TempDir()
	writes := 0
	var mu sync.Mutex
	p := newPersister(dir, 20*time.Millisecond, func() persistedState {
		mu.Lock()
		writes++
		mu.Unlock()
		return persistedState{Version: stateVersion}
	})

	for i := 0; i < 10; i++ {
		p.MarkDirty()
	}
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, StateFileName))
		return err == nil
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, writes, "burst of mutations coalesces into one write")
}
