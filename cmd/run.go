package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/OmerMachluf/copilot-orchestrator/internal/config"
	"github.com/OmerMachluf/copilot-orchestrator/internal/git"
	"github.com/OmerMachluf/copilot-orchestrator/internal/infrastructure/sqlite"
	"github.com/OmerMachluf/copilot-orchestrator/internal/log"
	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/bus"
	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/core"
	_ "github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/headless" // registers CLI backends
	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/health"
	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/runner"
	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/state"
	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/tracing"
)

var (
	runAgentType  string
	runModel      string
	runBaseBranch string
	runPlanID     string
)

var runCmd = &cobra.Command{
	Use:   "run [task description]",
	Short: "Deploy ready tasks and drive workers to completion",
	Long: `Deploys every ready task of the active plan into its own worktree and
runs workers until all tasks settle. With a task description argument, an
ad-hoc plan holding that single task is created and activated first.`,
	RunE: runOrchestrator,
}

func init() {
	runCmd.Flags().StringVar(&runAgentType, "agent", "", "agent type for ad-hoc tasks (backend:name)")
	runCmd.Flags().StringVar(&runModel, "model", "", "model override for ad-hoc tasks")
	runCmd.Flags().StringVar(&runBaseBranch, "base-branch", "", "base branch for ad-hoc tasks")
	runCmd.Flags().StringVar(&runPlanID, "plan", "", "activate this plan instead of creating one")
	rootCmd.AddCommand(runCmd)
}

func runOrchestrator(cmd *cobra.Command, args []string) error {
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	provider, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing setup: %w", err)
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	var tracer trace.Tracer
	if provider.Enabled() {
		tracer = provider.Tracer()
	}
	b, err := bus.New(
		bus.WithStore(bus.NewStore(cfg.Workspace)),
		bus.WithMiddleware(tracing.NewBusMiddleware(tracer)),
	)
	if err != nil {
		return fmt.Errorf("message bus: %w", err)
	}
	defer b.Close()

	coord := git.NewCoordinator(cfg.Workspace,
		git.WithWorktreesDir(cfg.Worktrees.Dir),
		git.WithBaseBranch(cfg.Worktrees.BaseBranch),
	)

	monitor := health.NewMonitor(cfg.Health)
	monitor.Start()
	defer monitor.Stop()

	history, err := sqlite.OpenWorkspace(cfg.Workspace)
	if err != nil {
		return fmt.Errorf("run history: %w", err)
	}
	defer func() { _ = history.Close() }()

	coreOpts := []core.Option{
		core.WithBus(b),
		core.WithRunRecorder(history),
	}
	if tracer != nil {
		coreOpts = append(coreOpts, core.WithTracer(tracer))
	}
	wrapped := health.WrapRunner(runner.Dispatch{}, monitor, health.WithBreaker(cfg.Breaker))
	orch, err := core.New(cfg, coord, wrapped, coreOpts...)
	if err != nil {
		return err
	}
	defer func() { _ = orch.Close() }()

	if len(args) > 0 {
		if err := stageAdHocTask(orch, strings.Join(args, " ")); err != nil {
			return err
		}
	} else if runPlanID != "" {
		if err := orch.ActivatePlan(runPlanID); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Idle and unhealthy workers get an inquiry message on their channel.
	orch.ObserveHealth(ctx, monitor)

	return drive(ctx, cmd, orch)
}

// stageAdHocTask wraps a one-off description in its own plan and task,
// and makes that plan the deploy target.
func stageAdHocTask(orch *core.Core, description string) error {
	name := description
	if len(name) > 40 {
		name = name[:40]
	}
	plan := orch.CreatePlan(name, description, runBaseBranch)
	task, err := orch.AddTask(core.TaskSpec{
		Name:        name,
		Description: description,
		PlanID:      plan.ID,
		BaseBranch:  runBaseBranch,
		ModelID:     runModel,
		AgentType:   runAgentType,
	})
	if err != nil {
		return err
	}
	log.Info(log.CatOrch, "ad-hoc task staged", "plan", plan.ID, "task", task.ID)
	return orch.ActivatePlan(plan.ID)
}

// drive deploys ready tasks and finalizes completed workers until every
// task of the active plan settles or the context is cancelled.
func drive(ctx context.Context, cmd *cobra.Command, orch *core.Core) error {
	events := orch.Subscribe(ctx)

	for {
		if _, err := orch.DeployReady(ctx); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "deploy: %v\n", err)
		}
		finalizeCompleted(cmd, orch)

		if settled(orch) {
			printSummary(cmd, orch)
			return nil
		}

		select {
		case <-ctx.Done():
			fmt.Fprintln(cmd.ErrOrStderr(), "interrupted; state persisted")
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			printEvent(cmd, ev.Payload)
		case <-time.After(time.Second):
			// Periodic sweep in case an event was dropped.
		}
	}
}

// finalizeCompleted pushes and removes every worker whose run finished.
func finalizeCompleted(cmd *cobra.Command, orch *core.Core) {
	for _, w := range orch.Workers() {
		if w.Status != core.WorkerCompleted {
			continue
		}
		if err := orch.CompleteWorker(w.ID); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "finalize %s: %v\n", w.ID, err)
		}
	}
}

// settled reports whether nothing is left to deploy, run, or finalize.
func settled(orch *core.Core) bool {
	if len(orch.Workers()) > 0 {
		return false
	}
	active := orch.ActivePlanID()
	for _, t := range orch.Tasks() {
		if active != "" && t.PlanID != active {
			continue
		}
		switch t.State {
		case state.StatusQueued, state.StatusRunning:
			return false
		case state.StatusPending:
			// Pending tasks with failed dependencies can never become
			// ready; anything else still has a path forward.
			if !depsDead(orch, t) {
				return false
			}
		}
	}
	return true
}

// depsDead reports whether a pending task is permanently blocked by a
// terminal non-completed dependency.
func depsDead(orch *core.Core, t core.Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := orch.Task(dep)
		if !ok {
			return true
		}
		if d.State == state.StatusFailed || d.State == state.StatusCancelled {
			return true
		}
	}
	return false
}

func printEvent(cmd *cobra.Command, ev core.OrchestratorEvent) {
	out := cmd.OutOrStdout()
	switch ev.Type {
	case core.EventTaskStarted:
		fmt.Fprintf(out, "task %s started\n", ev.TaskID)
	case core.EventTaskCompleted:
		fmt.Fprintf(out, "task %s completed\n", ev.TaskID)
	case core.EventTaskFailed:
		fmt.Fprintf(out, "task %s failed: %s\n", ev.TaskID, ev.Message)
	case core.EventWorkerError:
		fmt.Fprintf(out, "worker %s error: %s\n", ev.WorkerID, ev.Message)
	case core.EventPlanCompleted:
		fmt.Fprintf(out, "plan %s finished\n", ev.PlanID)
	}
}

func printSummary(cmd *cobra.Command, orch *core.Core) {
	out := cmd.OutOrStdout()
	counts := map[state.Status]int{}
	for _, t := range orch.Tasks() {
		counts[t.State]++
	}
	fmt.Fprintf(out, "done: %d completed, %d failed, %d cancelled, %d pending\n",
		counts[state.StatusCompleted], counts[state.StatusFailed],
		counts[state.StatusCancelled], counts[state.StatusPending])
}
