// Package headless runs agent prompts through provider CLIs in
// non-interactive mode. Each run spawns one process that emits
// stream-json events on stdout; the runner parses the stream, forwards
// progress to the sink, and folds the result event into a runner.Result.
package headless

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/OmerMachluf/copilot-orchestrator/internal/definitions"
	"github.com/OmerMachluf/copilot-orchestrator/internal/log"
	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/runner"
)

// ErrTimeout is returned when a run exceeds its configured timeout.
var ErrTimeout = errors.New("headless run timed out")

// stderrTailLines caps how much captured stderr goes into error messages.
const stderrTailLines = 20

// CommandFactory creates the provider command. Tests substitute a fake
// process here.
type CommandFactory func(ctx context.Context, name string, args ...string) *exec.Cmd

// argsBuilder constructs the CLI arguments for one run.
type argsBuilder func(opts runner.RunOptions) []string

// Runner executes prompts through one provider CLI.
type Runner struct {
	backend   definitions.Backend
	execName  string
	buildArgs argsBuilder
	factory   CommandFactory
	timeout   time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithExecutable overrides the provider executable path.
func WithExecutable(path string) Option {
	return func(r *Runner) { r.execName = path }
}

// WithTimeout caps a single run's wall time. Zero means no cap.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// WithCommandFactory substitutes process creation, used in tests.
func WithCommandFactory(f CommandFactory) Option {
	return func(r *Runner) { r.factory = f }
}

// NewCopilot creates a runner for the copilot CLI.
func NewCopilot(opts ...Option) *Runner {
	r := &Runner{
		backend:   definitions.BackendCopilot,
		execName:  "copilot",
		buildArgs: copilotArgs,
		factory:   exec.CommandContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewClaude creates a runner for the claude CLI.
func NewClaude(opts ...Option) *Runner {
	r := &Runner{
		backend:   definitions.BackendClaude,
		execName:  "claude",
		buildArgs: claudeArgs,
		factory:   exec.CommandContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func init() {
	runner.Register(definitions.BackendCopilot, func() runner.ModelRunner { return NewCopilot() })
	runner.Register(definitions.BackendClaude, func() runner.ModelRunner { return NewClaude() })
}

func copilotArgs(opts runner.RunOptions) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
	}
	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.Agent.AgentName != "" {
		args = append(args, "--agent", opts.Agent.AgentName)
	}
	return append(args, "--", opts.Prompt)
}

func claudeArgs(opts runner.RunOptions) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
	}
	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	return append(args, "--", opts.Prompt)
}

// Backend returns the backend this runner serves.
func (r *Runner) Backend() definitions.Backend { return r.backend }

// Run spawns the provider CLI in opts.WorkDir and blocks until the
// stream ends. Spawn and transport failures come back as *runner.InfraError;
// a result event flagged as an error is a plain error.
func (r *Runner) Run(ctx context.Context, opts runner.RunOptions) (runner.Result, error) {
	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if r.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
	}
	defer cancel()

	cmd := r.factory(runCtx, r.execName, r.buildArgs(opts)...)
	cmd.Dir = opts.WorkDir

	// Providers fork tool subprocesses that inherit our pipes. Killing
	// only the direct child would leave them holding stdout open and the
	// scanner blocked, so cancellation signals the whole process group,
	// and WaitDelay bounds how long a straggler can stall the pipe reads.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 3 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return runner.Result{}, &runner.InfraError{Op: "stdout pipe", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return runner.Result{}, &runner.InfraError{Op: "stderr pipe", Err: err}
	}

	if err := cmd.Start(); err != nil {
		return runner.Result{}, &runner.InfraError{Op: "spawn " + string(r.backend), Err: err}
	}
	log.Debug(log.CatOrch, "headless process started",
		"backend", r.backend, "worker", opts.WorkerID, "pid", cmd.Process.Pid)

	// Stderr is drained concurrently so a chatty process cannot deadlock
	// against the stdout reader.
	var stderrMu sync.Mutex
	var stderrLines []string
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			log.Debug(log.CatOrch, "STDERR", "backend", r.backend, "line", line)
			stderrMu.Lock()
			if len(stderrLines) < stderrTailLines {
				stderrLines = append(stderrLines, line)
			}
			stderrMu.Unlock()
		}
	}()

	var res runner.Result
	var transcript strings.Builder
	var resultSeen, resultIsError bool
	var resultErrMsg string

	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, perr := parseEvent(line)
		if perr != nil {
			log.Debug(log.CatOrch, "unparseable event line",
				"backend", r.backend, "error", perr, "line", string(line))
			continue
		}
		r.handleEvent(&ev, opts, &res, &transcript)
		if ev.isResult() {
			resultSeen = true
			resultIsError = ev.IsError
			resultErrMsg = ev.errorMessage()
		}
	}
	scanErr := scanner.Err()
	wg.Wait()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return runner.Result{}, ctx.Err()
	}
	if runCtx.Err() != nil {
		return runner.Result{}, &runner.InfraError{Op: "run " + string(r.backend), Err: ErrTimeout}
	}
	if scanErr != nil {
		return runner.Result{}, &runner.InfraError{Op: "read stdout", Err: scanErr}
	}
	if waitErr != nil {
		stderrMu.Lock()
		tail := strings.Join(stderrLines, "\n")
		stderrMu.Unlock()
		if tail != "" {
			waitErr = fmt.Errorf("%w\n%s", waitErr, tail)
		}
		return runner.Result{}, &runner.InfraError{Op: "run " + string(r.backend), Err: waitErr}
	}
	if resultIsError {
		if resultErrMsg == "" {
			resultErrMsg = "run reported an error"
		}
		return runner.Result{}, errors.New(resultErrMsg)
	}
	if !resultSeen && res.Output == "" {
		res.Output = transcript.String()
	}
	return res, nil
}

// handleEvent folds one event into the accumulating result and streams
// it to the sink.
func (r *Runner) handleEvent(ev *event, opts runner.RunOptions, res *runner.Result, transcript *strings.Builder) {
	if ev.SessionID != "" && res.SessionID == "" {
		res.SessionID = ev.SessionID
	}

	switch ev.Type {
	case "assistant":
		text := ev.Message.text()
		if text != "" {
			transcript.WriteString(text)
			if opts.Sink != nil {
				opts.Sink.OnText(opts.WorkerID, text)
			}
		}
		if ev.Message != nil {
			if res.Usage.Model == "" {
				res.Usage.Model = ev.Message.Model
			}
			for _, block := range ev.Message.Content {
				if block.Type == "tool_use" && opts.Sink != nil {
					opts.Sink.OnToolCall(opts.WorkerID, block.Name)
				}
			}
		}

	case "tool_result":
		if opts.Sink != nil && ev.Message != nil {
			for _, block := range ev.Message.Content {
				if block.Type == "tool_result" {
					opts.Sink.OnToolResult(opts.WorkerID, block.Name, block.Content)
				}
			}
		}

	case "result":
		if ev.Result != "" && !ev.IsError {
			res.Output = ev.Result
		}
		if ev.Usage != nil {
			res.Usage.PromptTokens = ev.Usage.InputTokens
			res.Usage.CompletionTokens = ev.Usage.OutputTokens
		}
	}
}
