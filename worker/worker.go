// Package worker pulls eligible jobs off the queue and executes them
// against the shadow workspace: applying sync plans, spawning the builder
// and the test runner, parsing their output and recording results.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethereum-optimism/infra/op-retest/depgraph"
	"github.com/ethereum-optimism/infra/op-retest/discovery"
	"github.com/ethereum-optimism/infra/op-retest/metrics"
	"github.com/ethereum-optimism/infra/op-retest/queue"
	"github.com/ethereum-optimism/infra/op-retest/syncer"
	"github.com/ethereum-optimism/infra/op-retest/types"
)

const (
	// DefaultJobTimeout bounds a single job's execution.
	DefaultJobTimeout = 5 * time.Minute
	// DefaultCancelGrace is how long a signalled process gets to exit
	// cooperatively before it is killed.
	DefaultCancelGrace = 5 * time.Second
)

// Config configures a Worker.
type Config struct {
	Queue       *queue.Queue
	Syncer      *syncer.Syncer
	Tracker     *depgraph.Tracker
	Discoverer  *discovery.Discoverer
	Inventory   *discovery.Inventory
	Log         log.Logger
	GoBinary    string
	JobTimeout  time.Duration
	CancelGrace time.Duration
}

// Worker is one queue consumer. Run several against the same queue for a
// bounded pool; the queue's eligibility rules keep workspace writers
// exclusive.
type Worker struct {
	cfg    Config
	log    log.Logger
	tracer trace.Tracer
	wg     sync.WaitGroup
}

// New creates a worker.
func New(cfg Config) *Worker {
	if cfg.Log == nil {
		cfg.Log = log.Root()
	}
	if cfg.GoBinary == "" {
		cfg.GoBinary = "go"
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = DefaultCancelGrace
	}
	return &Worker{
		cfg:    cfg,
		log:    cfg.Log,
		tracer: otel.Tracer("job worker"),
	}
}

// Start launches the consume loop. It returns when the queue closes or the
// context is cancelled; use Stop to wait for the in-flight job.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			job, err := w.cfg.Queue.Dequeue(ctx)
			if err != nil {
				if !queue.IsQueueError(err) && !errors.Is(err, context.Canceled) {
					w.log.Error("Dequeue failed", "err", err)
				}
				return
			}
			w.execute(ctx, job)
		}
	}()
}

// Stop waits for the loop to drain.
func (w *Worker) Stop() {
	w.wg.Wait()
}

func (w *Worker) execute(ctx context.Context, job *types.Job) {
	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()
	w.cfg.Queue.AttachCancel(job.ID, cancel)

	jobCtx, span := w.tracer.Start(jobCtx, fmt.Sprintf("%s job", job.Kind))
	defer span.End()

	w.log.Info("Job started", "job", job.ID, "kind", job.Kind, "scope", job.Scope.String())

	var state types.JobState
	var result types.JobResult
	var deltas []types.TestDelta

	switch job.Kind {
	case types.JobKindSync:
		state, result = w.runSync(jobCtx, job)
	case types.JobKindBuild:
		state, result = w.runBuild(jobCtx, job)
	case types.JobKindAnalyze:
		state, result = w.runAnalyze(jobCtx, job)
	case types.JobKindTest:
		state, result, deltas = w.runTest(jobCtx, job)
	default:
		state = types.JobStateFailed
		result = types.JobResult{Reason: fmt.Sprintf("unknown job kind %q", job.Kind)}
	}

	w.cfg.Queue.Finish(job, state, result, deltas)
	w.log.Info("Job finished", "job", job.ID, "kind", job.Kind, "state", state,
		"duration", job.Duration(), "reason", result.Reason)
}

// interrupted maps a context failure to the job's terminal state: deadline
// to a timeout failure, cancellation to Cancelled. The bool reports
// whether the context was the cause.
func (w *Worker) interrupted(ctx context.Context) (types.JobState, string, bool) {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return types.JobStateFailed, fmt.Sprintf("timed out after %v", w.cfg.JobTimeout), true
	case errors.Is(ctx.Err(), context.Canceled):
		return types.JobStateCancelled, "cancelled", true
	default:
		return "", "", false
	}
}

func (w *Worker) runSync(ctx context.Context, job *types.Job) (types.JobState, types.JobResult) {
	var applied types.SyncPlan
	var err error

	switch {
	case job.Reset:
		applied, err = w.cfg.Syncer.Reset(ctx)
	case job.Plan == nil:
		applied, err = w.cfg.Syncer.FullSync(ctx)
	default:
		applied, err = w.cfg.Syncer.Apply(ctx, *job.Plan)
	}

	metrics.RecordSyncApplied(len(applied.Added), len(applied.Modified), len(applied.Removed))

	if state, reason, ok := w.interrupted(ctx); ok {
		return state, types.JobResult{Reason: reason, Output: applied.String()}
	}
	if err != nil {
		metrics.RecordErrorDetails("sync", err)
		return types.JobStateFailed, types.JobResult{
			Reason: "sync completed with errors",
			Output: err.Error(),
		}
	}
	return types.JobStateCompleted, types.JobResult{Output: applied.String()}
}

func (w *Worker) runBuild(ctx context.Context, job *types.Job) (types.JobState, types.JobResult) {
	args := append([]string{"build"}, w.scopePackages(job.Scope)...)
	output, exitCode, err := w.runCommand(ctx, args)

	if state, reason, ok := w.interrupted(ctx); ok {
		return state, types.JobResult{ExitCode: exitCode, Output: output, Reason: reason}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return types.JobStateFailed, types.JobResult{
				ExitCode: exitCode,
				Output:   output,
				Reason:   fmt.Sprintf("build failed with exit code %d", exitCode),
			}
		}
		metrics.RecordErrorDetails("build_spawn", err)
		return types.JobStateFailed, types.JobResult{
			Output: output,
			Reason: fmt.Sprintf("spawn failed: %v", err),
		}
	}
	return types.JobStateCompleted, types.JobResult{Output: output}
}

func (w *Worker) runAnalyze(ctx context.Context, job *types.Job) (types.JobState, types.JobResult) {
	dir := w.cfg.Syncer.Dir()

	var graphErr error
	if err := w.cfg.Tracker.Rebuild(ctx, dir); err != nil {
		// Conservative fallback is already in place; record and move on
		// to discovery, which can still succeed independently.
		w.log.Warn("Graph rebuild failed, affected sets degrade to all tests", "err", err)
		metrics.RecordErrorDetails("graph", err)
		graphErr = err
	}

	cases, err := w.cfg.Discoverer.Discover(ctx, dir)
	if state, reason, ok := w.interrupted(ctx); ok {
		return state, types.JobResult{Reason: reason}
	}
	if err != nil {
		// The previous inventory stays intact: stale-but-available beats
		// empty.
		metrics.RecordErrorDetails("discovery", err)
		return types.JobStateFailed, types.JobResult{
			Reason: "discovery failed, previous test set kept",
			Output: err.Error(),
		}
	}

	added, removed := w.cfg.Inventory.Replace(cases)
	w.cfg.Tracker.Bind(cases)

	output := fmt.Sprintf("discovered %d tests (%d new, %d gone)", len(cases), added, removed)
	if graphErr != nil {
		return types.JobStateFailed, types.JobResult{
			Reason: "graph rebuild failed",
			Output: output + "; " + graphErr.Error(),
		}
	}
	return types.JobStateCompleted, types.JobResult{Output: output}
}

func (w *Worker) runTest(ctx context.Context, job *types.Job) (types.JobState, types.JobResult, []types.TestDelta) {
	runID := uuid.New().String()
	parser := newTestRunParser()
	started := time.Now()

	var exitCode int
	var runErr error
	for _, inv := range w.testInvocations(job.Scope) {
		output, code, err := w.runCommandStreaming(ctx, inv, parser)
		if output != "" {
			parser.raw.WriteString(output)
		}
		if code != 0 {
			exitCode = code
		}
		if err != nil {
			runErr = err
		}
		if ctx.Err() != nil {
			break
		}
	}

	deltas := w.applyOutcomes(parser)

	if state, reason, ok := w.interrupted(ctx); ok {
		if state == types.JobStateFailed {
			// Timeout: tests that started but never finished are the
			// ones the expiry interrupted.
			for _, id := range parser.unfinished() {
				deltas = w.appendDelta(deltas, id, types.TestStatusTimedOut,
					parser.outcomes[id].output.String(), w.cfg.JobTimeout)
			}
		}
		w.recordRun(runID, parser, time.Since(started))
		return state, types.JobResult{ExitCode: exitCode, Output: parser.raw.String(), Reason: reason, RunID: runID}, deltas
	}

	w.recordRun(runID, parser, time.Since(started))

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			metrics.RecordErrorDetails("test_spawn", runErr)
			return types.JobStateFailed, types.JobResult{
				Output: parser.raw.String(),
				Reason: fmt.Sprintf("spawn failed: %v", runErr),
				RunID:  runID,
			}, deltas
		}
		return types.JobStateFailed, types.JobResult{
			ExitCode: exitCode,
			Output:   parser.raw.String(),
			Reason:   "tests failed",
			RunID:    runID,
		}, deltas
	}

	// A fully green run marks the scope clean until the next change.
	w.cfg.Tracker.ClearDirty(job.Scope)
	return types.JobStateCompleted, types.JobResult{Output: parser.raw.String(), RunID: runID}, deltas
}

// applyOutcomes folds finished parser outcomes into the inventory and
// returns the status deltas.
func (w *Worker) applyOutcomes(parser *testRunParser) []types.TestDelta {
	var deltas []types.TestDelta
	for _, id := range parser.order {
		oc := parser.outcomes[id]
		if !oc.finished {
			continue
		}
		deltas = w.appendDelta(deltas, id, oc.status, oc.output.String(), oc.duration)
	}
	return deltas
}

func (w *Worker) appendDelta(deltas []types.TestDelta, id types.TestID, status types.TestStatus, output string, duration time.Duration) []types.TestDelta {
	prev, known := w.cfg.Inventory.Get(id)
	if !known {
		w.log.Debug("Result for unknown test dropped", "test", id)
		return deltas
	}
	w.cfg.Inventory.Update(id, status, output, duration)
	return append(deltas, types.TestDelta{ID: id, Old: prev.Status, New: status, Duration: duration})
}

func (w *Worker) recordRun(runID string, parser *testRunParser, duration time.Duration) {
	var passed, failed, ignored, timedOut int
	for _, oc := range parser.outcomes {
		switch oc.status {
		case types.TestStatusPassed:
			passed++
		case types.TestStatusFailed:
			failed++
		case types.TestStatusIgnored:
			ignored++
		case types.TestStatusTimedOut:
			timedOut++
		}
	}
	metrics.RecordTestRun(runID, len(parser.outcomes), passed, failed, ignored, timedOut, duration)
}

// testInvocations builds the argument lists for a scope: one `go test`
// over everything for the all sentinel, otherwise one invocation per
// package with an exact -run filter.
func (w *Worker) testInvocations(scope types.AffectedSet) [][]string {
	base := []string{"test", "-json", "-count=1"}
	if scope.All {
		return [][]string{append(base, "./...")}
	}

	names := make(map[string][]string)
	for _, id := range scope.IDs() {
		tc, ok := w.cfg.Inventory.Get(id)
		if !ok {
			// Unknown ID: the inventory is staler than the scope. Fall
			// back to running everything.
			return [][]string{append(base, "./...")}
		}
		names[tc.Module] = append(names[tc.Module], tc.Name)
	}
	if len(names) == 0 {
		return [][]string{append(base, "./...")}
	}

	modules := make([]string, 0, len(names))
	for module := range names {
		modules = append(modules, module)
	}
	sort.Strings(modules)

	var out [][]string
	for _, module := range modules {
		tests := names[module]
		sort.Strings(tests)
		pattern := "^(" + strings.Join(tests, "|") + ")$"
		args := append(append([]string{}, base...), "-run", pattern, module)
		out = append(out, args)
	}
	return out
}

// scopePackages lists the build targets for a scope.
func (w *Worker) scopePackages(scope types.AffectedSet) []string {
	if scope.All {
		return []string{"./..."}
	}
	set := make(map[string]struct{})
	for _, id := range scope.IDs() {
		if tc, ok := w.cfg.Inventory.Get(id); ok {
			set[tc.Module] = struct{}{}
		}
	}
	if len(set) == 0 {
		return []string{"./..."}
	}
	out := make([]string, 0, len(set))
	for module := range set {
		out = append(out, module)
	}
	sort.Strings(out)
	return out
}

// runCommand spawns the configured binary in the workspace and captures
// combined output. Cancellation is cooperative: SIGTERM on context
// cancellation, SIGKILL after the grace period.
func (w *Worker) runCommand(ctx context.Context, args []string) (string, int, error) {
	cmd := exec.CommandContext(ctx, w.cfg.GoBinary, args...)
	cmd.Dir = w.cfg.Syncer.Dir()
	w.setupCancel(cmd)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	w.log.Debug("Spawning", "binary", w.cfg.GoBinary, "args", strings.Join(args, " "), "dir", cmd.Dir)
	err := cmd.Run()
	return buf.String(), exitCodeOf(cmd, err), err
}

// runCommandStreaming spawns the command and feeds stdout through the test
// event parser as it arrives. Stderr is returned for the raw job output.
func (w *Worker) runCommandStreaming(ctx context.Context, args []string, parser *testRunParser) (string, int, error) {
	cmd := exec.CommandContext(ctx, w.cfg.GoBinary, args...)
	cmd.Dir = w.cfg.Syncer.Dir()
	w.setupCancel(cmd)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", 0, err
	}

	w.log.Debug("Spawning", "binary", w.cfg.GoBinary, "args", strings.Join(args, " "), "dir", cmd.Dir)
	if err := cmd.Start(); err != nil {
		return stderr.String(), 0, err
	}
	if err := parser.consume(stdout); err != nil {
		w.log.Debug("Test output stream ended early", "err", err)
	}
	err = cmd.Wait()
	return stderr.String(), exitCodeOf(cmd, err), err
}

func (w *Worker) setupCancel(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = w.cfg.CancelGrace
}

func exitCodeOf(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 0
}
