package retest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/optimism/op-service/cliapp"

	"github.com/ethereum-optimism/infra/op-retest/depgraph"
	"github.com/ethereum-optimism/infra/op-retest/discovery"
	"github.com/ethereum-optimism/infra/op-retest/events"
	"github.com/ethereum-optimism/infra/op-retest/exitcodes"
	"github.com/ethereum-optimism/infra/op-retest/export"
	"github.com/ethereum-optimism/infra/op-retest/metrics"
	"github.com/ethereum-optimism/infra/op-retest/queue"
	"github.com/ethereum-optimism/infra/op-retest/syncer"
	"github.com/ethereum-optimism/infra/op-retest/types"
	"github.com/ethereum-optimism/infra/op-retest/watcher"
	"github.com/ethereum-optimism/infra/op-retest/worker"
)

// eventBuffer sizes the orchestrator's bus subscription.
const eventBuffer = 64

// retest implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = &retest{}

// retest wires the file watcher, shadow syncer, dependency tracker, test
// discovery, job queue and workers into one pipeline: observed changes
// become sync, build, analyze and test jobs scoped to the tests the
// changes can affect.
type retest struct {
	ctx     context.Context
	config  *Config
	version string

	rules     *watcher.Rules
	watcher   *watcher.Watcher
	syncer    *syncer.Syncer
	tracker   *depgraph.Tracker
	disc      *discovery.Discoverer
	inventory *discovery.Inventory
	bus       *events.Bus
	queue     *queue.Queue
	workers   []*worker.Worker
	sink      *export.DirectorySink // nil unless an export directory is configured

	unsubscribe func()

	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup

	shutdownCallback func(error) // Callback to signal application shutdown
}

func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*retest, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	config.Log.Debug("Creating op-retest with config",
		"root", config.Root,
		"shadowDir", config.ShadowDir,
		"inPlace", config.InPlace,
		"workers", config.Workers,
		"runOnce", config.RunOnce)

	rules, err := watcher.NewRules(config.Root, config.Include, config.Ignore)
	if err != nil {
		return nil, fmt.Errorf("failed to compile ignore rules: %w", err)
	}

	destKind := syncer.DestManaged
	destDir := ""
	switch {
	case config.InPlace:
		destKind = syncer.DestInPlace
	case config.ShadowDir != "":
		destKind = syncer.DestDirectory
		destDir = config.ShadowDir
	}
	sync, err := syncer.New(syncer.Config{
		Root:   config.Root,
		Kind:   destKind,
		Dir:    destDir,
		Ignore: rules,
		Log:    config.Log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create syncer: %w", err)
	}

	w, err := watcher.New(watcher.Config{
		Root:         config.Root,
		Rules:        rules,
		Debounce:     config.Debounce,
		PollInterval: config.PollInterval,
		Log:          config.Log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	bus := events.NewBus()
	q := queue.New(queue.Config{Log: config.Log, Bus: bus})
	tracker := depgraph.New(config.Log)
	inv := discovery.NewInventory()
	disc := discovery.NewDiscoverer(config.Log)

	workers := make([]*worker.Worker, 0, config.Workers)
	for i := 0; i < config.Workers; i++ {
		workers = append(workers, worker.New(worker.Config{
			Queue:       q,
			Syncer:      sync,
			Tracker:     tracker,
			Discoverer:  disc,
			Inventory:   inv,
			Log:         config.Log.New("worker", i),
			GoBinary:    config.GoBinary,
			JobTimeout:  config.JobTimeout,
			CancelGrace: config.CancelGrace,
		}))
	}

	var sink *export.DirectorySink
	if config.ExportDir != "" {
		sink, err = export.NewDirectorySink(config.ExportDir)
		if err != nil {
			return nil, fmt.Errorf("failed to create export sink: %w", err)
		}
	}

	config.Log.Info("retest.New: created pipeline components", "workspace", sync.Dir())

	return &retest{
		ctx:              ctx,
		config:           config,
		version:          version,
		rules:            rules,
		watcher:          w,
		syncer:           sync,
		tracker:          tracker,
		disc:             disc,
		inventory:        inv,
		bus:              bus,
		queue:            q,
		workers:          workers,
		sink:             sink,
		done:             make(chan struct{}),
		shutdownCallback: shutdownCallback,
	}, nil
}

// Start brings the pipeline up: workers first, then the startup jobs, then
// the watcher. In run-once mode it instead blocks until the startup jobs
// finish and reports their outcome.
// Start implements the cliapp.Lifecycle interface.
func (n *retest) Start(ctx context.Context) error {
	// Set up panic recovery to ensure we exit with code 2 for runtime errors
	defer func() {
		if r := recover(); r != nil {
			n.config.Log.Error("Runtime error occurred", "error", r)
			os.Exit(exitcodes.RuntimeErr)
		}
	}()

	n.ctx = ctx
	n.done = make(chan struct{})
	n.running.Store(true)

	evCh, unsubscribe := n.bus.Subscribe(eventBuffer)
	n.unsubscribe = unsubscribe

	for _, w := range n.workers {
		w.Start(ctx)
	}

	lastID, err := n.enqueueStartup()
	if err != nil {
		n.config.Log.Error("Failed to schedule startup pipeline", "error", err)
		return cli.Exit(err.Error(), exitcodes.RuntimeErr)
	}

	if n.config.RunOnce {
		n.config.Log.Info("Starting op-retest in run-once mode", "version", n.version)
		return n.runOnce(ctx, evCh, lastID)
	}

	n.config.Log.Info("Starting op-retest in watch mode",
		"version", n.version, "root", n.config.Root, "debounce", n.config.Debounce)

	if err := n.watcher.Start(ctx); err != nil {
		n.config.Log.Error("Failed to start watcher", "error", err)
		return cli.Exit(err.Error(), exitcodes.RuntimeErr)
	}

	n.wg.Add(2)
	go n.eventLoop(ctx, evCh)
	go n.watchLoop(ctx)

	n.config.Log.Debug("op-retest started successfully")
	return nil
}

// enqueueStartup schedules the initial pipeline: a full sync (or a reset
// when the workspace index was unreadable), an all-scope build, analysis
// and an all-scope test run. Returns the ID of the final job.
func (n *retest) enqueueStartup() (uint64, error) {
	first := types.NewFullSyncJob()
	if n.syncer.NeedsReset() {
		n.config.Log.Warn("Workspace index was unreadable, scheduling a full reset")
		first = types.NewResetJob()
	}

	jobs := []*types.Job{
		first,
		types.NewBuildJob(types.AllTests()),
		types.NewAnalyzeJob(),
		types.NewTestJob(types.AllTests()),
	}
	var last uint64
	for _, job := range jobs {
		if err := n.queue.Enqueue(job); err != nil {
			return 0, fmt.Errorf("failed to enqueue %s job: %w", job.Kind, err)
		}
		last = job.ID
	}
	return last, nil
}

// runOnce consumes events until the startup pipeline's final job reaches a
// terminal state, then turns the inventory into an exit code.
func (n *retest) runOnce(ctx context.Context, evCh <-chan types.Event, lastID uint64) error {
	for {
		select {
		case ev, ok := <-evCh:
			if !ok {
				return NewRuntimeError(errors.New("event stream closed before the pipeline finished"))
			}
			n.handleEvent(ev)
			if ev.JobID == lastID && ev.New.Terminal() {
				return n.finishRunOnce()
			}
		case <-ctx.Done():
			return NewRuntimeError(ctx.Err())
		}
	}
}

func (n *retest) finishRunOnce() error {
	if n.config.ExportFile != "" {
		n.exportRecords()
	}

	// A failed sync, build or analyze job is an operational error, not a
	// test failure.
	for _, job := range n.queue.Jobs() {
		if job.State == types.JobStateFailed && job.Kind != types.JobKindTest {
			n.config.Log.Error("Startup pipeline failed", "kind", job.Kind, "reason", job.Result.Reason)
			return cli.Exit(fmt.Sprintf("%s job failed: %s", job.Kind, job.Result.Reason), exitcodes.RuntimeErr)
		}
	}

	sum := export.Summarize(n.inventory.Snapshot())
	if sum.Failed > 0 || sum.TimedOut > 0 {
		n.config.Log.Warn("Run-once completed with failures, returning exit code 1",
			"failed", sum.Failed, "timed_out", sum.TimedOut)
		return NewTestFailureError(sum.Failed+sum.TimedOut, sum.Total)
	}

	n.config.Log.Info("Run-once completed", "tests", sum.Total, "passed", sum.Passed)
	go func() {
		n.shutdownCallback(nil)
	}()
	return nil
}

// eventLoop consumes job transitions from the bus: logging failures,
// feeding the export sink and printing result tables after test runs.
func (n *retest) eventLoop(ctx context.Context, evCh <-chan types.Event) {
	defer n.wg.Done()
	for {
		select {
		case ev, ok := <-evCh:
			if !ok {
				return
			}
			n.handleEvent(ev)
		case <-n.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// watchLoop turns change batches into pipeline runs and records watcher
// errors. Watcher errors are retried internally and never fatal here.
func (n *retest) watchLoop(ctx context.Context) {
	defer n.wg.Done()
	n.config.Log.Debug("Starting change processing loop")
	for {
		select {
		case batch, ok := <-n.watcher.Events():
			if !ok {
				return
			}
			n.handleBatch(batch)
		case err, ok := <-n.watcher.Errors():
			if !ok {
				return
			}
			n.config.Log.Warn("Watcher error", "error", err)
			metrics.RecordErrorDetails("watcher", err)
		case <-n.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// handleBatch plans the sync for a change batch, marks the dependency
// graph dirty and schedules the sync-build-analyze-test chain for the
// affected scope. Batches whose content did not actually change schedule
// nothing.
func (n *retest) handleBatch(batch []types.ChangeEvent) {
	n.config.Log.Info("Change batch received", "changes", len(batch))
	metrics.RecordChangeBatch()
	for _, ev := range batch {
		metrics.RecordChangedPath(string(ev.Kind))
	}

	plan, err := n.syncer.Plan(batch)
	if err != nil {
		n.config.Log.Error("Failed to plan sync", "error", err)
		metrics.RecordErrorDetails("syncer", err)
		return
	}
	if plan.Empty() {
		n.config.Log.Debug("Change batch was content-neutral, nothing to do")
		return
	}

	scope, err := n.tracker.MarkDirty(plan)
	if err != nil {
		n.config.Log.Warn("Dependency analysis failed, falling back to all tests", "error", err)
		metrics.RecordErrorDetails("depgraph", err)
		scope = types.AllTests()
	}
	metrics.RecordAffectedSet(scope.Len(), scope.All)
	n.config.Log.Info("Pipeline scheduled", "changed", plan.Len(), "affected", scope.String())

	n.enqueueChain(
		types.NewSyncJob(&plan, scope),
		types.NewBuildJob(scope),
		types.NewAnalyzeJob(),
		types.NewTestJob(scope),
	)
}

// enqueueChain enqueues jobs in order, stopping at the first rejection.
// Rejection only happens on a closed queue during shutdown.
func (n *retest) enqueueChain(jobs ...*types.Job) {
	for _, job := range jobs {
		if err := n.queue.Enqueue(job); err != nil {
			n.config.Log.Debug("Enqueue rejected", "kind", job.Kind, "error", err)
			return
		}
	}
}

func (n *retest) handleEvent(ev types.Event) {
	switch ev.New {
	case types.JobStateFailed:
		n.config.Log.Warn("Job failed", "job", ev.JobID, "kind", ev.JobKind, "reason", ev.Reason)
	case types.JobStateCancelled:
		n.config.Log.Info("Job cancelled", "job", ev.JobID, "kind", ev.JobKind, "reason", ev.Reason)
	}

	if ev.JobKind != types.JobKindTest || !ev.New.Terminal() {
		return
	}

	cases := n.deltaCases(ev.Deltas)
	if n.sink != nil && ev.RunID != "" {
		for i := range cases {
			if err := n.sink.Consume(&cases[i], ev.RunID); err != nil {
				n.config.Log.Warn("Export sink rejected result", "error", err)
			}
		}
		if err := n.sink.Complete(ev.RunID); err != nil {
			n.config.Log.Warn("Export sink completion failed", "error", err)
		}
	}

	if len(cases) > 0 && ev.New != types.JobStateCancelled {
		export.RenderTable(os.Stdout, fmt.Sprintf("Test Results (run %s)", shortRunID(ev.RunID)), cases)
	}
}

// deltaCases resolves the inventory's current view of every test touched
// by a run.
func (n *retest) deltaCases(deltas []types.TestDelta) []types.TestCase {
	cases := make([]types.TestCase, 0, len(deltas))
	for _, d := range deltas {
		if tc, ok := n.inventory.Get(d.ID); ok {
			cases = append(cases, tc)
		}
	}
	return cases
}

// exportRecords writes the inventory to the configured JSON file.
func (n *retest) exportRecords() {
	cases := n.inventory.Snapshot()
	if err := export.WriteJSONFile(n.config.ExportFile, cases); err != nil {
		n.config.Log.Error("Failed to export test records", "error", err)
		metrics.RecordErrorDetails("export", err)
		return
	}
	n.config.Log.Info("Exported test records", "path", n.config.ExportFile, "records", len(cases))
}

// Pause stops new jobs from being dequeued. The running job, if any, is
// unaffected.
func (n *retest) Pause() {
	n.queue.Pause()
}

// Resume lifts a pause.
func (n *retest) Resume() {
	n.queue.Resume()
}

// ClearPending cancels every queued job, and signals the running ones too
// when cancelRunning is set. Returns the number of cancelled jobs.
func (n *retest) ClearPending(cancelRunning bool) int {
	return n.queue.Clear(cancelRunning)
}

// Stop stops the op-retest service: watcher first so no new work arrives,
// then the queue and its workers, then the export and the workspace index.
// Stop implements the cliapp.Lifecycle interface.
func (n *retest) Stop(ctx context.Context) error {
	n.config.Log.Info("Stopping op-retest")

	// Check if we're already stopped
	if !n.running.Load() {
		n.config.Log.Debug("Service already stopped, nothing to do")
		return nil
	}
	n.running.Store(false)

	n.watcher.Stop()

	if cancelled := n.queue.Clear(true); cancelled > 0 {
		n.config.Log.Debug("Cancelled outstanding jobs", "count", cancelled)
	}
	n.queue.Close()
	for _, w := range n.workers {
		w.Stop()
	}

	close(n.done)

	if n.config.ExportFile != "" && !n.config.RunOnce {
		n.exportRecords()
	}

	if n.unsubscribe != nil {
		n.unsubscribe()
	}
	n.bus.Close()

	if err := n.syncer.Close(); err != nil {
		n.config.Log.Warn("Failed to close syncer", "error", err)
	}

	n.config.Log.Info("op-retest stopped successfully")
	return nil
}

// Stopped returns true if the op-retest service is stopped.
// Stopped implements the cliapp.Lifecycle interface.
func (n *retest) Stopped() bool {
	return !n.running.Load()
}

// WaitForShutdown blocks until all goroutines have terminated.
// This is useful in tests to ensure complete cleanup before moving to the next test.
func (n *retest) WaitForShutdown(ctx context.Context) error {
	n.config.Log.Debug("Waiting for all goroutines to terminate")

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.config.Log.Debug("All goroutines terminated successfully")
		return nil
	case <-ctx.Done():
		n.config.Log.Warn("Timed out waiting for goroutines to terminate", "error", ctx.Err())
		return ctx.Err()
	}
}

func shortRunID(runID string) string {
	if len(runID) > 8 {
		return runID[:8]
	}
	return runID
}
