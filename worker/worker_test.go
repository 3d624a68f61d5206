package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-retest/depgraph"
	"github.com/ethereum-optimism/infra/op-retest/discovery"
	"github.com/ethereum-optimism/infra/op-retest/events"
	"github.com/ethereum-optimism/infra/op-retest/queue"
	"github.com/ethereum-optimism/infra/op-retest/syncer"
	"github.com/ethereum-optimism/infra/op-retest/types"
)

// fakeGo writes an executable standing in for the go binary. Tests drive
// the worker's process handling without a toolchain in the sandbox.
func fakeGo(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "go")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

type workerHarness struct {
	worker    *Worker
	queue     *queue.Queue
	bus       *events.Bus
	inventory *discovery.Inventory
	tracker   *depgraph.Tracker
	syncer    *syncer.Syncer
}

func newHarness(t *testing.T, goBinary string, opts ...func(*Config)) *workerHarness {
	t.Helper()
	logger := log.New()

	root := t.TempDir()
	s, err := syncer.New(syncer.Config{
		Root: root,
		Kind: syncer.DestDirectory,
		Dir:  filepath.Join(t.TempDir(), "shadow"),
		Log:  logger,
	})
	require.NoError(t, err)

	bus := events.NewBus()
	t.Cleanup(bus.Close)
	q := queue.New(queue.Config{Log: logger, Bus: bus})

	h := &workerHarness{
		queue:     q,
		bus:       bus,
		inventory: discovery.NewInventory(),
		tracker:   depgraph.New(logger),
		syncer:    s,
	}
	cfg := Config{
		Queue:       q,
		Syncer:      s,
		Tracker:     h.tracker,
		Discoverer:  discovery.NewDiscoverer(logger),
		Inventory:   h.inventory,
		Log:         logger,
		GoBinary:    goBinary,
		JobTimeout:  10 * time.Second,
		CancelGrace: time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.worker = New(cfg)
	return h
}

func (h *workerHarness) seedInventory(t *testing.T, cases ...types.TestCase) {
	t.Helper()
	h.inventory.Replace(cases)
}

// waitTerminal consumes bus events until the given job reaches a terminal
// state.
func waitTerminal(t *testing.T, ch <-chan types.Event, jobID uint64) types.Event {
	t.Helper()
	deadline := time.After(15 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.JobID == jobID && ev.New.Terminal() {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for job %d to finish", jobID)
		}
	}
}

func TestWorker_BuildSucceeds(t *testing.T) {
	h := newHarness(t, fakeGo(t, `echo "build ok"`))

	state, result := h.worker.runBuild(context.Background(), types.NewBuildJob(types.AllTests()))
	assert.Equal(t, types.JobStateCompleted, state)
	assert.Contains(t, result.Output, "build ok")
	assert.Zero(t, result.ExitCode)
}

func TestWorker_BuildFailureCarriesExitCode(t *testing.T) {
	h := newHarness(t, fakeGo(t, `echo "pkg/a.go:3:1: syntax error" >&2
exit 2`))

	state, result := h.worker.runBuild(context.Background(), types.NewBuildJob(types.AllTests()))
	assert.Equal(t, types.JobStateFailed, state)
	assert.Equal(t, 2, result.ExitCode)
	assert.Equal(t, "build failed with exit code 2", result.Reason)
	assert.Contains(t, result.Output, "syntax error")
}

func TestWorker_BuildSpawnFailure(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "does-not-exist"))

	state, result := h.worker.runBuild(context.Background(), types.NewBuildJob(types.AllTests()))
	assert.Equal(t, types.JobStateFailed, state)
	assert.Contains(t, result.Reason, "spawn failed")
}

const testRunScript = `cat <<'EOF'
{"Action":"run","Package":"example.com/demo/pkg","Test":"TestPass"}
{"Action":"output","Package":"example.com/demo/pkg","Test":"TestPass","Output":"=== RUN   TestPass\n"}
{"Action":"pass","Package":"example.com/demo/pkg","Test":"TestPass","Elapsed":0.1}
{"Action":"run","Package":"example.com/demo/pkg","Test":"TestFail"}
{"Action":"output","Package":"example.com/demo/pkg","Test":"TestFail","Output":"assertion failed\n"}
{"Action":"fail","Package":"example.com/demo/pkg","Test":"TestFail","Elapsed":0.2}
EOF
exit 1`

func TestWorker_TestRunRecordsOutcomes(t *testing.T) {
	h := newHarness(t, fakeGo(t, testRunScript))
	h.seedInventory(t,
		types.TestCase{ID: "example.com/demo/pkg.TestPass", Name: "TestPass", Module: "example.com/demo/pkg", Status: types.TestStatusNotRun},
		types.TestCase{ID: "example.com/demo/pkg.TestFail", Name: "TestFail", Module: "example.com/demo/pkg", Status: types.TestStatusNotRun},
	)

	state, result, deltas := h.worker.runTest(context.Background(), types.NewTestJob(types.AllTests()))
	assert.Equal(t, types.JobStateFailed, state)
	assert.Equal(t, "tests failed", result.Reason)
	assert.Equal(t, 1, result.ExitCode)
	assert.NotEmpty(t, result.RunID)

	require.Len(t, deltas, 2)
	assert.Equal(t, types.TestDelta{
		ID: "example.com/demo/pkg.TestPass", Old: types.TestStatusNotRun,
		New: types.TestStatusPassed, Duration: 100 * time.Millisecond,
	}, deltas[0])
	assert.Equal(t, types.TestStatusFailed, deltas[1].New)

	failed, ok := h.inventory.Get("example.com/demo/pkg.TestFail")
	require.True(t, ok)
	assert.Equal(t, types.TestStatusFailed, failed.Status)
	assert.Contains(t, failed.Output, "assertion failed")
}

func TestWorker_TestRunDropsUnknownTests(t *testing.T) {
	h := newHarness(t, fakeGo(t, testRunScript))
	// Only one of the two reported tests is known.
	h.seedInventory(t,
		types.TestCase{ID: "example.com/demo/pkg.TestPass", Name: "TestPass", Module: "example.com/demo/pkg", Status: types.TestStatusNotRun},
	)

	_, _, deltas := h.worker.runTest(context.Background(), types.NewTestJob(types.AllTests()))
	require.Len(t, deltas, 1)
	assert.Equal(t, types.TestID("example.com/demo/pkg.TestPass"), deltas[0].ID)
}

func TestWorker_GreenRunClearsDirtyScope(t *testing.T) {
	h := newHarness(t, fakeGo(t, `cat <<'EOF'
{"Action":"run","Package":"example.com/demo/pkg","Test":"TestPass"}
{"Action":"pass","Package":"example.com/demo/pkg","Test":"TestPass","Elapsed":0.1}
EOF
exit 0`))
	h.seedInventory(t,
		types.TestCase{ID: "example.com/demo/pkg.TestPass", Name: "TestPass", Module: "example.com/demo/pkg", Status: types.TestStatusNotRun},
	)

	state, result, deltas := h.worker.runTest(context.Background(), types.NewTestJob(types.AllTests()))
	assert.Equal(t, types.JobStateCompleted, state)
	assert.Empty(t, result.Reason)
	assert.NotEmpty(t, result.RunID)
	require.Len(t, deltas, 1)

	// A rerun that confirms the status still produces a delta.
	_, _, deltas = h.worker.runTest(context.Background(), types.NewTestJob(types.AllTests()))
	require.Len(t, deltas, 1)
	assert.Equal(t, types.TestStatusPassed, deltas[0].Old)
	assert.Equal(t, types.TestStatusPassed, deltas[0].New)
}

func TestWorker_TestTimeoutMarksUnfinished(t *testing.T) {
	h := newHarness(t, fakeGo(t, `cat <<'EOF'
{"Action":"run","Package":"example.com/demo/pkg","Test":"TestSlow"}
{"Action":"output","Package":"example.com/demo/pkg","Test":"TestSlow","Output":"still going\n"}
EOF
exec sleep 30`), func(cfg *Config) {
		cfg.JobTimeout = 500 * time.Millisecond
	})
	h.seedInventory(t,
		types.TestCase{ID: "example.com/demo/pkg.TestSlow", Name: "TestSlow", Module: "example.com/demo/pkg", Status: types.TestStatusNotRun},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	state, result, deltas := h.worker.runTest(ctx, types.NewTestJob(types.AllTests()))
	assert.Equal(t, types.JobStateFailed, state)
	assert.Contains(t, result.Reason, "timed out")

	require.Len(t, deltas, 1)
	assert.Equal(t, types.TestStatusTimedOut, deltas[0].New)

	tc, ok := h.inventory.Get("example.com/demo/pkg.TestSlow")
	require.True(t, ok)
	assert.Equal(t, types.TestStatusTimedOut, tc.Status)
	assert.Contains(t, tc.Output, "still going")
}

func TestWorker_SyncJobAppliesFullSync(t *testing.T) {
	h := newHarness(t, fakeGo(t, `exit 0`))
	require.NoError(t, os.WriteFile(filepath.Join(h.syncer.Root(), "a.go"), []byte("package main\n"), 0o644))

	state, result := h.worker.runSync(context.Background(), types.NewFullSyncJob())
	assert.Equal(t, types.JobStateCompleted, state)
	assert.Contains(t, result.Output, "added:1")

	_, err := os.Stat(filepath.Join(h.syncer.Dir(), "a.go"))
	assert.NoError(t, err)
}

func TestWorker_AnalyzeRefreshesInventory(t *testing.T) {
	h := newHarness(t, fakeGo(t, `exit 0`))

	// Materialize a workspace the analyzer can parse.
	shadow := h.syncer.Dir()
	require.NoError(t, os.MkdirAll(filepath.Join(shadow, "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(shadow, "go.mod"), []byte("module example.com/demo\n\ngo 1.21\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(shadow, "pkg", "a_test.go"),
		[]byte("package pkg\n\nimport \"testing\"\n\nfunc TestA(t *testing.T) {}\n"), 0o644))

	state, result := h.worker.runAnalyze(context.Background(), types.NewAnalyzeJob())
	assert.Equal(t, types.JobStateCompleted, state)
	assert.Contains(t, result.Output, "discovered 1 tests")

	assert.Equal(t, 1, h.inventory.Len())
	assert.True(t, h.tracker.Snapshot().Built)
}

func TestWorker_AnalyzeKeepsInventoryOnDiscoveryFailure(t *testing.T) {
	h := newHarness(t, fakeGo(t, `exit 0`))
	h.seedInventory(t,
		types.TestCase{ID: "m.TestOld", Name: "TestOld", Module: "m", Status: types.TestStatusPassed},
	)

	shadow := h.syncer.Dir()
	require.NoError(t, os.MkdirAll(filepath.Join(shadow, "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(shadow, "go.mod"), []byte("module example.com/demo\n\ngo 1.21\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(shadow, "pkg", "bad_test.go"),
		[]byte("package pkg\n\nfunc TestBroken(t *testing\n"), 0o644))

	state, result := h.worker.runAnalyze(context.Background(), types.NewAnalyzeJob())
	assert.Equal(t, types.JobStateFailed, state)
	assert.Contains(t, result.Reason, "previous test set kept")

	_, ok := h.inventory.Get("m.TestOld")
	assert.True(t, ok, "the stale inventory must survive a failed discovery")
}

func TestWorker_ExecuteLifecycleThroughQueue(t *testing.T) {
	h := newHarness(t, fakeGo(t, `echo ok`))
	ch, unsub := h.bus.Subscribe(32)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.worker.Start(ctx)
	defer h.worker.Stop()
	defer h.queue.Close()

	job := types.NewBuildJob(types.AllTests())
	require.NoError(t, h.queue.Enqueue(job))

	ev := waitTerminal(t, ch, job.ID)
	assert.Equal(t, types.JobStateCompleted, ev.New)

	jobs := h.queue.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, types.JobStateCompleted, jobs[0].State)
	assert.Contains(t, jobs[0].Result.Output, "ok")
}

func TestWorker_ClearCancelsInFlightJob(t *testing.T) {
	h := newHarness(t, fakeGo(t, `exec sleep 30`))
	ch, unsub := h.bus.Subscribe(32)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.worker.Start(ctx)
	defer h.worker.Stop()
	defer h.queue.Close()

	job := types.NewBuildJob(types.AllTests())
	require.NoError(t, h.queue.Enqueue(job))

	// Wait for the job to start, then pull the plug.
	require.Eventually(t, func() bool {
		jobs := h.queue.Jobs()
		return len(jobs) == 1 && jobs[0].State == types.JobStateRunning
	}, 5*time.Second, 10*time.Millisecond)

	h.queue.Clear(true)

	ev := waitTerminal(t, ch, job.ID)
	assert.Equal(t, types.JobStateCancelled, ev.New)
	assert.Equal(t, "cancelled", ev.Reason)
}

func TestWorker_TestInvocations(t *testing.T) {
	h := newHarness(t, fakeGo(t, `exit 0`))
	h.seedInventory(t,
		types.TestCase{ID: "m/a.TestOne", Name: "TestOne", Module: "m/a"},
		types.TestCase{ID: "m/a.TestTwo", Name: "TestTwo", Module: "m/a"},
		types.TestCase{ID: "m/b.TestThree", Name: "TestThree", Module: "m/b"},
	)

	t.Run("all sentinel runs everything", func(t *testing.T) {
		invs := h.worker.testInvocations(types.AllTests())
		require.Len(t, invs, 1)
		assert.Equal(t, []string{"test", "-json", "-count=1", "./..."}, invs[0])
	})

	t.Run("explicit scope groups by module", func(t *testing.T) {
		invs := h.worker.testInvocations(types.NewAffectedSet("m/a.TestTwo", "m/a.TestOne", "m/b.TestThree"))
		require.Len(t, invs, 2)
		assert.Equal(t, []string{"test", "-json", "-count=1", "-run", "^(TestOne|TestTwo)$", "m/a"}, invs[0])
		assert.Equal(t, []string{"test", "-json", "-count=1", "-run", "^(TestThree)$", "m/b"}, invs[1])
	})

	t.Run("unknown id falls back to everything", func(t *testing.T) {
		invs := h.worker.testInvocations(types.NewAffectedSet("m/z.TestGhost"))
		require.Len(t, invs, 1)
		assert.Equal(t, []string{"test", "-json", "-count=1", "./..."}, invs[0])
	})

	t.Run("empty scope falls back to everything", func(t *testing.T) {
		invs := h.worker.testInvocations(types.NewAffectedSet())
		require.Len(t, invs, 1)
		assert.Contains(t, invs[0], "./...")
	})
}

func TestWorker_ScopePackages(t *testing.T) {
	h := newHarness(t, fakeGo(t, `exit 0`))
	h.seedInventory(t,
		types.TestCase{ID: "m/a.TestOne", Name: "TestOne", Module: "m/a"},
		types.TestCase{ID: "m/b.TestTwo", Name: "TestTwo", Module: "m/b"},
	)

	assert.Equal(t, []string{"./..."}, h.worker.scopePackages(types.AllTests()))
	assert.Equal(t, []string{"m/a", "m/b"},
		h.worker.scopePackages(types.NewAffectedSet("m/b.TestTwo", "m/a.TestOne")))
	assert.Equal(t, []string{"./..."}, h.worker.scopePackages(types.NewAffectedSet("m/z.TestGhost")),
		"unknown ids degrade to the full build")
}
