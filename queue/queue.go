// Package queue is the ordered, pausable, clearable sequence of jobs at
// the center of the pipeline. It is the single shared-mutable structure:
// the watcher-side enqueue path and the worker-side dequeue path both go
// through its operations and nothing else.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-retest/events"
	"github.com/ethereum-optimism/infra/op-retest/metrics"
	"github.com/ethereum-optimism/infra/op-retest/types"
)

// Config configures a Queue.
type Config struct {
	Log log.Logger
	Bus *events.Bus
}

// Queue owns its jobs exclusively. Jobs are dequeued in FIFO order subject
// to two constraints: a Test job waits for the most recent Sync/Build job
// covering its scope to complete, and a Sync job runs alone because it is
// the only writer of the shadow workspace.
type Queue struct {
	log log.Logger
	bus *events.Bus

	mu           sync.Mutex
	cond         *sync.Cond
	pending      []*types.Job
	all          []*types.Job
	running      map[uint64]*types.Job
	cancels      map[uint64]context.CancelFunc
	cancelWanted map[uint64]struct{}
	paused       bool
	closed       bool
	nextID       uint64
}

// New creates an empty, unpaused queue.
func New(cfg Config) *Queue {
	if cfg.Log == nil {
		cfg.Log = log.Root()
	}
	q := &Queue{
		log:          cfg.Log,
		bus:          cfg.Bus,
		running:      make(map[uint64]*types.Job),
		cancels:      make(map[uint64]context.CancelFunc),
		cancelWanted: make(map[uint64]struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue assigns the job its ID and appends it. IDs are unique and
// monotonically increasing in enqueue order.
func (q *Queue) Enqueue(job *types.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return NewQueueError("enqueue")
	}

	q.nextID++
	job.ID = q.nextID
	job.State = types.JobStateQueued
	if job.Created.IsZero() {
		job.Created = time.Now()
	}
	q.pending = append(q.pending, job)
	q.all = append(q.all, job)

	q.log.Debug("Job enqueued", "job", job.ID, "kind", job.Kind, "scope", job.Scope.String())
	q.publishLocked(job, "", types.JobStateQueued, "", nil)
	metrics.RecordJobQueued(string(job.Kind))
	metrics.RecordQueueDepth(len(q.pending))

	q.cond.Broadcast()
	return nil
}

// Dequeue blocks until a job is eligible, transitions it to Running and
// returns it. It returns a QueueError once the queue closes, or the
// context error on cancellation.
func (q *Queue) Dequeue(ctx context.Context) (*types.Job, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.closed {
			return nil, NewQueueError("dequeue")
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if job := q.nextEligibleLocked(); job != nil {
			q.transitionLocked(job, types.JobStateRunning, "", nil)
			q.running[job.ID] = job
			metrics.RecordQueueDepth(len(q.pending))
			return job, nil
		}
		q.cond.Wait()
	}
}

// AttachCancel registers the cancellation hook for a running job. When a
// Clear(cancelRunning) raced ahead of the registration the hook fires
// immediately.
func (q *Queue) AttachCancel(jobID uint64, cancel context.CancelFunc) {
	q.mu.Lock()
	_, wanted := q.cancelWanted[jobID]
	if wanted {
		delete(q.cancelWanted, jobID)
	} else {
		q.cancels[jobID] = cancel
	}
	q.mu.Unlock()

	if wanted {
		cancel()
	}
}

// Finish records a running job's terminal state and result, emits the
// transition and wakes dequeue waiters, since a completed Sync/Build may
// unblock dependent Test jobs.
func (q *Queue) Finish(job *types.Job, state types.JobState, result types.JobResult, deltas []types.TestDelta) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job.Result = result
	q.transitionLocked(job, state, result.Reason, deltas)
	delete(q.running, job.ID)
	delete(q.cancels, job.ID)
	delete(q.cancelWanted, job.ID)
	metrics.RecordJobDuration(string(job.Kind), string(state), job.Duration())

	q.cond.Broadcast()
}

// Pause stops jobs from leaving Queued. The running job, if any, finishes
// or is cancelled explicitly.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused {
		return
	}
	q.paused = true
	metrics.RecordQueuePaused(true)
	q.log.Info("Queue paused", "pending", len(q.pending))
}

// Resume lifts a pause.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.paused {
		return
	}
	q.paused = false
	metrics.RecordQueuePaused(false)
	q.log.Info("Queue resumed", "pending", len(q.pending))
	q.cond.Broadcast()
}

// Paused reports the pause flag.
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Clear cancels every queued job and, when cancelRunning is set, signals
// cancellation to the running jobs. It returns how many queued jobs were
// removed. Cleared jobs are never silently dropped: each transitions to
// Cancelled with its reason on the event stream.
func (q *Queue) Clear(cancelRunning bool) int {
	q.mu.Lock()

	removed := len(q.pending)
	for _, job := range q.pending {
		q.transitionLocked(job, types.JobStateCancelled, "queue cleared", nil)
	}
	q.pending = nil
	metrics.RecordQueueDepth(0)

	var cancels []context.CancelFunc
	if cancelRunning {
		for id := range q.running {
			if cancel, ok := q.cancels[id]; ok {
				cancels = append(cancels, cancel)
				delete(q.cancels, id)
			} else {
				q.cancelWanted[id] = struct{}{}
			}
		}
	}
	q.log.Info("Queue cleared", "removed", removed, "cancel_running", cancelRunning)
	q.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return removed
}

// Close tears the queue down. Blocked and future operations return
// QueueError.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}

// Depth is the number of queued jobs.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Jobs returns copies of every job the queue has seen, in ID order.
// Observer use only; the copies share no queue state.
func (q *Queue) Jobs() []types.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]types.Job, len(q.all))
	for i, job := range q.all {
		out[i] = *job
	}
	return out
}

// nextEligibleLocked scans pending in FIFO order, cancelling Test jobs
// whose prerequisite failed and returning the first job allowed to run.
func (q *Queue) nextEligibleLocked() *types.Job {
	if q.paused || len(q.pending) == 0 {
		return nil
	}

	syncRunning := false
	for _, j := range q.running {
		if j.Kind == types.JobKindSync {
			syncRunning = true
			break
		}
	}

	for i := 0; i < len(q.pending); {
		job := q.pending[i]

		if job.Kind == types.JobKindTest {
			if prereq := q.prereqLocked(job); prereq != nil {
				switch prereq.State {
				case types.JobStateFailed, types.JobStateCancelled:
					q.pending = append(q.pending[:i], q.pending[i+1:]...)
					q.log.Info("Cancelling test job, prerequisite failed",
						"job", job.ID, "prerequisite", prereq.ID)
					q.transitionLocked(job, types.JobStateCancelled, "prerequisite failed", nil)
					continue
				case types.JobStateQueued, types.JobStateRunning:
					i++
					continue
				case types.JobStateCompleted:
					// Prerequisite satisfied.
				}
			}
		}

		// A Sync job is the shadow workspace's only writer: it runs
		// alone, and nothing starts beside it.
		if syncRunning {
			i++
			continue
		}
		if job.Kind == types.JobKindSync && len(q.running) > 0 {
			i++
			continue
		}

		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		return job
	}
	return nil
}

// prereqLocked finds the most recent Sync or Build job whose scope covers
// the test job's scope, nil when none exists.
func (q *Queue) prereqLocked(job *types.Job) *types.Job {
	for i := len(q.all) - 1; i >= 0; i-- {
		candidate := q.all[i]
		if candidate.ID == job.ID {
			continue
		}
		if candidate.Kind != types.JobKindSync && candidate.Kind != types.JobKindBuild {
			continue
		}
		if candidate.Scope.Covers(job.Scope) {
			return candidate
		}
	}
	return nil
}

// transitionLocked applies a state change, stamps timestamps and emits the
// event. Invalid transitions are a programming error and refused loudly.
func (q *Queue) transitionLocked(job *types.Job, to types.JobState, reason string, deltas []types.TestDelta) {
	from := job.State
	if !types.ValidTransition(from, to) {
		q.log.Error("Refusing invalid job transition", "job", job.ID, "from", from, "to", to)
		return
	}
	job.State = to
	now := time.Now()
	switch {
	case to == types.JobStateRunning:
		job.Started = now
	case to.Terminal():
		job.Finished = now
		if reason != "" && job.Result.Reason == "" {
			job.Result.Reason = reason
		}
	}
	q.publishLocked(job, from, to, reason, deltas)
	metrics.RecordJobTransition(string(job.Kind), string(to))
}

func (q *Queue) publishLocked(job *types.Job, from, to types.JobState, reason string, deltas []types.TestDelta) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(types.Event{
		JobID:   job.ID,
		JobKind: job.Kind,
		Old:     from,
		New:     to,
		Time:    time.Now(),
		Reason:  reason,
		RunID:   job.Result.RunID,
		Deltas:  deltas,
	})
}
