package types

import (
	"fmt"
	"time"
)

// JobKind identifies the work a job performs. The set is closed; every
// switch over JobKind must handle all four values.
type JobKind string

const (
	JobKindSync    JobKind = "sync"
	JobKindBuild   JobKind = "build"
	JobKindAnalyze JobKind = "analyze"
	JobKindTest    JobKind = "test"
)

// JobState tracks a job through its lifecycle. Legal transitions:
// Queued -> Running -> {Completed, Failed, Cancelled}, plus the direct
// Queued -> Cancelled used when a queue is cleared or a prerequisite failed.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateCancelled:
		return true
	case JobStateQueued, JobStateRunning:
		return false
	default:
		return false
	}
}

// ValidTransition reports whether a job may move from one state to another.
func ValidTransition(from, to JobState) bool {
	switch from {
	case JobStateQueued:
		return to == JobStateRunning || to == JobStateCancelled
	case JobStateRunning:
		return to.Terminal()
	case JobStateCompleted, JobStateFailed, JobStateCancelled:
		return false
	default:
		return false
	}
}

// JobResult captures the outcome of an executed job.
type JobResult struct {
	ExitCode int    // Exit status of the spawned process, 0 when none ran
	Output   string // Captured stdout/stderr
	Reason   string // Failure or cancellation reason, empty on success
	RunID    string // Test run identifier, set by Test jobs only
}

// Job is a unit of queued work. The queue assigns IDs on enqueue, unique
// and monotonically increasing per queue. Scope is the affected set the
// job covers; Plan carries the file diff for Sync jobs. A Sync job with a
// nil Plan performs a full sync; with Reset set it deletes and recreates
// the workspace first.
type Job struct {
	ID       uint64
	Kind     JobKind
	Scope    AffectedSet
	Plan     *SyncPlan
	Reset    bool
	State    JobState
	Created  time.Time
	Started  time.Time
	Finished time.Time
	Result   JobResult
}

// NewSyncJob creates a job that applies a computed sync plan to the shadow
// workspace. Its scope is the affected set derived from that plan, so later
// Test jobs can match it as their prerequisite.
func NewSyncJob(plan *SyncPlan, scope AffectedSet) *Job {
	return &Job{
		Kind:    JobKindSync,
		Scope:   scope,
		Plan:    plan,
		State:   JobStateQueued,
		Created: time.Now(),
	}
}

// NewFullSyncJob creates a job that walks the whole tree and applies the
// difference.
func NewFullSyncJob() *Job {
	return &Job{
		Kind:    JobKindSync,
		Scope:   AllTests(),
		State:   JobStateQueued,
		Created: time.Now(),
	}
}

// NewResetJob creates the explicit "start again" job: delete the
// destination, recreate it and resync everything.
func NewResetJob() *Job {
	return &Job{
		Kind:    JobKindSync,
		Scope:   AllTests(),
		Reset:   true,
		State:   JobStateQueued,
		Created: time.Now(),
	}
}

// NewBuildJob creates a job that builds the packages covered by scope.
func NewBuildJob(scope AffectedSet) *Job {
	return &Job{
		Kind:    JobKindBuild,
		Scope:   scope,
		State:   JobStateQueued,
		Created: time.Now(),
	}
}

// NewAnalyzeJob creates a job that rebuilds the dependency graph and
// rediscovers tests from the shadow workspace.
func NewAnalyzeJob() *Job {
	return &Job{
		Kind:    JobKindAnalyze,
		Scope:   AllTests(),
		State:   JobStateQueued,
		Created: time.Now(),
	}
}

// NewTestJob creates a job that runs the tests covered by scope.
func NewTestJob(scope AffectedSet) *Job {
	return &Job{
		Kind:    JobKindTest,
		Scope:   scope,
		State:   JobStateQueued,
		Created: time.Now(),
	}
}

// Err returns the job's outcome as a typed JobError, nil unless the job
// failed or was cancelled.
func (j *Job) Err() error {
	if j.State != JobStateFailed && j.State != JobStateCancelled {
		return nil
	}
	reason := j.Result.Reason
	if reason == "" {
		reason = string(j.State)
	}
	return &JobError{JobID: j.ID, Kind: j.Kind, Reason: reason}
}

// Duration returns how long the job ran, zero until it has both started
// and finished.
func (j *Job) Duration() time.Duration {
	if j.Started.IsZero() || j.Finished.IsZero() {
		return 0
	}
	return j.Finished.Sub(j.Started)
}

func (j *Job) String() string {
	return fmt.Sprintf("job %d (%s, %s)", j.ID, j.Kind, j.State)
}

// JobError records a job-level failure: spawn failure, non-zero exit,
// timeout or cancellation. It is recorded on the job result; the queue
// proceeds to the next eligible job.
type JobError struct {
	JobID  uint64
	Kind   JobKind
	Reason string
	Err    error
}

func (e *JobError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("job %d (%s): %s: %v", e.JobID, e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("job %d (%s): %s", e.JobID, e.Kind, e.Reason)
}

func (e *JobError) Unwrap() error {
	return e.Err
}
