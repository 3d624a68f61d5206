package types

import "time"

// TestDelta is one per-test outcome carried on a Test job's completion
// event. Old and New are equal when a rerun confirmed the prior status.
type TestDelta struct {
	ID       TestID
	Old      TestStatus
	New      TestStatus
	Duration time.Duration
}

// Event is one job state transition, delivered in order to every event bus
// subscriber. Reason carries the failure or cancellation reason for
// terminal transitions; Deltas carries per-test outcomes for Test jobs.
type Event struct {
	JobID   uint64
	JobKind JobKind
	Old     JobState
	New     JobState
	Time    time.Time
	Reason  string
	RunID   string // Test run identifier for Test job transitions
	Deltas  []TestDelta
}
