package types

import (
	"fmt"
	"time"
)

// TestStatus represents the possible states of a test case
type TestStatus string

const (
	TestStatusNotRun   TestStatus = "not_run"
	TestStatusPassed   TestStatus = "passed"
	TestStatusFailed   TestStatus = "failed"
	TestStatusIgnored  TestStatus = "ignored"
	TestStatusTimedOut TestStatus = "timed_out"
)

// Hierarchy classifies how a test case groups when presented: under its
// module, under its source file, or flat.
type Hierarchy string

const (
	HierarchyModule Hierarchy = "module"
	HierarchyFile   Hierarchy = "file"
	HierarchyFlat   Hierarchy = "flat"
)

// TestID uniquely identifies a test case as "<package import path>.<func>".
type TestID string

// MakeTestID builds the canonical test identifier.
func MakeTestID(module, name string) TestID {
	return TestID(module + "." + name)
}

// TestCase is one discovered test with its source location and the outcome
// of its most recent run.
type TestCase struct {
	ID        TestID
	Name      string // Bare function name, e.g. TestQueuePause
	Module    string // Package import path
	File      string // Source file relative to the workspace root
	Line      int
	Hierarchy Hierarchy
	Status    TestStatus
	Output    string // Captured stdout/log text from the last run
	Duration  time.Duration
}

func (tc *TestCase) String() string {
	return fmt.Sprintf("%s (%s:%d, %s)", tc.ID, tc.File, tc.Line, tc.Status)
}

// ClassifyHierarchy picks the grouping for a test given what location
// information discovery could resolve.
func ClassifyHierarchy(module, file string) Hierarchy {
	switch {
	case module != "":
		return HierarchyModule
	case file != "":
		return HierarchyFile
	default:
		return HierarchyFlat
	}
}
