package types

import (
	"fmt"
	"sort"
)

// AffectedSet is the set of test cases whose result could change given a
// set of modified files. The All sentinel means "every test": it is returned
// when the dependency graph is unavailable or unreliable, privileging
// correctness over minimality.
type AffectedSet struct {
	All   bool
	Tests map[TestID]struct{}
}

// AllTests returns the sentinel set covering every test.
func AllTests() AffectedSet {
	return AffectedSet{All: true}
}

// NewAffectedSet builds a set from explicit test IDs.
func NewAffectedSet(ids ...TestID) AffectedSet {
	s := AffectedSet{Tests: make(map[TestID]struct{}, len(ids))}
	for _, id := range ids {
		s.Tests[id] = struct{}{}
	}
	return s
}

// Add inserts a test ID. No-op on the All sentinel.
func (s *AffectedSet) Add(id TestID) {
	if s.All {
		return
	}
	if s.Tests == nil {
		s.Tests = make(map[TestID]struct{})
	}
	s.Tests[id] = struct{}{}
}

// Contains reports whether the set covers the given test.
func (s AffectedSet) Contains(id TestID) bool {
	if s.All {
		return true
	}
	_, ok := s.Tests[id]
	return ok
}

// Covers reports whether s is a superset of other. The All sentinel covers
// everything; nothing short of All covers the All sentinel.
func (s AffectedSet) Covers(other AffectedSet) bool {
	if s.All {
		return true
	}
	if other.All {
		return false
	}
	for id := range other.Tests {
		if _, ok := s.Tests[id]; !ok {
			return false
		}
	}
	return true
}

// Union merges other into s, collapsing to All when either side is All.
func (s AffectedSet) Union(other AffectedSet) AffectedSet {
	if s.All || other.All {
		return AllTests()
	}
	out := AffectedSet{Tests: make(map[TestID]struct{}, len(s.Tests)+len(other.Tests))}
	for id := range s.Tests {
		out.Tests[id] = struct{}{}
	}
	for id := range other.Tests {
		out.Tests[id] = struct{}{}
	}
	return out
}

// Len is the number of explicit tests; zero for the All sentinel, which has
// no finite size.
func (s AffectedSet) Len() int {
	return len(s.Tests)
}

// Empty reports a set that covers nothing at all.
func (s AffectedSet) Empty() bool {
	return !s.All && len(s.Tests) == 0
}

// IDs returns the explicit test IDs in sorted order, nil for the sentinel.
func (s AffectedSet) IDs() []TestID {
	if s.All {
		return nil
	}
	ids := make([]TestID, 0, len(s.Tests))
	for id := range s.Tests {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s AffectedSet) String() string {
	if s.All {
		return "all tests"
	}
	return fmt.Sprintf("%d tests", len(s.Tests))
}
