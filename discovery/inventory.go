package discovery

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ethereum-optimism/infra/op-retest/types"
)

// Filter narrows an inventory listing. Zero value matches everything;
// populated fields compose conjunctively.
type Filter struct {
	// Name matches case identifiers and bare names: interpreted as a
	// regular expression when it compiles, as a substring otherwise.
	Name string
	// Statuses keeps only cases in one of the given states.
	Statuses []types.TestStatus
	// Module keeps only cases whose module has this prefix.
	Module string
}

// Match reports whether a case passes every populated criterion.
func (f Filter) Match(tc *types.TestCase) bool {
	if f.Name != "" && !matchName(f.Name, tc) {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if tc.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Module != "" && !strings.HasPrefix(tc.Module, f.Module) {
		return false
	}
	return true
}

func matchName(pattern string, tc *types.TestCase) bool {
	if re, err := regexp.Compile(pattern); err == nil {
		return re.MatchString(tc.Name) || re.MatchString(string(tc.ID))
	}
	return strings.Contains(tc.Name, pattern) || strings.Contains(string(tc.ID), pattern)
}

// Inventory is the current test case set with the latest known result per
// case. Discovery replaces its membership; workers update statuses; every
// consumer reads copies.
type Inventory struct {
	mu    sync.RWMutex
	cases map[types.TestID]*types.TestCase
	order []types.TestID
}

// NewInventory creates an empty inventory.
func NewInventory() *Inventory {
	return &Inventory{cases: make(map[types.TestID]*types.TestCase)}
}

// Replace swaps the membership in, preserving the last run's status,
// output and duration of every case still present. New cases start NotRun;
// vanished cases are dropped. Returns how many were added and removed.
func (inv *Inventory) Replace(cases []types.TestCase) (added, removed int) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	next := make(map[types.TestID]*types.TestCase, len(cases))
	order := make([]types.TestID, 0, len(cases))
	for _, tc := range cases {
		tc := tc
		if prev, ok := inv.cases[tc.ID]; ok {
			tc.Status = prev.Status
			tc.Output = prev.Output
			tc.Duration = prev.Duration
		} else {
			added++
		}
		next[tc.ID] = &tc
		order = append(order, tc.ID)
	}
	for id := range inv.cases {
		if _, ok := next[id]; !ok {
			removed++
		}
	}
	inv.cases = next
	inv.order = order
	return added, removed
}

// Update records a run result for one case, returning false when the case
// is unknown.
func (inv *Inventory) Update(id types.TestID, status types.TestStatus, output string, duration time.Duration) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	tc, ok := inv.cases[id]
	if !ok {
		return false
	}
	tc.Status = status
	tc.Output = output
	tc.Duration = duration
	return true
}

// Get returns a copy of one case.
func (inv *Inventory) Get(id types.TestID) (types.TestCase, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	tc, ok := inv.cases[id]
	if !ok {
		return types.TestCase{}, false
	}
	return *tc, true
}

// List returns copies of the cases passing the filter, in discovery order.
func (inv *Inventory) List(f Filter) []types.TestCase {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	out := make([]types.TestCase, 0, len(inv.order))
	for _, id := range inv.order {
		tc := inv.cases[id]
		if f.Match(tc) {
			out = append(out, *tc)
		}
	}
	return out
}

// Snapshot returns copies of every case in discovery order.
func (inv *Inventory) Snapshot() []types.TestCase {
	return inv.List(Filter{})
}

// Len is the number of cases.
func (inv *Inventory) Len() int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return len(inv.cases)
}

// Counts tallies cases per status.
func (inv *Inventory) Counts() map[types.TestStatus]int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	out := make(map[types.TestStatus]int)
	for _, tc := range inv.cases {
		out[tc.Status]++
	}
	return out
}
