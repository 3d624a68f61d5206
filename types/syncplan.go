package types

import (
	"fmt"
	"sort"
)

// SyncPlan is the minimal diff applied to the shadow workspace: paths added,
// modified or removed relative to the previous synced snapshot set. A path
// appears in exactly one of the three sets.
type SyncPlan struct {
	Added    []string
	Modified []string
	Removed  []string
}

// Empty reports whether the plan contains no work.
func (p *SyncPlan) Empty() bool {
	return len(p.Added) == 0 && len(p.Modified) == 0 && len(p.Removed) == 0
}

// Len is the total number of paths in the plan.
func (p *SyncPlan) Len() int {
	return len(p.Added) + len(p.Modified) + len(p.Removed)
}

// ChangedPaths returns the added and modified paths, the ones whose content
// is new. Removed paths are reported separately because dependency
// invalidation treats them differently.
func (p *SyncPlan) ChangedPaths() []string {
	out := make([]string, 0, len(p.Added)+len(p.Modified))
	out = append(out, p.Added...)
	out = append(out, p.Modified...)
	return out
}

// Normalize sorts the three sets so plans compare and log deterministically.
func (p *SyncPlan) Normalize() {
	sort.Strings(p.Added)
	sort.Strings(p.Modified)
	sort.Strings(p.Removed)
}

func (p *SyncPlan) String() string {
	return fmt.Sprintf("plan{added:%d modified:%d removed:%d}", len(p.Added), len(p.Modified), len(p.Removed))
}
