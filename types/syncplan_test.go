package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSyncPlanEmpty(t *testing.T) {
	var plan SyncPlan
	assert.True(t, plan.Empty())
	assert.Equal(t, 0, plan.Len())

	plan.Removed = append(plan.Removed, "gone.go")
	assert.False(t, plan.Empty())
	assert.Equal(t, 1, plan.Len())
}

func TestSyncPlanChangedPaths(t *testing.T) {
	plan := SyncPlan{
		Added:    []string{"new.go"},
		Modified: []string{"edited.go", "other.go"},
		Removed:  []string{"gone.go"},
	}
	changed := plan.ChangedPaths()
	assert.Equal(t, []string{"new.go", "edited.go", "other.go"}, changed,
		"removed paths have no content to copy")
}

func TestSyncPlanNormalize(t *testing.T) {
	plan := SyncPlan{
		Added:    []string{"b.go", "a.go"},
		Modified: []string{"z.go", "m.go"},
		Removed:  []string{"y.go", "x.go"},
	}
	plan.Normalize()
	assert.Equal(t, []string{"a.go", "b.go"}, plan.Added)
	assert.Equal(t, []string{"m.go", "z.go"}, plan.Modified)
	assert.Equal(t, []string{"x.go", "y.go"}, plan.Removed)
}

func TestSyncPlanString(t *testing.T) {
	plan := SyncPlan{Added: []string{"a.go"}, Removed: []string{"b.go", "c.go"}}
	assert.Equal(t, "plan{added:1 modified:0 removed:2}", plan.String())
}
