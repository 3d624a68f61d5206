package depgraph

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-retest/types"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

// demoTree is a module with three packages: a imports b, c stands alone.
func demoTree(t *testing.T) string {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"go.mod":   "module example.com/demo\n\ngo 1.21\n",
		"a/a.go":   "package a\n\nimport _ \"example.com/demo/b\"\n",
		"b/b.go":   "package b\n",
		"c/c.go":   "package c\n",
		"d/ok.go":  "package d\n",
		"d/bad.go": "package d\n\nfunc {broken\n",
	})
	return root
}

func demoCases() []types.TestCase {
	return []types.TestCase{
		{ID: "example.com/demo/a.TestA", Name: "TestA", Module: "example.com/demo/a"},
		{ID: "example.com/demo/b.TestB", Name: "TestB", Module: "example.com/demo/b"},
		{ID: "example.com/demo/c.TestC", Name: "TestC", Module: "example.com/demo/c"},
		{ID: "example.com/demo/d.TestD", Name: "TestD", Module: "example.com/demo/d"},
	}
}

func builtTracker(t *testing.T, root string) *Tracker {
	t.Helper()
	tr := New(log.New())
	require.NoError(t, tr.Rebuild(context.Background(), root))
	tr.Bind(demoCases())
	return tr
}

func TestTracker_UnbuiltFallsBackToAllTests(t *testing.T) {
	tr := New(log.New())

	affected, err := tr.MarkDirty(types.SyncPlan{Modified: []string{"a/a.go"}})
	require.Error(t, err)
	assert.True(t, affected.All)
	assert.True(t, IsGraphError(err))
}

func TestTracker_RebuildSnapshot(t *testing.T) {
	tr := builtTracker(t, demoTree(t))

	info := tr.Snapshot()
	assert.True(t, info.Built)
	assert.False(t, info.Cycle)
	assert.Equal(t, 4, info.Packages)
	assert.Equal(t, 5, info.Files, "the broken file still counts toward d")
	assert.Zero(t, info.Dirty)
}

func TestTracker_ChangePropagatesToImporters(t *testing.T) {
	tr := builtTracker(t, demoTree(t))

	affected, err := tr.MarkDirty(types.SyncPlan{Modified: []string{"b/b.go"}})
	require.NoError(t, err)
	require.False(t, affected.All)
	assert.True(t, affected.Contains("example.com/demo/a.TestA"), "a imports b")
	assert.True(t, affected.Contains("example.com/demo/b.TestB"))
	assert.False(t, affected.Contains("example.com/demo/c.TestC"), "c does not depend on b")
}

func TestTracker_LeafChangeStaysLocal(t *testing.T) {
	tr := builtTracker(t, demoTree(t))

	affected, err := tr.MarkDirty(types.SyncPlan{Modified: []string{"a/a.go"}})
	require.NoError(t, err)
	require.False(t, affected.All)
	assert.True(t, affected.Contains("example.com/demo/a.TestA"))
	assert.False(t, affected.Contains("example.com/demo/b.TestB"), "nothing imports a")
}

func TestTracker_WildcardPackageDirtiesOnAnyChange(t *testing.T) {
	tr := builtTracker(t, demoTree(t))

	// d holds an unparsable file, so its edges are unknown and any change
	// must include it.
	affected, err := tr.MarkDirty(types.SyncPlan{Modified: []string{"c/c.go"}})
	require.NoError(t, err)
	require.False(t, affected.All)
	assert.True(t, affected.Contains("example.com/demo/c.TestC"))
	assert.True(t, affected.Contains("example.com/demo/d.TestD"))
}

func TestTracker_ModuleMetadataChangeMeansAllTests(t *testing.T) {
	tr := builtTracker(t, demoTree(t))

	affected, err := tr.MarkDirty(types.SyncPlan{Modified: []string{"go.mod"}})
	require.Error(t, err)
	assert.True(t, affected.All)

	// The conservative flag sticks until cleared.
	assert.True(t, tr.Affected().All)
	tr.ClearDirty(types.AllTests())
	assert.True(t, tr.Affected().Empty())
}

func TestTracker_UnknownPathMeansAllTests(t *testing.T) {
	tr := builtTracker(t, demoTree(t))

	affected, err := tr.MarkDirty(types.SyncPlan{Added: []string{"nowhere/new.go"}})
	require.Error(t, err)
	assert.True(t, affected.All)
}

func TestTracker_NewFileInKnownPackage(t *testing.T) {
	tr := builtTracker(t, demoTree(t))

	affected, err := tr.MarkDirty(types.SyncPlan{Added: []string{"b/extra.go"}})
	require.NoError(t, err)
	require.False(t, affected.All)
	assert.True(t, affected.Contains("example.com/demo/b.TestB"))
	assert.True(t, affected.Contains("example.com/demo/a.TestA"), "importers of the package are affected too")
}

func TestTracker_RemovedFileInvalidatesDependents(t *testing.T) {
	tr := builtTracker(t, demoTree(t))

	affected, err := tr.MarkDirty(types.SyncPlan{Removed: []string{"b/b.go"}})
	require.NoError(t, err)
	require.False(t, affected.All)
	assert.True(t, affected.Contains("example.com/demo/b.TestB"))
	assert.True(t, affected.Contains("example.com/demo/a.TestA"))

	info := tr.Snapshot()
	assert.Equal(t, 4, info.Files, "the removed file's node is gone")
}

func TestTracker_DirtyAccumulatesAcrossBatches(t *testing.T) {
	tr := builtTracker(t, demoTree(t))

	_, err := tr.MarkDirty(types.SyncPlan{Modified: []string{"c/c.go"}})
	require.NoError(t, err)
	affected, err := tr.MarkDirty(types.SyncPlan{Modified: []string{"a/a.go"}})
	require.NoError(t, err)

	assert.True(t, affected.Contains("example.com/demo/a.TestA"))
	assert.True(t, affected.Contains("example.com/demo/c.TestC"), "earlier dirt stays until cleared")
}

func TestTracker_ClearDirtyPartialScope(t *testing.T) {
	tr := builtTracker(t, demoTree(t))

	_, err := tr.MarkDirty(types.SyncPlan{Modified: []string{"b/b.go"}})
	require.NoError(t, err)

	// Only b's tests ran; a stays dirty.
	tr.ClearDirty(types.NewAffectedSet("example.com/demo/b.TestB"))
	affected := tr.Affected()
	assert.False(t, affected.Contains("example.com/demo/b.TestB"))
	assert.True(t, affected.Contains("example.com/demo/a.TestA"))
}

func TestTracker_ImportCycleDegradesToAllTests(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"go.mod": "module example.com/loop\n\ngo 1.21\n",
		"x/x.go": "package x\n\nimport _ \"example.com/loop/y\"\n",
		"y/y.go": "package y\n\nimport _ \"example.com/loop/x\"\n",
	})

	tr := New(log.New())
	require.NoError(t, tr.Rebuild(context.Background(), root), "a cycle degrades queries, it does not fail the rebuild")
	assert.True(t, tr.Snapshot().Cycle)

	affected, err := tr.MarkDirty(types.SyncPlan{Modified: []string{"x/x.go"}})
	require.Error(t, err)
	assert.True(t, affected.All)
}

func TestTracker_RebuildKeepsSurvivingDirt(t *testing.T) {
	root := demoTree(t)
	tr := builtTracker(t, root)

	_, err := tr.MarkDirty(types.SyncPlan{Modified: []string{"b/b.go"}})
	require.NoError(t, err)

	require.NoError(t, tr.Rebuild(context.Background(), root))
	tr.Bind(demoCases())

	affected := tr.Affected()
	assert.True(t, affected.Contains("example.com/demo/b.TestB"), "dirt survives a rebuild while its node exists")
}

func TestTracker_MissingGoMod(t *testing.T) {
	tr := New(log.New())
	err := tr.Rebuild(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.True(t, IsGraphError(err))

	// After a failed rebuild everything is conservative again.
	affected, _ := tr.MarkDirty(types.SyncPlan{Modified: []string{"a/a.go"}})
	assert.True(t, affected.All)
}
