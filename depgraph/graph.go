// Package depgraph maintains the module/file dependency graph and computes
// which tests a set of changed files can affect. The computation never
// under-reports: whenever the graph cannot give a reliable answer it falls
// back to the all-tests sentinel, privileging correctness over minimality.
package depgraph

import (
	"context"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/mod/modfile"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/ethereum-optimism/infra/op-retest/types"
)

const (
	pkgPrefix  = "pkg:"
	filePrefix = "file:"

	// dirtyAll marks the whole graph dirty after a conservative
	// fallback; it stays until a successful pass clears it.
	dirtyAll = "*"
)

// GraphInfo is a query-only snapshot of the graph's shape.
type GraphInfo struct {
	Built    bool
	Cycle    bool
	Packages int
	Files    int
	Edges    int
	Dirty    int
}

// Tracker owns the dependency graph. All access goes through its
// operations; the graph is never handed out.
type Tracker struct {
	log log.Logger

	mu         sync.Mutex
	g          *simple.DirectedGraph
	ids        map[string]int64
	keys       map[int64]string
	pkgByDir   map[string]string
	pkgFiles   map[string][]string
	wildcard   map[string]struct{}
	dirty      map[string]struct{}
	testsByPkg map[string][]types.TestID
	modulePath string
	built      bool
	cycle      bool
	cycleErr   error
}

// New creates an empty tracker. Until Rebuild succeeds every MarkDirty
// call returns the all-tests sentinel.
func New(logger log.Logger) *Tracker {
	if logger == nil {
		logger = log.Root()
	}
	return &Tracker{
		log:        logger,
		dirty:      make(map[string]struct{}),
		testsByPkg: make(map[string][]types.TestID),
	}
}

// Rebuild re-derives the graph from static analysis of the workspace:
// go.mod names the module, every parsed Go file contributes its package
// membership and its intra-module import edges. Files that fail to parse
// leave their package flagged as a wildcard dependent, which any change
// dirties.
func (t *Tracker) Rebuild(ctx context.Context, dir string) error {
	modData, err := os.ReadFile(filepath.Join(dir, "go.mod"))
	if err != nil {
		t.invalidate()
		return NewGraphError("read go.mod", err)
	}
	mod, err := modfile.Parse("go.mod", modData, nil)
	if err != nil || mod.Module == nil {
		t.invalidate()
		return NewGraphError("parse go.mod", err)
	}
	modulePath := mod.Module.Mod.Path

	type parsedFile struct {
		rel     string
		pkgDir  string
		imports []string
		broken  bool
	}
	var files []parsedFile

	fset := token.NewFileSet()
	walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if p != dir && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") ||
				name == "testdata" || name == "vendor") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".go") {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		pf := parsedFile{rel: rel, pkgDir: path.Dir(rel)}

		src, err := parser.ParseFile(fset, p, nil, parser.ImportsOnly)
		if err != nil {
			// Mid-edit syntax breakage is normal. The file stays in the
			// graph without edges and its package turns conservative.
			t.log.Debug("Unparsable file, package becomes wildcard dependent", "file", rel, "err", err)
			pf.broken = true
		} else {
			for _, imp := range src.Imports {
				val, err := strconv.Unquote(imp.Path.Value)
				if err != nil {
					continue
				}
				if val == modulePath || strings.HasPrefix(val, modulePath+"/") {
					pf.imports = append(pf.imports, val)
				}
			}
		}
		files = append(files, pf)
		return nil
	})
	if walkErr != nil {
		t.invalidate()
		return NewGraphError("walk workspace", walkErr)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.g = simple.NewDirectedGraph()
	t.ids = make(map[string]int64)
	t.keys = make(map[int64]string)
	t.pkgByDir = make(map[string]string)
	t.pkgFiles = make(map[string][]string)
	t.wildcard = make(map[string]struct{})
	t.modulePath = modulePath

	pkgPath := func(pkgDir string) string {
		if pkgDir == "." {
			return modulePath
		}
		return modulePath + "/" + pkgDir
	}

	for _, pf := range files {
		pkg := pkgPath(pf.pkgDir)
		t.pkgByDir[pf.pkgDir] = pkg
		fileKey := filePrefix + pf.rel
		pkgKey := pkgPrefix + pkg
		t.pkgFiles[pkg] = append(t.pkgFiles[pkg], fileKey)

		// A package depends on its files and on the packages it imports.
		t.addEdgeLocked(pkgKey, fileKey)
		for _, imp := range pf.imports {
			t.addEdgeLocked(pkgKey, pkgPrefix+imp)
		}
		if pf.broken {
			t.wildcard[pkg] = struct{}{}
		}
	}

	t.cycle = false
	t.cycleErr = nil
	if _, err := topo.Sort(t.g); err != nil {
		unorderable := topo.Unorderable{}
		if errors.As(err, &unorderable) {
			t.cycle = true
			t.cycleErr = NewGraphError("unresolved import cycle", err)
			t.log.Warn("Dependency graph has an import cycle, affected-set computation degrades to all tests")
		}
	}

	// Dirty keys survive the rebuild when their node still exists.
	kept := make(map[string]struct{}, len(t.dirty))
	for key := range t.dirty {
		if key == dirtyAll {
			kept[key] = struct{}{}
			continue
		}
		if _, ok := t.ids[key]; ok {
			kept[key] = struct{}{}
		}
	}
	t.dirty = kept
	t.built = true

	t.log.Debug("Dependency graph rebuilt", "module", modulePath,
		"packages", len(t.pkgFiles), "files", len(files), "cycle", t.cycle)
	return nil
}

// Bind attaches discovery output: which tests each package owns.
func (t *Tracker) Bind(cases []types.TestCase) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.testsByPkg = make(map[string][]types.TestID)
	for _, tc := range cases {
		t.testsByPkg[tc.Module] = append(t.testsByPkg[tc.Module], tc.ID)
	}
}

// MarkDirty folds a sync plan into the graph's dirty state and returns the
// affected set. Dirtiness propagates along reverse-dependency edges and
// accumulates across calls until ClearDirty. The returned error is a
// GraphError whenever the conservative all-tests fallback was taken, for
// visibility only.
func (t *Tracker) MarkDirty(plan types.SyncPlan) (types.AffectedSet, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.built {
		t.dirty[dirtyAll] = struct{}{}
		return types.AllTests(), NewGraphError("graph not built", nil)
	}
	if t.cycle {
		t.dirty[dirtyAll] = struct{}{}
		return types.AllTests(), t.cycleErr
	}

	var errs []error
	var seeds []string

	fallback := func(reason string) {
		t.dirty[dirtyAll] = struct{}{}
		errs = append(errs, NewGraphError(reason, nil))
	}

	for _, rel := range plan.ChangedPaths() {
		if rel == "go.mod" || rel == "go.sum" {
			fallback("module metadata changed")
			continue
		}
		fileKey := filePrefix + rel
		if _, ok := t.ids[fileKey]; ok {
			seeds = append(seeds, fileKey)
			continue
		}
		if pkg, ok := t.pkgByDir[path.Dir(rel)]; ok {
			// New or non-Go file in a known package directory.
			seeds = append(seeds, pkgPrefix+pkg)
			continue
		}
		fallback(fmt.Sprintf("path %s unknown to the graph", rel))
	}

	for _, rel := range plan.Removed {
		if rel == "go.mod" || rel == "go.sum" {
			fallback("module metadata removed")
			continue
		}
		fileKey := filePrefix + rel
		if id, ok := t.ids[fileKey]; ok {
			// The node is invalidated and every direct dependent is
			// forced to rebuild its region.
			it := t.g.To(id)
			for it.Next() {
				seeds = append(seeds, t.keys[it.Node().ID()])
			}
			t.removeNodeLocked(fileKey)
			continue
		}
		if pkg, ok := t.pkgByDir[path.Dir(rel)]; ok {
			seeds = append(seeds, pkgPrefix+pkg)
			continue
		}
		fallback(fmt.Sprintf("removed path %s unknown to the graph", rel))
	}

	t.propagateLocked(seeds)

	if len(seeds) > 0 && len(t.wildcard) > 0 {
		// Packages with unparsable files have unknown edges: any change
		// may affect them.
		for pkg := range t.wildcard {
			t.dirty[pkgPrefix+pkg] = struct{}{}
		}
	}

	return t.affectedLocked(), errors.Join(errs...)
}

// Affected returns the set implied by the accumulated dirty state without
// mutating anything.
func (t *Tracker) Affected() types.AffectedSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.affectedLocked()
}

// ClearDirty drops dirty marks covered by a successfully tested scope. The
// all sentinel clears everything, including the conservative flag.
func (t *Tracker) ClearDirty(scope types.AffectedSet) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if scope.All {
		t.dirty = make(map[string]struct{})
		return
	}
	for pkg, ids := range t.testsByPkg {
		covered := true
		for _, id := range ids {
			if !scope.Contains(id) {
				covered = false
				break
			}
		}
		if !covered {
			continue
		}
		delete(t.dirty, pkgPrefix+pkg)
		for _, fileKey := range t.pkgFiles[pkg] {
			delete(t.dirty, fileKey)
		}
	}
}

// Snapshot reports the graph's current shape.
func (t *Tracker) Snapshot() GraphInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	info := GraphInfo{
		Built: t.built,
		Cycle: t.cycle,
		Dirty: len(t.dirty),
	}
	if t.built {
		info.Packages = len(t.pkgFiles)
		for key := range t.ids {
			if strings.HasPrefix(key, filePrefix) {
				info.Files++
			}
		}
		info.Edges = t.g.Edges().Len()
	}
	return info
}

func (t *Tracker) invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.built = false
	t.dirty[dirtyAll] = struct{}{}
}

func (t *Tracker) affectedLocked() types.AffectedSet {
	if _, all := t.dirty[dirtyAll]; all {
		return types.AllTests()
	}
	out := types.NewAffectedSet()
	for key := range t.dirty {
		pkg, ok := strings.CutPrefix(key, pkgPrefix)
		if !ok {
			continue
		}
		for _, id := range t.testsByPkg[pkg] {
			out.Add(id)
		}
	}
	return out
}

// propagateLocked walks reverse-dependency edges breadth-first from the
// seeds, marking everything reachable dirty.
func (t *Tracker) propagateLocked(seeds []string) {
	queue := make([]int64, 0, len(seeds))
	for _, key := range seeds {
		id, ok := t.ids[key]
		if !ok {
			continue
		}
		if _, seen := t.dirty[key]; !seen {
			t.dirty[key] = struct{}{}
		}
		queue = append(queue, id)
	}

	visited := make(map[int64]struct{}, len(queue))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := visited[id]; ok {
			continue
		}
		visited[id] = struct{}{}

		it := t.g.To(id)
		for it.Next() {
			depID := it.Node().ID()
			key := t.keys[depID]
			if _, ok := t.dirty[key]; !ok {
				t.dirty[key] = struct{}{}
			}
			if _, ok := visited[depID]; !ok {
				queue = append(queue, depID)
			}
		}
	}
}

func (t *Tracker) nodeLocked(key string) int64 {
	if id, ok := t.ids[key]; ok {
		return id
	}
	n := t.g.NewNode()
	t.g.AddNode(n)
	id := n.ID()
	t.ids[key] = id
	t.keys[id] = key
	return id
}

func (t *Tracker) addEdgeLocked(from, to string) {
	f := t.nodeLocked(from)
	g := t.nodeLocked(to)
	if f == g {
		return
	}
	t.g.SetEdge(t.g.NewEdge(t.g.Node(f), t.g.Node(g)))
}

func (t *Tracker) removeNodeLocked(key string) {
	id, ok := t.ids[key]
	if !ok {
		return
	}
	t.g.RemoveNode(id)
	delete(t.ids, key)
	delete(t.keys, id)
	delete(t.dirty, key)
}
