// Package discovery enumerates test cases from the shadow workspace by
// parsing test sources, and maintains the authoritative inventory of test
// cases with their latest results.
package discovery

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/mod/modfile"

	"github.com/ethereum-optimism/infra/op-retest/types"
)

// Discoverer enumerates tests from workspace sources.
type Discoverer struct {
	log log.Logger
}

// NewDiscoverer creates a discoverer.
func NewDiscoverer(logger log.Logger) *Discoverer {
	if logger == nil {
		logger = log.Root()
	}
	return &Discoverer{log: logger}
}

// Discover walks the workspace and returns every test function with its
// module, file and line, ordered by module, file, line. Any failure (an
// unreadable go.mod, an unparsable test file) fails the whole run so the
// caller keeps its previous inventory: stale-but-available beats empty.
func (d *Discoverer) Discover(ctx context.Context, dir string) ([]types.TestCase, error) {
	modData, err := os.ReadFile(filepath.Join(dir, "go.mod"))
	if err != nil {
		return nil, fmt.Errorf("discover: read go.mod: %w", err)
	}
	mod, err := modfile.Parse("go.mod", modData, nil)
	if err != nil || mod.Module == nil {
		return nil, fmt.Errorf("discover: parse go.mod: %w", err)
	}
	modulePath := mod.Module.Mod.Path

	var cases []types.TestCase
	fset := token.NewFileSet()

	walkErr := filepath.WalkDir(dir, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			name := entry.Name()
			if p != dir && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") ||
				name == "testdata" || name == "vendor") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(entry.Name(), "_test.go") {
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

		src, err := parser.ParseFile(fset, p, nil, parser.SkipObjectResolution)
		if err != nil {
			return fmt.Errorf("parse %s: %w", rel, err)
		}

		pkgDir := filepath.ToSlash(filepath.Dir(rel))
		module := modulePath
		if pkgDir != "." {
			module = modulePath + "/" + pkgDir
		}

		for _, decl := range src.Decls {
			fn, ok := decl.(*ast.FuncDecl)
			if !ok {
				continue
			}
			if !isTestFunction(fn) {
				continue
			}
			pos := fset.Position(fn.Name.Pos())
			cases = append(cases, types.TestCase{
				ID:        types.MakeTestID(module, fn.Name.Name),
				Name:      fn.Name.Name,
				Module:    module,
				File:      rel,
				Line:      pos.Line,
				Hierarchy: types.ClassifyHierarchy(module, rel),
				Status:    types.TestStatusNotRun,
			})
		}
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("discover: %w", walkErr)
	}

	sort.Slice(cases, func(i, j int) bool {
		a, b := cases[i], cases[j]
		if a.Module != b.Module {
			return a.Module < b.Module
		}
		if a.File != b.File {
			return a.File < b.File
		}
		return a.Line < b.Line
	})

	d.log.Debug("Discovered tests", "count", len(cases), "module", modulePath)
	return cases, nil
}

// isTestFunction applies the test runner's shape rules: a top-level
// function named Test<something>, not TestMain, with a single parameter.
func isTestFunction(fn *ast.FuncDecl) bool {
	name := fn.Name.Name
	if fn.Recv != nil {
		return false
	}
	if !strings.HasPrefix(name, "Test") || name == "TestMain" {
		return false
	}
	if len(name) > len("Test") {
		// Names like Testify are helpers, not tests.
		c := name[len("Test")]
		if c >= 'a' && c <= 'z' {
			return false
		}
	}
	return fn.Type.Params != nil && fn.Type.Params.NumFields() == 1
}
