// Package syncer mirrors a source tree into an isolated shadow workspace.
// Builds and tests run against the shadow copy so they never disturb the
// developer's working tree, and every write lands atomically so a running
// build never observes a half-written file.
package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/ethereum-optimism/infra/op-retest/types"
)

// DestKind selects where the shadow workspace lives.
type DestKind string

const (
	// DestManaged mirrors the tree under the user cache directory, keyed
	// by the project's stable identifier. The default.
	DestManaged DestKind = "managed"
	// DestDirectory mirrors the tree into an explicitly chosen directory.
	DestDirectory DestKind = "directory"
	// DestInPlace runs builds directly in the source tree. No copying is
	// performed; only the content index is maintained.
	DestInPlace DestKind = "in-place"
)

// Ignorer decides which paths stay out of the shadow workspace. The
// watcher's rule set satisfies this.
type Ignorer interface {
	Match(rel string, isDir bool) bool
}

// Config configures a Syncer.
type Config struct {
	Root    string   // Absolute path of the watched source tree
	Kind    DestKind // Destination mode, DestManaged when empty
	Dir     string   // Destination directory for DestDirectory
	Ignore  Ignorer  // Paths excluded from the mirror, may be nil
	Workers int      // Parallel hash workers for full walks, default 4
	Log     log.Logger
}

// Syncer owns the shadow workspace's on-disk state. No other component
// writes to it.
type Syncer struct {
	cfg       Config
	root      string
	destDir   string
	indexPath string
	log       log.Logger

	mu         sync.Mutex
	index      *Index
	needsReset bool
}

const defaultHashWorkers = 4

// New resolves the destination layout and loads the persisted workspace
// index. A corrupted index does not fail construction: it flags the syncer
// so the caller takes the explicit full-reset path.
func New(cfg Config) (*Syncer, error) {
	if cfg.Root == "" {
		return nil, errors.New("syncer: root is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("syncer: resolve root: %w", err)
	}
	if cfg.Log == nil {
		cfg.Log = log.Root()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultHashWorkers
	}
	if cfg.Kind == "" {
		cfg.Kind = DestManaged
	}

	s := &Syncer{cfg: cfg, root: root, log: cfg.Log}

	key := ProjectKey(root)
	switch cfg.Kind {
	case DestManaged:
		cache, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("syncer: resolve cache dir: %w", err)
		}
		base := filepath.Join(cache, "op-retest", key)
		s.destDir = filepath.Join(base, "tree")
		s.indexPath = filepath.Join(base, "index.json")
	case DestDirectory:
		if cfg.Dir == "" {
			return nil, errors.New("syncer: destination directory is required")
		}
		dir, err := filepath.Abs(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("syncer: resolve destination: %w", err)
		}
		if dir == root {
			return nil, errors.New("syncer: destination equals the source root, use in-place mode")
		}
		s.destDir = dir
		s.indexPath = filepath.Join(dir, ".op-retest", "index.json")
	case DestInPlace:
		cache, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("syncer: resolve cache dir: %w", err)
		}
		s.destDir = root
		s.indexPath = filepath.Join(cache, "op-retest", key, "index.json")
	default:
		return nil, fmt.Errorf("syncer: unknown destination kind %q", cfg.Kind)
	}

	idx, err := loadIndex(s.indexPath)
	if err != nil {
		// Corrupted persisted state. Flag for the explicit reset path
		// rather than silently starting from an empty index.
		s.log.Error("Shadow workspace index is unreadable, full reset required",
			"path", s.indexPath, "err", err)
		s.needsReset = true
		idx = nil
	}
	if idx == nil {
		idx = newIndex(root)
	}
	s.index = idx

	s.log.Debug("Shadow workspace resolved",
		"root", root, "dest", s.destDir, "kind", cfg.Kind, "files", len(idx.Files))
	return s, nil
}

// Dir returns the directory builds and tests run in: the shadow workspace
// root, or the source root in in-place mode.
func (s *Syncer) Dir() string {
	return s.destDir
}

// Root returns the watched source tree root.
func (s *Syncer) Root() string {
	return s.root
}

// NeedsReset reports whether the persisted index was unreadable and the
// workspace must be rebuilt from scratch.
func (s *Syncer) NeedsReset() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.needsReset
}

// Plan turns coalesced change events into a sync plan without touching the
// destination. Each created or modified path is re-hashed from the source;
// a modified path whose hash matches the previous snapshot is downgraded to
// a no-op, so touch-without-change produces an empty plan.
func (s *Syncer) Plan(events []types.ChangeEvent) (types.SyncPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var plan types.SyncPlan
	var errs []error
	seen := make(map[string]struct{}, len(events))

	for _, ev := range events {
		rel := filepath.ToSlash(ev.Path)
		if _, dup := seen[rel]; dup {
			continue
		}
		seen[rel] = struct{}{}

		prev, known := s.index.Files[rel]
		switch ev.Kind {
		case types.ChangeRemoved:
			// Removal events cannot tell a file from a directory, so a
			// removed path also claims everything indexed beneath it.
			if known {
				plan.Removed = append(plan.Removed, rel)
			}
			prefix := rel + "/"
			for indexed := range s.index.Files {
				if strings.HasPrefix(indexed, prefix) {
					if _, dup := seen[indexed]; dup {
						continue
					}
					seen[indexed] = struct{}{}
					plan.Removed = append(plan.Removed, indexed)
				}
			}
		case types.ChangeCreated, types.ChangeModified:
			src := filepath.Join(s.root, filepath.FromSlash(rel))
			hash, _, err := hashFile(src)
			if err != nil {
				if os.IsNotExist(err) {
					// Vanished between the event and now.
					if known {
						plan.Removed = append(plan.Removed, rel)
					}
					continue
				}
				errs = append(errs, NewSyncError(rel, "hash", err))
				continue
			}
			if known && prev.Hash == hash {
				continue
			}
			if known {
				plan.Modified = append(plan.Modified, rel)
			} else {
				plan.Added = append(plan.Added, rel)
			}
		default:
			errs = append(errs, NewSyncError(rel, "plan", fmt.Errorf("unknown change kind %q", ev.Kind)))
		}
	}

	plan.Normalize()
	return plan, errors.Join(errs...)
}

// Apply writes the plan to the shadow workspace and returns the plan
// actually applied. Failures are SyncErrors scoped to their path; the rest
// of the plan proceeds. The index is persisted at the end.
func (s *Syncer) Apply(ctx context.Context, plan types.SyncPlan) (types.SyncPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(ctx, plan)
}

func (s *Syncer) applyLocked(ctx context.Context, plan types.SyncPlan) (types.SyncPlan, error) {
	var applied types.SyncPlan
	var errs []error

	copyOne := func(rel string, added bool) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, NewSyncError(rel, "copy", err))
			return
		}
		snap, err := s.copyFile(rel)
		if err != nil {
			errs = append(errs, NewSyncError(rel, "copy", err))
			return
		}
		s.index.Files[rel] = snap
		if added {
			applied.Added = append(applied.Added, rel)
		} else {
			applied.Modified = append(applied.Modified, rel)
		}
	}

	for _, rel := range plan.Added {
		copyOne(rel, true)
	}
	for _, rel := range plan.Modified {
		copyOne(rel, false)
	}
	for _, rel := range plan.Removed {
		if s.cfg.Kind != DestInPlace {
			// RemoveAll covers both the plain-file case and a removed
			// directory whose indexed children ride in the same plan.
			dst := filepath.Join(s.destDir, filepath.FromSlash(rel))
			if err := os.RemoveAll(dst); err != nil {
				errs = append(errs, NewSyncError(rel, "remove", err))
				continue
			}
		}
		delete(s.index.Files, rel)
		applied.Removed = append(applied.Removed, rel)
	}

	applied.Normalize()
	if err := saveIndex(s.indexPath, s.index); err != nil {
		errs = append(errs, fmt.Errorf("persist index: %w", err))
	}

	if len(errs) > 0 {
		s.log.Warn("Sync applied with errors", "plan", plan.String(), "errors", len(errs))
	} else if !applied.Empty() {
		s.log.Debug("Sync applied", "added", len(applied.Added),
			"modified", len(applied.Modified), "removed", len(applied.Removed))
	}
	return applied, errors.Join(errs...)
}

// Sync plans and applies in one step: the full change-event contract.
func (s *Syncer) Sync(ctx context.Context, events []types.ChangeEvent) (types.SyncPlan, error) {
	plan, planErr := s.Plan(events)
	if plan.Empty() {
		return plan, planErr
	}
	applied, applyErr := s.Apply(ctx, plan)
	return applied, errors.Join(planErr, applyErr)
}

// FullSync walks the whole source tree, diffs it against the index and
// applies the difference. Running it against an already-matching tree
// returns an empty plan.
func (s *Syncer) FullSync(ctx context.Context) (types.SyncPlan, error) {
	current, walkErr := s.snapshotTree(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	var plan types.SyncPlan
	for rel, snap := range current {
		prev, known := s.index.Files[rel]
		switch {
		case !known:
			plan.Added = append(plan.Added, rel)
		case prev.Hash != snap.Hash:
			plan.Modified = append(plan.Modified, rel)
		}
	}
	for rel := range s.index.Files {
		if _, ok := current[rel]; !ok {
			plan.Removed = append(plan.Removed, rel)
		}
	}
	plan.Normalize()

	applied, applyErr := s.applyLocked(ctx, plan)
	return applied, errors.Join(walkErr, applyErr)
}

// Reset is the explicit "start again" path: the destination is deleted and
// recreated, the index dropped, and a full sync performed.
func (s *Syncer) Reset(ctx context.Context) (types.SyncPlan, error) {
	s.mu.Lock()
	s.log.Info("Resetting shadow workspace", "dest", s.destDir)
	if s.cfg.Kind != DestInPlace {
		if err := os.RemoveAll(s.destDir); err != nil {
			s.mu.Unlock()
			return types.SyncPlan{}, fmt.Errorf("reset: remove destination: %w", err)
		}
		if err := os.MkdirAll(s.destDir, 0o755); err != nil {
			s.mu.Unlock()
			return types.SyncPlan{}, fmt.Errorf("reset: recreate destination: %w", err)
		}
	}
	s.index = newIndex(s.root)
	s.needsReset = false
	s.mu.Unlock()

	return s.FullSync(ctx)
}

// Close persists the index.
func (s *Syncer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveIndex(s.indexPath, s.index)
}

// copyFile mirrors one source file into the destination, hashing while it
// copies. The write is atomic: temp file, sync, rename. A failed copy is
// retried once after creating missing parent directories.
func (s *Syncer) copyFile(rel string) (FileSnapshot, error) {
	src := filepath.Join(s.root, filepath.FromSlash(rel))

	info, err := os.Stat(src)
	if err != nil {
		return FileSnapshot{}, err
	}

	if s.cfg.Kind == DestInPlace {
		// Nothing to copy; record the snapshot only.
		hash, size, err := hashFile(src)
		if err != nil {
			return FileSnapshot{}, err
		}
		return FileSnapshot{Path: rel, Hash: hash, Size: size, ModTime: info.ModTime()}, nil
	}

	dst := filepath.Join(s.destDir, filepath.FromSlash(rel))
	snap, err := copyFileAtomic(src, dst, info.Mode().Perm())
	if err != nil && os.IsNotExist(err) {
		if mkErr := os.MkdirAll(filepath.Dir(dst), 0o755); mkErr == nil {
			snap, err = copyFileAtomic(src, dst, info.Mode().Perm())
		}
	}
	if err != nil {
		return FileSnapshot{}, err
	}
	snap.Path = rel
	snap.ModTime = info.ModTime()
	return snap, nil
}

func copyFileAtomic(src, dst string, perm os.FileMode) (FileSnapshot, error) {
	in, err := os.Open(src)
	if err != nil {
		return FileSnapshot{}, err
	}
	defer in.Close()

	dir, base := filepath.Split(dst)
	tmp, err := os.CreateTemp(dir, ".tmp-"+base+"-")
	if err != nil {
		return FileSnapshot{}, err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), in)
	if err != nil {
		cleanup()
		return FileSnapshot{}, err
	}
	if err := tmp.Chmod(perm); err != nil {
		cleanup()
		return FileSnapshot{}, err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return FileSnapshot{}, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return FileSnapshot{}, err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return FileSnapshot{}, err
	}
	return FileSnapshot{Hash: hex.EncodeToString(h.Sum(nil)), Size: size}, nil
}

// snapshotTree walks the source tree and hashes every non-ignored file,
// bounded-parallel. Unreadable files are skipped with a SyncError; the walk
// continues.
func (s *Syncer) snapshotTree(ctx context.Context) (map[string]FileSnapshot, error) {
	type fileEntry struct {
		rel  string
		info fs.FileInfo
	}
	var files []fileEntry
	var errs []error

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			errs = append(errs, NewSyncError(s.rel(path), "walk", err))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path == s.root {
			return nil
		}
		rel := s.rel(path)
		if s.ignored(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			errs = append(errs, NewSyncError(rel, "stat", err))
			return nil
		}
		files = append(files, fileEntry{rel: rel, info: info})
		return nil
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("walk %s: %w", s.root, err))
	}

	var mu sync.Mutex
	out := make(map[string]FileSnapshot, len(files))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, fe := range files {
		fe := fe
		g.Go(func() error {
			hash, size, err := hashFile(filepath.Join(s.root, filepath.FromSlash(fe.rel)))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, NewSyncError(fe.rel, "hash", err))
				return nil
			}
			out[fe.rel] = FileSnapshot{Path: fe.rel, Hash: hash, Size: size, ModTime: fe.info.ModTime()}
			return nil
		})
	}
	_ = g.Wait()

	return out, errors.Join(errs...)
}

// rel converts an absolute path under the root to the slash-separated
// relative form used everywhere in plans and the index.
func (s *Syncer) rel(path string) string {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

// ignored applies the configured rules plus the built-in exclusions: the
// index directory and, when the destination lives inside the source tree,
// the destination itself.
func (s *Syncer) ignored(rel string, isDir bool) bool {
	if rel == ".op-retest" || strings.HasPrefix(rel, ".op-retest/") {
		return true
	}
	if s.cfg.Kind == DestDirectory {
		if under, sub := pathUnder(s.root, s.destDir); under {
			if rel == sub || strings.HasPrefix(rel, sub+"/") {
				return true
			}
		}
	}
	if s.cfg.Ignore != nil {
		return s.cfg.Ignore.Match(rel, isDir)
	}
	return false
}

// pathUnder reports whether dir sits inside root, returning its
// slash-separated relative path when it does.
func pathUnder(root, dir string) (bool, string) {
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return false, ""
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false, ""
	}
	return true, filepath.ToSlash(rel)
}

// SortedPaths returns the indexed paths in sorted order. Observer helper
// used by status displays and tests.
func (s *Syncer) SortedPaths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.index.Files))
	for rel := range s.index.Files {
		out = append(out, rel)
	}
	sort.Strings(out)
	return out
}
