// Package watcher observes a source tree and emits coalesced change
// batches. It prefers native filesystem notification and falls back to
// periodic polling when that is unavailable; either way consumers see the
// same debounced stream of created/modified/removed events.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/fsnotify/fsnotify"

	"github.com/ethereum-optimism/infra/op-retest/types"
)

const (
	// DefaultDebounce is the quiet window used to coalesce change bursts.
	DefaultDebounce = 200 * time.Millisecond
	// DefaultPollInterval is the polling cadence used when native
	// watching fails and no explicit interval was configured.
	DefaultPollInterval = 2 * time.Second

	eventBuffer       = 16
	errorBuffer       = 16
	maxNativeAttempts = 3
	backoffStart      = time.Second
	backoffMax        = 30 * time.Second
)

// Config configures a Watcher.
type Config struct {
	Root         string        // Directory tree to observe
	Rules        *Rules        // Ignore rules, defaults compiled from Root when nil
	Debounce     time.Duration // Quiet window, DefaultDebounce when zero
	PollInterval time.Duration // When positive, poll at this cadence instead of native watching
	Log          log.Logger
}

type pendingChange struct {
	kind  types.ChangeKind
	order int
}

// Watcher produces a lazy, unbounded sequence of change batches on
// Events(). Observation failures surface on Errors() and are retried with
// backoff; they never terminate the stream.
type Watcher struct {
	cfg   Config
	root  string
	rules *Rules
	log   log.Logger

	events chan []types.ChangeEvent
	errs   chan error
	kick   chan struct{}

	mu      sync.Mutex
	pending map[string]*pendingChange
	order   int
	timer   *time.Timer

	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a watcher for the given root. The root must exist by the
// time Start is called, not before.
func New(cfg Config) (*Watcher, error) {
	if cfg.Root == "" {
		return nil, errors.New("watcher: root is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, err
	}
	if cfg.Log == nil {
		cfg.Log = log.Root()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	rules := cfg.Rules
	if rules == nil {
		rules, err = NewRules(root, nil, nil)
		if err != nil {
			return nil, err
		}
	}

	return &Watcher{
		cfg:     cfg,
		root:    root,
		rules:   rules,
		log:     cfg.Log,
		events:  make(chan []types.ChangeEvent, eventBuffer),
		errs:    make(chan error, errorBuffer),
		kick:    make(chan struct{}, 1),
		pending: make(map[string]*pendingChange),
		done:    make(chan struct{}),
	}, nil
}

// Events returns the stream of debounced change batches. Paths are
// slash-separated and relative to the root; within a batch, first
// appearance order is preserved and repeated changes to one path collapse
// to their net kind.
func (w *Watcher) Events() <-chan []types.ChangeEvent {
	return w.events
}

// Errors returns the stream of non-fatal watch errors.
func (w *Watcher) Errors() <-chan error {
	return w.errs
}

// Rules returns the active ignore rule set.
func (w *Watcher) Rules() *Rules {
	return w.rules
}

// Start begins observation. It returns ErrAlreadyStarted on a running
// watcher.
func (w *Watcher) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	w.wg.Add(2)
	go w.dispatchLoop(ctx)
	go w.run(ctx)

	w.log.Debug("Watcher started", "root", w.root, "debounce", w.cfg.Debounce,
		"poll", w.cfg.PollInterval)
	return nil
}

// Stop halts observation, waits for in-flight work and closes both
// streams.
func (w *Watcher) Stop() {
	if !w.running.CompareAndSwap(true, false) {
		return
	}
	close(w.done)
	w.wg.Wait()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	close(w.events)
	close(w.errs)
	w.log.Debug("Watcher stopped", "root", w.root)
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()

	if w.cfg.PollInterval > 0 {
		w.pollLoop(ctx, w.cfg.PollInterval)
		return
	}

	backoff := backoffStart
	for attempt := 1; ; attempt++ {
		fsw, err := w.initNative()
		if err != nil {
			w.reportError(NewWatchError(w.root, err))
			if attempt >= maxNativeAttempts {
				w.log.Warn("Native watching unavailable, falling back to polling",
					"root", w.root, "err", err)
				w.pollLoop(ctx, DefaultPollInterval)
				return
			}
			if !w.sleep(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
			continue
		}

		attempt = 0
		backoff = backoffStart
		err = w.nativeLoop(ctx, fsw)
		fsw.Close()
		if err == nil {
			return
		}
		w.reportError(NewWatchError("", err))
		if !w.sleep(ctx, backoff) {
			return
		}
	}
}

// sleep waits for d unless the watcher shuts down first.
func (w *Watcher) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-w.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// initNative establishes fsnotify watches on every non-ignored directory
// under the root.
func (w *Watcher) initNative() (*fsnotify.Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	err = filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		rel := w.rel(path)
		if rel != "." && w.rules.Match(rel, true) {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
	if err != nil {
		fsw.Close()
		return nil, err
	}
	return fsw, nil
}

func (w *Watcher) nativeLoop(ctx context.Context, fsw *fsnotify.Watcher) error {
	for {
		select {
		case ev, ok := <-fsw.Events:
			if !ok {
				return errors.New("event stream closed")
			}
			w.handleNative(fsw, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return errors.New("error stream closed")
			}
			w.reportError(NewWatchError("", err))
		case <-w.done:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Watcher) handleNative(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	rel := w.rel(ev.Name)
	if rel == "" || rel == "." {
		return
	}

	switch {
	case ev.Op&fsnotify.Create != 0:
		info, err := os.Stat(ev.Name)
		if err == nil && info.IsDir() {
			if !w.rules.Match(rel, true) {
				w.addDirTree(fsw, ev.Name)
			}
			return
		}
		if w.rules.Match(rel, false) {
			return
		}
		w.record(rel, types.ChangeCreated)
	case ev.Op&fsnotify.Write != 0:
		if w.rules.Match(rel, false) {
			return
		}
		w.record(rel, types.ChangeModified)
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		// The entry is gone, so file or directory cannot be told apart.
		if w.rules.MatchAny(rel) {
			return
		}
		w.record(rel, types.ChangeRemoved)
	}
	// Chmod is deliberately dropped: it never changes content.
}

// addDirTree watches a newly created directory and records the files
// already inside it, which may have landed before the watch existed.
func (w *Watcher) addDirTree(fsw *fsnotify.Watcher, dir string) {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.reportError(NewWatchError(w.rel(path), err))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel := w.rel(path)
		if w.rules.Match(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if err := fsw.Add(path); err != nil {
				w.reportError(NewWatchError(rel, err))
			}
			return nil
		}
		if d.Type().IsRegular() {
			w.record(rel, types.ChangeCreated)
		}
		return nil
	})
	if err != nil {
		w.reportError(NewWatchError(w.rel(dir), err))
	}
}

// record merges one observation into the pending batch and re-arms the
// debounce timer. Called from the native and polling paths alike.
func (w *Watcher) record(rel string, kind types.ChangeKind) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if p, ok := w.pending[rel]; ok {
		p.kind = types.CoalesceKind(p.kind, kind)
	} else {
		w.order++
		w.pending[rel] = &pendingChange{kind: kind, order: w.order}
	}

	if w.timer == nil {
		w.timer = time.AfterFunc(w.cfg.Debounce, w.fire)
	} else {
		w.timer.Reset(w.cfg.Debounce)
	}
}

func (w *Watcher) fire() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// dispatchLoop is the single delivery goroutine: it drains the pending
// batch on each timer fire and hands it to the consumer. A slow consumer
// blocks delivery only; observation keeps accumulating into the next
// batch.
func (w *Watcher) dispatchLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-w.kick:
			batch := w.takePending()
			if len(batch) == 0 {
				continue
			}
			select {
			case w.events <- batch:
			case <-w.done:
				return
			case <-ctx.Done():
				return
			}
		case <-w.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// takePending drains the pending map into a batch ordered by first
// appearance.
func (w *Watcher) takePending() []types.ChangeEvent {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.pending) == 0 {
		return nil
	}
	type entry struct {
		rel string
		p   *pendingChange
	}
	entries := make([]entry, 0, len(w.pending))
	for rel, p := range w.pending {
		entries = append(entries, entry{rel: rel, p: p})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].p.order < entries[j].p.order })

	batch := make([]types.ChangeEvent, len(entries))
	for i, e := range entries {
		batch[i] = types.ChangeEvent{Kind: e.p.kind, Path: e.rel}
	}
	w.pending = make(map[string]*pendingChange)
	w.order = 0
	return batch
}

type pollStat struct {
	modTime int64
	size    int64
}

// pollLoop re-derives change events by stat-diffing full tree scans. The
// first scan establishes the baseline without emitting anything.
func (w *Watcher) pollLoop(ctx context.Context, interval time.Duration) {
	w.log.Info("Polling for changes", "root", w.root, "interval", interval)

	baseline := w.scanTree()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			current := w.scanTree()
			w.diffScans(baseline, current)
			baseline = current
		case <-w.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) scanTree() map[string]pollStat {
	out := make(map[string]pollStat)
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.reportError(NewWatchError(w.rel(path), err))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel := w.rel(path)
		if rel == "." {
			return nil
		}
		if w.rules.Match(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			w.reportError(NewWatchError(rel, err))
			return nil
		}
		out[rel] = pollStat{modTime: info.ModTime().UnixNano(), size: info.Size()}
		return nil
	})
	if err != nil {
		w.reportError(NewWatchError(w.root, err))
	}
	return out
}

func (w *Watcher) diffScans(prev, current map[string]pollStat) {
	for rel, cur := range current {
		old, ok := prev[rel]
		switch {
		case !ok:
			w.record(rel, types.ChangeCreated)
		case old != cur:
			w.record(rel, types.ChangeModified)
		}
	}
	for rel := range prev {
		if _, ok := current[rel]; !ok {
			w.record(rel, types.ChangeRemoved)
		}
	}
}

func (w *Watcher) reportError(err error) {
	w.log.Debug("Watch error", "err", err)
	select {
	case w.errs <- err:
	default:
	}
}

func (w *Watcher) rel(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return ""
	}
	return filepath.ToSlash(rel)
}
