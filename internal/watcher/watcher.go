// Package watcher reports debounced batches of file system changes under a set of
// directories or directory trees.
package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"treehouse/internal/logging"
)

var ErrClosed = errors.New("watcher is closed")

type Op string

const (
	OpCreate Op = "create"
	OpWrite  Op = "write"
	OpRemove Op = "remove"
	OpRename Op = "rename"
)

// Change is the last operation seen for a path within one debounce window.
type Change struct {
	Path string
	Op   Op
}

type Config struct {
	// Debounce is the quiet period after the last change before the batch is delivered.
	Debounce time.Duration
	// Coalesce delivers changes to all paths as one batch. Otherwise each path is
	// debounced and delivered on its own.
	Coalesce bool
	// Ignore drops changes whose path it matches.
	Ignore func(path string) bool
	// SkipDir keeps AddTree out of matching directories and everything below them.
	SkipDir func(path string) bool
	Logger *slog.Logger
}

type Watcher struct {
	cfg      Config
	onChange func([]Change)
	fs       *fsnotify.Watcher
	logger   *slog.Logger
	stopped  chan struct{}

	mu      sync.Mutex
	closed  bool
	pending map[string]map[string]Op // batch key -> path -> op
	timers  map[string]*time.Timer
	gens    map[string]uint64
	gen     uint64
	trees   []string
}

// New starts a watcher with no directories. onChange runs on a timer goroutine and
// never concurrently for the same batch key.
func New(cfg Config, onChange func([]Change)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		cfg:      cfg,
		onChange: onChange,
		fs:       fw,
		logger:   logging.OrDiscard(cfg.Logger),
		stopped:  make(chan struct{}),
		pending:  make(map[string]map[string]Op),
		timers:   make(map[string]*time.Timer),
		gens:     make(map[string]uint64),
	}
	go w.loop()
	return w, nil
}

// Add watches each directory. Subdirectories are not followed; see AddTree.
func (w *Watcher) Add(dirs ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	for _, dir := range dirs {
		if err := w.fs.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}
	return nil
}

// AddTree watches root and every directory below it, except those Config.SkipDir
// matches. Directories created later under root are watched as they appear.
func (w *Watcher) AddTree(root string) error {
	root = filepath.Clean(root)
	if err := w.Add(root); err != nil {
		return err
	}
	w.mu.Lock()
	w.trees = append(w.trees, root)
	w.mu.Unlock()
	w.addBelow(root)
	return nil
}

// addBelow watches the subdirectories of dir. Failures are logged, not returned, so one
// unreadable or over-limit directory does not cost the rest of the tree.
func (w *Watcher) addBelow(dir string) {
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Debug("skipping unreadable path", "path", path, "error", err)
			if d != nil && d.IsDir() && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() || path == dir {
			return nil
		}
		if w.cfg.SkipDir != nil && w.cfg.SkipDir(path) {
			return filepath.SkipDir
		}
		if err := w.Add(path); err != nil {
			if errors.Is(err, ErrClosed) {
				return filepath.SkipAll
			}
			w.logger.Warn("directory not watched", "dir", path, "error", err)
		}
		return nil
	})
}

// treeOf returns the AddTree root that path lies below.
func (w *Watcher) treeOf(path string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, root := range w.trees {
		if rel, err := filepath.Rel(root, path); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
			return root, true
		}
	}
	return "", false
}

// skipped reports whether path or any of its ancestors below root matches SkipDir.
func (w *Watcher) skipped(root, path string) bool {
	if w.cfg.SkipDir == nil {
		return false
	}
	for p := path; p != root && p != filepath.Dir(p); p = filepath.Dir(p) {
		if w.cfg.SkipDir(p) {
			return true
		}
	}
	return false
}

// follow starts watching a directory created inside a tree, including anything
// already created beneath it.
func (w *Watcher) follow(path string) {
	root, ok := w.treeOf(path)
	if !ok || w.skipped(root, path) {
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	if err := w.Add(path); err != nil {
		if !errors.Is(err, ErrClosed) {
			w.logger.Warn("directory not watched", "dir", path, "error", err)
		}
		return
	}
	w.addBelow(path)
}

// Close stops the watcher and drops pending batches. It is safe to call twice.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, t := range w.timers {
		t.Stop()
	}
	w.timers = nil
	w.pending = nil
	w.mu.Unlock()

	err := w.fs.Close()
	<-w.stopped
	return err
}

func (w *Watcher) loop() {
	defer close(w.stopped)
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			op, ok := translate(ev.Op)
			if !ok {
				continue
			}
			if op == OpCreate {
				w.follow(ev.Name)
			}
			w.record(ev.Name, op)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func translate(op fsnotify.Op) (Op, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return OpCreate, true
	case op.Has(fsnotify.Write):
		return OpWrite, true
	case op.Has(fsnotify.Remove):
		return OpRemove, true
	case op.Has(fsnotify.Rename):
		return OpRename, true
	}
	return "", false
}

func (w *Watcher) record(path string, op Op) {
	if w.cfg.Ignore != nil && w.cfg.Ignore(path) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	key := path
	if w.cfg.Coalesce {
		key = ""
	}
	batch := w.pending[key]
	if batch == nil {
		batch = make(map[string]Op)
		w.pending[key] = batch
	}
	batch[path] = op

	if t, ok := w.timers[key]; ok {
		t.Stop()
	}
	w.gen++
	gen := w.gen
	w.gens[key] = gen
	w.timers[key] = time.AfterFunc(w.cfg.Debounce, func() { w.flush(key, gen) })
}

// flush delivers the batch for key unless a later change rescheduled it.
func (w *Watcher) flush(key string, gen uint64) {
	w.mu.Lock()
	if w.closed || w.gens[key] != gen {
		w.mu.Unlock()
		return
	}
	batch := w.pending[key]
	delete(w.pending, key)
	delete(w.timers, key)
	delete(w.gens, key)
	w.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	changes := make([]Change, 0, len(batch))
	for path, op := range batch {
		changes = append(changes, Change{Path: path, Op: op})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	w.onChange(changes)
}
