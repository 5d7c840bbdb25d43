package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	batches [][]Change
}

func (r *recorder) add(c []Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, c)
}

func (r *recorder) all() [][]Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]Change(nil), r.batches...)
}

func (r *recorder) seen(path string, ops ...Op) bool {
	for _, b := range r.all() {
		for _, c := range b {
			if c.Path != path {
				continue
			}
			for _, op := range ops {
				if c.Op == op {
					return true
				}
			}
		}
	}
	return false
}

func watch(t *testing.T, dir string, cfg Config) *recorder {
	t.Helper()
	r := &recorder{}
	w, err := New(cfg, r.add)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	require.NoError(t, w.Add(dir))
	return r
}

func TestAddMissingDirectory(t *testing.T) {
	w, err := New(Config{Debounce: 10 * time.Millisecond}, func([]Change) {})
	require.NoError(t, err)
	defer w.Close()

	assert.Error(t, w.Add("/nonexistent/path/that/does/not/exist"))
}

func TestReportsOperations(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "existing.txt")
	require.NoError(t, os.WriteFile(existing, []byte("x"), 0o644))
	r := watch(t, dir, Config{Debounce: 30 * time.Millisecond})

	created := filepath.Join(dir, "new.txt")
	require.NoError(t, os.WriteFile(created, []byte("x"), 0o644))
	assert.Eventually(t, func() bool { return r.seen(created, OpCreate, OpWrite) }, time.Second, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(existing, []byte("changed"), 0o644))
	assert.Eventually(t, func() bool { return r.seen(existing, OpWrite) }, time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(created))
	assert.Eventually(t, func() bool { return r.seen(created, OpRemove) }, time.Second, 20*time.Millisecond)
}

func TestBurstOnOnePathIsDebounced(t *testing.T) {
	dir := t.TempDir()
	r := watch(t, dir, Config{Debounce: 100 * time.Millisecond})

	file := filepath.Join(dir, "burst.txt")
	for i := 0; i < 10; i++ {
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(300 * time.Millisecond)

	assert.Less(t, len(r.all()), 10)
}

func TestCoalescedBatchCarriesEveryPath(t *testing.T) {
	dir := t.TempDir()
	r := watch(t, dir, Config{Debounce: 100 * time.Millisecond, Coalesce: true})

	for _, name := range []string{"c.txt", "a.txt", "b.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	time.Sleep(300 * time.Millisecond)

	batches := r.all()
	require.Len(t, batches, 1)
	var paths []string
	for _, c := range batches[0] {
		paths = append(paths, filepath.Base(c.Path))
	}
	assert.Equal(t, []string{"a.txt", "b.txt", "c.txt"}, paths)
}

func TestIgnoredPathsAreDropped(t *testing.T) {
	dir := t.TempDir()
	r := watch(t, dir, Config{
		Debounce: 30 * time.Millisecond,
		Ignore:   func(p string) bool { return strings.HasSuffix(p, ".lock") },
	})

	lock := filepath.Join(dir, "index.lock")
	require.NoError(t, os.WriteFile(lock, []byte("x"), 0o644))
	kept := filepath.Join(dir, "kept.txt")
	require.NoError(t, os.WriteFile(kept, []byte("x"), 0o644))

	assert.Eventually(t, func() bool { return r.seen(kept, OpCreate, OpWrite) }, time.Second, 20*time.Millisecond)
	assert.False(t, r.seen(lock, OpCreate, OpWrite))
}

func TestCloseIsIdempotent(t *testing.T) {
	w, err := New(Config{Debounce: 10 * time.Millisecond}, func([]Change) {})
	require.NoError(t, err)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Add(t.TempDir()), ErrClosed)
}

func TestTreeFollowsSubdirectories(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "src", "pkg")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "skip", "deep"), 0o755))

	r := &recorder{}
	w, err := New(Config{
		Debounce: 30 * time.Millisecond,
		SkipDir:  func(p string) bool { return filepath.Base(p) == "skip" },
	}, r.add)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	require.NoError(t, w.AddTree(dir))

	existing := filepath.Join(nested, "a.go")
	require.NoError(t, os.WriteFile(existing, []byte("package pkg"), 0o644))
	assert.Eventually(t, func() bool { return r.seen(existing, OpCreate, OpWrite) }, time.Second, 20*time.Millisecond)

	later := filepath.Join(dir, "later", "inner")
	require.NoError(t, os.MkdirAll(later, 0o755))
	time.Sleep(100 * time.Millisecond)
	created := filepath.Join(later, "b.go")
	require.NoError(t, os.WriteFile(created, []byte("package inner"), 0o644))
	assert.Eventually(t, func() bool { return r.seen(created, OpCreate, OpWrite) }, time.Second, 20*time.Millisecond)

	hidden := filepath.Join(dir, "skip", "deep", "c.go")
	require.NoError(t, os.WriteFile(hidden, []byte("x"), 0o644))
	time.Sleep(150 * time.Millisecond)
	assert.False(t, r.seen(hidden, OpCreate, OpWrite))
}
