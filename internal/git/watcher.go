package git

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"treehouse/internal/eventhub"
	"treehouse/internal/logging"
	"treehouse/internal/model"
	"treehouse/internal/watcher"
)

// StatusSource computes a working tree status.
type StatusSource interface {
	Status(ctx context.Context, dir string) ([]model.StatusEntry, error)
}

// StatusWatcher publishes a git status event for a session whenever a file anywhere in
// its worktree, or its git admin directory, changes.
type StatusWatcher struct {
	source   StatusSource
	hub      *eventhub.Hub
	debounce time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	watchers map[string]*watcher.Watcher // session id -> watcher
	group    singleflight.Group
}

// NewStatusWatcher creates a StatusWatcher. A zero debounce uses 300ms.
func NewStatusWatcher(source StatusSource, hub *eventhub.Hub, debounce time.Duration, logger *slog.Logger) *StatusWatcher {
	if debounce <= 0 {
		debounce = 300 * time.Millisecond
	}
	return &StatusWatcher{
		source:   source,
		hub:      hub,
		debounce: debounce,
		logger:   logging.OrDiscard(logger).With("component", "git-watcher"),
		watchers: make(map[string]*watcher.Watcher),
	}
}

// Watch starts watching dir on behalf of sessionID and publishes an initial status.
// Watching an already watched session is a no-op.
func (g *StatusWatcher) Watch(sessionID, dir string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.watchers[sessionID]; exists {
		return nil
	}

	w, err := watcher.New(watcher.Config{
		Debounce: g.debounce,
		Coalesce: true,
		Ignore:   ignoreGitNoise,
		SkipDir:  skipTreeDir,
		Logger:   g.logger,
	}, func([]watcher.Change) {
		g.Refresh(sessionID, dir)
	})
	if err != nil {
		return fmt.Errorf("failed to watch worktree: %w", err)
	}
	if err := w.AddTree(dir); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch worktree: %w", err)
	}

	if admin := adminDir(dir); admin != "" {
		if err := w.Add(admin); err != nil {
			g.logger.Debug("admin dir not watched", "dir", admin, "error", err)
		}
	}
	g.watchers[sessionID] = w

	go g.Refresh(sessionID, dir)
	return nil
}

// Unwatch stops watching the session's worktree.
func (g *StatusWatcher) Unwatch(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if w, exists := g.watchers[sessionID]; exists {
		w.Close()
		delete(g.watchers, sessionID)
	}
}

// Watching reports whether sessionID has an active watch.
func (g *StatusWatcher) Watching(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.watchers[sessionID]
	return ok
}

// Close stops every watch.
func (g *StatusWatcher) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, w := range g.watchers {
		w.Close()
	}
	g.watchers = make(map[string]*watcher.Watcher)
}

// Refresh computes the status of dir and publishes it. Concurrent refreshes of the
// same directory share one git invocation.
func (g *StatusWatcher) Refresh(sessionID, dir string) {
	v, err, _ := g.group.Do(dir, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return g.source.Status(ctx, dir)
	})
	if err != nil {
		g.logger.Warn("status refresh failed", "session", sessionID, "dir", dir, "err", err)
		return
	}
	g.hub.EmitGitStatus(sessionID, dir, v.([]model.StatusEntry))
}

// adminDir returns the git directory backing a worktree: <dir>/.git for a main
// checkout, or the gitdir named by the .git file of a linked worktree.
func adminDir(dir string) string {
	dotGit := filepath.Join(dir, ".git")
	info, err := os.Stat(dotGit)
	if err != nil {
		return ""
	}
	if info.IsDir() {
		return dotGit
	}
	data, err := os.ReadFile(dotGit)
	if err != nil {
		return ""
	}
	line := strings.TrimSpace(string(data))
	if !strings.HasPrefix(line, "gitdir:") {
		return ""
	}
	gitdir := strings.TrimSpace(strings.TrimPrefix(line, "gitdir:"))
	if !filepath.IsAbs(gitdir) {
		gitdir = filepath.Join(dir, gitdir)
	}
	return gitdir
}

// skipTreeDir keeps the worktree watch out of git's own storage and out of nested
// session worktrees.
func skipTreeDir(path string) bool {
	base := filepath.Base(path)
	return base == ".git" || base == ".worktrees"
}

func ignoreGitNoise(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, ".lock") || base == ".worktrees"
}
