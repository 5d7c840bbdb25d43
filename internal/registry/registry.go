// Package registry is the single owner of workspace and session records. Every mutation
// validates, performs its git side effect, then commits in memory and flushes the full
// snapshot to the store.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"treehouse/internal/apperr"
	"treehouse/internal/lockmap"
	"treehouse/internal/logging"
	"treehouse/internal/metrics"
	"treehouse/internal/model"
	"treehouse/internal/store"
)

// WorktreeDir is the directory, relative to the repository root, that holds session worktrees.
const WorktreeDir = ".worktrees"

// Git is the subset of the git runner the registry delegates to.
type Git interface {
	IsRepository(ctx context.Context, path string) bool
	CurrentBranch(ctx context.Context, repo string) (string, error)
	EnsureExcluded(ctx context.Context, repo, pattern string) error
	CreateWorktree(ctx context.Context, repo, path, branch, base string) error
	RemoveWorktree(ctx context.Context, repo, path string) error
	PruneWorktrees(ctx context.Context, repo string) error
	DeleteBranch(ctx context.Context, repo, branch string) error
}

// TeardownFunc is told about every session that leaves the registry.
type TeardownFunc func(session model.Session)

type Options struct {
	// Store defaults to an in-memory store.
	Store  store.Store
	Logger *slog.Logger
	Now    func() time.Time
}

type Registry struct {
	git    Git
	store  store.Store
	logger *slog.Logger
	now    func() time.Time

	// mu guards the maps. It is never held across git calls or store writes.
	mu         sync.RWMutex
	workspaces map[string]model.Workspace
	sessions   map[string]model.Session
	reserved   map[string]bool

	// locks serialises check-then-act sequences per entity.
	locks   lockmap.Map
	flushMu sync.Mutex

	hooksMu sync.RWMutex
	hooks   []TeardownFunc
}

func New(git Git, opts Options) *Registry {
	if opts.Store == nil {
		opts.Store = store.NewMemory()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		git:        git,
		store:      opts.Store,
		logger:     logging.OrDiscard(opts.Logger).With("component", "registry"),
		now:        opts.Now,
		workspaces: make(map[string]model.Workspace),
		sessions:   make(map[string]model.Session),
		reserved:   make(map[string]bool),
	}
}

// OnTeardown registers fn to run when sessions are deleted or cascaded away. A delete
// that removes the worktree runs it before the directory goes.
func (r *Registry) OnTeardown(fn TeardownFunc) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = append(r.hooks, fn)
}

func (r *Registry) teardown(sessions ...model.Session) {
	r.hooksMu.RLock()
	hooks := append([]TeardownFunc(nil), r.hooks...)
	r.hooksMu.RUnlock()
	for _, s := range sessions {
		for _, fn := range hooks {
			fn(s)
		}
	}
}

// Load replaces the in-memory tables with the store's snapshot. Sessions whose workspace
// is missing are dropped, and no session is running after a restart.
func (r *Registry) Load(ctx context.Context) error {
	snap, err := r.store.Load(ctx)
	if err != nil {
		return apperr.E(apperr.Op("registry.Load"), apperr.KindExternal, err)
	}

	r.mu.Lock()
	r.workspaces = make(map[string]model.Workspace, len(snap.Workspaces))
	r.sessions = make(map[string]model.Session, len(snap.Sessions))
	for _, w := range snap.Workspaces {
		r.workspaces[w.ID] = w
	}
	for _, s := range snap.Sessions {
		if _, ok := r.workspaces[s.WorkspaceID]; !ok {
			r.logger.Warn("dropping session of unknown workspace", "session", s.ID, "workspace", s.WorkspaceID)
			continue
		}
		if s.Status != model.StatusIdle {
			s.Status = model.StatusIdle
		}
		r.sessions[s.ID] = s
	}
	nw, ns := len(r.workspaces), len(r.sessions)
	r.mu.Unlock()

	metrics.SetRegistrySize(nw, ns)
	r.logger.Info("registry loaded", "workspaces", nw, "sessions", ns)
	return nil
}

// flush writes the current tables to the store. Snapshots are taken and saved in order,
// so the last save always reflects the latest commit.
func (r *Registry) flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.RLock()
	snap := store.Snapshot{
		Version:    store.SchemaVersion,
		Workspaces: sortedWorkspaces(r.workspaces),
		Sessions:   sortedSessions(r.sessions, ""),
	}
	r.mu.RUnlock()

	metrics.SetRegistrySize(len(snap.Workspaces), len(snap.Sessions))
	if err := r.store.Save(ctx, snap); err != nil {
		r.logger.Error("failed to persist registry", "error", err)
		return err
	}
	return nil
}

func sortedWorkspaces(m map[string]model.Workspace) []model.Workspace {
	out := make([]model.Workspace, 0, len(m))
	for _, w := range m {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func sortedSessions(m map[string]model.Session, workspaceID string) []model.Session {
	out := make([]model.Session, 0, len(m))
	for _, s := range m {
		if workspaceID == "" || s.WorkspaceID == workspaceID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) ListWorkspaces() []model.Workspace {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedWorkspaces(r.workspaces)
}

func (r *Registry) GetWorkspace(id string) (model.Workspace, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workspaces[id]
	if !ok {
		return model.Workspace{}, workspaceNotFound("registry.GetWorkspace", id)
	}
	return w, nil
}

func (r *Registry) ListSessions(workspaceID string) ([]model.Session, error) {
	if workspaceID == "" {
		return nil, apperr.Validation("registry.ListSessions", "Invalid workspaceId: must be a non-empty string")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedSessions(r.sessions, workspaceID), nil
}

func (r *Registry) GetSession(id string) (model.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return model.Session{}, sessionNotFound("registry.GetSession", id)
	}
	return s, nil
}

func workspaceNotFound(op apperr.Op, id string) error {
	return apperr.E(op, apperr.KindNotFound, fmt.Sprintf("Workspace '%s' not found", id))
}

func sessionNotFound(op apperr.Op, id string) error {
	return apperr.E(op, apperr.KindNotFound, fmt.Sprintf("Session '%s' not found", id))
}

func persistFailed(op apperr.Op, err error) error {
	return apperr.E(op, apperr.KindExternal, "failed to persist registry", err)
}

// AddWorkspace registers the git repository at path.
func (r *Registry) AddWorkspace(ctx context.Context, path string) (model.Workspace, error) {
	const op = apperr.Op("registry.AddWorkspace")
	if strings.TrimSpace(path) == "" {
		return model.Workspace{}, apperr.Validation(op, "Invalid path: must be a non-empty string")
	}
	repoPath, err := canonicalPath(path)
	if err != nil {
		return model.Workspace{}, apperr.Validation(op, "Invalid path %q: %v", path, err)
	}

	unlock := r.locks.Lock("path:" + repoPath)
	defer unlock()

	r.mu.RLock()
	dup := r.findByPath(repoPath)
	r.mu.RUnlock()
	if dup != "" {
		return model.Workspace{}, apperr.Conflict(op, apperr.ErrDuplicateWorkspace,
			fmt.Sprintf("Workspace with path '%s' already exists", repoPath))
	}

	if !r.git.IsRepository(ctx, repoPath) {
		return model.Workspace{}, apperr.Validation(op, "The specified path is not a git repository")
	}

	r.mu.Lock()
	ws := model.Workspace{
		ID:        r.uniqueID("ws-"+strconv.FormatInt(r.now().UnixMilli(), 10), r.workspaceTaken),
		Name:      filepath.Base(repoPath),
		RepoPath:  repoPath,
		CreatedAt: r.now(),
	}
	r.workspaces[ws.ID] = ws
	r.mu.Unlock()

	if err := r.flush(ctx); err != nil {
		r.mu.Lock()
		delete(r.workspaces, ws.ID)
		r.mu.Unlock()
		return model.Workspace{}, persistFailed(op, err)
	}

	r.logger.Info("workspace added", "id", ws.ID, "path", repoPath)
	return ws, nil
}

// canonicalPath makes path absolute and resolves symlinks when it exists.
func canonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return filepath.Clean(abs), nil
}

// findByPath must be called with r.mu held.
func (r *Registry) findByPath(repoPath string) string {
	for id, w := range r.workspaces {
		if w.RepoPath == repoPath {
			return id
		}
	}
	return ""
}

func (r *Registry) workspaceTaken(id string) bool {
	_, ok := r.workspaces[id]
	return ok
}

func (r *Registry) sessionTaken(id string) bool {
	_, ok := r.sessions[id]
	return ok || r.reserved[id]
}

// uniqueID appends -2, -3, ... to base until taken reports false. Called with r.mu held.
func (r *Registry) uniqueID(base string, taken func(string) bool) string {
	id := base
	for n := 2; taken(id); n++ {
		id = fmt.Sprintf("%s-%d", base, n)
	}
	return id
}

// RemoveWorkspace forgets a workspace and every session in it. Worktrees and branches on
// disk are left alone.
func (r *Registry) RemoveWorkspace(ctx context.Context, id string) error {
	const op = apperr.Op("registry.RemoveWorkspace")
	if id == "" {
		return apperr.Validation(op, "Invalid id: must be a non-empty string")
	}

	unlock := r.locks.Lock("ws:" + id)
	defer unlock()

	r.mu.Lock()
	ws, ok := r.workspaces[id]
	if !ok {
		r.mu.Unlock()
		return workspaceNotFound(op, id)
	}
	var removed []model.Session
	for sid, s := range r.sessions {
		if s.WorkspaceID == id {
			removed = append(removed, s)
			delete(r.sessions, sid)
		}
	}
	delete(r.workspaces, id)
	r.mu.Unlock()

	if err := r.flush(ctx); err != nil {
		r.mu.Lock()
		r.workspaces[id] = ws
		for _, s := range removed {
			r.sessions[s.ID] = s
		}
		r.mu.Unlock()
		return persistFailed(op, err)
	}

	r.logger.Info("workspace removed", "id", id, "sessions", len(removed))
	r.teardown(removed...)
	return nil
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]`)

// Slug lowercases name and replaces every other character with '-'. An empty name
// slugs to "work".
func Slug(name string) string {
	if name == "" {
		return "work"
	}
	return nonSlug.ReplaceAllString(strings.ToLower(name), "-")
}

// CreateSession branches off the workspace's current branch into a new worktree.
// Nothing is recorded unless the worktree exists.
func (r *Registry) CreateSession(ctx context.Context, workspaceID, name string) (model.Session, error) {
	const op = apperr.Op("registry.CreateSession")
	if workspaceID == "" {
		return model.Session{}, apperr.Validation(op, "Invalid workspaceId: must be a non-empty string")
	}
	name = strings.TrimSpace(name)

	unlock := r.locks.Lock("ws:" + workspaceID)
	defer unlock()

	ws, err := r.GetWorkspace(workspaceID)
	if err != nil {
		return model.Session{}, apperr.E(op, err)
	}

	base, err := r.git.CurrentBranch(ctx, ws.RepoPath)
	if err != nil {
		return model.Session{}, apperr.E(op, "Failed to get current branch", err)
	}

	now := r.now()
	r.mu.Lock()
	stamp := strconv.FormatInt(now.UnixMilli(), 10)
	id := r.uniqueID("session-"+stamp, r.sessionTaken)
	r.reserved[id] = true
	r.mu.Unlock()
	release := func() {
		r.mu.Lock()
		delete(r.reserved, id)
		r.mu.Unlock()
	}

	suffix := strings.TrimPrefix(id, "session-")
	slug := Slug(name)
	if name == "" {
		name = "Session " + now.Format(time.DateTime)
	}
	sess := model.Session{
		ID:           id,
		Name:         name,
		WorkspaceID:  workspaceID,
		Branch:       "session/" + suffix + "-" + slug,
		BaseBranch:   base,
		WorktreePath: filepath.Join(ws.RepoPath, WorktreeDir, id),
		Status:       model.StatusIdle,
		CreatedAt:    now,
	}

	if err := r.git.EnsureExcluded(ctx, ws.RepoPath, WorktreeDir+"/"); err != nil {
		r.logger.Warn("could not exclude worktree dir", "repo", ws.RepoPath, "error", err)
	}
	if err := r.git.CreateWorktree(ctx, ws.RepoPath, sess.WorktreePath, sess.Branch, base); err != nil {
		release()
		return model.Session{}, apperr.E(op, "Failed to create worktree", err)
	}

	r.mu.Lock()
	delete(r.reserved, id)
	if _, ok := r.workspaces[workspaceID]; !ok {
		r.mu.Unlock()
		r.rollbackWorktree(ws.RepoPath, sess)
		return model.Session{}, workspaceNotFound(op, workspaceID)
	}
	r.sessions[id] = sess
	r.mu.Unlock()

	if err := r.flush(ctx); err != nil {
		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()
		r.rollbackWorktree(ws.RepoPath, sess)
		return model.Session{}, persistFailed(op, err)
	}

	r.logger.Info("session created", "id", id, "workspace", workspaceID, "branch", sess.Branch, "base", base)
	return sess, nil
}

// rollbackWorktree undoes a worktree that will not be recorded. It must not depend on
// the caller's context, which may already be cancelled.
func (r *Registry) rollbackWorktree(repo string, sess model.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.git.RemoveWorktree(ctx, repo, sess.WorktreePath); err != nil {
		r.logger.Error("failed to roll back worktree", "path", sess.WorktreePath, "error", err)
	}
	if err := r.git.DeleteBranch(ctx, repo, sess.Branch); err != nil {
		r.logger.Error("failed to roll back branch", "branch", sess.Branch, "error", err)
	}
}

// OpenSession marks a session running.
func (r *Registry) OpenSession(ctx context.Context, id string) error {
	return r.setStatus(ctx, "registry.OpenSession", id, model.StatusRunning)
}

// CloseSession marks a session idle.
func (r *Registry) CloseSession(ctx context.Context, id string) error {
	return r.setStatus(ctx, "registry.CloseSession", id, model.StatusIdle)
}

// SetSessionStatus records agent activity for a session.
func (r *Registry) SetSessionStatus(ctx context.Context, id string, status model.SessionStatus) error {
	return r.setStatus(ctx, "registry.SetSessionStatus", id, status)
}

func (r *Registry) setStatus(ctx context.Context, op apperr.Op, id string, status model.SessionStatus) error {
	if id == "" {
		return apperr.Validation(op, "Invalid sessionId: must be a non-empty string")
	}
	if !status.Valid() {
		return apperr.Validation(op, "Invalid status %q", status)
	}

	unlock := r.locks.Lock("session:" + id)
	defer unlock()

	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return sessionNotFound(op, id)
	}
	prev := sess.Status
	if prev == status {
		r.mu.Unlock()
		return nil
	}
	if err := sess.Transition(status); err != nil {
		r.mu.Unlock()
		return apperr.E(op, apperr.KindConflict, err)
	}
	r.sessions[id] = sess
	r.mu.Unlock()

	if err := r.flush(ctx); err != nil {
		r.mu.Lock()
		if cur, ok := r.sessions[id]; ok {
			cur.Status = prev
			r.sessions[id] = cur
		}
		r.mu.Unlock()
		return persistFailed(op, err)
	}
	r.logger.Debug("session status", "id", id, "from", prev, "to", status)
	return nil
}

// ErrPartialCleanup marks a delete whose worktree was removed but whose branch was not.
var ErrPartialCleanup = errors.New("worktree removed but branch deletion failed")

// DeleteSession removes the requested on-disk state, then the record. The record stays
// when any requested cleanup fails.
func (r *Registry) DeleteSession(ctx context.Context, id string, opts model.DeleteOptions) error {
	const op = apperr.Op("registry.DeleteSession")
	if id == "" {
		return apperr.Validation(op, "Invalid sessionId: must be a non-empty string")
	}

	unlock := r.locks.Lock("session:" + id)
	defer unlock()

	r.mu.RLock()
	sess, ok := r.sessions[id]
	ws, wsOK := r.workspaces[sess.WorkspaceID]
	r.mu.RUnlock()
	if !ok {
		return sessionNotFound(op, id)
	}
	if !wsOK {
		return workspaceNotFound(op, sess.WorkspaceID)
	}

	touchedDisk, tornDown := false, false
	if opts.RemoveWorktree {
		// Nothing may keep running inside the directory being removed.
		r.teardown(sess)
		tornDown = true
		if err := r.removeWorktree(ctx, ws.RepoPath, sess.WorktreePath); err != nil {
			return apperr.E(op, "Failed to remove worktree", err)
		}
		touchedDisk = true
	}
	if opts.RemoveBranch {
		if err := r.git.DeleteBranch(ctx, ws.RepoPath, sess.Branch); err != nil {
			if touchedDisk {
				return apperr.E(op, apperr.KindExternal, ErrPartialCleanup, fmt.Sprintf("session '%s': %v", id, err))
			}
			return apperr.E(op, "Failed to delete branch", err)
		}
		touchedDisk = true
	}

	r.mu.Lock()
	_, still := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !still {
		// Cascaded away by RemoveWorkspace meanwhile.
		return nil
	}

	if err := r.flush(ctx); err != nil {
		if !touchedDisk {
			r.mu.Lock()
			r.sessions[id] = sess
			r.mu.Unlock()
		} else if !tornDown {
			r.teardown(sess)
		}
		return persistFailed(op, err)
	}

	r.logger.Info("session deleted", "id", id, "worktree", opts.RemoveWorktree, "branch", opts.RemoveBranch)
	if !tornDown {
		r.teardown(sess)
	}
	return nil
}

// removeWorktree tolerates a worktree directory that is already gone, so a retried delete
// after a partial cleanup can finish.
func (r *Registry) removeWorktree(ctx context.Context, repo, path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return r.git.PruneWorktrees(ctx, repo)
	}
	return r.git.RemoveWorktree(ctx, repo, path)
}
