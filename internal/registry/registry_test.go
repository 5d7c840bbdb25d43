package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treehouse/internal/apperr"
	"treehouse/internal/git"
	"treehouse/internal/gittest"
	"treehouse/internal/model"
	"treehouse/internal/store"
)

type fakeGit struct {
	mu        sync.Mutex
	repos     map[string]bool
	branch    string
	worktrees map[string]string // path -> branch
	branches  map[string]bool
	calls     []string

	failCreate, failRemove, failDelete, failBranch error
}

func newFakeGit(repos ...string) *fakeGit {
	g := &fakeGit{
		repos:     map[string]bool{},
		branch:    "main",
		worktrees: map[string]string{},
		branches:  map[string]bool{},
	}
	for _, r := range repos {
		g.repos[r] = true
	}
	return g
}

func (g *fakeGit) record(call string) {
	g.mu.Lock()
	g.calls = append(g.calls, call)
	g.mu.Unlock()
}

func (g *fakeGit) IsRepository(ctx context.Context, path string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.repos[path]
}

func (g *fakeGit) CurrentBranch(ctx context.Context, repo string) (string, error) {
	if g.failBranch != nil {
		return "", g.failBranch
	}
	return g.branch, nil
}

func (g *fakeGit) EnsureExcluded(ctx context.Context, repo, pattern string) error {
	g.record("exclude " + pattern)
	return nil
}

func (g *fakeGit) CreateWorktree(ctx context.Context, repo, path, branch, base string) error {
	g.record("worktree add " + branch)
	if g.failCreate != nil {
		return g.failCreate
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.worktrees[path] = branch
	g.branches[branch] = true
	return nil
}

func (g *fakeGit) RemoveWorktree(ctx context.Context, repo, path string) error {
	g.record("worktree remove")
	if g.failRemove != nil {
		return g.failRemove
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.worktrees, path)
	return nil
}

func (g *fakeGit) PruneWorktrees(ctx context.Context, repo string) error {
	g.record("worktree prune")
	return nil
}

func (g *fakeGit) DeleteBranch(ctx context.Context, repo, branch string) error {
	g.record("branch -D " + branch)
	if g.failDelete != nil {
		return g.failDelete
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.branches, branch)
	return nil
}

func (g *fakeGit) worktreeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.worktrees)
}

// fixedClock returns a clock that advances one millisecond per call.
func fixedClock() func() time.Time {
	var mu sync.Mutex
	t := time.UnixMilli(1700000000000)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}

func newTestRegistry(t *testing.T, g Git) (*Registry, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return New(g, Options{Store: mem, Now: fixedClock()}), mem
}

// repoDir returns an existing directory so canonicalPath resolves it stably.
func repoDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}

func TestAddWorkspace(t *testing.T) {
	dir := repoDir(t)
	r, mem := newTestRegistry(t, newFakeGit(dir))
	ctx := context.Background()

	ws, err := r.AddWorkspace(ctx, dir+"/.")
	require.NoError(t, err)
	assert.Equal(t, dir, ws.RepoPath)
	assert.Equal(t, filepath.Base(dir), ws.Name)
	assert.Regexp(t, `^ws-\d+$`, ws.ID)

	snap, _ := mem.Load(ctx)
	assert.Len(t, snap.Workspaces, 1)

	_, err = r.AddWorkspace(ctx, dir)
	assert.True(t, apperr.Is(err, apperr.KindConflict))
	assert.ErrorIs(t, err, apperr.ErrDuplicateWorkspace)
	assert.Len(t, r.ListWorkspaces(), 1)
}

func TestAddWorkspace_Rejections(t *testing.T) {
	r, _ := newTestRegistry(t, newFakeGit())
	ctx := context.Background()

	_, err := r.AddWorkspace(ctx, "")
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = r.AddWorkspace(ctx, repoDir(t))
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.EqualError(t, err, "The specified path is not a git repository")
	assert.Empty(t, r.ListWorkspaces())
}

func TestAddWorkspace_ConcurrentDuplicates(t *testing.T) {
	dir := repoDir(t)
	r, _ := newTestRegistry(t, newFakeGit(dir))

	var wg sync.WaitGroup
	var mu sync.Mutex
	okCount := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.AddWorkspace(context.Background(), dir); err == nil {
				mu.Lock()
				okCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, okCount)
	assert.Len(t, r.ListWorkspaces(), 1)
}

func TestAddWorkspace_FlushFailureReverts(t *testing.T) {
	dir := repoDir(t)
	r, mem := newTestRegistry(t, newFakeGit(dir))
	mem.FailSave = errors.New("disk full")

	_, err := r.AddWorkspace(context.Background(), dir)
	assert.True(t, apperr.Is(err, apperr.KindExternal))
	assert.Empty(t, r.ListWorkspaces())
}

func TestCreateSession(t *testing.T) {
	dir := repoDir(t)
	g := newFakeGit(dir)
	r, mem := newTestRegistry(t, g)
	ctx := context.Background()
	ws, err := r.AddWorkspace(ctx, dir)
	require.NoError(t, err)

	s, err := r.CreateSession(ctx, ws.ID, "Fix Login Bug")
	require.NoError(t, err)
	assert.Regexp(t, `^session-\d+$`, s.ID)
	assert.Regexp(t, `^session/\d+-fix-login-bug$`, s.Branch)
	assert.Equal(t, "main", s.BaseBranch)
	assert.Equal(t, filepath.Join(dir, ".worktrees", s.ID), s.WorktreePath)
	assert.Equal(t, model.StatusIdle, s.Status)
	assert.Equal(t, "Fix Login Bug", s.Name)
	assert.Contains(t, g.calls, "exclude .worktrees/")

	unnamed, err := r.CreateSession(ctx, ws.ID, "")
	require.NoError(t, err)
	assert.Regexp(t, `-work$`, unnamed.Branch)
	assert.Regexp(t, `^Session \d{4}-\d{2}-\d{2} `, unnamed.Name)

	list, err := r.ListSessions(ws.ID)
	require.NoError(t, err)
	assert.Len(t, list, 2)
	snap, _ := mem.Load(ctx)
	assert.Len(t, snap.Sessions, 2)
}

func TestCreateSession_SameMillisecond(t *testing.T) {
	dir := repoDir(t)
	g := newFakeGit(dir)
	frozen := time.UnixMilli(1700000000000)
	r := New(g, Options{Now: func() time.Time { return frozen }})
	ctx := context.Background()
	ws, err := r.AddWorkspace(ctx, dir)
	require.NoError(t, err)

	a, err := r.CreateSession(ctx, ws.ID, "x")
	require.NoError(t, err)
	b, err := r.CreateSession(ctx, ws.ID, "x")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.Branch, b.Branch)
	assert.NotEqual(t, a.WorktreePath, b.WorktreePath)
}

func TestCreateSession_Failures(t *testing.T) {
	dir := repoDir(t)
	g := newFakeGit(dir)
	r, _ := newTestRegistry(t, g)
	ctx := context.Background()
	ws, err := r.AddWorkspace(ctx, dir)
	require.NoError(t, err)

	_, err = r.CreateSession(ctx, "", "x")
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = r.CreateSession(ctx, "ws-missing", "x")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	g.failCreate = apperr.External("git.CreateWorktree", errors.New("fatal: invalid reference"))
	_, err = r.CreateSession(ctx, ws.ID, "x")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindExternal))
	assert.Contains(t, err.Error(), "invalid reference")
	list, _ := r.ListSessions(ws.ID)
	assert.Empty(t, list)

	g.failCreate = nil
	g.failBranch = apperr.External("git.CurrentBranch", errors.New("not a git repository"))
	_, err = r.CreateSession(ctx, ws.ID, "x")
	assert.Error(t, err)
	assert.Equal(t, 0, g.worktreeCount())
}

func TestCreateSession_FlushFailureRollsBackWorktree(t *testing.T) {
	dir := repoDir(t)
	g := newFakeGit(dir)
	r, mem := newTestRegistry(t, g)
	ctx := context.Background()
	ws, err := r.AddWorkspace(ctx, dir)
	require.NoError(t, err)

	mem.FailSave = errors.New("read-only file system")
	_, err = r.CreateSession(ctx, ws.ID, "x")
	assert.True(t, apperr.Is(err, apperr.KindExternal))
	list, _ := r.ListSessions(ws.ID)
	assert.Empty(t, list)
	assert.Equal(t, 0, g.worktreeCount())
}

func TestOpenCloseSession(t *testing.T) {
	dir := repoDir(t)
	r, _ := newTestRegistry(t, newFakeGit(dir))
	ctx := context.Background()
	ws, _ := r.AddWorkspace(ctx, dir)
	s, err := r.CreateSession(ctx, ws.ID, "x")
	require.NoError(t, err)

	require.NoError(t, r.OpenSession(ctx, s.ID))
	got, _ := r.GetSession(s.ID)
	assert.Equal(t, model.StatusRunning, got.Status)

	require.NoError(t, r.CloseSession(ctx, s.ID))
	got, _ = r.GetSession(s.ID)
	assert.Equal(t, model.StatusIdle, got.Status)

	assert.True(t, apperr.Is(r.OpenSession(ctx, "session-missing"), apperr.KindNotFound))
	assert.True(t, apperr.Is(r.CloseSession(ctx, ""), apperr.KindValidation))
	assert.True(t, apperr.Is(r.SetSessionStatus(ctx, s.ID, "paused"), apperr.KindValidation))

	require.NoError(t, r.SetSessionStatus(ctx, s.ID, model.StatusError))
	got, _ = r.GetSession(s.ID)
	assert.Equal(t, model.StatusError, got.Status)
}

func TestDeleteSession(t *testing.T) {
	dir := repoDir(t)
	g := newFakeGit(dir)
	r, _ := newTestRegistry(t, g)
	ctx := context.Background()
	ws, _ := r.AddWorkspace(ctx, dir)

	var torn []string
	r.OnTeardown(func(s model.Session) { torn = append(torn, s.ID) })

	s, err := r.CreateSession(ctx, ws.ID, "x")
	require.NoError(t, err)
	// the fake does not touch disk; make the worktree dir exist so remove is used
	require.NoError(t, os.MkdirAll(s.WorktreePath, 0o755))

	require.NoError(t, r.DeleteSession(ctx, s.ID, model.DeleteOptions{RemoveWorktree: true, RemoveBranch: true}))
	_, err = r.GetSession(s.ID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	assert.Contains(t, g.calls, "worktree remove")
	assert.Contains(t, g.calls, "branch -D "+s.Branch)
	assert.Equal(t, []string{s.ID}, torn)

	assert.True(t, apperr.Is(r.DeleteSession(ctx, s.ID, model.DeleteOptions{}), apperr.KindNotFound))
}

func TestDeleteSession_CleanupFailureKeepsRecord(t *testing.T) {
	dir := repoDir(t)
	g := newFakeGit(dir)
	r, _ := newTestRegistry(t, g)
	ctx := context.Background()
	ws, _ := r.AddWorkspace(ctx, dir)
	s, err := r.CreateSession(ctx, ws.ID, "x")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(s.WorktreePath, 0o755))

	g.failRemove = errors.New("worktree is dirty")
	err = r.DeleteSession(ctx, s.ID, model.DeleteOptions{RemoveWorktree: true})
	assert.Error(t, err)
	_, err = r.GetSession(s.ID)
	assert.NoError(t, err)

	// worktree goes, branch deletion fails: the record stays and the error says so
	g.failRemove = nil
	g.failDelete = errors.New("branch is checked out")
	err = r.DeleteSession(ctx, s.ID, model.DeleteOptions{RemoveWorktree: true, RemoveBranch: true})
	assert.ErrorIs(t, err, ErrPartialCleanup)
	_, err = r.GetSession(s.ID)
	assert.NoError(t, err)

	// a retry after the directory is gone prunes instead of failing
	require.NoError(t, os.RemoveAll(s.WorktreePath))
	g.failDelete = nil
	require.NoError(t, r.DeleteSession(ctx, s.ID, model.DeleteOptions{RemoveWorktree: true, RemoveBranch: true}))
	assert.Contains(t, g.calls, "worktree prune")
}

func TestDeleteSession_TeardownPrecedesWorktreeRemoval(t *testing.T) {
	dir := repoDir(t)
	g := newFakeGit(dir)
	r, mem := newTestRegistry(t, g)
	ctx := context.Background()
	ws, _ := r.AddWorkspace(ctx, dir)
	s, err := r.CreateSession(ctx, ws.ID, "x")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(s.WorktreePath, 0o755))

	torn := 0
	r.OnTeardown(func(sess model.Session) {
		torn++
		g.mu.Lock()
		defer g.mu.Unlock()
		assert.NotContains(t, g.calls, "worktree remove")
		assert.Contains(t, g.worktrees, sess.WorktreePath)
	})

	// the flush fails after disk cleanup: the record is gone and teardown still ran once
	mem.FailSave = errors.New("disk full")
	err = r.DeleteSession(ctx, s.ID, model.DeleteOptions{RemoveWorktree: true, RemoveBranch: true})
	assert.True(t, apperr.Is(err, apperr.KindExternal))
	assert.Equal(t, 1, torn)
	assert.Contains(t, g.calls, "worktree remove")
	_, err = r.GetSession(s.ID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestDeleteSession_FlushFailureAfterBranchDeleteTearsDown(t *testing.T) {
	dir := repoDir(t)
	g := newFakeGit(dir)
	r, mem := newTestRegistry(t, g)
	ctx := context.Background()
	ws, _ := r.AddWorkspace(ctx, dir)
	s, err := r.CreateSession(ctx, ws.ID, "x")
	require.NoError(t, err)

	var torn []string
	r.OnTeardown(func(sess model.Session) { torn = append(torn, sess.ID) })

	mem.FailSave = errors.New("disk full")
	err = r.DeleteSession(ctx, s.ID, model.DeleteOptions{RemoveBranch: true})
	assert.True(t, apperr.Is(err, apperr.KindExternal))
	assert.Equal(t, []string{s.ID}, torn)
}

func TestRemoveWorkspaceCascades(t *testing.T) {
	dirA, dirB := repoDir(t), repoDir(t)
	g := newFakeGit(dirA, dirB)
	r, mem := newTestRegistry(t, g)
	ctx := context.Background()

	a, _ := r.AddWorkspace(ctx, dirA)
	b, _ := r.AddWorkspace(ctx, dirB)
	for i := 0; i < 3; i++ {
		_, err := r.CreateSession(ctx, a.ID, fmt.Sprint("a", i))
		require.NoError(t, err)
	}
	keep, err := r.CreateSession(ctx, b.ID, "b")
	require.NoError(t, err)

	var torn int
	r.OnTeardown(func(model.Session) { torn++ })

	require.NoError(t, r.RemoveWorkspace(ctx, a.ID))
	assert.Equal(t, 3, torn)
	assert.True(t, apperr.Is(r.RemoveWorkspace(ctx, a.ID), apperr.KindNotFound))

	snap, _ := mem.Load(ctx)
	require.Len(t, snap.Sessions, 1)
	assert.Equal(t, keep.ID, snap.Sessions[0].ID)
	for _, s := range snap.Sessions {
		assert.NotEqual(t, a.ID, s.WorkspaceID)
	}
	// the filesystem is untouched
	assert.Equal(t, 4, g.worktreeCount())
}

func TestLoad(t *testing.T) {
	mem := store.NewMemory()
	created := time.UnixMilli(1700000000000)
	require.NoError(t, mem.Save(context.Background(), store.Snapshot{
		Workspaces: []model.Workspace{{ID: "ws-1", Name: "repo", RepoPath: "/repo", CreatedAt: created}},
		Sessions: []model.Session{
			{ID: "session-1", WorkspaceID: "ws-1", Status: model.StatusRunning, CreatedAt: created},
			{ID: "session-2", WorkspaceID: "ws-gone", Status: model.StatusIdle, CreatedAt: created},
		},
	}))

	r := New(newFakeGit(), Options{Store: mem})
	require.NoError(t, r.Load(context.Background()))

	assert.Len(t, r.ListWorkspaces(), 1)
	s, err := r.GetSession("session-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusIdle, s.Status)
	_, err = r.GetSession("session-2")
	assert.Error(t, err)
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "work", Slug(""))
	assert.Equal(t, "fix-bug-", Slug("Fix Bug!"))
	assert.Equal(t, "caf--1", Slug("Café 1"))
}

// Real git: the session worktree exists on disk and is ignored by the main checkout.
func TestCreateAndDeleteSession_RealGit(t *testing.T) {
	repo := gittest.InitRepo(t)
	runner := git.NewRunner(nil)
	r := New(runner, Options{})
	ctx := context.Background()

	ws, err := r.AddWorkspace(ctx, repo)
	require.NoError(t, err)
	s, err := r.CreateSession(ctx, ws.ID, "feature")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(s.WorktreePath, "README.md"))
	require.NoError(t, err)
	clean, err := runner.IsClean(ctx, repo)
	require.NoError(t, err)
	assert.True(t, clean)

	require.NoError(t, r.DeleteSession(ctx, s.ID, model.DeleteOptions{RemoveWorktree: true, RemoveBranch: true}))
	_, err = os.Stat(s.WorktreePath)
	assert.True(t, os.IsNotExist(err))
	branches, err := runner.ListBranches(ctx, repo)
	require.NoError(t, err)
	assert.NotContains(t, branches, s.Branch)
}
