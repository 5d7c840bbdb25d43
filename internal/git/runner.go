// Package git runs git subcommands against repositories and worktrees and parses
// their output into typed results.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"

	"treehouse/internal/apperr"
	"treehouse/internal/logging"
	"treehouse/internal/metrics"
	"treehouse/internal/model"
)

// CommandError is a failed git invocation. It matches apperr.ErrGitCommandFailed.
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("git %s failed: %s", strings.Join(e.Args, " "), msg)
}

func (e *CommandError) Unwrap() error { return e.Err }

func (e *CommandError) Is(target error) bool {
	return target == apperr.ErrGitCommandFailed
}

// Runner invokes the git binary. It holds no repository state.
type Runner struct {
	binary string
	logger *slog.Logger
}

// NewRunner creates a Runner using git from PATH.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{
		binary: "git",
		logger: logging.OrDiscard(logger).With("component", "git"),
	}
}

// run executes git -C dir args... and returns raw stdout.
func (r *Runner) run(ctx context.Context, dir string, args ...string) (string, error) {
	full := append([]string{"-C", dir}, args...)
	cmd := exec.CommandContext(ctx, r.binary, full...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_OPTIONAL_LOCKS=0", "LC_ALL=C")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	metrics.RecordGitCommand(args[0], err, time.Since(start))
	r.logger.Debug("git", "dir", dir, "args", args, "took", time.Since(start), "err", err)

	if err != nil {
		return stdout.String(), &CommandError{Args: args, Stderr: stderr.String(), Err: err}
	}
	return stdout.String(), nil
}

func external(op apperr.Op, err error) error {
	return apperr.E(op, apperr.KindExternal, err)
}

// IsRepository reports whether path is the root of a git repository or linked worktree.
// Every failure collapses to false.
func (r *Runner) IsRepository(ctx context.Context, path string) bool {
	if ctx.Err() != nil {
		return false
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	_, err = gogit.PlainOpenWithOptions(path, &gogit.PlainOpenOptions{EnableDotGitCommonDir: true})
	return err == nil
}

// CurrentBranch returns the branch checked out in repo. A detached HEAD is an error.
func (r *Runner) CurrentBranch(ctx context.Context, repo string) (string, error) {
	out, err := r.run(ctx, repo, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", external("git.CurrentBranch", err)
	}
	branch := strings.TrimSpace(out)
	if branch == "" {
		return "", apperr.E(apperr.Op("git.CurrentBranch"), apperr.KindExternal, "HEAD is detached", apperr.ErrGitCommandFailed)
	}
	return branch, nil
}

// CreateWorktree creates branch at base and checks it out in a new worktree at path.
func (r *Runner) CreateWorktree(ctx context.Context, repo, path, branch, base string) error {
	if _, err := r.run(ctx, repo, "worktree", "add", "-b", branch, path, base); err != nil {
		return external("git.CreateWorktree", err)
	}
	return nil
}

// RemoveWorktree force-removes the worktree at path.
func (r *Runner) RemoveWorktree(ctx context.Context, repo, path string) error {
	if _, err := r.run(ctx, repo, "worktree", "remove", "--force", path); err != nil {
		return external("git.RemoveWorktree", err)
	}
	return nil
}

// PruneWorktrees drops administrative entries of worktrees whose directory is gone.
func (r *Runner) PruneWorktrees(ctx context.Context, repo string) error {
	if _, err := r.run(ctx, repo, "worktree", "prune"); err != nil {
		return external("git.PruneWorktrees", err)
	}
	return nil
}

// DeleteBranch force-deletes branch, merged or not.
func (r *Runner) DeleteBranch(ctx context.Context, repo, branch string) error {
	if _, err := r.run(ctx, repo, "branch", "-D", "--end-of-options", branch); err != nil {
		return external("git.DeleteBranch", err)
	}
	return nil
}

// Status lists changed files in dir.
func (r *Runner) Status(ctx context.Context, dir string) ([]model.StatusEntry, error) {
	out, err := r.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return nil, external("git.Status", err)
	}
	return ParseStatus(out), nil
}

// IsClean reports whether repo has no changes at all, untracked files included.
func (r *Runner) IsClean(ctx context.Context, repo string) (bool, error) {
	entries, err := r.Status(ctx, repo)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}

func invalidBranch(op apperr.Op, name string) error {
	return apperr.Validation(op, "Invalid branch name: %q", name)
}

// Checkout switches repo to branch.
func (r *Runner) Checkout(ctx context.Context, repo, branch string) error {
	if !model.ValidBranchName(branch) {
		return invalidBranch("git.Checkout", branch)
	}
	if _, err := r.run(ctx, repo, "checkout", "--end-of-options", branch, "--"); err != nil {
		return external("git.Checkout", err)
	}
	return nil
}

// Merge checks out target and merges source into it. Conflicts are reported in the
// result with a nil error; any other merge failure is an error.
func (r *Runner) Merge(ctx context.Context, repo, source, target string) (model.MergeResult, error) {
	if err := r.Checkout(ctx, repo, target); err != nil {
		return model.MergeResult{}, err
	}
	return r.MergeBranch(ctx, repo, source, target)
}

// MergeBranch merges source into the checked-out target branch of repo.
func (r *Runner) MergeBranch(ctx context.Context, repo, source, target string) (model.MergeResult, error) {
	if !model.ValidBranchName(source) {
		return model.MergeResult{}, invalidBranch("git.Merge", source)
	}
	_, mergeErr := r.run(ctx, repo, "merge", "--no-edit", "--end-of-options", source)
	if mergeErr == nil {
		return model.MergeResult{
			Success: true,
			Message: fmt.Sprintf("Merged %s into %s", source, target),
		}, nil
	}

	raw, err := r.run(ctx, repo, "status", "--porcelain")
	if err != nil {
		return model.MergeResult{}, external("git.Merge", mergeErr)
	}
	conflicts := ConflictedPaths(raw)
	if len(conflicts) == 0 {
		return model.MergeResult{}, external("git.Merge", mergeErr)
	}
	return model.MergeResult{
		Success:    false,
		Conflicted: true,
		Message:    fmt.Sprintf("Merge conflict in %d file(s)", len(conflicts)),
		Conflicts:  conflicts,
	}, nil
}

// AbortMerge backs out of an in-progress merge.
func (r *Runner) AbortMerge(ctx context.Context, repo string) error {
	if _, err := r.run(ctx, repo, "merge", "--abort"); err != nil {
		return external("git.AbortMerge", err)
	}
	return nil
}

// BranchInfo counts commits HEAD has that base lacks (ahead) and vice versa (behind).
func (r *Runner) BranchInfo(ctx context.Context, worktree, base string) (model.BranchInfo, error) {
	current, err := r.CurrentBranch(ctx, worktree)
	if err != nil {
		return model.BranchInfo{}, err
	}
	out, err := r.run(ctx, worktree, "rev-list", "--left-right", "--count", base+"...HEAD")
	if err != nil {
		return model.BranchInfo{}, external("git.BranchInfo", err)
	}
	behind, ahead, err := parseLeftRight(out)
	if err != nil {
		return model.BranchInfo{}, apperr.E(apperr.Op("git.BranchInfo"), apperr.KindExternal, err)
	}
	return model.BranchInfo{Current: current, Target: base, Ahead: ahead, Behind: behind}, nil
}

// ListBranches returns the local branch names of repo.
func (r *Runner) ListBranches(ctx context.Context, repo string) ([]string, error) {
	out, err := r.run(ctx, repo, "branch", "--list", "--format=%(refname:short)")
	if err != nil {
		return nil, external("git.ListBranches", err)
	}
	var branches []string
	for _, line := range strings.Split(out, "\n") {
		if b := strings.TrimSpace(line); b != "" {
			branches = append(branches, b)
		}
	}
	return branches, nil
}

// EnsureExcluded adds pattern to the repository's info/exclude so session worktrees
// nested inside the repository never show up as untracked files.
func (r *Runner) EnsureExcluded(ctx context.Context, repo, pattern string) error {
	out, err := r.run(ctx, repo, "rev-parse", "--git-common-dir")
	if err != nil {
		return external("git.EnsureExcluded", err)
	}
	gitDir := strings.TrimSpace(out)
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(repo, gitDir)
	}
	excludePath := filepath.Join(gitDir, "info", "exclude")

	data, err := os.ReadFile(excludePath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == pattern {
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(excludePath), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(excludePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	prefix := ""
	if len(data) > 0 && !bytes.HasSuffix(data, []byte("\n")) {
		prefix = "\n"
	}
	_, err = f.WriteString(prefix + pattern + "\n")
	return err
}

func parseLeftRight(out string) (left, right int, err error) {
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unexpected rev-list output %q", strings.TrimSpace(out))
	}
	if left, err = strconv.Atoi(fields[0]); err != nil {
		return 0, 0, err
	}
	if right, err = strconv.Atoi(fields[1]); err != nil {
		return 0, 0, err
	}
	return left, right, nil
}
