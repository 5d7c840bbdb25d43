// Package merge runs the checkout-and-merge sequence on a workspace's main checkout,
// one sequence per workspace at a time.
package merge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"treehouse/internal/apperr"
	"treehouse/internal/lockmap"
	"treehouse/internal/logging"
	"treehouse/internal/metrics"
	"treehouse/internal/model"
)

// Git is the subset of the git runner the coordinator drives.
type Git interface {
	IsClean(ctx context.Context, repo string) (bool, error)
	Checkout(ctx context.Context, repo, branch string) error
	MergeBranch(ctx context.Context, repo, source, target string) (model.MergeResult, error)
	AbortMerge(ctx context.Context, repo string) error
}

// Workspaces resolves workspace ids.
type Workspaces interface {
	GetWorkspace(id string) (model.Workspace, error)
}

type Coordinator struct {
	git        Git
	workspaces Workspaces
	logger     *slog.Logger
	locks      lockmap.Map
}

func NewCoordinator(git Git, workspaces Workspaces, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		git:        git,
		workspaces: workspaces,
		logger:     logging.OrDiscard(logger).With("component", "merge"),
	}
}

// Merge merges source into target in the workspace's repository. A conflicted merge is a
// result, not an error; the repository is left mid-merge for the user to resolve or abort.
func (c *Coordinator) Merge(ctx context.Context, workspaceID, source, target string) (model.MergeResult, error) {
	const op = apperr.Op("merge.Merge")
	switch {
	case workspaceID == "":
		return model.MergeResult{}, apperr.Validation(op, "Invalid workspaceId: must be a non-empty string")
	case source == "":
		return model.MergeResult{}, apperr.Validation(op, "Invalid sourceBranch: must be a non-empty string")
	case target == "":
		return model.MergeResult{}, apperr.Validation(op, "Invalid targetBranch: must be a non-empty string")
	case !model.ValidBranchName(source):
		return model.MergeResult{}, apperr.Validation(op, "Invalid sourceBranch: not a valid branch name")
	case !model.ValidBranchName(target):
		return model.MergeResult{}, apperr.Validation(op, "Invalid targetBranch: not a valid branch name")
	}

	ws, err := c.workspaces.GetWorkspace(workspaceID)
	if err != nil {
		return model.MergeResult{}, apperr.E(op, err)
	}

	unlock := c.locks.Lock(workspaceID)
	defer unlock()

	start := time.Now()
	clean, err := c.git.IsClean(ctx, ws.RepoPath)
	if err != nil {
		metrics.RecordMerge("error")
		return model.MergeResult{}, apperr.E(op, err)
	}
	if !clean {
		metrics.RecordMerge("dirty")
		return model.MergeResult{}, apperr.E(op, apperr.KindConflict, apperr.ErrDirtyWorkingTree)
	}

	if err := c.git.Checkout(ctx, ws.RepoPath, target); err != nil {
		metrics.RecordMerge("checkout_failed")
		return model.MergeResult{}, apperr.E(op, apperr.KindExternal, fmt.Errorf("%w: %v", apperr.ErrCheckoutFailed, err))
	}

	res, err := c.git.MergeBranch(ctx, ws.RepoPath, source, target)
	if err != nil {
		metrics.RecordMerge("error")
		return model.MergeResult{}, apperr.E(op, err)
	}

	outcome := "success"
	if res.Conflicted {
		outcome = "conflicted"
	}
	metrics.RecordMerge(outcome)
	c.logger.Info("merge finished", "workspace", workspaceID, "source", source, "target", target,
		"outcome", outcome, "conflicts", len(res.Conflicts), "duration", time.Since(start))
	return res, nil
}

// Abort backs out of a conflicted merge in the workspace's repository.
func (c *Coordinator) Abort(ctx context.Context, workspaceID string) error {
	const op = apperr.Op("merge.Abort")
	if workspaceID == "" {
		return apperr.Validation(op, "Invalid workspaceId: must be a non-empty string")
	}
	ws, err := c.workspaces.GetWorkspace(workspaceID)
	if err != nil {
		return apperr.E(op, err)
	}

	unlock := c.locks.Lock(workspaceID)
	defer unlock()

	if err := c.git.AbortMerge(ctx, ws.RepoPath); err != nil {
		return apperr.E(op, err)
	}
	c.logger.Info("merge aborted", "workspace", workspaceID)
	return nil
}
