package app

import (
	"context"
	"time"

	"treehouse/internal/apperr"
	"treehouse/internal/ipc"
	"treehouse/internal/model"
)

// Pong is the payload of system.ping.
type Pong struct {
	Version string    `json:"version"`
	Time    time.Time `json:"time"`
}

func (a *App) listWorkspaces(ctx context.Context, _ ipc.Empty) (any, error) {
	return a.registry.ListWorkspaces(), nil
}

func (a *App) addWorkspace(ctx context.Context, req ipc.AddWorkspaceRequest) (any, error) {
	return a.registry.AddWorkspace(ctx, req.Path)
}

func (a *App) removeWorkspace(ctx context.Context, req ipc.RemoveWorkspaceRequest) (any, error) {
	return nil, a.registry.RemoveWorkspace(ctx, req.ID)
}

func (a *App) listSessions(ctx context.Context, req ipc.WorkspaceRequest) (any, error) {
	return a.registry.ListSessions(req.WorkspaceID)
}

func (a *App) getSession(ctx context.Context, req ipc.SessionRequest) (any, error) {
	return a.registry.GetSession(req.ID)
}

func (a *App) createSession(ctx context.Context, req ipc.CreateSessionRequest) (any, error) {
	return a.registry.CreateSession(ctx, req.WorkspaceID, req.Name)
}

// openSession marks the session running and starts publishing its git status.
func (a *App) openSession(ctx context.Context, req ipc.SessionRequest) (any, error) {
	if err := a.registry.OpenSession(ctx, req.ID); err != nil {
		return nil, err
	}
	if a.cfg.Watcher.Enabled {
		if s, err := a.registry.GetSession(req.ID); err == nil {
			if err := a.watcher.Watch(s.ID, s.WorktreePath); err != nil {
				a.logger.Warn("failed to watch worktree", "session", s.ID, "error", err)
			}
		}
	}
	return nil, nil
}

func (a *App) closeSession(ctx context.Context, req ipc.SessionRequest) (any, error) {
	if err := a.registry.CloseSession(ctx, req.ID); err != nil {
		return nil, err
	}
	a.watcher.Unwatch(req.ID)
	return nil, nil
}

func (a *App) deleteSession(ctx context.Context, req ipc.DeleteSessionRequest) (any, error) {
	return nil, a.registry.DeleteSession(ctx, req.ID, req.Options())
}

func (a *App) gitStatus(ctx context.Context, req ipc.SessionScopedRequest) (any, error) {
	s, err := a.registry.GetSession(req.SessionID)
	if err != nil {
		return nil, err
	}
	entries, err := a.git.Status(ctx, s.WorktreePath)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []model.StatusEntry{}
	}
	return entries, nil
}

func (a *App) gitMerge(ctx context.Context, req ipc.MergeRequest) (any, error) {
	return a.merger.Merge(ctx, req.WorkspaceID, req.SourceBranch, req.TargetBranch)
}

func (a *App) gitAbortMerge(ctx context.Context, req ipc.WorkspaceRequest) (any, error) {
	return nil, a.merger.Abort(ctx, req.WorkspaceID)
}

// gitBranchInfo compares the session branch with the branch it was forked from. Records
// written before the base was stored fall back to the repository's current branch.
func (a *App) gitBranchInfo(ctx context.Context, req ipc.SessionScopedRequest) (any, error) {
	s, err := a.registry.GetSession(req.SessionID)
	if err != nil {
		return nil, err
	}
	base := s.BaseBranch
	if base == "" {
		ws, err := a.registry.GetWorkspace(s.WorkspaceID)
		if err != nil {
			return nil, err
		}
		if base, err = a.git.CurrentBranch(ctx, ws.RepoPath); err != nil {
			return nil, err
		}
	}
	return a.git.BranchInfo(ctx, s.WorktreePath, base)
}

func (a *App) gitBranches(ctx context.Context, req ipc.WorkspaceRequest) (any, error) {
	ws, err := a.registry.GetWorkspace(req.WorkspaceID)
	if err != nil {
		return nil, err
	}
	return a.git.ListBranches(ctx, ws.RepoPath)
}

func (a *App) agentSend(ctx context.Context, req ipc.SendRequest) (any, error) {
	return nil, a.agents.Send(ctx, req.SessionID, req.Cwd, req.Message)
}

func (a *App) agentInterrupt(ctx context.Context, req ipc.SessionScopedRequest) (any, error) {
	return nil, a.agents.Interrupt(req.SessionID)
}

func (a *App) agentGet(ctx context.Context, req ipc.SessionScopedRequest) (any, error) {
	snap, ok := a.agents.Get(req.SessionID)
	if !ok {
		return nil, apperr.E(apperr.Op("app.agentGet"), apperr.KindNotFound,
			"Agent session '"+req.SessionID+"' not found")
	}
	return snap, nil
}

func (a *App) agentTranscripts(ctx context.Context, req ipc.SessionScopedRequest) (any, error) {
	metas, err := a.transcripts.List(req.SessionID)
	if err != nil {
		return nil, apperr.E(apperr.Op("app.agentTranscripts"), apperr.KindExternal, err)
	}
	return metas, nil
}

// terminalCreate opens a shell in the session's worktree.
func (a *App) terminalCreate(ctx context.Context, req ipc.SessionScopedRequest) (any, error) {
	s, err := a.registry.GetSession(req.SessionID)
	if err != nil {
		return nil, err
	}
	return a.ptys.Create(s.ID, s.WorktreePath)
}

func (a *App) terminalWrite(ctx context.Context, req ipc.WriteRequest) (any, error) {
	return nil, a.ptys.Write(req.PtyID, req.Data)
}

func (a *App) terminalResize(ctx context.Context, req ipc.ResizeRequest) (any, error) {
	return nil, a.ptys.Resize(req.PtyID, req.Cols, req.Rows)
}

func (a *App) terminalDestroy(ctx context.Context, req ipc.PtyRequest) (any, error) {
	return nil, a.ptys.Destroy(req.PtyID)
}

func (a *App) ping(ctx context.Context, _ ipc.Empty) (any, error) {
	return Pong{Version: Version, Time: time.Now()}, nil
}
