package app

import (
	"treehouse/internal/ipc"
)

// Bindings is the operation surface handed to the desktop runtime. It carries only the
// operations; lifecycle methods stay on App. Each method mirrors an ipc method and
// returns its envelope.
type Bindings struct {
	app *App
}

func (b *Bindings) ListWorkspaces() ipc.Result {
	return invoke(b.app, b.app.ctx, ipc.MethodWorkspaceList, ipc.Empty{}, b.app.listWorkspaces)
}

func (b *Bindings) AddWorkspace(path string) ipc.Result {
	return invoke(b.app, b.app.ctx, ipc.MethodWorkspaceAdd, ipc.AddWorkspaceRequest{Path: path}, b.app.addWorkspace)
}

func (b *Bindings) RemoveWorkspace(id string) ipc.Result {
	return invoke(b.app, b.app.ctx, ipc.MethodWorkspaceRemove, ipc.RemoveWorkspaceRequest{ID: id}, b.app.removeWorkspace)
}

func (b *Bindings) ListSessions(workspaceID string) ipc.Result {
	return invoke(b.app, b.app.ctx, ipc.MethodSessionList, ipc.WorkspaceRequest{WorkspaceID: workspaceID}, b.app.listSessions)
}

func (b *Bindings) GetSession(id string) ipc.Result {
	return invoke(b.app, b.app.ctx, ipc.MethodSessionGet, ipc.SessionRequest{ID: id}, b.app.getSession)
}

func (b *Bindings) CreateSession(workspaceID, name string) ipc.Result {
	req := ipc.CreateSessionRequest{WorkspaceID: workspaceID, Name: name}
	return invoke(b.app, b.app.ctx, ipc.MethodSessionCreate, req, b.app.createSession)
}

func (b *Bindings) OpenSession(id string) ipc.Result {
	return invoke(b.app, b.app.ctx, ipc.MethodSessionOpen, ipc.SessionRequest{ID: id}, b.app.openSession)
}

func (b *Bindings) CloseSession(id string) ipc.Result {
	return invoke(b.app, b.app.ctx, ipc.MethodSessionClose, ipc.SessionRequest{ID: id}, b.app.closeSession)
}

func (b *Bindings) DeleteSession(id string, removeWorktree, removeBranch bool) ipc.Result {
	req := ipc.DeleteSessionRequest{ID: id, RemoveWorktree: removeWorktree, RemoveBranch: removeBranch}
	return invoke(b.app, b.app.ctx, ipc.MethodSessionDelete, req, b.app.deleteSession)
}

func (b *Bindings) GitStatus(sessionID string) ipc.Result {
	return invoke(b.app, b.app.ctx, ipc.MethodGitStatus, ipc.SessionScopedRequest{SessionID: sessionID}, b.app.gitStatus)
}

func (b *Bindings) GitMerge(req ipc.MergeRequest) ipc.Result {
	return invoke(b.app, b.app.ctx, ipc.MethodGitMerge, req, b.app.gitMerge)
}

func (b *Bindings) GitAbortMerge(workspaceID string) ipc.Result {
	return invoke(b.app, b.app.ctx, ipc.MethodGitAbortMerge, ipc.WorkspaceRequest{WorkspaceID: workspaceID}, b.app.gitAbortMerge)
}

func (b *Bindings) GitBranchInfo(sessionID string) ipc.Result {
	return invoke(b.app, b.app.ctx, ipc.MethodGitBranchInfo, ipc.SessionScopedRequest{SessionID: sessionID}, b.app.gitBranchInfo)
}

func (b *Bindings) GitBranches(workspaceID string) ipc.Result {
	return invoke(b.app, b.app.ctx, ipc.MethodGitBranches, ipc.WorkspaceRequest{WorkspaceID: workspaceID}, b.app.gitBranches)
}

func (b *Bindings) AgentSend(sessionID, cwd, message string) ipc.Result {
	req := ipc.SendRequest{SessionID: sessionID, Cwd: cwd, Message: message}
	return invoke(b.app, b.app.ctx, ipc.MethodAgentSend, req, b.app.agentSend)
}

func (b *Bindings) AgentInterrupt(sessionID string) ipc.Result {
	return invoke(b.app, b.app.ctx, ipc.MethodAgentInterrupt, ipc.SessionScopedRequest{SessionID: sessionID}, b.app.agentInterrupt)
}

func (b *Bindings) AgentGet(sessionID string) ipc.Result {
	return invoke(b.app, b.app.ctx, ipc.MethodAgentGet, ipc.SessionScopedRequest{SessionID: sessionID}, b.app.agentGet)
}

func (b *Bindings) AgentTranscripts(sessionID string) ipc.Result {
	return invoke(b.app, b.app.ctx, ipc.MethodAgentTranscripts, ipc.SessionScopedRequest{SessionID: sessionID}, b.app.agentTranscripts)
}

func (b *Bindings) TerminalCreate(sessionID string) ipc.Result {
	return invoke(b.app, b.app.ctx, ipc.MethodTerminalCreate, ipc.SessionScopedRequest{SessionID: sessionID}, b.app.terminalCreate)
}

func (b *Bindings) TerminalWrite(ptyID, data string) ipc.Result {
	return invoke(b.app, b.app.ctx, ipc.MethodTerminalWrite, ipc.WriteRequest{PtyID: ptyID, Data: data}, b.app.terminalWrite)
}

func (b *Bindings) TerminalResize(ptyID string, cols, rows int) ipc.Result {
	req := ipc.ResizeRequest{PtyID: ptyID, Cols: cols, Rows: rows}
	return invoke(b.app, b.app.ctx, ipc.MethodTerminalResize, req, b.app.terminalResize)
}

func (b *Bindings) TerminalDestroy(ptyID string) ipc.Result {
	return invoke(b.app, b.app.ctx, ipc.MethodTerminalDestroy, ipc.PtyRequest{PtyID: ptyID}, b.app.terminalDestroy)
}

func (b *Bindings) Ping() ipc.Result {
	return invoke(b.app, b.app.ctx, ipc.MethodSystemPing, ipc.Empty{}, b.app.ping)
}
