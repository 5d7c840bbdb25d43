package ipc

import (
	"bytes"
	"encoding/json"
	"strings"

	"treehouse/internal/apperr"
	"treehouse/internal/model"
)

// Method names of the operation surface.
const (
	MethodWorkspaceList   = "workspace.list"
	MethodWorkspaceAdd    = "workspace.add"
	MethodWorkspaceRemove = "workspace.remove"

	MethodSessionList   = "session.list"
	MethodSessionGet    = "session.get"
	MethodSessionCreate = "session.create"
	MethodSessionOpen   = "session.open"
	MethodSessionClose  = "session.close"
	MethodSessionDelete = "session.delete"

	MethodGitStatus     = "git.status"
	MethodGitMerge      = "git.merge"
	MethodGitAbortMerge = "git.abortMerge"
	MethodGitBranchInfo = "git.branchInfo"
	MethodGitBranches   = "git.branches"

	MethodAgentSend        = "agent.send"
	MethodAgentInterrupt   = "agent.interrupt"
	MethodAgentGet         = "agent.get"
	MethodAgentTranscripts = "agent.transcripts"

	MethodTerminalCreate  = "terminal.create"
	MethodTerminalWrite   = "terminal.write"
	MethodTerminalResize  = "terminal.resize"
	MethodTerminalDestroy = "terminal.destroy"

	MethodSystemPing = "system.ping"
)

// Request is a typed operation input.
type Request interface {
	Validate() error
}

// Bind unmarshals params into a request of type R and validates it. Empty params decode
// as an empty object so a missing field is reported by Validate rather than by the decoder.
func Bind[R Request](method string, params json.RawMessage) (R, error) {
	var req R
	op := apperr.Op("ipc." + method)
	params = bytes.TrimSpace(params)
	if len(params) == 0 || bytes.Equal(params, []byte("null")) {
		params = []byte("{}")
	}
	if params[0] != '{' {
		return req, apperr.Validation(op, "Invalid params: must be an object")
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return req, apperr.Validation(op, "Invalid params: %v", err)
	}
	return req, Check(method, req)
}

// Check validates a request built in-process, tagging the error with the method.
func Check(method string, req Request) error {
	if err := req.Validate(); err != nil {
		return apperr.E(apperr.Op("ipc."+method), err)
	}
	return nil
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return apperr.E(apperr.KindValidation, "Invalid "+field+": must be a non-empty string")
	}
	return nil
}

func branch(field, value string) error {
	if !model.ValidBranchName(value) {
		return apperr.E(apperr.KindValidation, "Invalid "+field+": not a valid branch name")
	}
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Empty is the request of operations without parameters.
type Empty struct{}

func (Empty) Validate() error { return nil }

type AddWorkspaceRequest struct {
	Path string `json:"path"`
}

func (r AddWorkspaceRequest) Validate() error {
	if strings.TrimSpace(r.Path) == "" {
		return apperr.E(apperr.KindValidation, "Invalid path: path must be a non-empty string")
	}
	return nil
}

type RemoveWorkspaceRequest struct {
	ID string `json:"id"`
}

func (r RemoveWorkspaceRequest) Validate() error { return required("id", r.ID) }

// WorkspaceRequest names a workspace (session.list, git.branches, git.abortMerge).
type WorkspaceRequest struct {
	WorkspaceID string `json:"workspaceId"`
}

func (r WorkspaceRequest) Validate() error { return required("workspaceId", r.WorkspaceID) }

type CreateSessionRequest struct {
	WorkspaceID string `json:"workspaceId"`
	Name        string `json:"name,omitempty"`
}

func (r CreateSessionRequest) Validate() error { return required("workspaceId", r.WorkspaceID) }

// SessionRequest names a session by id (session.get, session.open, session.close).
type SessionRequest struct {
	ID string `json:"id"`
}

func (r SessionRequest) Validate() error { return required("sessionId", r.ID) }

type DeleteSessionRequest struct {
	ID             string `json:"id"`
	RemoveWorktree bool   `json:"removeWorktree,omitempty"`
	RemoveBranch   bool   `json:"removeBranch,omitempty"`
}

func (r DeleteSessionRequest) Validate() error { return required("sessionId", r.ID) }

func (r DeleteSessionRequest) Options() model.DeleteOptions {
	return model.DeleteOptions{RemoveWorktree: r.RemoveWorktree, RemoveBranch: r.RemoveBranch}
}

// SessionScopedRequest carries a session id under the sessionId key
// (git.status, git.branchInfo, agent.*, terminal.create).
type SessionScopedRequest struct {
	SessionID string `json:"sessionId"`
}

func (r SessionScopedRequest) Validate() error { return required("sessionId", r.SessionID) }

type MergeRequest struct {
	WorkspaceID  string `json:"workspaceId"`
	SourceBranch string `json:"sourceBranch"`
	TargetBranch string `json:"targetBranch"`
}

func (r MergeRequest) Validate() error {
	return firstErr(
		required("params.workspaceId", r.WorkspaceID),
		required("params.sourceBranch", r.SourceBranch),
		required("params.targetBranch", r.TargetBranch),
		branch("params.sourceBranch", r.SourceBranch),
		branch("params.targetBranch", r.TargetBranch),
	)
}

type SendRequest struct {
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd"`
	Message   string `json:"message"`
}

func (r SendRequest) Validate() error {
	return firstErr(
		required("sessionId", r.SessionID),
		required("cwd", r.Cwd),
		required("message", r.Message),
	)
}

type WriteRequest struct {
	PtyID string `json:"ptyId"`
	Data  string `json:"data"`
}

func (r WriteRequest) Validate() error { return required("ptyId", r.PtyID) }

type ResizeRequest struct {
	PtyID string `json:"ptyId"`
	Cols  int    `json:"cols"`
	Rows  int    `json:"rows"`
}

func (r ResizeRequest) Validate() error {
	if err := required("ptyId", r.PtyID); err != nil {
		return err
	}
	if r.Cols <= 0 || r.Rows <= 0 {
		return apperr.E(apperr.KindValidation, "Invalid dimensions: cols and rows must be positive integers")
	}
	return nil
}

type PtyRequest struct {
	PtyID string `json:"ptyId"`
}

func (r PtyRequest) Validate() error { return required("ptyId", r.PtyID) }
