// Package model holds the records shared between the registry, the supervisors and the
// external interface.
package model

import (
	"fmt"
	"time"
)

// Workspace is a registered git repository.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	RepoPath  string    `json:"repoPath"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionStatus is the coarse activity state of a session.
type SessionStatus string

const (
	StatusIdle    SessionStatus = "idle"
	StatusRunning SessionStatus = "running"
	StatusError   SessionStatus = "error"
)

// Valid reports whether s is one of the known statuses.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusIdle, StatusRunning, StatusError:
		return true
	}
	return false
}

// CanTransition reports whether a session may move from s to next.
// A running session only leaves running by finishing (idle) or failing (error).
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	if !next.Valid() {
		return false
	}
	switch s {
	case StatusIdle, StatusError:
		return true
	case StatusRunning:
		return next == StatusIdle || next == StatusError || next == StatusRunning
	}
	return false
}

// Session is one isolated line of work: a branch checked out in its own worktree.
type Session struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	WorkspaceID  string        `json:"workspaceId"`
	Branch       string        `json:"branch"`
	BaseBranch   string        `json:"baseBranch,omitempty"`
	WorktreePath string        `json:"worktreePath"`
	Status       SessionStatus `json:"status"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// Transition moves the session to next, refusing moves the status machine forbids.
func (s *Session) Transition(next SessionStatus) error {
	if !s.Status.CanTransition(next) {
		return fmt.Errorf("invalid session status transition %s -> %s", s.Status, next)
	}
	s.Status = next
	return nil
}

// AgentSnapshot is the externally visible state of an agent entry.
type AgentSnapshot struct {
	ID           string        `json:"id"`
	Cwd          string        `json:"cwd"`
	CLISessionID string        `json:"cliSessionId,omitempty"`
	Status       SessionStatus `json:"status"`
	PID          int           `json:"pid,omitempty"`
	LastRunID    string        `json:"lastRunId,omitempty"`
}

// PtyInfo describes a live terminal.
type PtyInfo struct {
	PtyID     string `json:"ptyId"`
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd"`
	Shell     string `json:"shell"`
	PID       int    `json:"pid"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// StatusEntry is one line of `git status --porcelain`.
type StatusEntry struct {
	Path   string `json:"path"`
	Status string `json:"status"`
	Staged bool   `json:"staged"`
}

// File classifications used in StatusEntry.Status.
const (
	FileModified  = "modified"
	FileAdded     = "added"
	FileDeleted   = "deleted"
	FileRenamed   = "renamed"
	FileUntracked = "untracked"
)

// MergeResult is the outcome of a merge. A conflicted merge is a result, not an error.
type MergeResult struct {
	Success    bool     `json:"success"`
	Conflicted bool     `json:"conflicted"`
	Message    string   `json:"message,omitempty"`
	Conflicts  []string `json:"conflicts,omitempty"`
}

// BranchInfo reports how far a branch has diverged from its base.
type BranchInfo struct {
	Current string `json:"current"`
	Target  string `json:"target"`
	Ahead   int    `json:"ahead"`
	Behind  int    `json:"behind"`
}

// DeleteOptions controls what deleteSession tears down besides the registry entry.
type DeleteOptions struct {
	RemoveWorktree bool `json:"removeWorktree"`
	RemoveBranch   bool `json:"removeBranch"`
}
