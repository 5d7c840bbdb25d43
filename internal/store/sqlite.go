package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"treehouse/internal/model"
)

// SQLite keeps the snapshot in two tables of a local database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		repo_path TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		workspace_id TEXT NOT NULL,
		branch TEXT NOT NULL,
		base_branch TEXT NOT NULL DEFAULT '',
		worktree_path TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'idle',
		created_at INTEGER NOT NULL,
		FOREIGN KEY (workspace_id) REFERENCES workspaces(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(workspace_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT OR IGNORE INTO meta (key, value) VALUES ('schema_version', ?)`, fmt.Sprint(SchemaVersion))
	return err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Load(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Version: SchemaVersion, Workspaces: []model.Workspace{}, Sessions: []model.Session{}}

	rows, err := s.db.QueryContext(ctx, `SELECT id, name, repo_path, created_at FROM workspaces ORDER BY created_at, id`)
	if err != nil {
		return Snapshot{}, err
	}
	for rows.Next() {
		var w model.Workspace
		var created int64
		if err := rows.Scan(&w.ID, &w.Name, &w.RepoPath, &created); err != nil {
			rows.Close()
			return Snapshot{}, err
		}
		w.CreatedAt = time.UnixMilli(created)
		snap.Workspaces = append(snap.Workspaces, w)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Snapshot{}, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT id, name, workspace_id, branch, base_branch, worktree_path, status, created_at
		FROM sessions ORDER BY created_at, id`)
	if err != nil {
		return Snapshot{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var sess model.Session
		var status string
		var created int64
		if err := rows.Scan(&sess.ID, &sess.Name, &sess.WorkspaceID, &sess.Branch, &sess.BaseBranch,
			&sess.WorktreePath, &status, &created); err != nil {
			return Snapshot{}, err
		}
		sess.Status = model.SessionStatus(status)
		sess.CreatedAt = time.UnixMilli(created)
		snap.Sessions = append(snap.Sessions, sess)
	}
	return snap, rows.Err()
}

// Save replaces both tables inside one transaction.
func (s *SQLite) Save(ctx context.Context, snap Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM workspaces`); err != nil {
		return err
	}

	for _, w := range snap.Workspaces {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workspaces (id, name, repo_path, created_at) VALUES (?, ?, ?, ?)`,
			w.ID, w.Name, w.RepoPath, w.CreatedAt.UnixMilli()); err != nil {
			return fmt.Errorf("failed to save workspace %s: %w", w.ID, err)
		}
	}
	for _, sess := range snap.Sessions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, name, workspace_id, branch, base_branch, worktree_path, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.Name, sess.WorkspaceID, sess.Branch, sess.BaseBranch, sess.WorktreePath,
			string(sess.Status), sess.CreatedAt.UnixMilli()); err != nil {
			return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
		}
	}
	return tx.Commit()
}
