// Package store persists the workspace and session tables. Every backend stores the
// complete snapshot; there are no partial updates.
package store

import (
	"context"
	"fmt"

	"treehouse/internal/config"
	"treehouse/internal/model"
)

// SchemaVersion is written with every snapshot.
const SchemaVersion = 1

// Snapshot is the durable part of the registry.
type Snapshot struct {
	Version    int               `json:"version"`
	Workspaces []model.Workspace `json:"workspaces"`
	Sessions   []model.Session   `json:"sessions"`
}

// Store loads and saves snapshots.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
	Close() error
}

// Open returns the backend selected by cfg.
func Open(cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case config.StoreSQLite:
		return OpenSQLite(cfg.Path)
	case config.StoreJSON:
		return NewJSONFile(cfg.Path), nil
	case config.StoreMemory:
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

func (s Snapshot) clone() Snapshot {
	return Snapshot{
		Version:    s.Version,
		Workspaces: append([]model.Workspace(nil), s.Workspaces...),
		Sessions:   append([]model.Session(nil), s.Sessions...),
	}
}
