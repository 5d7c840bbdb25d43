package store

import (
	"context"
	"sync"
)

// Memory keeps the snapshot in process. Nothing survives a restart.
type Memory struct {
	mu   sync.Mutex
	snap Snapshot
	// FailSave, when set, is returned by Save.
	FailSave error
}

func NewMemory() *Memory {
	return &Memory{snap: Snapshot{Version: SchemaVersion}}
}

func (m *Memory) Load(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.clone(), nil
}

func (m *Memory) Save(ctx context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSave != nil {
		return m.FailSave
	}
	m.snap = snap.clone()
	m.snap.Version = SchemaVersion
	return nil
}

func (m *Memory) Close() error { return nil }
