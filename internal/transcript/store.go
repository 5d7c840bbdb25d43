// Package transcript archives the raw output of agent runs, zstd-compressed, one
// directory per run.
package transcript

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Meta describes one archived run.
type Meta struct {
	SessionID string    `json:"sessionId"`
	RunID     string    `json:"runId"`
	Size      int       `json:"size"`
	SHA256    string    `json:"sha256"`
	SavedAt   time.Time `json:"savedAt"`
}

// Store manages transcript persistence under baseDir.
type Store struct {
	baseDir string
	mu      sync.RWMutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	now     func() time.Time
}

// New creates a store. level is a zstd level (1-22).
func New(baseDir string, level int) (*Store, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("create encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	return &Store{baseDir: baseDir, encoder: encoder, decoder: decoder, now: time.Now}, nil
}

func validName(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}

func (s *Store) sessionDir(sessionID string) string {
	return filepath.Join(s.baseDir, sessionID)
}

func (s *Store) runDir(sessionID, runID string) (string, error) {
	if !validName(sessionID) || !validName(runID) {
		return "", fmt.Errorf("invalid transcript key %q/%q", sessionID, runID)
	}
	return filepath.Join(s.sessionDir(sessionID), runID), nil
}

// Save writes the run's output and metadata.
func (s *Store) Save(sessionID, runID string, data []byte) error {
	dir, err := s.runDir(sessionID, runID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create transcript dir: %w", err)
	}

	meta := Meta{
		SessionID: sessionID,
		RunID:     runID,
		Size:      len(data),
		SHA256:    fmt.Sprintf("%x", sha256.Sum256(data)),
		SavedAt:   s.now(),
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), metaJSON, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}

	compressed := s.encoder.EncodeAll(data, nil)
	if err := os.WriteFile(filepath.Join(dir, "stdout.zst"), compressed, 0o644); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	return nil
}

// Load returns the decompressed output of one run.
func (s *Store) Load(sessionID, runID string) ([]byte, Meta, error) {
	dir, err := s.runDir(sessionID, runID)
	if err != nil {
		return nil, Meta{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	metaJSON, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		return nil, Meta{}, fmt.Errorf("read metadata: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return nil, Meta{}, fmt.Errorf("unmarshal metadata: %w", err)
	}

	compressed, err := os.ReadFile(filepath.Join(dir, "stdout.zst"))
	if err != nil {
		return nil, Meta{}, fmt.Errorf("read transcript: %w", err)
	}
	data, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("decompress transcript: %w", err)
	}
	return data, meta, nil
}

// List returns the archived runs of a session, oldest first.
func (s *Store) List(sessionID string) ([]Meta, error) {
	if !validName(sessionID) {
		return nil, fmt.Errorf("invalid session id %q", sessionID)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := s.sessionDir(sessionID)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return []Meta{}, nil
	}
	if err != nil {
		return nil, err
	}

	runs := []Meta{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		metaJSON, err := os.ReadFile(filepath.Join(dir, entry.Name(), "metadata.json"))
		if err != nil {
			continue
		}
		var meta Meta
		if json.Unmarshal(metaJSON, &meta) == nil {
			runs = append(runs, meta)
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].SavedAt.Before(runs[j].SavedAt) })
	return runs, nil
}

// DeleteSession removes every transcript of a session.
func (s *Store) DeleteSession(sessionID string) error {
	if !validName(sessionID) {
		return fmt.Errorf("invalid session id %q", sessionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.RemoveAll(s.sessionDir(sessionID))
}

func (s *Store) Close() {
	s.encoder.Close()
	s.decoder.Close()
}
