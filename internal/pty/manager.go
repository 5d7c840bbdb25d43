// internal/pty/manager.go
package pty

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"treehouse/internal/apperr"
	"treehouse/internal/eventhub"
	"treehouse/internal/logging"
	"treehouse/internal/metrics"
	"treehouse/internal/model"
)

const (
	readBufferSize = 8192
	drainTimeout   = 200 * time.Millisecond
)

type Options struct {
	Shell  string
	Cols   int
	Rows   int
	Logger *slog.Logger
}

// Manager owns every open terminal, keyed by pty id.
type Manager struct {
	hub    *eventhub.Hub
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	terms map[string]*Terminal
}

func NewManager(hub *eventhub.Hub, opts Options) *Manager {
	if opts.Cols <= 0 {
		opts.Cols = 80
	}
	if opts.Rows <= 0 {
		opts.Rows = 24
	}
	return &Manager{
		hub:    hub,
		opts:   opts,
		logger: logging.OrDiscard(opts.Logger).With("component", "pty"),
		now:    time.Now,
		terms:  make(map[string]*Terminal),
	}
}

// Create starts a shell in cwd for sessionID and returns its description.
func (m *Manager) Create(sessionID, cwd string) (model.PtyInfo, error) {
	const op = apperr.Op("pty.Create")
	if sessionID == "" {
		return model.PtyInfo{}, apperr.Validation(op, "Invalid sessionId: must be a non-empty string")
	}
	if cwd == "" {
		return model.PtyInfo{}, apperr.Validation(op, "Invalid cwd: must be a non-empty string")
	}

	m.mu.Lock()
	id := m.newID(sessionID)
	t := newTerminal(id, sessionID, cwd, m.opts.Shell, m.opts.Cols, m.opts.Rows)
	// Reserve the id so a concurrent Create cannot pick it.
	m.terms[id] = t
	m.mu.Unlock()

	if err := t.start(); err != nil {
		m.mu.Lock()
		delete(m.terms, id)
		m.mu.Unlock()
		return model.PtyInfo{}, apperr.E(op, apperr.KindCrash, err)
	}

	m.updateGauge()
	m.logger.Info("terminal started", "pty", id, "session", sessionID, "shell", t.Shell, "pid", t.PID())
	go m.pump(t)
	return info(t), nil
}

// newID must be called with m.mu held.
func (m *Manager) newID(sessionID string) string {
	base := fmt.Sprintf("pty-%s-%d", sessionID, m.now().UnixMilli())
	id := base
	for n := 2; ; n++ {
		if _, taken := m.terms[id]; !taken {
			return id
		}
		id = fmt.Sprintf("%s-%d", base, n)
	}
}

// pump forwards output as data events until the shell exits.
func (m *Manager) pump(t *Terminal) {
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		buf := make([]byte, readBufferSize)
		for {
			n, err := t.Read(buf)
			if n > 0 {
				m.hub.EmitData(t.SessionID, t.ID, string(buf[:n]))
			}
			if err != nil {
				return
			}
		}
	}()

	code := t.wait()
	// Some platforms keep the master readable after the shell is gone.
	select {
	case <-drained:
	case <-time.After(drainTimeout):
	}
	_ = t.Close()
	<-drained

	m.mu.Lock()
	if m.terms[t.ID] == t {
		delete(m.terms, t.ID)
	}
	m.mu.Unlock()
	m.updateGauge()

	m.hub.EmitExit(eventhub.SourceTerminal, t.SessionID, t.ID, code)
	m.logger.Info("terminal exited", "pty", t.ID, "session", t.SessionID, "code", code)
}

func (m *Manager) lookup(op apperr.Op, ptyID string) (*Terminal, error) {
	if ptyID == "" {
		return nil, apperr.Validation(op, "Invalid ptyId: must be a non-empty string")
	}
	m.mu.RLock()
	t, ok := m.terms[ptyID]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.E(op, apperr.KindNotFound, fmt.Sprintf("PTY session '%s' not found", ptyID))
	}
	return t, nil
}

func (m *Manager) Write(ptyID, data string) error {
	const op = apperr.Op("pty.Write")
	t, err := m.lookup(op, ptyID)
	if err != nil {
		return err
	}
	if err := t.Write(data); err != nil {
		return apperr.E(op, apperr.KindExternal, err)
	}
	return nil
}

func (m *Manager) Resize(ptyID string, cols, rows int) error {
	const op = apperr.Op("pty.Resize")
	if cols <= 0 {
		return apperr.Validation(op, "Invalid cols: must be a positive number")
	}
	if rows <= 0 {
		return apperr.Validation(op, "Invalid rows: must be a positive number")
	}
	t, err := m.lookup(op, ptyID)
	if err != nil {
		return err
	}
	if err := t.Resize(cols, rows); err != nil {
		return apperr.E(op, apperr.KindExternal, err)
	}
	return nil
}

// Destroy kills the shell behind ptyID. Its exit event still follows.
func (m *Manager) Destroy(ptyID string) error {
	const op = apperr.Op("pty.Destroy")
	t, err := m.lookup(op, ptyID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.terms, ptyID)
	m.mu.Unlock()
	m.updateGauge()

	if err := t.Close(); err != nil {
		m.logger.Warn("error closing terminal", "pty", ptyID, "error", err)
	}
	return nil
}

// DestroySession tears down every terminal of sessionID and reports how many were closed.
func (m *Manager) DestroySession(sessionID string) int {
	m.mu.Lock()
	var doomed []*Terminal
	for id, t := range m.terms {
		if t.SessionID == sessionID {
			doomed = append(doomed, t)
			delete(m.terms, id)
		}
	}
	m.mu.Unlock()

	for _, t := range doomed {
		_ = t.Close()
	}
	if len(doomed) > 0 {
		m.updateGauge()
		m.logger.Debug("terminals destroyed", "session", sessionID, "count", len(doomed))
	}
	return len(doomed)
}

func (m *Manager) Get(ptyID string) (model.PtyInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.terms[ptyID]
	if !ok {
		return model.PtyInfo{}, false
	}
	return info(t), true
}

func (m *Manager) GetBySession(sessionID string) []model.PtyInfo {
	out := []model.PtyInfo{}
	for _, p := range m.List() {
		if p.SessionID == sessionID {
			out = append(out, p)
		}
	}
	return out
}

func (m *Manager) List() []model.PtyInfo {
	m.mu.RLock()
	out := make([]model.PtyInfo, 0, len(m.terms))
	for _, t := range m.terms {
		out = append(out, info(t))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return strings.Compare(out[i].PtyID, out[j].PtyID) < 0 })
	return out
}

// CloseAll closes every terminal.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	terms := m.terms
	m.terms = make(map[string]*Terminal)
	m.mu.Unlock()

	for _, t := range terms {
		_ = t.Close()
	}
	m.updateGauge()
}

func (m *Manager) updateGauge() {
	m.mu.RLock()
	n := len(m.terms)
	m.mu.RUnlock()
	metrics.SetPtySessions(n)
}

func info(t *Terminal) model.PtyInfo {
	cols, rows := t.Size()
	return model.PtyInfo{
		PtyID:     t.ID,
		SessionID: t.SessionID,
		Cwd:       t.Cwd,
		Shell:     t.Shell,
		PID:       t.PID(),
		Cols:      cols,
		Rows:      rows,
	}
}
