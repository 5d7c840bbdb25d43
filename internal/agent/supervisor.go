// Package agent supervises one coding-agent process per session, turning its JSON
// line output into hub events.
package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"treehouse/internal/apperr"
	"treehouse/internal/eventhub"
	"treehouse/internal/logging"
	"treehouse/internal/metrics"
	"treehouse/internal/model"
	"treehouse/internal/process"
)

const (
	defaultBinary       = "codex"
	defaultKillGrace    = 3 * time.Second
	defaultStderrTail   = 8 << 10
	defaultDrainTimeout = 2 * time.Second
	defaultTranscript   = 16 << 20
	readChunk           = 32 << 10
)

// Archiver persists the raw stdout of a finished run.
type Archiver interface {
	Save(sessionID, runID string, data []byte) error
}

// Options configures a Supervisor. Zero values take defaults.
type Options struct {
	Binary    string
	ExtraArgs []string
	Env       []string
	KillGrace time.Duration
	// StderrTail caps how much stderr is quoted in the failure message.
	StderrTail int
	// DrainTimeout bounds how long output readers may lag behind process exit.
	DrainTimeout time.Duration
	// TranscriptLimit caps the stdout kept per run for the Archiver. Output past the
	// limit is still parsed into events but not archived.
	TranscriptLimit int

	Archiver Archiver
	// OnStatus observes every status change. It runs outside the supervisor lock.
	OnStatus func(sessionID string, status model.SessionStatus)
	Logger   *slog.Logger
}

type entry struct {
	id           string
	cwd          string
	cliSessionID string
	status       model.SessionStatus
	handle       process.Handle
	runID        string
	// gen increments whenever the current run is superseded, so a stale exit is ignored.
	gen       uint64
	destroyed bool
}

func (e *entry) snapshot() model.AgentSnapshot {
	snap := model.AgentSnapshot{
		ID:           e.id,
		Cwd:          e.cwd,
		CLISessionID: e.cliSessionID,
		Status:       e.status,
		LastRunID:    e.runID,
	}
	if e.handle != nil {
		snap.PID = e.handle.PID()
	}
	return snap
}

// Supervisor owns the table of agent entries keyed by session id.
type Supervisor struct {
	spawner process.Spawner
	hub     *eventhub.Hub
	opts    Options
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	runs    sync.WaitGroup
}

func NewSupervisor(spawner process.Spawner, hub *eventhub.Hub, opts Options) *Supervisor {
	if opts.Binary == "" {
		opts.Binary = defaultBinary
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = defaultKillGrace
	}
	if opts.StderrTail <= 0 {
		opts.StderrTail = defaultStderrTail
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaultDrainTimeout
	}
	if opts.TranscriptLimit <= 0 {
		opts.TranscriptLimit = defaultTranscript
	}
	return &Supervisor{
		spawner: spawner,
		hub:     hub,
		opts:    opts,
		logger:  logging.OrDiscard(opts.Logger).With("component", "agent"),
		entries: make(map[string]*entry),
	}
}

// Args builds the agent argument vector. The message is always the last element.
func (s *Supervisor) Args(resumeID, message string) []string {
	args := []string{"exec", "--json"}
	args = append(args, s.opts.ExtraArgs...)
	if resumeID != "" {
		args = append(args, "resume", resumeID)
	}
	return append(args, "--", message)
}

// Send starts a run for sessionID in cwd. It returns once the process is spawned;
// output and the final status arrive as events.
func (s *Supervisor) Send(ctx context.Context, sessionID, cwd, message string) error {
	const op = apperr.Op("agent.Send")
	switch {
	case sessionID == "":
		return apperr.Validation(op, "session id is required")
	case cwd == "":
		return apperr.Validation(op, "cwd is required")
	case strings.TrimSpace(message) == "":
		return apperr.Validation(op, "message is required")
	}

	s.mu.Lock()
	e, ok := s.entries[sessionID]
	if !ok {
		e = &entry{id: sessionID, status: model.StatusIdle}
		s.entries[sessionID] = e
	}
	prev := e.status
	next, err := Transition(prev, TriggerStart)
	if err != nil {
		s.mu.Unlock()
		return apperr.E(op, apperr.KindConflict, apperr.ErrAlreadyRunning)
	}
	e.cwd = cwd
	e.status = next
	e.gen++
	gen := e.gen
	runID := uuid.NewString()
	e.runID = runID
	resume := e.cliSessionID
	args := s.Args(resume, message)
	s.mu.Unlock()

	s.statusChanged(sessionID, next, prev)
	s.hub.EmitLog(eventhub.SourceAgent, sessionID, "info", "Running: "+s.opts.Binary+" "+strings.Join(args, " "), nil)
	s.logger.Info("starting agent run", "session", sessionID, "run", runID, "cwd", cwd, "resume", resume)

	env := s.opts.Env
	if env == nil {
		env = process.Env(os.Environ())
	}
	h, err := s.spawner.Spawn(ctx, process.Spec{Name: s.opts.Binary, Args: args, Dir: cwd, Env: env})
	if err != nil {
		s.mu.Lock()
		current := e.gen == gen
		if current {
			e.status, _ = Transition(e.status, TriggerSpawnFail)
		}
		s.mu.Unlock()
		metrics.RecordAgentOutcome("spawn_failed")
		if current {
			s.statusChanged(sessionID, model.StatusError, model.StatusRunning)
			s.hub.EmitError(eventhub.SourceAgent, sessionID, err.Error())
		}
		s.logger.Error("failed to spawn agent", "session", sessionID, "error", err)
		return apperr.E(op, apperr.KindCrash, err)
	}

	s.mu.Lock()
	if e.gen != gen {
		// Interrupted or destroyed while spawning.
		s.mu.Unlock()
		_ = h.Kill()
		go func() {
			<-h.Done()
			h.Close()
		}()
		return nil
	}
	e.handle = h
	s.mu.Unlock()

	metrics.AgentStarted()
	s.runs.Add(1)
	go s.supervise(e, gen, runID, h)
	return nil
}

// supervise drains the run's output and applies its exit.
func (s *Supervisor) supervise(e *entry, gen uint64, runID string, h process.Handle) {
	defer s.runs.Done()
	started := time.Now()
	sessionID := e.id

	transcript := &headBuffer{max: s.opts.TranscriptLimit}
	stderr := &tailBuffer{max: s.opts.StderrTail}
	var stderrMu sync.Mutex

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		var lines LineBuffer
		readChunks(h.Stdout(), func(chunk []byte) {
			transcript.Write(chunk)
			for _, line := range lines.Feed(chunk) {
				s.handleLine(e, line)
			}
		})
		if rest, ok := lines.Flush(); ok {
			s.handleLine(e, rest)
		}
	}()
	go func() {
		defer readers.Done()
		readChunks(h.Stderr(), func(chunk []byte) {
			stderrMu.Lock()
			stderr.Write(chunk)
			stderrMu.Unlock()
			if s.live(e) {
				s.hub.EmitLog(eventhub.SourceAgent, sessionID, "warn", strings.TrimSpace(string(chunk)), nil)
			}
		})
	}()

	code, waitErr := h.Wait()

	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(s.opts.DrainTimeout):
		// A grandchild still holds the pipes open; stop reading.
		s.logger.Warn("agent output did not drain after exit", "session", sessionID, "run", runID)
		h.Close()
		<-drained
	}
	h.Close()

	if transcript.dropped > 0 {
		s.logger.Warn("transcript truncated", "session", sessionID, "run", runID,
			"kept", len(transcript.buf), "dropped", transcript.dropped)
	}
	if s.opts.Archiver != nil && len(transcript.buf) > 0 {
		if err := s.opts.Archiver.Save(sessionID, runID, transcript.buf); err != nil {
			s.logger.Warn("failed to archive transcript", "session", sessionID, "run", runID, "error", err)
		}
	}

	trigger := TriggerExitOK
	if code != 0 || waitErr != nil {
		trigger = TriggerExitFail
	}

	s.mu.Lock()
	current := e.gen == gen && !e.destroyed
	prev := e.status
	next := prev
	if current {
		e.handle = nil
		next, _ = Transition(prev, trigger)
		e.status = next
	}
	s.mu.Unlock()

	duration := time.Since(started)
	if !current {
		metrics.AgentFinished("interrupted", duration)
		s.logger.Debug("superseded agent run exited", "session", sessionID, "run", runID, "code", code)
		return
	}

	s.hub.EmitLog(eventhub.SourceAgent, sessionID, "info", fmt.Sprintf("Process exited with code %d", code), nil)
	s.statusChanged(sessionID, next, prev)
	if trigger == TriggerExitOK {
		metrics.AgentFinished("success", duration)
		s.logger.Info("agent run finished", "session", sessionID, "run", runID, "duration", duration)
		return
	}

	metrics.AgentFinished("failed", duration)
	stderrMu.Lock()
	tail := stderr.String()
	stderrMu.Unlock()
	msg := fmt.Sprintf("Process exited with code %d", code)
	if waitErr != nil {
		msg = fmt.Sprintf("Process failed: %v", waitErr)
	}
	if tail != "" {
		msg += ": " + tail
	}
	s.hub.EmitError(eventhub.SourceAgent, sessionID, msg)
	s.logger.Warn("agent run failed", "session", sessionID, "run", runID, "code", code)
}

func readChunks(r io.Reader, fn func([]byte)) {
	buf := make([]byte, readChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			fn(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (s *Supervisor) live(e *entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !e.destroyed
}

// handleLine interprets one stdout line. Records from a superseded run still reach
// subscribers until the entry is destroyed.
func (s *Supervisor) handleLine(e *entry, line string) {
	if strings.TrimSpace(line) == "" || !s.live(e) {
		return
	}
	sessionID := e.id

	rec, err := ParseRecord(line)
	if err != nil {
		s.hub.EmitLog(eventhub.SourceAgent, sessionID, "warn", "Non-JSON stdout: "+line, nil)
		return
	}
	s.hub.EmitLog(eventhub.SourceAgent, sessionID, "debug", "Event: "+rec.Type, rec)

	switch {
	case rec.Type == RecordThreadStarted && rec.ThreadID != "":
		s.mu.Lock()
		e.cliSessionID = rec.ThreadID
		s.mu.Unlock()
		s.hub.EmitLog(eventhub.SourceAgent, sessionID, "info", "Thread started: "+rec.ThreadID, nil)
	case rec.Type == RecordItemCompleted && rec.Item != nil && rec.Item.Type == ItemAgentMessage && rec.Item.Text != "":
		s.hub.EmitMessage(eventhub.SourceAgent, sessionID, rec.Item.Text)
	case rec.Item != nil && rec.Item.Type == ItemCommandExecution:
		s.hub.EmitLog(eventhub.SourceAgent, sessionID, "info", "Command: "+rec.Item.Command, rec.Item)
	case rec.Type == RecordTurnCompleted && rec.Usage != nil:
		s.hub.EmitLog(eventhub.SourceAgent, sessionID, "info",
			fmt.Sprintf("Usage: %d in / %d out", rec.Usage.InputTokens, rec.Usage.OutputTokens), rec.Usage)
	}
}

func (s *Supervisor) statusChanged(sessionID string, status, prev model.SessionStatus) {
	s.hub.EmitStatus(eventhub.SourceAgent, sessionID, string(status), string(prev))
	if s.opts.OnStatus != nil {
		s.opts.OnStatus(sessionID, status)
	}
}

// Interrupt stops the current run, if any, and forces the entry back to idle.
// Interrupting an idle entry succeeds.
func (s *Supervisor) Interrupt(sessionID string) error {
	const op = apperr.Op("agent.Interrupt")

	s.mu.Lock()
	e, ok := s.entries[sessionID]
	if !ok {
		s.mu.Unlock()
		return apperr.E(op, apperr.KindNotFound, fmt.Errorf("Agent session '%s' not found", sessionID))
	}
	h := e.handle
	e.handle = nil
	prev := e.status
	e.status, _ = Transition(prev, TriggerInterrupt)
	e.gen++
	s.mu.Unlock()

	if h != nil {
		if err := h.Interrupt(); err != nil {
			s.logger.Warn("failed to interrupt agent", "session", sessionID, "error", err)
		}
		go s.escalate(sessionID, h)
	}
	s.statusChanged(sessionID, model.StatusIdle, prev)
	return nil
}

// escalate kills a process that ignored SIGINT for longer than the grace period.
func (s *Supervisor) escalate(sessionID string, h process.Handle) {
	select {
	case <-h.Done():
	case <-time.After(s.opts.KillGrace):
		s.logger.Warn("agent ignored interrupt, killing", "session", sessionID, "pid", h.PID())
		_ = h.Kill()
	}
}

// Destroy kills any running process and forgets the entry. Unknown ids are ignored.
func (s *Supervisor) Destroy(sessionID string) {
	s.mu.Lock()
	e, ok := s.entries[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.entries, sessionID)
	e.destroyed = true
	e.gen++
	h := e.handle
	e.handle = nil
	s.mu.Unlock()

	if h != nil {
		_ = h.Kill()
	}
	s.logger.Debug("agent destroyed", "session", sessionID)
}

// Get returns a snapshot of the entry for sessionID.
func (s *Supervisor) Get(sessionID string) (model.AgentSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sessionID]
	if !ok {
		return model.AgentSnapshot{}, false
	}
	return e.snapshot(), true
}

func (s *Supervisor) List() []model.AgentSnapshot {
	s.mu.Lock()
	out := make([]model.AgentSnapshot, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.snapshot())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ShutdownAll terminates every running agent and waits for supervision to finish.
func (s *Supervisor) ShutdownAll(ctx context.Context) error {
	s.mu.Lock()
	var handles []process.Handle
	for id, e := range s.entries {
		e.destroyed = true
		e.gen++
		if e.handle != nil {
			handles = append(handles, e.handle)
			e.handle = nil
		}
		delete(s.entries, id)
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range handles {
		h := h
		g.Go(func() error {
			return h.Shutdown(gctx, s.opts.KillGrace)
		})
	}
	err := g.Wait()

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}
