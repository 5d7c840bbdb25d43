package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treehouse/internal/apperr"
	"treehouse/internal/eventhub"
	"treehouse/internal/model"
)

type memArchive struct {
	mu   sync.Mutex
	runs map[string][]byte
}

func (m *memArchive) Save(sessionID, runID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runs == nil {
		m.runs = map[string][]byte{}
	}
	m.runs[sessionID+"/"+runID] = append([]byte(nil), data...)
	return nil
}

func newTestSupervisor(t *testing.T) (*Supervisor, *fakeSpawner, *collector) {
	t.Helper()
	hub := eventhub.New(nil)
	sp := &fakeSpawner{}
	sup := NewSupervisor(sp, hub, Options{
		Env:          []string{"PATH=/usr/bin"},
		KillGrace:    50 * time.Millisecond,
		DrainTimeout: 200 * time.Millisecond,
	})
	return sup, sp, collect(hub)
}

func waitStatus(t *testing.T, sup *Supervisor, id string, want model.SessionStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, ok := sup.Get(id)
		return ok && snap.Status == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSend_FirstRunAndResume(t *testing.T) {
	sup, sp, events := newTestSupervisor(t)
	ctx := context.Background()

	require.NoError(t, sup.Send(ctx, "s1", "/tmp/wt", "hello"))
	h, spec := sp.last()
	assert.Equal(t, "codex", spec.Name)
	assert.Equal(t, []string{"exec", "--json", "--", "hello"}, spec.Args)
	assert.Equal(t, "/tmp/wt", spec.Dir)

	h.stdout(`{"type":"thread.started","thread_id":"T1"}` + "\n")
	h.stdout(`{"type":"item.completed","item":{"type":"agent_message","text":"hi"}}` + "\n")
	h.exit(0)
	waitStatus(t, sup, "s1", model.StatusIdle)

	snap, _ := sup.Get("s1")
	assert.Equal(t, "T1", snap.CLISessionID)
	assert.Equal(t, []string{"hi"}, events.messages())
	require.Eventually(t, func() bool { return len(events.statuses()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"running", "idle"}, events.statuses())
	assert.Contains(t, events.logs(), "Thread started: T1")

	require.NoError(t, sup.Send(ctx, "s1", "/tmp/wt", "again"))
	h2, spec2 := sp.last()
	assert.Equal(t, []string{"exec", "--json", "resume", "T1", "--", "again"}, spec2.Args)
	h2.exit(0)
	waitStatus(t, sup, "s1", model.StatusIdle)
}

func TestSend_AlreadyRunning(t *testing.T) {
	sup, sp, _ := newTestSupervisor(t)
	ctx := context.Background()

	require.NoError(t, sup.Send(ctx, "s1", "/tmp/wt", "one"))
	err := sup.Send(ctx, "s1", "/tmp/wt", "two")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindConflict))
	assert.ErrorIs(t, err, apperr.ErrAlreadyRunning)
	assert.Len(t, sp.specs, 1)

	h, _ := sp.last()
	h.exit(0)
	waitStatus(t, sup, "s1", model.StatusIdle)
}

func TestSend_Validation(t *testing.T) {
	sup, sp, _ := newTestSupervisor(t)
	ctx := context.Background()

	for _, tc := range []struct{ id, cwd, msg string }{
		{"", "/tmp", "hi"},
		{"s1", "", "hi"},
		{"s1", "/tmp", "  "},
	} {
		err := sup.Send(ctx, tc.id, tc.cwd, tc.msg)
		assert.True(t, apperr.Is(err, apperr.KindValidation), "%+v", tc)
	}
	assert.Empty(t, sp.specs)
}

func TestSend_SplitRecordsAcrossChunks(t *testing.T) {
	sup, sp, events := newTestSupervisor(t)
	require.NoError(t, sup.Send(context.Background(), "s1", "/tmp/wt", "go"))
	h, _ := sp.last()

	h.stdout(`{"type":"item.completed","item":{"type":"agent_message","text":"a"}}` + "\n" + `{"ty`)
	h.stdout(`pe":"item.completed","item":{"type":"agent_message","text":"b"}}` + "\n")
	h.stdout("not json\n")
	h.exit(0)
	waitStatus(t, sup, "s1", model.StatusIdle)

	assert.Equal(t, []string{"a", "b"}, events.messages())
	assert.Contains(t, events.logs(), "Non-JSON stdout: not json")
}

func TestSend_TrailingRecordWithoutNewline(t *testing.T) {
	sup, sp, events := newTestSupervisor(t)
	require.NoError(t, sup.Send(context.Background(), "s1", "/tmp/wt", "go"))
	h, _ := sp.last()

	h.stdout(`{"type":"turn.completed","usage":{"input_tokens":10,"output_tokens":4}}`)
	h.exit(0)
	waitStatus(t, sup, "s1", model.StatusIdle)
	assert.Contains(t, events.logs(), "Usage: 10 in / 4 out")
}

func TestSend_NonZeroExitReportsStderr(t *testing.T) {
	sup, sp, events := newTestSupervisor(t)
	require.NoError(t, sup.Send(context.Background(), "s1", "/tmp/wt", "go"))
	h, _ := sp.last()

	h.stderr("boom\n")
	h.exit(2)
	waitStatus(t, sup, "s1", model.StatusError)

	require.Eventually(t, func() bool { return len(events.ofKind(eventhub.KindError)) == 1 }, time.Second, 5*time.Millisecond)
	errs := events.ofKind(eventhub.KindError)
	assert.Equal(t, "Process exited with code 2: boom", errs[0].Payload.(eventhub.ErrorPayload).Message)

	// error is not sticky: a new send starts again
	require.NoError(t, sup.Send(context.Background(), "s1", "/tmp/wt", "retry"))
	h2, _ := sp.last()
	h2.exit(0)
	waitStatus(t, sup, "s1", model.StatusIdle)
}

func TestSend_SpawnFailure(t *testing.T) {
	sup, sp, events := newTestSupervisor(t)
	sp.err = errNoBinary

	err := sup.Send(context.Background(), "s1", "/tmp/wt", "go")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindCrash))

	snap, ok := sup.Get("s1")
	require.True(t, ok)
	assert.Equal(t, model.StatusError, snap.Status)
	assert.Equal(t, []string{"running", "error"}, events.statuses())
	assert.Len(t, events.ofKind(eventhub.KindError), 1)
}

func TestInterrupt(t *testing.T) {
	sup, sp, events := newTestSupervisor(t)

	err := sup.Interrupt("missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	require.NoError(t, sup.Send(context.Background(), "s1", "/tmp/wt", "go"))
	h, _ := sp.last()
	h.onSignal = func(sig string) {
		if sig == "INT" {
			go h.exit(-1)
		}
	}

	require.NoError(t, sup.Interrupt("s1"))
	snap, _ := sup.Get("s1")
	assert.Equal(t, model.StatusIdle, snap.Status)
	assert.Equal(t, []string{"INT"}, h.sent())

	// idle entries interrupt cleanly and nothing is signalled twice
	require.NoError(t, sup.Interrupt("s1"))
	assert.Equal(t, []string{"INT"}, h.sent())

	// the stale exit must not flip the status to error
	time.Sleep(50 * time.Millisecond)
	snap, _ = sup.Get("s1")
	assert.Equal(t, model.StatusIdle, snap.Status)
	assert.Empty(t, events.ofKind(eventhub.KindError))
}

func TestInterrupt_EscalatesToKill(t *testing.T) {
	sup, sp, _ := newTestSupervisor(t)
	require.NoError(t, sup.Send(context.Background(), "s1", "/tmp/wt", "go"))
	h, _ := sp.last()

	require.NoError(t, sup.Interrupt("s1"))
	require.Eventually(t, func() bool {
		return len(h.sent()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"INT", "KILL"}, h.sent())
}

func TestDestroy(t *testing.T) {
	sup, sp, events := newTestSupervisor(t)
	sup.Destroy("never-existed")

	require.NoError(t, sup.Send(context.Background(), "s1", "/tmp/wt", "go"))
	h, _ := sp.last()
	sup.Destroy("s1")

	_, ok := sup.Get("s1")
	assert.False(t, ok)
	assert.Equal(t, []string{"KILL"}, h.sent())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"running"}, events.statuses())
}

func TestStatusObserverAndArchive(t *testing.T) {
	hub := eventhub.New(nil)
	sp := &fakeSpawner{}
	archive := &memArchive{}
	var mu sync.Mutex
	var seen []model.SessionStatus
	sup := NewSupervisor(sp, hub, Options{
		Binary:    "agent-bin",
		ExtraArgs: []string{"--skip-git-repo-check"},
		Env:       []string{},
		Archiver:  archive,
		OnStatus: func(id string, st model.SessionStatus) {
			mu.Lock()
			seen = append(seen, st)
			mu.Unlock()
		},
	})

	require.NoError(t, sup.Send(context.Background(), "s1", "/tmp/wt", "go"))
	h, spec := sp.last()
	assert.Equal(t, "agent-bin", spec.Name)
	assert.Equal(t, []string{"exec", "--json", "--skip-git-repo-check", "--", "go"}, spec.Args)
	h.stdout("{\"type\":\"turn.started\"}\n")
	h.exit(0)
	waitStatus(t, sup, "s1", model.StatusIdle)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []model.SessionStatus{model.StatusRunning, model.StatusIdle}, seen)
	mu.Unlock()
	archive.mu.Lock()
	assert.Len(t, archive.runs, 1)
	archive.mu.Unlock()
}

func TestArchivedTranscriptIsCapped(t *testing.T) {
	hub := eventhub.New(nil)
	events := collect(hub)
	sp := &fakeSpawner{}
	archive := &memArchive{}
	sup := NewSupervisor(sp, hub, Options{
		Env:             []string{},
		Archiver:        archive,
		TranscriptLimit: 64,
	})

	require.NoError(t, sup.Send(context.Background(), "s1", "/tmp/wt", "go"))
	h, _ := sp.last()
	first := `{"type":"thread.started","thread_id":"T1"}` + "\n"
	h.stdout(first)
	h.stdout(strings.Repeat(`{"type":"turn.started"}`+"\n", 20))
	h.stdout(`{"type":"item.completed","item":{"type":"agent_message","text":"past the cap"}}` + "\n")
	h.exit(0)
	waitStatus(t, sup, "s1", model.StatusIdle)

	assert.Equal(t, []string{"past the cap"}, events.messages())
	archive.mu.Lock()
	defer archive.mu.Unlock()
	require.Len(t, archive.runs, 1)
	for _, data := range archive.runs {
		assert.Len(t, data, 64)
		assert.True(t, strings.HasPrefix(string(data), first))
	}
}

func TestShutdownAll(t *testing.T) {
	sup, sp, _ := newTestSupervisor(t)
	require.NoError(t, sup.Send(context.Background(), "a", "/tmp/a", "go"))
	require.NoError(t, sup.Send(context.Background(), "b", "/tmp/b", "go"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sup.ShutdownAll(ctx))
	assert.Empty(t, sup.List())
	for _, h := range sp.handles {
		assert.Equal(t, []string{"INT"}, h.sent())
	}
}
