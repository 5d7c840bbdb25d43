package agent

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"treehouse/internal/eventhub"
	"treehouse/internal/process"
)

type fakeHandle struct {
	outR, errR *io.PipeReader
	outW, errW *io.PipeWriter

	done     chan struct{}
	once     sync.Once
	mu       sync.Mutex
	code     int
	signals  []string
	onSignal func(sig string)
}

func newFakeHandle() *fakeHandle {
	h := &fakeHandle{done: make(chan struct{})}
	h.outR, h.outW = io.Pipe()
	h.errR, h.errW = io.Pipe()
	return h
}

func (h *fakeHandle) PID() int              { return 4242 }
func (h *fakeHandle) Stdout() io.Reader     { return h.outR }
func (h *fakeHandle) Stderr() io.Reader     { return h.errR }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) Wait() (int, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.code, nil
}

func (h *fakeHandle) stdout(s string) { _, _ = h.outW.Write([]byte(s)) }
func (h *fakeHandle) stderr(s string) { _, _ = h.errW.Write([]byte(s)) }

// exit closes the output streams and reports code.
func (h *fakeHandle) exit(code int) {
	h.once.Do(func() {
		h.outW.Close()
		h.errW.Close()
		h.mu.Lock()
		h.code = code
		h.mu.Unlock()
		close(h.done)
	})
}

func (h *fakeHandle) signal(sig string) error {
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	fn := h.onSignal
	h.mu.Unlock()
	if fn != nil {
		fn(sig)
	}
	return nil
}

func (h *fakeHandle) Interrupt() error { return h.signal("INT") }
func (h *fakeHandle) Kill() error {
	err := h.signal("KILL")
	h.exit(-1)
	return err
}

func (h *fakeHandle) Shutdown(ctx context.Context, grace time.Duration) error {
	_ = h.signal("INT")
	h.exit(-1)
	return nil
}

func (h *fakeHandle) Close() error {
	h.outR.Close()
	h.errR.Close()
	return nil
}

func (h *fakeHandle) sent() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.signals...)
}

type fakeSpawner struct {
	mu      sync.Mutex
	specs   []process.Spec
	handles []*fakeHandle
	err     error
}

func (f *fakeSpawner) Spawn(ctx context.Context, spec process.Spec) (process.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	if f.err != nil {
		return nil, f.err
	}
	h := newFakeHandle()
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *fakeSpawner) last() (*fakeHandle, process.Spec) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[len(f.handles)-1], f.specs[len(f.specs)-1]
}

var errNoBinary = errors.New(`exec: "codex": executable file not found in $PATH`)

// collector subscribes to the hub and records every event.
type collector struct {
	mu     sync.Mutex
	events []eventhub.Event
}

func collect(hub *eventhub.Hub) *collector {
	c := &collector{}
	hub.Subscribe(eventhub.Filter{}, eventhub.SinkFunc(func(e eventhub.Event) {
		c.mu.Lock()
		c.events = append(c.events, e)
		c.mu.Unlock()
	}))
	return c
}

func (c *collector) ofKind(k eventhub.Kind) []eventhub.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []eventhub.Event
	for _, e := range c.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

func (c *collector) messages() []string {
	var out []string
	for _, e := range c.ofKind(eventhub.KindMessage) {
		out = append(out, e.Payload.(eventhub.MessagePayload).Text)
	}
	return out
}

func (c *collector) statuses() []string {
	var out []string
	for _, e := range c.ofKind(eventhub.KindStatus) {
		out = append(out, e.Payload.(eventhub.StatusPayload).Status)
	}
	return out
}

func (c *collector) logs() []string {
	var out []string
	for _, e := range c.ofKind(eventhub.KindLog) {
		out = append(out, e.Payload.(eventhub.LogPayload).Message)
	}
	return out
}
