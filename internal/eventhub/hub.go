// Package eventhub routes agent, terminal and git events from their producers to
// whichever sinks subscribed to them.
package eventhub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"treehouse/internal/logging"
	"treehouse/internal/metrics"
	"treehouse/internal/model"
)

// Kind is the category of an event.
type Kind string

const (
	KindMessage Kind = "message"
	KindStatus  Kind = "status"
	KindError   Kind = "error"
	KindLog     Kind = "log"
	KindData    Kind = "data"
	KindExit    Kind = "exit"
)

// Sources identify the producer of an event.
const (
	SourceAgent    = "agent"
	SourceTerminal = "terminal"
	SourceGit      = "git"
)

// Event is one routed notification. Payload holds one of the *Payload types below.
type Event struct {
	Kind      Kind      `json:"kind"`
	Source    string    `json:"source"`
	SessionID string    `json:"sessionId"`
	Payload   any       `json:"payload,omitempty"`
	Time      time.Time `json:"time"`
}

// Name is the channel name used by transports, e.g. "agent:message".
func (e Event) Name() string {
	return e.Source + ":" + string(e.Kind)
}

type MessagePayload struct {
	Text string `json:"text"`
}

type StatusPayload struct {
	Status   string `json:"status"`
	Previous string `json:"previous,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type LogPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type DataPayload struct {
	PtyID string `json:"ptyId"`
	Data  string `json:"data"`
}

type ExitPayload struct {
	PtyID    string `json:"ptyId,omitempty"`
	ExitCode int    `json:"exitCode"`
}

// GitStatusPayload carries a fresh working tree status for a session's worktree.
type GitStatusPayload struct {
	Path    string              `json:"path"`
	Entries []model.StatusEntry `json:"entries"`
}

// Sink receives events. Deliver is called on the publisher's goroutine and must not block.
type Sink interface {
	Deliver(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Deliver(e Event) { f(e) }

// Filter narrows a subscription. Zero values match everything.
type Filter struct {
	SessionID string
	Kinds     []Kind
}

func (f Filter) matches(e Event) bool {
	if f.SessionID != "" && f.SessionID != e.SessionID {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k == e.Kind {
			return true
		}
	}
	return false
}

type subscription struct {
	id     string
	filter Filter
	sink   Sink
}

// Hub is the subscriber registry. Delivery is at-most-once and synchronous: an event
// published with no matching subscriber is dropped.
type Hub struct {
	mu     sync.RWMutex
	subs   []*subscription
	closed bool
	logger *slog.Logger
	now    func() time.Time
}

// New creates an empty hub.
func New(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logging.OrDiscard(logger).With("component", "eventhub"),
		now:    time.Now,
	}
}

// Subscribe registers sink for events matching filter and returns the subscription id.
func (h *Hub) Subscribe(filter Filter, sink Sink) string {
	id := uuid.NewString()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return id
	}
	h.subs = append(h.subs, &subscription{id: id, filter: filter, sink: sink})
	h.logger.Debug("subscribed", "id", id, "session", filter.SessionID)
	return id
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, s := range h.subs {
		if s.id == id {
			// copy-on-write so in-flight publishes keep their snapshot
			next := make([]*subscription, 0, len(h.subs)-1)
			next = append(next, h.subs[:i]...)
			next = append(next, h.subs[i+1:]...)
			h.subs = next
			return
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish delivers e to every matching subscriber and returns how many received it.
func (h *Hub) Publish(e Event) int {
	if e.Time.IsZero() {
		e.Time = h.now()
	}

	h.mu.RLock()
	subs := h.subs
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return 0
	}

	metrics.RecordEvent(string(e.Kind))
	delivered := 0
	for _, s := range subs {
		if !s.filter.matches(e) {
			continue
		}
		s.sink.Deliver(e)
		delivered++
	}
	if delivered == 0 {
		metrics.RecordDrop("no_subscriber")
	}
	return delivered
}

// Close drops every subscription; later publishes are no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.subs = nil
}

func (h *Hub) EmitMessage(source, sessionID, text string) {
	h.Publish(Event{Kind: KindMessage, Source: source, SessionID: sessionID, Payload: MessagePayload{Text: text}})
}

func (h *Hub) EmitStatus(source, sessionID, status, previous string) {
	h.Publish(Event{Kind: KindStatus, Source: source, SessionID: sessionID, Payload: StatusPayload{Status: status, Previous: previous}})
}

func (h *Hub) EmitError(source, sessionID, message string) {
	h.Publish(Event{Kind: KindError, Source: source, SessionID: sessionID, Payload: ErrorPayload{Message: message}})
}

func (h *Hub) EmitLog(source, sessionID, level, message string, data any) {
	h.Publish(Event{Kind: KindLog, Source: source, SessionID: sessionID, Payload: LogPayload{Level: level, Message: message, Data: data}})
}

func (h *Hub) EmitData(sessionID, ptyID, data string) {
	h.Publish(Event{Kind: KindData, Source: SourceTerminal, SessionID: sessionID, Payload: DataPayload{PtyID: ptyID, Data: data}})
}

func (h *Hub) EmitExit(source, sessionID, ptyID string, code int) {
	h.Publish(Event{Kind: KindExit, Source: source, SessionID: sessionID, Payload: ExitPayload{PtyID: ptyID, ExitCode: code}})
}

func (h *Hub) EmitGitStatus(sessionID, path string, entries []model.StatusEntry) {
	h.Publish(Event{Kind: KindStatus, Source: SourceGit, SessionID: sessionID, Payload: GitStatusPayload{Path: path, Entries: entries}})
}
