package eventhub

import (
	"sync"

	"treehouse/internal/metrics"
)

// ChannelSink buffers events for a consumer goroutine. A full buffer drops the event
// rather than stalling the producer.
type ChannelSink struct {
	ch     chan Event
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(size int) *ChannelSink {
	if size <= 0 {
		size = 256
	}
	return &ChannelSink{ch: make(chan Event, size)}
}

func (c *ChannelSink) Deliver(e Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.ch <- e:
	default:
		metrics.RecordDrop("sink_full")
	}
}

// C returns the receive side.
func (c *ChannelSink) C() <-chan Event {
	return c.ch
}

// Close closes the channel. Deliver after Close is a no-op.
func (c *ChannelSink) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.ch)
		c.mu.Unlock()
	})
}

// Broadcaster pushes a named event to a transport (desktop runtime, websocket clients).
type Broadcaster interface {
	BroadcastEvent(name string, payload any)
}

// BroadcastSink forwards every delivered event to a Broadcaster under Event.Name().
type BroadcastSink struct {
	B Broadcaster
}

func (s BroadcastSink) Deliver(e Event) {
	if s.B != nil {
		s.B.BroadcastEvent(e.Name(), e)
	}
}
