package websocket

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"treehouse/internal/eventhub"
	"treehouse/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4 << 20
	sendBufferSize = 256
)

var (
	ErrClientBufferFull = errors.New("client send buffer full")
	ErrClientClosed     = errors.New("client closed")
)

// Client is one websocket connection. Frames are queued on send and written by
// writePump so producers never block on the network.
type Client struct {
	ID   string
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
	subs   []string
}

func newClient(id string, conn *websocket.Conn) *Client {
	return &Client{
		ID:   id,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
}

func (c *Client) sendMessage(msg *WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrClientBufferFull
	}
}

// SendEvent queues a pushed event.
func (c *Client) SendEvent(name string, payload any) error {
	return c.sendMessage(&WSMessage{
		Kind:  KindEvent,
		Event: &WSEvent{Type: name, Payload: payload},
	})
}

func (c *Client) sendResponse(resp *RPCResponse) error {
	return c.sendMessage(&WSMessage{Kind: KindRPCResponse, Response: resp})
}

// Deliver makes the client an eventhub sink. A full buffer drops the event.
func (c *Client) Deliver(e eventhub.Event) {
	if err := c.SendEvent(e.Name(), e); errors.Is(err, ErrClientBufferFull) {
		metrics.RecordDrop("ws_buffer_full")
	}
}

func (c *Client) addSubscription(id string) {
	c.mu.Lock()
	c.subs = append(c.subs, id)
	c.mu.Unlock()
}

func (c *Client) takeSubscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.subs
	c.subs = nil
	return subs
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close stops writePump after it flushes the queued frames. Safe to call twice.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}
