package websocket

import (
	"encoding/json"

	"treehouse/internal/ipc"
)

// Message kinds.
const (
	KindRPCRequest  = "rpc_request"
	KindRPCResponse = "rpc_response"
	KindEvent       = "event"
	KindSubscribe   = "subscribe"
	KindUnsubscribe = "unsubscribe"
)

// RPCRequest is a call from a client. Params is the JSON object of the matching
// ipc request type.
type RPCRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RPCResponse answers the request with the same ID.
type RPCResponse struct {
	ID     string     `json:"id"`
	Result ipc.Result `json:"result"`
}

// WSEvent is a pushed notification, Type being the event name ("agent:message").
type WSEvent struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Subscription selects which events a client is pushed. An empty SessionID matches
// every session; empty Kinds match every kind.
type Subscription struct {
	SessionID string   `json:"sessionId,omitempty"`
	Kinds     []string `json:"kinds,omitempty"`
}

// WSMessage is the envelope of every frame in either direction.
type WSMessage struct {
	Kind string `json:"kind"`

	Request      *RPCRequest   `json:"request,omitempty"`
	Response     *RPCResponse  `json:"response,omitempty"`
	Event        *WSEvent      `json:"event,omitempty"`
	Subscription *Subscription `json:"subscription,omitempty"`
}
