// Package websocket serves the ipc surface to headless clients: RPC requests answered
// with the result envelope, plus pushed eventhub events for subscribed sessions.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"treehouse/internal/apperr"
	"treehouse/internal/eventhub"
	"treehouse/internal/ipc"
	"treehouse/internal/logging"
	"treehouse/internal/metrics"
)

// AuthHeader carries the shared key when the server is configured with one.
const AuthHeader = "X-Auth-Key"

var errStopping = errors.New("server is shutting down")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// local use only
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Options struct {
	Addr    string
	AuthKey string
	Logger  *slog.Logger
}

// Server is the websocket RPC server.
type Server struct {
	opts   Options
	router *Router
	hub    *eventhub.Hub
	logger *slog.Logger

	clientsMu sync.RWMutex
	clients   map[string]*Client

	ctx    context.Context
	cancel context.CancelFunc

	// callsMu orders calls.Add against Stop so Wait never races a new call.
	callsMu  sync.Mutex
	stopping bool
	calls    sync.WaitGroup

	httpServer *http.Server
	listener   net.Listener
}

func NewServer(d Dispatcher, hub *eventhub.Hub, opts Options) *Server {
	logger := logging.OrDiscard(opts.Logger).With("component", "websocket")
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:    opts,
		router:  NewRouter(d, logger),
		hub:     hub,
		logger:  logger,
		clients: make(map[string]*Client),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Handler returns the HTTP routes: /ws, /health and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start listens on the configured address and serves in the background. It returns the
// bound address, which differs from the configured one when the port was 0.
func (s *Server) Start() (string, error) {
	addr := s.opts.Addr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listen %s: %w", addr, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{Handler: s.Handler()}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("websocket server stopped", "error", err)
		}
	}()
	s.logger.Info("websocket server listening", "addr", listener.Addr().String())
	return listener.Addr().String(), nil
}

// Stop disconnects every client, waits for in-flight calls and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.BroadcastEvent("server:shutdown", nil)
	s.callsMu.Lock()
	s.stopping = true
	s.cancel()
	s.callsMu.Unlock()

	s.clientsMu.Lock()
	for _, c := range s.clients {
		c.close()
	}
	s.clientsMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.calls.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.opts.AuthKey != "" && r.Header.Get(AuthHeader) != s.opts.AuthKey {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(uuid.NewString(), conn)
	s.clientsMu.Lock()
	s.clients[client.ID] = client
	n := len(s.clients)
	s.clientsMu.Unlock()
	metrics.SetWebsocketClients(n)
	s.logger.Debug("client connected", "client", client.ID)

	go client.writePump()
	s.readPump(client)
}

func (s *Server) readPump(client *Client) {
	defer func() {
		for _, id := range client.takeSubscriptions() {
			s.hub.Unsubscribe(id)
		}
		s.clientsMu.Lock()
		delete(s.clients, client.ID)
		n := len(s.clients)
		s.clientsMu.Unlock()
		metrics.SetWebsocketClients(n)
		client.close()
		s.logger.Debug("client disconnected", "client", client.ID)
	}()

	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read failed", "client", client.ID, "error", err)
			}
			return
		}
		s.handleMessage(client, message)
	}
}

func (s *Server) handleMessage(client *Client, message []byte) {
	var msg WSMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		s.logger.Warn("invalid message", "client", client.ID, "error", err)
		return
	}

	switch msg.Kind {
	case KindRPCRequest:
		if msg.Request == nil {
			return
		}
		req := msg.Request
		if !s.beginCall() {
			resp := &RPCResponse{ID: req.ID, Result: ipc.Fail(apperr.E(apperr.KindConflict, errStopping))}
			if err := client.sendResponse(resp); err != nil {
				s.logger.Debug("failed to send response", "client", client.ID, "id", req.ID, "error", err)
			}
			return
		}
		go func() {
			defer s.calls.Done()
			resp := s.router.Call(s.ctx, req)
			if err := client.sendResponse(resp); err != nil {
				s.logger.Warn("failed to send response", "client", client.ID, "id", req.ID, "error", err)
			}
		}()
	case KindSubscribe:
		sub := Subscription{}
		if msg.Subscription != nil {
			sub = *msg.Subscription
		}
		filter := eventhub.Filter{SessionID: sub.SessionID}
		for _, k := range sub.Kinds {
			filter.Kinds = append(filter.Kinds, eventhub.Kind(k))
		}
		client.addSubscription(s.hub.Subscribe(filter, client))
	case KindUnsubscribe:
		for _, id := range client.takeSubscriptions() {
			s.hub.Unsubscribe(id)
		}
	default:
		s.logger.Warn("unknown message kind", "client", client.ID, "kind", msg.Kind)
	}
}

// beginCall registers an in-flight call unless Stop has started.
func (s *Server) beginCall() bool {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	if s.stopping {
		return false
	}
	s.calls.Add(1)
	return true
}

// BroadcastEvent pushes a named event to every connected client regardless of subscriptions.
func (s *Server) BroadcastEvent(name string, payload any) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for _, c := range s.clients {
		c.SendEvent(name, payload)
	}
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
