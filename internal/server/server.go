// Package server hosts the WebSocket endpoint clients speak the
// conversation protocol over, and adapts connected sockets to the
// conversation transport seam.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/korahq/kora/internal/conversation"
	"github.com/korahq/kora/internal/observe"
)

// writeTimeout bounds each outbound frame so one stalled client cannot
// wedge a broadcast.
const writeTimeout = 10 * time.Second

// MessageSink consumes decoded client messages. *conversation.Handler
// implements it.
type MessageSink interface {
	OnMessage(ctx context.Context, client string, msg conversation.Inbound)
	DisconnectClient(ctx context.Context, client string)
}

// Compile-time assertion that Server satisfies conversation.Transport.
var _ conversation.Transport = (*Server)(nil)

// client is one connected WebSocket. Writes are serialised per client.
type client struct {
	conn *websocket.Conn

	mu sync.Mutex
}

// Server accepts WebSocket connections, runs a read loop per client, and
// delivers outbound messages. It implements [conversation.Transport] for
// the clients it owns.
type Server struct {
	log            *slog.Logger
	metrics        *observe.Metrics
	allowedOrigins []string

	mu      sync.RWMutex
	sink    MessageSink
	clients map[string]*client
}

// Option is a functional option for Server.
type Option func(*Server)

// WithLogger sets the server's logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAllowedOrigins permits cross-origin WebSocket upgrades from the
// given origin patterns.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.allowedOrigins = origins }
}

// New creates a Server. A sink must be attached with [Server.SetSink]
// before the first connection arrives.
func New(opts ...Option) *Server {
	s := &Server{
		log:     slog.Default(),
		clients: make(map[string]*client),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// SetSink attaches the message consumer. The handler and server
// reference each other, so the sink is attached after construction
// rather than passed to [New].
func (s *Server) SetSink(sink MessageSink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// ServeHTTP upgrades the request to a WebSocket and runs the client's
// read loop until the connection drops.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.allowedOrigins,
	})
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	id := "client-" + uuid.NewString()[:8]
	c := &client{conn: conn}

	s.mu.Lock()
	sink := s.sink
	s.clients[id] = c
	s.mu.Unlock()

	s.metrics.AddActiveClients(r.Context(), 1)
	s.log.Info("client connected", "client", id, "remote", r.RemoteAddr)

	defer func() {
		s.mu.Lock()
		delete(s.clients, id)
		s.mu.Unlock()
		s.metrics.AddActiveClients(context.Background(), -1)

		if sink != nil {
			// The request context is gone once the socket drops; release
			// the client's turn state with a fresh context.
			sink.DisconnectClient(context.Background(), id)
		}
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.log.Info("client disconnected", "client", id)
	}()

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var in conversation.Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			s.log.Warn("discarding malformed message", "client", id, "error", err)
			continue
		}
		if sink != nil {
			sink.OnMessage(ctx, id, in)
		}
	}
}

// Send implements [conversation.Transport].
func (s *Server) Send(ctx context.Context, clientID string, msg any) error {
	s.mu.RLock()
	c, ok := s.clients[clientID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("server: client %q not connected", clientID)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("server: marshal message for %q: %w", clientID, err)
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.Write(wctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("server: write to %q: %w", clientID, err)
	}
	return nil
}

// Broadcast implements [conversation.Transport]. Delivery failures are
// logged per recipient; the remaining recipients still receive the
// message.
func (s *Server) Broadcast(ctx context.Context, clientIDs []string, msg any) {
	for _, id := range clientIDs {
		if err := s.Send(ctx, id, msg); err != nil {
			s.log.Warn("broadcast delivery failed", "client", id, "error", err)
		}
	}
}

// Connected reports whether clientID currently has an open socket.
func (s *Server) Connected(clientID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.clients[clientID]
	return ok
}

// CloseAll disconnects every client, typically during shutdown.
func (s *Server) CloseAll() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for id, c := range s.clients {
		clients = append(clients, c)
		delete(s.clients, id)
	}
	s.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
