package server

import (
	"context"
	"strings"
	"sync"

	"github.com/korahq/kora/internal/conversation"
)

// Compile-time assertion that TransportMux satisfies
// conversation.Transport.
var _ conversation.Transport = (*TransportMux)(nil)

// TransportMux routes outbound messages to the transport owning the
// recipient, selected by client-id prefix. WebSocket clients carry the
// "client-" prefix and fall through to the default transport; bridge
// clients such as "discord-…" mount their own.
type TransportMux struct {
	fallback conversation.Transport

	mu     sync.RWMutex
	routes map[string]conversation.Transport
}

// NewTransportMux creates a mux delivering unmatched client ids to
// fallback.
func NewTransportMux(fallback conversation.Transport) *TransportMux {
	return &TransportMux{
		fallback: fallback,
		routes:   make(map[string]conversation.Transport),
	}
}

// Mount routes client ids starting with prefix to t.
func (m *TransportMux) Mount(prefix string, t conversation.Transport) {
	m.mu.Lock()
	m.routes[prefix] = t
	m.mu.Unlock()
}

func (m *TransportMux) transportFor(clientID string) conversation.Transport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for prefix, t := range m.routes {
		if strings.HasPrefix(clientID, prefix) {
			return t
		}
	}
	return m.fallback
}

// Send implements conversation.Transport.
func (m *TransportMux) Send(ctx context.Context, clientID string, msg any) error {
	return m.transportFor(clientID).Send(ctx, clientID, msg)
}

// Broadcast implements conversation.Transport. Recipients are grouped by
// owning transport so each backend can apply its own delivery tolerance.
func (m *TransportMux) Broadcast(ctx context.Context, clientIDs []string, msg any) {
	byTransport := make(map[conversation.Transport][]string)
	for _, id := range clientIDs {
		t := m.transportFor(id)
		byTransport[t] = append(byTransport[t], id)
	}
	for t, ids := range byTransport {
		t.Broadcast(ctx, ids, msg)
	}
}
