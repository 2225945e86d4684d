package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Sentinel results for Gate.Wait. A timeout means the frontend never
// answered and the turn may proceed degraded; a release means the client
// went away and the turn must abort.
var (
	ErrWaitTimeout = errors.New("conversation: wait timed out")
	ErrReleased    = errors.New("conversation: client released")
)

// DefaultWaitTimeout bounds Gate.Wait when the caller passes no timeout.
const DefaultWaitTimeout = 60 * time.Second

// waiterKey identifies one pending rendezvous. requestID is empty for
// kinds that can only have a single outstanding wait per client.
type waiterKey struct {
	client    string
	kind      string
	requestID string
}

// Gate is the synchronous request/response rendezvous between turn code
// that needs an answer from the frontend and the socket read loop that
// receives it. At most one waiter may be registered per key.
type Gate struct {
	mu      sync.Mutex
	waiters map[waiterKey]chan Inbound
}

// NewGate returns an empty Gate.
func NewGate() *Gate {
	return &Gate{waiters: make(map[waiterKey]chan Inbound)}
}

// Wait blocks until a message of the given kind (and request id, when not
// empty) arrives for client, the timeout elapses, ctx is cancelled, or
// the client is released. A non-positive timeout uses
// [DefaultWaitTimeout].
func (g *Gate) Wait(ctx context.Context, client, kind, requestID string, timeout time.Duration) (Inbound, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	key := waiterKey{client: client, kind: kind, requestID: requestID}
	ch := make(chan Inbound, 1)

	g.mu.Lock()
	if _, exists := g.waiters[key]; exists {
		g.mu.Unlock()
		return Inbound{}, errors.New("conversation: duplicate waiter for " + kind)
	}
	g.waiters[key] = ch
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		if cur, ok := g.waiters[key]; ok && cur == ch {
			delete(g.waiters, key)
		}
		g.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-ch:
		if !ok {
			return Inbound{}, ErrReleased
		}
		return msg, nil
	case <-timer.C:
		return Inbound{}, ErrWaitTimeout
	case <-ctx.Done():
		return Inbound{}, ctx.Err()
	}
}

// Deliver hands msg to the waiter registered for (client, msg.Type,
// msg.RequestID) and reports whether one matched. Unmatched messages are
// dropped; the caller decides whether that is worth logging.
func (g *Gate) Deliver(client string, msg Inbound) bool {
	key := waiterKey{client: client, kind: msg.Type, requestID: msg.RequestID}

	g.mu.Lock()
	ch, ok := g.waiters[key]
	if ok {
		delete(g.waiters, key)
	}
	g.mu.Unlock()

	if !ok {
		return false
	}
	ch <- msg
	return true
}

// ReleaseClient unblocks every waiter registered for client with
// [ErrReleased]. Safe to call for clients with no waiters and safe to
// call repeatedly.
func (g *Gate) ReleaseClient(client string) {
	g.mu.Lock()
	var released int
	for key, ch := range g.waiters {
		if key.client == client {
			close(ch)
			delete(g.waiters, key)
			released++
		}
	}
	g.mu.Unlock()

	if released > 0 {
		slog.Debug("released sync waiters", "client", client, "count", released)
	}
}

// ActiveWaiters reports how many waits are currently pending for client.
// Diagnostic only.
func (g *Gate) ActiveWaiters(client string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for key := range g.waiters {
		if key.client == client {
			n++
		}
	}
	return n
}
