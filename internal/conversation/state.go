package conversation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// GroupState is the shared state of one group conversation: the common
// transcript, the round-robin speaker queue and each member's read
// cursor into the transcript.
type GroupState struct {
	mu         sync.Mutex
	id         string
	name       string
	sessionTag string
	members    []string // rotation queue, head speaks next
	history    []string // "Speaker: text" lines
	readIdx    map[string]int
	current    string // client currently producing a turn, "" when idle
	turnCancel context.CancelFunc
}

func newGroupState(name string) *GroupState {
	return &GroupState{
		name:       name,
		sessionTag: shortHash(name),
		readIdx:    make(map[string]int),
	}
}

// shortHash returns an eight-character hex digest used for derived ids.
func shortHash(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:8]
}

// ID returns the group's identifier. It is derived deterministically
// from the member set at the moment the group first becomes active (two
// members) and stays stable across later joins and leaves, so a running
// turn's task slot key remains valid while membership churns.
func (g *GroupState) ID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.id
}

func (g *GroupState) deriveIDLocked() {
	if g.id != "" || len(g.members) < 2 {
		return
	}
	sorted := append([]string(nil), g.members...)
	sort.Strings(sorted)
	g.id = "group-" + shortHash(sorted...)
}

// SessionTag is a short label identifying this group session in logs and
// transcripts.
func (g *GroupState) SessionTag() string { return g.sessionTag }

// Name returns the room name the members joined.
func (g *GroupState) Name() string { return g.name }

// Join appends client to the rotation tail. The new member's read cursor
// starts at the current end of history, so it only ever sees lines
// produced after it joined.
func (g *GroupState) Join(client string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, m := range g.members {
		if m == client {
			return
		}
	}
	g.members = append(g.members, client)
	g.readIdx[client] = len(g.history)
	g.deriveIDLocked()
}

// Leave removes client from the rotation. When the leaver is the
// current speaker its member turn is cancelled; the group rotation
// itself keeps running as long as two members remain.
func (g *GroupState) Leave(client string) (wasCurrent bool) {
	g.mu.Lock()
	var cancel context.CancelFunc
	for i, m := range g.members {
		if m == client {
			g.members = append(g.members[:i], g.members[i+1:]...)
			break
		}
	}
	delete(g.readIdx, client)
	if g.current == client {
		g.current = ""
		cancel = g.turnCancel
		g.turnCancel = nil
		wasCurrent = true
	}
	g.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return wasCurrent
}

// beginTurn records the cancel function for the member turn in flight so
// a leaving speaker can abort its own turn.
func (g *GroupState) beginTurn(cancel context.CancelFunc) {
	g.mu.Lock()
	g.turnCancel = cancel
	g.mu.Unlock()
}

func (g *GroupState) endTurn() {
	g.mu.Lock()
	g.turnCancel = nil
	g.current = ""
	g.mu.Unlock()
}

// Members returns a snapshot of the rotation queue.
func (g *GroupState) Members() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.members...)
}

// MemberCount reports the number of members.
func (g *GroupState) MemberCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// NextSpeaker rotates the queue: the head becomes the current speaker
// and is re-appended at the tail. Returns false when fewer than two
// members remain.
func (g *GroupState) NextSpeaker() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.members) < 2 {
		return "", false
	}
	speaker := g.members[0]
	g.members = append(g.members[1:], speaker)
	g.current = speaker
	return speaker, true
}

// Current returns the client producing a turn right now, or "".
func (g *GroupState) Current() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// ClearTurn marks the group idle.
func (g *GroupState) ClearTurn() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.current = ""
}

// AppendLine records one "Speaker: text" line in the shared transcript.
func (g *GroupState) AppendLine(speaker, text string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.history = append(g.history, fmt.Sprintf("%s: %s", speaker, text))
}

// ContextFor returns the transcript lines member has not read yet and
// advances its read cursor to the end of history. Each member therefore
// receives every line exactly once across successive turns.
func (g *GroupState) ContextFor(member string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	from := g.readIdx[member]
	if from > len(g.history) {
		from = len(g.history)
	}
	window := append([]string(nil), g.history[from:]...)
	g.readIdx[member] = len(g.history)
	return window
}

// History returns a snapshot of the full shared transcript.
func (g *GroupState) History() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.history...)
}

// GroupRegistry tracks group membership across all connected clients. A
// client belongs to at most one group.
type GroupRegistry struct {
	mu       sync.Mutex
	byName   map[string]*GroupState
	byClient map[string]*GroupState
}

// NewGroupRegistry returns an empty registry.
func NewGroupRegistry() *GroupRegistry {
	return &GroupRegistry{
		byName:   make(map[string]*GroupState),
		byClient: make(map[string]*GroupState),
	}
}

// Join adds client to the named group, creating it on first join. A
// client already in another group leaves it first.
func (r *GroupRegistry) Join(client, name string) *GroupState {
	r.mu.Lock()
	prev := r.byClient[client]
	g, ok := r.byName[name]
	if !ok {
		g = newGroupState(name)
		r.byName[name] = g
	}
	r.byClient[client] = g
	r.mu.Unlock()

	if prev != nil && prev != g {
		prev.Leave(client)
		r.dropIfEmpty(prev)
	}
	g.Join(client)
	return g
}

// Leave removes client from its group, if any. Reports the group and
// whether the client was its current speaker.
func (r *GroupRegistry) Leave(client string) (*GroupState, bool) {
	r.mu.Lock()
	g := r.byClient[client]
	delete(r.byClient, client)
	r.mu.Unlock()

	if g == nil {
		return nil, false
	}
	wasCurrent := g.Leave(client)
	r.dropIfEmpty(g)
	return g, wasCurrent
}

// GroupOf returns the group client belongs to.
func (r *GroupRegistry) GroupOf(client string) (*GroupState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.byClient[client]
	return g, ok
}

func (r *GroupRegistry) dropIfEmpty(g *GroupState) {
	if g.MemberCount() > 0 {
		return
	}
	r.mu.Lock()
	if cur, ok := r.byName[g.Name()]; ok && cur == g {
		delete(r.byName, g.Name())
	}
	r.mu.Unlock()
}
