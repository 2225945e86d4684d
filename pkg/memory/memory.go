// Package memory defines the conversation persistence seams: a history
// store for the running transcript and a vector index for long-term
// memory. An in-process history store lives here; the durable
// implementation backed by Postgres and pgvector lives in the postgres
// subpackage.
package memory

import (
	"context"
	"strings"
	"sync"
)

// HistoryStore persists per-client transcript lines. Marker annotates an
// assistant line that ended abnormally.
type HistoryStore interface {
	AppendUser(ctx context.Context, clientID, text string) error
	AppendAssistant(ctx context.Context, clientID, text, marker string) error
	Recent(ctx context.Context, clientID string, limit int) ([]string, error)
}

// MemoryIndex stores completed exchanges and retrieves the ones most
// relevant to a query.
type MemoryIndex interface {
	Ingest(ctx context.Context, clientID, userText, assistantText string) error
	Retrieve(ctx context.Context, clientID, query string, topK int) ([]string, error)
}

// UserSpeaker is the transcript label for human input.
const UserSpeaker = "User"

// History line retention: once a client's transcript exceeds maxLines,
// only the most recent trimTo lines are kept. Trimming aggressively
// below the threshold avoids re-trimming on every append.
const (
	maxLines = 20
	trimTo   = 12
)

// FormatLine renders one transcript line.
func FormatLine(speaker, text, marker string) string {
	line := speaker + ": " + text
	if marker != "" {
		line += " " + marker
	}
	return line
}

// Compile-time assertion that InMemoryHistory satisfies HistoryStore.
var _ HistoryStore = (*InMemoryHistory)(nil)

// InMemoryHistory keeps transcripts in process memory. This is the
// default store when no database is configured; everything is lost on
// restart.
type InMemoryHistory struct {
	persona string

	mu    sync.Mutex
	lines map[string][]string
}

// NewInMemoryHistory creates a store labelling assistant lines with
// persona.
func NewInMemoryHistory(persona string) *InMemoryHistory {
	if persona == "" {
		persona = "Assistant"
	}
	return &InMemoryHistory{
		persona: persona,
		lines:   make(map[string][]string),
	}
}

func (s *InMemoryHistory) append(clientID, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls := append(s.lines[clientID], line)
	if len(ls) > maxLines {
		ls = append([]string(nil), ls[len(ls)-trimTo:]...)
	}
	s.lines[clientID] = ls
}

// AppendUser implements HistoryStore.
func (s *InMemoryHistory) AppendUser(_ context.Context, clientID, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	s.append(clientID, FormatLine(UserSpeaker, text, ""))
	return nil
}

// AppendAssistant implements HistoryStore.
func (s *InMemoryHistory) AppendAssistant(_ context.Context, clientID, text, marker string) error {
	if strings.TrimSpace(text) == "" && marker == "" {
		return nil
	}
	s.append(clientID, FormatLine(s.persona, text, marker))
	return nil
}

// Recent implements HistoryStore.
func (s *InMemoryHistory) Recent(_ context.Context, clientID string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls := s.lines[clientID]
	if limit > 0 && len(ls) > limit {
		ls = ls[len(ls)-limit:]
	}
	return append([]string(nil), ls...), nil
}
