package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/korahq/kora/pkg/memory"
	"github.com/korahq/kora/pkg/provider/embeddings"
)

// Compile-time interface checks.
var (
	_ memory.HistoryStore = (*Store)(nil)
	_ memory.MemoryIndex  = (*Store)(nil)
)

// Store is the PostgreSQL-backed memory store. It implements both
// [memory.HistoryStore] (transcript log) and [memory.MemoryIndex]
// (pgvector similarity search over completed exchanges).
//
// All operations are safe for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
	persona  string
}

// Option is a functional option for Store.
type Option func(*Store)

// WithPersona sets the speaker label used for assistant transcript lines.
// The default is "Assistant".
func WithPersona(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.persona = name
		}
	}
}

// NewStore establishes a connection pool to the PostgreSQL database at
// dsn, registers pgvector types on every connection, and runs [Migrate]
// with the embedder's dimensionality.
func NewStore(ctx context.Context, dsn string, embedder embeddings.Provider, opts ...Option) (*Store, error) {
	if embedder == nil {
		return nil, fmt.Errorf("postgres store: embedder must not be nil")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector
	// columns can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embedder.Dimensions()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	s := &Store{pool: pool, embedder: embedder, persona: "Assistant"}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) appendLine(ctx context.Context, clientID, speaker, text, marker string) error {
	const q = `
		INSERT INTO history_lines (client_id, speaker, text, marker)
		VALUES ($1, $2, $3, $4)`

	if _, err := s.pool.Exec(ctx, q, clientID, speaker, text, marker); err != nil {
		return fmt.Errorf("postgres store: append line: %w", err)
	}
	return nil
}

// AppendUser implements [memory.HistoryStore].
func (s *Store) AppendUser(ctx context.Context, clientID, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return s.appendLine(ctx, clientID, memory.UserSpeaker, text, "")
}

// AppendAssistant implements [memory.HistoryStore].
func (s *Store) AppendAssistant(ctx context.Context, clientID, text, marker string) error {
	if strings.TrimSpace(text) == "" && marker == "" {
		return nil
	}
	return s.appendLine(ctx, clientID, s.persona, text, marker)
}

// Recent implements [memory.HistoryStore]. It returns up to limit of the
// newest transcript lines for clientID in chronological order, formatted
// as "Speaker: text".
func (s *Store) Recent(ctx context.Context, clientID string, limit int) ([]string, error) {
	const q = `
		SELECT speaker, text, marker
		FROM   history_lines
		WHERE  client_id = $1
		ORDER  BY id DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent: %w", err)
	}

	lines, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (string, error) {
		var speaker, text, marker string
		if err := row.Scan(&speaker, &text, &marker); err != nil {
			return "", err
		}
		return memory.FormatLine(speaker, text, marker), nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent: %w", err)
	}

	// Newest-first from the query; flip to chronological order.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}

// Ingest implements [memory.MemoryIndex]. It embeds the completed
// exchange and stores it as a single memory chunk.
func (s *Store) Ingest(ctx context.Context, clientID, userText, assistantText string) error {
	content := memory.FormatLine(memory.UserSpeaker, userText, "") + "\n" +
		memory.FormatLine(s.persona, assistantText, "")

	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("postgres store: ingest: embed: %w", err)
	}

	const q = `
		INSERT INTO memory_chunks (id, client_id, content, embedding)
		VALUES ($1, $2, $3, $4)`

	if _, err := s.pool.Exec(ctx, q, uuid.NewString(), clientID, content, pgvector.NewVector(vec)); err != nil {
		return fmt.Errorf("postgres store: ingest: %w", err)
	}
	return nil
}

// Retrieve implements [memory.MemoryIndex]. It returns up to topK stored
// exchanges for clientID, ordered by ascending cosine distance to the
// query (most similar first).
func (s *Store) Retrieve(ctx context.Context, clientID, query string, topK int) ([]string, error) {
	if topK <= 0 {
		return nil, nil
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres store: retrieve: embed: %w", err)
	}

	const q = `
		SELECT content
		FROM   memory_chunks
		WHERE  client_id = $2
		ORDER  BY embedding <=> $1
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(vec), clientID, topK)
	if err != nil {
		return nil, fmt.Errorf("postgres store: retrieve: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (string, error) {
		var content string
		err := row.Scan(&content)
		return content, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: retrieve: %w", err)
	}
	return results, nil
}
