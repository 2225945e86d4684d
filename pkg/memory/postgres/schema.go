// Package postgres provides a PostgreSQL-backed implementation of the Kora
// memory layers: the per-client transcript log and the long-term vector
// memory index.
//
// Both layers share a single [pgxpool.Pool] connection pool. The pgvector
// extension must be available in the target database; [Migrate] installs it
// automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, embedder)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.AppendUser(ctx, clientID, "hello")
//	lines, _ := store.Recent(ctx, clientID, 10)
//
//	_ = store.Ingest(ctx, clientID, userText, assistantText)
//	hits, _ := store.Retrieve(ctx, clientID, "what did we talk about?", 5)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlHistoryLines = `
CREATE TABLE IF NOT EXISTS history_lines (
    id         BIGSERIAL    PRIMARY KEY,
    client_id  TEXT         NOT NULL,
    speaker    TEXT         NOT NULL,
    text       TEXT         NOT NULL,
    marker     TEXT         NOT NULL DEFAULT '',
    timestamp  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_history_lines_client_id
    ON history_lines (client_id, id);
`

// ddlMemoryChunks returns the vector memory DDL with the embedding
// dimension substituted. The dimension is baked into the column type at
// schema creation time.
func ddlMemoryChunks(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memory_chunks (
    id         TEXT         PRIMARY KEY,
    client_id  TEXT         NOT NULL,
    content    TEXT         NOT NULL,
    embedding  vector(%d),
    timestamp  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_memory_chunks_client_id
    ON memory_chunks (client_id);

CREATE INDEX IF NOT EXISTS idx_memory_chunks_embedding
    ON memory_chunks USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required database tables and extensions
// exist. It is idempotent and safe to call on every application start.
//
// embeddingDimensions must match the embedding model configured for the
// deployment (e.g., 1536 for OpenAI text-embedding-3-small). Changing it
// after the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlHistoryLines,
		ddlMemoryChunks(embeddingDimensions),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
