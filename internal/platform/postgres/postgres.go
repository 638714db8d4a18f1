package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// New opens the pgvector-backed chunk store and ensures its schema for the
// given embedding dimension.
func New(ctx context.Context, dsn string, dimension int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn failed: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres failed: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres failed: %w", err)
	}

	if err := Migrate(ctx, pool, dimension); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func Migrate(ctx context.Context, pool *pgxpool.Pool, dimension int) error {
	query := fmt.Sprintf(`
	CREATE EXTENSION IF NOT EXISTS vector;

	CREATE TABLE IF NOT EXISTS document_chunks (
		id UUID PRIMARY KEY,
		upload_id UUID NOT NULL,
		page_number INT NOT NULL,
		position INT NOT NULL,
		content TEXT NOT NULL,
		embeddings vector(%d) NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_document_chunks_upload_id ON document_chunks(upload_id);
	CREATE INDEX IF NOT EXISTS idx_document_chunks_embeddings ON document_chunks
		USING hnsw (embeddings vector_cosine_ops);
	`, dimension)

	if _, err := pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("migrate postgres schema failed: %w", err)
	}
	return nil
}
