package vectorindex

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

type PGVectorIndex struct {
	pool     *pgxpool.Pool
	embedder Embedder
}

func NewPGVectorIndex(pool *pgxpool.Pool, embedder Embedder) *PGVectorIndex {
	return &PGVectorIndex{pool: pool, embedder: embedder}
}

const searchQuery = `
	SELECT id, page_number, content, embeddings <=> $1 AS distance
	FROM document_chunks
	WHERE upload_id = $2
	ORDER BY distance ASC
	LIMIT $3
`

func (p *PGVectorIndex) Search(ctx context.Context, query string, k int, uploadID string) ([]Match, error) {
	id, err := uuid.Parse(uploadID)
	if err != nil || k <= 0 {
		return []Match{}, nil
	}

	vec, err := p.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query failed: %w", err)
	}

	rows, err := p.pool.Query(ctx, searchQuery, pgvector.NewVector(vec), id, k)
	if err != nil {
		return nil, fmt.Errorf("search chunks failed: %w", err)
	}
	defer rows.Close()

	matches := make([]Match, 0, k)
	for rows.Next() {
		var (
			m       Match
			chunkID uuid.UUID
		)
		if err := rows.Scan(&chunkID, &m.PageNumber, &m.Content, &m.Distance); err != nil {
			return nil, fmt.Errorf("scan chunk failed: %w", err)
		}
		m.ChunkID = chunkID.String()
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks failed: %w", err)
	}
	return matches, nil
}

func (p *PGVectorIndex) ReplaceChunks(ctx context.Context, uploadID string, chunks []Chunk) error {
	id, err := uuid.Parse(uploadID)
	if err != nil {
		return fmt.Errorf("invalid upload id %q: %w", uploadID, err)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin chunk tx failed: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "DELETE FROM document_chunks WHERE upload_id = $1", id); err != nil {
		return fmt.Errorf("delete old chunks failed: %w", err)
	}

	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(
			`INSERT INTO document_chunks (id, upload_id, page_number, position, content, embeddings)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.New(), id, c.PageNumber, c.Position, c.Content, pgvector.NewVector(c.Embedding),
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert chunks failed: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit chunk tx failed: %w", err)
	}
	return nil
}

func (p *PGVectorIndex) DeleteByUpload(ctx context.Context, uploadID string) error {
	id, err := uuid.Parse(uploadID)
	if err != nil {
		return nil
	}
	if _, err := p.pool.Exec(ctx, "DELETE FROM document_chunks WHERE upload_id = $1", id); err != nil {
		return fmt.Errorf("delete chunks failed: %w", err)
	}
	return nil
}

