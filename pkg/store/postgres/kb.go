package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/halcyon-health/halcyon/pkg/store"
)

// IndexChunk implements [store.KnowledgeBase]. It upserts a pre-embedded
// chunk into the kb_chunks table. If a chunk with the same ID already exists
// it is completely replaced.
func (s *Store) IndexChunk(ctx context.Context, chunk store.Chunk) error {
	const q = `
		INSERT INTO kb_chunks
		    (id, title, content, url, evidence_grade, embedding, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
		    title          = EXCLUDED.title,
		    content        = EXCLUDED.content,
		    url            = EXCLUDED.url,
		    evidence_grade = EXCLUDED.evidence_grade,
		    embedding      = EXCLUDED.embedding,
		    updated_at     = EXCLUDED.updated_at`

	vec := pgvector.NewVector(chunk.Embedding)
	_, err := s.pool.Exec(ctx, q,
		chunk.ID,
		chunk.Title,
		chunk.Content,
		chunk.URL,
		chunk.EvidenceGrade,
		vec,
		chunk.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: index chunk %q: %w", chunk.ID, err)
	}
	return nil
}

// SearchChunks implements [store.KnowledgeBase]. It finds the topK chunks
// whose embeddings are closest (cosine distance) to the supplied query
// embedding, most similar first. The HNSW index makes this an approximate
// nearest-neighbour search.
func (s *Store) SearchChunks(ctx context.Context, embedding []float32, topK int) ([]store.ChunkResult, error) {
	const q = `
		SELECT id, title, content, url, evidence_grade, embedding, updated_at,
		       embedding <=> $1 AS distance
		FROM   kb_chunks
		ORDER  BY distance
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("postgres store: search chunks: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.ChunkResult, error) {
		var (
			cr  store.ChunkResult
			vec pgvector.Vector
		)
		if err := row.Scan(
			&cr.ID,
			&cr.Title,
			&cr.Content,
			&cr.URL,
			&cr.EvidenceGrade,
			&vec,
			&cr.UpdatedAt,
			&cr.Distance,
		); err != nil {
			return store.ChunkResult{}, err
		}
		cr.Embedding = vec.Slice()
		return cr, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan chunks: %w", err)
	}
	if results == nil {
		results = []store.ChunkResult{}
	}
	return results, nil
}
