package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// Sample embedding kinds.
const (
	SampleKindPositive = "positive"
	SampleKindNegative = "negative"
	SampleKindFeedback = "feedback"
)

// GetSampleEmbedding loads a cached sample embedding, keyed by profile,
// content hash, and kind. Returns nil when not cached.
func (db *DB) GetSampleEmbedding(ctx context.Context, profileID, sampleHash, kind string) ([]float32, error) {
	var vec pgvector.Vector

	err := db.Pool.QueryRow(ctx, `
SELECT embedding FROM profile_sample_embeddings
WHERE profile_id = $1 AND sample_hash = $2 AND kind = $3`,
		profileID, sampleHash, kind,
	).Scan(&vec)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("get sample embedding: %w", err)
	}

	return vec.Slice(), nil
}

// PutSampleEmbedding caches a sample embedding.
func (db *DB) PutSampleEmbedding(ctx context.Context, profileID, sampleHash, kind string, embedding []float32) error {
	_, err := db.Pool.Exec(ctx, `
INSERT INTO profile_sample_embeddings (profile_id, sample_hash, kind, embedding)
VALUES ($1,$2,$3,$4)
ON CONFLICT (profile_id, sample_hash, kind) DO UPDATE SET embedding = EXCLUDED.embedding`,
		profileID, sampleHash, kind, pgvector.NewVector(embedding),
	)
	if err != nil {
		return fmt.Errorf("put sample embedding: %w", err)
	}

	return nil
}

// DeleteSampleEmbeddings drops all cached embeddings for a profile.
// Called when the profile's samples change.
func (db *DB) DeleteSampleEmbeddings(ctx context.Context, profileID string) error {
	_, err := db.Pool.Exec(ctx,
		`DELETE FROM profile_sample_embeddings WHERE profile_id = $1`, profileID)
	if err != nil {
		return fmt.Errorf("delete sample embeddings: %w", err)
	}

	return nil
}
