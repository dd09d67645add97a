package semantic

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tgsentinel/tg-sentinel/internal/score/heuristic"
	"github.com/tgsentinel/tg-sentinel/internal/storage"
)

// Sample blend weights. Operator-curated positive samples carry full
// weight; feedback samples carry less so one stray thumbs-up cannot
// drag the centroid; the negative centroid is subtracted scaled down.
const (
	feedbackWeight = 0.4
	negativeWeight = 0.3
)

// SampleStore caches per-sample embeddings and serves feedback texts.
type SampleStore interface {
	GetSampleEmbedding(ctx context.Context, profileID, sampleHash, kind string) ([]float32, error)
	PutSampleEmbedding(ctx context.Context, profileID, sampleHash, kind string, embedding []float32) error
	GetPositiveFeedbackTexts(ctx context.Context, profileID string, limit int) ([]string, error)
}

const feedbackSampleLimit = 50

// Centroids computes and caches per-profile centroid vectors.
type Centroids struct {
	client Client
	store  SampleStore
	logger *zerolog.Logger

	mu    sync.Mutex
	cache map[string][]float32
}

// NewCentroids creates the centroid cache.
func NewCentroids(client Client, store SampleStore, logger *zerolog.Logger) *Centroids {
	return &Centroids{
		client: client,
		store:  store,
		logger: logger,
		cache:  make(map[string][]float32),
	}
}

// Invalidate drops a profile's cached centroid. Called when the
// profile's samples or feedback change.
func (c *Centroids) Invalidate(profileID string) {
	c.mu.Lock()
	delete(c.cache, profileID)
	c.mu.Unlock()
}

// Get returns the profile's centroid, computing it on first use.
// Returns nil when the profile has no usable samples.
func (c *Centroids) Get(ctx context.Context, profileID string, positive, negative []string) ([]float32, error) {
	c.mu.Lock()
	if vec, ok := c.cache[profileID]; ok {
		c.mu.Unlock()
		return vec, nil
	}
	c.mu.Unlock()

	vec, err := c.compute(ctx, profileID, positive, negative)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[profileID] = vec
	c.mu.Unlock()

	return vec, nil
}

// compute blends the positive samples, feedback samples, and negative
// centroid into one L2-normalized vector.
func (c *Centroids) compute(ctx context.Context, profileID string, positive, negative []string) ([]float32, error) {
	if len(positive) == 0 {
		return nil, nil
	}

	var (
		sum   []float32
		total float64
	)

	for _, text := range positive {
		vec, err := c.sampleEmbedding(ctx, profileID, text, storage.SampleKindPositive)
		if err != nil {
			return nil, err
		}

		sum = accumulate(sum, vec, 1.0)
		total += 1.0
	}

	feedback, err := c.store.GetPositiveFeedbackTexts(ctx, profileID, feedbackSampleLimit)
	if err != nil {
		c.logger.Warn().Err(err).Str("profile_id", profileID).Msg("loading feedback samples failed, using curated samples only")
	} else {
		for _, text := range feedback {
			vec, err := c.sampleEmbedding(ctx, profileID, text, storage.SampleKindFeedback)
			if err != nil {
				return nil, err
			}

			sum = accumulate(sum, vec, feedbackWeight)
			total += feedbackWeight
		}
	}

	if total == 0 || sum == nil {
		return nil, nil
	}

	centroid := scale(sum, 1.0/float32(total))

	if neg := c.negativeCentroid(ctx, profileID, negative); neg != nil {
		centroid = accumulate(centroid, neg, -negativeWeight)
	}

	return Normalize(centroid), nil
}

func (c *Centroids) negativeCentroid(ctx context.Context, profileID string, negative []string) []float32 {
	if len(negative) == 0 {
		return nil
	}

	var sum []float32

	for _, text := range negative {
		vec, err := c.sampleEmbedding(ctx, profileID, text, storage.SampleKindNegative)
		if err != nil {
			c.logger.Warn().Err(err).Str("profile_id", profileID).Msg("negative sample embedding failed, skipping negative centroid")
			return nil
		}

		sum = accumulate(sum, vec, 1.0)
	}

	if sum == nil {
		return nil
	}

	return Normalize(scale(sum, 1.0/float32(len(negative))))
}

// sampleEmbedding returns the embedding for one sample text, consulting
// the persistent cache before calling the embedding backend.
func (c *Centroids) sampleEmbedding(ctx context.Context, profileID, text, kind string) ([]float32, error) {
	hash := heuristic.ContentHash(text)

	cached, err := c.store.GetSampleEmbedding(ctx, profileID, hash, kind)
	if err != nil {
		return nil, err
	}

	if cached != nil {
		return cached, nil
	}

	vec, err := c.client.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed %s sample for %s: %w", kind, profileID, err)
	}

	if err := c.store.PutSampleEmbedding(ctx, profileID, hash, kind, vec); err != nil {
		c.logger.Warn().Err(err).Str("profile_id", profileID).Msg("caching sample embedding failed")
	}

	return vec, nil
}

// CosineSimilarity computes the cosine between two vectors. Mismatched
// or zero vectors yield 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64

	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// Normalize returns the L2-normalized copy of v. A zero vector is
// returned unchanged.
func Normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}

	if norm == 0 {
		return v
	}

	return scale(v, float32(1.0/math.Sqrt(norm)))
}

func accumulate(sum, vec []float32, weight float32) []float32 {
	if sum == nil {
		sum = make([]float32, len(vec))
	}

	if len(sum) != len(vec) {
		return sum
	}

	for i, x := range vec {
		sum[i] += x * weight
	}

	return sum
}

func scale(v []float32, f float32) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x * f
	}

	return out
}
