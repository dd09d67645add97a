package semantic

import (
	"context"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgsentinel/tg-sentinel/internal/profile"
)

type fakeClient struct {
	vectors map[string][]float32
	calls   int
}

func (f *fakeClient) Enabled() bool { return true }

func (f *fakeClient) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls++
	if vec, ok := f.vectors[text]; ok {
		return vec, nil
	}

	return []float32{0, 0, 1}, nil
}

type fakeStore struct {
	cache    map[string][]float32
	feedback map[string][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{cache: make(map[string][]float32), feedback: make(map[string][]string)}
}

func (f *fakeStore) GetSampleEmbedding(_ context.Context, profileID, sampleHash, kind string) ([]float32, error) {
	return f.cache[profileID+"/"+sampleHash+"/"+kind], nil
}

func (f *fakeStore) PutSampleEmbedding(_ context.Context, profileID, sampleHash, kind string, embedding []float32) error {
	f.cache[profileID+"/"+sampleHash+"/"+kind] = embedding
	return nil
}

func (f *fakeStore) GetPositiveFeedbackTexts(_ context.Context, profileID string, _ int) ([]string, error) {
	return f.feedback[profileID], nil
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-6)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-6)
	assert.Zero(t, CosineSimilarity([]float32{1, 0}, []float32{1}))
	assert.Zero(t, CosineSimilarity([]float32{0, 0}, []float32{1, 0}))
}

func TestNormalize(t *testing.T) {
	v := Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-6)

	zero := Normalize([]float32{0, 0})
	assert.Equal(t, []float32{0, 0}, zero)
}

func TestCentroidsMeanOfPositives(t *testing.T) {
	logger := zerolog.Nop()
	client := &fakeClient{vectors: map[string][]float32{
		"a": {1, 0, 0},
		"b": {0, 1, 0},
	}}
	c := NewCentroids(client, newFakeStore(), &logger)

	vec, err := c.Get(context.Background(), "p1", []string{"a", "b"}, nil)
	require.NoError(t, err)
	require.Len(t, vec, 3)

	// Mean of (1,0,0) and (0,1,0), normalized.
	assert.InDelta(t, 1/math.Sqrt2, float64(vec[0]), 1e-6)
	assert.InDelta(t, 1/math.Sqrt2, float64(vec[1]), 1e-6)
	assert.InDelta(t, 0, float64(vec[2]), 1e-6)
}

func TestCentroidsNegativeSubtraction(t *testing.T) {
	logger := zerolog.Nop()
	client := &fakeClient{vectors: map[string][]float32{
		"pos": {1, 0, 0},
		"neg": {0, 1, 0},
	}}
	c := NewCentroids(client, newFakeStore(), &logger)

	vec, err := c.Get(context.Background(), "p1", []string{"pos"}, []string{"neg"})
	require.NoError(t, err)

	// Negative direction pushed below zero, positive stays dominant.
	assert.Positive(t, vec[0])
	assert.Negative(t, vec[1])
}

func TestCentroidsCachesEmbeddingsAndResult(t *testing.T) {
	logger := zerolog.Nop()
	client := &fakeClient{vectors: map[string][]float32{"a": {1, 0, 0}}}
	store := newFakeStore()
	c := NewCentroids(client, store, &logger)

	_, err := c.Get(context.Background(), "p1", []string{"a"}, nil)
	require.NoError(t, err)
	firstCalls := client.calls

	// Second Get hits the in-memory cache: no new embed calls.
	_, err = c.Get(context.Background(), "p1", []string{"a"}, nil)
	require.NoError(t, err)
	assert.Equal(t, firstCalls, client.calls)

	// After invalidation the persistent sample cache still avoids re-embedding.
	c.Invalidate("p1")
	_, err = c.Get(context.Background(), "p1", []string{"a"}, nil)
	require.NoError(t, err)
	assert.Equal(t, firstCalls, client.calls)
}

func TestCentroidsNoSamples(t *testing.T) {
	logger := zerolog.Nop()
	c := NewCentroids(&fakeClient{}, newFakeStore(), &logger)

	vec, err := c.Get(context.Background(), "p1", nil, nil)
	require.NoError(t, err)
	assert.Nil(t, vec)
}

func TestEvaluatorThresholdAndFlags(t *testing.T) {
	logger := zerolog.Nop()
	client := &fakeClient{vectors: map[string][]float32{
		"sample": {1, 0, 0},
		"close":  {0.9, 0.1, 0},
		"far":    {0, 0, 1},
	}}
	centroids := NewCentroids(client, newFakeStore(), &logger)
	e := NewEvaluator(client, centroids, 0.7, &logger)

	def := &profile.Definition{
		ID:              "ml",
		Enabled:         true,
		PositiveSamples: []string{"sample"},
		Threshold:       0.8,
		Digest:          &profile.DigestConfig{Mode: profile.ModeBoth},
	}

	ev, err := e.Evaluate(context.Background(), "close", []*profile.Definition{def})
	require.NoError(t, err)
	assert.Equal(t, []string{"ml"}, ev.Matched)
	assert.True(t, ev.IncludeInFeed)
	assert.True(t, ev.IncludeInDigest)
	assert.Greater(t, ev.BestScore, float32(0.8))

	ev, err = e.Evaluate(context.Background(), "far", []*profile.Definition{def})
	require.NoError(t, err)
	assert.Empty(t, ev.Matched)
	assert.False(t, ev.IncludeInFeed)
	assert.Contains(t, ev.Scores, "ml")
}

func TestEvaluatorDefaultThreshold(t *testing.T) {
	logger := zerolog.Nop()
	client := &fakeClient{vectors: map[string][]float32{
		"sample": {1, 0, 0},
		"close":  {0.95, 0, 0},
	}}
	centroids := NewCentroids(client, newFakeStore(), &logger)
	e := NewEvaluator(client, centroids, 0.7, &logger)

	// Threshold unset: the config default applies.
	def := &profile.Definition{ID: "ml", Enabled: true, PositiveSamples: []string{"sample"}}

	ev, err := e.Evaluate(context.Background(), "close", []*profile.Definition{def})
	require.NoError(t, err)
	assert.Equal(t, []string{"ml"}, ev.Matched)

	// Any match lands in the feed; the default digest mode also opts
	// the message into digests.
	assert.True(t, ev.IncludeInFeed)
	assert.True(t, ev.IncludeInDigest)
}

func TestEvaluatorFeedWithoutDigest(t *testing.T) {
	logger := zerolog.Nop()
	client := &fakeClient{vectors: map[string][]float32{
		"sample": {1, 0, 0},
		"close":  {0.95, 0, 0},
	}}
	centroids := NewCentroids(client, newFakeStore(), &logger)
	e := NewEvaluator(client, centroids, 0.7, &logger)

	// Instant-only delivery: the match belongs in the feed but must not
	// opt the message into digests.
	def := &profile.Definition{
		ID:              "ml",
		Enabled:         true,
		PositiveSamples: []string{"sample"},
		Digest:          &profile.DigestConfig{Mode: profile.ModeDM},
	}

	ev, err := e.Evaluate(context.Background(), "close", []*profile.Definition{def})
	require.NoError(t, err)
	assert.Equal(t, []string{"ml"}, ev.Matched)
	assert.True(t, ev.IncludeInFeed)
	assert.False(t, ev.IncludeInDigest)
}

func TestEvaluatorDisabledBackend(t *testing.T) {
	logger := zerolog.Nop()
	client := NewClient("", "", 1)
	centroids := NewCentroids(client, newFakeStore(), &logger)
	e := NewEvaluator(client, centroids, 0.7, &logger)

	assert.False(t, e.Enabled())

	def := &profile.Definition{ID: "ml", Enabled: true, PositiveSamples: []string{"sample"}}

	ev, err := e.Evaluate(context.Background(), "anything", []*profile.Definition{def})
	require.NoError(t, err)
	assert.Empty(t, ev.Matched)
	assert.Empty(t, ev.Scores)
}
