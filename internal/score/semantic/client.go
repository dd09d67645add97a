// Package semantic scores chat events against interest profiles via
// embedding similarity. Each profile's positive, negative, and feedback
// samples collapse into a centroid; a message matches when the cosine
// similarity of its embedding to the centroid crosses the profile's
// threshold.
package semantic

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/tgsentinel/tg-sentinel/internal/platform/observability"
)

// ErrDisabled is returned by the disabled client; callers treat it as
// "no semantic signal", not a failure.
var ErrDisabled = errors.New("semantic scoring disabled")

// Client produces text embeddings.
type Client interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Enabled() bool
}

type openAIClient struct {
	api     *openai.Client
	model   openai.EmbeddingModel
	limiter *rate.Limiter
}

// NewClient builds an embedding client. An empty model disables the
// semantic pipeline entirely: the returned client reports Enabled()
// false and every Embed call yields ErrDisabled.
func NewClient(apiKey, model string, rps int) Client {
	if model == "" || apiKey == "" {
		return disabledClient{}
	}

	if rps <= 0 {
		rps = 1
	}

	return &openAIClient{
		api:     openai.NewClient(apiKey),
		model:   openai.EmbeddingModel(model),
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
}

func (c *openAIClient) Enabled() bool { return true }

func (c *openAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("embedding rate limit: %w", err)
	}

	start := time.Now()

	resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: c.model,
	})

	observability.EmbeddingLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		observability.EmbeddingRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("create embedding: %w", err)
	}

	if len(resp.Data) == 0 {
		observability.EmbeddingRequests.WithLabelValues("error").Inc()
		return nil, errors.New("create embedding: empty response")
	}

	observability.EmbeddingRequests.WithLabelValues("success").Inc()

	return resp.Data[0].Embedding, nil
}

type disabledClient struct{}

func (disabledClient) Enabled() bool { return false }

func (disabledClient) Embed(context.Context, string) ([]float32, error) {
	return nil, ErrDisabled
}
