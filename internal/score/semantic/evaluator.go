package semantic

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/tgsentinel/tg-sentinel/internal/profile"
)

// Evaluation is the semantic outcome for one message across the
// entity's interest profiles.
type Evaluation struct {
	// Scores holds the cosine similarity per evaluated profile ID,
	// whether or not the threshold was crossed.
	Scores map[string]float32

	// Matched lists profile IDs whose threshold was met, in binding order.
	Matched []string

	// BestScore is the highest similarity among matched profiles.
	BestScore float32

	// IncludeInFeed is set when any profile matched. IncludeInDigest
	// additionally requires a matched profile whose delivery mode
	// includes digests.
	IncludeInFeed   bool
	IncludeInDigest bool
}

// Evaluator scores messages against interest profiles.
type Evaluator struct {
	client           Client
	centroids        *Centroids
	defaultThreshold float32
	logger           *zerolog.Logger
}

// NewEvaluator creates the semantic evaluator. defaultThreshold applies
// to profiles that leave their threshold unset.
func NewEvaluator(client Client, centroids *Centroids, defaultThreshold float32, logger *zerolog.Logger) *Evaluator {
	return &Evaluator{
		client:           client,
		centroids:        centroids,
		defaultThreshold: defaultThreshold,
		logger:           logger,
	}
}

// Enabled reports whether the embedding backend is configured.
func (e *Evaluator) Enabled() bool {
	return e.client.Enabled()
}

// Invalidate drops a profile's cached centroid.
func (e *Evaluator) Invalidate(profileID string) {
	e.centroids.Invalidate(profileID)
}

// Warm precomputes centroids for the given profiles so the first scored
// message does not pay the embedding latency. Failures are logged and
// skipped; the centroid is recomputed lazily on first use instead.
func (e *Evaluator) Warm(ctx context.Context, profiles []*profile.Definition) {
	if !e.client.Enabled() {
		return
	}

	for _, def := range profiles {
		if _, err := e.centroids.Get(ctx, def.ID, def.PositiveSamples, def.NegativeSamples); err != nil {
			e.logger.Warn().Err(err).Str("profile_id", def.ID).Msg("centroid warm-up failed")
		}
	}
}

// Evaluate scores one message text against the given interest profiles.
// The message is embedded once; each profile contributes a similarity.
// A disabled backend or empty profile list yields an empty evaluation,
// never an error.
func (e *Evaluator) Evaluate(ctx context.Context, text string, profiles []*profile.Definition) (*Evaluation, error) {
	ev := &Evaluation{Scores: make(map[string]float32)}

	if len(profiles) == 0 || text == "" || !e.client.Enabled() {
		return ev, nil
	}

	msgVec, err := e.client.Embed(ctx, text)
	if err != nil {
		if errors.Is(err, ErrDisabled) {
			return ev, nil
		}

		return nil, err
	}

	for _, def := range profiles {
		score, err := e.scoreProfile(ctx, msgVec, def)
		if err != nil {
			// One profile's centroid failing must not sink the message;
			// log and keep scoring the rest.
			e.logger.Warn().Err(err).Str("profile_id", def.ID).Msg("semantic scoring failed for profile")
			continue
		}

		ev.Scores[def.ID] = score

		threshold := def.Threshold
		if threshold == 0 {
			threshold = e.defaultThreshold
		}

		if score < threshold {
			continue
		}

		ev.Matched = append(ev.Matched, def.ID)
		if score > ev.BestScore {
			ev.BestScore = score
		}

		mode := profile.ModeDigest
		if def.Digest != nil && def.Digest.Mode != "" {
			mode = def.Digest.Mode
		}

		ev.IncludeInFeed = true
		ev.IncludeInDigest = ev.IncludeInDigest || mode.WantsDigest()
	}

	return ev, nil
}

// ScoreText computes the similarity of one text against one profile's
// centroid. Used by the feedback tuner to re-score individual messages.
func (e *Evaluator) ScoreText(ctx context.Context, text string, def *profile.Definition) (float32, error) {
	if !e.client.Enabled() {
		return 0, ErrDisabled
	}

	msgVec, err := e.client.Embed(ctx, text)
	if err != nil {
		return 0, err
	}

	return e.scoreProfile(ctx, msgVec, def)
}

func (e *Evaluator) scoreProfile(ctx context.Context, msgVec []float32, def *profile.Definition) (float32, error) {
	centroid, err := e.centroids.Get(ctx, def.ID, def.PositiveSamples, def.NegativeSamples)
	if err != nil {
		return 0, err
	}

	if centroid == nil {
		return 0, nil
	}

	return CosineSimilarity(msgVec, centroid), nil
}
