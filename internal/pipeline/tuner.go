package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tgsentinel/tg-sentinel/internal/platform/config"
	"github.com/tgsentinel/tg-sentinel/internal/platform/observability"
	"github.com/tgsentinel/tg-sentinel/internal/profile"
	"github.com/tgsentinel/tg-sentinel/internal/storage"
)

// Auto-tuning steps and caps. A burst of negative feedback nudges the
// profile stricter; the caps keep a hostile streak from disabling it.
const (
	thresholdStep = 0.05
	thresholdCap  = 0.95
	minScoreStep  = 0.5
	minScoreCap   = 10.0

	tunerNegativeWindow  = 24 * time.Hour
	tunerNegativeTrigger = 3
)

// TunerStore counts recent negative feedback and audits adjustments.
type TunerStore interface {
	CountNegativeFeedback(ctx context.Context, profileID string, since time.Time) (int, error)
	RecordAdjustment(ctx context.Context, a *storage.ProfileAdjustment) error
}

// ConfigWriter saves the mutated configuration document.
type ConfigWriter interface {
	Snapshot() *config.Document
	Save(doc *config.Document) error
}

// ConfigNotifier announces a saved config change so sibling processes
// reload the document.
type ConfigNotifier interface {
	PublishConfigUpdated(ctx context.Context, keys []string) error
}

// Tuner tightens profiles that accumulate negative feedback: semantic
// profiles get a higher similarity threshold, keyword profiles a higher
// minimum score.
type Tuner struct {
	store    TunerStore
	cfg      ConfigWriter
	notifier ConfigNotifier
	logger   *zerolog.Logger
}

// NewTuner creates the tuner. notifier may be nil.
func NewTuner(store TunerStore, cfg ConfigWriter, notifier ConfigNotifier, logger *zerolog.Logger) *Tuner {
	return &Tuner{store: store, cfg: cfg, notifier: notifier, logger: logger}
}

// OnNegativeFeedback checks each affected profile's recent negative
// count and adjusts it once the trigger is reached. The config document
// is saved atomically; the adjustment is audited with the triggering
// message.
func (t *Tuner) OnNegativeFeedback(ctx context.Context, fb *storage.Feedback) error {
	since := time.Now().Add(-tunerNegativeWindow)

	for _, profileID := range fb.ProfileIDs {
		count, err := t.store.CountNegativeFeedback(ctx, profileID, since)
		if err != nil {
			return err
		}

		if count < tunerNegativeTrigger {
			continue
		}

		if err := t.adjust(ctx, profileID, count, fb); err != nil {
			return err
		}
	}

	return nil
}

func (t *Tuner) adjust(ctx context.Context, profileID string, negatives int, fb *storage.Feedback) error {
	// Work on a deep copy: the snapshot is shared with concurrent
	// scoring readers and must never change under them. Save publishes
	// the mutated copy through the atomic swap.
	doc, err := t.cfg.Snapshot().Clone()
	if err != nil {
		return fmt.Errorf("cloning config document: %w", err)
	}

	def, ok := doc.Profile(profileID)
	if !ok {
		t.logger.Warn().Str("profile_id", profileID).Msg("adjustment target no longer configured, skipping")
		return nil
	}

	adjustment := t.buildAdjustment(def, negatives, fb)
	if adjustment == nil {
		return nil
	}

	if err := t.cfg.Save(doc); err != nil {
		return fmt.Errorf("saving tuned config: %w", err)
	}

	if err := t.store.RecordAdjustment(ctx, adjustment); err != nil {
		t.logger.Warn().Err(err).Str("profile_id", profileID).Msg("recording adjustment audit failed")
	}

	if t.notifier != nil {
		if err := t.notifier.PublishConfigUpdated(ctx, []string{profileID}); err != nil {
			t.logger.Warn().Err(err).Msg("publishing config update failed")
		}
	}

	observability.ProfileAdjustments.WithLabelValues(adjustment.AdjustmentType).Inc()

	t.logger.Info().
		Str("profile_id", profileID).
		Str("type", adjustment.AdjustmentType).
		Float32("old", adjustment.OldValue).
		Float32("new", adjustment.NewValue).
		Msg("profile auto-tuned")

	return nil
}

// buildAdjustment raises the cloned profile's threshold or minimum
// score and returns the audit row, or nil when the profile is already
// at its cap.
func (t *Tuner) buildAdjustment(def *profile.Definition, negatives int, fb *storage.Feedback) *storage.ProfileAdjustment {
	reason := fmt.Sprintf("%d negative feedback in %s", negatives, tunerNegativeWindow)

	adj := &storage.ProfileAdjustment{
		ProfileID:     def.ID,
		Reason:        reason,
		FeedbackCount: negatives,
		TriggerChatID: &fb.ChatID,
		TriggerMsgID:  &fb.MsgID,
	}

	if def.Semantic() {
		if def.Threshold >= thresholdCap {
			return nil
		}

		adj.ProfileType = "semantic"
		adj.AdjustmentType = storage.AdjustmentRaiseThreshold
		adj.OldValue = def.Threshold

		def.Threshold += thresholdStep
		if def.Threshold > thresholdCap {
			def.Threshold = thresholdCap
		}

		adj.NewValue = def.Threshold

		return adj
	}

	if def.MinScore >= minScoreCap {
		return nil
	}

	adj.ProfileType = "keyword"
	adj.AdjustmentType = storage.AdjustmentRaiseMinScore
	adj.OldValue = def.MinScore

	def.MinScore += minScoreStep
	if def.MinScore > minScoreCap {
		def.MinScore = minScoreCap
	}

	adj.NewValue = def.MinScore

	return adj
}
