package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tgsentinel/tg-sentinel/internal/coord"
	"github.com/tgsentinel/tg-sentinel/internal/platform/observability"
	"github.com/tgsentinel/tg-sentinel/internal/storage"
)

// Batch flush policy: the processor wakes on an interval, but a burst
// of feedback flushes immediately once the queue is large enough.
const (
	batchWakeInterval  = 10 * time.Minute
	batchFlushMinQueue = 5
)

// FeedbackStore persists feedback rows and clears sample caches.
type FeedbackStore interface {
	SaveFeedback(ctx context.Context, fb *storage.Feedback) error
	DeleteSampleEmbeddings(ctx context.Context, profileID string) error
}

// Invalidator drops a profile's cached centroid.
type Invalidator interface {
	Invalidate(profileID string)
}

// BatchQueue persists the pending profile set across restarts.
type BatchQueue interface {
	SaveBatchQueue(ctx context.Context, profileIDs []string) error
	LoadBatchQueue(ctx context.Context) ([]string, error)
	RecordBatch(ctx context.Context, rec coord.BatchRecord) error
}

// BatchProcessor coalesces feedback into centroid recomputation
// batches. Each feedback submission enqueues the affected profiles;
// the queue drains on a timer or when it grows past the burst size.
type BatchProcessor struct {
	store  FeedbackStore
	queue  BatchQueue
	inval  Invalidator
	logger *zerolog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	kick    chan struct{}
}

// NewBatchProcessor creates the processor. Call Restore before Run to
// pick up a queue left over from a previous process.
func NewBatchProcessor(store FeedbackStore, queue BatchQueue, inval Invalidator, logger *zerolog.Logger) *BatchProcessor {
	return &BatchProcessor{
		store:   store,
		queue:   queue,
		inval:   inval,
		logger:  logger,
		pending: make(map[string]struct{}),
		kick:    make(chan struct{}, 1),
	}
}

// Restore loads the persisted queue.
func (b *BatchProcessor) Restore(ctx context.Context) error {
	ids, err := b.queue.LoadBatchQueue(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	for _, id := range ids {
		b.pending[id] = struct{}{}
	}
	b.mu.Unlock()

	return nil
}

// Submit records one feedback verdict and enqueues the affected
// profiles for centroid recomputation.
func (b *BatchProcessor) Submit(ctx context.Context, fb *storage.Feedback) error {
	if err := b.store.SaveFeedback(ctx, fb); err != nil {
		return err
	}

	label := "negative"
	if fb.Label == storage.LabelPositive {
		label = "positive"
	}

	observability.FeedbackReceived.WithLabelValues(label).Inc()

	b.mu.Lock()
	for _, id := range fb.ProfileIDs {
		b.pending[id] = struct{}{}
	}

	size := len(b.pending)
	b.persistLocked(ctx)
	b.mu.Unlock()

	if size >= batchFlushMinQueue {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}

	return nil
}

// Run drains the queue until ctx is cancelled.
func (b *BatchProcessor) Run(ctx context.Context) error {
	ticker := time.NewTicker(batchWakeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.flush(ctx, "interval")
		case <-b.kick:
			b.flush(ctx, "burst")
		}
	}
}

// flush recomputes centroids for every queued profile. Invalidation
// clears both the persistent sample cache for feedback embeddings and
// the in-memory centroid, so the next evaluation rebuilds from fresh
// samples.
func (b *BatchProcessor) flush(ctx context.Context, trigger string) {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}

	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}

	b.pending = make(map[string]struct{})
	b.persistLocked(ctx)
	b.mu.Unlock()

	start := time.Now()

	for _, id := range ids {
		if err := b.store.DeleteSampleEmbeddings(ctx, id); err != nil {
			b.logger.Warn().Err(err).Str("profile_id", id).Msg("clearing sample cache failed")
		}

		b.inval.Invalidate(id)
	}

	observability.CentroidRecomputes.Inc()

	rec := coord.BatchRecord{
		StartedAt:  start,
		FinishedAt: time.Now(),
		ProfileIDs: ids,
		ElapsedMS:  time.Since(start).Milliseconds(),
		Trigger:    trigger,
	}

	if err := b.queue.RecordBatch(ctx, rec); err != nil {
		b.logger.Warn().Err(err).Msg("recording batch history failed")
	}

	b.logger.Info().Int("profiles", len(ids)).Str("trigger", trigger).Msg("centroid batch flushed")
}

func (b *BatchProcessor) persistLocked(ctx context.Context) {
	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}

	if err := b.queue.SaveBatchQueue(ctx, ids); err != nil {
		b.logger.Warn().Err(err).Msg("persisting batch queue failed")
	}
}
