package digest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tgsentinel/tg-sentinel/internal/coord"
	"github.com/tgsentinel/tg-sentinel/internal/platform/config"
	"github.com/tgsentinel/tg-sentinel/internal/platform/observability"
	"github.com/tgsentinel/tg-sentinel/internal/storage"
)

// Store is the persistence surface the engine needs.
type Store interface {
	CandidateStore
	MarkDigestProcessed(ctx context.Context, keys []storage.MessageKey) error
}

// ScheduleState persists per-cadence last-run times and execution audit.
type ScheduleState interface {
	GetLastRun(ctx context.Context, schedule string) (time.Time, error)
	SetLastRun(ctx context.Context, schedule string, ts time.Time) error
	RecordExecution(ctx context.Context, rec coord.ExecutionRecord) error
}

// Deliverer sends rendered digest chunks.
type Deliverer interface {
	Send(ctx context.Context, target, text string) error
}

// ConfigSource yields the current configuration document.
type ConfigSource interface {
	Snapshot() *config.Document
}

// Engine evaluates digest schedules on a tick and sends due digests.
type Engine struct {
	store    Store
	state    ScheduleState
	cfg      ConfigSource
	sender   Deliverer
	defaults Defaults
	tick     time.Duration
	logger   *zerolog.Logger
}

// NewEngine creates the digest engine.
func NewEngine(store Store, state ScheduleState, cfg ConfigSource, sender Deliverer, defaults Defaults, tick time.Duration, logger *zerolog.Logger) *Engine {
	return &Engine{
		store:    store,
		state:    state,
		cfg:      cfg,
		sender:   sender,
		defaults: defaults,
		tick:     tick,
		logger:   logger,
	}
}

// Run evaluates schedules until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Tick(ctx, time.Now())
		}
	}
}

// Tick runs every due schedule once. Exposed for the --once mode.
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	plans := Discover(e.cfg.Snapshot(), e.logger)
	e.defaults.apply(plans)

	for _, plan := range plans {
		lastRun, err := e.state.GetLastRun(ctx, string(plan.Schedule))
		if err != nil {
			e.logger.Error().Err(err).Str("schedule", string(plan.Schedule)).Msg("loading last run failed")
			continue
		}

		if !Due(plan, now, lastRun) {
			continue
		}

		e.runPlan(ctx, plan, now)
	}
}

// runPlan executes one due digest. The last-run stamp advances only
// once delivery is acknowledged (or the window turned out empty); a
// failed send leaves the schedule due so the next tick retries, and the
// processed markers keep a retry from duplicating entries.
func (e *Engine) runPlan(ctx context.Context, plan *Plan, now time.Time) {
	// "none" and "dm" plans are save-only: matched messages were already
	// alerted or kept in the feed, so no digest goes out.
	if !plan.Mode.WantsDigest() {
		e.markRun(ctx, plan, now)
		e.logger.Debug().Str("schedule", string(plan.Schedule)).Str("mode", string(plan.Mode)).Msg("digest delivery disabled for mode")

		return
	}

	rec := coord.ExecutionRecord{
		ID:           uuid.NewString(),
		Schedule:     string(plan.Schedule),
		ProfileGroup: plan.Owners,
		Mode:         string(plan.Mode),
		Target:       plan.Target,
		StartedAt:    now,
		Status:       coord.ExecRunning,
	}

	msgs, err := Collect(ctx, e.store, plan, now)
	if err != nil {
		e.finish(ctx, rec, coord.ExecFailed, 0, err)
		observability.DigestsSent.WithLabelValues(rec.Schedule, "failed").Inc()

		return
	}

	if len(msgs) == 0 {
		e.markRun(ctx, plan, now)
		e.finish(ctx, rec, coord.ExecSuccess, 0, nil)
		e.logger.Debug().Str("schedule", rec.Schedule).Msg("no digest candidates, skipping send")

		return
	}

	target := plan.Target
	if target == "" {
		target = "me"
	}

	chunks := Chunk(Render(plan, msgs, now))
	sent := 0

	for _, chunk := range chunks {
		if err := e.sender.Send(ctx, target, chunk); err != nil {
			status := coord.ExecFailed
			if sent > 0 {
				// Part of the digest went out; advance the schedule so the
				// delivered half is not repeated next tick.
				status = coord.ExecPartial

				e.markRun(ctx, plan, now)
			}

			// Unsent messages stay unprocessed and roll into the next
			// window.
			e.finish(ctx, rec, status, sent, err)
			observability.DigestsSent.WithLabelValues(rec.Schedule, "failed").Inc()

			return
		}

		sent++
	}

	e.markRun(ctx, plan, now)

	keys := make([]storage.MessageKey, len(msgs))
	for i, m := range msgs {
		keys[i] = storage.MessageKey{ChatID: m.ChatID, MsgID: m.MsgID}
	}

	if err := e.store.MarkDigestProcessed(ctx, keys); err != nil {
		// The digest went out; a failed mark means potential re-inclusion
		// next window, which dedup tolerates.
		e.logger.Error().Err(err).Str("schedule", rec.Schedule).Msg("marking digest messages processed failed")
	}

	e.finish(ctx, rec, coord.ExecSuccess, len(msgs), nil)
	observability.DigestsSent.WithLabelValues(rec.Schedule, "success").Inc()
	observability.DigestMessages.Observe(float64(len(msgs)))

	e.logger.Info().Str("schedule", rec.Schedule).Int("messages", len(msgs)).Int("chunks", len(chunks)).Msg("digest sent")
}

// markRun stamps the schedule's last run. A write failure only risks an
// extra run next tick, which the processed markers deduplicate.
func (e *Engine) markRun(ctx context.Context, plan *Plan, now time.Time) {
	if err := e.state.SetLastRun(ctx, string(plan.Schedule), now); err != nil {
		e.logger.Error().Err(err).Str("schedule", string(plan.Schedule)).Msg("recording last run failed")
	}
}

func (e *Engine) finish(ctx context.Context, rec coord.ExecutionRecord, status string, count int, cause error) {
	rec.Status = status
	rec.MessageCount = count
	rec.FinishedAt = time.Now()
	rec.DurationMS = rec.FinishedAt.Sub(rec.StartedAt).Milliseconds()

	if cause != nil {
		rec.Error = cause.Error()
		e.logger.Error().Err(cause).Str("schedule", rec.Schedule).Str("status", status).Msg("digest run failed")
	}

	if err := e.state.RecordExecution(ctx, rec); err != nil {
		e.logger.Warn().Err(err).Msg("recording digest execution failed")
	}
}
