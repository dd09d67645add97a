// Package app provides the application bootstrap and runtime
// orchestration.
//
// The App type wires the dependencies and exposes the operational
// modes:
//
//   - Worker mode: stream consumer, scoring pipelines, instant alerts,
//     session lifecycle, feedback batch processing
//   - Digest mode: scheduled digest generation and delivery
//   - Sweep mode: retention sweeping and vacuum
//
// Each mode can run in its own process; they coordinate through the
// Redis store and share the SQL schema.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tgsentinel/tg-sentinel/internal/coord"
	"github.com/tgsentinel/tg-sentinel/internal/digest"
	"github.com/tgsentinel/tg-sentinel/internal/lifecycle"
	"github.com/tgsentinel/tg-sentinel/internal/pipeline"
	"github.com/tgsentinel/tg-sentinel/internal/platform/config"
	"github.com/tgsentinel/tg-sentinel/internal/platform/observability"
	"github.com/tgsentinel/tg-sentinel/internal/platform/worker"
	"github.com/tgsentinel/tg-sentinel/internal/profile"
	"github.com/tgsentinel/tg-sentinel/internal/score/semantic"
	"github.com/tgsentinel/tg-sentinel/internal/storage"
	"github.com/tgsentinel/tg-sentinel/internal/stream"
	"github.com/tgsentinel/tg-sentinel/internal/telegram"
)

const sweepInterval = 24 * time.Hour

// App holds the application dependencies and provides methods to run
// the different modes.
type App struct {
	cfg      *config.Config
	database *storage.DB
	coord    *coord.Store
	cfgStore *config.Store
	logger   *zerolog.Logger
}

// New creates an App: it connects the coordination store and loads the
// configuration document.
func New(cfg *config.Config, database *storage.DB, logger *zerolog.Logger) (*App, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr()})
	coordStore := coord.New(rdb, logger)

	cfgStore, err := config.NewStore(cfg.ConfigPath, logger)
	if err != nil {
		return nil, fmt.Errorf("loading config document: %w", err)
	}

	return &App{
		cfg:      cfg,
		database: database,
		coord:    coordStore,
		cfgStore: cfgStore,
		logger:   logger,
	}, nil
}

// StartHealthServer starts the health check and metrics server.
func (a *App) StartHealthServer(ctx context.Context) error {
	srv := observability.NewServer(a.cfg.HealthPort, map[string]observability.Pinger{
		"database": a.database,
		"redis":    a.coord,
	}, a.logger)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("health server start: %w", err)
	}

	return nil
}

// RunWorker runs the scoring worker: session lifecycle, stream
// consumption, both scoring pipelines, alerts, and feedback batching.
func (a *App) RunWorker(ctx context.Context) error {
	logger := a.logger.With().Str("component", "worker").Logger()

	ingestLog := stream.New(a.coord.Client(), stream.Config{
		Stream:       a.cfg.RedisStream,
		Group:        a.cfg.RedisGroup,
		Consumer:     a.cfg.RedisConsumer,
		MaxLen:       a.cfg.StreamMaxLen,
		Block:        a.cfg.StreamBlock,
		Batch:        a.cfg.StreamBatch,
		ClaimMinIdle: a.cfg.StreamClaimMinIdle,
	}, &logger)

	if err := ingestLog.EnsureGroup(ctx); err != nil {
		return err
	}

	embedClient := semantic.NewClient(a.cfg.EmbeddingsAPIKey, a.cfg.EmbeddingsModel, a.cfg.RateLimitRPS)
	centroids := semantic.NewCentroids(embedClient, a.database, &logger)
	evaluator := semantic.NewEvaluator(embedClient, centroids, a.cfg.SimilarityThreshold, &logger)

	if !a.cfg.SemanticEnabled() {
		logger.Warn().Msg("EMBEDDINGS_MODEL not set, semantic scoring disabled")
	}

	sender, err := a.newSender(&logger)
	if err != nil {
		return err
	}

	controller := lifecycle.NewController(a.cfg.TGSessionPath, a.coord, &logger)

	batch := pipeline.NewBatchProcessor(a.database, a.coord, evaluator, &logger)
	if err := batch.Restore(ctx); err != nil {
		logger.Warn().Err(err).Msg("restoring feedback batch queue failed")
	}

	tuner := pipeline.NewTuner(a.database, a.cfgStore, a.coord, &logger)
	controller.SetFeedbackHandler(a.feedbackHandler(batch, tuner))

	var deliverer pipeline.Deliverer
	if sender != nil {
		deliverer = sender
		controller.SetIdentityHandler(sender.SetOwner)
	}

	processor := pipeline.New(ingestLog, a.database, a.cfgStore, profile.NewResolver(&logger), evaluator, deliverer, pipeline.Options{
		ReactionThreshold: a.cfg.ReactionThreshold,
		ReplyThreshold:    a.cfg.ReplyThreshold,
		AlertMode:         a.cfg.AlertMode,
		AlertChannel:      a.cfg.AlertChannel,
	}, &logger)

	// Consumption pauses whenever a gate closes: logout or relogin
	// stops the loop until the session is usable again.
	processor.SetGates(controller.Authorized, controller.Handshake)

	controller.Bootstrap(ctx)

	go a.watchConfigUpdates(ctx, &logger)

	go func() {
		if err := controller.RunHeartbeat(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("heartbeat loop exited")
		}
	}()

	go func() {
		if err := controller.RunAuthQueue(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("auth queue loop exited")
		}
	}()

	go func() {
		if err := batch.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("feedback batch loop exited")
		}
	}()

	// Warm centroids in the background so the first messages do not pay
	// embedding latency, then open the cache gate for this generation.
	go func() {
		if err := controller.Authorized.Wait(ctx); err != nil {
			return
		}

		doc := a.cfgStore.Snapshot()

		var interest []*profile.Definition

		for _, id := range doc.ProfileIDs() {
			if def, ok := doc.Profile(id); ok && len(def.PositiveSamples) > 0 {
				interest = append(interest, def)
			}
		}

		evaluator.Warm(ctx, interest)
		controller.MarkCacheReady(ctx, controller.Generation())
	}()

	return processor.Run(ctx)
}

// RunDigest runs the digest scheduler; with once set it evaluates due
// schedules a single time and exits.
func (a *App) RunDigest(ctx context.Context, once bool) error {
	logger := a.logger.With().Str("component", "digest").Logger()

	sender, err := a.newSender(&logger)
	if err != nil {
		return err
	}

	if sender == nil {
		return fmt.Errorf("digest mode requires BOT_TOKEN")
	}

	defaults := digest.Defaults{
		Hourly: a.cfg.HourlyDigest,
		Daily:  a.cfg.DailyDigest,
		TopN:   a.cfg.DigestTopN,
		Target: a.cfg.NotificationChannel,
	}

	engine := digest.NewEngine(a.database, a.coord, a.cfgStore, sender, defaults, a.cfg.SchedulerTickInterval, &logger)

	if once {
		engine.Tick(ctx, time.Now())
		return nil
	}

	go a.watchConfigUpdates(ctx, &logger)

	return engine.Run(ctx)
}

// RunSweep runs the retention sweeper; with once set it sweeps a single
// time and exits.
func (a *App) RunSweep(ctx context.Context, once bool) error {
	logger := a.logger.With().Str("component", "sweep").Logger()

	policy := storage.RetentionPolicy{
		RetentionDays:   a.cfg.RetentionDays,
		AlertMultiplier: a.cfg.RetentionAlertMultiplier,
		MaxMessages:     a.cfg.MaxMessages,
	}

	sweep := func(ctx context.Context) {
		res, err := a.database.Sweep(ctx, policy, time.Now())
		if err != nil {
			logger.Error().Err(err).Msg("retention sweep failed")
			return
		}

		observability.RetentionDeleted.WithLabelValues("expired").Add(float64(res.ExpiredDeleted))
		observability.RetentionDeleted.WithLabelValues("cap").Add(float64(res.CapEvicted))

		if res.ExpiredDeleted+res.CapEvicted > 0 {
			if err := a.database.Vacuum(ctx); err != nil {
				logger.Warn().Err(err).Msg("vacuum failed")
			}
		}

		logger.Info().Int64("expired", res.ExpiredDeleted).Int64("evicted", res.CapEvicted).Msg("retention sweep done")
	}

	if once {
		sweep(ctx)
		return nil
	}

	return worker.Run(ctx, "sweep", []worker.Task{
		{Name: "retention", Interval: sweepInterval, Run: sweep},
	}, &logger)
}

// feedbackHandler decodes a feedback payload from the auth queue,
// persists it, queues centroid recomputation, and lets the tuner react
// to negative labels.
func (a *App) feedbackHandler(batch *pipeline.BatchProcessor, tuner *pipeline.Tuner) lifecycle.FeedbackHandler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var fb struct {
			ChatID       int64    `json:"chat_id"`
			MsgID        int64    `json:"msg_id"`
			Label        int      `json:"label"`
			SemanticType string   `json:"semantic_type"`
			ProfileIDs   []string `json:"profile_ids"`
		}

		if err := json.Unmarshal(payload, &fb); err != nil {
			return fmt.Errorf("malformed feedback payload: %w", err)
		}

		record := &storage.Feedback{
			ChatID:       fb.ChatID,
			MsgID:        fb.MsgID,
			Label:        fb.Label,
			SemanticType: fb.SemanticType,
			ProfileIDs:   fb.ProfileIDs,
		}

		if err := batch.Submit(ctx, record); err != nil {
			return err
		}

		if record.Label == storage.LabelNegative {
			if err := tuner.OnNegativeFeedback(ctx, record); err != nil {
				a.logger.Warn().Err(err).Msg("auto-tuning failed")
			}
		}

		return nil
	}
}

// watchConfigUpdates reloads the config document when the admin
// front-end publishes a change.
func (a *App) watchConfigUpdates(ctx context.Context, logger *zerolog.Logger) {
	sub := a.coord.Subscribe(ctx, coord.ChannelConfigUpdated)

	defer func() {
		_ = sub.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}

			logger.Info().Str("payload", msg.Payload).Msg("config update received, reloading")

			if err := a.cfgStore.Reload(); err != nil {
				logger.Error().Err(err).Msg("config reload failed, keeping previous document")
			}
		}
	}
}

func (a *App) newSender(logger *zerolog.Logger) (*telegram.Sender, error) {
	if a.cfg.BotToken == "" {
		logger.Warn().Msg("BOT_TOKEN not set, outbound delivery disabled")
		return nil, nil
	}

	sender, err := telegram.NewSender(a.cfg.BotToken, 0, a.cfg.RateLimitRPS, logger)
	if err != nil {
		return nil, fmt.Errorf("bot initialization failed: %w", err)
	}

	return sender, nil
}
