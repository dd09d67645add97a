package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// TTLs for coordination-store keys.
const (
	TTLWorkerStatus  = 15 * time.Minute
	TTLLastRun       = 7 * 24 * time.Hour
	TTLExecLatest    = 7 * 24 * time.Hour
	TTLHandshake     = 120 * time.Second
	TTLLoginProgress = 300 * time.Second
	TTLGenCache      = 15 * time.Minute
)

// History caps.
const (
	ExecHistoryPerProfile = 50
	ExecHistoryGlobal     = 500
	BatchHistoryCap       = 100
)

// Store wraps the Redis coordination client.
type Store struct {
	rdb    *redis.Client
	logger *zerolog.Logger
}

// New creates a coordination store around an existing client.
func New(rdb *redis.Client, logger *zerolog.Logger) *Store {
	return &Store{rdb: rdb, logger: logger}
}

// Client exposes the underlying Redis client for components that share
// the connection (the ingestion stream).
func (s *Store) Client() *redis.Client {
	return s.rdb
}

// Ping verifies connectivity. Failure at startup is fatal.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("coordination store ping: %w", err)
	}

	return nil
}

// --- schedule state ---

// GetLastRun returns the persisted last-run time for a schedule.
// A missing or corrupt value yields a zero time, never an error: the
// scheduler starts fresh rather than crashing.
func (s *Store) GetLastRun(ctx context.Context, schedule string) (time.Time, error) {
	raw, err := s.rdb.Get(ctx, KeyDigestLastRun(schedule)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}

	if err != nil {
		return time.Time{}, fmt.Errorf("get last run %s: %w", schedule, err)
	}

	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		s.logger.Warn().Str("schedule", schedule).Str("value", raw).Msg("corrupt last-run value, starting fresh")
		return time.Time{}, nil
	}

	return ts, nil
}

// SetLastRun persists a schedule's last-run time.
func (s *Store) SetLastRun(ctx context.Context, schedule string, ts time.Time) error {
	err := s.rdb.Set(ctx, KeyDigestLastRun(schedule), ts.UTC().Format(time.RFC3339), TTLLastRun).Err()
	if err != nil {
		return fmt.Errorf("set last run %s: %w", schedule, err)
	}

	return nil
}

// --- batch processor persistence ---

// SaveBatchQueue persists the pending profile set so it survives restarts.
func (s *Store) SaveBatchQueue(ctx context.Context, profileIDs []string) error {
	data, err := json.Marshal(profileIDs)
	if err != nil {
		return fmt.Errorf("encode batch queue: %w", err)
	}

	if err := s.rdb.Set(ctx, KeyBatchQueue, data, 0).Err(); err != nil {
		return fmt.Errorf("save batch queue: %w", err)
	}

	return nil
}

// LoadBatchQueue restores the pending profile set.
func (s *Store) LoadBatchQueue(ctx context.Context) ([]string, error) {
	raw, err := s.rdb.Get(ctx, KeyBatchQueue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("load batch queue: %w", err)
	}

	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		s.logger.Warn().Err(err).Msg("corrupt batch queue, starting empty")
		return nil, nil
	}

	return ids, nil
}

// BatchRecord documents one centroid recomputation batch.
type BatchRecord struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	ProfileIDs []string  `json:"profile_ids"`
	ElapsedMS  int64     `json:"elapsed_ms"`
	Trigger    string    `json:"trigger"`
}

// RecordBatch appends a batch record and stamps the last batch time.
func (s *Store) RecordBatch(ctx context.Context, rec BatchRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode batch record: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, KeyBatchHistory, data)
	pipe.LTrim(ctx, KeyBatchHistory, 0, BatchHistoryCap-1)
	pipe.Set(ctx, KeyBatchLastRun, rec.FinishedAt.UTC().Format(time.RFC3339), 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record batch: %w", err)
	}

	return nil
}

// --- digest execution audit ---

// ExecutionStatus values for digest runs.
const (
	ExecPending   = "pending"
	ExecRunning   = "running"
	ExecSuccess   = "success"
	ExecPartial   = "partial"
	ExecFailed    = "failed"
	ExecCancelled = "cancelled"
)

// ExecutionRecord audits one attempted digest run.
type ExecutionRecord struct {
	ID           string    `json:"id"`
	Schedule     string    `json:"schedule"`
	ProfileGroup []string  `json:"profile_group"`
	Mode         string    `json:"mode"`
	Target       string    `json:"target"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Status       string    `json:"status"`
	MessageCount int       `json:"message_count"`
	DurationMS   int64     `json:"duration_ms"`
	Error        string    `json:"error,omitempty"`
}

// RecordExecution appends the record to each profile's history (capped),
// updates the latest-lookup key, and appends to the global list.
func (s *Store) RecordExecution(ctx context.Context, rec ExecutionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode execution record: %w", err)
	}

	pipe := s.rdb.TxPipeline()

	for _, profileID := range rec.ProfileGroup {
		pipe.LPush(ctx, KeyExecHistory(profileID), data)
		pipe.LTrim(ctx, KeyExecHistory(profileID), 0, ExecHistoryPerProfile-1)
		pipe.Set(ctx, KeyExecLatest(profileID), data, TTLExecLatest)
	}

	pipe.LPush(ctx, KeyExecHistoryGlobal, data)
	pipe.LTrim(ctx, KeyExecHistoryGlobal, 0, ExecHistoryGlobal-1)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record execution: %w", err)
	}

	return nil
}

// --- worker status / identity ---

// SetWorkerStatus writes the authorization heartbeat.
func (s *Store) SetWorkerStatus(ctx context.Context, status any) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encode worker status: %w", err)
	}

	if err := s.rdb.Set(ctx, KeyWorkerStatus, data, TTLWorkerStatus).Err(); err != nil {
		return fmt.Errorf("set worker status: %w", err)
	}

	return nil
}

// SetUserInfo caches the logged-in operator identity.
func (s *Store) SetUserInfo(ctx context.Context, info any) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode user info: %w", err)
	}

	if err := s.rdb.Set(ctx, KeyUserInfo, data, 0).Err(); err != nil {
		return fmt.Errorf("set user info: %w", err)
	}

	return nil
}

// DeleteGenerationCaches removes generation-scoped UI cache keys.
func (s *Store) DeleteGenerationCaches(ctx context.Context, generation int64) error {
	keys := []string{
		KeyGenCache(generation, "cached_channels"),
		KeyGenCache(generation, "cached_users"),
	}

	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete generation caches: %w", err)
	}

	return nil
}

// --- pub/sub ---

// SessionEvent is the payload on the session_updated channel.
type SessionEvent struct {
	Event      string `json:"event"`
	Generation int64  `json:"generation"`
	UserID     int64  `json:"user_id,omitempty"`
}

// PublishSessionEvent announces an auth lifecycle transition.
func (s *Store) PublishSessionEvent(ctx context.Context, ev SessionEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode session event: %w", err)
	}

	if err := s.rdb.Publish(ctx, ChannelSessionUpdated, data).Err(); err != nil {
		return fmt.Errorf("publish session event: %w", err)
	}

	return nil
}

// ConfigEvent is the payload on the config_updated channel.
type ConfigEvent struct {
	ConfigKeys []string `json:"config_keys"`
}

// PublishConfigUpdated announces a config document change.
func (s *Store) PublishConfigUpdated(ctx context.Context, keys []string) error {
	data, err := json.Marshal(ConfigEvent{ConfigKeys: keys})
	if err != nil {
		return fmt.Errorf("encode config event: %w", err)
	}

	if err := s.rdb.Publish(ctx, ChannelConfigUpdated, data).Err(); err != nil {
		return fmt.Errorf("publish config event: %w", err)
	}

	return nil
}

// PublishCacheReady announces cache warm-up completion for a generation.
func (s *Store) PublishCacheReady(ctx context.Context, generation int64) error {
	if err := s.rdb.Publish(ctx, ChannelCacheReady, generation).Err(); err != nil {
		return fmt.Errorf("publish cache ready: %w", err)
	}

	return nil
}

// Subscribe returns a subscription for the given channels. The caller
// owns the returned PubSub and must close it.
func (s *Store) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, channels...)
}

// --- auth queue ---

// AuthRequest is one admin-boundary request to the worker.
type AuthRequest struct {
	Action    string          `json:"action"`
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// PopAuthRequest blocks up to timeout for the next auth-queue request.
// Returns nil when the wait timed out.
func (s *Store) PopAuthRequest(ctx context.Context, timeout time.Duration) (*AuthRequest, error) {
	res, err := s.rdb.BRPop(ctx, timeout, KeyAuthQueue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("pop auth request: %w", err)
	}

	// BRPop returns [key, value].
	if len(res) != 2 {
		return nil, nil
	}

	var req AuthRequest
	if err := json.Unmarshal([]byte(res[1]), &req); err != nil {
		s.logger.Warn().Err(err).Msg("malformed auth request, dropping")
		return nil, nil
	}

	return &req, nil
}

// SetAuthResponse stores the worker's response for a request ID.
func (s *Store) SetAuthResponse(ctx context.Context, requestID string, response any) error {
	data, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("encode auth response: %w", err)
	}

	if err := s.rdb.HSet(ctx, KeyAuthResponses, requestID, data).Err(); err != nil {
		return fmt.Errorf("set auth response: %w", err)
	}

	return nil
}

// SetHandshake writes the relogin handshake document. The TTL clears
// an abandoned handshake on its own.
func (s *Store) SetHandshake(ctx context.Context, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode handshake: %w", err)
	}

	if err := s.rdb.Set(ctx, KeyReloginHandshake, data, TTLHandshake).Err(); err != nil {
		return fmt.Errorf("set handshake: %w", err)
	}

	return nil
}

// SetProgress writes a login/logout progress document.
func (s *Store) SetProgress(ctx context.Context, key string, progress any) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}

	if err := s.rdb.Set(ctx, key, data, TTLLoginProgress).Err(); err != nil {
		return fmt.Errorf("set progress: %w", err)
	}

	return nil
}
