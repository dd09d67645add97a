package lifecycle

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tgsentinel/tg-sentinel/internal/coord"
	"github.com/tgsentinel/tg-sentinel/internal/platform/observability"
)

const (
	heartbeatInterval = 10 * time.Minute
	authPopTimeout    = 5 * time.Second
	reloginTimeout    = 45 * time.Second
)

// Auth queue actions handled by the controller. Feedback rides the
// same queue from the admin front-end and is dispatched to the
// registered handler.
const (
	ActionImportSession = "import_session"
	ActionLogout        = "logout"
	ActionRelogin       = "relogin"
	ActionStatus        = "status"
	ActionFeedback      = "feedback"
)

// FeedbackHandler consumes feedback payloads arriving on the queue.
type FeedbackHandler func(ctx context.Context, payload json.RawMessage) error

// WorkerStatus is the heartbeat document published to the coordination
// store.
type WorkerStatus struct {
	Authorized bool      `json:"authorized"`
	Generation int64     `json:"generation"`
	UserID     int64     `json:"user_id,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Coordinator is the coordination-store surface the controller uses.
type Coordinator interface {
	SetWorkerStatus(ctx context.Context, status any) error
	SetUserInfo(ctx context.Context, info any) error
	SetProgress(ctx context.Context, key string, progress any) error
	SetHandshake(ctx context.Context, doc any) error
	PublishSessionEvent(ctx context.Context, ev coord.SessionEvent) error
	PublishCacheReady(ctx context.Context, generation int64) error
	PopAuthRequest(ctx context.Context, timeout time.Duration) (*coord.AuthRequest, error)
	SetAuthResponse(ctx context.Context, requestID string, response any) error
	DeleteGenerationCaches(ctx context.Context, generation int64) error
}

// Controller owns the session lifecycle: it validates the on-disk
// session, gates downstream pipelines on authorization, and bumps the
// generation counter on every login or logout so stale handlers from
// an earlier session cannot act on the new one.
type Controller struct {
	sessionPath string
	store       Coordinator
	onFeedback  FeedbackHandler
	onIdentity  func(userID int64)
	logger      *zerolog.Logger

	generation atomic.Int64
	userID     atomic.Int64

	// Authorized opens while a valid session is active. Handshake
	// opens while the platform client is connected and closes during
	// a re-login. CacheReady opens once per generation after warm-up.
	Authorized *Gate
	Handshake  *Gate
	CacheReady *Gate
}

// NewController creates a controller around the session file at path.
func NewController(sessionPath string, store Coordinator, logger *zerolog.Logger) *Controller {
	return &Controller{
		sessionPath: sessionPath,
		store:       store,
		logger:      logger,
		Authorized:  NewGate(),
		Handshake:   NewGate(),
		CacheReady:  NewGate(),
	}
}

// SetFeedbackHandler registers the consumer for feedback payloads.
func (c *Controller) SetFeedbackHandler(h FeedbackHandler) {
	c.onFeedback = h
}

// SetIdentityHandler registers a callback invoked when the operator
// identity becomes known.
func (c *Controller) SetIdentityHandler(h func(userID int64)) {
	c.onIdentity = h
}

// Generation returns the current generation.
func (c *Controller) Generation() int64 {
	return c.generation.Load()
}

// Bootstrap validates any existing session file and opens the gates
// when it is usable. A missing or invalid session leaves the gates
// closed until an import arrives.
func (c *Controller) Bootstrap(ctx context.Context) {
	if err := ValidateSessionFile(c.sessionPath); err != nil {
		c.logger.Warn().Err(err).Msg("no usable session, waiting for import")
		observability.SessionAuthorized.Set(0)

		return
	}

	c.authorize(ctx, coord.EventSessionAuthorized)
}

// ImportSession installs uploaded session bytes and authorizes.
func (c *Controller) ImportSession(ctx context.Context, data []byte) error {
	c.setProgress(ctx, coord.KeyLoginProgress, "validating")

	if err := WriteSessionFile(c.sessionPath, data); err != nil {
		c.setProgress(ctx, coord.KeyLoginProgress, "failed: "+err.Error())

		return err
	}

	c.authorize(ctx, coord.EventSessionImported)
	c.setProgress(ctx, coord.KeyLoginProgress, "authorized")

	return nil
}

// Logout removes the session, closes the gates, and advances the
// generation so in-flight work from the old session is fenced out.
func (c *Controller) Logout(ctx context.Context) error {
	c.setProgress(ctx, coord.KeyLogoutProgress, "removing session")

	if err := RemoveSessionFile(c.sessionPath); err != nil {
		c.setProgress(ctx, coord.KeyLogoutProgress, "failed: "+err.Error())

		return err
	}

	c.Authorized.Close()
	c.Handshake.Close()
	c.CacheReady.Close()

	old := c.generation.Load()
	gen := c.generation.Add(1)
	c.userID.Store(0)

	if err := c.store.DeleteGenerationCaches(ctx, old); err != nil {
		c.logger.Warn().Err(err).Msg("deleting generation caches failed")
	}

	observability.SessionAuthorized.Set(0)
	observability.SessionGeneration.Set(float64(gen))

	if err := c.store.PublishSessionEvent(ctx, coord.SessionEvent{
		Event:      coord.EventSessionLogout,
		Generation: gen,
	}); err != nil {
		c.logger.Warn().Err(err).Msg("publishing logout event failed")
	}

	c.setProgress(ctx, coord.KeyLogoutProgress, "done")
	c.logger.Info().Int64("generation", gen).Msg("session logged out")

	return nil
}

// BeginRelogin closes the handshake gate and publishes the relogin
// handshake document so the platform client reconnects under a fresh
// session. If no import arrives within the handshake window the old
// session resumes.
func (c *Controller) BeginRelogin(ctx context.Context) {
	gen := c.generation.Load()

	c.Handshake.Close()
	c.setHandshake(ctx, "awaiting_session", gen)
	c.logger.Info().Int64("generation", gen).Msg("relogin started, handshake gate closed")

	go func() {
		timer := time.NewTimer(reloginTimeout)
		defer timer.Stop()

		select {
		case <-ctx.Done():
		case <-timer.C:
			// The import bumps the generation, which voids this guard.
			if c.generation.Load() == gen && c.Authorized.IsOpen() {
				c.logger.Warn().Msg("relogin timed out, resuming with existing session")
				c.setHandshake(ctx, "timed_out", gen)
				c.Handshake.Open()
			}
		}
	}()
}

func (c *Controller) setHandshake(ctx context.Context, state string, generation int64) {
	doc := map[string]any{
		"state":      state,
		"generation": generation,
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	}

	if err := c.store.SetHandshake(ctx, doc); err != nil {
		c.logger.Warn().Err(err).Msg("writing relogin handshake failed")
	}
}

// MarkCacheReady opens the cache gate for the given generation and
// announces it. A stale generation's warm-up is ignored.
func (c *Controller) MarkCacheReady(ctx context.Context, generation int64) {
	if generation != c.generation.Load() {
		c.logger.Warn().Int64("generation", generation).Int64("current", c.generation.Load()).Msg("ignoring cache-ready from stale generation")
		return
	}

	c.CacheReady.Open()

	if err := c.store.PublishCacheReady(ctx, generation); err != nil {
		c.logger.Warn().Err(err).Msg("publishing cache-ready event failed")
	}
}

// SetUserID records the operator identity learned after authorization
// and caches it for the front-end.
func (c *Controller) SetUserID(ctx context.Context, id int64) {
	c.userID.Store(id)

	info := map[string]any{"user_id": id, "generation": c.generation.Load()}
	if err := c.store.SetUserInfo(ctx, info); err != nil {
		c.logger.Warn().Err(err).Msg("caching user info failed")
	}

	if c.onIdentity != nil {
		c.onIdentity(id)
	}
}

func (c *Controller) setProgress(ctx context.Context, key, stage string) {
	progress := map[string]any{"stage": stage, "updated_at": time.Now().UTC().Format(time.RFC3339)}
	if err := c.store.SetProgress(ctx, key, progress); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("writing progress failed")
	}
}

func (c *Controller) authorize(ctx context.Context, event string) {
	gen := c.generation.Add(1)

	c.CacheReady.Close()
	c.Authorized.Open()
	c.Handshake.Open()
	c.setHandshake(ctx, "connected", gen)

	observability.SessionAuthorized.Set(1)
	observability.SessionGeneration.Set(float64(gen))

	if err := c.store.PublishSessionEvent(ctx, coord.SessionEvent{
		Event:      event,
		Generation: gen,
		UserID:     c.userID.Load(),
	}); err != nil {
		c.logger.Warn().Err(err).Msg("publishing session event failed")
	}

	c.logger.Info().Int64("generation", gen).Str("event", event).Msg("session authorized")
}

// RunHeartbeat publishes the worker status until ctx is cancelled.
func (c *Controller) RunHeartbeat(ctx context.Context) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	c.heartbeat(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.heartbeat(ctx)
		}
	}
}

func (c *Controller) heartbeat(ctx context.Context) {
	status := WorkerStatus{
		Authorized: c.Authorized.IsOpen(),
		Generation: c.generation.Load(),
		UserID:     c.userID.Load(),
		UpdatedAt:  time.Now().UTC(),
	}

	if err := c.store.SetWorkerStatus(ctx, status); err != nil {
		c.logger.Warn().Err(err).Msg("publishing worker status failed")
	}
}

// RunAuthQueue consumes admin-boundary requests until ctx is cancelled.
func (c *Controller) RunAuthQueue(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		req, err := c.store.PopAuthRequest(ctx, authPopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			c.logger.Warn().Err(err).Msg("popping auth request failed")
			time.Sleep(time.Second)

			continue
		}

		if req == nil {
			continue
		}

		c.handleAuthRequest(ctx, req)
	}
}

type authResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	Status *WorkerStatus `json:"status,omitempty"`
}

func (c *Controller) handleAuthRequest(ctx context.Context, req *coord.AuthRequest) {
	var resp authResponse

	switch req.Action {
	case ActionImportSession:
		var payload struct {
			Session []byte `json:"session"`
			UserID  int64  `json:"user_id"`
		}

		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			resp.Error = "malformed import payload"
		} else if err := c.ImportSession(ctx, payload.Session); err != nil {
			resp.Error = err.Error()
		} else {
			if payload.UserID != 0 {
				c.SetUserID(ctx, payload.UserID)
			}

			resp.OK = true
		}
	case ActionLogout:
		if err := c.Logout(ctx); err != nil {
			resp.Error = err.Error()
		} else {
			resp.OK = true
		}
	case ActionRelogin:
		c.BeginRelogin(ctx)
		resp.OK = true
	case ActionFeedback:
		if c.onFeedback == nil {
			resp.Error = "no feedback handler registered"
		} else if err := c.onFeedback(ctx, req.Payload); err != nil {
			resp.Error = err.Error()
		} else {
			resp.OK = true
		}
	case ActionStatus:
		resp.OK = true
		resp.Status = &WorkerStatus{
			Authorized: c.Authorized.IsOpen(),
			Generation: c.generation.Load(),
			UserID:     c.userID.Load(),
			UpdatedAt:  time.Now().UTC(),
		}
	default:
		resp.Error = "unknown action " + req.Action
	}

	if err := c.store.SetAuthResponse(ctx, req.RequestID, resp); err != nil {
		c.logger.Warn().Err(err).Str("request_id", req.RequestID).Msg("storing auth response failed")
	}
}
