// Package pipeline consumes the ingestion stream, scores each message
// against the entity's resolved profiles, persists the verdict, and
// emits instant alerts. Entries are acked only after the message row is
// committed, so a crash re-delivers and the idempotent upsert absorbs
// the replay.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/tgsentinel/tg-sentinel/internal/ingest"
	"github.com/tgsentinel/tg-sentinel/internal/platform/config"
	"github.com/tgsentinel/tg-sentinel/internal/platform/observability"
	"github.com/tgsentinel/tg-sentinel/internal/platform/worker"
	"github.com/tgsentinel/tg-sentinel/internal/profile"
	"github.com/tgsentinel/tg-sentinel/internal/score/heuristic"
	"github.com/tgsentinel/tg-sentinel/internal/score/semantic"
	"github.com/tgsentinel/tg-sentinel/internal/storage"
	"github.com/tgsentinel/tg-sentinel/internal/stream"
)

const claimInterval = time.Minute

// Log is the consumer-group view of the ingestion stream.
type Log interface {
	Fetch(ctx context.Context) ([]stream.Message, error)
	Claim(ctx context.Context) ([]stream.Message, error)
	Ack(ctx context.Context, id string) error
}

// MessageStore persists scored messages and delivery audit rows.
type MessageStore interface {
	UpsertMessage(ctx context.Context, m *storage.StoredMessage) error
	RecordDelivery(ctx context.Context, d *storage.WebhookDelivery) error
}

// Deliverer sends instant alerts.
type Deliverer interface {
	Send(ctx context.Context, target, text string) error
}

// ConfigSource yields the current configuration document.
type ConfigSource interface {
	Snapshot() *config.Document
}

// Gate blocks until a lifecycle condition holds. The consumer loop
// re-checks its gates before every fetch, so a gate closed mid-run
// (logout, relogin) pauses consumption until it reopens.
type Gate interface {
	Wait(ctx context.Context) error
}

// SemanticScorer evaluates interest profiles for a message.
type SemanticScorer interface {
	Evaluate(ctx context.Context, text string, profiles []*profile.Definition) (*semantic.Evaluation, error)
}

// Options carry environment knobs into the processor.
type Options struct {
	ReactionThreshold int
	ReplyThreshold    int
	AlertMode         string
	AlertChannel      string
}

// Processor is the scoring worker.
type Processor struct {
	log      Log
	store    MessageStore
	cfg      ConfigSource
	resolver *profile.Resolver
	semantic SemanticScorer
	sender   Deliverer
	opts     Options
	gates    []Gate
	logger   *zerolog.Logger
}

// New creates a processor. sender may be nil; instant alerts are then
// recorded but not delivered.
func New(log Log, store MessageStore, cfg ConfigSource, resolver *profile.Resolver, sem SemanticScorer, sender Deliverer, opts Options, logger *zerolog.Logger) *Processor {
	return &Processor{
		log:      log,
		store:    store,
		cfg:      cfg,
		resolver: resolver,
		semantic: sem,
		sender:   sender,
		opts:     opts,
		logger:   logger,
	}
}

// SetGates registers lifecycle gates the consumer loop waits on.
func (p *Processor) SetGates(gates ...Gate) {
	p.gates = gates
}

// Run consumes the stream until ctx is cancelled. Reclaims abandoned
// entries periodically.
func (p *Processor) Run(ctx context.Context) error {
	claimTicker := time.NewTicker(claimInterval)
	defer claimTicker.Stop()

	for {
		for _, g := range p.gates {
			if err := g.Wait(ctx); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-claimTicker.C:
			claimed, err := p.log.Claim(ctx)
			if err != nil {
				p.logger.Warn().Err(err).Msg("claiming abandoned entries failed")
				continue
			}

			if len(claimed) > 0 {
				observability.StreamClaimed.Add(float64(len(claimed)))
				p.processBatch(ctx, claimed)
			}
		default:
			batch, err := p.log.Fetch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}

				p.logger.Error().Err(err).Msg("fetching stream entries failed")

				if werr := worker.Wait(ctx, time.Second); werr != nil {
					return werr
				}

				continue
			}

			p.processBatch(ctx, batch)
		}
	}
}

func (p *Processor) processBatch(ctx context.Context, batch []stream.Message) {
	if len(batch) == 0 {
		return
	}

	start := time.Now()

	for _, msg := range batch {
		p.processOne(ctx, msg)
	}

	observability.PipelineBatchDuration.Observe(time.Since(start).Seconds())
}

// processOne runs the full scoring path for one entry. The entry is
// acked in every terminal case; a transient persistence failure leaves
// it unacked for redelivery.
func (p *Processor) processOne(ctx context.Context, msg stream.Message) {
	if msg.ParseErr != nil {
		// Malformed payloads can never succeed; ack so they do not
		// poison the group.
		p.logger.Warn().Err(msg.ParseErr).Str("entry_id", msg.ID).Msg("dropping malformed stream entry")
		observability.MessagesConsumed.WithLabelValues("malformed").Inc()
		p.ack(ctx, msg.ID)

		return
	}

	ev := msg.Event
	doc := p.cfg.Snapshot()

	entity, configured := p.lookupEntity(doc, ev)
	rp := p.resolver.Resolve(entity, doc)

	if !configured && !p.autoBound(doc, ev, rp) {
		observability.MessagesDropped.WithLabelValues("unmonitored").Inc()
		p.ack(ctx, msg.ID)

		return
	}

	if reason, dropped := p.filtered(ev, rp); dropped {
		observability.MessagesDropped.WithLabelValues(reason).Inc()
		p.ack(ctx, msg.ID)

		return
	}

	stored, alerts := p.score(ctx, ev, rp)

	if err := p.store.UpsertMessage(ctx, stored); err != nil {
		// No ack: the entry stays pending and is redelivered; the
		// upsert is idempotent.
		p.logger.Error().Err(err).Int64("chat_id", ev.ChatID).Int64("msg_id", ev.MsgID).Msg("persisting message failed, leaving entry pending")
		observability.MessagesConsumed.WithLabelValues("store_error").Inc()

		return
	}

	p.deliverAlerts(ctx, ev, rp, stored, alerts)

	observability.MessagesConsumed.WithLabelValues("ok").Inc()
	p.ack(ctx, msg.ID)
}

// lookupEntity maps the event's chat to a configured channel rule or,
// for private chats, a monitored user. An unconfigured chat yields a
// bare entity so the resolver can still apply auto-binding profiles.
func (p *Processor) lookupEntity(doc *config.Document, ev *ingest.ChatEvent) (profile.Entity, bool) {
	if ev.IsPrivate() {
		if user, ok := doc.User(ev.ChatID); ok {
			return profile.EntityFromUser(user), true
		}

		return profile.Entity{ID: ev.ChatID, Name: ev.ChatTitle, IsUser: true}, false
	}

	if rule, ok := doc.Channel(ev.ChatID); ok {
		return profile.EntityFromChannel(rule), true
	}

	return profile.Entity{ID: ev.ChatID, Name: ev.ChatTitle}, false
}

// autoBound reports whether an unconfigured chat is still monitored
// through profile auto-binding. Group chats are covered by any bound
// profile, including catch-alls; private conversations need a profile
// that names the user, so a catch-all does not pull in every DM.
func (p *Processor) autoBound(doc *config.Document, ev *ingest.ChatEvent, rp *profile.Resolved) bool {
	if !ev.IsPrivate() {
		return len(rp.ProfileIDs) > 0
	}

	for _, id := range doc.ProfileIDs() {
		if def, ok := doc.Profile(id); ok && def.Enabled && def.BindsUser(ev.ChatID) {
			return true
		}
	}

	return false
}

func (p *Processor) filtered(ev *ingest.ChatEvent, rp *profile.Resolved) (string, bool) {
	for _, id := range rp.ExcludedUsers {
		if id == ev.SenderID {
			return "excluded_sender", true
		}
	}

	if rp.RequireForwarded && !ev.HasForward {
		return "not_forwarded", true
	}

	return "", false
}

// score runs both pipelines and assembles the message row.
func (p *Processor) score(ctx context.Context, ev *ingest.ChatEvent, rp *profile.Resolved) (*storage.StoredMessage, []*profile.Definition) {
	heur := heuristic.Evaluate(ev, rp, heuristic.Options{
		ReactionThreshold: p.opts.ReactionThreshold,
		ReplyThreshold:    p.opts.ReplyThreshold,
	})
	observability.ScoreDistribution.Observe(float64(heur.PreScore))
	observability.MessagesScored.WithLabelValues("keyword").Inc()

	var alerts []*profile.Definition

	for _, def := range rp.AlertProfiles {
		if heur.PreScore >= def.MinScore {
			alerts = append(alerts, def)
		}
	}

	sem := &semantic.Evaluation{}

	if len(rp.InterestProfiles) > 0 {
		res, err := p.semantic.Evaluate(ctx, ev.Text, rp.InterestProfiles)
		if err != nil {
			// Semantic failures degrade to keyword-only scoring.
			p.logger.Warn().Err(err).Int64("chat_id", ev.ChatID).Msg("semantic evaluation failed, keyword score only")
		} else {
			sem = res
			observability.MessagesScored.WithLabelValues("semantic").Inc()

			for _, s := range sem.Scores {
				observability.SemanticSimilarity.Observe(float64(s))
			}
		}
	}

	matched := make([]string, 0, len(alerts)+len(sem.Matched))
	for _, def := range alerts {
		matched = append(matched, def.ID)
	}

	matched = append(matched, sem.Matched...)

	annotations := make(map[string][]string, len(heur.Annotations))
	for cat, words := range heur.Annotations {
		annotations[string(cat)] = words
	}

	stored := &storage.StoredMessage{
		ChatID:             ev.ChatID,
		MsgID:              ev.MsgID,
		ContentHash:        heur.ContentHash,
		Score:              maxScore(heur.PreScore, sem.BestScore),
		KeywordScore:       heur.PreScore,
		SemanticScores:     sem.Scores,
		SemanticType:       firstOrEmpty(sem.Matched),
		FeedAlert:          len(alerts) > 0,
		FeedInterest:       sem.IncludeInFeed,
		ChatTitle:          ev.ChatTitle,
		SenderName:         ev.SenderName,
		SenderID:           ev.SenderID,
		MessageText:        ev.Text,
		Triggers:           strings.Join(heur.Reasons, ","),
		TriggerAnnotations: annotations,
		MatchedProfiles:    matched,
		DigestSchedule:     string(primarySchedule(rp)),
		CreatedAt:          ev.Timestamp,
	}

	return stored, alerts
}

// primarySchedule picks the highest-frequency enabled cadence from the
// resolved digest config.
func primarySchedule(rp *profile.Resolved) profile.Cadence {
	best := profile.CadenceNone

	if rp.Digest == nil {
		return best
	}

	for _, s := range rp.Digest.Schedules {
		if !s.Enabled {
			continue
		}

		if profile.CadencePriority[s.Schedule] < profile.CadencePriority[best] {
			best = s.Schedule
		}
	}

	return best
}

// deliverAlerts sends the instant notification when an alert profile
// matched and the delivery mode asks for one. A failed send is audited
// and retried on the next matching message, never by replaying this one.
func (p *Processor) deliverAlerts(ctx context.Context, ev *ingest.ChatEvent, rp *profile.Resolved, stored *storage.StoredMessage, alerts []*profile.Definition) {
	if len(alerts) == 0 || p.sender == nil {
		return
	}

	mode, target := p.alertRoute(rp, alerts)
	if !mode.WantsInstant() {
		return
	}

	text := formatAlert(ev, stored, alerts)
	start := time.Now()
	err := p.sender.Send(ctx, target, text)

	audit := &storage.WebhookDelivery{
		Service:        "telegram",
		ProfileID:      alerts[0].ID,
		ChatID:         ev.ChatID,
		MsgID:          ev.MsgID,
		Status:         storage.DeliveryStatusSuccess,
		ResponseTimeMS: time.Since(start).Milliseconds(),
		Attempt:        1,
	}

	if err != nil {
		audit.Status = storage.DeliveryStatusFailed
		audit.ErrorMessage = err.Error()

		p.logger.Error().Err(err).Int64("chat_id", ev.ChatID).Int64("msg_id", ev.MsgID).Msg("alert delivery failed")
		observability.AlertsSent.WithLabelValues("failed").Inc()
	} else {
		stored.Alerted = true

		if uerr := p.store.UpsertMessage(ctx, stored); uerr != nil {
			p.logger.Warn().Err(uerr).Msg("recording alerted flag failed")
		}

		observability.AlertsSent.WithLabelValues("success").Inc()
	}

	if aerr := p.store.RecordDelivery(ctx, audit); aerr != nil {
		p.logger.Warn().Err(aerr).Msg("recording delivery audit failed")
	}
}

// alertRoute resolves the instant-delivery mode and target from the
// matched profiles' own delivery settings. A profile without a digest
// config inherits the entity's resolved route, which in turn falls back
// to the environment defaults. The first profile asking for instant
// delivery wins the route.
func (p *Processor) alertRoute(rp *profile.Resolved, alerts []*profile.Definition) (profile.DeliveryMode, string) {
	fallbackMode, fallbackTarget := p.entityRoute(rp)

	mode, target := fallbackMode, fallbackTarget

	for i, def := range alerts {
		m, t := fallbackMode, fallbackTarget

		if def.Digest != nil {
			if def.Digest.Mode != "" {
				m = def.Digest.Mode
			}

			if def.Digest.TargetChannel != "" {
				t = def.Digest.TargetChannel
			}
		}

		if i == 0 {
			mode, target = m, t
		}

		if m.WantsInstant() {
			mode, target = m, t
			break
		}
	}

	if target == "" {
		target = "me"
	}

	return mode, target
}

// entityRoute is the entity-level delivery route, falling back to the
// environment defaults.
func (p *Processor) entityRoute(rp *profile.Resolved) (profile.DeliveryMode, string) {
	mode := profile.DeliveryMode(p.opts.AlertMode)
	target := p.opts.AlertChannel

	if rp.Digest != nil {
		if rp.Digest.Mode != "" {
			mode = rp.Digest.Mode
		}

		if rp.Digest.TargetChannel != "" {
			target = rp.Digest.TargetChannel
		}
	}

	return mode, target
}

const alertExcerptLen = 500

func formatAlert(ev *ingest.ChatEvent, stored *storage.StoredMessage, alerts []*profile.Definition) string {
	names := make([]string, len(alerts))
	for i, def := range alerts {
		names[i] = def.Name
	}

	text := truncate(ev.Text, alertExcerptLen)

	var b strings.Builder

	fmt.Fprintf(&b, "*%s* — %s\n", escapeMarkdown(ev.ChatTitle), escapeMarkdown(ev.SenderName))
	fmt.Fprintf(&b, "Score %.1f (%s)\n\n", stored.KeywordScore, strings.Join(names, ", "))
	b.WriteString(escapeMarkdown(text))

	return b.String()
}

func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")
	return replacer.Replace(s)
}

// truncate shortens s to at most n bytes without splitting a UTF-8
// sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}

	return s[:n] + "…"
}

func (p *Processor) ack(ctx context.Context, id string) {
	if err := p.log.Ack(ctx, id); err != nil {
		p.logger.Warn().Err(err).Str("entry_id", id).Msg("ack failed")
	}
}

func maxScore(a, b float32) float32 {
	if a > b {
		return a
	}

	return b
}

func firstOrEmpty(ids []string) string {
	if len(ids) == 0 {
		return ""
	}

	return ids[0]
}
