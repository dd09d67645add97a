// Package stream provides the durable ingestion log: a Redis Stream
// with consumer-group semantics. Producers append normalized chat
// events; consumers in a group each receive a disjoint share and ack
// explicitly. Unacked entries become claimable after an idle timeout,
// giving at-least-once delivery.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tgsentinel/tg-sentinel/internal/ingest"
)

const payloadField = "payload"

// Config configures the stream producer and consumer.
type Config struct {
	Stream   string
	Group    string
	Consumer string

	// MaxLen caps the stream length (approximate, producer-side).
	MaxLen int64

	// Block bounds how long a read waits for new entries.
	Block time.Duration

	// Batch is the max entries returned per read.
	Batch int64

	// ClaimMinIdle is how long an entry may sit unacked on a dead
	// consumer before another consumer claims it.
	ClaimMinIdle time.Duration
}

// Message is one delivered stream entry.
type Message struct {
	ID    string
	Event *ingest.ChatEvent

	// ParseErr is set when the payload was malformed; the consumer
	// should ack such entries so they do not poison the group.
	ParseErr error
}

// Stream wraps the Redis stream operations.
type Stream struct {
	rdb    *redis.Client
	cfg    Config
	logger *zerolog.Logger
}

// New creates a stream around an existing Redis client.
func New(rdb *redis.Client, cfg Config, logger *zerolog.Logger) *Stream {
	return &Stream{rdb: rdb, cfg: cfg, logger: logger}
}

// Publish appends an event to the stream, trimming approximately to the
// configured cap.
func (s *Stream) Publish(ctx context.Context, ev *ingest.ChatEvent) (string, error) {
	payload, err := ev.Encode()
	if err != nil {
		return "", err
	}

	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.cfg.Stream,
		MaxLen: s.cfg.MaxLen,
		Approx: true,
		Values: map[string]interface{}{payloadField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}

	return id, nil
}

// EnsureGroup creates the consumer group if it does not exist.
func (s *Stream) EnsureGroup(ctx context.Context) error {
	err := s.rdb.XGroupCreateMkStream(ctx, s.cfg.Stream, s.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}

	return nil
}

// Fetch blocks up to the configured timeout and returns newly delivered
// entries for this consumer. A nil slice means the wait timed out.
func (s *Stream) Fetch(ctx context.Context) ([]Message, error) {
	streams, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.cfg.Group,
		Consumer: s.cfg.Consumer,
		Streams:  []string{s.cfg.Stream, ">"},
		Count:    s.cfg.Batch,
		Block:    s.cfg.Block,
	}).Result()

	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	return s.decode(streams), nil
}

// Claim transfers entries idle past ClaimMinIdle from dead consumers to
// this one. Called periodically by the worker.
func (s *Stream) Claim(ctx context.Context) ([]Message, error) {
	entries, _, err := s.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.cfg.Stream,
		Group:    s.cfg.Group,
		Consumer: s.cfg.Consumer,
		MinIdle:  s.cfg.ClaimMinIdle,
		Start:    "0-0",
		Count:    s.cfg.Batch,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xautoclaim: %w", err)
	}

	return s.decodeEntries(entries), nil
}

// Ack acknowledges one entry. Must happen strictly after the message
// row is committed.
func (s *Stream) Ack(ctx context.Context, id string) error {
	if err := s.rdb.XAck(ctx, s.cfg.Stream, s.cfg.Group, id).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", id, err)
	}

	return nil
}

func (s *Stream) decode(streams []redis.XStream) []Message {
	var out []Message

	for _, st := range streams {
		out = append(out, s.decodeEntries(st.Messages)...)
	}

	return out
}

func (s *Stream) decodeEntries(entries []redis.XMessage) []Message {
	out := make([]Message, 0, len(entries))

	for _, entry := range entries {
		msg := Message{ID: entry.ID}

		raw, ok := entry.Values[payloadField].(string)
		if !ok {
			msg.ParseErr = fmt.Errorf("entry %s: missing payload field", entry.ID)
			out = append(out, msg)

			continue
		}

		ev, err := ingest.ParseEvent([]byte(raw))
		if err != nil {
			msg.ParseErr = err
		} else {
			msg.Event = ev
		}

		out = append(out, msg)
	}

	return out
}
