// Package ingest defines the normalized chat event and the defensive
// pre-parser applied at the ingestion boundary. Everything downstream
// works with the typed ChatEvent; untyped platform payloads are
// converted exactly once, here.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/araddon/dateparse"
)

// ErrEmptyPayload is returned for zero-length stream payloads.
var ErrEmptyPayload = errors.New("empty event payload")

// ChatEvent is the normalized stream payload for one chat message.
// Lifetime ends when the consumer acks the stream entry.
type ChatEvent struct {
	ChatID     int64  `json:"chat_id"`
	ChatTitle  string `json:"chat_title"`
	MsgID      int64  `json:"msg_id"`
	SenderID   int64  `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Text       string `json:"text"`

	Mentioned      bool  `json:"mentioned"`
	ReactionsCount int32 `json:"reactions_count"`
	RepliesCount   int32 `json:"replies_count"`

	Timestamp time.Time `json:"timestamp"`

	IsReply      bool  `json:"is_reply"`
	ReplyToMsgID int64 `json:"reply_to_msg_id"`

	HasMedia  bool   `json:"has_media"`
	MediaType string `json:"media_type"`
	IsPinned  bool   `json:"is_pinned"`

	HasForward  bool   `json:"has_forward"`
	ForwardFrom string `json:"forward_from"`

	SenderIsAdmin bool `json:"sender_is_admin"`
}

// rawEvent mirrors ChatEvent with a string timestamp so that payloads
// from loosely typed producers still parse.
type rawEvent struct {
	ChatEvent

	Timestamp string `json:"timestamp"`
}

// ParseEvent decodes a stream payload into a ChatEvent. Timestamps are
// parsed tolerantly; an unparseable or absent timestamp falls back to
// the current time so a sloppy producer cannot poison the consumer.
func ParseEvent(payload []byte) (*ChatEvent, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}

	var raw rawEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("decoding chat event: %w", err)
	}

	ev := raw.ChatEvent
	ev.Timestamp = parseTimestamp(raw.Timestamp)

	if ev.ChatID == 0 || ev.MsgID == 0 {
		return nil, fmt.Errorf("chat event missing identity: chat_id=%d msg_id=%d", ev.ChatID, ev.MsgID)
	}

	return &ev, nil
}

func parseTimestamp(value string) time.Time {
	if value == "" {
		return time.Now().UTC()
	}

	ts, err := dateparse.ParseAny(value)
	if err != nil {
		return time.Now().UTC()
	}

	return ts.UTC()
}

// Encode serializes the event for the stream producer.
func (e *ChatEvent) Encode() ([]byte, error) {
	raw := rawEvent{ChatEvent: *e, Timestamp: e.Timestamp.UTC().Format(time.RFC3339)}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encoding chat event: %w", err)
	}

	return data, nil
}

// IsPrivate reports whether the event came from a direct conversation.
// Telegram private chats carry positive IDs; groups and channels are
// negative.
func (e *ChatEvent) IsPrivate() bool {
	return e.ChatID > 0
}
