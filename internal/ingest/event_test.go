package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventRoundTrip(t *testing.T) {
	ev := &ChatEvent{
		ChatID:     -1001234,
		ChatTitle:  "ops",
		MsgID:      42,
		SenderID:   777,
		SenderName: "alice",
		Text:       "prod is down",
		Mentioned:  true,
		Timestamp:  time.Date(2026, 8, 17, 10, 0, 0, 0, time.UTC),
		HasMedia:   true,
		MediaType:  "document",
	}

	data, err := ev.Encode()
	require.NoError(t, err)

	got, err := ParseEvent(data)
	require.NoError(t, err)
	assert.Equal(t, ev.ChatID, got.ChatID)
	assert.Equal(t, ev.MsgID, got.MsgID)
	assert.Equal(t, ev.Text, got.Text)
	assert.True(t, got.Mentioned)
	assert.Equal(t, ev.Timestamp, got.Timestamp)
}

func TestParseEventEmptyPayload(t *testing.T) {
	_, err := ParseEvent(nil)
	assert.ErrorIs(t, err, ErrEmptyPayload)
}

func TestParseEventMalformed(t *testing.T) {
	_, err := ParseEvent([]byte("{not json"))
	assert.Error(t, err)
}

func TestParseEventMissingIdentity(t *testing.T) {
	_, err := ParseEvent([]byte(`{"chat_id": 0, "msg_id": 5, "text": "x"}`))
	assert.Error(t, err)

	_, err = ParseEvent([]byte(`{"chat_id": -1, "msg_id": 0, "text": "x"}`))
	assert.Error(t, err)
}

func TestParseEventTolerantTimestamps(t *testing.T) {
	got, err := ParseEvent([]byte(`{"chat_id": -1, "msg_id": 1, "timestamp": "2026-08-17 10:30:00"}`))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 17, 10, 30, 0, 0, time.UTC), got.Timestamp)

	// Garbage and absent timestamps fall back to now instead of failing.
	before := time.Now().UTC()

	got, err = ParseEvent([]byte(`{"chat_id": -1, "msg_id": 2, "timestamp": "not a date"}`))
	require.NoError(t, err)
	assert.False(t, got.Timestamp.Before(before))

	got, err = ParseEvent([]byte(`{"chat_id": -1, "msg_id": 3}`))
	require.NoError(t, err)
	assert.False(t, got.Timestamp.Before(before))
}

func TestIsPrivate(t *testing.T) {
	assert.True(t, (&ChatEvent{ChatID: 777}).IsPrivate())
	assert.False(t, (&ChatEvent{ChatID: -1001234}).IsPrivate())
}
