package stream

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgsentinel/tg-sentinel/internal/ingest"
)

func testStream() *Stream {
	logger := zerolog.Nop()
	return New(nil, Config{Stream: "tgsentinel:messages", Group: "scorers"}, &logger)
}

func entry(id string, values map[string]interface{}) redis.XMessage {
	return redis.XMessage{ID: id, Values: values}
}

func TestDecodeEntries(t *testing.T) {
	ev := &ingest.ChatEvent{ChatID: -1, MsgID: 7, Text: "hello", Timestamp: time.Now().UTC()}
	payload, err := ev.Encode()
	require.NoError(t, err)

	msgs := testStream().decodeEntries([]redis.XMessage{
		entry("1-0", map[string]interface{}{payloadField: string(payload)}),
	})

	require.Len(t, msgs, 1)
	require.NoError(t, msgs[0].ParseErr)
	assert.Equal(t, "1-0", msgs[0].ID)
	assert.EqualValues(t, 7, msgs[0].Event.MsgID)
}

func TestDecodeEntriesMissingPayloadField(t *testing.T) {
	msgs := testStream().decodeEntries([]redis.XMessage{
		entry("1-0", map[string]interface{}{"other": "x"}),
	})

	require.Len(t, msgs, 1)
	assert.Error(t, msgs[0].ParseErr)
	assert.Nil(t, msgs[0].Event)
}

func TestDecodeEntriesMalformedPayload(t *testing.T) {
	msgs := testStream().decodeEntries([]redis.XMessage{
		entry("1-0", map[string]interface{}{payloadField: "{broken"}),
		entry("2-0", map[string]interface{}{payloadField: ""}),
	})

	require.Len(t, msgs, 2)
	assert.Error(t, msgs[0].ParseErr, "invalid json surfaces as a parse error, not a dropped entry")
	assert.ErrorIs(t, msgs[1].ParseErr, ingest.ErrEmptyPayload)
}
