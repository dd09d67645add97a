package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// StoredMessage is one scored message row, keyed by (chat_id, msg_id).
type StoredMessage struct {
	ChatID      int64
	MsgID       int64
	ContentHash string

	Score          float32
	KeywordScore   float32
	SemanticScores map[string]float32
	SemanticType   string

	Alerted      bool
	FeedAlert    bool
	FeedInterest bool

	ChatTitle   string
	SenderName  string
	SenderID    int64
	MessageText string

	Triggers           string
	TriggerAnnotations map[string][]string
	MatchedProfiles    []string

	DigestSchedule  string
	DigestProcessed bool

	CreatedAt time.Time
}

// EffectiveScore is the digest-collection score: the max of the keyword
// score and any semantic score, falling back to the combined score.
func (m *StoredMessage) EffectiveScore() float32 {
	best := m.KeywordScore

	for _, s := range m.SemanticScores {
		if s > best {
			best = s
		}
	}

	if best > 0 {
		return best
	}

	return m.Score
}

const upsertMessageSQL = `
INSERT INTO messages (
	chat_id, msg_id, content_hash, score, keyword_score, semantic_scores,
	semantic_type, alerted, feed_alert, feed_interest, chat_title,
	sender_name, sender_id, message_text, triggers, trigger_annotations,
	matched_profiles, digest_schedule, digest_processed, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
ON CONFLICT (chat_id, msg_id) DO UPDATE SET
	content_hash        = EXCLUDED.content_hash,
	score               = EXCLUDED.score,
	keyword_score       = EXCLUDED.keyword_score,
	semantic_scores     = EXCLUDED.semantic_scores,
	semantic_type       = EXCLUDED.semantic_type,
	alerted             = messages.alerted OR EXCLUDED.alerted,
	feed_alert          = messages.feed_alert OR EXCLUDED.feed_alert,
	feed_interest       = messages.feed_interest OR EXCLUDED.feed_interest,
	chat_title          = EXCLUDED.chat_title,
	sender_name         = EXCLUDED.sender_name,
	sender_id           = EXCLUDED.sender_id,
	message_text        = EXCLUDED.message_text,
	triggers            = EXCLUDED.triggers,
	trigger_annotations = EXCLUDED.trigger_annotations,
	matched_profiles    = EXCLUDED.matched_profiles,
	digest_schedule     = EXCLUDED.digest_schedule,
	digest_processed    = messages.digest_processed OR EXCLUDED.digest_processed`

// UpsertMessage writes a scored message. Re-ingestion overwrites score
// fields, OR-merges the boolean flags, and never regresses
// digest_processed.
func (db *DB) UpsertMessage(ctx context.Context, m *StoredMessage) error {
	semanticScores, err := json.Marshal(orEmptyMap(m.SemanticScores))
	if err != nil {
		return fmt.Errorf("encode semantic scores: %w", err)
	}

	annotations, err := json.Marshal(orEmptyAnnotations(m.TriggerAnnotations))
	if err != nil {
		return fmt.Errorf("encode trigger annotations: %w", err)
	}

	matched, err := json.Marshal(orEmptySlice(m.MatchedProfiles))
	if err != nil {
		return fmt.Errorf("encode matched profiles: %w", err)
	}

	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = db.Pool.Exec(ctx, upsertMessageSQL,
		m.ChatID, m.MsgID, m.ContentHash, m.Score, m.KeywordScore, semanticScores,
		m.SemanticType, m.Alerted, m.FeedAlert, m.FeedInterest, m.ChatTitle,
		m.SenderName, m.SenderID, m.MessageText, m.Triggers, annotations,
		matched, m.DigestSchedule, m.DigestProcessed, createdAt,
	)
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}

	return nil
}

const selectDigestMessagesSQL = `
SELECT chat_id, msg_id, content_hash, score, keyword_score, semantic_scores,
	semantic_type, alerted, feed_alert, feed_interest, chat_title,
	sender_name, sender_id, message_text, triggers, trigger_annotations,
	matched_profiles, digest_schedule, digest_processed, created_at
FROM messages
WHERE (feed_interest OR feed_alert)
	AND digest_schedule = $1
	AND NOT digest_processed
	AND created_at >= $2
ORDER BY score DESC, created_at DESC`

// GetDigestCandidates returns unprocessed feed messages for a schedule
// within the collection window. Score filtering, deduplication, and
// top-N ranking happen in the digest collector.
func (db *DB) GetDigestCandidates(ctx context.Context, schedule string, since time.Time) ([]StoredMessage, error) {
	rows, err := db.Pool.Query(ctx, selectDigestMessagesSQL, schedule, since)
	if err != nil {
		return nil, fmt.Errorf("query digest candidates: %w", err)
	}
	defer rows.Close()

	var out []StoredMessage

	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate digest candidates: %w", err)
	}

	return out, nil
}

// GetMessage loads a single message row.
func (db *DB) GetMessage(ctx context.Context, chatID, msgID int64) (*StoredMessage, error) {
	const q = `
SELECT chat_id, msg_id, content_hash, score, keyword_score, semantic_scores,
	semantic_type, alerted, feed_alert, feed_interest, chat_title,
	sender_name, sender_id, message_text, triggers, trigger_annotations,
	matched_profiles, digest_schedule, digest_processed, created_at
FROM messages WHERE chat_id = $1 AND msg_id = $2`

	rows, err := db.Pool.Query(ctx, q, chatID, msgID)
	if err != nil {
		return nil, fmt.Errorf("query message: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}

	m, err := scanMessage(rows)
	if err != nil {
		return nil, err
	}

	return &m, nil
}

// MarkDigestProcessed marks the given (chat_id, msg_id) pairs processed.
// Runs in one transaction, strictly after a successful digest send.
func (db *DB) MarkDigestProcessed(ctx context.Context, keys []MessageKey) error {
	if len(keys) == 0 {
		return nil
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin mark processed: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	for _, k := range keys {
		if _, err := tx.Exec(ctx,
			`UPDATE messages SET digest_processed = TRUE WHERE chat_id = $1 AND msg_id = $2`,
			k.ChatID, k.MsgID,
		); err != nil {
			return fmt.Errorf("mark processed (%d,%d): %w", k.ChatID, k.MsgID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit mark processed: %w", err)
	}

	return nil
}

// MessageKey identifies a message row.
type MessageKey struct {
	ChatID int64
	MsgID  int64
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (StoredMessage, error) {
	var (
		m              StoredMessage
		semanticScores []byte
		annotations    []byte
		matched        []byte
	)

	err := row.Scan(
		&m.ChatID, &m.MsgID, &m.ContentHash, &m.Score, &m.KeywordScore, &semanticScores,
		&m.SemanticType, &m.Alerted, &m.FeedAlert, &m.FeedInterest, &m.ChatTitle,
		&m.SenderName, &m.SenderID, &m.MessageText, &m.Triggers, &annotations,
		&matched, &m.DigestSchedule, &m.DigestProcessed, &m.CreatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan message: %w", err)
	}

	if err := json.Unmarshal(semanticScores, &m.SemanticScores); err != nil {
		m.SemanticScores = nil
	}

	if err := json.Unmarshal(annotations, &m.TriggerAnnotations); err != nil {
		m.TriggerAnnotations = nil
	}

	if err := json.Unmarshal(matched, &m.MatchedProfiles); err != nil {
		m.MatchedProfiles = nil
	}

	return m, nil
}

func orEmptyMap(m map[string]float32) map[string]float32 {
	if m == nil {
		return map[string]float32{}
	}

	return m
}

func orEmptyAnnotations(m map[string][]string) map[string][]string {
	if m == nil {
		return map[string][]string{}
	}

	return m
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}

	return s
}
