package storage

import (
	"context"
	"fmt"
	"time"
)

// Feedback labels.
const (
	LabelNegative = 0
	LabelPositive = 1
)

// Feedback is one operator verdict on a scored message.
type Feedback struct {
	ChatID       int64
	MsgID        int64
	Label        int
	SemanticType string
	ProfileIDs   []string
	CreatedAt    time.Time
}

// SaveFeedback upserts the feedback row and fans out the profile
// associations in one transaction. Feedback is 1-to-1 with the message;
// a repeated submission overwrites the label.
func (db *DB) SaveFeedback(ctx context.Context, fb *Feedback) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin feedback: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	createdAt := fb.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = tx.Exec(ctx, `
INSERT INTO feedback (chat_id, msg_id, label, semantic_type, created_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (chat_id, msg_id) DO UPDATE SET
	label = EXCLUDED.label,
	semantic_type = EXCLUDED.semantic_type,
	created_at = EXCLUDED.created_at`,
		fb.ChatID, fb.MsgID, fb.Label, fb.SemanticType, createdAt,
	)
	if err != nil {
		return fmt.Errorf("upsert feedback: %w", err)
	}

	for _, profileID := range fb.ProfileIDs {
		if _, err := tx.Exec(ctx, `
INSERT INTO feedback_profiles (chat_id, msg_id, profile_id)
VALUES ($1,$2,$3)
ON CONFLICT DO NOTHING`,
			fb.ChatID, fb.MsgID, profileID,
		); err != nil {
			return fmt.Errorf("fan out feedback profile %s: %w", profileID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit feedback: %w", err)
	}

	return nil
}

// GetPositiveFeedbackTexts returns recent message texts the operator
// labeled positive for a profile. Used to augment the semantic centroid.
func (db *DB) GetPositiveFeedbackTexts(ctx context.Context, profileID string, limit int) ([]string, error) {
	rows, err := db.Pool.Query(ctx, `
SELECT m.message_text
FROM feedback f
JOIN feedback_profiles fp ON fp.chat_id = f.chat_id AND fp.msg_id = f.msg_id
JOIN messages m ON m.chat_id = f.chat_id AND m.msg_id = f.msg_id
WHERE fp.profile_id = $1 AND f.label = $2 AND m.message_text <> ''
ORDER BY f.created_at DESC
LIMIT $3`,
		profileID, LabelPositive, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query positive feedback texts: %w", err)
	}
	defer rows.Close()

	var texts []string

	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, fmt.Errorf("scan feedback text: %w", err)
		}

		texts = append(texts, text)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feedback texts: %w", err)
	}

	return texts, nil
}

// CountNegativeFeedback counts negative labels for a profile within the
// window. Drives the auto-tuner.
func (db *DB) CountNegativeFeedback(ctx context.Context, profileID string, since time.Time) (int, error) {
	var count int

	err := db.Pool.QueryRow(ctx, `
SELECT COUNT(*)
FROM feedback f
JOIN feedback_profiles fp ON fp.chat_id = f.chat_id AND fp.msg_id = f.msg_id
WHERE fp.profile_id = $1 AND f.label = $2 AND f.created_at >= $3`,
		profileID, LabelNegative, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count negative feedback: %w", err)
	}

	return count, nil
}
