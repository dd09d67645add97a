package storage

import (
	"context"
	"fmt"
	"time"
)

// Profile adjustment types recorded by the auto-tuner.
const (
	AdjustmentRaiseThreshold = "raise_threshold"
	AdjustmentRaiseMinScore  = "raise_min_score"
)

// ProfileAdjustment is an audit row for one auto-tuned change.
type ProfileAdjustment struct {
	ProfileID      string
	ProfileType    string
	AdjustmentType string
	OldValue       float32
	NewValue       float32
	Reason         string
	FeedbackCount  int
	TriggerChatID  *int64
	TriggerMsgID   *int64
	CreatedAt      time.Time
}

// RecordAdjustment appends a profile adjustment audit row.
func (db *DB) RecordAdjustment(ctx context.Context, a *ProfileAdjustment) error {
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := db.Pool.Exec(ctx, `
INSERT INTO profile_adjustments (
	profile_id, profile_type, adjustment_type, old_value, new_value,
	reason, feedback_count, trigger_chat_id, trigger_msg_id, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		a.ProfileID, a.ProfileType, a.AdjustmentType, a.OldValue, a.NewValue,
		a.Reason, a.FeedbackCount, a.TriggerChatID, a.TriggerMsgID, createdAt,
	)
	if err != nil {
		return fmt.Errorf("record adjustment: %w", err)
	}

	return nil
}
