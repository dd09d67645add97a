package storage

import (
	"context"
	"fmt"
	"time"
)

// RetentionPolicy configures the message sweeper. Alerted rows live
// AlertMultiplier times longer than the base horizon.
type RetentionPolicy struct {
	RetentionDays   int
	AlertMultiplier int
	MaxMessages     int
}

// SweepResult summarizes one retention pass.
type SweepResult struct {
	ExpiredDeleted int64
	CapEvicted     int64
}

// Sweep deletes rows past the retention horizon and enforces the row
// cap, evicting oldest non-alerted rows first.
func (db *DB) Sweep(ctx context.Context, policy RetentionPolicy, now time.Time) (SweepResult, error) {
	var res SweepResult

	if policy.RetentionDays > 0 {
		deleted, err := db.sweepExpired(ctx, policy, now)
		if err != nil {
			return res, err
		}

		res.ExpiredDeleted = deleted
	}

	if policy.MaxMessages > 0 {
		evicted, err := db.enforceCap(ctx, policy.MaxMessages)
		if err != nil {
			return res, err
		}

		res.CapEvicted = evicted
	}

	return res, nil
}

func (db *DB) sweepExpired(ctx context.Context, policy RetentionPolicy, now time.Time) (int64, error) {
	mult := policy.AlertMultiplier
	if mult < 1 {
		mult = 1
	}

	baseCutoff := now.AddDate(0, 0, -policy.RetentionDays)
	alertCutoff := now.AddDate(0, 0, -policy.RetentionDays*mult)

	tag, err := db.Pool.Exec(ctx, `
DELETE FROM messages
WHERE (NOT alerted AND created_at < $1)
	OR (alerted AND created_at < $2)`,
		baseCutoff, alertCutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("sweep expired messages: %w", err)
	}

	return tag.RowsAffected(), nil
}

// enforceCap evicts oldest non-alerted rows beyond the cap. Alerted
// rows are evicted only when non-alerted rows alone cannot satisfy it.
func (db *DB) enforceCap(ctx context.Context, maxMessages int) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
DELETE FROM messages
WHERE (chat_id, msg_id) IN (
	SELECT chat_id, msg_id FROM messages
	ORDER BY alerted ASC, created_at ASC
	LIMIT GREATEST((SELECT COUNT(*) FROM messages) - $1, 0)
)`,
		maxMessages,
	)
	if err != nil {
		return 0, fmt.Errorf("enforce message cap: %w", err)
	}

	return tag.RowsAffected(), nil
}

// Vacuum reclaims space. Must run outside any transaction; pgx Exec on
// a pool connection satisfies that.
func (db *DB) Vacuum(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, "VACUUM (ANALYZE) messages"); err != nil {
		return fmt.Errorf("vacuum messages: %w", err)
	}

	return nil
}
