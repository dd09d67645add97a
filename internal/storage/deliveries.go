package storage

import (
	"context"
	"fmt"
	"time"
)

// Delivery statuses.
const (
	DeliveryStatusSuccess = "success"
	DeliveryStatusFailed  = "failed"
)

// WebhookDelivery is an append-only audit row for one outbound send
// attempt.
type WebhookDelivery struct {
	Service        string
	ProfileID      string
	ChatID         int64
	MsgID          int64
	Status         string
	HTTPStatus     int
	ResponseTimeMS int64
	ErrorMessage   string
	Payload        string
	Attempt        int
	CreatedAt      time.Time
}

// RecordDelivery appends a delivery audit row.
func (db *DB) RecordDelivery(ctx context.Context, d *WebhookDelivery) error {
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := db.Pool.Exec(ctx, `
INSERT INTO webhook_deliveries (
	service, profile_id, chat_id, msg_id, status, http_status,
	response_time_ms, error_message, payload, attempt, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		d.Service, d.ProfileID, d.ChatID, d.MsgID, d.Status, d.HTTPStatus,
		d.ResponseTimeMS, d.ErrorMessage, d.Payload, d.Attempt, createdAt,
	)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}

	return nil
}
