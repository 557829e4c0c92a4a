// internal/store/webhooks.go
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WebhookStore is the webhook delivery audit trail. One row per accepted
// delivery, written after the event is parsed regardless of handling
// outcome.
type WebhookStore struct {
	db *sql.DB
}

func (s *WebhookStore) RecordDelivery(ctx context.Context, provider, eventID, eventType string, processed bool, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (id, provider, event_id, event_type, processed, error_message, received_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)`,
		uuid.New().String(), provider, eventID, eventType, processed, errMsg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record webhook delivery: %w", err)
	}
	return nil
}
