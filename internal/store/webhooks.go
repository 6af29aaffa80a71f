package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertWebhookEvent records an incoming notification for auditing. The
// notification ID doubles as the row ID so replays update in place instead
// of duplicating.
func (s *Store) InsertWebhookEvent(ctx context.Context, id uuid.UUID, webhookID string, inboxID uuid.UUID, notificationType, grantID string, payload json.RawMessage, receivedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (id, webhook_id, inbox_id, notification_type, grant_id, payload, status, received_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, 'received', $7)
		ON CONFLICT (id) DO NOTHING
	`, id, webhookID, nullUUID(inboxID), notificationType, grantID, string(payload), receivedAt)
	if err != nil {
		return fmt.Errorf("insert webhook event %s: %w", id, err)
	}
	return nil
}

// MarkWebhookEventProcessed closes the audit row for a handled notification.
func (s *Store) MarkWebhookEventProcessed(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = 'processed', processed_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark webhook event %s processed: %w", id, err)
	}
	return nil
}

// MarkWebhookEventError records a terminal failure on the audit row.
func (s *Store) MarkWebhookEventError(ctx context.Context, id uuid.UUID, errMsg string) error {
	if len(errMsg) > 500 {
		errMsg = errMsg[:500]
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = 'error', error = $2, processed_at = NOW()
		WHERE id = $1
	`, id, errMsg)
	if err != nil {
		return fmt.Errorf("mark webhook event %s error: %w", id, err)
	}
	return nil
}
