package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Typed payloads for each queue. All queue messages cross the wire as JSON;
// parsing happens once, at the consumer's ingest boundary, via the Parse*
// helpers below.

// BackfillJob is the payload on inbox_backfill_jobs.
type BackfillJob struct {
	InboxID   uuid.UUID `json:"inbox_id"`
	ConfigID  uuid.UUID `json:"config_id"`
	GrantID   string    `json:"grant_id"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
}

// ThreadSyncJob is the payload on thread_sync_jobs.
type ThreadSyncJob struct {
	ThreadID string    `json:"thread_id"` // remote thread identifier
	GrantID  string    `json:"grant_id"`
	InboxID  uuid.UUID `json:"inbox_id"`
	ConfigID uuid.UUID `json:"config_id"`
}

// WebhookNotification is the payload on webhook_notifications.
type WebhookNotification struct {
	NotificationID   uuid.UUID       `json:"notification_id"`
	WebhookID        string          `json:"webhook_id"`
	InboxID          uuid.UUID       `json:"inbox_id"`
	NotificationType string          `json:"notification_type"`
	GrantID          string          `json:"grant_id"`
	Payload          json.RawMessage `json:"payload"`
	ReceivedAt       time.Time       `json:"received_at"`
}

// ExtractionJob is the payload on extraction_jobs.
type ExtractionJob struct {
	ThreadID uuid.UUID `json:"thread_id"` // local thread row ID
	InboxID  uuid.UUID `json:"inbox_id"`
	TenantID uuid.UUID `json:"tenant_id"`
	Priority int       `json:"priority"` // 0..100
}

// ParseBackfillJob decodes an inbox_backfill_jobs payload.
func ParseBackfillJob(raw json.RawMessage) (BackfillJob, error) {
	var job BackfillJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return job, fmt.Errorf("parse backfill job: %w", err)
	}
	if job.ConfigID == uuid.Nil {
		return job, fmt.Errorf("backfill job missing config_id")
	}
	return job, nil
}

// ParseThreadSyncJob decodes a thread_sync_jobs payload.
func ParseThreadSyncJob(raw json.RawMessage) (ThreadSyncJob, error) {
	var job ThreadSyncJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return job, fmt.Errorf("parse thread sync job: %w", err)
	}
	if job.ThreadID == "" {
		return job, fmt.Errorf("thread sync job missing thread_id")
	}
	return job, nil
}

// ParseWebhookNotification decodes a webhook_notifications payload.
func ParseWebhookNotification(raw json.RawMessage) (WebhookNotification, error) {
	var n WebhookNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		return n, fmt.Errorf("parse webhook notification: %w", err)
	}
	if n.NotificationType == "" {
		return n, fmt.Errorf("webhook notification missing notification_type")
	}
	return n, nil
}

// ParseExtractionJob decodes an extraction_jobs payload.
func ParseExtractionJob(raw json.RawMessage) (ExtractionJob, error) {
	var job ExtractionJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return job, fmt.Errorf("parse extraction job: %w", err)
	}
	if job.ThreadID == uuid.Nil {
		return job, fmt.Errorf("extraction job missing thread_id")
	}
	return job, nil
}
