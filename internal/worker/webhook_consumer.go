package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/ignite/inbox-sync/internal/config"
	"github.com/ignite/inbox-sync/internal/provider"
	"github.com/ignite/inbox-sync/internal/queue"
	"github.com/ignite/inbox-sync/internal/store"
)

// =============================================================================
// WEBHOOK CONSUMER - Applies Provider Notifications To Local State
// =============================================================================
// Drains webhook_notifications. The HTTP receiver only enqueues; all
// side effects happen here so a crash mid-handling is retried by the queue.
// In testing mode messages are never deleted, so a run can be replayed by
// waiting out the visibility timeout.

// WebhookConsumer drains the webhook notification queue.
type WebhookConsumer struct {
	store    *store.Store
	queue    *queue.Client
	provider provider.Client
	cfg      config.WebhookConfig
}

// NewWebhookConsumer creates the consumer.
func NewWebhookConsumer(st *store.Store, qc *queue.Client, pc provider.Client, cfg config.WebhookConfig) *WebhookConsumer {
	return &WebhookConsumer{store: st, queue: qc, provider: pc, cfg: cfg}
}

// Start runs the consumer loop until ctx is cancelled.
func (c *WebhookConsumer) Start(ctx context.Context) {
	mode := "normal"
	if c.cfg.TestingMode {
		mode = "testing (no deletes)"
	}
	log.Printf("[WebhookConsumer] Starting (batch=%d, vt=%s, mode=%s)",
		c.cfg.BatchSize, c.cfg.VisibilityTimeout(), mode)

	for {
		select {
		case <-ctx.Done():
			log.Println("[WebhookConsumer] Stopping")
			return
		default:
		}

		msgs, err := c.queue.Read(ctx, queue.WebhookNotifications, c.cfg.VisibilityTimeout(), c.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Printf("[WebhookConsumer] Queue read error: %v", err)
			sleepCtx(ctx, c.cfg.PollInterval())
			continue
		}
		if len(msgs) == 0 {
			sleepCtx(ctx, c.cfg.PollInterval())
			continue
		}

		for _, msg := range msgs {
			if ctx.Err() != nil {
				break
			}
			c.handleMessage(ctx, msg)
		}
	}
}

func (c *WebhookConsumer) handleMessage(ctx context.Context, msg queue.Message) {
	n, err := queue.ParseWebhookNotification(msg.Payload)
	if err != nil {
		log.Printf("[WebhookConsumer] Dropping malformed notification (msg_id=%d): %v", msg.MsgID, err)
		c.archive(ctx, msg.MsgID)
		return
	}

	if msg.ReadCt > c.cfg.MaxRetries {
		log.Printf("[WebhookConsumer] Notification %s exceeded %d retries, archiving",
			n.NotificationID, c.cfg.MaxRetries)
		if err := c.store.MarkWebhookEventError(ctx, n.NotificationID,
			fmt.Sprintf("retries exhausted after %d deliveries", msg.ReadCt)); err != nil {
			log.Printf("[WebhookConsumer] Audit error: %v", err)
		}
		c.archive(ctx, msg.MsgID)
		return
	}

	if err := c.process(ctx, n); err != nil {
		if ctx.Err() != nil {
			return
		}
		var perm *permanentPayloadError
		if errors.As(err, &perm) {
			// Redelivery cannot fix the payload; record the defect on the
			// audit row and acknowledge.
			log.Printf("[WebhookConsumer] Notification %s (%s) unusable: %s",
				n.NotificationID, n.NotificationType, perm.reason)
			if aerr := c.store.MarkWebhookEventError(ctx, n.NotificationID, perm.reason); aerr != nil {
				log.Printf("[WebhookConsumer] Audit error for %s: %v", n.NotificationID, aerr)
			}
			c.delete(ctx, msg.MsgID)
			return
		}
		log.Printf("[WebhookConsumer] Notification %s (%s) failed (attempt %d/%d): %v",
			n.NotificationID, n.NotificationType, msg.ReadCt, c.cfg.MaxRetries, err)
		// Leave the message for redelivery.
		return
	}

	if err := c.store.MarkWebhookEventProcessed(ctx, n.NotificationID); err != nil {
		log.Printf("[WebhookConsumer] Audit error for %s: %v", n.NotificationID, err)
	}
	c.delete(ctx, msg.MsgID)
}

// permanentPayloadError marks a notification that can never be applied no
// matter how often it is redelivered. The consumer records it on the audit
// row and acknowledges the message instead of retrying.
type permanentPayloadError struct{ reason string }

func (e *permanentPayloadError) Error() string { return e.reason }

func (c *WebhookConsumer) process(ctx context.Context, n queue.WebhookNotification) error {
	switch n.NotificationType {
	case "message.created", "message.updated":
		return c.handleMessageEvent(ctx, n)
	case "thread.replied":
		return c.handleThreadReplied(ctx, n)
	case "grant.expired":
		return c.handleGrantExpired(ctx, n)
	default:
		// Unknown types are acknowledged, not retried.
		log.Printf("[WebhookConsumer] Ignoring notification type %q (%s)", n.NotificationType, n.NotificationID)
		return nil
	}
}

// handleMessageEvent fetches the referenced message and persists it, creating
// the local thread on demand.
func (c *WebhookConsumer) handleMessageEvent(ctx context.Context, n queue.WebhookNotification) error {
	messageID := extractObjectID(n.Payload)
	if messageID == "" {
		return &permanentPayloadError{reason: "no message id in payload"}
	}

	grantID, err := c.resolveGrant(ctx, n)
	if err != nil {
		return err
	}
	if grantID == "" {
		return fmt.Errorf("no grant for notification %s", n.NotificationID)
	}

	m, err := c.provider.FindMessage(ctx, grantID, messageID)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			log.Printf("[WebhookConsumer] Message %s gone from provider, skipping", messageID)
			return nil
		}
		return fmt.Errorf("find message %s: %w", messageID, err)
	}

	localThreadID, err := c.ensureThread(ctx, grantID, m.ThreadID, n.InboxID)
	if err != nil {
		return err
	}

	inserted, err := c.store.InsertMessage(ctx, m, localThreadID)
	if err != nil {
		return err
	}
	if inserted {
		log.Printf("[WebhookConsumer] Persisted message %s on thread %s", m.ID, m.ThreadID)
	}
	return nil
}

// handleThreadReplied refreshes the thread's metadata and pulls any messages
// not yet persisted.
func (c *WebhookConsumer) handleThreadReplied(ctx context.Context, n queue.WebhookNotification) error {
	threadID := extractThreadID(n.Payload)
	if threadID == "" {
		threadID = extractObjectID(n.Payload)
	}
	if threadID == "" {
		return &permanentPayloadError{reason: "no thread id in payload"}
	}

	grantID, err := c.resolveGrant(ctx, n)
	if err != nil {
		return err
	}
	if grantID == "" {
		return fmt.Errorf("no grant for notification %s", n.NotificationID)
	}

	localID, err := c.ensureThread(ctx, grantID, threadID, n.InboxID)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			log.Printf("[WebhookConsumer] Thread %s gone from provider, skipping", threadID)
			return nil
		}
		return err
	}

	messages, err := c.provider.ListMessages(ctx, grantID, provider.ListMessagesParams{ThreadID: threadID})
	if err != nil {
		return fmt.Errorf("list messages for thread %s: %w", threadID, err)
	}
	added := 0
	for _, m := range messages {
		msg := m
		inserted, err := c.store.InsertMessage(ctx, &msg, localID)
		if err != nil {
			return err
		}
		if inserted {
			added++
		}
	}
	if added > 0 {
		log.Printf("[WebhookConsumer] Thread %s: %d new messages from reply notification", threadID, added)
	}
	return nil
}

// handleGrantExpired flags affected inboxes so syncs stop using the dead
// credential.
func (c *WebhookConsumer) handleGrantExpired(ctx context.Context, n queue.WebhookNotification) error {
	grantID := n.GrantID
	if grantID == "" {
		grantID = extractObjectID(n.Payload)
	}
	if grantID == "" {
		return &permanentPayloadError{reason: "grant.expired without grant id"}
	}
	updated, err := c.store.MarkGrantExpired(ctx, grantID)
	if err != nil {
		return err
	}
	if updated > 0 {
		log.Printf("[WebhookConsumer] Marked grant %s expired on %d inboxes", grantID, updated)
	}
	return nil
}

// ensureThread resolves the local thread row, fetching and upserting from the
// provider when it does not exist yet.
func (c *WebhookConsumer) ensureThread(ctx context.Context, grantID, remoteThreadID string, inboxID uuid.UUID) (uuid.UUID, error) {
	localID, found, err := c.store.LocalThreadID(ctx, remoteThreadID)
	if err != nil {
		return uuid.Nil, err
	}
	if found {
		return localID, nil
	}

	thread, err := c.provider.FindThread(ctx, grantID, remoteThreadID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("find thread %s: %w", remoteThreadID, err)
	}
	return c.store.UpsertThread(ctx, thread, inboxID)
}

func (c *WebhookConsumer) resolveGrant(ctx context.Context, n queue.WebhookNotification) (string, error) {
	if n.GrantID != "" {
		return n.GrantID, nil
	}
	if n.InboxID != uuid.Nil {
		return c.store.GrantForInbox(ctx, n.InboxID)
	}
	return "", nil
}

func (c *WebhookConsumer) delete(ctx context.Context, msgID int64) {
	if c.cfg.TestingMode {
		log.Printf("[WebhookConsumer] Testing mode: leaving msg %d on queue", msgID)
		return
	}
	if err := c.queue.Delete(ctx, queue.WebhookNotifications, msgID); err != nil {
		log.Printf("[WebhookConsumer] Delete error for msg %d: %v", msgID, err)
	}
}

func (c *WebhookConsumer) archive(ctx context.Context, msgID int64) {
	if c.cfg.TestingMode {
		log.Printf("[WebhookConsumer] Testing mode: leaving msg %d on queue", msgID)
		return
	}
	if err := c.queue.Archive(ctx, queue.WebhookNotifications, msgID); err != nil {
		log.Printf("[WebhookConsumer] Archive error for msg %d: %v", msgID, err)
	}
}

// extractObjectID digs the object ID out of a provider notification payload.
// Providers have shipped several envelope shapes; try them newest first.
func extractObjectID(payload json.RawMessage) string {
	var envelope struct {
		Data struct {
			Object struct {
				ID string `json:"id"`
			} `json:"object"`
			ID string `json:"id"`
		} `json:"data"`
		Object struct {
			ID string `json:"id"`
		} `json:"object"`
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return ""
	}
	switch {
	case envelope.Data.Object.ID != "":
		return envelope.Data.Object.ID
	case envelope.Data.ID != "":
		return envelope.Data.ID
	case envelope.Object.ID != "":
		return envelope.Object.ID
	default:
		return envelope.ID
	}
}

// extractThreadID digs a thread ID out of a notification payload.
func extractThreadID(payload json.RawMessage) string {
	var envelope struct {
		Data struct {
			Object struct {
				ThreadID string `json:"thread_id"`
			} `json:"object"`
			ThreadID string `json:"thread_id"`
		} `json:"data"`
		ThreadID string `json:"thread_id"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return ""
	}
	switch {
	case envelope.Data.Object.ThreadID != "":
		return envelope.Data.Object.ThreadID
	case envelope.Data.ThreadID != "":
		return envelope.Data.ThreadID
	default:
		return envelope.ThreadID
	}
}
