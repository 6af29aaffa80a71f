package api

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/inbox-sync/internal/queue"
)

// maxWebhookBody bounds notification payload reads. Provider notifications
// are small; anything above this is not one.
const maxWebhookBody = 1 << 20

// webhookEnvelope is the subset of the provider's notification body the
// receiver needs for routing. The full payload is forwarded untouched.
type webhookEnvelope struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	WebhookID string `json:"webhook_id"`
	Data      struct {
		GrantID string `json:"grant_id"`
		Object  struct {
			GrantID string `json:"grant_id"`
		} `json:"object"`
	} `json:"data"`
}

// handleWebhookChallenge answers the provider's endpoint verification
// handshake: echo the challenge query parameter as plain text.
func (s *Server) handleWebhookChallenge(w http.ResponseWriter, r *http.Request) {
	challenge := r.URL.Query().Get("challenge")
	if challenge == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(challenge))
}

// handleWebhook ingests a provider notification: record it for audit,
// enqueue it for the consumer, acknowledge. Returning non-2xx makes the
// provider retry, so failures to enqueue are the only hard errors.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Type == "" {
		http.Error(w, "bad notification", http.StatusBadRequest)
		return
	}

	grantID := env.Data.GrantID
	if grantID == "" {
		grantID = env.Data.Object.GrantID
	}

	n := queue.WebhookNotification{
		NotificationID:   uuid.New(),
		WebhookID:        env.WebhookID,
		NotificationType: env.Type,
		GrantID:          grantID,
		Payload:          json.RawMessage(body),
		ReceivedAt:       time.Now().UTC(),
	}

	ctx := r.Context()
	if err := s.store.InsertWebhookEvent(ctx, n.NotificationID, n.WebhookID, n.InboxID,
		n.NotificationType, n.GrantID, n.Payload, n.ReceivedAt); err != nil {
		// Audit row is best-effort; the queue message is what matters.
		log.Printf("[Webhook] Audit insert error: %v", err)
	}

	if _, err := s.queue.Send(ctx, queue.WebhookNotifications, n); err != nil {
		log.Printf("[Webhook] Enqueue error for %s (%s): %v", env.ID, env.Type, err)
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"queued"}`))
}
