package worker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/ignite/inbox-sync/internal/config"
	"github.com/ignite/inbox-sync/internal/provider"
	"github.com/ignite/inbox-sync/internal/queue"
	"github.com/ignite/inbox-sync/internal/store"
)

func TestExtractObjectID(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    string
	}{
		{"nested data.object.id", `{"data":{"object":{"id":"m-1"},"id":"d-1"},"id":"top"}`, "m-1"},
		{"data.id fallback", `{"data":{"id":"d-2"},"id":"top"}`, "d-2"},
		{"object.id fallback", `{"object":{"id":"o-3"},"id":"top"}`, "o-3"},
		{"top-level id", `{"id":"top-4"}`, "top-4"},
		{"empty payload", `{}`, ""},
		{"invalid json", `not json`, ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := extractObjectID(json.RawMessage(c.payload)); got != c.want {
				t.Errorf("extractObjectID = %q, want %q", got, c.want)
			}
		})
	}
}

func TestExtractThreadID(t *testing.T) {
	cases := []struct {
		payload string
		want    string
	}{
		{`{"data":{"object":{"thread_id":"t-1"}}}`, "t-1"},
		{`{"data":{"thread_id":"t-2"}}`, "t-2"},
		{`{"thread_id":"t-3"}`, "t-3"},
		{`{}`, ""},
	}
	for _, c := range cases {
		if got := extractThreadID(json.RawMessage(c.payload)); got != c.want {
			t.Errorf("extractThreadID(%s) = %q, want %q", c.payload, got, c.want)
		}
	}
}

func TestProcessUnknownTypeIsAcknowledged(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	c := NewWebhookConsumer(store.New(db), queue.NewClient(db), &fakeProvider{}, config.WebhookConfig{})
	n := queue.WebhookNotification{
		NotificationID:   uuid.New(),
		NotificationType: "calendar.updated",
		Payload:          json.RawMessage(`{}`),
	}
	if err := c.process(context.Background(), n); err != nil {
		t.Errorf("unknown type should not error: %v", err)
	}
}

func TestProcessGrantExpired(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`auth_status`).
		WithArgs("g-expired").
		WillReturnResult(sqlmock.NewResult(0, 2))

	c := NewWebhookConsumer(store.New(db), queue.NewClient(db), &fakeProvider{}, config.WebhookConfig{})
	n := queue.WebhookNotification{
		NotificationID:   uuid.New(),
		NotificationType: "grant.expired",
		GrantID:          "g-expired",
		Payload:          json.RawMessage(`{}`),
	}
	if err := c.process(context.Background(), n); err != nil {
		t.Fatalf("grant.expired: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMessageCreatedPersistsMessage(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	localThreadID := uuid.New()
	fp := &fakeProvider{
		threads: map[string]*provider.Thread{
			"t-1": {ID: "t-1", Subject: "hello"},
		},
		messages: map[string][]provider.Message{
			"t-1": {{ID: "m-1", ThreadID: "t-1", Subject: "hello"}},
		},
	}

	// Thread already known locally, message gets inserted.
	mock.ExpectQuery(`SELECT id FROM email_threads`).
		WithArgs("t-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(localThreadID))
	mock.ExpectExec(`INSERT INTO email_messages`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	c := NewWebhookConsumer(store.New(db), queue.NewClient(db), fp, config.WebhookConfig{})
	n := queue.WebhookNotification{
		NotificationID:   uuid.New(),
		NotificationType: "message.created",
		GrantID:          "g-1",
		Payload:          json.RawMessage(`{"data":{"object":{"id":"m-1"}}}`),
	}
	if err := c.process(context.Background(), n); err != nil {
		t.Fatalf("message.created: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMessageCreatedMissingIDRecordsPayloadError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	notifID := uuid.New()

	// No message id anywhere in the payload: redelivery cannot help, so the
	// audit row records the error and the message is acknowledged.
	mock.ExpectExec(`SET status = 'error'`).
		WithArgs(notifID, "no message id in payload").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM pgmq_webhook_notifications`).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	c := NewWebhookConsumer(store.New(db), queue.NewClient(db), &fakeProvider{}, config.WebhookConfig{MaxRetries: 3})
	payload, err := json.Marshal(queue.WebhookNotification{
		NotificationID:   notifID,
		NotificationType: "message.created",
		GrantID:          "g-1",
		Payload:          json.RawMessage(`{"data":{}}`),
	})
	if err != nil {
		t.Fatalf("marshal notification: %v", err)
	}
	c.handleMessage(context.Background(), queue.Message{MsgID: 7, ReadCt: 1, Payload: payload})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
