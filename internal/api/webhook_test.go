package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ignite/inbox-sync/internal/config"
	"github.com/ignite/inbox-sync/internal/queue"
	"github.com/ignite/inbox-sync/internal/store"
)

func newTestServer(t *testing.T) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewServer(config.ServerConfig{Host: "localhost", Port: 0}, store.New(db), queue.NewClient(db), db), mock
}

func TestWebhookChallenge(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/webhooks/nylas?challenge=abc123", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if string(body) != "abc123" {
		t.Errorf("body = %q, want challenge echoed", body)
	}
}

func TestWebhookChallengeMissing(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/webhooks/nylas", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookEnqueues(t *testing.T) {
	srv, mock := newTestServer(t)

	mock.ExpectExec("INSERT INTO webhook_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO pgmq_webhook_notifications").
		WillReturnRows(sqlmock.NewRows([]string{"msg_id"}).AddRow(int64(1)))

	payload := `{"id":"n-1","type":"message.created","webhook_id":"wh-1","data":{"grant_id":"g-1","object":{"id":"m-1"}}}`
	req := httptest.NewRequest("POST", "/webhooks/nylas", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestWebhookRejectsGarbage(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("POST", "/webhooks/nylas", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookFailedEnqueueReturns500(t *testing.T) {
	srv, mock := newTestServer(t)

	mock.ExpectExec("INSERT INTO webhook_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO pgmq_webhook_notifications").
		WillReturnError(io.ErrUnexpectedEOF)

	payload := `{"id":"n-2","type":"thread.replied","data":{"grant_id":"g-1"}}`
	req := httptest.NewRequest("POST", "/webhooks/nylas", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	// Non-2xx makes the provider retry the delivery.
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}
