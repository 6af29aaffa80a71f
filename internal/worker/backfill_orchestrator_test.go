package worker

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/ignite/inbox-sync/internal/config"
	"github.com/ignite/inbox-sync/internal/provider"
	"github.com/ignite/inbox-sync/internal/queue"
	"github.com/ignite/inbox-sync/internal/store"
)

func TestClampDateRange(t *testing.T) {
	end := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// 731 days gets advanced to exactly 365.
	start := end.AddDate(-2, 0, -1)
	gotStart, gotEnd := clampDateRange(start, end, 365)
	if gotEnd != end {
		t.Errorf("end changed: %v", gotEnd)
	}
	if want := end.Add(-365 * 24 * time.Hour); !gotStart.Equal(want) {
		t.Errorf("start = %v, want %v", gotStart, want)
	}

	// Exactly 365 days passes unchanged.
	start = end.Add(-365 * 24 * time.Hour)
	gotStart, _ = clampDateRange(start, end, 365)
	if !gotStart.Equal(start) {
		t.Errorf("365-day range was clamped: %v", gotStart)
	}

	// Short range passes unchanged.
	start = end.Add(-24 * time.Hour)
	gotStart, _ = clampDateRange(start, end, 365)
	if !gotStart.Equal(start) {
		t.Errorf("short range was clamped: %v", gotStart)
	}
}

// fakeProvider implements provider.Client for tests.
type fakeProvider struct {
	pages    []*provider.ThreadPage
	pageIdx  int
	threads  map[string]*provider.Thread
	messages map[string][]provider.Message
	findErr  error
	listErr  error
}

func (f *fakeProvider) ListThreads(ctx context.Context, grantID string, params provider.ListThreadsParams) (*provider.ThreadPage, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if f.pageIdx >= len(f.pages) {
		return &provider.ThreadPage{}, nil
	}
	p := f.pages[f.pageIdx]
	f.pageIdx++
	return p, nil
}

func (f *fakeProvider) FindThread(ctx context.Context, grantID, threadID string) (*provider.Thread, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	t, ok := f.threads[threadID]
	if !ok {
		return nil, provider.ErrNotFound
	}
	return t, nil
}

func (f *fakeProvider) ListMessages(ctx context.Context, grantID string, params provider.ListMessagesParams) ([]provider.Message, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.messages[params.ThreadID], nil
}

func (f *fakeProvider) FindMessage(ctx context.Context, grantID, messageID string) (*provider.Message, error) {
	for _, msgs := range f.messages {
		for _, m := range msgs {
			if m.ID == messageID {
				return &m, nil
			}
		}
	}
	return nil, provider.ErrNotFound
}

func TestPublishRowFailsWithoutGrant(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	configID := uuid.New()

	// No grant on the row and no inbox to resolve from: the row is failed
	// instead of published.
	mock.ExpectExec(`status = 'failed'`).
		WithArgs(configID, "t-1", "no grant_id on row or inbox").
		WillReturnResult(sqlmock.NewResult(0, 1))

	o := NewBackfillOrchestrator(store.New(db), queue.NewClient(db), &fakeProvider{}, config.BackfillConfig{})
	row := store.WorkRow{ConfigID: configID, RemoteThreadID: "t-1"}
	if err := o.publishRow(context.Background(), row); err != nil {
		t.Fatalf("publishRow: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPublishRowSendsAndStamps(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	configID := uuid.New()
	inboxID := uuid.New()

	mock.ExpectQuery("INSERT INTO pgmq_thread_sync_jobs").
		WillReturnRows(sqlmock.NewRows([]string{"msg_id"}).AddRow(int64(1)))
	mock.ExpectExec(`SET pgmq_queued_at = NOW\(\)`).
		WithArgs(configID, "t-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	o := NewBackfillOrchestrator(store.New(db), queue.NewClient(db), &fakeProvider{}, config.BackfillConfig{})
	row := store.WorkRow{ConfigID: configID, RemoteThreadID: "t-1", InboxID: inboxID, GrantID: "g-1"}
	if err := o.publishRow(context.Background(), row); err != nil {
		t.Fatalf("publishRow: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
