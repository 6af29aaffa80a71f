package worker

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/ignite/inbox-sync/internal/config"
	"github.com/ignite/inbox-sync/internal/store"
)

func TestCheckOneCompletesWhenAllTerminal(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	configID := uuid.New()

	mock.ExpectExec(`INSERT INTO sync_stats`).
		WithArgs(configID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT status FROM sync_configurations`).
		WithArgs(configID).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(store.ConfigThreadSync))
	mock.ExpectQuery(`SELECT COUNT`).
		WithArgs(configID).
		WillReturnRows(sqlmock.NewRows([]string{"total", "queued", "processing", "completed", "failed"}).
			AddRow(4, 0, 0, 3, 1))
	mock.ExpectExec(`sync_completed_at = NOW\(\).*checkpoint = NULL`).
		WithArgs(configID, store.ConfigCompleted).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE sync_stats`).
		WithArgs(configID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	m := NewCompletionMonitor(store.New(db), config.MonitorConfig{})
	if err := m.checkOne(context.Background(), configID); err != nil {
		t.Fatalf("checkOne: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCheckOneSkipsBackfillingConfig(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	configID := uuid.New()

	// Recompute runs, but no completion check happens while pagination may
	// still add rows.
	mock.ExpectExec(`INSERT INTO sync_stats`).
		WithArgs(configID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT status FROM sync_configurations`).
		WithArgs(configID).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(store.ConfigBackfill))

	m := NewCompletionMonitor(store.New(db), config.MonitorConfig{})
	if err := m.checkOne(context.Background(), configID); err != nil {
		t.Fatalf("checkOne: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCheckOneLeavesIncompleteConfigOpen(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	configID := uuid.New()

	mock.ExpectExec(`INSERT INTO sync_stats`).
		WithArgs(configID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT status FROM sync_configurations`).
		WithArgs(configID).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(store.ConfigThreadSync))
	mock.ExpectQuery(`SELECT COUNT`).
		WithArgs(configID).
		WillReturnRows(sqlmock.NewRows([]string{"total", "queued", "processing", "completed", "failed"}).
			AddRow(4, 1, 1, 2, 0))

	m := NewCompletionMonitor(store.New(db), config.MonitorConfig{})
	if err := m.checkOne(context.Background(), configID); err != nil {
		t.Fatalf("checkOne: %v", err)
	}
	// No CompleteConfig exec expected.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
