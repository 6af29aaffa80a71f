package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func TestSaveCheckpointGuardsMonotonicity(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	configID := uuid.New()
	cp := Checkpoint{LastPageToken: "tok-3", ThreadsQueued: 240, CurrentPage: 3}
	blob, err := marshalCheckpoint(cp)
	if err != nil {
		t.Fatalf("marshalCheckpoint: %v", err)
	}

	mock.ExpectExec(`\(checkpoint->>'current_page'\)::int <= \$3`).
		WithArgs(configID, blob, 3).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := New(db)
	if err := s.SaveCheckpoint(context.Background(), configID, cp); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	cp := Checkpoint{LastPageToken: "abc", ThreadsQueued: 17, CurrentPage: 2, Error: "boom"}
	blob, err := marshalCheckpoint(cp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Checkpoint
	if err := unmarshalCheckpoint(blob, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != cp {
		t.Errorf("round trip = %+v, want %+v", got, cp)
	}
}

func TestGetCheckpointNull(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	configID := uuid.New()
	mock.ExpectQuery("SELECT checkpoint").
		WithArgs(configID).
		WillReturnRows(sqlmock.NewRows([]string{"checkpoint"}).AddRow(nil))

	s := New(db)
	cp, err := s.GetCheckpoint(context.Background(), configID)
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if cp != nil {
		t.Errorf("expected nil checkpoint, got %+v", cp)
	}
}

func TestFailConfigPreservesCheckpoint(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	configID := uuid.New()

	// The failure path writes the error into the checkpoint blob with
	// jsonb_set rather than replacing it, so resume state survives.
	mock.ExpectExec(`jsonb_set\(COALESCE\(checkpoint, '\{\}'::jsonb\), '\{error\}'`).
		WithArgs(configID, ConfigFailed, "provider timeout").
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := New(db)
	if err := s.FailConfig(context.Background(), configID, "provider timeout"); err != nil {
		t.Fatalf("FailConfig: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRevertPrematureCompletionOnlyTouchesCompleted(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	configID := uuid.New()
	mock.ExpectExec(`WHERE id = \$1 AND status = \$3`).
		WithArgs(configID, ConfigThreadSync, ConfigCompleted).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := New(db)
	if err := s.RevertPrematureCompletion(context.Background(), configID); err != nil {
		t.Fatalf("RevertPrematureCompletion: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
