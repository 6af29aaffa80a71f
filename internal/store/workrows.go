package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkRow is a per-thread tracking record keyed on (config_id,
// remote_thread_id).
type WorkRow struct {
	ID             uuid.UUID
	ConfigID       uuid.UUID
	RemoteThreadID string
	InboxID        uuid.UUID
	GrantID        string
	Status         string
	MessagesSynced int
	PgmqQueuedAt   *time.Time
}

// UpsertWorkRow records a thread for syncing. At most one row exists per
// (config_id, remote_thread_id): re-queueing resets status and queued_at on
// the existing row. An incoming non-empty grant_id always wins; an empty one
// never clobbers a stored credential.
func (s *Store) UpsertWorkRow(ctx context.Context, configID uuid.UUID, remoteThreadID string, inboxID uuid.UUID, grantID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_sync_queue (config_id, remote_thread_id, inbox_id, grant_id, status, queued_at)
		VALUES ($1, $2, $3, $4, 'queued', NOW())
		ON CONFLICT (config_id, remote_thread_id) DO UPDATE SET
			status = 'queued',
			queued_at = NOW(),
			started_at = NULL,
			processed_at = NULL,
			pgmq_queued_at = NULL,
			error = NULL,
			inbox_id = COALESCE(EXCLUDED.inbox_id, thread_sync_queue.inbox_id),
			grant_id = CASE
				WHEN EXCLUDED.grant_id IS NOT NULL AND EXCLUDED.grant_id <> ''
				THEN EXCLUDED.grant_id
				ELSE thread_sync_queue.grant_id
			END
	`, configID, remoteThreadID, nullUUID(inboxID), grantID)
	if err != nil {
		return fmt.Errorf("upsert work row (%s, %s): %w", configID, remoteThreadID, err)
	}
	return nil
}

// ClaimWorkRow transitions a work row queued -> processing and stamps
// started_at. Returns false if the row was not in queued status (already
// claimed, or completed by an earlier delivery).
func (s *Store) ClaimWorkRow(ctx context.Context, configID uuid.UUID, remoteThreadID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE thread_sync_queue
		SET status = 'processing', started_at = NOW()
		WHERE config_id = $1 AND remote_thread_id = $2 AND status = 'queued'
	`, configID, remoteThreadID)
	if err != nil {
		return false, fmt.Errorf("claim work row (%s, %s): %w", configID, remoteThreadID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CompleteWorkRow closes a work row as completed with the synced count.
func (s *Store) CompleteWorkRow(ctx context.Context, configID uuid.UUID, remoteThreadID string, messagesSynced int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE thread_sync_queue
		SET status = 'completed', messages_synced = $3, processed_at = NOW(), error = NULL
		WHERE config_id = $1 AND remote_thread_id = $2
	`, configID, remoteThreadID, messagesSynced)
	if err != nil {
		return fmt.Errorf("complete work row (%s, %s): %w", configID, remoteThreadID, err)
	}
	return nil
}

// FailWorkRow closes a work row as failed with a diagnostic.
func (s *Store) FailWorkRow(ctx context.Context, configID uuid.UUID, remoteThreadID, errMsg string) error {
	if len(errMsg) > 500 {
		errMsg = errMsg[:500]
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE thread_sync_queue
		SET status = 'failed', error = $3, processed_at = NOW()
		WHERE config_id = $1 AND remote_thread_id = $2
	`, configID, remoteThreadID, errMsg)
	if err != nil {
		return fmt.Errorf("fail work row (%s, %s): %w", configID, remoteThreadID, err)
	}
	return nil
}

// WorkRowGrant fetches the denormalized credential on a work row.
func (s *Store) WorkRowGrant(ctx context.Context, configID uuid.UUID, remoteThreadID string) (string, error) {
	var grantID string
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(grant_id, '') FROM thread_sync_queue
		WHERE config_id = $1 AND remote_thread_id = $2
	`, configID, remoteThreadID).Scan(&grantID)
	if err != nil {
		return "", fmt.Errorf("work row grant (%s, %s): %w", configID, remoteThreadID, err)
	}
	return grantID, nil
}

// QueuedWorkRows lists queued rows for a configuration, for bulk publication
// to the thread-sync queue.
func (s *Store) QueuedWorkRows(ctx context.Context, configID uuid.UUID) ([]WorkRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, config_id, remote_thread_id, COALESCE(inbox_id, '00000000-0000-0000-0000-000000000000'::uuid),
		       COALESCE(grant_id, ''), status
		FROM thread_sync_queue
		WHERE config_id = $1 AND status = 'queued'
		ORDER BY queued_at
	`, configID)
	if err != nil {
		return nil, fmt.Errorf("queued work rows for config %s: %w", configID, err)
	}
	defer rows.Close()
	return scanWorkRows(rows)
}

// UnpublishedWorkRows finds rows across all configurations that were
// inserted but never published to the thread-sync queue (crash between row
// insertion and queue publication). Used by the orchestrator startup sweep.
func (s *Store) UnpublishedWorkRows(ctx context.Context, limit int) ([]WorkRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, config_id, remote_thread_id, COALESCE(inbox_id, '00000000-0000-0000-0000-000000000000'::uuid),
		       COALESCE(grant_id, ''), status
		FROM thread_sync_queue
		WHERE status = 'queued' AND pgmq_queued_at IS NULL
		ORDER BY queued_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("unpublished work rows: %w", err)
	}
	defer rows.Close()
	return scanWorkRows(rows)
}

// MarkWorkRowPublished stamps pgmq_queued_at after the row's job lands on
// the thread-sync queue.
func (s *Store) MarkWorkRowPublished(ctx context.Context, configID uuid.UUID, remoteThreadID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE thread_sync_queue
		SET pgmq_queued_at = NOW()
		WHERE config_id = $1 AND remote_thread_id = $2
	`, configID, remoteThreadID)
	if err != nil {
		return fmt.Errorf("mark work row published (%s, %s): %w", configID, remoteThreadID, err)
	}
	return nil
}

func scanWorkRows(rows interface {
	Next() bool
	Scan(...interface{}) error
	Err() error
}) ([]WorkRow, error) {
	var out []WorkRow
	for rows.Next() {
		var w WorkRow
		if err := rows.Scan(&w.ID, &w.ConfigID, &w.RemoteThreadID, &w.InboxID, &w.GrantID, &w.Status); err != nil {
			return nil, fmt.Errorf("scan work row: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func nullUUID(id uuid.UUID) interface{} {
	if id == uuid.Nil {
		return nil
	}
	return id
}
