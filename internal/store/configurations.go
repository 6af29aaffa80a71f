package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// BeginBackfill moves a configuration into backfill status and stamps the
// sync start. Idempotent: re-running a backfill job restamps and continues.
func (s *Store) BeginBackfill(ctx context.Context, configID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_configurations
		SET status = $2,
		    sync_started_at = COALESCE(sync_started_at, NOW()),
		    sync_completed_at = NULL,
		    updated_at = NOW()
		WHERE id = $1
	`, configID, ConfigBackfill)
	if err != nil {
		return fmt.Errorf("begin backfill for config %s: %w", configID, err)
	}
	return nil
}

// TransitionToThreadSync moves a configuration from backfill to thread_sync
// once pagination is exhausted.
func (s *Store) TransitionToThreadSync(ctx context.Context, configID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_configurations
		SET status = $2, updated_at = NOW()
		WHERE id = $1
	`, configID, ConfigThreadSync)
	if err != nil {
		return fmt.Errorf("transition config %s to thread_sync: %w", configID, err)
	}
	return nil
}

// CompleteConfig closes a configuration, stamps completion, and clears the
// backfill checkpoint.
func (s *Store) CompleteConfig(ctx context.Context, configID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_configurations
		SET status = $2,
		    sync_completed_at = NOW(),
		    checkpoint = NULL,
		    updated_at = NOW()
		WHERE id = $1
	`, configID, ConfigCompleted)
	if err != nil {
		return fmt.Errorf("complete config %s: %w", configID, err)
	}
	return nil
}

// FailConfig marks a configuration failed and records the human-readable
// error inside the checkpoint blob, preserving the resumption state.
func (s *Store) FailConfig(ctx context.Context, configID uuid.UUID, errMsg string) error {
	if len(errMsg) > 500 {
		errMsg = errMsg[:500]
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_configurations
		SET status = $2,
		    checkpoint = jsonb_set(COALESCE(checkpoint, '{}'::jsonb), '{error}', to_jsonb($3::text)),
		    updated_at = NOW()
		WHERE id = $1
	`, configID, ConfigFailed, errMsg)
	if err != nil {
		return fmt.Errorf("fail config %s: %w", configID, err)
	}
	return nil
}

// SaveCheckpoint persists backfill resumption state. The guard keeps the
// checkpoint monotone: a stale writer can never move current_page backwards.
func (s *Store) SaveCheckpoint(ctx context.Context, configID uuid.UUID, cp Checkpoint) error {
	blob, err := marshalCheckpoint(cp)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE sync_configurations
		SET checkpoint = $2::jsonb, updated_at = NOW()
		WHERE id = $1
		  AND (checkpoint IS NULL
		       OR checkpoint->>'current_page' IS NULL
		       OR (checkpoint->>'current_page')::int <= $3)
	`, configID, blob, cp.CurrentPage)
	if err != nil {
		return fmt.Errorf("save checkpoint for config %s: %w", configID, err)
	}
	return nil
}

// GetCheckpoint loads the stored checkpoint, if any.
func (s *Store) GetCheckpoint(ctx context.Context, configID uuid.UUID) (*Checkpoint, error) {
	var blob sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT checkpoint::text FROM sync_configurations WHERE id = $1
	`, configID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("config %s not found", configID)
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint for config %s: %w", configID, err)
	}
	if !blob.Valid || blob.String == "" {
		return nil, nil
	}
	var cp Checkpoint
	if err := unmarshalCheckpoint(blob.String, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// ConfigStatus returns the lifecycle status of a configuration.
func (s *Store) ConfigStatus(ctx context.Context, configID uuid.UUID) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT status FROM sync_configurations WHERE id = $1
	`, configID).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("status of config %s: %w", configID, err)
	}
	return status, nil
}

// ActiveConfigIDs lists configurations currently in backfill or thread_sync.
func (s *Store) ActiveConfigIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM sync_configurations
		WHERE status IN ($1, $2)
	`, ConfigBackfill, ConfigThreadSync)
	if err != nil {
		return nil, fmt.Errorf("list active configs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PrematurelyCompletedConfigIDs finds configurations marked completed that
// still have queued or processing work rows. These are reverted by the
// completion monitor.
func (s *Store) PrematurelyCompletedConfigIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id
		FROM sync_configurations c
		WHERE c.status = $1
		  AND c.sync_started_at IS NOT NULL
		  AND EXISTS (
			SELECT 1 FROM thread_sync_queue q
			WHERE q.config_id = c.id AND q.status IN ($2, $3)
		  )
	`, ConfigCompleted, WorkQueued, WorkProcessing)
	if err != nil {
		return nil, fmt.Errorf("scan premature completions: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RevertPrematureCompletion puts a completed configuration back into
// thread_sync and clears its completion timestamp.
func (s *Store) RevertPrematureCompletion(ctx context.Context, configID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_configurations
		SET status = $2, sync_completed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, configID, ConfigThreadSync, ConfigCompleted)
	if err != nil {
		return fmt.Errorf("revert premature completion for config %s: %w", configID, err)
	}
	return nil
}
