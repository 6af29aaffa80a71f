package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SyncStats is the per-configuration progress counter row. threads_total is
// not known up front (the provider does not report a page total) and stays 0;
// progress percentages are computed over ThreadsQueued.
type SyncStats struct {
	ConfigID         uuid.UUID
	ThreadsTotal     int
	ThreadsQueued    int
	ThreadsProcessing int
	ThreadsCompleted int
	ThreadsFailed    int
	MessagesSynced   int
	SyncStartedAt    *time.Time
	LastThreadAt     *time.Time
	SyncCompletedAt  *time.Time
}

// InitStats creates the stats row at backfill start, preserving counters if
// the row already exists (resumed backfill).
func (s *Store) InitStats(ctx context.Context, configID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_stats (config_id, sync_started_at, updated_at)
		VALUES ($1, NOW(), NOW())
		ON CONFLICT (config_id) DO UPDATE SET
			sync_started_at = COALESCE(sync_stats.sync_started_at, NOW()),
			sync_completed_at = NULL,
			updated_at = NOW()
	`, configID)
	if err != nil {
		return fmt.Errorf("init stats for config %s: %w", configID, err)
	}
	return nil
}

// RecomputeStats derives the counters for a configuration directly from the
// work-row table, grouping server-side so large configurations never hit
// client row limits. This is the authoritative progress calculation.
func (s *Store) RecomputeStats(ctx context.Context, configID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_stats (config_id, threads_queued, threads_processing,
		                        threads_completed, threads_failed, messages_synced,
		                        last_thread_at, updated_at)
		SELECT $1,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'processing'),
		       COUNT(*) FILTER (WHERE status = 'completed'),
		       COUNT(*) FILTER (WHERE status = 'failed'),
		       COALESCE(SUM(messages_synced), 0),
		       MAX(processed_at),
		       NOW()
		FROM thread_sync_queue
		WHERE config_id = $1
		ON CONFLICT (config_id) DO UPDATE SET
			threads_queued = EXCLUDED.threads_queued,
			threads_processing = EXCLUDED.threads_processing,
			threads_completed = EXCLUDED.threads_completed,
			threads_failed = EXCLUDED.threads_failed,
			messages_synced = EXCLUDED.messages_synced,
			last_thread_at = COALESCE(EXCLUDED.last_thread_at, sync_stats.last_thread_at),
			updated_at = NOW()
	`, configID)
	if err != nil {
		return fmt.Errorf("recompute stats for config %s: %w", configID, err)
	}
	return nil
}

// ApplyWorkRowClaim bumps the processing counter when a worker claims a
// thread. Saturating: queued never goes negative even if a recompute already
// absorbed the claim.
func (s *Store) ApplyWorkRowClaim(ctx context.Context, configID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_stats
		SET threads_processing = threads_processing + 1,
		    updated_at = NOW()
		WHERE config_id = $1
	`, configID)
	if err != nil {
		return fmt.Errorf("apply claim to stats for config %s: %w", configID, err)
	}
	return nil
}

// ApplyWorkRowResult records a terminal work-row outcome on the counters.
// The processing decrement saturates at zero (GREATEST) so a missed claim
// update can never drive the counter negative.
func (s *Store) ApplyWorkRowResult(ctx context.Context, configID uuid.UUID, completed bool, messagesSynced int) error {
	column := "threads_failed"
	if completed {
		column = "threads_completed"
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE sync_stats
		SET %s = %s + 1,
		    threads_processing = GREATEST(threads_processing - 1, 0),
		    messages_synced = messages_synced + $2,
		    last_thread_at = NOW(),
		    updated_at = NOW()
		WHERE config_id = $1
	`, column, column), configID, messagesSynced)
	if err != nil {
		return fmt.Errorf("apply result to stats for config %s: %w", configID, err)
	}
	return nil
}

// CompletionCheck holds the inputs for the completion decision.
type CompletionCheck struct {
	TotalRows      int // all work rows for the configuration
	QueuedRows     int // rows still in queued status
	ProcessingRows int
	CompletedRows  int
	FailedRows     int
}

// ReadyToComplete reports whether a configuration satisfies the completion
// condition: all emitted rows are terminal, at least one row exists, and
// nothing is queued or in flight.
func (c CompletionCheck) ReadyToComplete() bool {
	return c.TotalRows > 0 &&
		c.CompletedRows+c.FailedRows >= c.TotalRows &&
		c.ProcessingRows == 0 &&
		c.QueuedRows == 0
}

// CompletionCheckFor derives the completion inputs for a configuration from
// the work-row table.
func (s *Store) CompletionCheckFor(ctx context.Context, configID uuid.UUID) (CompletionCheck, error) {
	var c CompletionCheck
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'queued'),
		       COUNT(*) FILTER (WHERE status = 'processing'),
		       COUNT(*) FILTER (WHERE status = 'completed'),
		       COUNT(*) FILTER (WHERE status = 'failed')
		FROM thread_sync_queue
		WHERE config_id = $1
	`, configID).Scan(&c.TotalRows, &c.QueuedRows, &c.ProcessingRows, &c.CompletedRows, &c.FailedRows)
	if err != nil {
		return c, fmt.Errorf("completion check for config %s: %w", configID, err)
	}
	return c, nil
}

// MarkStatsCompleted stamps the stats row when the configuration closes.
func (s *Store) MarkStatsCompleted(ctx context.Context, configID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_stats
		SET sync_completed_at = NOW(), updated_at = NOW()
		WHERE config_id = $1
	`, configID)
	if err != nil {
		return fmt.Errorf("mark stats completed for config %s: %w", configID, err)
	}
	return nil
}

// ClearStatsCompleted nulls the completion stamp during premature-completion
// recovery.
func (s *Store) ClearStatsCompleted(ctx context.Context, configID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_stats
		SET sync_completed_at = NULL, updated_at = NOW()
		WHERE config_id = $1
	`, configID)
	if err != nil {
		return fmt.Errorf("clear stats completed for config %s: %w", configID, err)
	}
	return nil
}

// GetStats loads the stats row for a configuration.
func (s *Store) GetStats(ctx context.Context, configID uuid.UUID) (*SyncStats, error) {
	st := &SyncStats{ConfigID: configID}
	var started, last, completed sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT threads_total, threads_queued, threads_processing, threads_completed,
		       threads_failed, messages_synced, sync_started_at, last_thread_at, sync_completed_at
		FROM sync_stats
		WHERE config_id = $1
	`, configID).Scan(&st.ThreadsTotal, &st.ThreadsQueued, &st.ThreadsProcessing,
		&st.ThreadsCompleted, &st.ThreadsFailed, &st.MessagesSynced, &started, &last, &completed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stats for config %s: %w", configID, err)
	}
	if started.Valid {
		st.SyncStartedAt = &started.Time
	}
	if last.Valid {
		st.LastThreadAt = &last.Time
	}
	if completed.Valid {
		st.SyncCompletedAt = &completed.Time
	}
	return st, nil
}
