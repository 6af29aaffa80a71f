package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/inbox-sync/internal/config"
	"github.com/ignite/inbox-sync/internal/provider"
	"github.com/ignite/inbox-sync/internal/queue"
	"github.com/ignite/inbox-sync/internal/store"
)

// =============================================================================
// BACKFILL ORCHESTRATOR - Paginates Remote Threads Into Work Rows
// =============================================================================
// Consumes inbox_backfill_jobs. For one configuration: clamps the date range,
// pages the provider thread listing, emits idempotent per-thread work rows,
// checkpoints after every page, then transitions the configuration to
// thread_sync and bulk-publishes every queued row to thread_sync_jobs. The
// orchestration job is deleted only after all rows are published, so a crash
// anywhere leaves either a resumable checkpoint or unpublished rows the
// startup sweep picks up.
//
// Must run as a singleton (duplicate pagination would double work rows'
// queue publications); main gates it behind a distributed lease.

// BackfillOrchestrator drains the inbox backfill queue.
type BackfillOrchestrator struct {
	store    *store.Store
	queue    *queue.Client
	provider provider.Client
	cfg      config.BackfillConfig
}

// NewBackfillOrchestrator creates the orchestrator.
func NewBackfillOrchestrator(st *store.Store, qc *queue.Client, pc provider.Client, cfg config.BackfillConfig) *BackfillOrchestrator {
	return &BackfillOrchestrator{store: st, queue: qc, provider: pc, cfg: cfg}
}

// Start runs the orchestrator loop. It blocks until ctx is cancelled. The
// startup sweep runs first so rows orphaned by a previous crash are
// published before any new pagination begins.
func (o *BackfillOrchestrator) Start(ctx context.Context) {
	log.Printf("[BackfillOrchestrator] Starting (page_size=%d, max_range_days=%d, max_retries=%d)",
		o.cfg.PageSize, o.cfg.MaxRangeDays, o.cfg.MaxRetries)

	if err := o.sweepUnpublished(ctx); err != nil && ctx.Err() == nil {
		log.Printf("[BackfillOrchestrator] Startup sweep error: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			log.Println("[BackfillOrchestrator] Stopping")
			return
		default:
		}

		msgs, err := o.queue.Read(ctx, queue.InboxBackfillJobs, o.cfg.VisibilityTimeout(), 1)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Printf("[BackfillOrchestrator] Queue read error: %v", err)
			sleepCtx(ctx, o.cfg.PollInterval())
			continue
		}
		if len(msgs) == 0 {
			sleepCtx(ctx, o.cfg.PollInterval())
			continue
		}

		for _, msg := range msgs {
			o.handleMessage(ctx, msg)
		}
	}
}

func (o *BackfillOrchestrator) handleMessage(ctx context.Context, msg queue.Message) {
	job, err := queue.ParseBackfillJob(msg.Payload)
	if err != nil {
		// Malformed payload: terminal, nothing to retry.
		log.Printf("[BackfillOrchestrator] Dropping malformed job (msg_id=%d): %v", msg.MsgID, err)
		if aerr := o.queue.Archive(ctx, queue.InboxBackfillJobs, msg.MsgID); aerr != nil {
			log.Printf("[BackfillOrchestrator] Archive error: %v", aerr)
		}
		return
	}

	if msg.ReadCt > o.cfg.MaxRetries {
		log.Printf("[BackfillOrchestrator] Job for config %s exceeded %d retries, giving up",
			job.ConfigID, o.cfg.MaxRetries)
		if err := o.store.FailConfig(ctx, job.ConfigID, fmt.Sprintf("backfill retries exhausted after %d deliveries", msg.ReadCt)); err != nil {
			log.Printf("[BackfillOrchestrator] Failed to record terminal failure: %v", err)
		}
		if err := o.queue.Archive(ctx, queue.InboxBackfillJobs, msg.MsgID); err != nil {
			log.Printf("[BackfillOrchestrator] Archive error: %v", err)
		}
		return
	}

	if err := o.processJob(ctx, job); err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-job: checkpoint is saved, visibility timeout will
			// redeliver. Do not mark the configuration failed.
			return
		}
		log.Printf("[BackfillOrchestrator] Config %s failed (attempt %d/%d): %v",
			job.ConfigID, msg.ReadCt, o.cfg.MaxRetries, err)
		if ferr := o.store.FailConfig(ctx, job.ConfigID, err.Error()); ferr != nil {
			log.Printf("[BackfillOrchestrator] Failed to record error: %v", ferr)
		}
		// Leave the message; the queue redelivers after the visibility timeout.
		return
	}

	if err := o.queue.Delete(ctx, queue.InboxBackfillJobs, msg.MsgID); err != nil {
		log.Printf("[BackfillOrchestrator] Delete error for msg %d: %v", msg.MsgID, err)
	}
}

// processJob paginates the provider and emits work rows, then publishes them.
func (o *BackfillOrchestrator) processJob(ctx context.Context, job queue.BackfillJob) error {
	startDate, endDate := clampDateRange(job.StartDate, job.EndDate, o.cfg.MaxRangeDays)
	if !startDate.Equal(job.StartDate) {
		log.Printf("[BackfillOrchestrator] Config %s: date range clamped to %d days (%s -> %s)",
			job.ConfigID, o.cfg.MaxRangeDays, startDate.Format(time.RFC3339), endDate.Format(time.RFC3339))
	}

	if err := o.store.BeginBackfill(ctx, job.ConfigID); err != nil {
		return err
	}
	if err := o.store.InitStats(ctx, job.ConfigID); err != nil {
		return err
	}

	cp := store.Checkpoint{CurrentPage: 0}
	if prev, err := o.store.GetCheckpoint(ctx, job.ConfigID); err != nil {
		return err
	} else if prev != nil {
		cp = *prev
		cp.Error = ""
		log.Printf("[BackfillOrchestrator] Config %s: resuming from page %d (%d threads queued)",
			job.ConfigID, cp.CurrentPage, cp.ThreadsQueued)
	}

	// Process-local dedupe set; persists only for this run.
	seen := make(map[string]struct{})

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := o.provider.ListThreads(ctx, job.GrantID, provider.ListThreadsParams{
			Limit:     o.cfg.PageSize,
			AfterTS:   startDate.Unix(),
			BeforeTS:  endDate.Unix(),
			PageToken: cp.LastPageToken,
		})
		if err != nil {
			return fmt.Errorf("list threads page %d: %w", cp.CurrentPage+1, err)
		}

		for _, t := range page.Threads {
			if _, ok := seen[t.ID]; ok {
				continue
			}
			seen[t.ID] = struct{}{}

			exists, err := o.store.ThreadExists(ctx, t.ID)
			if err != nil {
				return err
			}
			if exists {
				continue
			}

			if err := o.store.UpsertWorkRow(ctx, job.ConfigID, t.ID, job.InboxID, job.GrantID); err != nil {
				return err
			}
			cp.ThreadsQueued++
		}

		cp.CurrentPage++
		cp.LastPageToken = page.NextCursor
		if err := o.store.SaveCheckpoint(ctx, job.ConfigID, cp); err != nil {
			return err
		}

		if page.NextCursor == "" {
			break
		}
	}

	log.Printf("[BackfillOrchestrator] Config %s: pagination done, %d threads queued over %d pages",
		job.ConfigID, cp.ThreadsQueued, cp.CurrentPage)

	if err := o.store.TransitionToThreadSync(ctx, job.ConfigID); err != nil {
		return err
	}

	published, err := o.publishQueuedRows(ctx, job.ConfigID)
	if err != nil {
		return fmt.Errorf("publish work rows: %w", err)
	}
	log.Printf("[BackfillOrchestrator] Config %s: published %d jobs to %s",
		job.ConfigID, published, queue.ThreadSyncJobs)
	return nil
}

// publishQueuedRows sends every queued work row of a configuration to the
// thread-sync queue, resolving missing credentials from the inbox row so no
// published job ever carries an empty grant.
func (o *BackfillOrchestrator) publishQueuedRows(ctx context.Context, configID uuid.UUID) (int, error) {
	rows, err := o.store.QueuedWorkRows(ctx, configID)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return published, err
		}
		if err := o.publishRow(ctx, row); err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}

// publishRow publishes one work row, stamping pgmq_queued_at afterwards.
func (o *BackfillOrchestrator) publishRow(ctx context.Context, row store.WorkRow) error {
	grantID := row.GrantID
	if grantID == "" && row.InboxID != uuid.Nil {
		resolved, err := o.store.GrantForInbox(ctx, row.InboxID)
		if err != nil {
			return fmt.Errorf("resolve grant for row (%s, %s): %w", row.ConfigID, row.RemoteThreadID, err)
		}
		grantID = resolved
	}
	if grantID == "" {
		// Never publish a job without a credential; the worker could not
		// fetch anything with it.
		log.Printf("[BackfillOrchestrator] Row (%s, %s) has no grant, failing it",
			row.ConfigID, row.RemoteThreadID)
		return o.store.FailWorkRow(ctx, row.ConfigID, row.RemoteThreadID, "no grant_id on row or inbox")
	}

	_, err := o.queue.Send(ctx, queue.ThreadSyncJobs, queue.ThreadSyncJob{
		ThreadID: row.RemoteThreadID,
		GrantID:  grantID,
		InboxID:  row.InboxID,
		ConfigID: row.ConfigID,
	})
	if err != nil {
		return err
	}
	return o.store.MarkWorkRowPublished(ctx, row.ConfigID, row.RemoteThreadID)
}

// sweepUnpublished publishes work rows left queued without a queue message
// by a crash between row insertion and publication. Batched, with bounded
// parallelism.
func (o *BackfillOrchestrator) sweepUnpublished(ctx context.Context) error {
	total := 0
	for {
		rows, err := o.store.UnpublishedWorkRows(ctx, o.cfg.SweepBatchSize)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			break
		}

		sem := make(chan struct{}, o.cfg.SweepConcurrency)
		var wg sync.WaitGroup
		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				wg.Wait()
				return err
			}
			wg.Add(1)
			sem <- struct{}{}
			go func(row store.WorkRow) {
				defer wg.Done()
				defer func() { <-sem }()
				if err := o.publishRow(ctx, row); err != nil {
					log.Printf("[BackfillOrchestrator] Sweep publish error for (%s, %s): %v",
						row.ConfigID, row.RemoteThreadID, err)
				}
			}(row)
		}
		wg.Wait()
		total += len(rows)

		if len(rows) < o.cfg.SweepBatchSize {
			break
		}
	}

	if total > 0 {
		log.Printf("[BackfillOrchestrator] Startup sweep published %d orphaned work rows", total)
	}
	return nil
}

// clampDateRange bounds [start, end] to at most maxDays by advancing start.
func clampDateRange(start, end time.Time, maxDays int) (time.Time, time.Time) {
	maxRange := time.Duration(maxDays) * 24 * time.Hour
	if end.Sub(start) > maxRange {
		start = end.Add(-maxRange)
	}
	return start, end
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
