package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/ignite/inbox-sync/internal/config"
	"github.com/ignite/inbox-sync/internal/provider"
	"github.com/ignite/inbox-sync/internal/queue"
	"github.com/ignite/inbox-sync/internal/store"
)

// =============================================================================
// THREAD SYNC WORKER - Fetches And Persists One Thread Per Job
// =============================================================================
// A pool of workers drains thread_sync_jobs. Each job names one remote
// thread: the worker fetches its metadata and messages from the provider,
// persists both idempotently, and closes the matching work row. Any number
// of instances can run concurrently; the queue's visibility timeout and the
// work-row claim keep them from stepping on each other.

// ThreadSyncWorker drains the thread-sync queue with a worker pool.
type ThreadSyncWorker struct {
	store    *store.Store
	queue    *queue.Client
	provider provider.Client
	limiter  *ProviderRateLimiter
	cfg      config.ThreadSyncConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewThreadSyncWorker creates the pool. limiter may be nil.
func NewThreadSyncWorker(st *store.Store, qc *queue.Client, pc provider.Client, limiter *ProviderRateLimiter, cfg config.ThreadSyncConfig) *ThreadSyncWorker {
	if limiter == nil {
		limiter = NewProviderRateLimiter(nil, 0)
	}
	return &ThreadSyncWorker{store: st, queue: qc, provider: pc, limiter: limiter, cfg: cfg}
}

// Start launches the worker goroutines.
func (w *ThreadSyncWorker) Start(ctx context.Context) {
	w.ctx, w.cancel = context.WithCancel(ctx)
	log.Printf("[ThreadSync] Starting %d workers (batch=%d, vt=%s, max_retries=%d)",
		w.cfg.NumWorkers, w.cfg.BatchSize, w.cfg.VisibilityTimeout(), w.cfg.MaxRetries)

	for i := 0; i < w.cfg.NumWorkers; i++ {
		w.wg.Add(1)
		go w.run(i)
	}
}

// Stop cancels the workers and waits for in-flight jobs to finish.
func (w *ThreadSyncWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	log.Println("[ThreadSync] Stopped")
}

func (w *ThreadSyncWorker) run(id int) {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		msgs, err := w.queue.Read(w.ctx, queue.ThreadSyncJobs, w.cfg.VisibilityTimeout(), w.cfg.BatchSize)
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			log.Printf("[ThreadSync] Worker %d: queue read error: %v", id, err)
			sleepCtx(w.ctx, w.cfg.PollInterval())
			continue
		}
		if len(msgs) == 0 {
			sleepCtx(w.ctx, w.cfg.PollInterval())
			continue
		}

		for _, msg := range msgs {
			if w.ctx.Err() != nil {
				return
			}
			w.handleMessage(msg)
			sleepCtx(w.ctx, w.cfg.ThreadDelay())
		}
	}
}

func (w *ThreadSyncWorker) handleMessage(msg queue.Message) {
	ctx := w.ctx

	job, err := queue.ParseThreadSyncJob(msg.Payload)
	if err != nil {
		log.Printf("[ThreadSync] Dropping malformed job (msg_id=%d): %v", msg.MsgID, err)
		if aerr := w.queue.Archive(ctx, queue.ThreadSyncJobs, msg.MsgID); aerr != nil {
			log.Printf("[ThreadSync] Archive error: %v", aerr)
		}
		return
	}

	if msg.ReadCt > w.cfg.MaxRetries {
		log.Printf("[ThreadSync] Thread %s exceeded %d retries, failing",
			job.ThreadID, w.cfg.MaxRetries)
		w.failTerminal(ctx, job, msg.MsgID, fmt.Sprintf("retries exhausted after %d deliveries", msg.ReadCt))
		return
	}

	grantID, err := w.resolveGrant(ctx, job)
	if err != nil {
		log.Printf("[ThreadSync] Thread %s: grant resolution error: %v", job.ThreadID, err)
		return // redeliver after visibility timeout
	}
	if grantID == "" {
		w.failTerminal(ctx, job, msg.MsgID, "no grant_id available")
		return
	}

	// queued -> processing. A redelivered job finds the row already in
	// processing (previous attempt crashed); proceed without re-counting.
	claimed, err := w.store.ClaimWorkRow(ctx, job.ConfigID, job.ThreadID)
	if err != nil {
		log.Printf("[ThreadSync] Thread %s: claim error: %v", job.ThreadID, err)
		return
	}
	if claimed {
		if err := w.store.ApplyWorkRowClaim(ctx, job.ConfigID); err != nil {
			log.Printf("[ThreadSync] Thread %s: stats claim error: %v", job.ThreadID, err)
		}
	}

	synced, err := w.syncThread(ctx, grantID, job)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			// Shutdown: leave the row processing, the queue redelivers.
			return
		case errors.Is(err, provider.ErrNotFound):
			// Deleted remotely between pagination and sync. Same outcome as
			// an empty thread: the row closes completed with zero messages.
			log.Printf("[ThreadSync] Thread %s gone from provider, closing empty", job.ThreadID)
			synced = 0
		case errors.Is(err, provider.ErrUnauthorized):
			if _, merr := w.store.MarkGrantExpired(ctx, grantID); merr != nil {
				log.Printf("[ThreadSync] Thread %s: mark grant expired error: %v", job.ThreadID, merr)
			}
			log.Printf("[ThreadSync] Thread %s: grant unauthorized, will retry after reauth: %v", job.ThreadID, err)
			return // redeliver; retry cap eventually fails the row
		default:
			log.Printf("[ThreadSync] Thread %s failed (attempt %d/%d): %v",
				job.ThreadID, msg.ReadCt, w.cfg.MaxRetries, err)
			return // transient; redeliver after visibility timeout
		}
	}

	if err := w.store.CompleteWorkRow(ctx, job.ConfigID, job.ThreadID, synced); err != nil {
		log.Printf("[ThreadSync] Thread %s: complete error: %v", job.ThreadID, err)
		return
	}
	if err := w.store.ApplyWorkRowResult(ctx, job.ConfigID, true, synced); err != nil {
		log.Printf("[ThreadSync] Thread %s: stats result error: %v", job.ThreadID, err)
	}
	if err := w.queue.Delete(ctx, queue.ThreadSyncJobs, msg.MsgID); err != nil {
		log.Printf("[ThreadSync] Thread %s: delete error: %v", job.ThreadID, err)
	}
}

// failTerminal closes the work row as failed, records it on the counters, and
// archives the queue message.
func (w *ThreadSyncWorker) failTerminal(ctx context.Context, job queue.ThreadSyncJob, msgID int64, reason string) {
	if err := w.store.FailWorkRow(ctx, job.ConfigID, job.ThreadID, reason); err != nil {
		log.Printf("[ThreadSync] Thread %s: fail error: %v", job.ThreadID, err)
	}
	if err := w.store.ApplyWorkRowResult(ctx, job.ConfigID, false, 0); err != nil {
		log.Printf("[ThreadSync] Thread %s: stats result error: %v", job.ThreadID, err)
	}
	if err := w.queue.Archive(ctx, queue.ThreadSyncJobs, msgID); err != nil {
		log.Printf("[ThreadSync] Thread %s: archive error: %v", job.ThreadID, err)
	}
}

// resolveGrant picks the credential for a job: payload first, then the work
// row, then the inbox record.
func (w *ThreadSyncWorker) resolveGrant(ctx context.Context, job queue.ThreadSyncJob) (string, error) {
	if job.GrantID != "" {
		return job.GrantID, nil
	}
	if grant, err := w.store.WorkRowGrant(ctx, job.ConfigID, job.ThreadID); err == nil && grant != "" {
		return grant, nil
	}
	if job.InboxID != uuid.Nil {
		return w.store.GrantForInbox(ctx, job.InboxID)
	}
	return "", nil
}

// syncThread fetches the thread and its messages and persists both. Returns
// the number of remote messages accounted for locally (already-present
// messages count as synced).
func (w *ThreadSyncWorker) syncThread(ctx context.Context, grantID string, job queue.ThreadSyncJob) (int, error) {
	if err := w.limiter.Wait(ctx, grantID); err != nil {
		return 0, err
	}

	thread, err := w.provider.FindThread(ctx, grantID, job.ThreadID)
	if err != nil {
		return 0, fmt.Errorf("find thread: %w", err)
	}

	localID, err := w.store.UpsertThread(ctx, thread, job.InboxID)
	if err != nil {
		return 0, err
	}

	sleepCtx(ctx, w.cfg.APIDelay())
	if err := w.limiter.Wait(ctx, grantID); err != nil {
		return 0, err
	}

	messages, err := w.provider.ListMessages(ctx, grantID, provider.ListMessagesParams{
		ThreadID: job.ThreadID,
		Limit:    w.cfg.MaxMessagesPerThread,
	})
	if err != nil {
		return 0, fmt.Errorf("list messages: %w", err)
	}

	// Per-message failures are counted, not fatal: the rest of the thread
	// still syncs and the row closes with the achieved count.
	synced, failed := 0, 0
	for _, m := range messages {
		if err := ctx.Err(); err != nil {
			return synced, err
		}
		exists, err := w.store.MessageExists(ctx, m.ID)
		if err != nil {
			log.Printf("[ThreadSync] Thread %s: message %s lookup error: %v", job.ThreadID, m.ID, err)
			failed++
			continue
		}
		if exists {
			synced++
			continue
		}
		msg := m
		if _, err := w.store.InsertMessage(ctx, &msg, localID); err != nil {
			log.Printf("[ThreadSync] Thread %s: message %s insert error: %v", job.ThreadID, m.ID, err)
			failed++
			continue
		}
		synced++
		sleepCtx(ctx, w.cfg.MessageDelay())
	}

	log.Printf("[ThreadSync] Thread %s: synced %d/%d messages (%d failed)", job.ThreadID, synced, len(messages), failed)
	return synced, nil
}
