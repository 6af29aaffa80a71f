package worker

import (
	"context"
	"log"
	"time"

	"github.com/ignite/inbox-sync/internal/config"
	"github.com/ignite/inbox-sync/internal/queue"
	"github.com/ignite/inbox-sync/internal/store"
)

// =============================================================================
// EXTRACTION ENQUEUER - Feeds Synced Threads Into The Extraction Queue
// =============================================================================
// Periodically scans for threads that have messages but no extraction record
// at the current version, optionally runs the spam gate, and publishes
// extraction jobs. The tracking row's unique thread_id constraint makes
// enqueueing idempotent across scans and restarts.
//
// Runs as a singleton behind a lease; duplicate scanners would race the
// spam gate and burn LLM budget on the same threads.

// ExtractionEnqueuer discovers and publishes extraction candidates.
type ExtractionEnqueuer struct {
	store      *store.Store
	queue      *queue.Client
	classifier *SpamClassifier
	cfg        config.ExtractionConfig
}

// NewExtractionEnqueuer creates the enqueuer. classifier may be nil; spam
// detection is then skipped regardless of configuration.
func NewExtractionEnqueuer(st *store.Store, qc *queue.Client, classifier *SpamClassifier, cfg config.ExtractionConfig) *ExtractionEnqueuer {
	return &ExtractionEnqueuer{store: st, queue: qc, classifier: classifier, cfg: cfg}
}

// Start runs the discovery loop until ctx is cancelled.
func (e *ExtractionEnqueuer) Start(ctx context.Context) {
	log.Printf("[ExtractionEnqueuer] Starting (interval=%s, batch=%d, version=%d, spam_detection=%v)",
		e.cfg.EnqueueInterval(), e.cfg.BatchSize, e.cfg.Version, e.spamEnabled())

	ticker := time.NewTicker(e.cfg.EnqueueInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[ExtractionEnqueuer] Stopping")
			return
		case <-ticker.C:
			if err := e.scan(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[ExtractionEnqueuer] Scan error: %v", err)
			}
		}
	}
}

func (e *ExtractionEnqueuer) spamEnabled() bool {
	return e.cfg.SpamDetection && e.classifier != nil
}

func (e *ExtractionEnqueuer) scan(ctx context.Context) error {
	candidates, err := e.store.ExtractionCandidates(ctx, e.cfg.Version, e.cfg.BatchSize)
	if err != nil {
		return err
	}

	enqueued := 0
	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := e.enqueueOne(ctx, cand)
		if err != nil {
			log.Printf("[ExtractionEnqueuer] Thread %s: %v", cand.ThreadID, err)
			continue
		}
		if ok {
			enqueued++
		}
	}

	if enqueued > 0 {
		log.Printf("[ExtractionEnqueuer] Enqueued %d of %d candidates", enqueued, len(candidates))
	}
	return nil
}

// enqueueOne gates one candidate through spam detection and publishes it.
// Returns false when the thread was skipped (spam, or already in flight).
// A tracking row left in failed status is reset and re-published.
func (e *ExtractionEnqueuer) enqueueOne(ctx context.Context, cand store.ExtractionCandidate) (bool, error) {
	if e.spamEnabled() {
		spam, err := e.gateSpam(ctx, cand)
		if err != nil {
			return false, err
		}
		if spam {
			return false, nil
		}
	}

	inserted, err := e.store.InsertExtractionTracking(ctx, cand.ThreadID, cand.InboxID)
	if err != nil {
		return false, err
	}
	if !inserted {
		status, err := e.store.ExtractionTrackingStatus(ctx, cand.ThreadID)
		if err != nil {
			return false, err
		}
		switch status {
		case store.ExtractionQueued, store.ExtractionProcessing, store.ExtractionRetrying:
			// In flight from an earlier scan.
			return false, nil
		}
		// A failed row would otherwise never run again; reset it and publish
		// a fresh job.
		if err := e.store.SetExtractionTrackingStatus(ctx, cand.ThreadID, store.ExtractionQueued, ""); err != nil {
			return false, err
		}
		log.Printf("[ExtractionEnqueuer] Thread %s: re-publishing after %s", cand.ThreadID, status)
	}

	_, err = e.queue.Send(ctx, queue.ExtractionJobs, queue.ExtractionJob{
		ThreadID: cand.ThreadID,
		InboxID:  cand.InboxID,
	})
	if err != nil {
		// The tracking row exists but nothing is on the queue; flag it so the
		// failure is visible instead of silently stuck in queued.
		if serr := e.store.SetExtractionTrackingStatus(ctx, cand.ThreadID, store.ExtractionFailed, "enqueue failed: "+err.Error()); serr != nil {
			log.Printf("[ExtractionEnqueuer] Thread %s: tracking error: %v", cand.ThreadID, serr)
		}
		return false, err
	}
	return true, nil
}

// gateSpam classifies the thread and records the verdict. Returns true when
// the thread should not be extracted. Classifier errors fail open so an LLM
// outage never blocks the pipeline.
func (e *ExtractionEnqueuer) gateSpam(ctx context.Context, cand store.ExtractionCandidate) (bool, error) {
	transcript, err := e.store.ThreadTranscript(ctx, cand.ThreadID)
	if err != nil {
		return false, err
	}
	if len(transcript) == 0 {
		return false, nil
	}

	verdict, err := e.classifier.Classify(ctx, cand.Subject, transcript)
	if err != nil {
		log.Printf("[ExtractionEnqueuer] Thread %s: spam gate error, passing through: %v", cand.ThreadID, err)
		return false, nil
	}

	if err := e.store.RecordSpamVerdict(ctx, cand.ThreadID, verdict.IsSpam, verdict.IsPromotional,
		verdict.Confidence, verdict.Reasoning); err != nil {
		return false, err
	}

	if verdict.IsSpam || verdict.IsPromotional {
		log.Printf("[ExtractionEnqueuer] Thread %s gated (spam=%v promotional=%v conf=%.2f)",
			cand.ThreadID, verdict.IsSpam, verdict.IsPromotional, verdict.Confidence)
		return true, nil
	}
	return false, nil
}
