package worker

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/inbox-sync/internal/config"
	"github.com/ignite/inbox-sync/internal/store"
)

// =============================================================================
// COMPLETION MONITOR - Closes Configurations And Recovers Bad Closures
// =============================================================================
// Recomputes progress counters for every active configuration from the
// work-row table and closes the configuration when all emitted rows are
// terminal. A slower second loop reopens configurations that were marked
// completed while rows were still pending (premature completion).
//
// Runs as a singleton behind a lease: concurrent recomputes are harmless
// but concurrent close decisions race the recovery scan.

// CompletionMonitor drives configuration completion.
type CompletionMonitor struct {
	store *store.Store
	cfg   config.MonitorConfig
}

// NewCompletionMonitor creates the monitor.
func NewCompletionMonitor(st *store.Store, cfg config.MonitorConfig) *CompletionMonitor {
	return &CompletionMonitor{store: st, cfg: cfg}
}

// Start runs both loops until ctx is cancelled.
func (m *CompletionMonitor) Start(ctx context.Context) {
	log.Printf("[CompletionMonitor] Starting (check=%s, recovery=%s, auto_recovery=%v)",
		m.cfg.CheckInterval(), m.cfg.RecoveryInterval(), m.cfg.AutoRecovery)

	checkTicker := time.NewTicker(m.cfg.CheckInterval())
	defer checkTicker.Stop()
	recoveryTicker := time.NewTicker(m.cfg.RecoveryInterval())
	defer recoveryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[CompletionMonitor] Stopping")
			return
		case <-checkTicker.C:
			m.checkActive(ctx)
		case <-recoveryTicker.C:
			if m.cfg.AutoRecovery {
				m.recoverPremature(ctx)
			}
		}
	}
}

// checkActive recomputes counters for every in-flight configuration and
// closes the ones whose work is done.
func (m *CompletionMonitor) checkActive(ctx context.Context) {
	ids, err := m.store.ActiveConfigIDs(ctx)
	if err != nil {
		log.Printf("[CompletionMonitor] Active config scan error: %v", err)
		return
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := m.checkOne(ctx, id); err != nil {
			log.Printf("[CompletionMonitor] Config %s: %v", id, err)
		}
	}
}

func (m *CompletionMonitor) checkOne(ctx context.Context, configID uuid.UUID) error {
	if err := m.store.RecomputeStats(ctx, configID); err != nil {
		return err
	}

	status, err := m.store.ConfigStatus(ctx, configID)
	if err != nil {
		return err
	}
	// Only thread_sync configurations are completion candidates. A backfill
	// still paginating has rows trickling in; its counts are not final.
	if status != store.ConfigThreadSync {
		return nil
	}

	check, err := m.store.CompletionCheckFor(ctx, configID)
	if err != nil {
		return err
	}
	if !check.ReadyToComplete() {
		return nil
	}

	if err := m.store.CompleteConfig(ctx, configID); err != nil {
		return err
	}
	if err := m.store.MarkStatsCompleted(ctx, configID); err != nil {
		return err
	}
	log.Printf("[CompletionMonitor] Config %s completed (%d ok, %d failed of %d threads)",
		configID, check.CompletedRows, check.FailedRows, check.TotalRows)
	return nil
}

// recoverPremature reopens configurations closed while work rows were still
// queued or processing.
func (m *CompletionMonitor) recoverPremature(ctx context.Context) {
	ids, err := m.store.PrematurelyCompletedConfigIDs(ctx)
	if err != nil {
		log.Printf("[CompletionMonitor] Premature-completion scan error: %v", err)
		return
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := m.store.RevertPrematureCompletion(ctx, id); err != nil {
			log.Printf("[CompletionMonitor] Config %s: revert error: %v", id, err)
			continue
		}
		if err := m.store.ClearStatsCompleted(ctx, id); err != nil {
			log.Printf("[CompletionMonitor] Config %s: clear stats error: %v", id, err)
		}
		log.Printf("[CompletionMonitor] Config %s reopened: completed with pending work rows", id)
	}
}
