package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/inbox-sync/internal/pkg/httputil"
	"github.com/ignite/inbox-sync/internal/queue"
)

// handleHealth reports liveness plus database reachability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		httputil.JSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  "database unreachable",
		})
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleConfigStatus returns lifecycle state and progress counters for one
// configuration.
func (s *Server) handleConfigStatus(w http.ResponseWriter, r *http.Request) {
	configID, err := uuid.Parse(chi.URLParam(r, "configID"))
	if err != nil {
		httputil.BadRequest(w, "invalid config id")
		return
	}

	status, err := s.store.ConfigStatus(r.Context(), configID)
	if err != nil {
		httputil.NotFound(w, "configuration not found")
		return
	}

	resp := map[string]interface{}{
		"config_id": configID,
		"status":    status,
	}

	if stats, err := s.store.GetStats(r.Context(), configID); err == nil && stats != nil {
		progress := map[string]interface{}{
			"threads_queued":     stats.ThreadsQueued,
			"threads_processing": stats.ThreadsProcessing,
			"threads_completed":  stats.ThreadsCompleted,
			"threads_failed":     stats.ThreadsFailed,
			"messages_synced":    stats.MessagesSynced,
		}
		if stats.SyncStartedAt != nil {
			progress["sync_started_at"] = stats.SyncStartedAt
		}
		if stats.SyncCompletedAt != nil {
			progress["sync_completed_at"] = stats.SyncCompletedAt
		}
		resp["progress"] = progress
	}

	httputil.JSON(w, http.StatusOK, resp)
}

// handleQueueDepth reports visible backlog per queue, for dashboards and
// alerting.
func (s *Server) handleQueueDepth(w http.ResponseWriter, r *http.Request) {
	depths := map[string]int{}
	for _, name := range []string{
		queue.InboxBackfillJobs,
		queue.ThreadSyncJobs,
		queue.WebhookNotifications,
		queue.ExtractionJobs,
	} {
		d, err := s.queue.Depth(r.Context(), name)
		if err != nil {
			httputil.InternalError(w, err)
			return
		}
		depths[name] = d
	}
	httputil.JSON(w, http.StatusOK, depths)
}
