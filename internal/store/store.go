// Package store is the relational persistence layer for the sync pipeline:
// configurations and their checkpoints, inbox bindings, persisted threads and
// messages, per-thread work rows, progress counters, and extraction records.
// All writes are idempotent upserts keyed by remote identifiers or saturating
// counter updates; no application-level locking is used.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// Configuration lifecycle statuses.
const (
	ConfigIdle       = "idle"
	ConfigBackfill   = "backfill"
	ConfigThreadSync = "thread_sync"
	ConfigCompleted  = "completed"
	ConfigFailed     = "failed"
)

// Work row statuses.
const (
	WorkQueued     = "queued"
	WorkProcessing = "processing"
	WorkCompleted  = "completed"
	WorkFailed     = "failed"
)

// Extraction tracking statuses.
const (
	ExtractionQueued     = "queued"
	ExtractionProcessing = "processing"
	ExtractionRetrying   = "retrying"
	ExtractionCompleted  = "completed"
	ExtractionFailed     = "failed"
)

// Store wraps the shared database handle.
type Store struct {
	db *sql.DB
}

// New creates a Store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for callers that share the connection
// pool (queue client, advisory leases).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Checkpoint is the resumption state stored on a configuration during
// backfill. CurrentPage is monotone for a given config until cleared.
type Checkpoint struct {
	LastPageToken string `json:"last_page_token"`
	ThreadsQueued int    `json:"threads_queued"`
	CurrentPage   int    `json:"current_page"`
	Error         string `json:"error,omitempty"`
}

func marshalCheckpoint(cp Checkpoint) (string, error) {
	b, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint: %w", err)
	}
	return string(b), nil
}

func unmarshalCheckpoint(blob string, cp *Checkpoint) error {
	if err := json.Unmarshal([]byte(blob), cp); err != nil {
		return fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return nil
}
