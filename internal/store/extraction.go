package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ExtractionCandidate is a synced thread that has messages but no extraction
// record yet.
type ExtractionCandidate struct {
	ThreadID uuid.UUID
	InboxID  uuid.UUID
	Subject  string
}

// ExtractionCandidates returns up to limit threads with persisted messages
// and no extraction record at the given version. Threads already flagged
// spam or promotional are excluded.
func (s *Store) ExtractionCandidates(ctx context.Context, version, limit int) ([]ExtractionCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, COALESCE(t.inbox_id, '00000000-0000-0000-0000-000000000000'::uuid), COALESCE(t.subject, '')
		FROM email_threads t
		WHERE EXISTS (SELECT 1 FROM email_messages m WHERE m.thread_id = t.id)
		  AND NOT EXISTS (
			SELECT 1 FROM thread_extractions e
			WHERE e.thread_id = t.id AND e.extraction_version = $1
		  )
		  AND COALESCE(t.is_spam, false) = false
		  AND COALESCE(t.is_promotional, false) = false
		ORDER BY t.created_at
		LIMIT $2
	`, version, limit)
	if err != nil {
		return nil, fmt.Errorf("extraction candidates: %w", err)
	}
	defer rows.Close()

	var out []ExtractionCandidate
	for rows.Next() {
		var c ExtractionCandidate
		if err := rows.Scan(&c.ThreadID, &c.InboxID, &c.Subject); err != nil {
			return nil, fmt.Errorf("scan extraction candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ExtractionTrackingStatus returns the tracking-row status for a thread, or
// "" when no row exists.
func (s *Store) ExtractionTrackingStatus(ctx context.Context, threadID uuid.UUID) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT status FROM extraction_queue WHERE thread_id = $1
	`, threadID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("extraction tracking status for thread %s: %w", threadID, err)
	}
	return status, nil
}

// InsertExtractionTracking adds a visibility row for a queued extraction.
// Returns false when a row already exists (duplicate enqueue, treated as a
// successful skip).
func (s *Store) InsertExtractionTracking(ctx context.Context, threadID, inboxID uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO extraction_queue (thread_id, inbox_id, status, queued_at)
		VALUES ($1, $2, 'queued', NOW())
		ON CONFLICT (thread_id) DO NOTHING
	`, threadID, nullUUID(inboxID))
	if err != nil {
		// A unique violation racing past the ON CONFLICT guard is still a skip.
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return false, nil
		}
		return false, fmt.Errorf("insert extraction tracking for thread %s: %w", threadID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetExtractionTrackingStatus updates the visibility row. The durable queue
// remains authoritative for the work itself.
func (s *Store) SetExtractionTrackingStatus(ctx context.Context, threadID uuid.UUID, status, errMsg string) error {
	if len(errMsg) > 500 {
		errMsg = errMsg[:500]
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE extraction_queue
		SET status = $2,
		    error = NULLIF($3, ''),
		    attempts = attempts + CASE WHEN $2 IN ('processing', 'retrying') THEN 1 ELSE 0 END,
		    processed_at = CASE WHEN $2 IN ('completed', 'failed') THEN NOW() ELSE processed_at END
		WHERE thread_id = $1
	`, threadID, status, errMsg)
	if err != nil {
		return fmt.Errorf("set extraction tracking for thread %s: %w", threadID, err)
	}
	return nil
}

// Extraction is the structured record produced by the LLM for a thread.
// JSON-typed fields carry the nested schema parts verbatim.
type Extraction struct {
	ThreadID       uuid.UUID
	Version        int
	Summary        string
	Intent         string
	Urgency        string
	Sentiment      string
	NeedsReply     bool
	Actionability  string
	Scores         json.RawMessage
	Classification json.RawMessage
	Tasks          json.RawMessage
	Risks          json.RawMessage
	Keywords       json.RawMessage
	Participants   json.RawMessage
	ProjectTag     string
	MessageType    string
	IsReply        bool
	IsForward      bool
	ReadingTimeSec int
	Model          string
	InputTokens    int
	OutputTokens   int
	Entities       []ExtractionEntity
}

// ExtractionEntity is one named entity detected in a thread.
type ExtractionEntity struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// SaveExtraction persists the extraction record and its entities in one
// transaction, then marks every message of the thread as extracted. Keyed on
// (thread_id, extraction_version), so re-running a job replaces the record
// instead of duplicating it.
func (s *Store) SaveExtraction(ctx context.Context, e *Extraction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin extraction tx: %w", err)
	}
	defer tx.Rollback()

	var extractionID uuid.UUID
	err = tx.QueryRowContext(ctx, `
		INSERT INTO thread_extractions (thread_id, extraction_version, summary, intent, urgency,
			sentiment, needs_reply, actionability, scores, classification, tasks, risks,
			keywords, participants, project_tag, message_type, is_reply, is_forward,
			reading_time_sec, model, input_tokens, output_tokens)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10::jsonb, $11::jsonb, $12::jsonb,
			$13::jsonb, $14::jsonb, $15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (thread_id, extraction_version) DO UPDATE SET
			summary = EXCLUDED.summary,
			intent = EXCLUDED.intent,
			urgency = EXCLUDED.urgency,
			sentiment = EXCLUDED.sentiment,
			needs_reply = EXCLUDED.needs_reply,
			actionability = EXCLUDED.actionability,
			scores = EXCLUDED.scores,
			classification = EXCLUDED.classification,
			tasks = EXCLUDED.tasks,
			risks = EXCLUDED.risks,
			keywords = EXCLUDED.keywords,
			participants = EXCLUDED.participants,
			project_tag = EXCLUDED.project_tag,
			message_type = EXCLUDED.message_type,
			is_reply = EXCLUDED.is_reply,
			is_forward = EXCLUDED.is_forward,
			reading_time_sec = EXCLUDED.reading_time_sec,
			model = EXCLUDED.model,
			input_tokens = EXCLUDED.input_tokens,
			output_tokens = EXCLUDED.output_tokens
		RETURNING id
	`, e.ThreadID, e.Version, e.Summary, e.Intent, e.Urgency, e.Sentiment, e.NeedsReply,
		e.Actionability, jsonbOrNull(e.Scores), jsonbOrNull(e.Classification), jsonbOrNull(e.Tasks),
		jsonbOrNull(e.Risks), jsonbOrNull(e.Keywords), jsonbOrNull(e.Participants), e.ProjectTag,
		e.MessageType, e.IsReply, e.IsForward, e.ReadingTimeSec, e.Model, e.InputTokens,
		e.OutputTokens).Scan(&extractionID)
	if err != nil {
		return fmt.Errorf("insert extraction for thread %s: %w", e.ThreadID, err)
	}

	// Replace entities wholesale; the record was just rewritten.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM extraction_entities WHERE extraction_id = $1
	`, extractionID); err != nil {
		return fmt.Errorf("clear entities for extraction %s: %w", extractionID, err)
	}
	for _, ent := range e.Entities {
		if ent.Value == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO extraction_entities (extraction_id, entity_type, value)
			VALUES ($1, $2, $3)
		`, extractionID, ent.Type, ent.Value); err != nil {
			return fmt.Errorf("insert entity for extraction %s: %w", extractionID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE email_messages SET extraction_status = 'completed' WHERE thread_id = $1
	`, e.ThreadID); err != nil {
		return fmt.Errorf("mark messages extracted for thread %s: %w", e.ThreadID, err)
	}

	return tx.Commit()
}

func jsonbOrNull(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
