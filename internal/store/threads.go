package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/inbox-sync/internal/provider"
)

// ThreadExists reports whether a thread with the remote ID is already
// persisted.
func (s *Store) ThreadExists(ctx context.Context, remoteThreadID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM email_threads WHERE remote_thread_id = $1)
	`, remoteThreadID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("thread exists %s: %w", remoteThreadID, err)
	}
	return exists, nil
}

// MessageExists reports whether a message with the remote ID is already
// persisted.
func (s *Store) MessageExists(ctx context.Context, remoteMessageID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM email_messages WHERE remote_message_id = $1)
	`, remoteMessageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("message exists %s: %w", remoteMessageID, err)
	}
	return exists, nil
}

// UpsertThread persists provider thread metadata keyed on remote_thread_id
// and returns the local thread ID.
func (s *Store) UpsertThread(ctx context.Context, t *provider.Thread, inboxID uuid.UUID) (uuid.UUID, error) {
	participants, err := json.Marshal(t.Participants)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal participants for thread %s: %w", t.ID, err)
	}

	var latest interface{}
	if !t.LatestMessageAt.IsZero() {
		latest = t.LatestMessageAt
	}

	var localID uuid.UUID
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO email_threads (remote_thread_id, inbox_id, subject, participants, latest_message_at, unread, starred)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7)
		ON CONFLICT (remote_thread_id) DO UPDATE SET
			subject = EXCLUDED.subject,
			participants = EXCLUDED.participants,
			latest_message_at = COALESCE(EXCLUDED.latest_message_at, email_threads.latest_message_at),
			unread = EXCLUDED.unread,
			starred = EXCLUDED.starred,
			updated_at = NOW()
		RETURNING id
	`, t.ID, nullUUID(inboxID), t.Subject, string(participants), latest, t.Unread, t.Starred).Scan(&localID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("upsert thread %s: %w", t.ID, err)
	}
	return localID, nil
}

// LocalThreadID looks up the local row ID for a remote thread.
func (s *Store) LocalThreadID(ctx context.Context, remoteThreadID string) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM email_threads WHERE remote_thread_id = $1
	`, remoteThreadID).Scan(&id)
	if err == sql.ErrNoRows {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("local thread id %s: %w", remoteThreadID, err)
	}
	return id, true, nil
}

// InsertMessage persists a provider message keyed on remote_message_id.
// Returns false if the message already existed (no-op).
func (s *Store) InsertMessage(ctx context.Context, m *provider.Message, threadID uuid.UUID) (bool, error) {
	from, err := json.Marshal(m.From)
	if err != nil {
		return false, fmt.Errorf("marshal from for message %s: %w", m.ID, err)
	}
	to, err := json.Marshal(m.To)
	if err != nil {
		return false, fmt.Errorf("marshal to for message %s: %w", m.ID, err)
	}

	var sentAt interface{}
	if !m.SentAt.IsZero() {
		sentAt = m.SentAt
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO email_messages (remote_message_id, thread_id, remote_thread_id, from_participants, to_participants, subject, snippet, body, sent_at)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6, $7, $8, $9)
		ON CONFLICT (remote_message_id) DO NOTHING
	`, m.ID, threadID, m.ThreadID, string(from), string(to), m.Subject, m.Snippet, m.Body, sentAt)
	if err != nil {
		return false, fmt.Errorf("insert message %s: %w", m.ID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// TranscriptMessage is one message of a thread transcript in chronological
// order, used to compose the extraction prompt.
type TranscriptMessage struct {
	RemoteMessageID string
	Subject         string
	From            string
	To              string
	Body            string
	SentAt          time.Time
}

// ThreadTranscript loads all messages of a local thread in chronological
// order.
func (s *Store) ThreadTranscript(ctx context.Context, threadID uuid.UUID) ([]TranscriptMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT remote_message_id,
		       COALESCE(subject, ''),
		       COALESCE(from_participants::text, '[]'),
		       COALESCE(to_participants::text, '[]'),
		       COALESCE(NULLIF(body, ''), snippet, ''),
		       COALESCE(sent_at, created_at)
		FROM email_messages
		WHERE thread_id = $1
		ORDER BY COALESCE(sent_at, created_at), remote_message_id
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("transcript for thread %s: %w", threadID, err)
	}
	defer rows.Close()

	var out []TranscriptMessage
	for rows.Next() {
		var m TranscriptMessage
		if err := rows.Scan(&m.RemoteMessageID, &m.Subject, &m.From, &m.To, &m.Body, &m.SentAt); err != nil {
			return nil, fmt.Errorf("scan transcript message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecordSpamVerdict stores a spam/promotional classification on the thread.
func (s *Store) RecordSpamVerdict(ctx context.Context, threadID uuid.UUID, isSpam, isPromotional bool, confidence float64, reasoning string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE email_threads
		SET is_spam = $2, is_promotional = $3, spam_confidence = $4, spam_reasoning = $5, updated_at = NOW()
		WHERE id = $1
	`, threadID, isSpam, isPromotional, confidence, reasoning)
	if err != nil {
		return fmt.Errorf("record spam verdict for thread %s: %w", threadID, err)
	}
	return nil
}
