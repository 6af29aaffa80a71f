// Package queue implements a durable message queue on PostgreSQL with
// per-message visibility timeouts and delivery counters. Each logical queue
// is a table (pgmq_<name>); reads claim visible messages with
// FOR UPDATE SKIP LOCKED, increment read_ct, and push the visibility
// timestamp forward. Messages that are not deleted before the timeout
// reappear on the next read, so consumers must be idempotent.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// Logical queue names used by the sync pipeline.
const (
	InboxBackfillJobs    = "inbox_backfill_jobs"
	ThreadSyncJobs       = "thread_sync_jobs"
	WebhookNotifications = "webhook_notifications"
	ExtractionJobs       = "extraction_jobs"
)

// Message is a claimed queue message. ReadCt counts deliveries including
// this one, so a consumer seeing ReadCt > maxRetries should record terminal
// failure and remove the message.
type Message struct {
	MsgID      int64
	ReadCt     int
	EnqueuedAt time.Time
	Payload    json.RawMessage
}

// Client provides queue operations over a shared *sql.DB.
type Client struct {
	db *sql.DB
}

// NewClient creates a queue client.
func NewClient(db *sql.DB) *Client {
	return &Client{db: db}
}

var queueNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

func tableName(queue string) (string, error) {
	if !queueNameRe.MatchString(queue) {
		return "", fmt.Errorf("invalid queue name %q", queue)
	}
	return "pgmq_" + queue, nil
}

// Send enqueues a payload and returns its message ID. The payload must
// marshal to JSON.
func (c *Client) Send(ctx context.Context, queue string, payload interface{}) (int64, error) {
	table, err := tableName(queue)
	if err != nil {
		return 0, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload for %s: %w", queue, err)
	}

	var msgID int64
	err = c.db.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (message) VALUES ($1::jsonb) RETURNING msg_id
	`, table), string(body)).Scan(&msgID)
	if err != nil {
		return 0, fmt.Errorf("send to %s: %w", queue, err)
	}
	return msgID, nil
}

// Read claims up to limit visible messages, hiding each for the given
// visibility timeout. Returns an empty slice when the queue is drained.
func (c *Client) Read(ctx context.Context, queue string, vt time.Duration, limit int) ([]Message, error) {
	table, err := tableName(queue)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1
	}

	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET vt = NOW() + $1::interval,
		    read_ct = read_ct + 1
		WHERE msg_id IN (
			SELECT msg_id FROM %s
			WHERE vt <= NOW()
			ORDER BY msg_id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING msg_id, read_ct, enqueued_at, message
	`, table, table), vt.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("read from %s: %w", queue, err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var raw []byte
		if err := rows.Scan(&m.MsgID, &m.ReadCt, &m.EnqueuedAt, &raw); err != nil {
			return nil, fmt.Errorf("scan message from %s: %w", queue, err)
		}
		m.Payload = json.RawMessage(raw)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Delete removes a message permanently (successful processing).
func (c *Client) Delete(ctx context.Context, queue string, msgID int64) error {
	table, err := tableName(queue)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE msg_id = $1
	`, table), msgID)
	if err != nil {
		return fmt.Errorf("delete msg %d from %s: %w", msgID, queue, err)
	}
	return nil
}

// Archive moves a message to the queue's archive table. Used for terminal
// failures so the payload stays inspectable.
func (c *Client) Archive(ctx context.Context, queue string, msgID int64) error {
	table, err := tableName(queue)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, fmt.Sprintf(`
		WITH moved AS (
			DELETE FROM %s WHERE msg_id = $1
			RETURNING msg_id, read_ct, enqueued_at, message
		)
		INSERT INTO %s_archive (msg_id, read_ct, enqueued_at, message)
		SELECT msg_id, read_ct, enqueued_at, message FROM moved
	`, table, table), msgID)
	if err != nil {
		return fmt.Errorf("archive msg %d from %s: %w", msgID, queue, err)
	}
	return nil
}

// Depth returns the number of messages currently on the queue, visible or not.
func (c *Client) Depth(ctx context.Context, queue string) (int, error) {
	table, err := tableName(queue)
	if err != nil {
		return 0, err
	}
	var n int
	err = c.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("depth of %s: %w", queue, err)
	}
	return n, nil
}
