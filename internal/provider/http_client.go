package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/inbox-sync/internal/pkg/httpretry"
)

// HTTPClient talks to the Nylas v3 API. All timestamps on the wire are epoch
// seconds; they are converted to time.Time at this boundary.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  httpretry.HTTPDoer
}

// NewHTTPClient creates a provider client. Retries on 429/5xx are handled by
// the wrapped retry client; maxRetries <= 0 uses the default.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, maxRetries int) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  httpretry.NewRetryClient(&http.Client{Timeout: timeout}, maxRetries),
	}
}

// wire types: the provider returns {"data": ..., "next_cursor": ...} envelopes
// with epoch-second timestamps.

type wireThread struct {
	ID                 string        `json:"id"`
	Subject            string        `json:"subject"`
	Participants       []Participant `json:"participants"`
	LatestMessageAt    int64         `json:"latest_message_received_date"`
	LatestMessageSent  int64         `json:"latest_message_sent_date"`
	Unread             bool          `json:"unread"`
	Starred            bool          `json:"starred"`
}

func (w wireThread) toThread() Thread {
	ts := w.LatestMessageAt
	if w.LatestMessageSent > ts {
		ts = w.LatestMessageSent
	}
	t := Thread{
		ID:           w.ID,
		Subject:      w.Subject,
		Participants: w.Participants,
		Unread:       w.Unread,
		Starred:      w.Starred,
	}
	if ts > 0 {
		t.LatestMessageAt = time.Unix(ts, 0).UTC()
	}
	return t
}

type wireMessage struct {
	ID       string        `json:"id"`
	ThreadID string        `json:"thread_id"`
	Subject  string        `json:"subject"`
	From     []Participant `json:"from"`
	To       []Participant `json:"to"`
	Snippet  string        `json:"snippet"`
	Body     string        `json:"body"`
	Date     int64         `json:"date"`
}

func (w wireMessage) toMessage() Message {
	m := Message{
		ID:       w.ID,
		ThreadID: w.ThreadID,
		Subject:  w.Subject,
		From:     w.From,
		To:       w.To,
		Snippet:  w.Snippet,
		Body:     w.Body,
	}
	if w.Date > 0 {
		m.SentAt = time.Unix(w.Date, 0).UTC()
	}
	return m
}

// ListThreads returns one page of threads for a grant.
func (c *HTTPClient) ListThreads(ctx context.Context, grantID string, params ListThreadsParams) (*ThreadPage, error) {
	q := url.Values{}
	if params.Limit > 0 {
		q.Set("limit", strconv.Itoa(params.Limit))
	}
	if params.AfterTS > 0 {
		q.Set("latest_message_after", strconv.FormatInt(params.AfterTS, 10))
	}
	if params.BeforeTS > 0 {
		q.Set("latest_message_before", strconv.FormatInt(params.BeforeTS, 10))
	}
	if params.PageToken != "" {
		q.Set("page_token", params.PageToken)
	}

	var resp struct {
		Data       []wireThread `json:"data"`
		NextCursor string       `json:"next_cursor"`
	}
	path := fmt.Sprintf("/v3/grants/%s/threads", url.PathEscape(grantID))
	if err := c.get(ctx, path, q, &resp); err != nil {
		return nil, err
	}

	page := &ThreadPage{NextCursor: resp.NextCursor}
	for _, wt := range resp.Data {
		page.Threads = append(page.Threads, wt.toThread())
	}
	return page, nil
}

// FindThread fetches one thread by remote ID.
func (c *HTTPClient) FindThread(ctx context.Context, grantID, threadID string) (*Thread, error) {
	var resp struct {
		Data wireThread `json:"data"`
	}
	path := fmt.Sprintf("/v3/grants/%s/threads/%s", url.PathEscape(grantID), url.PathEscape(threadID))
	if err := c.get(ctx, path, nil, &resp); err != nil {
		return nil, err
	}
	t := resp.Data.toThread()
	return &t, nil
}

// ListMessages returns messages, optionally filtered by thread.
func (c *HTTPClient) ListMessages(ctx context.Context, grantID string, params ListMessagesParams) ([]Message, error) {
	q := url.Values{}
	if params.ThreadID != "" {
		q.Set("thread_id", params.ThreadID)
	}
	if params.Limit > 0 {
		q.Set("limit", strconv.Itoa(params.Limit))
	}

	var resp struct {
		Data []wireMessage `json:"data"`
	}
	path := fmt.Sprintf("/v3/grants/%s/messages", url.PathEscape(grantID))
	if err := c.get(ctx, path, q, &resp); err != nil {
		return nil, err
	}

	msgs := make([]Message, 0, len(resp.Data))
	for _, wm := range resp.Data {
		msgs = append(msgs, wm.toMessage())
	}
	return msgs, nil
}

// FindMessage fetches one message by remote ID.
func (c *HTTPClient) FindMessage(ctx context.Context, grantID, messageID string) (*Message, error) {
	var resp struct {
		Data wireMessage `json:"data"`
	}
	path := fmt.Sprintf("/v3/grants/%s/messages/%s", url.PathEscape(grantID), url.PathEscape(messageID))
	if err := c.get(ctx, path, nil, &resp); err != nil {
		return nil, err
	}
	m := resp.Data.toMessage()
	return &m, nil
}

func (c *HTTPClient) get(ctx context.Context, path string, q url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return fmt.Errorf("provider: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("provider: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return ErrNotFound
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w (%d)", ErrUnauthorized, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("provider: %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("provider: decode %s: %w", path, err)
	}
	return nil
}
