// Package httpretry provides an HTTP client with automatic retries,
// exponential backoff with jitter, and Retry-After handling for calls to the
// email provider and LLM APIs.
package httpretry

import (
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// HTTPDoer is the interface for executing HTTP requests. Both *http.Client
// and *RetryClient satisfy it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryClient wraps an HTTPDoer with retry logic. It retries 429 and 5xx
// responses and transient transport errors; client errors (4xx other than
// 429) and context cancellation are returned immediately.
type RetryClient struct {
	client     HTTPDoer
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewRetryClient creates a RetryClient around the given HTTPDoer. A nil
// client uses a default http.Client with a 30s timeout; maxRetries <= 0
// defaults to 3.
func NewRetryClient(client HTTPDoer, maxRetries int) *RetryClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &RetryClient{
		client:     client,
		maxRetries: maxRetries,
		baseDelay:  500 * time.Millisecond,
		maxDelay:   20 * time.Second,
	}
}

// Do executes the request, retrying as needed. On the final attempt a
// retryable response is returned as-is so the caller can inspect it.
func (rc *RetryClient) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; ; attempt++ {
		if err := req.Context().Err(); err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("httpretry: reset request body: %w", err)
			}
			req.Body = body
		}

		resp, err := rc.client.Do(req)
		if err != nil {
			if req.Context().Err() != nil {
				return nil, err
			}
			lastErr = err
			if attempt >= rc.maxRetries {
				return nil, lastErr
			}
			rc.sleep(req, rc.backoff(attempt+1))
			continue
		}

		if !retryable(resp.StatusCode) || attempt >= rc.maxRetries {
			return resp, nil
		}

		// Honor Retry-After on 429 when the server provides one.
		delay := rc.backoff(attempt + 1)
		if ra := retryAfter(resp); ra > 0 && ra < rc.maxDelay {
			delay = ra
		}

		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("httpretry: status %d from %s %s", resp.StatusCode, req.Method, req.URL.Path)

		log.Printf("[httpretry] %s %s%s: status %d, retry %d/%d in %s",
			req.Method, req.URL.Host, req.URL.Path, resp.StatusCode, attempt+1, rc.maxRetries, delay)
		rc.sleep(req, delay)
	}
}

func (rc *RetryClient) sleep(req *http.Request, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-req.Context().Done():
	}
}

// backoff computes exponential backoff with half jitter, floored at 100ms.
func (rc *RetryClient) backoff(attempt int) time.Duration {
	d := rc.baseDelay << uint(attempt-1)
	if d > rc.maxDelay {
		d = rc.maxDelay
	}
	jittered := d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
	if jittered < 100*time.Millisecond {
		jittered = 100 * time.Millisecond
	}
	return jittered
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
