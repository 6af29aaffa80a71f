// Package provider defines the email provider client consumed by the sync
// pipeline, plus an HTTP implementation against the Nylas v3 API. Workers
// depend on the Client interface so tests can substitute fakes.
package provider

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a thread or message does not exist on the
// provider (deleted remotely, or the grant lost access).
var ErrNotFound = errors.New("provider: not found")

// ErrUnauthorized is returned on 401/403 responses, which usually mean the
// grant was revoked or expired.
var ErrUnauthorized = errors.New("provider: unauthorized")

// Participant is a sender or recipient on a message or thread.
type Participant struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// Thread is provider thread metadata.
type Thread struct {
	ID              string        `json:"id"`
	Subject         string        `json:"subject"`
	Participants    []Participant `json:"participants"`
	LatestMessageAt time.Time     `json:"-"`
	Unread          bool          `json:"unread"`
	Starred         bool          `json:"starred"`
}

// Message is a provider message.
type Message struct {
	ID       string        `json:"id"`
	ThreadID string        `json:"thread_id"`
	Subject  string        `json:"subject"`
	From     []Participant `json:"from"`
	To       []Participant `json:"to"`
	Snippet  string        `json:"snippet"`
	Body     string        `json:"body"`
	SentAt   time.Time     `json:"-"`
}

// ListThreadsParams filters and paginates a thread listing. Timestamps are
// provider epoch seconds; zero values are omitted.
type ListThreadsParams struct {
	Limit     int
	AfterTS   int64 // latest_message_after
	BeforeTS  int64 // latest_message_before
	PageToken string
}

// ThreadPage is one page of a thread listing.
type ThreadPage struct {
	Threads    []Thread
	NextCursor string
}

// ListMessagesParams filters a message listing.
type ListMessagesParams struct {
	ThreadID string
	Limit    int
}

// Client is the request/response interface to the remote email provider.
type Client interface {
	ListThreads(ctx context.Context, grantID string, params ListThreadsParams) (*ThreadPage, error)
	FindThread(ctx context.Context, grantID, threadID string) (*Thread, error)
	ListMessages(ctx context.Context, grantID string, params ListMessagesParams) ([]Message, error)
	FindMessage(ctx context.Context, grantID, messageID string) (*Message, error)
}
