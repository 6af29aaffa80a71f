package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestListThreadsQueryAndDecode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/grants/g-1/threads" {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("limit") != "100" || q.Get("latest_message_after") != "1700000000" ||
			q.Get("latest_message_before") != "1700100000" || q.Get("page_token") != "tok" {
			t.Errorf("query = %v", q)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer key-1" {
			t.Errorf("auth = %q", auth)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"data": [
				{"id": "t-1", "subject": "hello", "latest_message_received_date": 1700000500, "unread": true},
				{"id": "t-2", "subject": "", "latest_message_sent_date": 1700000600}
			],
			"next_cursor": "tok-2"
		}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "key-1", 5*time.Second, 1)
	page, err := c.ListThreads(context.Background(), "g-1", ListThreadsParams{
		Limit:     100,
		AfterTS:   1700000000,
		BeforeTS:  1700100000,
		PageToken: "tok",
	})
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if page.NextCursor != "tok-2" || len(page.Threads) != 2 {
		t.Fatalf("page = %+v", page)
	}
	if page.Threads[0].ID != "t-1" || !page.Threads[0].Unread {
		t.Errorf("thread[0] = %+v", page.Threads[0])
	}
	if want := time.Unix(1700000500, 0).UTC(); !page.Threads[0].LatestMessageAt.Equal(want) {
		t.Errorf("latest at = %v, want %v", page.Threads[0].LatestMessageAt, want)
	}
	// Sent date stands in when no received date exists.
	if want := time.Unix(1700000600, 0).UTC(); !page.Threads[1].LatestMessageAt.Equal(want) {
		t.Errorf("thread[1] latest at = %v, want %v", page.Threads[1].LatestMessageAt, want)
	}
}

func TestFindThreadNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "k", 5*time.Second, 1)
	_, err := c.FindThread(context.Background(), "g", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "k", 5*time.Second, 1)
	_, err := c.ListMessages(context.Background(), "g", ListMessagesParams{ThreadID: "t"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestListMessagesDecodesEpochDates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("thread_id"); got != "t-1" {
			t.Errorf("thread_id = %q", got)
		}
		w.Write([]byte(`{"data": [
			{"id": "m-1", "thread_id": "t-1", "subject": "s", "date": 1700000001,
			 "from": [{"email": "a@x.com"}], "to": [{"email": "b@x.com"}],
			 "snippet": "hi", "body": "<p>hi</p>"}
		]}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "k", 5*time.Second, 1)
	msgs, err := c.ListMessages(context.Background(), "g", ListMessagesParams{ThreadID: "t-1"})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages", len(msgs))
	}
	m := msgs[0]
	if m.ID != "m-1" || m.From[0].Email != "a@x.com" || m.Body != "<p>hi</p>" {
		t.Errorf("message = %+v", m)
	}
	if want := time.Unix(1700000001, 0).UTC(); !m.SentAt.Equal(want) {
		t.Errorf("sent at = %v", m.SentAt)
	}
}

func TestServerErrorSurfacesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "bad grant"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "k", 5*time.Second, 1)
	_, err := c.FindMessage(context.Background(), "g", "m-1")
	if err == nil {
		t.Fatal("expected error")
	}
}
