package queue

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestParseThreadSyncJob(t *testing.T) {
	configID := uuid.New()
	raw := []byte(`{"thread_id":"t-abc","grant_id":"g-1","config_id":"` + configID.String() + `"}`)

	job, err := ParseThreadSyncJob(raw)
	if err != nil {
		t.Fatalf("ParseThreadSyncJob: %v", err)
	}
	if job.ThreadID != "t-abc" || job.GrantID != "g-1" || job.ConfigID != configID {
		t.Errorf("job = %+v", job)
	}
}

func TestParseThreadSyncJobMissingThread(t *testing.T) {
	if _, err := ParseThreadSyncJob([]byte(`{"grant_id":"g"}`)); err == nil {
		t.Error("expected error for missing thread_id")
	}
}

func TestParseBackfillJobMissingConfig(t *testing.T) {
	if _, err := ParseBackfillJob([]byte(`{"grant_id":"g"}`)); err == nil {
		t.Error("expected error for missing config_id")
	}
}

func TestParseWebhookNotificationKeepsPayload(t *testing.T) {
	raw := []byte(`{"notification_type":"message.created","payload":{"data":{"object":{"id":"m-1"}}}}`)
	n, err := ParseWebhookNotification(raw)
	if err != nil {
		t.Fatalf("ParseWebhookNotification: %v", err)
	}
	var inner struct {
		Data struct {
			Object struct {
				ID string `json:"id"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(n.Payload, &inner); err != nil {
		t.Fatalf("inner payload: %v", err)
	}
	if inner.Data.Object.ID != "m-1" {
		t.Errorf("inner id = %q", inner.Data.Object.ID)
	}
}

func TestParseExtractionJobMissingThread(t *testing.T) {
	if _, err := ParseExtractionJob([]byte(`{}`)); err == nil {
		t.Error("expected error for missing thread_id")
	}
}

func TestParseMalformedJSON(t *testing.T) {
	if _, err := ParseBackfillJob([]byte(`{not json`)); err == nil {
		t.Error("expected error for malformed json")
	}
}
