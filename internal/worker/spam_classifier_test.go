package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/ignite/inbox-sync/internal/llm"
	"github.com/ignite/inbox-sync/internal/store"
)

// fakeLLM returns a canned object and records the last request.
type fakeLLM struct {
	object  json.RawMessage
	err     error
	lastReq llm.GenerateRequest
}

func (f *fakeLLM) GenerateObject(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResult, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &llm.GenerateResult{
		Object: f.object,
		Usage:  llm.Usage{InputTokens: 100, OutputTokens: 20},
	}, nil
}

func TestClassify(t *testing.T) {
	fake := &fakeLLM{
		object: json.RawMessage(`{"is_spam":false,"is_promotional":true,"confidence":0.91,"reasoning":"weekly newsletter"}`),
	}
	classifier := NewSpamClassifier(fake, "gpt-4o-mini")

	transcript := []store.TranscriptMessage{
		{From: `[{"email":"news@example.com"}]`, Body: "This week in tech..."},
	}
	verdict, err := classifier.Classify(context.Background(), "Weekly Digest", transcript)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if verdict.IsSpam || !verdict.IsPromotional {
		t.Errorf("verdict = %+v", verdict)
	}
	if verdict.Confidence != 0.91 {
		t.Errorf("confidence = %v", verdict.Confidence)
	}
	if fake.lastReq.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", fake.lastReq.Model)
	}
	if !strings.Contains(fake.lastReq.Prompt, "Weekly Digest") {
		t.Error("prompt should carry the subject")
	}
}

func TestClassifyTruncatesLongBodies(t *testing.T) {
	fake := &fakeLLM{
		object: json.RawMessage(`{"is_spam":false,"is_promotional":false,"confidence":0.5,"reasoning":""}`),
	}
	classifier := NewSpamClassifier(fake, "m")

	transcript := []store.TranscriptMessage{
		{Body: strings.Repeat("a", 5000)},
	}
	if _, err := classifier.Classify(context.Background(), "s", transcript); err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if len(fake.lastReq.Prompt) > 2000 {
		t.Errorf("prompt length %d, body was not truncated", len(fake.lastReq.Prompt))
	}
}

func TestClassifyOnlyUsesOpeningMessages(t *testing.T) {
	fake := &fakeLLM{
		object: json.RawMessage(`{"is_spam":true,"is_promotional":false,"confidence":0.99,"reasoning":"phish"}`),
	}
	classifier := NewSpamClassifier(fake, "m")

	transcript := make([]store.TranscriptMessage, 10)
	for i := range transcript {
		transcript[i] = store.TranscriptMessage{Body: "msg"}
	}
	transcript[5].Body = "LATE-MESSAGE-MARKER"

	if _, err := classifier.Classify(context.Background(), "s", transcript); err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if strings.Contains(fake.lastReq.Prompt, "LATE-MESSAGE-MARKER") {
		t.Error("classifier should only send the first few messages")
	}
}

func TestClassifyPropagatesLLMError(t *testing.T) {
	fake := &fakeLLM{err: errors.New("model overloaded")}
	classifier := NewSpamClassifier(fake, "m")
	if _, err := classifier.Classify(context.Background(), "s", []store.TranscriptMessage{{Body: "x"}}); err == nil {
		t.Error("expected error from LLM failure")
	}
}
