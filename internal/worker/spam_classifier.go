package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ignite/inbox-sync/internal/llm"
	"github.com/ignite/inbox-sync/internal/store"
)

// SpamVerdict is the classifier's judgement on a thread.
type SpamVerdict struct {
	IsSpam        bool    `json:"is_spam"`
	IsPromotional bool    `json:"is_promotional"`
	Confidence    float64 `json:"confidence"`
	Reasoning     string  `json:"reasoning"`
}

var spamSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"is_spam": {"type": "boolean"},
		"is_promotional": {"type": "boolean"},
		"confidence": {"type": "number"},
		"reasoning": {"type": "string"}
	},
	"required": ["is_spam", "is_promotional", "confidence", "reasoning"],
	"additionalProperties": false
}`)

const spamSystemPrompt = `You classify email threads. Mark is_spam for unsolicited bulk mail, phishing, or scams. Mark is_promotional for legitimate marketing, newsletters, and automated notifications. A thread between real people discussing real matters is neither. Be conservative: when unsure, leave both flags false and lower the confidence.`

// SpamClassifier runs a cheap LLM pass over a thread's opening messages to
// keep junk out of the extraction pipeline.
type SpamClassifier struct {
	llm   llm.Client
	model string
}

// NewSpamClassifier creates the classifier.
func NewSpamClassifier(client llm.Client, model string) *SpamClassifier {
	return &SpamClassifier{llm: client, model: model}
}

// Classify judges a thread from its subject and first few messages. Only a
// short prefix of each body is sent; spam is obvious early.
func (s *SpamClassifier) Classify(ctx context.Context, subject string, transcript []store.TranscriptMessage) (*SpamVerdict, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\n\n", subject)
	for i, m := range transcript {
		if i >= 3 {
			break
		}
		body := m.Body
		if len(body) > 1000 {
			body = body[:1000]
		}
		fmt.Fprintf(&b, "From: %s\n%s\n\n", m.From, body)
	}

	res, err := s.llm.GenerateObject(ctx, llm.GenerateRequest{
		Model:      s.model,
		System:     spamSystemPrompt,
		Prompt:     b.String(),
		Schema:     spamSchema,
		SchemaName: "spam_verdict",
		MaxTokens:  300,
		Strict:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("spam classification: %w", err)
	}

	var verdict SpamVerdict
	if err := json.Unmarshal(res.Object, &verdict); err != nil {
		return nil, fmt.Errorf("spam classification: bad verdict: %w", err)
	}
	return &verdict, nil
}
