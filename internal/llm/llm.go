// Package llm provides structured-output LLM inference for spam
// classification and thread extraction. Two backends are available: OpenAI
// chat completions with JSON-schema response formatting, and AWS Bedrock
// (Claude) with JSON-only prompting.
package llm

import (
	"context"
	"encoding/json"
)

// GenerateRequest asks the model to produce a JSON object conforming to a
// JSON Schema.
type GenerateRequest struct {
	Model       string
	System      string
	Prompt      string
	Schema      json.RawMessage // JSON Schema for the expected object
	SchemaName  string
	Temperature float64
	MaxTokens   int
	Strict      bool // enforce strict schema validation where supported
}

// Usage reports token consumption for a generation.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// GenerateResult is the structured output plus usage accounting.
type GenerateResult struct {
	Object json.RawMessage
	Usage  Usage
}

// Client generates structured objects from prompts.
type Client interface {
	GenerateObject(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
}
