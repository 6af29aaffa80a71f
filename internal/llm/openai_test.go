package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGenerateObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("auth = %q", auth)
		}

		var req map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		rf, ok := req["response_format"].(map[string]interface{})
		if !ok || rf["type"] != "json_schema" {
			t.Errorf("response_format = %v", req["response_format"])
		}
		js := rf["json_schema"].(map[string]interface{})
		if js["name"] != "verdict" || js["strict"] != true {
			t.Errorf("json_schema = %v", js)
		}

		w.Write([]byte(`{
			"choices": [{"message": {"content": "{\"ok\": true}"}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 4}
		}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient("sk-test", srv.URL, 5*time.Second)
	res, err := c.GenerateObject(context.Background(), GenerateRequest{
		Model:      "gpt-4o-mini",
		Prompt:     "judge this",
		Schema:     json.RawMessage(`{"type":"object"}`),
		SchemaName: "verdict",
		Strict:     true,
	})
	if err != nil {
		t.Fatalf("GenerateObject: %v", err)
	}
	var obj map[string]bool
	if err := json.Unmarshal(res.Object, &obj); err != nil || !obj["ok"] {
		t.Errorf("object = %s", res.Object)
	}
	if res.Usage.InputTokens != 12 || res.Usage.OutputTokens != 4 {
		t.Errorf("usage = %+v", res.Usage)
	}
}

func TestGenerateObjectAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"message": "invalid schema", "type": "invalid_request_error"}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient("sk-test", srv.URL, 5*time.Second)
	_, err := c.GenerateObject(context.Background(), GenerateRequest{Model: "m", Prompt: "p", Schema: json.RawMessage(`{}`)})
	if err == nil {
		t.Fatal("expected API error")
	}
}

func TestGenerateObjectRejectsInvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices": [{"message": {"content": "not json at all"}}], "usage": {}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient("sk-test", srv.URL, 5*time.Second)
	_, err := c.GenerateObject(context.Background(), GenerateRequest{Model: "m", Prompt: "p", Schema: json.RawMessage(`{}`)})
	if err == nil {
		t.Fatal("expected error for non-JSON model output")
	}
}

func TestGenerateObjectNoAPIKey(t *testing.T) {
	c := NewOpenAIClient("", "", time.Second)
	if _, err := c.GenerateObject(context.Background(), GenerateRequest{Model: "m"}); err == nil {
		t.Fatal("expected error without API key")
	}
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{`{"a":1}`, `{"a":1}`, false},
		{"Here is the result:\n```json\n{\"a\":1}\n```", `{"a":1}`, false},
		{`prefix {"a":{"b":2}} suffix`, `{"a":{"b":2}}`, false},
		{`no object here`, ``, true},
		{`broken {"a": suffix}`, ``, true},
	}
	for _, c := range cases {
		got, err := extractJSON(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("extractJSON(%q): expected error, got %q", c.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("extractJSON(%q): %v", c.in, err)
			continue
		}
		if string(got) != c.want {
			t.Errorf("extractJSON(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
