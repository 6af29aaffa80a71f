package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/ignite/inbox-sync/internal/config"
	"github.com/ignite/inbox-sync/internal/llm"
	"github.com/ignite/inbox-sync/internal/queue"
	"github.com/ignite/inbox-sync/internal/store"
)

// =============================================================================
// EXTRACTION WORKER - Turns Thread Transcripts Into Structured Records
// =============================================================================
// Drains extraction_jobs with a small pool. Each job names one local thread:
// the worker composes the chronological transcript, asks the LLM for a
// structured extraction, and persists record, entities, and message flags in
// one transaction. Results are keyed on (thread_id, version), so a
// redelivered job overwrites rather than duplicates.

// extractionSchema is the JSON Schema the model's output must satisfy.
var extractionSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"summary": {"type": "string"},
		"intent": {"type": "string", "enum": ["request", "inform", "schedule", "negotiate", "social", "transactional", "other"]},
		"urgency": {"type": "string", "enum": ["low", "medium", "high", "critical"]},
		"sentiment": {"type": "string", "enum": ["positive", "neutral", "negative", "mixed"]},
		"needs_reply": {"type": "boolean"},
		"actionability": {"type": "string", "enum": ["actionable", "fyi", "waiting", "none"]},
		"scores": {
			"type": "object",
			"properties": {
				"importance": {"type": "number"},
				"urgency": {"type": "number"},
				"effort": {"type": "number"}
			},
			"required": ["importance", "urgency", "effort"],
			"additionalProperties": false
		},
		"classification": {
			"type": "object",
			"properties": {
				"category": {"type": "string"},
				"subcategory": {"type": "string"}
			},
			"required": ["category", "subcategory"],
			"additionalProperties": false
		},
		"tasks": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"description": {"type": "string"},
					"owner": {"type": "string"},
					"due": {"type": "string"}
				},
				"required": ["description", "owner", "due"],
				"additionalProperties": false
			}
		},
		"risks": {"type": "array", "items": {"type": "string"}},
		"keywords": {"type": "array", "items": {"type": "string"}},
		"participants": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"email": {"type": "string"},
					"role": {"type": "string"}
				},
				"required": ["email", "role"],
				"additionalProperties": false
			}
		},
		"entities": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"type": {"type": "string", "enum": ["person", "company", "product", "location", "date", "amount", "other"]},
					"value": {"type": "string"}
				},
				"required": ["type", "value"],
				"additionalProperties": false
			}
		},
		"project_tag": {"type": "string"},
		"message_type": {"type": "string"},
		"is_reply": {"type": "boolean"},
		"is_forward": {"type": "boolean"},
		"reading_time_sec": {"type": "integer"}
	},
	"required": ["summary", "intent", "urgency", "sentiment", "needs_reply", "actionability",
		"scores", "classification", "tasks", "risks", "keywords", "participants", "entities",
		"project_tag", "message_type", "is_reply", "is_forward", "reading_time_sec"],
	"additionalProperties": false
}`)

const extractionSystemPrompt = `You analyze email threads for a personal assistant. Read the full transcript and produce a faithful structured analysis. Summaries are 1-3 sentences, factual, no speculation. Tasks only when the text states or clearly implies one. Entities must appear verbatim or near-verbatim in the text.`

// extractionOutput mirrors the schema for decoding the model's object.
type extractionOutput struct {
	Summary        string                   `json:"summary"`
	Intent         string                   `json:"intent"`
	Urgency        string                   `json:"urgency"`
	Sentiment      string                   `json:"sentiment"`
	NeedsReply     bool                     `json:"needs_reply"`
	Actionability  string                   `json:"actionability"`
	Scores         json.RawMessage          `json:"scores"`
	Classification json.RawMessage          `json:"classification"`
	Tasks          json.RawMessage          `json:"tasks"`
	Risks          json.RawMessage          `json:"risks"`
	Keywords       json.RawMessage          `json:"keywords"`
	Participants   json.RawMessage          `json:"participants"`
	Entities       []store.ExtractionEntity `json:"entities"`
	ProjectTag     string                   `json:"project_tag"`
	MessageType    string                   `json:"message_type"`
	IsReply        bool                     `json:"is_reply"`
	IsForward      bool                     `json:"is_forward"`
	ReadingTimeSec int                      `json:"reading_time_sec"`
}

// ExtractionWorker drains the extraction queue with a worker pool.
type ExtractionWorker struct {
	store *store.Store
	queue *queue.Client
	llm   llm.Client
	model string
	cfg   config.ExtractionConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewExtractionWorker creates the pool.
func NewExtractionWorker(st *store.Store, qc *queue.Client, client llm.Client, model string, cfg config.ExtractionConfig) *ExtractionWorker {
	return &ExtractionWorker{store: st, queue: qc, llm: client, model: model, cfg: cfg}
}

// Start launches the worker goroutines.
func (w *ExtractionWorker) Start(ctx context.Context) {
	w.ctx, w.cancel = context.WithCancel(ctx)
	log.Printf("[Extraction] Starting %d workers (vt=%s, version=%d, model=%s)",
		w.cfg.NumWorkers, w.cfg.VisibilityTimeout(), w.cfg.Version, w.model)

	for i := 0; i < w.cfg.NumWorkers; i++ {
		w.wg.Add(1)
		go w.run(i)
	}
}

// Stop cancels the workers and waits for in-flight jobs.
func (w *ExtractionWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	log.Println("[Extraction] Stopped")
}

func (w *ExtractionWorker) run(id int) {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		msgs, err := w.queue.Read(w.ctx, queue.ExtractionJobs, w.cfg.VisibilityTimeout(), 1)
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			log.Printf("[Extraction] Worker %d: queue read error: %v", id, err)
			sleepCtx(w.ctx, w.cfg.PollInterval())
			continue
		}
		if len(msgs) == 0 {
			sleepCtx(w.ctx, w.cfg.PollInterval())
			continue
		}

		for _, msg := range msgs {
			w.handleMessage(msg)
		}
	}
}

func (w *ExtractionWorker) handleMessage(msg queue.Message) {
	ctx := w.ctx

	job, err := queue.ParseExtractionJob(msg.Payload)
	if err != nil {
		log.Printf("[Extraction] Dropping malformed job (msg_id=%d): %v", msg.MsgID, err)
		if aerr := w.queue.Archive(ctx, queue.ExtractionJobs, msg.MsgID); aerr != nil {
			log.Printf("[Extraction] Archive error: %v", aerr)
		}
		return
	}

	if msg.ReadCt > w.cfg.MaxRetries {
		log.Printf("[Extraction] Thread %s exceeded %d retries, failing", job.ThreadID, w.cfg.MaxRetries)
		if err := w.store.SetExtractionTrackingStatus(ctx, job.ThreadID, store.ExtractionFailed,
			fmt.Sprintf("retries exhausted after %d deliveries", msg.ReadCt)); err != nil {
			log.Printf("[Extraction] Tracking error: %v", err)
		}
		if err := w.queue.Archive(ctx, queue.ExtractionJobs, msg.MsgID); err != nil {
			log.Printf("[Extraction] Archive error: %v", err)
		}
		return
	}

	if err := w.store.SetExtractionTrackingStatus(ctx, job.ThreadID, store.ExtractionProcessing, ""); err != nil {
		log.Printf("[Extraction] Thread %s: tracking error: %v", job.ThreadID, err)
	}

	if err := w.extract(ctx, job); err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Printf("[Extraction] Thread %s failed (attempt %d/%d): %v",
			job.ThreadID, msg.ReadCt, w.cfg.MaxRetries, err)
		if terr := w.store.SetExtractionTrackingStatus(ctx, job.ThreadID, store.ExtractionRetrying, err.Error()); terr != nil {
			log.Printf("[Extraction] Tracking error: %v", terr)
		}
		// Leave the message; the queue redelivers after the visibility timeout.
		return
	}

	if err := w.store.SetExtractionTrackingStatus(ctx, job.ThreadID, store.ExtractionCompleted, ""); err != nil {
		log.Printf("[Extraction] Thread %s: tracking error: %v", job.ThreadID, err)
	}
	if err := w.queue.Delete(ctx, queue.ExtractionJobs, msg.MsgID); err != nil {
		log.Printf("[Extraction] Thread %s: delete error: %v", job.ThreadID, err)
	}
}

func (w *ExtractionWorker) extract(ctx context.Context, job queue.ExtractionJob) error {
	transcript, err := w.store.ThreadTranscript(ctx, job.ThreadID)
	if err != nil {
		return err
	}
	if len(transcript) == 0 {
		return fmt.Errorf("thread has no messages")
	}

	res, err := w.llm.GenerateObject(ctx, llm.GenerateRequest{
		Model:      w.model,
		System:     extractionSystemPrompt,
		Prompt:     buildTranscriptPrompt(transcript),
		Schema:     extractionSchema,
		SchemaName: "thread_extraction",
		MaxTokens:  2000,
		Strict:     true,
	})
	if err != nil {
		return fmt.Errorf("generate extraction: %w", err)
	}

	var out extractionOutput
	if err := json.Unmarshal(res.Object, &out); err != nil {
		return fmt.Errorf("decode extraction: %w", err)
	}

	return w.store.SaveExtraction(ctx, &store.Extraction{
		ThreadID:       job.ThreadID,
		Version:        w.cfg.Version,
		Summary:        out.Summary,
		Intent:         out.Intent,
		Urgency:        out.Urgency,
		Sentiment:      out.Sentiment,
		NeedsReply:     out.NeedsReply,
		Actionability:  out.Actionability,
		Scores:         out.Scores,
		Classification: out.Classification,
		Tasks:          out.Tasks,
		Risks:          out.Risks,
		Keywords:       out.Keywords,
		Participants:   out.Participants,
		ProjectTag:     out.ProjectTag,
		MessageType:    out.MessageType,
		IsReply:        out.IsReply,
		IsForward:      out.IsForward,
		ReadingTimeSec: out.ReadingTimeSec,
		Model:          w.model,
		InputTokens:    res.Usage.InputTokens,
		OutputTokens:   res.Usage.OutputTokens,
		Entities:       out.Entities,
	})
}

// buildTranscriptPrompt renders the thread chronologically. Long bodies are
// truncated per message so one newsletter cannot crowd out the rest of the
// thread.
func buildTranscriptPrompt(transcript []store.TranscriptMessage) string {
	var b strings.Builder
	b.WriteString("Email thread, oldest first:\n\n")
	for i, m := range transcript {
		body := m.Body
		if len(body) > 4000 {
			body = body[:4000] + "\n[truncated]"
		}
		fmt.Fprintf(&b, "--- Message %d ---\nDate: %s\nFrom: %s\nTo: %s\nSubject: %s\n\n%s\n\n",
			i+1, m.SentAt.Format("2006-01-02 15:04"), m.From, m.To, m.Subject, body)
	}
	return b.String()
}
