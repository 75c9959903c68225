package analysis

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/technosupport/ts-sentinel/internal/data"
	"github.com/technosupport/ts-sentinel/internal/metrics"
)

// Stream event types.
const (
	StreamProgress = "progress"
	StreamComplete = "complete"
	StreamError    = "error"
)

// Streaming error codes.
const (
	CodeLLMTimeout    = "LLM_TIMEOUT"
	CodeLLMConnection = "LLM_CONNECTION_ERROR"
	CodeLLMServer     = "LLM_SERVER_ERROR"
	CodeBatchNotFound = "BATCH_NOT_FOUND"
	CodeNoDetections  = "NO_DETECTIONS"
	CodeCancelled     = "CANCELLED"
	CodeInternal      = "INTERNAL_ERROR"
)

// StreamEvent is one element of the streaming analysis protocol. Type selects
// which field group is populated. A stream carries zero or more progress
// events followed by exactly one complete or error.
type StreamEvent struct {
	Type string `json:"type"`

	// progress
	Content         string `json:"content,omitempty"`
	AccumulatedText string `json:"accumulated_text,omitempty"`
	ProgressPercent *int   `json:"progress_percent,omitempty"`

	// complete
	EventID   int64  `json:"event_id,omitempty"`
	RiskScore int    `json:"risk_score,omitempty"`
	RiskLevel string `json:"risk_level,omitempty"`
	Summary   string `json:"summary,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`

	// error
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Recoverable  bool   `json:"recoverable,omitempty"`
}

func completeEvent(e *data.Event) StreamEvent {
	return StreamEvent{
		Type:      StreamComplete,
		EventID:   e.ID,
		RiskScore: e.RiskScore,
		RiskLevel: e.RiskLevel,
		Summary:   e.Summary,
		Reasoning: e.Reasoning,
	}
}

func errorEvent(code, msg string, recoverable bool) StreamEvent {
	return StreamEvent{Type: StreamError, ErrorCode: code, ErrorMessage: msg, Recoverable: recoverable}
}

// emit delivers an event unless the consumer is gone. Every send, terminal
// ones included, gives up on ctx cancellation so an abandoned stream never
// wedges the producer goroutine on a full buffer.
func emit(ctx context.Context, out chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// AnalyzeBatchStreaming runs the batch analysis while relaying LLM progress.
// The returned channel is closed after the terminal event. Cancelling ctx
// aborts the stream with a CANCELLED error and nothing is persisted.
func (a *Analyzer) AnalyzeBatchStreaming(ctx context.Context, batchID, cameraID string, detectionIDs []int64) <-chan StreamEvent {
	out := make(chan StreamEvent, 16)
	go func() {
		defer close(out)
		a.streamBatch(ctx, batchID, cameraID, detectionIDs, out)
	}()
	return out
}

func (a *Analyzer) streamBatch(ctx context.Context, batchID, cameraID string, detectionIDs []int64, out chan<- StreamEvent) {
	var err error
	cameraID, detectionIDs, err = a.resolveBatch(ctx, batchID, cameraID, detectionIDs)
	if err != nil {
		emit(ctx, out, errorEvent(CodeBatchNotFound, err.Error(), false))
		return
	}

	if existing, ok := a.existingEvent(ctx, batchID); ok {
		emit(ctx, out, completeEvent(existing))
		return
	}

	detections, err := a.detections.FetchByIDs(ctx, detectionIDs, data.FetchOptions{OrderByDetection: true})
	if err != nil {
		emit(ctx, out, errorEvent(CodeInternal, fmt.Sprintf("detection fetch: %v", err), true))
		return
	}
	if len(detections) == 0 {
		emit(ctx, out, errorEvent(CodeNoDetections, fmt.Sprintf("batch %s has no detections", batchID), false))
		return
	}

	enriched, tier, prompt := a.buildPrompt(ctx, cameraID, detections)

	accumulated, streamErr := a.streamCompletion(ctx, prompt, out)
	if streamErr != nil {
		if ctx.Err() != nil {
			emitCancelled(out)
			return
		}
		emit(ctx, out, errorEvent(classifyStreamError(streamErr), streamErr.Error(), true))
		return
	}
	if ctx.Err() != nil {
		emitCancelled(out)
		return
	}

	// The service answered; an unusable completion degrades to fallback
	// rather than dropping the batch.
	assessment, parseErr := ParseAssessment(accumulated, a.cfg.Current().Severity)
	usedFallback := parseErr != nil
	if usedFallback {
		log.Printf("[ERROR] Analyzer: unparseable streamed completion for batch %s: %v", batchID, parseErr)
		assessment = FallbackAssessment()
	}

	event := &data.Event{
		BatchID:      batchID,
		CameraID:     cameraID,
		StartedAt:    detections[0].DetectedAt,
		EndedAt:      detections[len(detections)-1].DetectedAt,
		RiskScore:    assessment.RiskScore,
		RiskLevel:    assessment.RiskLevel,
		Summary:      assessment.Summary,
		Reasoning:    assessment.Reasoning,
		LLMPrompt:    prompt,
		DetectionIDs: detectionsToIDs(detections),
	}

	persisted, err := a.persist(ctx, event, detections, enriched, tier, usedFallback)
	if err != nil {
		emit(ctx, out, errorEvent(CodeInternal, fmt.Sprintf("persist: %v", err), true))
		return
	}

	a.markIdempotent(ctx, batchID)
	if persisted.DeletedAt == nil && a.broadcaster != nil {
		if err := a.broadcaster.PublishEvent(ctx, persisted); err != nil {
			log.Printf("[ERROR] Analyzer: broadcast for event %d failed: %v", persisted.ID, err)
		}
	}
	metrics.RecordEvent(persisted.RiskLevel, false)

	emit(ctx, out, completeEvent(persisted))
}

// emitCancelled is a best-effort send: ctx is already cancelled, so the
// CANCELLED event goes out only if the buffer has room.
func emitCancelled(out chan<- StreamEvent) {
	select {
	case out <- errorEvent(CodeCancelled, "analysis cancelled", false):
	default:
	}
}

// streamChunk is one SSE payload from the completion server.
type streamChunk struct {
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
}

// streamCompletion holds one inference permit while the stream is open and
// relays each chunk as a progress event. Returns the accumulated text.
func (a *Analyzer) streamCompletion(ctx context.Context, prompt string, out chan<- StreamEvent) (string, error) {
	if err := a.sem.Acquire(ctx); err != nil {
		return "", err
	}
	defer a.sem.Release()

	start := time.Now()
	body, err := a.llm.Stream(ctx, prompt)
	if err != nil {
		metrics.RecordInference("nemotron", "error")
		return "", err
	}
	defer body.Close()

	maxChars := a.cfg.Current().AI.NemotronMaxOutputTokens * 4 // rough chars-per-token estimate

	var acc strings.Builder
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return acc.String(), ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			log.Printf("[WARN] Analyzer: skipping malformed stream chunk: %v", err)
			continue
		}
		if chunk.Content != "" {
			acc.WriteString(chunk.Content)
			ev := StreamEvent{
				Type:            StreamProgress,
				Content:         chunk.Content,
				AccumulatedText: acc.String(),
			}
			if maxChars > 0 {
				pct := acc.Len() * 100 / maxChars
				if pct > 99 {
					pct = 99
				}
				ev.ProgressPercent = &pct
			}
			if !emit(ctx, out, ev) {
				return acc.String(), ctx.Err()
			}
		}
		if chunk.Stop {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		metrics.RecordInference("nemotron", "error")
		return acc.String(), fmt.Errorf("%w: stream read: %v", ErrLLMConnection, err)
	}

	metrics.RecordInference("nemotron", "ok")
	metrics.RecordInferenceLatency("nemotron", float64(time.Since(start).Milliseconds()))
	return acc.String(), nil
}

func classifyStreamError(err error) string {
	switch {
	case errors.Is(err, ErrLLMTimeout):
		return CodeLLMTimeout
	case errors.Is(err, ErrLLMServer):
		return CodeLLMServer
	case errors.Is(err, ErrLLMConnection):
		return CodeLLMConnection
	default:
		return CodeInternal
	}
}
