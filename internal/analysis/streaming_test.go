package analysis_test

import (
	"context"
	"database/sql"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/technosupport/ts-sentinel/internal/analysis"
)

func collect(ch <-chan analysis.StreamEvent) []analysis.StreamEvent {
	var out []analysis.StreamEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func sse(chunks ...string) string {
	var b []byte
	for _, c := range chunks {
		b = append(b, "data: "...)
		b = append(b, c...)
		b = append(b, '\n', '\n')
	}
	b = append(b, "data: [DONE]\n\n"...)
	return string(b)
}

func expectStreamPersist(mock sqlmock.Sqlmock, eventID int64) {
	t0 := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(selectEventByBatch).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(selectDetections).
		WillReturnRows(detectionRow(sqlmock.NewRows(detectionCols), 10, t0))
	mock.ExpectBegin()
	mock.ExpectQuery(insertEvent).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(eventID))
	mock.ExpectExec(insertJunction).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func TestAnalyzeBatchStreaming_ProgressThenComplete(t *testing.T) {
	llm := &stubLLM{streamSSE: sse(
		`{"content": "{\"risk_score\": 70, "}`,
		`{"content": "\"risk_level\": \"high\", \"summary\": \"s\", \"reasoning\": \"r\"}"}`,
	)}
	a, mock, mr := newTestAnalyzer(t, llm)
	expectStreamPersist(mock, 7)

	events := collect(a.AnalyzeBatchStreaming(context.Background(), "b1", "cam1", []int64{10}))
	if len(events) != 3 {
		t.Fatalf("got %d events, want 2 progress + 1 complete: %+v", len(events), events)
	}

	if events[0].Type != analysis.StreamProgress || events[1].Type != analysis.StreamProgress {
		t.Errorf("leading events should be progress: %+v", events[:2])
	}
	if events[0].AccumulatedText+events[1].Content != events[1].AccumulatedText {
		t.Error("accumulated text should grow chunk by chunk")
	}
	if events[0].ProgressPercent == nil || *events[0].ProgressPercent > 99 {
		t.Error("progress percent missing or over cap")
	}

	last := events[2]
	if last.Type != analysis.StreamComplete {
		t.Fatalf("terminal event = %+v, want complete", last)
	}
	if last.EventID != 7 || last.RiskScore != 70 || last.RiskLevel != "high" {
		t.Errorf("unexpected complete event: %+v", last)
	}
	if !mr.Exists("idempotency:event:b1") {
		t.Error("idempotency marker not set")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAnalyzeBatchStreaming_ExistingEventShortCircuits(t *testing.T) {
	llm := &stubLLM{streamSSE: sse()}
	a, mock, _ := newTestAnalyzer(t, llm)

	mock.ExpectQuery(selectEventByBatch).WithArgs("b1").WillReturnRows(eventRow(42, "b1"))

	events := collect(a.AnalyzeBatchStreaming(context.Background(), "b1", "cam1", []int64{10}))
	if len(events) != 1 || events[0].Type != analysis.StreamComplete {
		t.Fatalf("expected single complete, got %+v", events)
	}
	if events[0].EventID != 42 {
		t.Errorf("event id = %d, want 42", events[0].EventID)
	}
	if llm.calls != 0 {
		t.Errorf("llm calls = %d, want 0", llm.calls)
	}
}

func TestAnalyzeBatchStreaming_MissingBatch(t *testing.T) {
	a, _, _ := newTestAnalyzer(t, &stubLLM{})

	events := collect(a.AnalyzeBatchStreaming(context.Background(), "ghost", "", nil))
	if len(events) != 1 {
		t.Fatalf("expected single error event, got %+v", events)
	}
	if events[0].Type != analysis.StreamError || events[0].ErrorCode != analysis.CodeBatchNotFound {
		t.Errorf("unexpected terminal: %+v", events[0])
	}
	if events[0].Recoverable {
		t.Error("missing batch is not recoverable")
	}
}

func TestAnalyzeBatchStreaming_NoDetections(t *testing.T) {
	a, mock, _ := newTestAnalyzer(t, &stubLLM{})

	mock.ExpectQuery(selectEventByBatch).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(selectDetections).WillReturnRows(sqlmock.NewRows(detectionCols))

	events := collect(a.AnalyzeBatchStreaming(context.Background(), "b1", "cam1", []int64{99}))
	if len(events) != 1 || events[0].ErrorCode != analysis.CodeNoDetections {
		t.Fatalf("expected NO_DETECTIONS, got %+v", events)
	}
}

func TestAnalyzeBatchStreaming_ConnectionErrorRecoverable(t *testing.T) {
	llm := &stubLLM{streamErr: analysis.ErrLLMConnection}
	a, mock, _ := newTestAnalyzer(t, llm)

	t0 := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(selectEventByBatch).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(selectDetections).
		WillReturnRows(detectionRow(sqlmock.NewRows(detectionCols), 10, t0))

	events := collect(a.AnalyzeBatchStreaming(context.Background(), "b1", "cam1", []int64{10}))
	last := events[len(events)-1]
	if last.Type != analysis.StreamError || last.ErrorCode != analysis.CodeLLMConnection {
		t.Fatalf("unexpected terminal: %+v", last)
	}
	if !last.Recoverable {
		t.Error("connection errors should be recoverable")
	}
}

func TestAnalyzeBatchStreaming_MalformedChunkSkipped(t *testing.T) {
	llm := &stubLLM{streamSSE: sse(
		`not json at all`,
		`{"content": "`+jsonEscaped(goodCompletion)+`"}`,
	)}
	a, mock, _ := newTestAnalyzer(t, llm)
	expectStreamPersist(mock, 9)

	events := collect(a.AnalyzeBatchStreaming(context.Background(), "b1", "cam1", []int64{10}))
	last := events[len(events)-1]
	if last.Type != analysis.StreamComplete || last.RiskScore != 70 {
		t.Fatalf("malformed chunk should be skipped, terminal = %+v", last)
	}
	// Only the valid chunk produced progress.
	if len(events) != 2 {
		t.Errorf("got %d events, want 1 progress + 1 complete", len(events))
	}
}

func TestAnalyzeBatchStreaming_UnparseableFallsBack(t *testing.T) {
	llm := &stubLLM{streamSSE: sse(`{"content": "no json here"}`)}
	a, mock, _ := newTestAnalyzer(t, llm)
	expectStreamPersist(mock, 11)

	events := collect(a.AnalyzeBatchStreaming(context.Background(), "b1", "cam1", []int64{10}))
	last := events[len(events)-1]
	if last.Type != analysis.StreamComplete {
		t.Fatalf("unusable completion should persist fallback, got %+v", last)
	}
	if last.RiskScore != 50 || last.RiskLevel != "medium" {
		t.Errorf("fallback not applied: %+v", last)
	}
}

func TestAnalyzeBatchStreaming_CancelledBeforeStream(t *testing.T) {
	llm := &stubLLM{streamSSE: sse(`{"content": "x"}`)}
	a, mock, _ := newTestAnalyzer(t, llm)

	t0 := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(selectEventByBatch).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(selectDetections).
		WillReturnRows(detectionRow(sqlmock.NewRows(detectionCols), 10, t0))

	ctx, cancel := context.WithCancel(context.Background())
	ch := a.AnalyzeBatchStreaming(ctx, "b1", "cam1", []int64{10})
	cancel()

	// Terminal delivery is best-effort after cancellation; the only hard
	// guarantee is that the stream never completes.
	for _, ev := range collect(ch) {
		if ev.Type == analysis.StreamComplete {
			t.Fatal("cancelled stream must not complete")
		}
	}
}

func TestAnalyzeBatchStreaming_AbandonedConsumerUnblocksOnCancel(t *testing.T) {
	// Exactly enough chunks to fill the channel buffer, so the terminal
	// send is the one that parks when nobody is reading.
	chunks := make([]string, 16)
	for i := range chunks {
		chunks[i] = `{"content": "x"}`
	}
	llm := &stubLLM{streamSSE: sse(chunks...)}
	a, mock, _ := newTestAnalyzer(t, llm)

	t0 := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(selectEventByBatch).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(selectDetections).
		WillReturnRows(detectionRow(sqlmock.NewRows(detectionCols), 10, t0))
	mock.ExpectBegin().WillReturnError(errors.New("db down"))

	before := runtime.NumGoroutine()

	ctx, cancel := context.WithCancel(context.Background())
	ch := a.AnalyzeBatchStreaming(ctx, "b1", "cam1", []int64{10})

	// Let the producer fill the buffer and park on the terminal error send.
	deadline := time.Now().Add(2 * time.Second)
	for len(ch) < 16 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(ch) != 16 {
		t.Fatalf("buffered events = %d, want 16", len(ch))
	}

	cancel()

	// The producer must give up the send and exit without the channel
	// being drained.
	exited := false
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= before {
			exited = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !exited {
		t.Fatal("stream goroutine still parked on the terminal send")
	}

	for _, ev := range collect(ch) {
		if ev.Type != analysis.StreamProgress {
			t.Errorf("abandoned stream delivered terminal event %+v", ev)
		}
	}
}

func jsonEscaped(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
