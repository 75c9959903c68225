package workers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/technosupport/ts-sentinel/internal/analysis"
	"github.com/technosupport/ts-sentinel/internal/config"
	"github.com/technosupport/ts-sentinel/internal/data"
	"github.com/technosupport/ts-sentinel/internal/detector"
	"github.com/technosupport/ts-sentinel/internal/metrics"
	"github.com/technosupport/ts-sentinel/internal/queue"
	"github.com/technosupport/ts-sentinel/internal/retry"
)

// BatchAnalyzer is the analyzer surface the queue worker consumes.
type BatchAnalyzer interface {
	AnalyzeBatch(ctx context.Context, batchID, cameraID string, detectionIDs []int64) (*data.Event, error)
}

// errorClass drives the worker's retry decision.
type errorClass int

const (
	classRetryable errorClass = iota
	classPermanent
	classInfrastructure
)

// AnalysisQueueWorker consumes closed batches from the analysis queue and
// hands them to the analyzer. Transient upstream failures requeue with
// backoff up to the per-worker retry cap, then land in the DLQ. Malformed or
// unanalyzable items are logged and dropped. Infrastructure failures pause
// the worker instead of spinning.
type AnalysisQueueWorker struct {
	lifecycle

	queues   *queue.Manager
	analyzer BatchAnalyzer
	cfg      *config.Store

	stopChan chan struct{}
	done     chan struct{}

	infraFailures int
}

func NewAnalysisQueueWorker(queues *queue.Manager, analyzer BatchAnalyzer, cfg *config.Store) *AnalysisQueueWorker {
	return &AnalysisQueueWorker{
		queues:   queues,
		analyzer: analyzer,
		cfg:      cfg,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (w *AnalysisQueueWorker) Start() {
	if !w.tryStart() {
		return
	}
	go w.run()
	w.markRunning()
	log.Println("AnalysisQueueWorker: started")
}

// Stop drains the in-flight item up to the deadline, then returns. The item
// being processed at deadline expiry is requeued by at-least-once delivery on
// the next run.
func (w *AnalysisQueueWorker) Stop() {
	if !w.tryStop() {
		return
	}
	close(w.stopChan)
	if !waitTimeout(w.done, DefaultDrainDeadline) {
		log.Println("[WARN] AnalysisQueueWorker: drain deadline exceeded")
	}
	w.markStopped()
	log.Println("AnalysisQueueWorker: stopped")
}

func (w *AnalysisQueueWorker) run() {
	defer close(w.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-w.stopChan
		cancel()
	}()

	for {
		select {
		case <-w.stopChan:
			return
		default:
		}

		raw, err := w.queues.Dequeue(ctx, queue.AnalysisQueue, w.cfg.Current().Queue.DequeueTimeout())
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.pauseForInfrastructure(err)
			continue
		}
		w.infraFailures = 0

		w.processItem(ctx, raw)
	}
}

func (w *AnalysisQueueWorker) processItem(ctx context.Context, raw []byte) {
	var item queue.AnalysisItem
	if err := json.Unmarshal(raw, &item); err != nil || item.BatchID == "" {
		log.Printf("[ERROR] AnalysisQueueWorker: dropping malformed item: %v", err)
		metrics.WorkerErrorsTotal.WithLabelValues("analysis", "malformed").Inc()
		return
	}

	_, err := w.analyzer.AnalyzeBatch(ctx, item.BatchID, item.CameraID, item.DetectionIDs)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		// Shutdown mid-item: fail it back to the queue.
		w.requeue(context.WithoutCancel(ctx), item)
		return
	}

	switch classify(err) {
	case classPermanent:
		log.Printf("[WARN] AnalysisQueueWorker: dropping batch %s: %v", item.BatchID, err)
		metrics.WorkerErrorsTotal.WithLabelValues("analysis", "permanent").Inc()

	case classRetryable:
		item.Retries++
		if item.Retries > w.cfg.Current().Queue.WorkerMaxRetries {
			log.Printf("[ERROR] AnalysisQueueWorker: batch %s exhausted retries: %v", item.BatchID, err)
			if dlqErr := w.queues.MoveToDLQ(ctx, queue.AnalysisQueue, item, "retry_exhausted"); dlqErr != nil {
				log.Printf("[ERROR] AnalysisQueueWorker: DLQ move for batch %s failed: %v", item.BatchID, dlqErr)
			}
			metrics.WorkerErrorsTotal.WithLabelValues("analysis", "exhausted").Inc()
			return
		}
		log.Printf("[WARN] AnalysisQueueWorker: retrying batch %s (attempt %d): %v", item.BatchID, item.Retries, err)
		select {
		case <-time.After(retry.Backoff(item.Retries - 1)):
		case <-w.stopChan:
		}
		w.requeue(ctx, item)

	case classInfrastructure:
		log.Printf("[ERROR] AnalysisQueueWorker: infrastructure failure on batch %s: %v", item.BatchID, err)
		metrics.WorkerErrorsTotal.WithLabelValues("analysis", "infrastructure").Inc()
		w.requeue(ctx, item)
		w.pauseForInfrastructure(err)
	}
}

func (w *AnalysisQueueWorker) requeue(ctx context.Context, item queue.AnalysisItem) {
	res, err := w.queues.AddToQueueSafe(ctx, queue.AnalysisQueue, item, queue.OverflowDLQ)
	if err != nil || !res.Success {
		log.Printf("[ERROR] AnalysisQueueWorker: requeue of batch %s failed: %v", item.BatchID, err)
	}
}

// pauseForInfrastructure backs off with the shared schedule so a down Redis
// or database does not turn the loop into a hot spin.
func (w *AnalysisQueueWorker) pauseForInfrastructure(err error) {
	w.infraFailures++
	delay := retry.Backoff(w.infraFailures - 1)
	log.Printf("[WARN] AnalysisQueueWorker: pausing %s after infrastructure error: %v", delay, err)
	select {
	case <-time.After(delay):
	case <-w.stopChan:
	}
}

func classify(err error) errorClass {
	switch {
	case errors.Is(err, analysis.ErrBatchNotFound),
		errors.Is(err, analysis.ErrNoDetections),
		errors.Is(err, analysis.ErrParse):
		return classPermanent
	case errors.Is(err, detector.ErrDetectorUnavailable),
		errors.Is(err, analysis.ErrLLMConnection),
		errors.Is(err, analysis.ErrLLMTimeout),
		errors.Is(err, analysis.ErrLLMServer):
		return classRetryable
	default:
		return classInfrastructure
	}
}
