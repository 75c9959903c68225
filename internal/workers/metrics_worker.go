package workers

import (
	"context"
	"log"
	"time"

	"github.com/technosupport/ts-sentinel/internal/metrics"
	"github.com/technosupport/ts-sentinel/internal/queue"
)

const metricsInterval = 15 * time.Second

// QueueMetricsWorker exports queue and DLQ depths as gauges.
type QueueMetricsWorker struct {
	lifecycle

	queues *queue.Manager

	stopChan chan struct{}
	done     chan struct{}
}

func NewQueueMetricsWorker(queues *queue.Manager) *QueueMetricsWorker {
	return &QueueMetricsWorker{
		queues:   queues,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (w *QueueMetricsWorker) Start() {
	if !w.tryStart() {
		return
	}
	go w.run()
	w.markRunning()
}

func (w *QueueMetricsWorker) Stop() {
	if !w.tryStop() {
		return
	}
	close(w.stopChan)
	waitTimeout(w.done, DefaultDrainDeadline)
	w.markStopped()
}

func (w *QueueMetricsWorker) run() {
	defer close(w.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-w.stopChan
		cancel()
	}()

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
		}

		if depth, err := w.queues.Length(ctx, queue.AnalysisQueue); err == nil {
			metrics.QueueDepth.WithLabelValues(queue.AnalysisQueue).Set(float64(depth))
		} else if ctx.Err() == nil {
			log.Printf("[WARN] QueueMetricsWorker: depth read failed: %v", err)
		}
		if depth, err := w.queues.DLQLength(ctx, queue.AnalysisQueue); err == nil {
			metrics.QueueDepth.WithLabelValues("dlq:" + queue.AnalysisQueue).Set(float64(depth))
		}
	}
}
