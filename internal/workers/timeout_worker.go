package workers

import (
	"context"
	"log"
	"time"

	"github.com/technosupport/ts-sentinel/internal/config"
	"github.com/technosupport/ts-sentinel/internal/metrics"
)

// BatchSweeper is the aggregator surface the timeout worker needs.
type BatchSweeper interface {
	CheckBatchTimeouts(ctx context.Context) ([]string, error)
}

// BatchTimeoutWorker periodically sweeps batch state for expired windows and
// idle batches, closing them into the analysis queue.
type BatchTimeoutWorker struct {
	lifecycle

	aggregator BatchSweeper
	cfg        *config.Store

	stopChan chan struct{}
	done     chan struct{}
}

func NewBatchTimeoutWorker(aggregator BatchSweeper, cfg *config.Store) *BatchTimeoutWorker {
	return &BatchTimeoutWorker{
		aggregator: aggregator,
		cfg:        cfg,
		stopChan:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (w *BatchTimeoutWorker) Start() {
	if !w.tryStart() {
		return
	}
	go w.run()
	w.markRunning()
	log.Println("BatchTimeoutWorker: started")
}

func (w *BatchTimeoutWorker) Stop() {
	if !w.tryStop() {
		return
	}
	close(w.stopChan)
	if !waitTimeout(w.done, DefaultDrainDeadline) {
		log.Println("[WARN] BatchTimeoutWorker: drain deadline exceeded")
	}
	w.markStopped()
	log.Println("BatchTimeoutWorker: stopped")
}

func (w *BatchTimeoutWorker) run() {
	defer close(w.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-w.stopChan
		cancel()
	}()

	// Re-read the interval each cycle so config reloads take effect.
	for {
		timer := time.NewTimer(w.cfg.Current().Pipeline.SweepInterval())
		select {
		case <-w.stopChan:
			timer.Stop()
			return
		case <-timer.C:
		}

		closed, err := w.aggregator.CheckBatchTimeouts(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[ERROR] BatchTimeoutWorker: sweep failed: %v", err)
			metrics.WorkerErrorsTotal.WithLabelValues("batch_timeout", "sweep").Inc()
			continue
		}
		if len(closed) > 0 {
			log.Printf("BatchTimeoutWorker: closed %d expired batches", len(closed))
		}
	}
}
