package infer

import (
	"context"
	"sync"

	"github.com/technosupport/ts-sentinel/internal/gpu"
	"github.com/technosupport/ts-sentinel/internal/metrics"
)

// Semaphore bounds concurrent AI inferences process-wide. Every detector and
// LLM call takes exactly one permit. Permits can be withheld under GPU memory
// pressure and restored when pressure clears.
type Semaphore struct {
	max     int
	permits chan struct{}

	mu       sync.Mutex
	withheld int // tokens currently parked by pressure throttling
	pending  int // withhold requests waiting for in-flight calls to finish
}

func NewSemaphore(maxPermits int) *Semaphore {
	if maxPermits < 1 {
		maxPermits = 1
	}
	s := &Semaphore{
		max:     maxPermits,
		permits: make(chan struct{}, maxPermits),
	}
	for i := 0; i < maxPermits; i++ {
		s.permits <- struct{}{}
	}
	metrics.InferencePermits.Set(float64(maxPermits))
	return s
}

// Acquire blocks until a permit is available or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case <-s.permits:
		metrics.InferencePermits.Set(float64(len(s.permits)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes a permit without blocking.
func (s *Semaphore) TryAcquire() bool {
	select {
	case <-s.permits:
		metrics.InferencePermits.Set(float64(len(s.permits)))
		return true
	default:
		return false
	}
}

// Release returns a permit. If a pressure reduction is pending, the permit is
// parked instead of going back into circulation.
func (s *Semaphore) Release() {
	s.mu.Lock()
	if s.pending > 0 {
		s.pending--
		s.withheld++
		s.mu.Unlock()
		metrics.InferencePermits.Set(float64(len(s.permits)))
		return
	}
	s.mu.Unlock()

	s.permits <- struct{}{}
	metrics.InferencePermits.Set(float64(len(s.permits)))
}

// Available reports permits currently up for grabs.
func (s *Semaphore) Available() int {
	return len(s.permits)
}

// Max reports the configured permit count.
func (s *Semaphore) Max() int {
	return s.max
}

// ReducePermitsForMemoryPressure withholds permits according to the pressure
// level: WARNING parks ~25% of permits, CRITICAL parks down to ~50% capacity,
// both flooring at one available permit. Idempotent: calling again with the
// same level is a no-op, and moving between levels adjusts to the new target.
// Never blocks; withholding waits for in-flight calls via Release.
func (s *Semaphore) ReducePermitsForMemoryPressure(level gpu.Level) {
	target := s.withholdTarget(level)

	s.mu.Lock()
	current := s.withheld + s.pending
	if target == current {
		s.mu.Unlock()
		return
	}
	if target < current {
		// Pressure eased between levels: hand back the difference.
		release := current - target
		for release > 0 && s.pending > 0 {
			s.pending--
			release--
		}
		returned := 0
		for release > 0 && s.withheld > 0 {
			s.withheld--
			release--
			returned++
		}
		s.mu.Unlock()
		for i := 0; i < returned; i++ {
			s.permits <- struct{}{}
		}
		metrics.InferencePermits.Set(float64(len(s.permits)))
		return
	}

	need := target - current
	for need > 0 {
		select {
		case <-s.permits:
			s.withheld++
			need--
		default:
			// All remaining permits are in flight; park them on release.
			s.pending += need
			need = 0
		}
	}
	s.mu.Unlock()
	metrics.InferencePermits.Set(float64(len(s.permits)))
}

// RestorePermitsAfterPressure returns all withheld permits. Safe to call
// repeatedly.
func (s *Semaphore) RestorePermitsAfterPressure() {
	s.mu.Lock()
	returned := s.withheld
	s.withheld = 0
	s.pending = 0
	s.mu.Unlock()

	for i := 0; i < returned; i++ {
		s.permits <- struct{}{}
	}
	metrics.InferencePermits.Set(float64(len(s.permits)))
}

func (s *Semaphore) withholdTarget(level gpu.Level) int {
	switch level {
	case gpu.LevelWarning:
		t := (s.max + 2) / 4 // ~25%
		if s.max-t < 1 {
			t = s.max - 1
		}
		return t
	case gpu.LevelCritical:
		avail := s.max / 2
		if avail < 1 {
			avail = 1
		}
		return s.max - avail
	default:
		return 0
	}
}

var (
	globalMu  sync.Mutex
	globalSem *Semaphore
)

// Global returns the process-wide semaphore, lazily initialized with
// maxPermits on first call. Later calls ignore the argument.
func Global(maxPermits int) *Semaphore {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalSem == nil {
		globalSem = NewSemaphore(maxPermits)
	}
	return globalSem
}

// ResetForTest discards the global instance.
func ResetForTest() {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalSem = nil
}
