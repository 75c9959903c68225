package retry

import (
	"math/rand"
	"time"
)

const (
	baseDelay = 500 * time.Millisecond
	maxDelay  = 30 * time.Second
)

// Backoff returns the bounded-exponential-with-full-jitter delay for the
// given attempt (0-based). Used by the detector client, the LLM client, and
// the queue workers.
func Backoff(attempt int) time.Duration {
	d := baseDelay << uint(attempt)
	if d > maxDelay || d <= 0 {
		d = maxDelay
	}
	return time.Duration(rand.Int63n(int64(d)))
}
