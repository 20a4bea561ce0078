package worker

import (
	"math"
	"time"

	"schoolsync/internal/models"
)

// RetryPolicy spaces out replays of FAILED_RETRYABLE operations.
type RetryPolicy struct {
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// NextDelay returns the wait once the attempt count has reached attempt:
// InitialDelay * BackoffFactor^attempt, clamped to MaxDelay.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = models.DefaultBackoffBase
	}
	if r.BackoffFactor <= 0 {
		r.BackoffFactor = 2
	}

	delay := float64(r.InitialDelay) * math.Pow(r.BackoffFactor, float64(attempt))
	if r.MaxDelay > 0 && delay > float64(r.MaxDelay) {
		return r.MaxDelay
	}
	// float overflow on huge attempt counts
	if delay <= 0 || delay > math.MaxInt64 {
		if r.MaxDelay > 0 {
			return r.MaxDelay
		}
		return models.DefaultBackoffMax
	}
	return time.Duration(delay)
}
