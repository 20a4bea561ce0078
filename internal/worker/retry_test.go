package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_NextDelay(t *testing.T) {
	p := RetryPolicy{InitialDelay: 2 * time.Second, MaxDelay: time.Minute, BackoffFactor: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, 2 * time.Second},
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{4, 32 * time.Second},
		{5, time.Minute},
		{500, time.Minute},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, p.NextDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestRetryPolicy_Defaults(t *testing.T) {
	var p RetryPolicy
	assert.Equal(t, 4*time.Second, p.NextDelay(1))
	assert.Equal(t, 8*time.Second, p.NextDelay(2))

	// Without a cap the delay still never overflows.
	assert.Positive(t, p.NextDelay(5000))
}
