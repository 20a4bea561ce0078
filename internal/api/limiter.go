package api

import (
	"sync"

	"schoolsync/internal/config"

	"golang.org/x/time/rate"
)

type rateLimiter struct {
	limiters sync.Map
	cfg      config.APIRateLimitConfig
}

func newRateLimiter(cfg config.APIRateLimitConfig) *rateLimiter {
	return &rateLimiter{
		cfg: cfg,
	}
}

// allow reports whether key may make another request. RPS <= 0 disables
// limiting.
func (l *rateLimiter) allow(key string) bool {
	if l.cfg.RPS <= 0 {
		return true
	}
	return l.getLimiter(key).Allow()
}

func (l *rateLimiter) getLimiter(key string) *rate.Limiter {
	if v, ok := l.limiters.Load(key); ok {
		if lim, ok := v.(*rate.Limiter); ok {
			return lim
		}
	}

	burst := l.cfg.Burst
	if burst <= 0 {
		burst = 5
	}

	lim := rate.NewLimiter(rate.Limit(l.cfg.RPS), burst)
	actual, loaded := l.limiters.LoadOrStore(key, lim)
	if loaded {
		if actualLim, ok := actual.(*rate.Limiter); ok {
			return actualLim
		}
	}
	return lim
}
