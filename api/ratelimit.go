package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LoginLimiter throttles login attempts per username.
type LoginLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	limit    rate.Limit
	burst    int
}

// NewLoginLimiter allows perMinute attempts per username with the given
// burst. perMinute <= 0 disables throttling.
func NewLoginLimiter(perMinute, burst int) *LoginLimiter {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	if burst < 1 {
		burst = 1
	}
	return &LoginLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

// Allow consumes one attempt for username.
func (l *LoginLimiter) Allow(username string) bool {
	return l.limiter(username).Allow()
}

func (l *LoginLimiter) limiter(username string) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.limiters[username]
	l.mu.RUnlock()

	if exists {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if limiter, exists = l.limiters[username]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(l.limit, l.burst)
	l.limiters[username] = limiter
	return limiter
}
