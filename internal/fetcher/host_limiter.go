package fetcher

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterSettings configures token-bucket style rate limiting per host.
type RateLimiterSettings struct {
	Requests int
	Window   time.Duration
}

// HostLimiter throttles resource requests per host. A zero value or nil
// limiter lets every request through.
type HostLimiter struct {
	settings RateLimiterSettings
	enabled  bool

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHostLimiter creates a limiter; it is disabled unless both Requests and
// Window are positive.
func NewHostLimiter(settings RateLimiterSettings) *HostLimiter {
	l := &HostLimiter{settings: settings}
	if settings.Requests > 0 && settings.Window > 0 {
		l.enabled = true
		l.limiters = make(map[string]*rate.Limiter)
	}
	return l
}

// Wait blocks until a request to host is permitted.
func (l *HostLimiter) Wait(ctx context.Context, host string) error {
	if l == nil || !l.enabled || host == "" {
		return nil
	}
	host = strings.ToLower(host)

	l.mu.Lock()
	limiter := l.ensureLimiterLocked(host)
	l.mu.Unlock()

	return limiter.Wait(ctx)
}

func (l *HostLimiter) ensureLimiterLocked(host string) *rate.Limiter {
	limiter, ok := l.limiters[host]
	if ok {
		return limiter
	}
	interval := l.settings.Window / time.Duration(l.settings.Requests)
	if interval <= 0 {
		interval = time.Millisecond
	}
	limiter = rate.NewLimiter(rate.Every(interval), l.settings.Requests)
	l.limiters[host] = limiter
	return limiter
}
