// Package ratelimit spaces requests to each source by a minimum interval.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/instrument-catalog/internal/telemetry"
)

// Config holds rate limiter configuration.
type Config struct {
	// DefaultInterval applies to sources without an explicit entry.
	DefaultInterval time.Duration
	// Intervals overrides the spacing per source kind.
	Intervals map[string]time.Duration
}

// Limiter manages one token bucket per source. Each bucket holds a single
// token, so consecutive requests to a source are at least one interval apart
// no matter how many workers share it.
type Limiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	intervals map[string]time.Duration
	fallback  time.Duration
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	intervals := make(map[string]time.Duration, len(cfg.Intervals))
	for k, v := range cfg.Intervals {
		intervals[k] = v
	}
	return &Limiter{
		limiters:  make(map[string]*rate.Limiter),
		intervals: intervals,
		fallback:  cfg.DefaultInterval,
	}
}

// Wait blocks until source may be called again or ctx is done.
func (l *Limiter) Wait(ctx context.Context, source string) error {
	limiter := l.limiterFor(source)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if d := time.Since(start); d > time.Millisecond {
		telemetry.ObserveRateLimitDelay(source, d)
	}
	return nil
}

// SetInterval changes the spacing for source. It takes effect on the next
// Wait call.
func (l *Limiter) SetInterval(source string, interval time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.intervals[source] = interval
	if limiter, ok := l.limiters[source]; ok {
		limiter.SetLimit(limitFor(interval))
	}
}

// Interval reports the spacing in effect for source.
func (l *Limiter) Interval(source string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.intervalLocked(source)
}

func (l *Limiter) limiterFor(source string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[source]
	if !ok {
		limiter = rate.NewLimiter(limitFor(l.intervalLocked(source)), 1)
		l.limiters[source] = limiter
	}
	return limiter
}

func (l *Limiter) intervalLocked(source string) time.Duration {
	if d, ok := l.intervals[source]; ok {
		return d
	}
	return l.fallback
}

func limitFor(interval time.Duration) rate.Limit {
	if interval <= 0 {
		return rate.Inf
	}
	return rate.Every(interval)
}
