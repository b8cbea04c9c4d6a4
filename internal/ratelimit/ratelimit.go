// Package ratelimit implements a fixed-window request limiter backed by a
// shared counter store.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// WindowCounter increments a counter that expires after window.
type WindowCounter interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter allows at most limit calls per subject in each window.
type Limiter struct {
	counter WindowCounter
	limit   int64
	window  time.Duration
	prefix  string
	logger  *zap.Logger
	now     func() time.Time
}

// New returns a limiter. limit must be positive and window at least a second.
func New(counter WindowCounter, limit int64, window time.Duration, logger *zap.Logger) *Limiter {
	if window < time.Second {
		window = time.Second
	}
	return &Limiter{
		counter: counter,
		limit:   limit,
		window:  window,
		prefix:  "faceverify:ratelimit",
		logger:  logger.Named("rate_limiter"),
		now:     time.Now,
	}
}

// Allow counts one call for subject. Counter failures let the call through.
func (l *Limiter) Allow(ctx context.Context, subject string) Decision {
	now := l.now()
	windowSeconds := int64(l.window / time.Second)
	slot := now.Unix() / windowSeconds
	key := fmt.Sprintf("%s:%s:%d", l.prefix, subject, slot)

	count, err := l.counter.IncrWindow(ctx, key, l.window)
	if err != nil {
		l.logger.Warn("rate limit counter unavailable, allowing request", zap.Error(err), zap.String("subject", subject))
		return Decision{Allowed: true, Limit: l.limit, Remaining: l.limit}
	}

	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}
	decision := Decision{
		Allowed:   count <= l.limit,
		Limit:     l.limit,
		Remaining: remaining,
	}
	if !decision.Allowed {
		windowEnd := time.Unix((slot+1)*windowSeconds, 0)
		decision.RetryAfter = windowEnd.Sub(now)
	}
	return decision
}
