package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	guard "github.com/eugener/aiguard/internal"
)

// Result is the outcome of one admission check, carrying everything the
// handler needs for the X-RateLimit-* response headers.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time // when the current window closes
}

// Limiter admits or rejects one request against a rate window.
type Limiter interface {
	// Allow counts the request against key when it fits under limit. The
	// request is counted only when admitted.
	Allow(ctx context.Context, key string, limit int) (Result, error)
}

// Key builds the limiter key for a request: authenticated callers are limited
// per user, anonymous probes per client IP.
func Key(p *guard.Principal, clientIP string) string {
	if p != nil && p.User != nil {
		return fmt.Sprintf("ratelimit:user:%s", p.User.ID)
	}
	return fmt.Sprintf("ratelimit:ip:%s", clientIP)
}

// --- In-process backend ---

type window struct {
	count   int
	resetAt time.Time
}

// LocalLimiter tracks windows in process memory. Suitable for single-node
// deployments; a fleet wants the Redis backend so all nodes share counters.
type LocalLimiter struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]*window
}

// NewLocalLimiter returns an empty in-process limiter.
func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

func (l *LocalLimiter) Allow(_ context.Context, key string, limit int) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.windows[key]
	if w == nil || !w.resetAt.After(now) {
		w = &window{resetAt: now.Add(Window * time.Second)}
		l.windows[key] = w
	}

	res := Result{Limit: limit, Reset: w.resetAt}
	if w.count >= limit {
		return res, nil
	}

	w.count++
	res.Allowed = true
	res.Remaining = limit - w.count
	return res, nil
}

// Evict drops expired windows. Run periodically by the eviction worker;
// missing a pass only costs memory, never correctness.
func (l *LocalLimiter) Evict() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, w := range l.windows {
		if !w.resetAt.After(now) {
			delete(l.windows, key)
		}
	}
}

// Len reports the number of tracked keys.
func (l *LocalLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
