package web

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdle = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// turnLimiter keeps one token bucket per session
type turnLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*limiterEntry
}

// newTurnLimiter returns nil, meaning unlimited, when perSecond is 0
func newTurnLimiter(perSecond float64, burst int) *turnLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &turnLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: make(map[string]*limiterEntry),
	}
}

func (l *turnLimiter) allow(sessionID string) bool {
	if l == nil {
		return true
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.buckets[sessionID]
	if !ok {
		l.prune(now)
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[sessionID] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// prune drops idle buckets; callers hold mu
func (l *turnLimiter) prune(now time.Time) {
	for id, e := range l.buckets {
		if now.Sub(e.lastSeen) > limiterIdle {
			delete(l.buckets, id)
		}
	}
}
