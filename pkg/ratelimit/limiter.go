package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of counting one request against a key.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter records a request for key and reports how many requests the key
// has made within the trailing window, this one included. Rejected requests
// are recorded too.
type Limiter interface {
	Allow(key string, limit int) Decision
}

// InMemoryLimiter keeps a timestamp log per key. A single mutex serializes
// the append, prune and count for every key.
type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	items  map[string][]time.Time
	now    func() time.Time
	swept  time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window: window,
		items:  make(map[string][]time.Time),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Intended for tests.
func (l *InMemoryLimiter) WithClock(now func() time.Time) *InMemoryLimiter {
	l.now = now
	return l
}

func (l *InMemoryLimiter) Window() time.Duration { return l.window }

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now)
	fresh := prune(l.items[key], now, l.window)
	fresh = append(fresh, now)
	l.items[key] = fresh
	return decide(len(fresh), limit, fresh[0].Add(l.window))
}

// prune drops stamps that are a full window old or older, reusing the
// backing array.
func prune(stamps []time.Time, now time.Time, window time.Duration) []time.Time {
	cut := 0
	for cut < len(stamps) && now.Sub(stamps[cut]) >= window {
		cut++
	}
	if cut == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[cut:]...)
}

// sweep removes idle keys at most once per window.
func (l *InMemoryLimiter) sweep(now time.Time) {
	if now.Sub(l.swept) < l.window {
		return
	}
	l.swept = now
	for k, stamps := range l.items {
		if len(stamps) == 0 || now.Sub(stamps[len(stamps)-1]) >= l.window {
			delete(l.items, k)
		}
	}
}

func decide(count, limit int, resetAt time.Time) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
