package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter bounds request rate per (bucket, key) with token buckets.
// State is process-local by design: slight under/over-counting across
// horizontally scaled instances is an accepted trade-off for zero extra
// infrastructure. The limiter must run before any credential verification so
// rejected requests consume no hashing work.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	now     func() time.Time
	stop    chan struct{}
	stopped sync.Once
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing perMinute events with the given
// burst per key, sweeping idle entries in the background.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = perMinute
	}
	l := &RateLimiter{
		entries: make(map[string]*limiterEntry),
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   burst,
		ttl:     10 * time.Minute,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Allow reports whether one more event for key fits the budget.
func (l *RateLimiter) Allow(bucket, key string) bool {
	if key == "" {
		key = "unknown"
	}
	mapKey := bucket + "\x00" + key

	l.mu.Lock()
	e, ok := l.entries[mapKey]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.entries[mapKey] = e
	}
	e.lastSeen = l.now()
	l.mu.Unlock()

	return e.lim.Allow()
}

// Stop terminates the background sweeper.
func (l *RateLimiter) Stop() {
	l.stopped.Do(func() { close(l.stop) })
}

func (l *RateLimiter) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := l.now().Add(-l.ttl)
			l.mu.Lock()
			for k, e := range l.entries {
				if e.lastSeen.Before(cutoff) {
					delete(l.entries, k)
				}
			}
			l.mu.Unlock()
		}
	}
}
