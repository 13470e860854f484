package middleware

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter controls how frequently a caller may perform an action.
type RateLimiter interface {
	Allow(key string) bool
}

// Quota is a per-key budget: PerMinute sustained events plus Burst on top of
// an empty bucket.
type Quota struct {
	PerMinute int
	Burst     int
}

type bucket struct {
	tokens   *rate.Limiter
	lastSeen time.Time
}

// KeyedRateLimiter keeps one token bucket per key (scope plus client address).
// Buckets idle for longer than idle are swept, at most once per idle period,
// and the table never holds more than maxKeys entries.
type KeyedRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	quota   Quota
	idle    time.Duration
	maxKeys int
	swept   time.Time
	now     func() time.Time
}

// DefaultMaxKeys caps the bucket table when NewKeyedRateLimiter gets maxKeys <= 0.
const DefaultMaxKeys = 100_000

// NewKeyedRateLimiter builds a limiter enforcing q per key.
func NewKeyedRateLimiter(q Quota, idle time.Duration, maxKeys int) *KeyedRateLimiter {
	q.PerMinute = max(q.PerMinute, 1)
	if q.Burst <= 0 {
		q.Burst = q.PerMinute
	}
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	return &KeyedRateLimiter{
		buckets: make(map[string]*bucket),
		quota:   q,
		idle:    idle,
		maxKeys: maxKeys,
		now:     time.Now,
	}
}

// Allow spends one token from key's bucket if one is available.
func (l *KeyedRateLimiter) Allow(key string) bool {
	if key == "" {
		key = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.swept) > l.idle {
		l.sweepLocked(now)
	}

	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			l.evictOldestLocked()
		}
		b = &bucket{tokens: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.quota.PerMinute)), l.quota.Burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.tokens.AllowN(now, 1)
}

// Len returns the number of tracked keys.
func (l *KeyedRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// WithNowFunc overrides the time source.
func (l *KeyedRateLimiter) WithNowFunc(now func() time.Time) *KeyedRateLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
	return l
}

func (l *KeyedRateLimiter) sweepLocked(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.idle {
			delete(l.buckets, key)
		}
	}
	l.swept = now
}

func (l *KeyedRateLimiter) evictOldestLocked() {
	var (
		oldestKey string
		oldest    time.Time
	)
	for key, b := range l.buckets {
		if oldestKey == "" || b.lastSeen.Before(oldest) {
			oldestKey, oldest = key, b.lastSeen
		}
	}
	delete(l.buckets, oldestKey)
}
