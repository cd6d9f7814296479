package auth

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterSweepInterval = time.Minute

// AttemptLimiter throttles failed login attempts per identifier with a token
// bucket.
// Buckets are kept in memory only; the credential store is never written.
type AttemptLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*attemptBucket
	every     rate.Limit
	burst     int
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type attemptBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewAttemptLimiter allows burst attempts, refilling one every refill.
func NewAttemptLimiter(refill time.Duration, burst int) *AttemptLimiter {
	if burst < 1 {
		burst = 1
	}
	if refill <= 0 {
		refill = time.Second
	}
	return &AttemptLimiter{
		buckets: make(map[string]*attemptBucket),
		every:   rate.Every(refill),
		burst:   burst,
		// A bucket idle this long has refilled completely and can be dropped.
		idleTTL: refill * time.Duration(burst),
		now:     time.Now,
	}
}

// Permit reports whether key may attempt a login now. It does not consume
// an attempt; only failures are charged, through Fail.
func (l *AttemptLimiter) Permit(key string) bool {
	key = normalizeKey(key)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.maybeSweepLocked(now)
	bucket, ok := l.buckets[key]
	if !ok {
		return true
	}
	return bucket.limiter.TokensAt(now) >= 1
}

// Fail charges one failed attempt against key.
func (l *AttemptLimiter) Fail(key string) {
	key = normalizeKey(key)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.maybeSweepLocked(now)
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = &attemptBucket{limiter: rate.NewLimiter(l.every, l.burst)}
		l.buckets[key] = bucket
	}
	bucket.lastSeen = now
	bucket.limiter.AllowN(now, 1)
}

// Sweep drops buckets that have been idle long enough to be full again.
// It returns the number of buckets removed.
func (l *AttemptLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sweepLocked(l.now())
}

// Len returns the number of tracked identifiers.
func (l *AttemptLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func (l *AttemptLimiter) maybeSweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) >= limiterSweepInterval {
		l.sweepLocked(now)
		l.lastSweep = now
	}
}

func (l *AttemptLimiter) sweepLocked(now time.Time) int {
	removed := 0
	for key, bucket := range l.buckets {
		if now.Sub(bucket.lastSeen) >= l.idleTTL {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}
