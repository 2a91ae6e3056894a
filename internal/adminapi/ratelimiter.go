package adminapi

import (
	"sync"
	"time"
)

// RateLimiter is a keyed token bucket: each caller key (remote address or
// xApp id) refills at ratePerSec up to burst tokens, so one chatty client
// cannot exhaust the admin or IPC surface for everyone else. Idle buckets
// are dropped once full again to keep the map bounded by active callers.
type RateLimiter struct {
	ratePerSec float64
	burst      float64
	now        func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewRateLimiter allows burst immediate calls per key and ratePerSec
// sustained. A nil time source uses the wall clock; a non-positive rate or
// burst disables limiting.
func NewRateLimiter(ratePerSec float64, burst int, timeSource func() time.Time) *RateLimiter {
	if timeSource == nil {
		timeSource = time.Now
	}
	return &RateLimiter{
		ratePerSec: ratePerSec,
		burst:      float64(burst),
		now:        timeSource,
		buckets:    make(map[string]*bucket),
	}
}

// Allow reports whether the caller identified by key may proceed, consuming
// one token if so.
func (l *RateLimiter) Allow(key string) bool {
	if l == nil || l.ratePerSec <= 0 || l.burst <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, last: now}
		l.buckets[key] = b
	}
	b.tokens += now.Sub(b.last).Seconds() * l.ratePerSec
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--

	//1.- Opportunistically drop other keys that have refilled to full; they
	// carry no state worth keeping.
	for k, other := range l.buckets {
		refilled := other.tokens + now.Sub(other.last).Seconds()*l.ratePerSec
		if k != key && refilled >= l.burst {
			delete(l.buckets, k)
		}
	}
	return true
}
