package ratelimit

import (
	"sync"
	"time"
)

// KeyedLimiter keeps one bucket per key, typically a session ID. Buckets that
// have refilled completely are dropped on the next sweep.
type KeyedLimiter struct {
	rate  float64
	burst int
	now   func() time.Time

	mu        sync.Mutex
	buckets   map[string]*Limiter
	lastSweep time.Time
	every     time.Duration
}

// NewKeyedLimiter returns nil when rate is not positive, which disables limiting.
func NewKeyedLimiter(rate float64, burst int) *KeyedLimiter {
	return newKeyedAt(rate, burst, time.Now)
}

func newKeyedAt(rate float64, burst int, now func() time.Time) *KeyedLimiter {
	if rate <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	// A bucket is full again after burst/rate seconds; sweeping more often buys nothing.
	every := time.Duration(float64(burst) / rate * float64(time.Second))
	if every < time.Second {
		every = time.Second
	}
	return &KeyedLimiter{
		rate:      rate,
		burst:     burst,
		now:       now,
		buckets:   make(map[string]*Limiter),
		lastSweep: now(),
		every:     every,
	}
}

// Reserve takes a token from key's bucket. A nil KeyedLimiter allows everything.
func (k *KeyedLimiter) Reserve(key string) (bool, time.Duration) {
	if k == nil {
		return true, 0
	}
	k.mu.Lock()
	now := k.now()
	if now.Sub(k.lastSweep) >= k.every {
		k.sweepLocked()
		k.lastSweep = now
	}
	b, ok := k.buckets[key]
	if !ok {
		b = newLimiterAt(k.rate, k.burst, k.now)
		k.buckets[key] = b
	}
	k.mu.Unlock()
	return b.Reserve()
}

func (k *KeyedLimiter) sweepLocked() {
	for key, b := range k.buckets {
		if b.full() {
			delete(k.buckets, key)
		}
	}
}

// Len reports how many buckets are tracked.
func (k *KeyedLimiter) Len() int {
	if k == nil {
		return 0
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}
