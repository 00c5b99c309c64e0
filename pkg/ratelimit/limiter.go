// Package ratelimit provides token-bucket rate limiting for request submission.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Limiter is a token bucket. It is safe for concurrent use.
type Limiter struct {
	rate     float64 // tokens per second
	burst    int
	tokens   float64
	lastTime time.Time
	now      func() time.Time
	mu       sync.Mutex
}

// NewLimiter creates a limiter that starts with a full bucket.
func NewLimiter(rate float64, burst int) *Limiter {
	return newLimiterAt(rate, burst, time.Now)
}

func newLimiterAt(rate float64, burst int, now func() time.Time) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		rate:     rate,
		burst:    burst,
		tokens:   float64(burst),
		lastTime: now(),
		now:      now,
	}
}

// Allow consumes a token if one is available.
func (l *Limiter) Allow() bool {
	ok, _ := l.Reserve()
	return ok
}

// Reserve consumes a token if one is available. Otherwise it reports how long
// until the next token is due.
func (l *Limiter) Reserve() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()
	if l.tokens >= 1 {
		l.tokens--
		return true, 0
	}
	if l.rate <= 0 {
		return false, time.Duration(math.MaxInt64)
	}
	needed := 1 - l.tokens
	return false, time.Duration(needed / l.rate * float64(time.Second))
}

func (l *Limiter) refillLocked() {
	now := l.now()
	elapsed := now.Sub(l.lastTime).Seconds()
	l.lastTime = now
	if elapsed <= 0 {
		return
	}
	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
}

// Tokens returns the current number of available tokens.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	return l.tokens
}

// Rate returns the token refill rate per second.
func (l *Limiter) Rate() float64 {
	return l.rate
}

// Burst returns the maximum burst size.
func (l *Limiter) Burst() int {
	return l.burst
}

func (l *Limiter) full() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	return l.tokens >= float64(l.burst)
}
