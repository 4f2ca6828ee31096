// Package ratelimit provides the per-channel admission window used by notification workers.
package ratelimit

import (
	"sync"
	"time"

	"permitalert/internal/clock"
)

// Limiter admits at most MaxRequests within a rolling window.
// Params: timestamps of admitted requests kept in admission order.
// Returns: mutex-guarded limiter safe for concurrent CheckLimit calls.
type Limiter struct {
	mu          sync.Mutex
	maxRequests int
	window      time.Duration
	clock       clock.Clock
	admitted    []time.Time
}

// Decision is outcome of one admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Time
}

// New creates limiter.
// Params: capacity, window, and clock; nil clock uses real time.
// Returns: limiter with empty history.
func New(maxRequests int, window time.Duration, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if maxRequests < 1 {
		maxRequests = 1
	}
	return &Limiter{maxRequests: maxRequests, window: window, clock: clk}
}

// CheckLimit evicts expired entries and tries to admit one request.
// Params: none.
// Returns: allow decision, or deny with RetryAfter = oldest + window.
func (l *Limiter) CheckLimit() Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	cutoff := now.Add(-l.window)
	keep := 0
	for keep < len(l.admitted) && !l.admitted[keep].After(cutoff) {
		keep++
	}
	if keep > 0 {
		l.admitted = append(l.admitted[:0], l.admitted[keep:]...)
	}

	if len(l.admitted) < l.maxRequests {
		l.admitted = append(l.admitted, now)
		return Decision{Allowed: true}
	}
	return Decision{RetryAfter: l.admitted[0].Add(l.window)}
}

// Remaining reports free slots after eviction at current time.
// Params: none.
// Returns: number of requests that would be admitted now.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.clock.Now().Add(-l.window)
	live := 0
	for _, ts := range l.admitted {
		if ts.After(cutoff) {
			live++
		}
	}
	return l.maxRequests - live
}
