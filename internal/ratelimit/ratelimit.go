// Package ratelimit bounds per-identifier call rates with a sliding-window
// log. Unlike fixed buckets, the trailing window cannot admit a burst of
// 2x the limit across a bucket edge.
package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// LimitExceededError tells the caller how long to wait before the oldest
// recorded call ages out of the window.
type LimitExceededError struct {
	RetryAfter time.Duration
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %.1fs", e.RetryAfter.Seconds())
}

func (e *LimitExceededError) RetryAfterSeconds() int {
	return int(math.Ceil(e.RetryAfter.Seconds()))
}

// Limiter tracks call timestamps per identifier. One lock guards all
// windows; identifier cardinality is per-session and small.
type Limiter struct {
	mu       sync.Mutex
	windows  map[string][]time.Time
	maxCalls int
	window   time.Duration

	now func() time.Time
}

func NewLimiter(maxCalls int, window time.Duration) (*Limiter, error) {
	if maxCalls <= 0 {
		return nil, fmt.Errorf("max calls must be positive, got %d", maxCalls)
	}
	if window <= 0 {
		return nil, fmt.Errorf("time window must be positive, got %s", window)
	}
	return &Limiter{
		windows:  make(map[string][]time.Time),
		maxCalls: maxCalls,
		window:   window,
		now:      time.Now,
	}, nil
}

// CheckAndRecord purges expired timestamps for identifier, then either
// records the call or returns *LimitExceededError.
func (l *Limiter) CheckAndRecord(identifier string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	kept := l.windows[identifier][:0]
	for _, at := range l.windows[identifier] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}

	if len(kept) >= l.maxCalls {
		l.windows[identifier] = kept
		return &LimitExceededError{RetryAfter: kept[0].Sub(cutoff)}
	}

	l.windows[identifier] = append(kept, now)
	return nil
}

// SweepIdle drops identifiers whose windows have fully aged out so the
// identifier dimension itself stays bounded. Returns the number dropped.
func (l *Limiter) SweepIdle() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	dropped := 0
	for identifier, window := range l.windows {
		idle := true
		for _, at := range window {
			if at.After(cutoff) {
				idle = false
				break
			}
		}
		if idle {
			delete(l.windows, identifier)
			dropped++
		}
	}
	return dropped
}

// ActiveIdentifiers reports how many identifiers currently hold a window.
func (l *Limiter) ActiveIdentifiers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
