// Package ratelimit implements per-caller token bucket admission control.
//
// Each caller identity gets its own bucket, created on first use. Buckets
// refill lazily on access, so an idle limiter costs nothing. Admission is
// linearizable per caller: the bucket's critical section covers refill and
// consume together, and contention on one caller never blocks another.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter owns the bucket registry. The registry lock is only held for map
// lookups; token accounting happens under the per-bucket mutex.
type Limiter struct {
	mu           sync.Mutex
	buckets      map[string]*TokenBucket
	defaultLimit Limit

	// now is replaceable for tests.
	now func() time.Time
}

// NewLimiter creates a limiter whose buckets use defaultLimit unless a
// per-call override is supplied via AdmitLimit.
func NewLimiter(defaultLimit Limit) *Limiter {
	return &Limiter{
		buckets:      make(map[string]*TokenBucket),
		defaultLimit: defaultLimit,
		now:          time.Now,
	}
}

// Admit checks whether callerID may spend cost tokens under the default
// limit. Cost defaults to 1 when zero or negative.
func (l *Limiter) Admit(callerID string, cost float64) Decision {
	return l.AdmitLimit(callerID, cost, l.defaultLimit)
}

// AdmitLimit is Admit with an explicit per-caller limit, for callers whose
// key record carries its own rate policy.
func (l *Limiter) AdmitLimit(callerID string, cost float64, limit Limit) Decision {
	if cost <= 0 {
		cost = 1
	}
	now := l.now()
	return l.bucket(callerID, limit, now).admit(limit, cost, now)
}

// bucket returns the caller's bucket, creating it on first access. Creation
// is idempotent under concurrent first requests from the same caller: the
// map is checked and populated under one lock, so exactly one bucket wins.
func (l *Limiter) bucket(callerID string, limit Limit, now time.Time) *TokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[callerID]
	if !ok {
		b = newBucket(limit, now)
		l.buckets[callerID] = b
	}
	return b
}

// EvictIdle drops buckets untouched for longer than maxIdle and returns how
// many were removed. An evicted caller re-admits at full capacity, which is
// acceptable after prolonged inactivity.
func (l *Limiter) EvictIdle(maxIdle time.Duration) int {
	cutoff := l.now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for id, b := range l.buckets {
		if b.idleSince().Before(cutoff) {
			delete(l.buckets, id)
			evicted++
		}
	}
	return evicted
}

// Len reports how many caller buckets are live.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
