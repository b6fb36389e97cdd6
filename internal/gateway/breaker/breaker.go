// Package breaker implements a per-provider circuit breaker. After a run of
// consecutive failures the circuit opens and dispatch to that provider is
// refused until a cooldown elapses; the first request after the cooldown is
// admitted as a single half-open trial whose outcome closes or re-opens the
// circuit.
package breaker

import (
	"sync"
	"time"
)

type Status string

const (
	StatusClosed   Status = "closed"
	StatusOpen     Status = "open"
	StatusHalfOpen Status = "half_open"
)

// Breaker tracks failures for one provider. Provider count is small, so a
// plain mutex per breaker is fine.
type Breaker struct {
	mu                  sync.Mutex
	status              Status
	consecutiveFailures int
	openedAt            time.Time
	trialInFlight       bool

	threshold int
	cooldown  time.Duration

	// now is replaceable for tests.
	now func() time.Time
}

func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		status:    StatusClosed,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. While open, calls are refused
// until the cooldown has elapsed; the breaker then moves to half-open and
// admits exactly one trial call. Further calls are refused until that trial
// settles via Success or Failure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.status {
	case StatusClosed:
		return true
	case StatusOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.status = StatusHalfOpen
		b.trialInFlight = true
		return true
	default: // half-open
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	}
}

// Success records a successful call: the circuit closes and the failure run
// resets.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = StatusClosed
	b.consecutiveFailures = 0
	b.trialInFlight = false
}

// Failure records a failed call. A half-open trial failure re-opens the
// circuit immediately with a fresh cooldown window; in closed state the
// circuit opens once the failure run crosses the threshold.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	if b.status == StatusHalfOpen || b.consecutiveFailures >= b.threshold {
		b.status = StatusOpen
		b.openedAt = b.now()
		b.trialInFlight = false
	}
}

// Status reports the current circuit status.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// ConsecutiveFailures reports the current failure run length.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// Registry holds one breaker per provider, created on first use.
type Registry struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	threshold int
	cooldown  time.Duration
}

func NewRegistry(threshold int, cooldown time.Duration) *Registry {
	return &Registry{
		breakers:  make(map[string]*Breaker),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// For returns the breaker for the named provider, creating it if needed.
func (r *Registry) For(provider string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[provider]
	if !ok {
		b = New(r.threshold, r.cooldown)
		r.breakers[provider] = b
	}
	return b
}
