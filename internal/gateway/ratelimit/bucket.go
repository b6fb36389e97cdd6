package ratelimit

import (
	"sync"
	"time"
)

// Token arithmetic is done in integer micro-tokens so long-running buckets
// never accumulate floating-point drift.
const microPerToken = 1_000_000

// Limit defines the token bucket policy for a caller.
type Limit struct {
	// Capacity is the maximum number of tokens the bucket holds (also the
	// maximum immediate burst).
	Capacity float64
	// RefillPerSecond is how many tokens are earned per second.
	RefillPerSecond float64
}

// Decision is the outcome of an admission check. RetryAfter is zero when the
// request is allowed; when denied it is the time until enough tokens exist
// for the rejected cost. ResetAt is when the bucket is expected to be full.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
	ResetAt    time.Time
}

// TokenBucket holds the token balance for a single caller. All mutation
// happens inside the bucket's own mutex so contention is scoped to one
// caller identity.
type TokenBucket struct {
	mu          sync.Mutex
	tokensMicro int64
	lastRefill  time.Time
	lastAccess  time.Time
}

func newBucket(limit Limit, now time.Time) *TokenBucket {
	return &TokenBucket{
		tokensMicro: toMicro(limit.Capacity),
		lastRefill:  now,
		lastAccess:  now,
	}
}

// admit refills the bucket for the elapsed time, then consumes cost tokens
// if available. The whole check-and-consume is a single critical section so
// two concurrent admits can never both spend the same tokens.
func (b *TokenBucket) admit(limit Limit, cost float64, now time.Time) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	capMicro := toMicro(limit.Capacity)
	rateMicro := toMicro(limit.RefillPerSecond)
	costMicro := toMicro(cost)

	b.refill(capMicro, rateMicro, now)
	b.lastAccess = now

	if b.tokensMicro >= costMicro {
		b.tokensMicro -= costMicro
		return Decision{
			Allowed:   true,
			Remaining: fromMicro(b.tokensMicro),
			ResetAt:   now.Add(durationFor(capMicro-b.tokensMicro, rateMicro)),
		}
	}

	retryAfter := durationFor(costMicro-b.tokensMicro, rateMicro)
	return Decision{
		Allowed:    false,
		Remaining:  fromMicro(b.tokensMicro),
		RetryAfter: retryAfter,
		ResetAt:    now.Add(durationFor(capMicro-b.tokensMicro, rateMicro)),
	}
}

// refill adds tokens for the time elapsed since the last refill, clamped to
// capacity. Refill is monotonic: a clock that appears to run backward adds
// nothing and does not move lastRefill back.
func (b *TokenBucket) refill(capMicro, rateMicro int64, now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.lastRefill = now

	// If the bucket would fill anyway, skip the multiply to avoid overflow
	// on very long idle periods.
	if capMicro-b.tokensMicro <= 0 {
		b.tokensMicro = capMicro
		return
	}
	fillTime := durationFor(capMicro-b.tokensMicro, rateMicro)
	if elapsed >= fillTime {
		b.tokensMicro = capMicro
		return
	}

	added := int64(elapsed.Seconds() * float64(rateMicro))
	b.tokensMicro += added
	if b.tokensMicro > capMicro {
		b.tokensMicro = capMicro
	}
}

// idleSince reports the last time this bucket was touched.
func (b *TokenBucket) idleSince() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastAccess
}

func toMicro(tokens float64) int64 {
	if tokens <= 0 {
		return 0
	}
	return int64(tokens*microPerToken + 0.5)
}

func fromMicro(micro int64) float64 {
	return float64(micro) / microPerToken
}

// durationFor converts a micro-token deficit into the time needed to earn it
// at the given refill rate.
func durationFor(deficitMicro, rateMicro int64) time.Duration {
	if deficitMicro <= 0 {
		return 0
	}
	if rateMicro <= 0 {
		return time.Duration(1<<63 - 1)
	}
	seconds := float64(deficitMicro) / float64(rateMicro)
	return time.Duration(seconds * float64(time.Second))
}
