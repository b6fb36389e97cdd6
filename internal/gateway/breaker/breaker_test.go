package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *time.Time) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := New(threshold, cooldown)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, 30*time.Second)

	b.Failure()
	b.Failure()
	assert.Equal(t, StatusClosed, b.Status())
	assert.True(t, b.Allow())

	b.Failure()
	assert.Equal(t, StatusOpen, b.Status())
	assert.False(t, b.Allow())
}

func TestSuccessResetsFailureRun(t *testing.T) {
	b, _ := newTestBreaker(3, 30*time.Second)

	b.Failure()
	b.Failure()
	b.Success()
	assert.Equal(t, 0, b.ConsecutiveFailures())

	// The run starts over, so two more failures do not open the circuit.
	b.Failure()
	b.Failure()
	assert.Equal(t, StatusClosed, b.Status())
}

func TestHalfOpenSingleTrial(t *testing.T) {
	b, now := newTestBreaker(1, 30*time.Second)

	b.Failure()
	require.Equal(t, StatusOpen, b.Status())

	// Before the cooldown elapses every call is refused.
	*now = now.Add(29 * time.Second)
	assert.False(t, b.Allow())

	// Past the cooldown exactly one trial is admitted.
	*now = now.Add(2 * time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, StatusHalfOpen, b.Status())
	assert.False(t, b.Allow(), "second call during the trial must be refused")
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(1, 30*time.Second)

	b.Failure()
	*now = now.Add(31 * time.Second)
	require.True(t, b.Allow())

	// The trial fails: the circuit re-opens with a fresh cooldown window.
	b.Failure()
	assert.Equal(t, StatusOpen, b.Status())
	*now = now.Add(29 * time.Second)
	assert.False(t, b.Allow())
	*now = now.Add(2 * time.Second)
	assert.True(t, b.Allow())
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	b, now := newTestBreaker(1, 30*time.Second)

	b.Failure()
	*now = now.Add(31 * time.Second)
	require.True(t, b.Allow())

	b.Success()
	assert.Equal(t, StatusClosed, b.Status())
	assert.True(t, b.Allow())
	assert.Equal(t, 0, b.ConsecutiveFailures())
}

func TestRegistryPerProvider(t *testing.T) {
	r := NewRegistry(1, 30*time.Second)

	r.For("openai").Failure()
	assert.Equal(t, StatusOpen, r.For("openai").Status())
	// One provider's circuit opening does not affect another's.
	assert.Equal(t, StatusClosed, r.For("anthropic").Status())
	// For returns the same breaker per name.
	assert.Same(t, r.For("openai"), r.For("openai"))
}
