package cache

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintStableAcrossOptionOrder(t *testing.T) {
	a := map[string]interface{}{"temperature": 0.7, "max_tokens": 100, "top_p": 0.9}
	b := map[string]interface{}{"top_p": 0.9, "temperature": 0.7, "max_tokens": 100}

	assert.Equal(t,
		Fingerprint("openai", "gpt-4o", "hello world", a),
		Fingerprint("openai", "gpt-4o", "hello world", b),
	)
}

func TestFingerprintNormalizesWhitespace(t *testing.T) {
	assert.Equal(t,
		Fingerprint("openai", "gpt-4o", "hello   world\n", nil),
		Fingerprint("openai", "gpt-4o", " hello world ", nil),
	)
}

func TestFingerprintDiscriminates(t *testing.T) {
	base := Fingerprint("openai", "gpt-4o", "hello", map[string]interface{}{"temperature": 0.7})

	assert.NotEqual(t, base, Fingerprint("anthropic", "gpt-4o", "hello", map[string]interface{}{"temperature": 0.7}))
	assert.NotEqual(t, base, Fingerprint("openai", "gpt-4", "hello", map[string]interface{}{"temperature": 0.7}))
	assert.NotEqual(t, base, Fingerprint("openai", "gpt-4o", "goodbye", map[string]interface{}{"temperature": 0.7}))
	assert.NotEqual(t, base, Fingerprint("openai", "gpt-4o", "hello", map[string]interface{}{"temperature": 0.8}))
}

func TestFingerprintEmptyOptions(t *testing.T) {
	assert.Equal(t,
		Fingerprint("openai", "gpt-4o", "hello", nil),
		Fingerprint("openai", "gpt-4o", "hello", map[string]interface{}{}),
	)
}

type payload struct {
	Content string `json:"content"`
}

func TestCacheRoundTrip(t *testing.T) {
	c := New(NewMemoryStore(), time.Hour, zerolog.Nop())
	ctx := context.Background()

	var out payload
	hit, err := c.Get(ctx, "fp1", &out)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, c.Set(ctx, "fp1", payload{Content: "cached"}))

	hit, err = c.Get(ctx, "fp1", &out)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "cached", out.Content)
}

func TestCacheExpiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	c := New(store, time.Minute, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "fp1", payload{Content: "cached"}))

	var out payload
	hit, err := c.Get(ctx, "fp1", &out)
	require.NoError(t, err)
	require.True(t, hit)

	// A read past createdAt+ttl is a miss.
	now = now.Add(2 * time.Minute)
	hit, err = c.Get(ctx, "fp1", &out)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestCorruptEntryIsSilentMiss(t *testing.T) {
	store := NewMemoryStore()
	c := New(store, time.Hour, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, cacheKey("fp1"), "{not json", time.Hour))

	var out payload
	hit, err := c.Get(ctx, "fp1", &out)
	require.NoError(t, err, "corruption must never surface to the caller")
	assert.False(t, hit)

	// The corrupt entry is discarded.
	_, err = store.Get(ctx, cacheKey("fp1"))
	assert.ErrorIs(t, err, ErrMiss)
}

func TestLastWriteWins(t *testing.T) {
	c := New(NewMemoryStore(), time.Hour, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "fp1", payload{Content: "first"}))
	require.NoError(t, c.Set(ctx, "fp1", payload{Content: "second"}))

	var out payload
	hit, err := c.Get(ctx, "fp1", &out)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "second", out.Content)
}
