package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colonycraft/llm-gateway/internal/gateway/apierr"
	"github.com/colonycraft/llm-gateway/internal/gateway/breaker"
	"github.com/colonycraft/llm-gateway/internal/gateway/cache"
)

// fakeProvider returns scripted outcomes and records how often it was called.
type fakeProvider struct {
	name  string
	err   error
	calls int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Invoke(ctx context.Context, req Request) (*Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &Response{
		ID:       "resp-1",
		Provider: f.name,
		Model:    req.Model,
		Content:  "response from " + f.name,
	}, nil
}

func newTestRouter(t *testing.T, provs ...*fakeProvider) (*Router, *breaker.Registry) {
	t.Helper()
	registry := NewRegistry()
	order := make([]string, 0, len(provs))
	for _, p := range provs {
		registry.Register(p)
		order = append(order, p.name)
	}
	breakers := breaker.NewRegistry(3, 30*time.Second)
	respCache := cache.New(cache.NewMemoryStore(), time.Hour, zerolog.Nop())
	return NewRouter(registry, respCache, breakers, time.Minute, order, zerolog.Nop()), breakers
}

func retryableErr(provider string) error {
	return &ProviderError{Provider: provider, StatusCode: 503, Err: errors.New("upstream down")}
}

func TestDispatchPrimarySuccess(t *testing.T) {
	primary := &fakeProvider{name: "openai"}
	alt := &fakeProvider{name: "anthropic"}
	router, _ := newTestRouter(t, primary, alt)

	result, err := router.Dispatch(context.Background(), DispatchRequest{
		Provider: "openai", Model: "gpt-4o", Prompt: "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "openai", result.Provider)
	assert.False(t, result.CacheHit)
	assert.False(t, result.FailoverUsed)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 0, alt.calls)
}

func TestDispatchCacheHitSkipsProvider(t *testing.T) {
	primary := &fakeProvider{name: "openai"}
	router, _ := newTestRouter(t, primary)
	ctx := context.Background()

	_, err := router.Dispatch(ctx, DispatchRequest{Provider: "openai", Model: "gpt-4o", Prompt: "hello"})
	require.NoError(t, err)

	result, err := router.Dispatch(ctx, DispatchRequest{Provider: "openai", Model: "gpt-4o", Prompt: "hello"})
	require.NoError(t, err)
	assert.True(t, result.CacheHit)
	assert.Equal(t, "response from openai", result.Response.Content)
	assert.Equal(t, 1, primary.calls, "cache hit must not reach the provider")
}

func TestDispatchFailoverOnRetryableFailure(t *testing.T) {
	primary := &fakeProvider{name: "openai", err: retryableErr("openai")}
	alt := &fakeProvider{name: "anthropic"}
	router, _ := newTestRouter(t, primary, alt)

	result, err := router.Dispatch(context.Background(), DispatchRequest{
		Provider: "openai", Model: "gpt-4o", Prompt: "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", result.Provider)
	assert.True(t, result.FailoverUsed)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, alt.calls)
}

func TestDispatchNonRetryableDoesNotFailOver(t *testing.T) {
	primary := &fakeProvider{name: "openai", err: &ProviderError{
		Provider: "openai", StatusCode: 400, Err: errors.New("bad model"),
	}}
	alt := &fakeProvider{name: "anthropic"}
	router, _ := newTestRouter(t, primary, alt)

	_, err := router.Dispatch(context.Background(), DispatchRequest{
		Provider: "openai", Model: "nope", Prompt: "hello",
	})
	require.Error(t, err)
	assert.Equal(t, apierr.KindProviderError, apierr.KindOf(err))
	assert.Equal(t, 0, alt.calls, "4xx must not trigger failover")
}

func TestDispatchSingleHopOnly(t *testing.T) {
	primary := &fakeProvider{name: "openai", err: retryableErr("openai")}
	first := &fakeProvider{name: "anthropic", err: retryableErr("anthropic")}
	second := &fakeProvider{name: "gemini"}
	router, _ := newTestRouter(t, primary, first, second)

	_, err := router.Dispatch(context.Background(), DispatchRequest{
		Provider: "openai", Model: "gpt-4o", Prompt: "hello",
	})
	require.Error(t, err)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 0, second.calls, "only one failover hop is allowed")
}

func TestDispatchFailoverPriorityOrder(t *testing.T) {
	primary := &fakeProvider{name: "openai", err: retryableErr("openai")}
	a := &fakeProvider{name: "anthropic"}
	g := &fakeProvider{name: "gemini"}
	router, _ := newTestRouter(t, primary, a, g)

	result, err := router.Dispatch(context.Background(), DispatchRequest{
		Provider: "openai", Model: "gpt-4o", Prompt: "hello",
		Failover: []string{"gemini", "anthropic"},
	})
	require.NoError(t, err)
	assert.Equal(t, "gemini", result.Provider)
	assert.Equal(t, 0, a.calls)
}

func TestDispatchOpenCircuitSkipsPrimary(t *testing.T) {
	primary := &fakeProvider{name: "openai"}
	alt := &fakeProvider{name: "anthropic"}
	router, breakers := newTestRouter(t, primary, alt)

	for i := 0; i < 3; i++ {
		breakers.For("openai").Failure()
	}
	require.Equal(t, breaker.StatusOpen, breakers.For("openai").Status())

	result, err := router.Dispatch(context.Background(), DispatchRequest{
		Provider: "openai", Model: "gpt-4o", Prompt: "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", result.Provider)
	assert.True(t, result.FailoverUsed)
	assert.Equal(t, 0, primary.calls, "open circuit must not be probed")
}

func TestDispatchAllUnavailable(t *testing.T) {
	primary := &fakeProvider{name: "openai"}
	alt := &fakeProvider{name: "anthropic"}
	router, breakers := newTestRouter(t, primary, alt)

	for i := 0; i < 3; i++ {
		breakers.For("openai").Failure()
		breakers.For("anthropic").Failure()
	}

	_, err := router.Dispatch(context.Background(), DispatchRequest{
		Provider: "openai", Model: "gpt-4o", Prompt: "hello",
	})
	require.Error(t, err)
	assert.Equal(t, apierr.KindProviderUnavailable, apierr.KindOf(err))
	assert.Equal(t, 0, primary.calls)
	assert.Equal(t, 0, alt.calls)
}

func TestDispatchTimeoutKind(t *testing.T) {
	primary := &fakeProvider{name: "openai", err: &ProviderError{
		Provider: "openai", Err: context.DeadlineExceeded,
	}}
	router, _ := newTestRouter(t, primary)

	_, err := router.Dispatch(context.Background(), DispatchRequest{
		Provider: "openai", Model: "gpt-4o", Prompt: "hello",
	})
	require.Error(t, err)
	assert.Equal(t, apierr.KindProviderTimeout, apierr.KindOf(err))
}

func TestDispatchUnknownProvider(t *testing.T) {
	router, _ := newTestRouter(t, &fakeProvider{name: "openai"})

	_, err := router.Dispatch(context.Background(), DispatchRequest{
		Provider: "nonexistent", Model: "m", Prompt: "hello",
	})
	assert.Equal(t, apierr.KindBadRequest, apierr.KindOf(err))
}

func TestDispatchBreakerSettlement(t *testing.T) {
	primary := &fakeProvider{name: "openai", err: retryableErr("openai")}
	router, breakers := newTestRouter(t, primary)

	for i := 0; i < 3; i++ {
		_, err := router.Dispatch(context.Background(), DispatchRequest{
			Provider: "openai", Model: "gpt-4o", Prompt: "hello",
		})
		require.Error(t, err)
	}
	assert.Equal(t, breaker.StatusOpen, breakers.For("openai").Status())
	assert.Equal(t, 3, primary.calls)

	// With the circuit open the provider is no longer reached.
	_, err := router.Dispatch(context.Background(), DispatchRequest{
		Provider: "openai", Model: "gpt-4o", Prompt: "hello",
	})
	require.Error(t, err)
	assert.Equal(t, 3, primary.calls)
}

func TestHalfOpenTrialSettlesOnNonRetryable(t *testing.T) {
	primary := &fakeProvider{name: "openai", err: retryableErr("openai")}
	registry := NewRegistry()
	registry.Register(primary)
	breakers := breaker.NewRegistry(3, time.Millisecond)
	respCache := cache.New(cache.NewMemoryStore(), time.Hour, zerolog.Nop())
	router := NewRouter(registry, respCache, breakers, time.Minute, registry.Names(), zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := router.Dispatch(ctx, DispatchRequest{Provider: "openai", Model: "gpt-4o", Prompt: "hello"})
		require.Error(t, err)
	}
	require.Equal(t, breaker.StatusOpen, breakers.For("openai").Status())

	time.Sleep(5 * time.Millisecond)

	// The half-open trial comes back 400. The provider answered, so the
	// trial settles and the circuit closes instead of wedging half-open.
	primary.err = &ProviderError{Provider: "openai", StatusCode: 400, Err: errors.New("bad model")}
	_, err := router.Dispatch(ctx, DispatchRequest{Provider: "openai", Model: "gpt-4o", Prompt: "hello"})
	require.Error(t, err)
	assert.Equal(t, apierr.KindProviderError, apierr.KindOf(err))
	assert.Equal(t, breaker.StatusClosed, breakers.For("openai").Status())

	// The healed provider is reachable again.
	primary.err = nil
	result, err := router.Dispatch(ctx, DispatchRequest{Provider: "openai", Model: "gpt-4o", Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "openai", result.Provider)
	assert.Equal(t, 5, primary.calls)
}

func TestFailoverResponseServesLaterCacheHits(t *testing.T) {
	primary := &fakeProvider{name: "openai", err: retryableErr("openai")}
	alt := &fakeProvider{name: "anthropic"}
	router, _ := newTestRouter(t, primary, alt)
	ctx := context.Background()

	result, err := router.Dispatch(ctx, DispatchRequest{Provider: "openai", Model: "gpt-4o", Prompt: "hello"})
	require.NoError(t, err)
	require.True(t, result.FailoverUsed)

	// The cached entry is keyed by the requested provider, so the identical
	// request hits even though anthropic served it.
	result, err = router.Dispatch(ctx, DispatchRequest{Provider: "openai", Model: "gpt-4o", Prompt: "hello"})
	require.NoError(t, err)
	assert.True(t, result.CacheHit)
	assert.Equal(t, "anthropic", result.Response.Provider)
	assert.Equal(t, 1, alt.calls)
}

func TestRetryableClassification(t *testing.T) {
	tests := []struct {
		name string
		err  *ProviderError
		want bool
	}{
		{"network failure", &ProviderError{StatusCode: 0, Err: errors.New("conn refused")}, true},
		{"server error", &ProviderError{StatusCode: 500, Err: errors.New("ise")}, true},
		{"bad gateway", &ProviderError{StatusCode: 502, Err: errors.New("bg")}, true},
		{"rate limited upstream", &ProviderError{StatusCode: 429, Err: errors.New("slow down")}, true},
		{"bad request", &ProviderError{StatusCode: 400, Err: errors.New("bad")}, false},
		{"unauthorized", &ProviderError{StatusCode: 401, Err: errors.New("key")}, false},
		{"not found", &ProviderError{StatusCode: 404, Err: errors.New("model")}, false},
		{"deadline", &ProviderError{Err: context.DeadlineExceeded}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Retryable())
		})
	}
}
