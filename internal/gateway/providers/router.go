package providers

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/colonycraft/llm-gateway/internal/gateway/apierr"
	"github.com/colonycraft/llm-gateway/internal/gateway/breaker"
	"github.com/colonycraft/llm-gateway/internal/gateway/cache"
)

// DispatchRequest names the preferred provider plus an ordered list of
// failover providers. At most one failover hop happens per request.
type DispatchRequest struct {
	Provider string
	Model    string
	Prompt   string
	Options  map[string]interface{}
	// Failover is the caller-declared priority order of alternate providers.
	// Empty means the router's default order.
	Failover []string
}

// Result is the dispatch outcome.
type Result struct {
	Response     *Response
	Provider     string
	CacheHit     bool
	FailoverUsed bool
	Fingerprint  string
}

// Router resolves a provider for each request, consulting the response
// cache first and the per-provider circuit breaker before every call.
type Router struct {
	registry        *Registry
	cache           *cache.ResponseCache
	breakers        *breaker.Registry
	timeout         time.Duration
	defaultFailover []string
	log             zerolog.Logger
}

func NewRouter(registry *Registry, respCache *cache.ResponseCache, breakers *breaker.Registry, timeout time.Duration, defaultFailover []string, log zerolog.Logger) *Router {
	return &Router{
		registry:        registry,
		cache:           respCache,
		breakers:        breakers,
		timeout:         timeout,
		defaultFailover: defaultFailover,
		log:             log.With().Str("component", "router").Logger(),
	}
}

// Dispatch serves the request from cache when possible, otherwise calls the
// preferred provider through its circuit breaker, failing over once to the
// first eligible alternate on a retryable failure or an open circuit.
func (r *Router) Dispatch(ctx context.Context, req DispatchRequest) (*Result, error) {
	fingerprint := cache.Fingerprint(req.Provider, req.Model, req.Prompt, req.Options)

	var cached Response
	if hit, err := r.cache.Get(ctx, fingerprint, &cached); err == nil && hit {
		return &Result{
			Response:    &cached,
			Provider:    cached.Provider,
			CacheHit:    true,
			Fingerprint: fingerprint,
		}, nil
	}

	primary, ok := r.registry.Get(req.Provider)
	if !ok {
		return nil, apierr.New(apierr.KindBadRequest, "unknown provider %q", req.Provider)
	}

	var lastErr error
	if r.breakers.For(primary.Name()).Allow() {
		result, err := r.attempt(ctx, primary, req, fingerprint, false)
		if err == nil {
			return result, nil
		}
		if !isRetryable(err) {
			return nil, toAPIError(err)
		}
		lastErr = err
	} else {
		r.log.Warn().Str("provider", primary.Name()).Msg("circuit open, skipping to failover")
	}

	// One failover hop: pick the first configured alternate whose circuit
	// admits a call, in caller-declared priority order.
	for _, name := range r.failoverOrder(req) {
		if name == req.Provider {
			continue
		}
		alt, ok := r.registry.Get(name)
		if !ok {
			continue
		}
		if !r.breakers.For(name).Allow() {
			continue
		}

		r.log.Info().Str("from", req.Provider).Str("to", name).Msg("failing over")
		result, err := r.attempt(ctx, alt, req, fingerprint, true)
		if err == nil {
			return result, nil
		}
		if !isRetryable(err) {
			return nil, toAPIError(err)
		}
		lastErr = err
		break
	}

	if lastErr != nil {
		return nil, toAPIError(lastErr)
	}
	return nil, apierr.New(apierr.KindProviderUnavailable, "all eligible providers unavailable for %q", req.Provider)
}

// attempt runs one provider call under the dispatch timeout and settles the
// provider's breaker with the outcome. Successful responses are cached under
// the request fingerprint so identical requests hit regardless of which
// provider served this one.
func (r *Router) attempt(ctx context.Context, p Provider, req DispatchRequest, fingerprint string, failover bool) (*Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := p.Invoke(callCtx, Request{Model: req.Model, Prompt: req.Prompt, Options: req.Options})
	br := r.breakers.For(p.Name())
	if err != nil {
		// Every call settles the breaker. A non-retryable response still
		// proves the provider reachable, so it counts as a success; leaving a
		// half-open trial unsettled would wedge the circuit.
		if isRetryable(err) {
			br.Failure()
		} else {
			br.Success()
		}
		r.log.Warn().Str("provider", p.Name()).Err(err).Msg("provider call failed")
		return nil, err
	}

	br.Success()
	if cacheErr := r.cache.Set(ctx, fingerprint, resp); cacheErr != nil {
		r.log.Warn().Str("fingerprint", fingerprint).Err(cacheErr).Msg("failed to cache response")
	}

	return &Result{
		Response:     resp,
		Provider:     p.Name(),
		FailoverUsed: failover,
		Fingerprint:  fingerprint,
	}, nil
}

func (r *Router) failoverOrder(req DispatchRequest) []string {
	if len(req.Failover) > 0 {
		return req.Failover
	}
	return r.defaultFailover
}

func isRetryable(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Retryable()
	}
	return false
}

func toAPIError(err error) error {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		if provErr.Timeout() {
			return apierr.Wrap(apierr.KindProviderTimeout, err, "provider %s timed out", provErr.Provider)
		}
		return apierr.Wrap(apierr.KindProviderError, err, "provider %s request failed", provErr.Provider)
	}
	return err
}
