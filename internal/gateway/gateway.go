// Package gateway composes the admission and dispatch core: key validation,
// per-caller rate limiting, and provider dispatch with caching, circuit
// breaking, and failover. The HTTP layer is a thin shell over Handle.
package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/colonycraft/llm-gateway/internal/gateway/apierr"
	"github.com/colonycraft/llm-gateway/internal/gateway/keys"
	"github.com/colonycraft/llm-gateway/internal/gateway/providers"
	"github.com/colonycraft/llm-gateway/internal/gateway/ratelimit"
	"github.com/colonycraft/llm-gateway/internal/gateway/usage"
)

// CostFunc computes the rate-limit cost of a request. Cost estimation is a
// policy decision, so it is pluggable; the default charges 1 per request.
type CostFunc func(req HandleRequest) float64

// HandleRequest is one inbound generation request, already authenticated by
// the middleware (Identity comes from keys.Manager.Validate).
type HandleRequest struct {
	Identity *keys.Identity
	Provider string
	Model    string
	Prompt   string
	Options  map[string]interface{}
	Failover []string
}

// HandleResult carries the dispatch outcome plus the admission decision
// material the HTTP layer turns into X-RateLimit-* headers.
type HandleResult struct {
	Response     *providers.Response
	Provider     string
	CacheHit     bool
	FailoverUsed bool
	Decision     ratelimit.Decision
}

// Gateway is the single entry point invoked by the API layer. Key
// validation, admission, and dispatch are independently synchronized; no
// lock spans more than one of them.
type Gateway struct {
	Keys    *keys.Manager
	limiter *ratelimit.Limiter
	router  *providers.Router
	sink    usage.Sink
	cost    CostFunc
	log     zerolog.Logger
}

func New(keyManager *keys.Manager, limiter *ratelimit.Limiter, router *providers.Router, sink usage.Sink, log zerolog.Logger) *Gateway {
	return &Gateway{
		Keys:    keyManager,
		limiter: limiter,
		router:  router,
		sink:    sink,
		cost:    func(HandleRequest) float64 { return 1 },
		log:     log.With().Str("component", "gateway").Logger(),
	}
}

// SetCostFunc replaces the default unit cost with a caller-supplied policy.
func (g *Gateway) SetCostFunc(fn CostFunc) {
	if fn != nil {
		g.cost = fn
	}
}

// Admit runs the rate-limit check for the caller without dispatching.
// Exposed separately so the HTTP middleware can reject early with headers.
func (g *Gateway) Admit(callerID string, cost float64) ratelimit.Decision {
	return g.limiter.Admit(callerID, cost)
}

// Handle admits the request against the caller's bucket, dispatches through
// the router, and emits a usage event. Rate-limit rejections come back as
// apierr.KindRateLimited carrying the retry hint.
func (g *Gateway) Handle(ctx context.Context, req HandleRequest) (*HandleResult, error) {
	start := time.Now()
	callerID := req.Identity.KeyID

	decision := g.limiter.Admit(callerID, g.cost(req))
	if !decision.Allowed {
		return &HandleResult{Decision: decision}, apierr.RateLimited(decision.RetryAfter)
	}

	result, err := g.router.Dispatch(ctx, providers.DispatchRequest{
		Provider: req.Provider,
		Model:    req.Model,
		Prompt:   req.Prompt,
		Options:  req.Options,
		Failover: req.Failover,
	})

	g.emit(req, result, err, time.Since(start))
	if err != nil {
		return &HandleResult{Decision: decision}, err
	}

	return &HandleResult{
		Response:     result.Response,
		Provider:     result.Provider,
		CacheHit:     result.CacheHit,
		FailoverUsed: result.FailoverUsed,
		Decision:     decision,
	}, nil
}

// EvictIdleBuckets drops rate-limit buckets idle longer than maxIdle.
func (g *Gateway) EvictIdleBuckets(maxIdle time.Duration) int {
	return g.limiter.EvictIdle(maxIdle)
}

// emit sends the usage event without blocking the request path. The event
// goroutine gets its own context so a client disconnect cannot cancel it.
func (g *Gateway) emit(req HandleRequest, result *providers.Result, err error, latency time.Duration) {
	if g.sink == nil {
		return
	}
	ev := usage.Event{
		CallerID:  req.Identity.KeyID,
		Provider:  req.Provider,
		Model:     req.Model,
		InputSize: len(req.Prompt),
		Success:   err == nil,
		Latency:   latency,
	}
	if result != nil {
		ev.Provider = result.Provider
		ev.CacheHit = result.CacheHit
		ev.FailoverUsed = result.FailoverUsed
		if result.Response != nil {
			ev.OutputSize = len(result.Response.Content)
		}
	}
	go g.sink.Record(context.Background(), ev)
}
