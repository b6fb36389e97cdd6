package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"

	"github.com/sashabaranov/go-openai"
)

// Request is a normalized generation request. Options carries provider
// tuning parameters (temperature, max_tokens, top_p, system, ...).
type Request struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Options map[string]interface{} `json:"options,omitempty"`
}

// Response is a normalized generation response.
type Response struct {
	ID        string       `json:"id"`
	Provider  string       `json:"provider"`
	Model     string       `json:"model"`
	Content   string       `json:"content"`
	Usage     openai.Usage `json:"usage"`
	LatencyMs int          `json:"latency_ms"`
}

// Provider is the capability every upstream LLM integration implements.
type Provider interface {
	Name() string
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// ProviderError wraps an upstream failure with enough context to decide
// whether failover is worthwhile.
type ProviderError struct {
	Provider   string
	StatusCode int // 0 for network-level failures
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure should count against the circuit
// breaker and may be retried on a failover provider. Timeouts, network
// errors, 5xx and 429 qualify; other 4xx are the caller's fault and are
// never retried.
func (e *ProviderError) Retryable() bool {
	if e.Timeout() || e.StatusCode == 0 {
		return true
	}
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// Timeout reports whether the failure was a deadline or network timeout.
func (e *ProviderError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// Registry maps provider names to implementations, resolved once at
// startup.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Option extraction helpers shared by the adapters. Values arrive from JSON
// so numbers are float64.

func floatOption(options map[string]interface{}, key string) (float32, bool) {
	if v, ok := options[key]; ok {
		switch n := v.(type) {
		case float64:
			return float32(n), true
		case float32:
			return n, true
		case int:
			return float32(n), true
		}
	}
	return 0, false
}

func intOption(options map[string]interface{}, key string) (int, bool) {
	if v, ok := options[key]; ok {
		switch n := v.(type) {
		case float64:
			return int(n), true
		case int:
			return n, true
		}
	}
	return 0, false
}

func stringOption(options map[string]interface{}, key string) (string, bool) {
	if v, ok := options[key]; ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	return "", false
}
