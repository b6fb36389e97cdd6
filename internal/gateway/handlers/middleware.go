package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/colonycraft/llm-gateway/internal/gateway"
	"github.com/colonycraft/llm-gateway/internal/gateway/apierr"
	"github.com/colonycraft/llm-gateway/internal/gateway/keys"
	"github.com/colonycraft/llm-gateway/internal/gateway/ratelimit"
)

type contextKey string

const identityContextKey contextKey = "identity"

// IdentityFrom extracts the authenticated identity placed by AuthMiddleware.
func IdentityFrom(ctx context.Context) (*keys.Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(*keys.Identity)
	return id, ok
}

type Middleware struct {
	gw            *gateway.Gateway
	limitCapacity float64
	log           zerolog.Logger
}

func NewMiddleware(gw *gateway.Gateway, limitCapacity float64, log zerolog.Logger) *Middleware {
	return &Middleware{
		gw:            gw,
		limitCapacity: limitCapacity,
		log:           log.With().Str("component", "http").Logger(),
	}
}

// AuthMiddleware validates the API key from the X-API-Key header or a
// Bearer token, stashes the identity in the request context, and attaches
// deprecation warning headers when the key is in its rotation grace period.
func (m *Middleware) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := r.Header.Get("X-API-Key")
		if rawKey == "" {
			authHeader := r.Header.Get("Authorization")
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 && parts[0] == "Bearer" {
				rawKey = parts[1]
			}
		}
		if rawKey == "" {
			writeError(w, apierr.New(apierr.KindKeyNotFound, "missing API key"))
			return
		}

		identity, err := m.gw.Keys.Validate(r.Context(), rawKey)
		if err != nil {
			writeError(w, err)
			return
		}

		if identity.Warning != nil {
			setGraceWarningHeaders(w, identity.Warning)
		}

		ctx := context.WithValue(r.Context(), identityContextKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RateLimitMiddleware admits the request against the caller's token bucket
// and sets X-RateLimit-* headers. Used for the key-management routes; the
// generate endpoint admits inside the facade instead.
func (m *Middleware) RateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFrom(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		decision := m.gw.Admit(identity.KeyID, 1)
		setRateLimitHeaders(w, m.limitCapacity, decision)
		if !decision.Allowed {
			writeError(w, apierr.RateLimited(decision.RetryAfter))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequireScope gates a route on a key capability.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFrom(r.Context())
			if !ok || !hasScope(identity.Scopes, scope) {
				writeError(w, apierr.New(apierr.KindInvalidScope, "missing required scope %q", scope))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger logs one line per request.
func (m *Middleware) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		m.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// CORSMiddleware handles CORS
func (m *Middleware) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// setGraceWarningHeaders tells the caller their key is deprecated. The text
// escalates as the grace deadline approaches.
func setGraceWarningHeaders(w http.ResponseWriter, warning *keys.GraceWarning) {
	expiry := warning.GraceUntil.UTC().Format(time.RFC3339)
	daysLeft := int(time.Until(warning.GraceUntil).Hours() / 24)

	text := fmt.Sprintf("API key is deprecated and will expire on %s", expiry)
	switch {
	case daysLeft <= 1:
		text = fmt.Sprintf("URGENT: API key expires in less than 24 hours on %s", expiry)
	case daysLeft <= 3:
		text = fmt.Sprintf("CRITICAL: API key expires in %d days on %s", daysLeft, expiry)
	}

	w.Header().Set("Warning", fmt.Sprintf(`299 llm-gateway "%s"`, text))
	w.Header().Set("X-API-Key-Expiry", expiry)
	if warning.ReplacementPrefix != "" {
		w.Header().Set("X-API-Key-Replacement-Prefix", warning.ReplacementPrefix)
	}
}

func setRateLimitHeaders(w http.ResponseWriter, capacity float64, decision ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", int(capacity)))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", int(decision.Remaining)))
	w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", decision.ResetAt.Unix()))
	if !decision.Allowed {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSeconds(decision.RetryAfter)))
	}
}

// retryAfterSeconds rounds up so a client that waits the advertised time is
// never early.
func retryAfterSeconds(d time.Duration) int {
	secs := int(d / time.Second)
	if d%time.Second > 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}

func hasScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

// writeError maps the error taxonomy to HTTP status codes and a JSON body
// with a machine-readable kind.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := apierr.Kind("internal")
	message := "internal server error"

	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		kind = apiErr.Kind
		message = apiErr.Message
		switch apiErr.Kind {
		case apierr.KindBadRequest:
			status = http.StatusBadRequest
		case apierr.KindKeyNotFound, apierr.KindKeyExpired, apierr.KindKeyRevoked:
			status = http.StatusUnauthorized
		case apierr.KindInvalidScope:
			status = http.StatusForbidden
		case apierr.KindRateLimited:
			status = http.StatusTooManyRequests
			if apiErr.RetryAfter > 0 {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSeconds(apiErr.RetryAfter)))
			}
		case apierr.KindProviderUnavailable:
			status = http.StatusServiceUnavailable
		case apierr.KindProviderTimeout:
			status = http.StatusGatewayTimeout
		case apierr.KindProviderError:
			status = http.StatusBadGateway
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"kind":    string(kind),
			"message": message,
		},
	})
}
