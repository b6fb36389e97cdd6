package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/colonycraft/llm-gateway/internal/gateway"
	"github.com/colonycraft/llm-gateway/internal/gateway/apierr"
	"github.com/colonycraft/llm-gateway/internal/gateway/keys"
)

type KeysHandler struct {
	gw  *gateway.Gateway
	log zerolog.Logger
}

func NewKeysHandler(gw *gateway.Gateway, log zerolog.Logger) *KeysHandler {
	return &KeysHandler{
		gw:  gw,
		log: log.With().Str("component", "http").Logger(),
	}
}

type createKeyRequest struct {
	Name    string   `json:"name"`
	Scopes  []string `json:"scopes"`
	TTLDays int      `json:"ttlDays,omitempty"`
}

type rotateKeyRequest struct {
	GracePeriodDays int      `json:"gracePeriodDays,omitempty"`
	WasCompromised  bool     `json:"wasCompromised,omitempty"`
	Scopes          []string `json:"scopes,omitempty"`
	TTLDays         int      `json:"ttlDays,omitempty"`
}

// keyResponse is the wire shape of a key record. The raw key value is only
// present on issue and rotate responses; it cannot be recovered later.
type keyResponse struct {
	ID              string     `json:"id"`
	Key             string     `json:"key,omitempty"`
	Prefix          string     `json:"prefix"`
	Name            string     `json:"name"`
	Scopes          []string   `json:"scopes"`
	State           string     `json:"state"`
	CreatedAt       time.Time  `json:"createdAt"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	GraceUntil      *time.Time `json:"graceUntil,omitempty"`
	ReplacedByKeyID *string    `json:"replacedByKeyId,omitempty"`
	RotatedFromID   *string    `json:"rotatedFromId,omitempty"`
	LastUsedAt      *time.Time `json:"lastUsedAt,omitempty"`
}

func toKeyResponse(rec *keys.Record, rawKey string) keyResponse {
	return keyResponse{
		ID:              rec.ID,
		Key:             rawKey,
		Prefix:          rec.Prefix,
		Name:            rec.Name,
		Scopes:          rec.Scopes,
		State:           string(rec.State),
		CreatedAt:       rec.CreatedAt,
		ExpiresAt:       rec.ExpiresAt,
		GraceUntil:      rec.GraceUntil,
		ReplacedByKeyID: rec.ReplacedByKeyID,
		RotatedFromID:   rec.RotatedFromID,
		LastUsedAt:      rec.LastUsedAt,
	}
}

// HandleCreate handles POST /v1/keys
func (h *KeysHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(w, apierr.New(apierr.KindKeyNotFound, "unauthenticated"))
		return
	}

	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.KindBadRequest, "invalid request body"))
		return
	}
	if req.Name == "" {
		writeError(w, apierr.New(apierr.KindBadRequest, "name is required"))
		return
	}

	ttl := time.Duration(req.TTLDays) * 24 * time.Hour
	rec, rawKey, err := h.gw.Keys.Issue(r.Context(), identity.OwnerID, req.Name, req.Scopes, ttl)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(toKeyResponse(rec, rawKey))
}

// HandleRotate handles POST /v1/keys/{id}/rotate
func (h *KeysHandler) HandleRotate(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "id")

	var req rotateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.KindBadRequest, "invalid request body"))
		return
	}

	rec, rawKey, err := h.gw.Keys.Rotate(r.Context(), keyID, keys.RotateOptions{
		GracePeriod:    time.Duration(req.GracePeriodDays) * 24 * time.Hour,
		WasCompromised: req.WasCompromised,
		Scopes:         req.Scopes,
		TTL:            time.Duration(req.TTLDays) * 24 * time.Hour,
	})
	if err != nil {
		writeKeyError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toKeyResponse(rec, rawKey))
}

// HandleRevoke handles DELETE /v1/keys/{id}
func (h *KeysHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "id")

	if err := h.gw.Keys.Revoke(r.Context(), keyID); err != nil {
		writeKeyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeKeyError is writeError except that a missing key is a 404 here: on
// the management endpoints the key ID is a resource path, not a credential.
func writeKeyError(w http.ResponseWriter, err error) {
	if apierr.IsKind(err, apierr.KindKeyNotFound) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{
				"kind":    string(apierr.KindKeyNotFound),
				"message": "API key not found",
			},
		})
		return
	}
	writeError(w, err)
}

// HandleList handles GET /v1/keys?includeRotated=bool
func (h *KeysHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(w, apierr.New(apierr.KindKeyNotFound, "unauthenticated"))
		return
	}

	includeRotated := r.URL.Query().Get("includeRotated") == "true"
	records, err := h.gw.Keys.List(r.Context(), identity.OwnerID, includeRotated)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]keyResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toKeyResponse(rec, ""))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}
