// Package keys implements API key issuance, validation, rotation with grace
// periods, and revocation.
//
// A raw key has the form "prefix.secret". Only the SHA-256 hash of the raw
// key is ever stored; the prefix is kept alongside it for identification in
// listings and rotation warnings.
package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateActive      State = "active"
	StateGracePeriod State = "grace_period"
	StateExpired     State = "expired"
	StateRevoked     State = "revoked"
)

// Usable reports whether a key in this state may authorize requests.
func (s State) Usable() bool {
	return s == StateActive || s == StateGracePeriod
}

// Record is the persisted representation of an API key.
type Record struct {
	ID              string
	OwnerID         string
	Name            string
	KeyHash         string
	Prefix          string
	Scopes          []string
	State           State
	CreatedAt       time.Time
	ExpiresAt       *time.Time
	GraceUntil      *time.Time
	ReplacedByKeyID *string
	RotatedFromID   *string
	WasCompromised  bool
	LastUsedAt      *time.Time
}

// HasScope reports whether the record grants the given capability.
func (r *Record) HasScope(scope string) bool {
	for _, s := range r.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// EffectiveState computes what state the record should be in at the given
// instant. Both lazy detection in Validate and the periodic sweep call this
// same function, so the two expiry paths cannot disagree.
func EffectiveState(r *Record, now time.Time) State {
	switch r.State {
	case StateRevoked, StateExpired:
		return r.State
	case StateGracePeriod:
		// The key's own expiry still applies during grace; the window never
		// extends a key past its expiresAt.
		if r.ExpiresAt != nil && now.After(*r.ExpiresAt) {
			return StateExpired
		}
		if r.GraceUntil != nil && now.After(*r.GraceUntil) {
			return StateExpired
		}
		return StateGracePeriod
	default:
		if r.ExpiresAt != nil && now.After(*r.ExpiresAt) {
			return StateExpired
		}
		return StateActive
	}
}

// Generate creates a new Active record plus the one-time raw key value. The
// raw key is returned exactly once; only its hash survives.
func Generate(ownerID, name string, scopes []string, ttl time.Duration, now time.Time) (*Record, string) {
	prefix := randomHex(4)
	secret := randomURLSafe(32)
	rawKey := prefix + "." + secret

	var expiresAt *time.Time
	if ttl > 0 {
		t := now.Add(ttl)
		expiresAt = &t
	}

	rec := &Record{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Name:      name,
		KeyHash:   HashKey(rawKey),
		Prefix:    prefix,
		Scopes:    append([]string(nil), scopes...),
		State:     StateActive,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}
	return rec, rawKey
}

// HashKey returns the hex SHA-256 digest of a raw key value.
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

func randomURLSafe(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
