package keys

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/colonycraft/llm-gateway/internal/gateway/apierr"
)

// Identity is the successful outcome of validating a raw key.
type Identity struct {
	KeyID   string
	OwnerID string
	Scopes  []string
	Prefix  string
	// Warning is set when the key is in its rotation grace period.
	Warning *GraceWarning
}

// GraceWarning tells the caller their key is deprecated and what replaces it.
type GraceWarning struct {
	GraceUntil        time.Time
	ReplacementPrefix string
}

// RotateOptions controls how an existing key is rotated.
type RotateOptions struct {
	// GracePeriod is how long the old key keeps working. Zero means the
	// manager's default. Ignored when WasCompromised is set.
	GracePeriod time.Duration
	// WasCompromised revokes the old key immediately with no grace.
	WasCompromised bool
	// Scopes overrides the new key's scopes; nil inherits the old key's.
	Scopes []string
	// TTL sets the new key's expiry; zero means no expiry.
	TTL time.Duration
}

// ScopePolicy answers which scopes an owner may hold on issued keys.
type ScopePolicy interface {
	AllowedFor(ownerID string) []string
}

// StaticScopePolicy allows the same scope set for every owner.
type StaticScopePolicy []string

func (p StaticScopePolicy) AllowedFor(string) []string { return p }

// DefaultScopes is the standard capability set.
var DefaultScopes = StaticScopePolicy{"read", "write", "llm:generate", "admin"}

// touchInterval bounds how often LastUsedAt is written back per key.
const touchInterval = time.Minute

// Manager is the key lifecycle state machine. All transitions on one key are
// serialized through a per-key mutex so a concurrent Validate never observes
// a record mid-transition.
type Manager struct {
	store        Store
	policy       ScopePolicy
	defaultGrace time.Duration
	log          zerolog.Logger

	locks keyedMutex

	// now is replaceable for tests.
	now func() time.Time
}

func NewManager(store Store, policy ScopePolicy, defaultGrace time.Duration, log zerolog.Logger) *Manager {
	if policy == nil {
		policy = DefaultScopes
	}
	if defaultGrace <= 0 {
		defaultGrace = 7 * 24 * time.Hour
	}
	return &Manager{
		store:        store,
		policy:       policy,
		defaultGrace: defaultGrace,
		log:          log.With().Str("component", "keys").Logger(),
		locks:        keyedMutex{entries: make(map[string]*lockEntry)},
		now:          time.Now,
	}
}

// Issue creates a new Active key for the owner. The raw key value is
// returned exactly once and never stored.
func (m *Manager) Issue(ctx context.Context, ownerID, name string, scopes []string, ttl time.Duration) (*Record, string, error) {
	if err := m.checkScopes(ownerID, scopes); err != nil {
		return nil, "", err
	}

	rec, rawKey := Generate(ownerID, name, scopes, ttl, m.now())
	if err := m.store.Put(ctx, rec); err != nil {
		return nil, "", err
	}

	m.log.Info().Str("key_id", rec.ID).Str("owner_id", ownerID).Str("prefix", rec.Prefix).Msg("issued API key")
	return rec, rawKey, nil
}

// Validate authenticates a raw key value. Expiry is detected lazily here:
// a key found past its deadline is flipped to Expired and persisted before
// the error is returned, so listings agree with what the caller saw.
func (m *Manager) Validate(ctx context.Context, rawKey string) (*Identity, error) {
	rec, err := m.store.GetByHash(ctx, HashKey(rawKey))
	if errors.Is(err, ErrNotFound) {
		return nil, apierr.New(apierr.KindKeyNotFound, "API key not found")
	}
	if err != nil {
		return nil, err
	}

	unlock := m.lock(rec.ID)
	defer unlock()

	// Re-read under the lock so we serialize against concurrent transitions.
	rec, err = m.store.GetByID(ctx, rec.ID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	switch EffectiveState(rec, now) {
	case StateRevoked:
		return nil, apierr.New(apierr.KindKeyRevoked, "API key has been revoked")
	case StateExpired:
		if rec.State.Usable() {
			if err := m.expire(ctx, rec); err != nil {
				return nil, err
			}
		}
		return nil, apierr.New(apierr.KindKeyExpired, "API key has expired")
	}

	identity := &Identity{
		KeyID:   rec.ID,
		OwnerID: rec.OwnerID,
		Scopes:  append([]string(nil), rec.Scopes...),
		Prefix:  rec.Prefix,
	}

	if rec.State == StateGracePeriod && rec.GraceUntil != nil {
		warning := &GraceWarning{GraceUntil: *rec.GraceUntil}
		if rec.ReplacedByKeyID != nil {
			if replacement, err := m.store.GetByID(ctx, *rec.ReplacedByKeyID); err == nil {
				warning.ReplacementPrefix = replacement.Prefix
			}
		}
		identity.Warning = warning
	}

	if rec.LastUsedAt == nil || now.Sub(*rec.LastUsedAt) > touchInterval {
		rec.LastUsedAt = &now
		if err := m.store.Put(ctx, rec); err != nil {
			m.log.Warn().Err(err).Str("key_id", rec.ID).Msg("failed to record key usage")
		}
	}

	return identity, nil
}

// Rotate issues a replacement for keyID. On a routine rotation the old key
// enters its grace period and keeps authenticating until GraceUntil; a
// compromised rotation revokes it on the spot.
func (m *Manager) Rotate(ctx context.Context, keyID string, opts RotateOptions) (*Record, string, error) {
	unlock := m.lock(keyID)
	defer unlock()

	old, err := m.store.GetByID(ctx, keyID)
	if errors.Is(err, ErrNotFound) {
		return nil, "", apierr.New(apierr.KindKeyNotFound, "API key %s not found", keyID)
	}
	if err != nil {
		return nil, "", err
	}

	now := m.now()
	switch EffectiveState(old, now) {
	case StateRevoked:
		return nil, "", apierr.New(apierr.KindKeyRevoked, "cannot rotate a revoked key")
	case StateExpired:
		return nil, "", apierr.New(apierr.KindKeyExpired, "cannot rotate an expired key")
	}

	scopes := opts.Scopes
	if scopes == nil {
		scopes = old.Scopes
	}
	if err := m.checkScopes(old.OwnerID, scopes); err != nil {
		return nil, "", err
	}

	newRec, rawKey := Generate(old.OwnerID, old.Name, scopes, opts.TTL, now)
	newRec.RotatedFromID = &old.ID

	// Persist the replacement first so the old key's forward pointer never
	// dangles.
	if err := m.store.Put(ctx, newRec); err != nil {
		return nil, "", err
	}

	old.ReplacedByKeyID = &newRec.ID
	if opts.WasCompromised {
		old.State = StateRevoked
		old.WasCompromised = true
		old.GraceUntil = nil
	} else {
		grace := opts.GracePeriod
		if grace <= 0 {
			grace = m.defaultGrace
		}
		until := now.Add(grace)
		old.State = StateGracePeriod
		old.GraceUntil = &until
	}
	if err := m.store.Put(ctx, old); err != nil {
		return nil, "", err
	}

	m.log.Info().
		Str("old_key_id", old.ID).
		Str("new_key_id", newRec.ID).
		Bool("compromised", opts.WasCompromised).
		Msg("rotated API key")
	return newRec, rawKey, nil
}

// Revoke forces the key into Revoked regardless of its current state.
// Revoking an already-revoked key is a no-op success.
func (m *Manager) Revoke(ctx context.Context, keyID string) error {
	unlock := m.lock(keyID)
	defer unlock()

	rec, err := m.store.GetByID(ctx, keyID)
	if errors.Is(err, ErrNotFound) {
		return apierr.New(apierr.KindKeyNotFound, "API key %s not found", keyID)
	}
	if err != nil {
		return err
	}
	if rec.State == StateRevoked {
		return nil
	}

	rec.State = StateRevoked
	rec.GraceUntil = nil
	if err := m.store.Put(ctx, rec); err != nil {
		return err
	}
	m.log.Info().Str("key_id", keyID).Msg("revoked API key")
	return nil
}

// SweepExpired transitions every key whose deadline has passed into Expired
// and returns how many were flipped. An external scheduler calls this
// periodically so listings stay accurate even without traffic.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	candidates, err := m.store.ListExpirable(ctx, m.now())
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, candidate := range candidates {
		if err := func() error {
			unlock := m.lock(candidate.ID)
			defer unlock()

			rec, err := m.store.GetByID(ctx, candidate.ID)
			if err != nil {
				return err
			}
			// Re-check under the lock: a concurrent Validate may have flipped
			// it already, or a rotation may have moved the deadline.
			if !rec.State.Usable() || EffectiveState(rec, m.now()) != StateExpired {
				return nil
			}
			if err := m.expire(ctx, rec); err != nil {
				return err
			}
			swept++
			return nil
		}(); err != nil {
			return swept, err
		}
	}
	return swept, nil
}

// List returns the owner's keys with their effective (not stale stored)
// state. Keys that were rotated away are hidden unless includeRotated.
func (m *Manager) List(ctx context.Context, ownerID string, includeRotated bool) ([]*Record, error) {
	records, err := m.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	var out []*Record
	for _, rec := range records {
		rec.State = EffectiveState(rec, now)
		if !includeRotated && rec.ReplacedByKeyID != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *Manager) expire(ctx context.Context, rec *Record) error {
	rec.State = StateExpired
	rec.GraceUntil = nil
	if err := m.store.Put(ctx, rec); err != nil {
		return err
	}
	m.log.Info().Str("key_id", rec.ID).Msg("expired API key")
	return nil
}

func (m *Manager) checkScopes(ownerID string, scopes []string) error {
	allowed := make(map[string]bool)
	for _, s := range m.policy.AllowedFor(ownerID) {
		allowed[s] = true
	}
	var invalid []string
	for _, s := range scopes {
		if !allowed[s] {
			invalid = append(invalid, s)
		}
	}
	if len(invalid) > 0 {
		return apierr.New(apierr.KindInvalidScope, "scopes not allowed for owner: %s", strings.Join(invalid, ", "))
	}
	return nil
}

// lock serializes state transitions for a single key ID.
func (m *Manager) lock(keyID string) func() {
	return m.locks.lock(keyID)
}

// keyedMutex hands out one mutex per key ID. Entries are reference counted
// and dropped once uncontended, so revoked and expired keys do not leak
// mutexes under key churn.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(id string) func() {
	k.mu.Lock()
	e, ok := k.entries[id]
	if !ok {
		e = &lockEntry{}
		k.entries[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, id)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
