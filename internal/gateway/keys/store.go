package keys

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by stores when no record matches.
var ErrNotFound = errors.New("keys: record not found")

// Store is the persistence contract the lifecycle manager depends on. The
// gateway does not own schema or storage mechanics, only this access shape.
type Store interface {
	GetByHash(ctx context.Context, keyHash string) (*Record, error)
	GetByID(ctx context.Context, id string) (*Record, error)
	// Put inserts or replaces the record by ID.
	Put(ctx context.Context, rec *Record) error
	ListByOwner(ctx context.Context, ownerID string) ([]*Record, error)
	// ListExpirable returns usable records whose expiry or grace deadline has
	// passed at the given instant, for the periodic sweep.
	ListExpirable(ctx context.Context, now time.Time) ([]*Record, error)
}

// MemoryStore is an in-process Store for tests, local development, and
// deployments without Postgres.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*Record
	byHash map[string]string // keyHash -> id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*Record),
		byHash: make(map[string]string),
	}
}

func (s *MemoryStore) GetByHash(ctx context.Context, keyHash string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[keyHash]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(s.byID[id]), nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) Put(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byID[rec.ID]; ok && old.KeyHash != rec.KeyHash {
		delete(s.byHash, old.KeyHash)
	}
	s.byID[rec.ID] = cloneRecord(rec)
	s.byHash[rec.KeyHash] = rec.ID
	return nil
}

func (s *MemoryStore) ListByOwner(ctx context.Context, ownerID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, rec := range s.byID {
		if rec.OwnerID == ownerID {
			out = append(out, cloneRecord(rec))
		}
	}
	return out, nil
}

func (s *MemoryStore) ListExpirable(ctx context.Context, now time.Time) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, rec := range s.byID {
		if rec.State.Usable() && EffectiveState(rec, now) == StateExpired {
			out = append(out, cloneRecord(rec))
		}
	}
	return out, nil
}

// cloneRecord keeps callers from mutating stored state through shared
// pointers.
func cloneRecord(r *Record) *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Scopes = append([]string(nil), r.Scopes...)
	c.ExpiresAt = cloneTime(r.ExpiresAt)
	c.GraceUntil = cloneTime(r.GraceUntil)
	c.LastUsedAt = cloneTime(r.LastUsedAt)
	c.ReplacedByKeyID = cloneString(r.ReplacedByKeyID)
	c.RotatedFromID = cloneString(r.RotatedFromID)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
