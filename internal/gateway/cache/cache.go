// Package cache provides the content-addressed response cache. Entries are
// keyed by a fingerprint of the normalized request; writes are last-write-
// wins since two concurrent identical requests compute equivalent payloads.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/colonycraft/llm-gateway/internal/shared/redis"
)

// ErrMiss is returned by Store.Get when no live entry exists.
var ErrMiss = errors.New("cache: miss")

// Store is the backing key/value contract. Redis in production, memory in
// tests and single-node deployments.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// ResponseCache serializes cached values as JSON under fingerprint keys.
type ResponseCache struct {
	store Store
	ttl   time.Duration
	log   zerolog.Logger
}

func New(store Store, ttl time.Duration, log zerolog.Logger) *ResponseCache {
	return &ResponseCache{
		store: store,
		ttl:   ttl,
		log:   log.With().Str("component", "cache").Logger(),
	}
}

// Get looks up fingerprint and unmarshals the payload into out. A corrupt
// payload is discarded and reported as a miss; corruption never surfaces to
// the caller.
func (c *ResponseCache) Get(ctx context.Context, fingerprint string, out interface{}) (bool, error) {
	val, err := c.store.Get(ctx, cacheKey(fingerprint))
	if errors.Is(err, ErrMiss) || errors.Is(err, redis.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := json.Unmarshal([]byte(val), out); err != nil {
		c.log.Warn().Str("fingerprint", fingerprint).Err(err).Msg("discarding corrupt cache entry")
		_ = c.store.Del(ctx, cacheKey(fingerprint))
		return false, nil
	}
	return true, nil
}

// Set stores the payload under fingerprint with the cache TTL.
func (c *ResponseCache) Set(ctx context.Context, fingerprint string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, cacheKey(fingerprint), string(data), c.ttl)
}

func cacheKey(fingerprint string) string {
	return "cache:exact:" + fingerprint
}

// RedisStore adapts the shared redis client to the Store contract.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	return s.client.Get(ctx, key)
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl)
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	return s.client.Del(ctx, key)
}

// MemoryStore is an in-process Store with per-entry TTL.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry

	// now is replaceable for tests.
	now func() time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || s.now().After(entry.expiresAt) {
		return "", ErrMiss
	}
	return entry.value, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{value: value, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
