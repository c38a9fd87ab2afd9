package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// KVStore is the shared key-value store AbortCoordinator fronts. Keys and
// values are always short strings; every write carries a TTL.
type KVStore interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Delete(ctx context.Context, key string) error
}

// RedisKVStore is a KVStore backed by github.com/redis/go-redis/v9, the
// real collaborator spec.md §1 calls out ("the Redis connection ... is
// modelled as a repository interface" for everything except the KV
// primitives AbortCoordinator itself owns).
type RedisKVStore struct {
	client *redis.Client
}

// NewRedisKVStore wraps an existing go-redis client.
func NewRedisKVStore(client *redis.Client) *RedisKVStore {
	return &RedisKVStore{client: client}
}

func (s *RedisKVStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisKVStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisKVStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// entry is one key's value plus its absolute expiry.
type entry struct {
	value  string
	expiry time.Time
}

// MemoryKVStore is an in-process KVStore used when Redis is unavailable,
// and in tests. It honors TTL on read (lazy expiry), matching the
// contract AbortCoordinator needs without requiring an external process.
type MemoryKVStore struct {
	mu      sync.Mutex
	entries map[string]entry
}

// NewMemoryKVStore creates an empty in-memory KV store.
func NewMemoryKVStore() *MemoryKVStore {
	return &MemoryKVStore{entries: make(map[string]entry)}
}

func (s *MemoryKVStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp := time.Time{}
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	s.entries[key] = entry{value: value, expiry: exp}
	return nil
}

func (s *MemoryKVStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return "", false, nil
	}
	if !e.expiry.IsZero() && time.Now().After(e.expiry) {
		delete(s.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemoryKVStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
