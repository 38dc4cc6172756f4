// Package redisx wraps the Redis primitives the dispatcher core depends
// on: a JSON key/value store and client construction (the pub/sub
// channel adapter lives in internal/bus). Both are thin wraps, grounded on the teacher's internal/cache.RedisCache
// (connection setup, timeouts, structured error logging) but scoped to
// the narrower get/set/delete-by-key contract spec.md §4.1/§4.2 require.
package redisx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KVStore provides namespaced JSON object storage over a single Redis
// key: Get/Set/Delete operate on the whole value at that key, matching
// the "coarse-grained replacement of the map" contract in spec.md §4.1.
type KVStore struct {
	client *redis.Client
	prefix string
}

// NewKVStore binds a KVStore to an environment-scoping prefix (may be
// empty). The prefix is prepended verbatim to every key.
func NewKVStore(client *redis.Client, prefix string) *KVStore {
	return &KVStore{client: client, prefix: prefix}
}

func (s *KVStore) key(name string) string {
	return s.prefix + name
}

// Get reads the JSON value at key and unmarshals it into out. Returns
// (false, nil) if the key does not exist.
func (s *KVStore) Get(ctx context.Context, key string, out any) (bool, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redisx: get %q: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("redisx: unmarshal %q: %w", key, err)
	}
	return true, nil
}

// Set serializes value as JSON and writes it atomically to key.
func (s *KVStore) Set(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("redisx: marshal %q: %w", key, err)
	}
	if err := s.client.Set(ctx, s.key(key), data, 0).Err(); err != nil {
		return fmt.Errorf("redisx: set %q: %w", key, err)
	}
	return nil
}

// Delete removes key entirely.
func (s *KVStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redisx: delete %q: %w", key, err)
	}
	return nil
}

// Ping verifies connectivity with a bounded timeout.
func (s *KVStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// Client exposes the underlying client for callers that need raw access
// (e.g. the channel adapter, which shares the same connection).
func (s *KVStore) Client() *redis.Client {
	return s.client
}

// NewClient builds a go-redis client with the teacher's connection
// defaults (dial/read/write timeouts, pool sizing) and verifies
// connectivity before returning.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redisx: connect %s: %w", addr, err)
	}
	return client, nil
}
