package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by a Backend when the key does not exist.
var ErrMiss = errors.New("session: key not found")

// Backend is the key/value medium a Store persists into.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// RedisBackend stores session documents as plain Redis strings.
type RedisBackend struct {
	R         *redis.Client
	ScanCount int64
}

func (b RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if b.R == nil {
		return nil, errors.New("session: redis client not configured")
	}
	v, err := b.R.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	return v, err
}

func (b RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if b.R == nil {
		return errors.New("session: redis client not configured")
	}
	return b.R.Set(ctx, key, value, ttl).Err()
}

func (b RedisBackend) Delete(ctx context.Context, keys ...string) error {
	if b.R == nil {
		return errors.New("session: redis client not configured")
	}
	if len(keys) == 0 {
		return nil
	}
	return b.R.Del(ctx, keys...).Err()
}

// Keys walks the keyspace with SCAN so large namespaces never block Redis.
func (b RedisBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	if b.R == nil {
		return nil, errors.New("session: redis client not configured")
	}
	count := b.ScanCount
	if count <= 0 {
		count = 200
	}
	var (
		cursor uint64
		out    []string
	)
	for {
		keys, next, err := b.R.Scan(ctx, cursor, prefix+"*", count).Result()
		if err != nil {
			return nil, err
		}
		out = append(out, keys...)
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// MemoryBackend is a bounded in-process backend. Entries are evicted by size
// and by age.
type MemoryBackend struct {
	cache *expirable.LRU[string, []byte]
}

// NewMemoryBackend returns a backend holding at most size entries for ttl.
func NewMemoryBackend(size int, ttl time.Duration) *MemoryBackend {
	if size <= 0 {
		size = 4096
	}
	return &MemoryBackend{cache: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := b.cache.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	return append([]byte(nil), v...), nil
}

// Set ignores ttl; entries expire after the backend-wide ttl.
func (b *MemoryBackend) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	b.cache.Add(key, append([]byte(nil), value...))
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		b.cache.Remove(k)
	}
	return nil
}

func (b *MemoryBackend) Keys(_ context.Context, prefix string) ([]string, error) {
	var out []string
	for _, k := range b.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}
