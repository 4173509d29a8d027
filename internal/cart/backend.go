package cart

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Backend is the durable key/value slot a Store persists into.
// Load returns nil data and a nil error when nothing has been stored yet.
type Backend interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

// Key builds the versioned storage key for a session's cart.
func Key(prefix, session string) string {
	if session == "" {
		return prefix + ":v2"
	}
	return prefix + ":v2:" + session
}

// MemoryBackend keeps the persisted value in process memory.
type MemoryBackend struct {
	mu    sync.Mutex
	data  []byte
	saves int
}

func (m *MemoryBackend) Load(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, nil
	}
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out, nil
}

func (m *MemoryBackend) Save(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append([]byte(nil), data...)
	m.saves++
	return nil
}

// Raw returns the last saved value.
func (m *MemoryBackend) Raw() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}

// Put overwrites the stored value, bypassing encoding.
func (m *MemoryBackend) Put(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append([]byte(nil), data...)
}

// Saves counts Save calls.
func (m *MemoryBackend) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// MemoryBackends hands out one MemoryBackend per session key.
type MemoryBackends struct {
	mu sync.Mutex
	m  map[string]*MemoryBackend
}

func NewMemoryBackends() *MemoryBackends {
	return &MemoryBackends{m: make(map[string]*MemoryBackend)}
}

func (mb *MemoryBackends) For(key string) Backend {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	b, ok := mb.m[key]
	if !ok {
		b = &MemoryBackend{}
		mb.m[key] = b
	}
	return b
}

// RedisBackend stores the cart value under a single Redis string key.
type RedisBackend struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

// NewRedisBackend returns a backend for key. A zero ttl keeps the value forever.
func NewRedisBackend(client redis.Cmdable, key string, ttl time.Duration) *RedisBackend {
	return &RedisBackend{client: client, key: key, ttl: ttl}
}

func (r *RedisBackend) Load(ctx context.Context) ([]byte, error) {
	b, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", r.key, err)
	}
	return b, nil
}

func (r *RedisBackend) Save(ctx context.Context, data []byte) error {
	if err := r.client.Set(ctx, r.key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key, err)
	}
	return nil
}

// RedisBackends hands out RedisBackends sharing one client.
type RedisBackends struct {
	Client redis.Cmdable
	TTL    time.Duration
}

func (rb RedisBackends) For(key string) Backend {
	return NewRedisBackend(rb.Client, key, rb.TTL)
}
