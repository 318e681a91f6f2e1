package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bodegonbc/bodegon-pos/internal/redisx"
)

// Store persists carts per session so a reload does not lose them.
// Load returns an empty cart for unknown sessions.
type Store interface {
	Load(ctx context.Context, session string) (*Cart, error)
	Save(ctx context.Context, session string, c *Cart) error
	Delete(ctx context.Context, session string) error
}

type RedisStore struct {
	Redis *redis.Client
	TTL   time.Duration
}

func (s *RedisStore) Load(ctx context.Context, session string) (*Cart, error) {
	b, err := s.Redis.Get(ctx, fmt.Sprintf(redisx.KeyCart, session)).Bytes()
	if errors.Is(err, redis.Nil) {
		return New(), nil
	}
	if err != nil {
		return nil, err
	}
	c := New()
	if err := json.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("decode cart %s: %w", session, err)
	}
	return c, nil
}

func (s *RedisStore) Save(ctx context.Context, session string, c *Cart) error {
	key := fmt.Sprintf(redisx.KeyCart, session)
	if c.Empty() {
		return s.Redis.Del(ctx, key).Err()
	}
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = redisx.TTLCart
	}
	return s.Redis.Set(ctx, key, b, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, session string) error {
	return s.Redis.Del(ctx, fmt.Sprintf(redisx.KeyCart, session)).Err()
}

// MemoryStore keeps carts in process memory, for tests and single-node dev.
type MemoryStore struct {
	mu    sync.Mutex
	carts map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{carts: make(map[string][]byte)}
}

func (s *MemoryStore) Load(_ context.Context, session string) (*Cart, error) {
	s.mu.Lock()
	b, ok := s.carts[session]
	s.mu.Unlock()
	c := New()
	if !ok {
		return c, nil
	}
	if err := json.Unmarshal(b, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *MemoryStore) Save(_ context.Context, session string, c *Cart) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Empty() {
		delete(s.carts, session)
		return nil
	}
	s.carts[session] = b
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, session string) error {
	s.mu.Lock()
	delete(s.carts, session)
	s.mu.Unlock()
	return nil
}
