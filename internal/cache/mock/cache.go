// Package mock provides an in-memory cache.Cache.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/framequeue/internal/cache"
)

type counter struct {
	n         int64
	expiresAt time.Time
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Cache is a map-backed cache.Cache with TTL expiry. Err, when set, fails every call.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]entry
	counters map[string]*counter
	Err      error
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{
		entries:  make(map[string]entry),
		counters: make(map[string]*counter),
	}
}

func (c *Cache) Ping(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Err
}

func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	c.entries[key] = e
	return nil
}

func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, false, c.Err
	}
	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (c *Cache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	delete(c.entries, key)
	return nil
}

func (c *Cache) SetJobStatus(ctx context.Context, requestID uuid.UUID, snapshot []byte, ttl time.Duration) error {
	return c.Set(ctx, cache.JobStatusKey(requestID), snapshot, ttl)
}

func (c *Cache) GetJobStatus(ctx context.Context, requestID uuid.UUID) ([]byte, bool, error) {
	return c.Get(ctx, cache.JobStatusKey(requestID))
}

func (c *Cache) IncrWithExpiry(_ context.Context, key string, expiry time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return 0, c.Err
	}
	ctr, ok := c.counters[key]
	if !ok || time.Now().After(ctr.expiresAt) {
		ctr = &counter{expiresAt: time.Now().Add(expiry)}
		c.counters[key] = ctr
	}
	ctr.n++
	return ctr.n, nil
}

// Has reports whether key is present and unexpired.
func (c *Cache) Has(key string) bool {
	_, ok, _ := c.Get(context.Background(), key)
	return ok
}

var _ cache.Cache = (*Cache)(nil)
