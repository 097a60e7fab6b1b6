package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"
)

// Cache defines the operations the stats layer needs
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Manager fronts a Redis cache with an in-memory fallback. When caching is
// disabled every read misses and every write is a no-op.
type Manager struct {
	primary  Cache
	fallback Cache
	enabled  bool
	prefix   string
}

// NewManager creates a cache manager from configuration
func NewManager(cfg *viper.Viper) *Manager {
	m := &Manager{
		enabled: cfg.GetBool("cache.enabled"),
		prefix:  cfg.GetString("cache.key_prefix"),
	}
	if m.prefix == "" {
		m.prefix = "labops:"
	}

	if m.enabled && cfg.GetBool("redis.enabled") {
		if rc, err := newRedisCache(cfg); err == nil {
			m.primary = rc
		}
	}
	m.fallback = newMemoryCache()
	return m
}

// Get reads a key, trying Redis first
func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	if !m.enabled {
		return "", fmt.Errorf("cache not enabled")
	}
	key = m.prefix + key
	if m.primary != nil {
		if value, err := m.primary.Get(ctx, key); err == nil {
			return value, nil
		}
	}
	return m.fallback.Get(ctx, key)
}

// Set writes a key to whichever cache is available
func (m *Manager) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if !m.enabled {
		return nil
	}
	key = m.prefix + key
	if m.primary != nil {
		if err := m.primary.Set(ctx, key, value, ttl); err == nil {
			return nil
		}
	}
	return m.fallback.Set(ctx, key, value, ttl)
}

// Delete removes a key from both caches
func (m *Manager) Delete(ctx context.Context, key string) error {
	if !m.enabled {
		return nil
	}
	key = m.prefix + key
	if m.primary != nil {
		_ = m.primary.Delete(ctx, key)
	}
	return m.fallback.Delete(ctx, key)
}

// GetJSON reads and unmarshals a cached value
func (m *Manager) GetJSON(ctx context.Context, key string, dest interface{}) error {
	value, err := m.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(value), dest)
}

// SetJSON marshals and caches a value
func (m *Manager) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !m.enabled {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return m.Set(ctx, key, string(data), ttl)
}

// Close closes both caches
func (m *Manager) Close() error {
	if m.primary != nil {
		_ = m.primary.Close()
	}
	return m.fallback.Close()
}

// redisCache implements Cache on go-redis
type redisCache struct {
	client *redis.Client
}

func newRedisCache(cfg *viper.Viper) (*redisCache, error) {
	addr := cfg.GetString("redis.addr")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.GetString("redis.password"),
		DB:           cfg.GetInt("redis.db"),
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &redisCache{client: client}, nil
}

func (c *redisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

func (c *redisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *redisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *redisCache) Close() error {
	return c.client.Close()
}

// memoryCache is the in-process fallback
type memoryCache struct {
	mu    sync.RWMutex
	items map[string]memoryItem
}

type memoryItem struct {
	value     string
	expiresAt time.Time
}

func newMemoryCache() *memoryCache {
	return &memoryCache{items: make(map[string]memoryItem)}
}

func (c *memoryCache) Get(ctx context.Context, key string) (string, error) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()
	if !ok || (!item.expiresAt.IsZero() && time.Now().After(item.expiresAt)) {
		return "", fmt.Errorf("key not found: %s", key)
	}
	return item.value, nil
}

func (c *memoryCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	item := memoryItem{value: value}
	if ttl > 0 {
		item.expiresAt = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.items[key] = item
	c.mu.Unlock()
	return nil
}

func (c *memoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

func (c *memoryCache) Close() error {
	return nil
}
