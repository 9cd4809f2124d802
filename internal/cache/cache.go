// Package cache keeps provider model listings warm between requests.
// Listing models fans out one HTTP call per configured backend, so the
// API layer serves a cached snapshot and refreshes it after a short TTL.
// The in-memory backend covers a single instance; Redis shares the
// snapshot across replicas.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/secureyeoman/ai-gateway/internal/domain"
)

// Listing is one snapshot of the models each provider reports, keyed by
// provider name. Providers that answered with an empty list are absent.
type Listing map[string][]domain.ModelInfo

// ModelCache is the interface for listing cache backends.
type ModelCache interface {
	Get(ctx context.Context, key string) (Listing, bool)
	Set(ctx context.Context, key string, listing Listing, ttl time.Duration) error
}

// ListingKey derives the cache key for a set of configured providers.
// Instances configured with different provider sets must not share an
// entry, so the key hashes the sorted provider names.
func ListingKey(providers []string) string {
	names := make([]string, len(providers))
	copy(names, providers)
	sort.Strings(names)

	hash := sha256.Sum256([]byte(strings.Join(names, ",")))
	return "ai:models:" + hex.EncodeToString(hash[:])
}

type InMemoryCache struct {
	mu    sync.RWMutex
	items map[string]memoryItem
}

type memoryItem struct {
	listing   Listing
	expiresAt time.Time
}

func NewInMemoryCache() *InMemoryCache {
	c := &InMemoryCache{
		items: make(map[string]memoryItem),
	}
	go c.sweep()
	return c
}

func (c *InMemoryCache) Get(ctx context.Context, key string) (Listing, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[key]
	if !ok {
		return nil, false
	}

	if time.Now().After(item.expiresAt) {
		return nil, false
	}

	return item.listing, true
}

func (c *InMemoryCache) Set(ctx context.Context, key string, listing Listing, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = memoryItem{
		listing:   listing,
		expiresAt: time.Now().Add(ttl),
	}

	return nil
}

func (c *InMemoryCache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		now := time.Now()
		for key, item := range c.items {
			if now.After(item.expiresAt) {
				delete(c.items, key)
			}
		}
		c.mu.Unlock()
	}
}

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisCache{client: client}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (Listing, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}

	var listing Listing
	if err := json.Unmarshal(data, &listing); err != nil {
		return nil, false
	}

	return listing, true
}

func (c *RedisCache) Set(ctx context.Context, key string, listing Listing, ttl time.Duration) error {
	data, err := json.Marshal(listing)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, key, data, ttl).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
