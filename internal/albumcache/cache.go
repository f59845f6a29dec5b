package albumcache

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"photo-pipeline/internal/models"
)

// Loader fetches album configuration from the metadata store.
type Loader func(ctx context.Context, albumID string) (models.AlbumConfig, error)

// Cache is a process-local, read-mostly TTL cache of album
// configuration. Entries expire after the configured duration and can
// be evicted explicitly when the admin layer signals a config change.
// No cross-process coherence is attempted; staleness is bounded by the
// TTL.
type Cache struct {
	lru    *expirable.LRU[string, models.AlbumConfig]
	loader Loader
}

// New builds a cache holding up to size entries for ttl each.
func New(size int, ttl time.Duration, loader Loader) *Cache {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		lru:    expirable.NewLRU[string, models.AlbumConfig](size, nil, ttl),
		loader: loader,
	}
}

// Get returns the cached config for albumID, loading and caching it on
// a miss.
func (c *Cache) Get(ctx context.Context, albumID string) (models.AlbumConfig, error) {
	if cfg, ok := c.lru.Get(albumID); ok {
		return cfg, nil
	}
	cfg, err := c.loader(ctx, albumID)
	if err != nil {
		return models.AlbumConfig{}, fmt.Errorf("load album %s: %w", albumID, err)
	}
	c.lru.Add(albumID, cfg)
	return cfg, nil
}

// Set stores a config directly, bypassing the loader.
func (c *Cache) Set(albumID string, cfg models.AlbumConfig) {
	c.lru.Add(albumID, cfg)
}

// Invalidate drops the entry for albumID. Called when the admin layer
// changes watermark or preset config.
func (c *Cache) Invalidate(albumID string) {
	c.lru.Remove(albumID)
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.lru.Purge()
}
