package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/blackmichael/skyfeed/internal/domain"
	"github.com/blackmichael/skyfeed/internal/metrics"
)

const cacheKey = "bluesky.cache"

// DefaultCacheTTL is how long an assembled feed stays fresh.
const DefaultCacheTTL = 5 * time.Minute

type cacheEntry struct {
	Query     domain.FeedQuery `json:"query"`
	Posts     []domain.Post    `json:"posts"`
	FetchedAt time.Time        `json:"fetchedAt"`
}

// Cache is a single-slot feed cache persisted in the key-value store. The
// last stored query wins the slot.
type Cache struct {
	kv     domain.KeyValueStore
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewCache creates a Cache. A non-positive ttl uses DefaultCacheTTL.
func NewCache(kv domain.KeyValueStore, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		kv:     kv,
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
	}
}

// Lookup returns the cached posts when the slot holds exactly q and is younger
// than the TTL. Missing or corrupt data is a miss.
func (c *Cache) Lookup(ctx context.Context, q domain.FeedQuery) ([]domain.Post, bool) {
	entry, ok := c.read(ctx)
	if !ok || entry.Query != q || c.now().Sub(entry.FetchedAt) >= c.ttl {
		metrics.FeedCacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.FeedCacheLookups.WithLabelValues("hit").Inc()
	if entry.Posts == nil {
		entry.Posts = []domain.Post{}
	}
	return entry.Posts, true
}

// Store overwrites the slot with q and posts, stamped now.
func (c *Cache) Store(ctx context.Context, q domain.FeedQuery, posts []domain.Post) error {
	raw, err := json.Marshal(cacheEntry{Query: q, Posts: posts, FetchedAt: c.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := c.kv.Set(ctx, cacheKey, raw); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

// Expire drops the slot.
func (c *Cache) Expire(ctx context.Context) {
	if err := c.kv.Delete(ctx, cacheKey); err != nil {
		c.logger.Warn("expire feed cache failed", "error", err)
	}
}

func (c *Cache) read(ctx context.Context) (cacheEntry, bool) {
	raw, found, err := c.kv.Get(ctx, cacheKey)
	if err != nil {
		c.logger.Warn("read feed cache failed", "error", err)
		return cacheEntry{}, false
	}
	if !found {
		return cacheEntry{}, false
	}
	var entry cacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.Debug("discarding corrupt feed cache", "error", err)
		return cacheEntry{}, false
	}
	return entry, true
}
