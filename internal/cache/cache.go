package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/kjstillabower/weather-widget/internal/models"
)

// Cache stores fetched forecast reports keyed by location query and unit system.
// Get returns cached data if present and not expired, Set stores data with TTL.
type Cache interface {
	Get(ctx context.Context, key string) (models.Report, bool, error)
	Set(ctx context.Context, key string, value models.Report, ttl time.Duration) error
}

// InMemoryCache implements Cache on top of go-cache. Safe for concurrent use;
// expired entries are evicted by a background janitor.
type InMemoryCache struct {
	items *gocache.Cache
}

// NewInMemoryCache creates a cache whose janitor runs every cleanupInterval.
// A non-positive interval disables the janitor; expired entries are still never returned.
func NewInMemoryCache(cleanupInterval time.Duration) *InMemoryCache {
	return &InMemoryCache{
		items: gocache.New(gocache.NoExpiration, cleanupInterval),
	}
}

// Get returns (report, true, nil) on a hit and (zero, false, nil) on a miss or expiry.
func (c *InMemoryCache) Get(ctx context.Context, key string) (models.Report, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Report{}, false, err
	}
	v, ok := c.items.Get(key)
	if !ok {
		return models.Report{}, false, nil
	}
	report, ok := v.(models.Report)
	if !ok {
		return models.Report{}, false, nil
	}
	return report, true, nil
}

// Set stores value for ttl.
func (c *InMemoryCache) Set(ctx context.Context, key string, value models.Report, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.items.Set(key, value, ttl)
	return nil
}

// Len reports the number of stored entries, including expired ones not yet evicted.
func (c *InMemoryCache) Len() int {
	return c.items.ItemCount()
}
