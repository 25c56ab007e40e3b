package cache

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/weather-widget/internal/models"
)

const keyPrefix = "forecast:"

// MemcachedCache implements Cache using memcached.
type MemcachedCache struct {
	client *memcache.Client
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int) (*MemcachedCache, error) {
	return &MemcachedCache{client: NewMemcachedClient(addrs, timeout, maxIdleConns)}, nil
}

// NewMemcachedClient builds a memcache client from a comma-separated server list.
// The storage layer shares it so both use the same connection settings.
func NewMemcachedClient(addrs string, timeout time.Duration, maxIdleConns int) *memcache.Client {
	servers := ParseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return client
}

// ParseAddrs splits a comma-separated address list, dropping blanks.
func ParseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Keys may contain spaces and commas from place names; memcached forbids whitespace.
func (c *MemcachedCache) key(k string) string {
	return keyPrefix + strings.ReplaceAll(k, " ", "+")
}

// Get implements Cache.Get. Returns false, nil on cache miss; false, err on error.
func (c *MemcachedCache) Get(ctx context.Context, key string) (models.Report, bool, error) {
	if ctx.Err() != nil {
		return models.Report{}, false, ctx.Err()
	}
	item, err := c.client.Get(c.key(key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return models.Report{}, false, nil
		}
		return models.Report{}, false, err
	}
	var data models.Report
	if err := json.Unmarshal(item.Value, &data); err != nil {
		return models.Report{}, false, err
	}
	return data, true, nil
}

// Set implements Cache.Set.
func (c *MemcachedCache) Set(ctx context.Context, key string, value models.Report, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(&memcache.Item{
		Key:        c.key(key),
		Value:      raw,
		Expiration: ExpirationSeconds(ttl),
	})
}

// ExpirationSeconds converts ttl to a memcached expiration. Non-positive values
// fall back to one hour.
func ExpirationSeconds(ttl time.Duration) int32 {
	return expirationAt(ttl, time.Now())
}

// maxRelativeExp is the largest relative expiration memcached accepts; larger
// values are read as absolute Unix times.
const maxRelativeExp = 30 * 24 * 60 * 60

func expirationAt(ttl time.Duration, now time.Time) int32 {
	if ttl <= 0 {
		return 3600
	}
	expSec := int64(ttl / time.Second)
	if expSec <= maxRelativeExp {
		return int32(expSec)
	}
	abs := now.Unix() + expSec
	if abs > math.MaxInt32 {
		abs = math.MaxInt32
	}
	return int32(abs)
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedCache) Ping() error {
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
