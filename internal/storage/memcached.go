package storage

import (
	"context"
	"errors"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/weather-widget/internal/cache"
	"github.com/kjstillabower/weather-widget/internal/observability"
)

const memcachedPrefix = "widget:"

// MemcachedStore persists values in memcached with a fixed retention.
// Entries may be evicted under memory pressure; a lost location falls back to the default.
type MemcachedStore struct {
	client    *memcache.Client
	retention time.Duration
}

// NewMemcachedStore connects to addrs (comma-separated). retention bounds how long
// a value survives; memcached caps relative expirations at 30 days.
func NewMemcachedStore(addrs string, timeout time.Duration, maxIdleConns int, retention time.Duration) *MemcachedStore {
	return &MemcachedStore{
		client:    cache.NewMemcachedClient(addrs, timeout, maxIdleConns),
		retention: retention,
	}
}

func (m *MemcachedStore) Name() string { return "memcached" }

func (m *MemcachedStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	item, err := m.client.Get(memcachedPrefix + key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		observability.RecordStorageOp(m.Name(), "get", nil)
		return "", false, nil
	}
	observability.RecordStorageOp(m.Name(), "get", err)
	if err != nil {
		return "", false, err
	}
	return string(item.Value), true, nil
}

func (m *MemcachedStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkKey(key); err != nil {
		observability.RecordStorageOp(m.Name(), "set", err)
		return err
	}
	err := m.client.Set(&memcache.Item{
		Key:        memcachedPrefix + key,
		Value:      []byte(value),
		Expiration: cache.ExpirationSeconds(m.retention),
	})
	observability.RecordStorageOp(m.Name(), "set", err)
	return err
}

// Ping checks if memcached is reachable.
func (m *MemcachedStore) Ping() error {
	return m.client.Ping()
}

func (m *MemcachedStore) Close() error {
	return m.client.Close()
}
