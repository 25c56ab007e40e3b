package storage

import (
	"context"

	gocache "github.com/patrickmn/go-cache"

	"github.com/kjstillabower/weather-widget/internal/observability"
)

// MemoryStore keeps values for the life of the process.
type MemoryStore struct {
	items *gocache.Cache
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: gocache.New(gocache.NoExpiration, 0)}
}

func (m *MemoryStore) Name() string { return "in_memory" }

func (m *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	v, ok := m.items.Get(key)
	observability.RecordStorageOp(m.Name(), "get", nil)
	if !ok {
		return "", false, nil
	}
	s, ok := v.(string)
	return s, ok, nil
}

func (m *MemoryStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkKey(key); err != nil {
		observability.RecordStorageOp(m.Name(), "set", err)
		return err
	}
	m.items.Set(key, value, gocache.NoExpiration)
	observability.RecordStorageOp(m.Name(), "set", nil)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
