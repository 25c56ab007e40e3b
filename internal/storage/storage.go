// Package storage persists the widget's last location per browser client.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// StorageKey is the fixed key under which a widget persists its last query.
const StorageKey = "weather-widget.location"

// ErrInvalidKey is returned for keys that are empty or contain whitespace.
var ErrInvalidKey = errors.New("invalid storage key")

// Storage is a string key/value store. Get returns ok=false for a missing key.
type Storage interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
}

// Backend is a Storage that owns resources released at shutdown.
type Backend interface {
	Storage
	Name() string
	Close() error
}

// Namespace scopes every key in s to one client, so widgets opened by different
// browsers never see each other's persisted location.
func Namespace(s Storage, clientID string) Storage {
	return &namespaced{inner: s, prefix: "client:" + clientID + ":"}
}

type namespaced struct {
	inner  Storage
	prefix string
}

func (n *namespaced) Get(ctx context.Context, key string) (string, bool, error) {
	return n.inner.Get(ctx, n.prefix+key)
}

func (n *namespaced) Set(ctx context.Context, key, value string) error {
	return n.inner.Set(ctx, n.prefix+key, value)
}

func checkKey(key string) error {
	if key == "" || strings.ContainsAny(key, " \t\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// Options selects and configures a storage backend.
type Options struct {
	Backend          string // in_memory, memcached or sqlite
	SQLitePath       string
	MemcachedAddrs   string
	MemcachedTimeout time.Duration
	MemcachedMaxIdle int
	Retention        time.Duration
}

// Open builds the backend named by opts.Backend.
func Open(opts Options) (Backend, error) {
	switch opts.Backend {
	case "", "in_memory":
		return NewMemoryStore(), nil
	case "memcached":
		return NewMemcachedStore(opts.MemcachedAddrs, opts.MemcachedTimeout, opts.MemcachedMaxIdle, opts.Retention), nil
	case "sqlite":
		if opts.SQLitePath == "" {
			return nil, errors.New("sqlite storage requires a path")
		}
		store, err := NewSQLiteStore(opts.SQLitePath)
		if err != nil {
			return nil, err
		}
		if opts.Retention > 0 {
			if _, err := store.Prune(context.Background(), time.Now().Add(-opts.Retention)); err != nil {
				store.Close()
				return nil, err
			}
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}
