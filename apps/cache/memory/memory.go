// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package memory provides in-process implementations of cache.Cache and cache.ClientStorage
// backed by ttlcache. They are the defaults used by the client when no other storage is configured.
package memory

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/loopauth/loopauth-go/apps/cache"
)

var (
	_ cache.Cache         = (*Cache)(nil)
	_ cache.KeyLister     = (*Cache)(nil)
	_ cache.ClientStorage = (*Storage)(nil)
)

func newTTLCache() *ttlcache.Cache[string, []byte] {
	return ttlcache.New(
		ttlcache.WithTTL[string, []byte](ttlcache.NoTTL),
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	)
}

// Cache is an in-memory token cache. Entries never expire on their own; expiry of the
// tokens they hold is decided by the client.
type Cache struct {
	items *ttlcache.Cache[string, []byte]
}

// New creates a new Cache.
func New() *Cache {
	return &Cache{items: newTTLCache()}
}

// Get implements cache.Cache.Get().
func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	item := c.items.Get(key)
	if item == nil {
		return nil, false, nil
	}
	return clone(item.Value()), true, nil
}

// Set implements cache.Cache.Set().
func (c *Cache) Set(_ context.Context, key string, value []byte) error {
	c.items.Set(key, clone(value), ttlcache.NoTTL)
	return nil
}

// Remove implements cache.Cache.Remove().
func (c *Cache) Remove(_ context.Context, key string) error {
	c.items.Delete(key)
	return nil
}

// Clear implements cache.Cache.Clear().
func (c *Cache) Clear(context.Context) error {
	c.items.DeleteAll()
	return nil
}

// AllKeys implements cache.KeyLister.AllKeys().
func (c *Cache) AllKeys(context.Context) ([]string, error) {
	return c.items.Keys(), nil
}

// Storage is an in-memory cache.ClientStorage. Values written with DaysUntilExpire set are
// dropped once that many days have passed.
type Storage struct {
	items *ttlcache.Cache[string, []byte]
}

// NewStorage creates a new Storage. Expired values are evicted lazily on read; call Start
// to also evict them in the background.
func NewStorage() *Storage {
	return &Storage{items: newTTLCache()}
}

// Start runs the background eviction loop until Stop is called.
func (s *Storage) Start() {
	go s.items.Start()
}

// Stop ends the background eviction loop.
func (s *Storage) Stop() {
	s.items.Stop()
}

// Get implements cache.ClientStorage.Get().
func (s *Storage) Get(_ context.Context, key string) ([]byte, bool, error) {
	item := s.items.Get(key)
	if item == nil {
		return nil, false, nil
	}
	return clone(item.Value()), true, nil
}

// Set implements cache.ClientStorage.Set().
func (s *Storage) Set(_ context.Context, key string, value []byte, opts cache.StorageOptions) error {
	ttl := ttlcache.NoTTL
	if opts.DaysUntilExpire > 0 {
		ttl = time.Duration(opts.DaysUntilExpire) * 24 * time.Hour
	}
	s.items.Set(key, clone(value), ttl)
	return nil
}

// Remove implements cache.ClientStorage.Remove().
func (s *Storage) Remove(_ context.Context, key string, _ cache.StorageOptions) error {
	s.items.Delete(key)
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
