// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package redis implements cache.Cache and cache.ClientStorage on top of Redis, so that
// several processes (or hosts) can share one token cache.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loopauth/loopauth-go/apps/cache"
)

// DefaultKeyPrefix is prepended to every key when no prefix is given.
const DefaultKeyPrefix = "loopauth:"

const scanCount = 100

var (
	_ cache.Cache         = (*Cache)(nil)
	_ cache.KeyLister     = (*Cache)(nil)
	_ cache.ClientStorage = (*Storage)(nil)
)

// Cache is a cache.Cache stored in Redis. All keys are namespaced with a prefix, which
// is also what Clear and AllKeys operate on.
type Cache struct {
	client redis.UniversalClient
	prefix string
}

// New creates a Cache using client. An empty keyPrefix selects DefaultKeyPrefix.
func New(client redis.UniversalClient, keyPrefix string) *Cache {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Cache{client: client, prefix: keyPrefix}
}

func (c *Cache) key(k string) string {
	return c.prefix + k
}

// Get implements cache.Cache.Get().
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return get(ctx, c.client, c.key(key))
}

// Set implements cache.Cache.Set().
func (c *Cache) Set(ctx context.Context, key string, value []byte) error {
	if err := c.client.Set(ctx, c.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis cache: failed to set %q: %w", key, err)
	}
	return nil
}

// Remove implements cache.Cache.Remove().
func (c *Cache) Remove(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("redis cache: failed to remove %q: %w", key, err)
	}
	return nil
}

// Clear implements cache.Cache.Clear(). Only keys under the prefix are removed.
func (c *Cache) Clear(ctx context.Context) error {
	keys, err := c.scan(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis cache: failed to clear: %w", err)
	}
	return nil
}

// AllKeys implements cache.KeyLister.AllKeys(). Returned keys have the prefix stripped.
func (c *Cache) AllKeys(ctx context.Context) ([]string, error) {
	keys, err := c.scan(ctx)
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, c.prefix)
	}
	return keys, nil
}

func (c *Cache) scan(ctx context.Context) ([]string, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, c.prefix+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis cache: failed to scan keys: %w", err)
	}
	return keys, nil
}

// Storage is a cache.ClientStorage stored in Redis. DaysUntilExpire becomes the key TTL.
type Storage struct {
	client redis.UniversalClient
	prefix string
}

// NewStorage creates a Storage using client. An empty keyPrefix selects DefaultKeyPrefix.
func NewStorage(client redis.UniversalClient, keyPrefix string) *Storage {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Storage{client: client, prefix: keyPrefix}
}

// Get implements cache.ClientStorage.Get().
func (s *Storage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return get(ctx, s.client, s.prefix+key)
}

// Set implements cache.ClientStorage.Set().
func (s *Storage) Set(ctx context.Context, key string, value []byte, opts cache.StorageOptions) error {
	var ttl time.Duration
	if opts.DaysUntilExpire > 0 {
		ttl = time.Duration(opts.DaysUntilExpire) * 24 * time.Hour
	}
	if err := s.client.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis storage: failed to set %q: %w", key, err)
	}
	return nil
}

// Remove implements cache.ClientStorage.Remove().
func (s *Storage) Remove(ctx context.Context, key string, _ cache.StorageOptions) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis storage: failed to remove %q: %w", key, err)
	}
	return nil
}

func get(ctx context.Context, client redis.UniversalClient, key string) ([]byte, bool, error) {
	data, err := client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis: failed to get %q: %w", key, err)
	}
	return data, true, nil
}
