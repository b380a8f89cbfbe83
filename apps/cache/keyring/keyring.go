// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package keyring stores token entries in the operating system secret store (macOS Keychain,
// Windows Credential Manager, Secret Service on Linux).
//
// A keyring cannot list the entries it holds, so Cache does not implement cache.KeyLister.
// The client keeps a key manifest alongside the entries instead.
package keyring

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"

	"github.com/loopauth/loopauth-go/apps/cache"
)

// DefaultService is the keyring service name used when none is given.
const DefaultService = "loopauth"

var _ cache.Cache = (*Cache)(nil)

// Cache is a cache.Cache stored in the OS keyring under one service name.
type Cache struct {
	service string
}

// New creates a Cache that stores entries under service. An empty service selects DefaultService.
func New(service string) *Cache {
	if service == "" {
		service = DefaultService
	}
	return &Cache{service: service}
}

// Get implements cache.Cache.Get().
func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	s, err := keyring.Get(c.service, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("keyring cache: failed to get %q: %w", key, err)
	}
	// Values are base64 encoded because several keyring backends only accept valid UTF-8.
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, false, fmt.Errorf("keyring cache: value at %q is not base64: %w", key, err)
	}
	return b, true, nil
}

// Set implements cache.Cache.Set().
func (c *Cache) Set(_ context.Context, key string, value []byte) error {
	if err := keyring.Set(c.service, key, base64.StdEncoding.EncodeToString(value)); err != nil {
		return fmt.Errorf("keyring cache: failed to set %q: %w", key, err)
	}
	return nil
}

// Remove implements cache.Cache.Remove().
func (c *Cache) Remove(_ context.Context, key string) error {
	if err := keyring.Delete(c.service, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring cache: failed to remove %q: %w", key, err)
	}
	return nil
}

// Clear implements cache.Cache.Clear() by removing every secret of the service.
func (c *Cache) Clear(context.Context) error {
	if err := keyring.DeleteAll(c.service); err != nil {
		return fmt.Errorf("keyring cache: failed to clear service %q: %w", c.service, err)
	}
	return nil
}
