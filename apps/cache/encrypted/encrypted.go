// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package encrypted wraps another cache.Cache so that neither the keys nor the values it
// stores can be read without the secret.
//
// Keys are replaced with an HMAC of the key and values are sealed with XChaCha20-Poly1305.
// Because stored keys are opaque, Cache never implements cache.KeyLister even if the wrapped
// cache does; the client falls back to its key manifest.
package encrypted

import (
	"context"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/loopauth/loopauth-go/apps/cache"
)

const hkdfInfo = "loopauth cache v1"

// MinSecretLen is the shortest secret New accepts.
const MinSecretLen = 16

var _ cache.Cache = (*Cache)(nil)

// Cache encrypts entries before handing them to the wrapped cache.Cache.
type Cache struct {
	inner  cache.Cache
	macKey []byte
	aead   cipher.AEAD
}

// New creates a Cache over inner. The encryption and key hashing keys are derived from secret.
func New(inner cache.Cache, secret []byte) (*Cache, error) {
	if inner == nil {
		return nil, errors.New("encrypted cache: inner cache cannot be nil")
	}
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("encrypted cache: secret must be at least %d bytes", MinSecretLen)
	}

	kdf := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo))
	encKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, encKey); err != nil {
		return nil, fmt.Errorf("encrypted cache: failed to derive encryption key: %w", err)
	}
	macKey := make([]byte, sha256.Size)
	if _, err := io.ReadFull(kdf, macKey); err != nil {
		return nil, fmt.Errorf("encrypted cache: failed to derive key hashing key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(encKey)
	if err != nil {
		return nil, fmt.Errorf("encrypted cache: %w", err)
	}
	return &Cache{inner: inner, macKey: macKey, aead: aead}, nil
}

func (c *Cache) hashKey(key string) string {
	m := hmac.New(sha256.New, c.macKey)
	m.Write([]byte(key))
	return hex.EncodeToString(m.Sum(nil))
}

// Get implements cache.Cache.Get().
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	hk := c.hashKey(key)
	sealed, ok, err := c.inner.Get(ctx, hk)
	if err != nil || !ok {
		return nil, ok, err
	}
	ns := c.aead.NonceSize()
	if len(sealed) < ns {
		return nil, false, fmt.Errorf("encrypted cache: value at %q is truncated", key)
	}
	// the hashed key is the additional data, so a value moved to another key fails to open
	plain, err := c.aead.Open(nil, sealed[:ns], sealed[ns:], []byte(hk))
	if err != nil {
		return nil, false, fmt.Errorf("encrypted cache: failed to decrypt %q: %w", key, err)
	}
	return plain, true, nil
}

// Set implements cache.Cache.Set().
func (c *Cache) Set(ctx context.Context, key string, value []byte) error {
	hk := c.hashKey(key)
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(value)+chacha20poly1305.Overhead)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("encrypted cache: failed to generate nonce: %w", err)
	}
	return c.inner.Set(ctx, hk, c.aead.Seal(nonce, nonce, value, []byte(hk)))
}

// Remove implements cache.Cache.Remove().
func (c *Cache) Remove(ctx context.Context, key string) error {
	return c.inner.Remove(ctx, c.hashKey(key))
}

// Clear implements cache.Cache.Clear().
func (c *Cache) Clear(ctx context.Context) error {
	return c.inner.Clear(ctx)
}
