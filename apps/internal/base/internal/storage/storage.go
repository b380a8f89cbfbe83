// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package storage holds all cached token information for the client. Entries are written to
// a third-party cache.Cache as opaque JSON blobs, one blob per key. When the cache.Cache can't
// enumerate its keys (see cache.KeyLister), a KeyManifest per client id is kept in the same
// cache so that the entries of one client can still be found and removed.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/loopauth/loopauth-go/apps/cache"
	internalTime "github.com/loopauth/loopauth-go/apps/internal/json/types/time"
	"github.com/loopauth/loopauth-go/apps/internal/tokens"
)

// Manager is the read/write/clear surface over a cache.Cache. It is aware of access token
// expiry and keeps the id token entry apart from the token entries.
type Manager struct {
	cache  cache.Cache
	lister cache.KeyLister // nil when the cache needs a manifest
	now    func() time.Time

	manifestsMu sync.Mutex
	manifests   map[string]*KeyManifest
}

// New is the constructor for Manager. now defaults to time.Now.
func New(c cache.Cache, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	m := &Manager{cache: c, now: now, manifests: map[string]*KeyManifest{}}
	if l, ok := c.(cache.KeyLister); ok {
		m.lister = l
	}
	return m
}

// Manifest returns the KeyManifest of clientID, or nil if the cache lists its own keys.
func (m *Manager) Manifest(clientID string) *KeyManifest {
	if m.lister != nil {
		return nil
	}
	m.manifestsMu.Lock()
	defer m.manifestsMu.Unlock()

	km, ok := m.manifests[clientID]
	if !ok {
		km = NewKeyManifest(m.cache, clientID)
		m.manifests[clientID] = km
	}
	return km
}

// Get reads the entry at key. An entry whose access token expires within leeway is treated
// as absent, except that its refresh token is still returned (with an empty AccessToken) so
// that it can be used to get a new access token. Get never writes to the cache.
func (m *Manager) Get(ctx context.Context, key CacheKey, leeway time.Duration) (*Entry, error) {
	b, ok, err := m.cache.Get(ctx, key.Key())
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var we wrappedEntry
	if err := json.Unmarshal(b, &we); err != nil {
		// unreadable entries are replaced on the next write
		return nil, nil
	}

	if !m.now().Before(we.ExpiresAt.T.Add(-leeway)) {
		if we.Body.RefreshToken == "" {
			return nil, nil
		}
		return &Entry{
			ClientID:     we.Body.ClientID,
			RefreshToken: we.Body.RefreshToken,
			Audience:     we.Body.Audience,
			TenantID:     we.Body.TenantID,
		}, nil
	}
	body := we.Body
	return &body, nil
}

// Set writes entry under entry.CacheKey(). The key is recorded in the manifest only after the
// entry was written.
func (m *Manager) Set(ctx context.Context, entry Entry) error {
	we := wrappedEntry{
		Body:      entry,
		ExpiresAt: internalTime.Unix{T: m.now().Add(time.Duration(entry.ExpiresIn) * time.Second)},
	}
	return m.write(ctx, entry.ClientID, entry.CacheKey().Key(), we)
}

// SetIDToken writes the id token entry of clientID. It has no expiry of its own; it lives
// until the cache of the client is cleared.
func (m *Manager) SetIDToken(ctx context.Context, clientID, idToken string, decoded tokens.DecodedToken) error {
	return m.write(ctx, clientID, IDTokenKey(clientID), IDTokenEntry{IDToken: idToken, DecodedToken: decoded})
}

// GetIDToken reads the id token entry of key.ClientID, or nil if there is none.
func (m *Manager) GetIDToken(ctx context.Context, key CacheKey) (*IDTokenEntry, error) {
	b, ok, err := m.cache.Get(ctx, IDTokenKey(key.ClientID))
	if err != nil {
		return nil, fmt.Errorf("failed to read id token entry: %w", err)
	}
	if !ok {
		return nil, nil
	}
	entry := &IDTokenEntry{}
	if err := json.Unmarshal(b, entry); err != nil {
		return nil, nil
	}
	return entry, nil
}

// Clear removes everything in the cache, manifests included.
func (m *Manager) Clear(ctx context.Context) error {
	if err := m.cache.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}

// ClearClient removes only the entries that belong to clientID.
func (m *Manager) ClearClient(ctx context.Context, clientID string) error {
	keys, err := m.keys(ctx, clientID)
	if err != nil {
		return err
	}
	km := m.Manifest(clientID)

	for _, k := range keys {
		if id, ok := clientIDOf(k); !ok || id != clientID {
			continue
		}
		if err := m.cache.Remove(ctx, k); err != nil {
			return fmt.Errorf("failed to remove cache entry: %w", err)
		}
		if km != nil {
			if err := km.Remove(ctx, k); err != nil {
				return err
			}
		}
	}
	if km != nil {
		return km.Clear(ctx)
	}
	return nil
}

func (m *Manager) keys(ctx context.Context, clientID string) ([]string, error) {
	if m.lister != nil {
		keys, err := m.lister.AllKeys(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list cache keys: %w", err)
		}
		return keys, nil
	}
	entry, err := m.Manifest(clientID).Get(ctx)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}
	return entry.Keys, nil
}

func (m *Manager) write(ctx context.Context, clientID, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bug: could not marshal cache entry: %w", err)
	}
	if err := m.cache.Set(ctx, key, b); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	if km := m.Manifest(clientID); km != nil {
		return km.Add(ctx, key)
	}
	return nil
}
