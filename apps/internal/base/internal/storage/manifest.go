// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/loopauth/loopauth-go/apps/cache"
)

// KeyManifest records the keys written for one client id in a cache.Cache that cannot
// enumerate its own keys. The manifest lives in the same cache at ManifestKey(clientID).
//
// Read-modify-write cycles are serialized within the process. Writers in other processes
// are not coordinated; the last write wins.
type KeyManifest struct {
	cache    cache.Cache
	clientID string
	key      string

	mu sync.Mutex
}

// NewKeyManifest creates the manifest of clientID stored in c.
func NewKeyManifest(c cache.Cache, clientID string) *KeyManifest {
	return &KeyManifest{cache: c, clientID: clientID, key: ManifestKey(clientID)}
}

// Add records key. Adding a key that is already recorded does nothing.
func (m *KeyManifest) Add(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys, err := m.read(ctx)
	if err != nil {
		return err
	}
	if slices.Contains(keys, key) {
		return nil
	}
	return m.write(ctx, append(keys, key))
}

// Remove forgets key. When the last key is removed the manifest record is deleted.
// Removing a key that is not recorded does nothing.
func (m *KeyManifest) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys, err := m.read(ctx)
	if err != nil {
		return err
	}
	i := slices.Index(keys, key)
	if i < 0 {
		return nil
	}
	keys = slices.Delete(keys, i, i+1)
	if len(keys) == 0 {
		if err := m.cache.Remove(ctx, m.key); err != nil {
			return fmt.Errorf("failed to remove key manifest for client %q: %w", m.clientID, err)
		}
		return nil
	}
	return m.write(ctx, keys)
}

// Get returns the manifest record, or nil if there is none.
func (m *KeyManifest) Get(ctx context.Context) (*ManifestEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	return &ManifestEntry{Keys: keys}, nil
}

// Clear deletes the manifest record.
func (m *KeyManifest) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.cache.Remove(ctx, m.key); err != nil {
		return fmt.Errorf("failed to clear key manifest for client %q: %w", m.clientID, err)
	}
	return nil
}

// read returns the recorded keys. A corrupt record reads as empty and is overwritten on the next Add.
func (m *KeyManifest) read(ctx context.Context) ([]string, error) {
	b, ok, err := m.cache.Get(ctx, m.key)
	if err != nil {
		return nil, fmt.Errorf("failed to read key manifest for client %q: %w", m.clientID, err)
	}
	if !ok {
		return nil, nil
	}
	var entry ManifestEntry
	if err := json.Unmarshal(b, &entry); err != nil {
		return nil, nil
	}
	return entry.Keys, nil
}

func (m *KeyManifest) write(ctx context.Context, keys []string) error {
	b, err := json.Marshal(ManifestEntry{Keys: keys})
	if err != nil {
		return fmt.Errorf("bug: could not marshal key manifest: %w", err)
	}
	if err := m.cache.Set(ctx, m.key, b); err != nil {
		return fmt.Errorf("failed to write key manifest for client %q: %w", m.clientID, err)
	}
	return nil
}
