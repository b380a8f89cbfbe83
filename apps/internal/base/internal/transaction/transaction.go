// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package transaction persists the state of a login that is waiting for its redirect callback.
package transaction

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loopauth/loopauth-go/apps/cache"
)

const (
	keyPrefix = "ma.spajs.txs"
	// daysUntilExpire bounds how long a login may wait for its callback.
	daysUntilExpire = 1
)

// Transaction is the state kept between LoginWithRedirect and HandleRedirectCallback.
type Transaction struct {
	State          string          `json:"state"`
	AppState       json.RawMessage `json:"appState,omitempty"`
	ClientVerifier string          `json:"clientVerifier"`
	RedirectURI    string          `json:"redirectUri,omitempty"`
	Audience       string          `json:"audience,omitempty"`
	// Timestamp is the unix millisecond time the authorize URL was built at.
	Timestamp int64 `json:"ts,omitempty"`
}

// Manager stores the single pending Transaction of one client id.
type Manager struct {
	storage      cache.ClientStorage
	key          string
	cookieDomain string
}

// New creates a Manager for clientID.
func New(storage cache.ClientStorage, clientID, cookieDomain string) *Manager {
	return &Manager{storage: storage, key: Key(clientID), cookieDomain: cookieDomain}
}

// Key is the storage key of the transaction of clientID.
func Key(clientID string) string {
	return fmt.Sprintf("%s.%s", keyPrefix, clientID)
}

func (m *Manager) opts() cache.StorageOptions {
	return cache.StorageOptions{DaysUntilExpire: daysUntilExpire, CookieDomain: m.cookieDomain}
}

// Create stores tx, replacing any pending transaction.
func (m *Manager) Create(ctx context.Context, tx Transaction) error {
	b, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("could not marshal transaction: %w", err)
	}
	if err := m.storage.Set(ctx, m.key, b, m.opts()); err != nil {
		return fmt.Errorf("could not store transaction: %w", err)
	}
	return nil
}

// Get returns the pending transaction, or nil if there is none. It does not remove it.
func (m *Manager) Get(ctx context.Context) (*Transaction, error) {
	b, ok, err := m.storage.Get(ctx, m.key)
	if err != nil {
		return nil, fmt.Errorf("could not read transaction: %w", err)
	}
	if !ok {
		return nil, nil
	}
	tx := &Transaction{}
	if err := json.Unmarshal(b, tx); err != nil {
		return nil, fmt.Errorf("stored transaction is malformed: %w", err)
	}
	return tx, nil
}

// Remove deletes the pending transaction. Removing when there is none is not an error.
func (m *Manager) Remove(ctx context.Context) error {
	if err := m.storage.Remove(ctx, m.key, m.opts()); err != nil {
		return fmt.Errorf("could not remove transaction: %w", err)
	}
	return nil
}
