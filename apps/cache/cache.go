// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package cache allows third parties to implement external storage for token data and for
the short lived state of an authorization transaction.

Values handed to a Cache are opaque bytes. There are no guarantees to implementers on the
format being passed, and the format may change between releases. Keys are plain strings
produced by the client; implementations must store them verbatim or map them one-to-one.

Implementations live in the subpackages memory, redis, sqlite, keyring and encrypted. A
Cache that cannot enumerate its keys (for example an OS keyring) simply does not implement
KeyLister. The client then records the keys it writes in a manifest entry stored in the
same Cache.
*/
package cache

import "context"

// Cache stores token entries. A missing key is reported with ok == false and a nil error.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns the value stored at key.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Set stores value at key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error
	// Remove deletes key. Removing a key that does not exist is not an error.
	Remove(ctx context.Context, key string) error
	// Clear deletes every key written through this Cache.
	Clear(ctx context.Context) error
}

// KeyLister is implemented by a Cache that can enumerate its keys.
type KeyLister interface {
	// AllKeys returns every key currently stored. Order is not defined.
	AllKeys(ctx context.Context) ([]string, error)
}

// StorageOptions are honored by ClientStorage implementations where they apply.
type StorageOptions struct {
	// DaysUntilExpire is the lifetime of the value. Zero means no expiry.
	DaysUntilExpire int
	// CookieDomain is used by cookie backed storage. Other backends ignore it.
	CookieDomain string
}

// ClientStorage stores the transaction that lives between LoginWithRedirect and
// HandleRedirectCallback.
type ClientStorage interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, opts StorageOptions) error
	Remove(ctx context.Context, key string, opts StorageOptions) error
}
