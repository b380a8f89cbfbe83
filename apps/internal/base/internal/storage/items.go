// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package storage

import (
	"fmt"
	"net/url"
	"strings"

	internalTime "github.com/loopauth/loopauth-go/apps/internal/json/types/time"
	"github.com/loopauth/loopauth-go/apps/internal/tokens"
)

const (
	// CacheKeyPrefix starts every key written by the client.
	CacheKeyPrefix = "@@loopauth@@"
	// KeySeparator joins the segments of a key.
	KeySeparator = "::"
	// IDTokenSuffix ends the key of the id token entry of a client.
	IDTokenSuffix = "@@user@@"
)

// CacheKey identifies one token entry. It is a value type; two CacheKeys with the same
// fields are the same key.
type CacheKey struct {
	ClientID string
	Audience string
	TenantID string
}

// Key serializes the CacheKey as @@loopauth@@::clientID::audience::tenantID. Each segment
// is escaped, so segments containing the separator cannot collide with other keys.
func (k CacheKey) Key() string {
	if k.ClientID == "" {
		panic("bug: CacheKey.Key() called with an empty ClientID")
	}
	return strings.Join(
		[]string{CacheKeyPrefix, url.QueryEscape(k.ClientID), url.QueryEscape(k.Audience), url.QueryEscape(k.TenantID)},
		KeySeparator,
	)
}

// ParseCacheKey parses a key produced by CacheKey.Key().
func ParseCacheKey(s string) (CacheKey, error) {
	parts := strings.Split(s, KeySeparator)
	if len(parts) != 4 || parts[0] != CacheKeyPrefix {
		return CacheKey{}, fmt.Errorf("%q is not a token cache key", s)
	}
	var k CacheKey
	var err error
	for i, dst := range []*string{&k.ClientID, &k.Audience, &k.TenantID} {
		if *dst, err = url.QueryUnescape(parts[i+1]); err != nil {
			return CacheKey{}, fmt.Errorf("cache key %q has a malformed segment: %w", s, err)
		}
	}
	if k.ClientID == "" {
		return CacheKey{}, fmt.Errorf("cache key %q has no client id", s)
	}
	return k, nil
}

// IDTokenKey is the key of the id token entry of clientID.
func IDTokenKey(clientID string) string {
	return strings.Join([]string{CacheKeyPrefix, url.QueryEscape(clientID), IDTokenSuffix}, KeySeparator)
}

// ManifestKey is the key the KeyManifest of clientID is stored at.
func ManifestKey(clientID string) string {
	return CacheKeyPrefix + KeySeparator + url.QueryEscape(clientID)
}

// clientIDOf returns the client id that any key written by the client belongs to.
func clientIDOf(key string) (string, bool) {
	parts := strings.Split(key, KeySeparator)
	if len(parts) < 2 || parts[0] != CacheKeyPrefix {
		return "", false
	}
	id, err := url.QueryUnescape(parts[1])
	if err != nil {
		return "", false
	}
	return id, true
}

// Entry is a cached token endpoint result.
type Entry struct {
	ClientID     string `json:"client_id"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	// ExpiresIn is the lifetime of AccessToken in seconds, as returned by the server.
	ExpiresIn int64  `json:"expires_in"`
	Audience  string `json:"audience,omitempty"`
	TenantID  string `json:"tenant_id,omitempty"`
}

// CacheKey returns the key the Entry is stored under.
func (e Entry) CacheKey() CacheKey {
	return CacheKey{ClientID: e.ClientID, Audience: e.Audience, TenantID: e.TenantID}
}

// wrappedEntry is what is written to the cache.Cache for an Entry.
type wrappedEntry struct {
	Body      Entry             `json:"body"`
	ExpiresAt internalTime.Unix `json:"expiresAt"`
}

// IDTokenEntry is the cached identity of the signed in user.
type IDTokenEntry struct {
	IDToken      string              `json:"id_token"`
	DecodedToken tokens.DecodedToken `json:"decoded_token"`
}

// ManifestEntry lists the keys written for one client id, in insertion order, without duplicates.
type ManifestEntry struct {
	Keys []string `json:"keys"`
}
