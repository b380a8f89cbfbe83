// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"

	"github.com/loopauth/loopauth-go/apps/cache"
	"github.com/loopauth/loopauth-go/apps/cache/memory"
	"github.com/loopauth/loopauth-go/apps/internal/tokens"
)

const (
	defaultClientID  = "my_client_id"
	otherClientID    = "other_client_id"
	defaultAudience  = "https://api.example.com"
	defaultTenant    = "tenant-1"
	accessTokenValue = "an access token"
	rtSecret         = "a refresh token"
)

var issuedAt = time.Unix(1_700_000_000, 0)

// opaqueCache hides the KeyLister of the wrapped cache, like a keyring would.
type opaqueCache struct {
	cache.Cache
}

// failingCache fails every Set.
type failingCache struct {
	cache.Cache
}

func (failingCache) Set(context.Context, string, []byte) error {
	return errors.New("disk full")
}

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time {
	return c.now
}

func newManager(c cache.Cache) (*Manager, *clock) {
	clk := &clock{now: issuedAt}
	return New(c, clk.Now), clk
}

func testEntry(clientID string, expiresIn int64) Entry {
	return Entry{
		ClientID:     clientID,
		AccessToken:  accessTokenValue,
		RefreshToken: rtSecret,
		ExpiresIn:    expiresIn,
		Audience:     defaultAudience,
	}
}

func TestCacheKey(t *testing.T) {
	tests := []struct {
		desc string
		key  CacheKey
		want string
	}{
		{desc: "all segments", key: CacheKey{ClientID: "c", Audience: "a", TenantID: "t"}, want: "@@loopauth@@::c::a::t"},
		{desc: "empty audience and tenant", key: CacheKey{ClientID: "c"}, want: "@@loopauth@@::c::::"},
		{desc: "separator inside a segment", key: CacheKey{ClientID: "c::x", Audience: "a"}, want: "@@loopauth@@::c%3A%3Ax::a::"},
	}
	for _, test := range tests {
		got := test.key.Key()
		if got != test.want {
			t.Errorf("TestCacheKey(%s): got %q, want %q", test.desc, got, test.want)
			continue
		}
		parsed, err := ParseCacheKey(got)
		if err != nil {
			t.Errorf("TestCacheKey(%s): ParseCacheKey(): %s", test.desc, err)
			continue
		}
		if parsed != test.key {
			t.Errorf("TestCacheKey(%s): ParseCacheKey(): got %+v, want %+v", test.desc, parsed, test.key)
		}
	}

	// keys with different fields never collide
	a := CacheKey{ClientID: "c", Audience: "a::b"}.Key()
	b := CacheKey{ClientID: "c", Audience: "a", TenantID: "b"}.Key()
	if a == b {
		t.Errorf("CacheKey collision: %q", a)
	}

	for _, bad := range []string{"", "@@loopauth@@::c", IDTokenKey("c"), "@@other@@::c::a::t", "@@loopauth@@::::a::t"} {
		if _, err := ParseCacheKey(bad); err == nil {
			t.Errorf("ParseCacheKey(%q): got err == nil, want err != nil", bad)
		}
	}
}

func TestCacheKeyEmptyClientIDPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("CacheKey{}.Key(): want panic")
		}
	}()
	_ = CacheKey{}.Key()
}

func TestGetLeeway(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		desc        string
		expiresIn   int64
		elapsed     time.Duration
		leeway      time.Duration
		wantAccess  bool
		wantRefresh bool
	}{
		{desc: "fresh entry", expiresIn: 3600, leeway: 60 * time.Second, wantAccess: true, wantRefresh: true},
		{desc: "70s with 60s leeway read after 5s is a hit", expiresIn: 70, elapsed: 5 * time.Second, leeway: 60 * time.Second, wantAccess: true, wantRefresh: true},
		{desc: "50s with 60s leeway is a miss", expiresIn: 50, leeway: 60 * time.Second, wantRefresh: true},
		{desc: "reaching expiry minus leeway is a miss", expiresIn: 70, elapsed: 10 * time.Second, leeway: 60 * time.Second, wantRefresh: true},
		{desc: "zero leeway hit", expiresIn: 70, elapsed: 69 * time.Second, wantAccess: true, wantRefresh: true},
		{desc: "zero leeway expired", expiresIn: 70, elapsed: 70 * time.Second, wantRefresh: true},
	}

	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			m, clk := newManager(memory.New())
			if err := m.Set(ctx, testEntry(defaultClientID, test.expiresIn)); err != nil {
				t.Fatal(err)
			}
			clk.now = issuedAt.Add(test.elapsed)

			got, err := m.Get(ctx, CacheKey{ClientID: defaultClientID, Audience: defaultAudience}, test.leeway)
			if err != nil {
				t.Fatal(err)
			}
			if got == nil {
				t.Fatalf("Get(): got nil, want an entry holding at least the refresh token")
			}
			if (got.AccessToken != "") != test.wantAccess {
				t.Errorf("Get(): AccessToken = %q, wantAccess %v", got.AccessToken, test.wantAccess)
			}
			if (got.RefreshToken != "") != test.wantRefresh {
				t.Errorf("Get(): RefreshToken = %q, wantRefresh %v", got.RefreshToken, test.wantRefresh)
			}
		})
	}
}

func TestGetExpiredWithoutRefreshToken(t *testing.T) {
	ctx := context.Background()
	m, clk := newManager(memory.New())

	e := testEntry(defaultClientID, 10)
	e.RefreshToken = ""
	if err := m.Set(ctx, e); err != nil {
		t.Fatal(err)
	}
	clk.now = issuedAt.Add(time.Minute)

	got, err := m.Get(ctx, e.CacheKey(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("Get(): got %+v, want nil", got)
	}
}

func TestGetNeverMutates(t *testing.T) {
	ctx := context.Background()
	c := memory.New()
	m, clk := newManager(c)

	e := testEntry(defaultClientID, 10)
	if err := m.Set(ctx, e); err != nil {
		t.Fatal(err)
	}
	before, _, _ := c.Get(ctx, e.CacheKey().Key())

	clk.now = issuedAt.Add(time.Hour)
	if _, err := m.Get(ctx, e.CacheKey(), 60*time.Second); err != nil {
		t.Fatal(err)
	}
	after, ok, _ := c.Get(ctx, e.CacheKey().Key())
	if !ok || string(before) != string(after) {
		t.Errorf("Get() changed the stored entry:\nbefore %s\nafter  %s", before, after)
	}
}

func TestGetMissAndCorrupt(t *testing.T) {
	ctx := context.Background()
	c := memory.New()
	m, _ := newManager(c)
	key := CacheKey{ClientID: defaultClientID}

	if got, err := m.Get(ctx, key, 0); got != nil || err != nil {
		t.Errorf("Get() on empty cache: got %+v, %v", got, err)
	}
	if err := c.Set(ctx, key.Key(), []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if got, err := m.Get(ctx, key, 0); got != nil || err != nil {
		t.Errorf("Get() on corrupt entry: got %+v, %v", got, err)
	}
}

func TestIDToken(t *testing.T) {
	ctx := context.Background()
	m, clk := newManager(memory.New())
	decoded := tokens.DecodedToken{User: tokens.User{ID: "user-1", Email: "u@example.com"}}

	if err := m.SetIDToken(ctx, defaultClientID, "id.token.value", decoded); err != nil {
		t.Fatal(err)
	}
	// the id token entry does not follow access token expiry
	clk.now = issuedAt.Add(48 * time.Hour)

	got, err := m.GetIDToken(ctx, CacheKey{ClientID: defaultClientID})
	if err != nil {
		t.Fatal(err)
	}
	want := &IDTokenEntry{IDToken: "id.token.value", DecodedToken: decoded}
	if diff := pretty.Compare(want, got); diff != "" {
		t.Errorf("GetIDToken(): -want/+got:\n%s", diff)
	}

	if got, _ := m.GetIDToken(ctx, CacheKey{ClientID: otherClientID}); got != nil {
		t.Errorf("GetIDToken(other): got %+v, want nil", got)
	}
}

func TestSetRecordsManifest(t *testing.T) {
	ctx := context.Background()

	m, _ := newManager(memory.New())
	if m.Manifest(defaultClientID) != nil {
		t.Errorf("Manifest(): listing caches need no manifest")
	}

	m, _ = newManager(opaqueCache{memory.New()})
	e := testEntry(defaultClientID, 3600)
	if err := m.Set(ctx, e); err != nil {
		t.Fatal(err)
	}
	if err := m.SetIDToken(ctx, defaultClientID, "id", tokens.DecodedToken{}); err != nil {
		t.Fatal(err)
	}
	got, err := m.Manifest(defaultClientID).Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := &ManifestEntry{Keys: []string{e.CacheKey().Key(), IDTokenKey(defaultClientID)}}
	if diff := pretty.Compare(want, got); diff != "" {
		t.Errorf("manifest after Set(): -want/+got:\n%s", diff)
	}
}

func TestSetFailureLeavesNoManifestKey(t *testing.T) {
	ctx := context.Background()
	inner := memory.New()
	m, _ := newManager(opaqueCache{failingCache{inner}})

	if err := m.Set(ctx, testEntry(defaultClientID, 3600)); err == nil {
		t.Fatalf("Set(): got err == nil, want err != nil")
	}
	keys, _ := inner.AllKeys(ctx)
	if len(keys) != 0 {
		t.Errorf("Set() failure left keys behind: %v", keys)
	}
}

func TestClearClient(t *testing.T) {
	tests := []struct {
		desc  string
		cache func() cache.Cache
	}{
		{desc: "listing cache", cache: func() cache.Cache { return memory.New() }},
		{desc: "manifest cache", cache: func() cache.Cache { return opaqueCache{memory.New()} }},
	}

	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			ctx := context.Background()
			c := test.cache()
			m, _ := newManager(c)

			mine := []Entry{testEntry(defaultClientID, 3600), {ClientID: defaultClientID, AccessToken: "x", ExpiresIn: 3600, TenantID: defaultTenant}}
			theirs := testEntry(otherClientID, 3600)
			for _, e := range append(mine, theirs) {
				if err := m.Set(ctx, e); err != nil {
					t.Fatal(err)
				}
				if err := m.SetIDToken(ctx, e.ClientID, "id-"+e.ClientID, tokens.DecodedToken{}); err != nil {
					t.Fatal(err)
				}
			}

			if err := m.ClearClient(ctx, defaultClientID); err != nil {
				t.Fatal(err)
			}

			for _, e := range mine {
				if got, _ := m.Get(ctx, e.CacheKey(), 0); got != nil {
					t.Errorf("Get(%s) after ClearClient(): got %+v, want nil", e.CacheKey().Key(), got)
				}
			}
			if got, _ := m.GetIDToken(ctx, CacheKey{ClientID: defaultClientID}); got != nil {
				t.Errorf("GetIDToken() after ClearClient(): got %+v, want nil", got)
			}
			if got, _ := m.Get(ctx, theirs.CacheKey(), 0); got == nil {
				t.Errorf("Get(other client) after ClearClient(): got nil, want entry")
			}
			if got, _ := m.GetIDToken(ctx, CacheKey{ClientID: otherClientID}); got == nil {
				t.Errorf("GetIDToken(other client) after ClearClient(): got nil, want entry")
			}
			if km := m.Manifest(defaultClientID); km != nil {
				if got, _ := km.Get(ctx); got != nil {
					t.Errorf("manifest after ClearClient(): got %+v, want nil", got)
				}
			}
		})
	}
}

func TestClearAll(t *testing.T) {
	ctx := context.Background()
	c := memory.New()
	m, _ := newManager(c)

	for _, id := range []string{defaultClientID, otherClientID} {
		if err := m.Set(ctx, testEntry(id, 3600)); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	keys, _ := c.AllKeys(ctx)
	if len(keys) != 0 {
		t.Errorf("Clear(): keys left %v", keys)
	}
}

func TestEntriesAreStoredWrapped(t *testing.T) {
	ctx := context.Background()
	c := memory.New()
	m, _ := newManager(c)

	e := testEntry(defaultClientID, 70)
	if err := m.Set(ctx, e); err != nil {
		t.Fatal(err)
	}
	keys, _ := c.AllKeys(ctx)
	sort.Strings(keys)
	if diff := pretty.Compare([]string{"@@loopauth@@::my_client_id::https%3A%2F%2Fapi.example.com::"}, keys); diff != "" {
		t.Errorf("stored keys: -want/+got:\n%s", diff)
	}
	b, _, _ := c.Get(ctx, keys[0])
	if !strings.Contains(string(b), `"expiresAt":1700000070`) {
		t.Errorf("stored entry does not carry the absolute expiry: %s", b)
	}
}
