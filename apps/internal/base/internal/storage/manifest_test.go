// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/kylelemons/godebug/pretty"

	"github.com/loopauth/loopauth-go/apps/cache/memory"
)

func keysOf(t *testing.T, m *KeyManifest) []string {
	t.Helper()
	entry, err := m.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil {
		return nil
	}
	return entry.Keys
}

func TestKeyManifest(t *testing.T) {
	keyA := CacheKey{ClientID: defaultClientID, Audience: "a"}.Key()
	keyB := CacheKey{ClientID: defaultClientID, Audience: "b"}.Key()
	keyC := CacheKey{ClientID: defaultClientID, Audience: "c"}.Key()

	tests := []struct {
		desc   string
		add    []string
		remove []string
		want   []string
	}{
		{desc: "add creates the entry", add: []string{keyA}, want: []string{keyA}},
		{desc: "add keeps insertion order", add: []string{keyA, keyB, keyC}, want: []string{keyA, keyB, keyC}},
		{desc: "same key is not added twice", add: []string{keyA, keyA, keyB, keyA}, want: []string{keyA, keyB}},
		{desc: "removing the last key deletes the entry", add: []string{keyA}, remove: []string{keyA}},
		{desc: "removing from an empty manifest", remove: []string{keyA}},
		{desc: "removing one key leaves the others", add: []string{keyA, keyB, keyC}, remove: []string{keyB}, want: []string{keyA, keyC}},
		{desc: "removing an unknown key keeps the existing ones", add: []string{keyA, keyB}, remove: []string{"random-key"}, want: []string{keyA, keyB}},
	}

	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			ctx := context.Background()
			c := memory.New()
			m := NewKeyManifest(c, defaultClientID)

			for _, k := range test.add {
				if err := m.Add(ctx, k); err != nil {
					t.Fatal(err)
				}
			}
			for _, k := range test.remove {
				if err := m.Remove(ctx, k); err != nil {
					t.Fatal(err)
				}
			}

			if diff := pretty.Compare(test.want, keysOf(t, m)); diff != "" {
				t.Errorf("-want/+got:\n%s", diff)
			}
			_, ok, _ := c.Get(ctx, ManifestKey(defaultClientID))
			if ok != (len(test.want) > 0) {
				t.Errorf("manifest record present = %v, want %v", ok, len(test.want) > 0)
			}
		})
	}
}

func TestKeyManifestCorrupt(t *testing.T) {
	tests := []struct {
		desc   string
		stored string
	}{
		{desc: "not json", stored: "{{{"},
		{desc: "keys is not an array", stored: `{"keys":"abc"}`},
		{desc: "keys holds non strings", stored: `{"keys":[1,2]}`},
	}

	for _, test := range tests {
		ctx := context.Background()
		c := memory.New()
		if err := c.Set(ctx, ManifestKey(defaultClientID), []byte(test.stored)); err != nil {
			t.Fatal(err)
		}
		m := NewKeyManifest(c, defaultClientID)

		if got := keysOf(t, m); got != nil {
			t.Errorf("TestKeyManifestCorrupt(%s): Get(): got %v, want nil", test.desc, got)
		}
		if err := m.Add(ctx, "k"); err != nil {
			t.Errorf("TestKeyManifestCorrupt(%s): Add(): %s", test.desc, err)
		}
		if diff := pretty.Compare([]string{"k"}, keysOf(t, m)); diff != "" {
			t.Errorf("TestKeyManifestCorrupt(%s): after Add(): -want/+got:\n%s", test.desc, diff)
		}
	}
}

func TestKeyManifestClear(t *testing.T) {
	ctx := context.Background()
	c := memory.New()
	m := NewKeyManifest(c, defaultClientID)
	other := NewKeyManifest(c, otherClientID)

	for _, km := range []*KeyManifest{m, other} {
		if err := km.Add(ctx, "k"); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if got := keysOf(t, m); got != nil {
		t.Errorf("Get() after Clear(): got %v", got)
	}
	if got := keysOf(t, other); len(got) != 1 {
		t.Errorf("Clear() touched the manifest of another client: %v", got)
	}
}

func TestKeyManifestConcurrentAdd(t *testing.T) {
	ctx := context.Background()
	m := NewKeyManifest(memory.New(), defaultClientID)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := m.Add(ctx, fmt.Sprintf("key-%d", i)); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	if got := keysOf(t, m); len(got) != n {
		t.Errorf("concurrent Add(): got %d keys, want %d", len(got), n)
	}
}
