// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package transaction

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/kylelemons/godebug/pretty"

	"github.com/loopauth/loopauth-go/apps/cache"
	"github.com/loopauth/loopauth-go/apps/cache/memory"
)

// recordingStorage records the options of every write.
type recordingStorage struct {
	cache.ClientStorage
	setOpts []cache.StorageOptions
}

func (r *recordingStorage) Set(ctx context.Context, key string, value []byte, opts cache.StorageOptions) error {
	r.setOpts = append(r.setOpts, opts)
	return r.ClientStorage.Set(ctx, key, value, opts)
}

func TestManager(t *testing.T) {
	ctx := context.Background()
	store := &recordingStorage{ClientStorage: memory.NewStorage()}
	m := New(store, "client-a", "example.com")

	if tx, err := m.Get(ctx); tx != nil || err != nil {
		t.Fatalf("Get() before Create(): got %+v, %v", tx, err)
	}

	first := Transaction{State: "s1", ClientVerifier: "v1", AppState: json.RawMessage(`{"returnTo":"/a"}`)}
	second := Transaction{State: "s2", ClientVerifier: "v2", RedirectURI: "http://localhost/cb", Audience: "api"}
	for _, tx := range []Transaction{first, second} {
		if err := m.Create(ctx, tx); err != nil {
			t.Fatal(err)
		}
	}

	got, err := m.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := pretty.Compare(&second, got); diff != "" {
		t.Errorf("Get(): last write must win: -want/+got:\n%s", diff)
	}
	// Get does not consume
	if again, _ := m.Get(ctx); again == nil {
		t.Errorf("Get() twice: second Get() returned nil")
	}

	want := cache.StorageOptions{DaysUntilExpire: 1, CookieDomain: "example.com"}
	if diff := pretty.Compare(want, store.setOpts[0]); diff != "" {
		t.Errorf("Create() storage options: -want/+got:\n%s", diff)
	}

	for i := 0; i < 2; i++ {
		if err := m.Remove(ctx); err != nil {
			t.Fatalf("Remove() #%d: %s", i, err)
		}
	}
	if tx, _ := m.Get(ctx); tx != nil {
		t.Errorf("Get() after Remove(): got %+v", tx)
	}
}

func TestManagerIsolatesClients(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStorage()
	a := New(store, "client-a", "")
	b := New(store, "client-b", "")

	if err := a.Create(ctx, Transaction{State: "a"}); err != nil {
		t.Fatal(err)
	}
	if tx, _ := b.Get(ctx); tx != nil {
		t.Errorf("client-b sees the transaction of client-a: %+v", tx)
	}
	if Key("client-a") != "ma.spajs.txs.client-a" {
		t.Errorf("Key(): got %q", Key("client-a"))
	}
}
