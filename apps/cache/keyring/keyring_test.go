// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package keyring

import (
	"context"
	"testing"

	"github.com/zalando/go-keyring"

	"github.com/loopauth/loopauth-go/apps/cache"
)

func TestCache(t *testing.T) {
	keyring.MockInit()
	ctx := context.Background()
	c := New("loopauth-test")

	if _, ok := any(c).(cache.KeyLister); ok {
		t.Fatalf("keyring Cache must not advertise key listing")
	}

	if _, ok, err := c.Get(ctx, "missing"); ok || err != nil {
		t.Fatalf("Get(missing): ok=%v err=%v", ok, err)
	}

	value := []byte{0x00, 0xff, '{', '}'}
	if err := c.Set(ctx, "@@loopauth@@::client::aud::", value); err != nil {
		t.Fatal(err)
	}
	got, ok, err := c.Get(ctx, "@@loopauth@@::client::aud::")
	if err != nil || !ok || string(got) != string(value) {
		t.Errorf("Get(): got %v, %v, %v", got, ok, err)
	}

	if err := c.Remove(ctx, "@@loopauth@@::client::aud::"); err != nil {
		t.Fatal(err)
	}
	if err := c.Remove(ctx, "@@loopauth@@::client::aud::"); err != nil {
		t.Errorf("Remove() of missing key: %s", err)
	}

	if err := c.Set(ctx, "a", []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := c.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.Get(ctx, "a"); ok {
		t.Errorf("Get(a) after Clear(): want miss")
	}
}
