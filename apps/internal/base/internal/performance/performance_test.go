// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package performance

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/loopauth/loopauth-go/apps/cache"
	"github.com/loopauth/loopauth-go/apps/cache/encrypted"
	"github.com/loopauth/loopauth-go/apps/cache/memory"
	"github.com/loopauth/loopauth-go/apps/internal/base/internal/storage"
)

const clientPrefix = "fake_client_id"

func populateCache(clients int, audiences int, m *storage.Manager) {
	for client := 0; client < clients; client++ {
		for aud := 0; aud < audiences; aud++ {
			err := m.Set(context.Background(), storage.Entry{
				ClientID:     fmt.Sprintf("%s%d", clientPrefix, client),
				AccessToken:  fmt.Sprintf("fake_access_token%d", client),
				RefreshToken: "fake_refresh_token",
				ExpiresIn:    3600,
				Audience:     fmt.Sprintf("audience%d", aud),
			})
			if err != nil {
				panic(err)
			}
		}
	}
}

func calculateStats(name string, clients, audiences int, duration []float64) {
	fmt.Printf("%s: No of clients: %d, No of audiences per client: %d \n", name, clients, audiences)

	for _, s := range []struct {
		name string
		fn   func(stats.Float64Data) (float64, error)
	}{
		{"Mean", stats.Mean},
		{"Median", stats.Median},
		{"Standard Deviation", stats.StandardDeviation},
		{"Min Time", stats.Min},
		{"Max Time", stats.Max},
	} {
		v, err := s.fn(duration)
		if err != nil {
			panic(err)
		}
		fmt.Println(s.name)
		fmt.Println(v / float64(time.Microsecond))
	}

	p99, err := stats.Percentile(duration, 99)
	if err != nil {
		panic(err)
	}
	fmt.Println("P99")
	fmt.Println(p99 / float64(time.Microsecond))
}

func benchmarkGet(name string, clients int, audiences int, m *storage.Manager) {
	var duration []float64
	for start := time.Now(); time.Since(start) < 10*time.Second; {
		s := time.Now()
		queryCache(clients, audiences, m)
		duration = append(duration, float64(time.Since(s)))
	}
	calculateStats(name, clients, audiences, duration)
}

func queryCache(clients int, audiences int, m *storage.Manager) {
	key := storage.CacheKey{
		ClientID: fmt.Sprintf("%s%d", clientPrefix, rand.Intn(clients)),
		Audience: fmt.Sprintf("audience%d", rand.Intn(audiences)),
	}
	entry, err := m.Get(context.Background(), key, 60*time.Second)
	if err != nil {
		panic(err)
	}
	if entry == nil || entry.AccessToken == "" {
		panic(fmt.Sprintf("cache miss for %s", key.Key()))
	}
}

func TestCacheGet(t *testing.T) {
	if os.Getenv("CI") != "" || testing.Short() {
		t.Skip("Skipping performance test in CI or -short mode")
	}

	newEncrypted := func() cache.Cache {
		c, err := encrypted.New(memory.New(), []byte("performance-test-secret-value"))
		if err != nil {
			panic(err)
		}
		return c
	}

	tests := []struct {
		name      string
		cache     func() cache.Cache
		Clients   int
		Audiences int
	}{
		{"memory", func() cache.Cache { return memory.New() }, 1, 10000},
		{"memory", func() cache.Cache { return memory.New() }, 100, 100},
		{"encrypted", newEncrypted, 1, 1000},
		{"encrypted", newEncrypted, 100, 10},
	}

	for _, test := range tests {
		m := storage.New(test.cache(), nil)
		populateCache(test.Clients, test.Audiences, m)
		benchmarkGet(test.name, test.Clients, test.Audiences, m)
	}
}
