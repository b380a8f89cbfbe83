// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	autherrors "github.com/loopauth/loopauth-go/apps/errors"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedis(client, "", 0)
}

func lockers(t *testing.T) map[string]Locker {
	t.Helper()
	file, err := NewFile(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	_, r := newRedis(t)
	return map[string]Locker{
		"memory": NewMemory(),
		"file":   file,
		"redis":  r,
	}
}

func TestMutualExclusion(t *testing.T) {
	for name, locker := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			runner := NewRunner(locker, WithWait(2*time.Second))

			var inside, maxInside, total atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := Run(context.Background(), runner, DefaultKey, func(context.Context) (struct{}, error) {
						n := inside.Add(1)
						for {
							m := maxInside.Load()
							if n <= m || maxInside.CompareAndSwap(m, n) {
								break
							}
						}
						time.Sleep(5 * time.Millisecond)
						inside.Add(-1)
						total.Add(1)
						return struct{}{}, nil
					})
					if err != nil {
						t.Errorf("Run: %s", err)
					}
				}()
			}
			wg.Wait()

			if got := maxInside.Load(); got != 1 {
				t.Errorf("got %d holders at once, want 1", got)
			}
			if got := total.Load(); got != 8 {
				t.Errorf("got %d runs, want 8", got)
			}
		})
	}
}

func TestRunTimeout(t *testing.T) {
	for name, locker := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			held, err := locker.TryLock(context.Background(), DefaultKey, time.Second)
			if err != nil || held == nil {
				t.Fatalf("TryLock: got %v, %v", held, err)
			}
			defer held.Unlock(context.Background())

			var attempts atomic.Int32
			var observed atomic.Bool
			runner := NewRunner(countingLocker{locker, &attempts},
				WithWait(60*time.Millisecond),
				WithAttempts(3),
				WithObserver(func(_ context.Context, _ time.Duration, acquired bool) { observed.Store(!acquired) }),
			)

			called := false
			_, err = Run(context.Background(), runner, DefaultKey, func(context.Context) (int, error) {
				called = true
				return 1, nil
			})
			if !errors.Is(err, autherrors.ErrTimeout) {
				t.Errorf("got %v, want a Timeout error", err)
			}
			if called {
				t.Error("fn was called without the lock")
			}
			if got := attempts.Load(); got != 3 {
				t.Errorf("got %d attempts, want 3", got)
			}
			if !observed.Load() {
				t.Error("observer was not told about the failed acquisition")
			}
		})
	}
}

type countingLocker struct {
	Locker
	n *atomic.Int32
}

func (c countingLocker) TryLock(ctx context.Context, key string, wait time.Duration) (Unlocker, error) {
	c.n.Add(1)
	return c.Locker.TryLock(ctx, key, wait)
}

func TestReleasedOnErrorAndPanic(t *testing.T) {
	for name, locker := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			runner := NewRunner(locker, WithWait(50*time.Millisecond), WithAttempts(1))

			wantErr := errors.New("refresh failed")
			_, err := Run(context.Background(), runner, DefaultKey, func(context.Context) (string, error) {
				return "", wantErr
			})
			if !errors.Is(err, wantErr) {
				t.Fatalf("got %v, want %v", err, wantErr)
			}

			func() {
				defer func() {
					if recover() == nil {
						t.Error("panic was swallowed")
					}
				}()
				_, _ = Run(context.Background(), runner, DefaultKey, func(context.Context) (string, error) {
					panic("boom")
				})
			}()

			got, err := Run(context.Background(), runner, DefaultKey, func(context.Context) (string, error) {
				return "ok", nil
			})
			if err != nil || got != "ok" {
				t.Errorf("lock was not released: got %q, %v", got, err)
			}
		})
	}
}

func TestTeardownReleases(t *testing.T) {
	locker := NewMemory()
	teardown, cancel := context.WithCancel(context.Background())
	runner := NewRunner(locker, WithTeardown(teardown))

	entered := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = Run(context.Background(), runner, DefaultKey, func(context.Context) (bool, error) {
			close(entered)
			<-finish
			return true, nil
		})
	}()
	<-entered

	cancel()

	u, err := locker.TryLock(context.Background(), DefaultKey, time.Second)
	if err != nil || u == nil {
		t.Fatalf("teardown did not release the lock: %v, %v", u, err)
	}
	close(finish)
	<-done
	// the Runner's own release must not free the lock now held by u
	if again, _ := locker.TryLock(context.Background(), DefaultKey, 20*time.Millisecond); again != nil {
		t.Error("lock released twice")
	}
	_ = u.Unlock(context.Background())
}

func TestCanceledContext(t *testing.T) {
	locker := NewMemory()
	held, _ := locker.TryLock(context.Background(), DefaultKey, time.Second)
	defer held.Unlock(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := Run(ctx, NewRunner(locker), DefaultKey, func(context.Context) (int, error) { return 0, nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want context.DeadlineExceeded", err)
	}
}

func TestRedisLease(t *testing.T) {
	mr, locker := newRedis(t)
	ctx := context.Background()

	first, err := locker.TryLock(ctx, DefaultKey, time.Second)
	if err != nil || first == nil {
		t.Fatalf("TryLock: got %v, %v", first, err)
	}
	if ttl := mr.TTL(DefaultRedisPrefix + DefaultKey); ttl != DefaultLease {
		t.Errorf("lease: got %v, want %v", ttl, DefaultLease)
	}

	// a crashed holder never unlocks; the lease frees the slot
	mr.FastForward(DefaultLease + time.Second)

	second, err := locker.TryLock(ctx, DefaultKey, time.Second)
	if err != nil || second == nil {
		t.Fatalf("TryLock after lease expiry: got %v, %v", second, err)
	}

	// the stale holder must not release the new holder's lock
	if err := first.Unlock(ctx); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists(DefaultRedisPrefix + DefaultKey) {
		t.Fatal("stale unlock deleted a lock it did not own")
	}
	if err := second.Unlock(ctx); err != nil {
		t.Fatal(err)
	}
	if mr.Exists(DefaultRedisPrefix + DefaultKey) {
		t.Error("owner unlock did not delete the lock")
	}
}

func TestRedisLeaseRenewed(t *testing.T) {
	const lease = 300 * time.Millisecond
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := NewRedis(client, "", lease)
	ctx := context.Background()
	key := DefaultRedisPrefix + DefaultKey

	u, err := locker.TryLock(ctx, DefaultKey, time.Second)
	if err != nil || u == nil {
		t.Fatalf("TryLock: got %v, %v", u, err)
	}

	// a holder working for longer than its lease keeps the lock
	for i := 0; i < 4; i++ {
		time.Sleep(lease / 2)
		mr.FastForward(lease / 2)
	}
	if !mr.Exists(key) {
		t.Fatal("lease of a live holder ran out")
	}
	if other, _ := locker.TryLock(ctx, DefaultKey, 10*time.Millisecond); other != nil {
		t.Fatal("a second holder took a renewed lock")
	}

	if err := u.Unlock(ctx); err != nil {
		t.Fatal(err)
	}
	if mr.Exists(key) {
		t.Fatal("Unlock did not delete the lock")
	}
	time.Sleep(lease / 2)
	if mr.Exists(key) {
		t.Error("lease renewed after Unlock")
	}
}

func TestFilePath(t *testing.T) {
	f, err := NewFile(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	a, b := f.Path("a/b"), f.Path("a_b")
	if a == b {
		t.Errorf("keys a/b and a_b share the lock file %s", a)
	}
}
