// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultRedisPrefix is prepended to every key held by a Redis locker.
	DefaultRedisPrefix = "loopauth:lock:"
	// DefaultLease bounds how long a holder that died without unlocking keeps a Redis lock. A
	// live holder renews its lease every third of it until it unlocks.
	DefaultLease = 30 * time.Second

	redisPollInterval = 50 * time.Millisecond
)

// releaseScript deletes the lock only if it is still held by the caller's token.
// Returns 1 if the lock was released, 0 otherwise.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// renewScript resets the lease only if the lock is still held by the caller's token.
// Returns 1 if the lease was renewed, 0 otherwise.
var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a Locker for processes sharing a Redis server. A lock is a slot set with SET NX and a
// lease, holding a token only its owner knows.
type Redis struct {
	client redis.UniversalClient
	prefix string
	lease  time.Duration
}

// NewRedis creates a Redis locker. An empty prefix uses DefaultRedisPrefix and a lease <= 0 uses
// DefaultLease.
func NewRedis(client redis.UniversalClient, prefix string, lease time.Duration) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Redis{client: client, prefix: prefix, lease: lease}
}

// TryLock implements Locker.
func (r *Redis) TryLock(ctx context.Context, key string, wait time.Duration) (Unlocker, error) {
	k := r.prefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := r.client.SetNX(ctx, k, token, r.lease).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
		if ok {
			u := &redisUnlocker{client: r.client, key: k, token: token, stop: make(chan struct{}), done: make(chan struct{})}
			go u.renew(r.lease)
			return u, nil
		}
		if time.Now().Add(redisPollInterval).After(deadline) {
			return nil, nil
		}
		select {
		case <-time.After(redisPollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type redisUnlocker struct {
	client redis.UniversalClient
	key    string
	token  string

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// renew extends the lease until Unlock or until the lock is found held by someone else.
func (u *redisUnlocker) renew(lease time.Duration) {
	defer close(u.done)
	ticker := time.NewTicker(lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-u.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), lease/3)
			n, err := renewScript.Run(ctx, u.client, []string{u.key}, u.token, lease.Milliseconds()).Int()
			cancel()
			if err == nil && n == 0 {
				// the lease ran out and another holder took the slot
				return
			}
		}
	}
}

func (u *redisUnlocker) Unlock(ctx context.Context) error {
	u.stopOnce.Do(func() { close(u.stop) })
	<-u.done
	if err := releaseScript.Run(ctx, u.client, []string{u.key}, u.token).Err(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
