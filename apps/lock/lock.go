// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package lock provides the named lock that keeps silent token refreshes single-flight.

Most refresh token grants are single use. When two processes sharing a token cache both miss the
cache and both spend the same refresh token, the second exchange invalidates the session. Run
takes a named lock around the refresh so that only one holder exchanges at a time.

Three Lockers are provided:
  - NewMemory: goroutines of one process.
  - NewFile: processes on one host, using an advisory file lock.
  - NewRedis: processes anywhere that share a Redis server, using a leased slot.
*/
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	autherrors "github.com/loopauth/loopauth-go/apps/errors"
	"github.com/loopauth/loopauth-go/apps/internal/logger"
)

const (
	// DefaultKey is the lock key used around silent token acquisition.
	DefaultKey = "loopauth.lock.getTokenSilently"

	// DefaultWait is how long a single acquisition attempt waits.
	DefaultWait = 5 * time.Second
	// DefaultAttempts is how many acquisition attempts Run makes before giving up.
	DefaultAttempts = 10
)

// Unlocker releases a held lock.
type Unlocker interface {
	Unlock(ctx context.Context) error
}

// Locker acquires named locks.
type Locker interface {
	// TryLock waits up to wait for key. It returns a nil Unlocker and a nil error when the
	// lock is still held by someone else after wait.
	TryLock(ctx context.Context, key string, wait time.Duration) (Unlocker, error)
}

var errNotAcquired = errors.New("lock not acquired")

// Runner runs functions while holding a lock from its Locker.
type Runner struct {
	locker   Locker
	wait     time.Duration
	attempts uint
	teardown context.Context
	observe  func(ctx context.Context, waited time.Duration, acquired bool)
	log      logger.LoggerInterface
}

// Option is an optional argument to NewRunner.
type Option func(r *Runner)

// WithWait sets how long each acquisition attempt waits.
func WithWait(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.wait = d
		}
	}
}

// WithAttempts sets how many acquisition attempts are made.
func WithAttempts(n uint) Option {
	return func(r *Runner) {
		if n > 0 {
			r.attempts = n
		}
	}
}

// WithTeardown releases any lock held by the Runner as soon as ctx is done, even while the
// locked function is still running. Pass the context that is cancelled on process shutdown.
func WithTeardown(ctx context.Context) Option {
	return func(r *Runner) {
		r.teardown = ctx
	}
}

// WithObserver calls f after every acquisition with the time spent waiting.
func WithObserver(f func(ctx context.Context, waited time.Duration, acquired bool)) Option {
	return func(r *Runner) {
		r.observe = f
	}
}

// WithLogger sets the logger used to report acquisition and release.
func WithLogger(l logger.LoggerInterface) Option {
	return func(r *Runner) {
		if l != nil {
			r.log = l
		}
	}
}

// NewRunner creates a Runner using locker.
func NewRunner(locker Locker, options ...Option) *Runner {
	if locker == nil {
		panic("lock.NewRunner: locker == nil")
	}
	r := &Runner{
		locker:   locker,
		wait:     DefaultWait,
		attempts: DefaultAttempts,
		log:      logger.Discard(),
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// Run acquires key, runs fn and releases key. The lock is released on every exit path of fn,
// including a panic. If key can't be acquired in the configured number of attempts, Run returns
// a Timeout error without calling fn.
func Run[T any](ctx context.Context, r *Runner, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	start := time.Now()
	unlocker, err := r.acquire(ctx, key)
	if r.observe != nil {
		r.observe(ctx, time.Since(start), err == nil)
	}
	if err != nil {
		return zero, err
	}
	r.log.Log(ctx, logger.Debug, "lock acquired", logger.Field("key", key))

	var once sync.Once
	release := func() {
		once.Do(func() {
			if err := unlocker.Unlock(context.WithoutCancel(ctx)); err != nil {
				r.log.Log(ctx, logger.Warn, "could not release lock", logger.Field("key", key), logger.Field("error", err.Error()))
				return
			}
			r.log.Log(ctx, logger.Debug, "lock released", logger.Field("key", key))
		})
	}
	if r.teardown != nil {
		stop := context.AfterFunc(r.teardown, release)
		defer stop()
	}
	defer release()

	return fn(ctx)
}

func (r *Runner) acquire(ctx context.Context, key string) (Unlocker, error) {
	op := func() (Unlocker, error) {
		u, err := r.locker.TryLock(ctx, key, r.wait)
		switch {
		case err != nil:
			return nil, backoff.Permanent(fmt.Errorf("lock(%s): %w", key, err))
		case u == nil:
			return nil, errNotAcquired
		}
		return u, nil
	}
	u, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(&backoff.ZeroBackOff{}),
		backoff.WithMaxTries(r.attempts),
		backoff.WithMaxElapsedTime(time.Duration(r.attempts+1)*r.wait),
	)
	switch {
	case err == nil:
		return u, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, errNotAcquired):
		r.log.Log(ctx, logger.Warn, "gave up waiting for lock", logger.Field("key", key), logger.Field("attempts", r.attempts))
		return nil, autherrors.NewTimeout()
	}
	return nil, err
}
