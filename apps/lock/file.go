// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package lock

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const fileRetryInterval = 50 * time.Millisecond

// File is a Locker for processes on one host. Each key is an advisory lock on a file in dir.
type File struct {
	dir string
}

// NewFile creates a File locker keeping its lock files in dir, which is created if needed.
func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("could not create lock directory: %w", err)
	}
	return &File{dir: dir}, nil
}

// Path returns the lock file used for key.
func (f *File) Path(key string) string {
	return filepath.Join(f.dir, url.PathEscape(key)+".lock")
}

// TryLock implements Locker.
func (f *File) TryLock(ctx context.Context, key string, wait time.Duration) (Unlocker, error) {
	fileLock := flock.New(f.Path(key))

	lockCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	locked, err := fileLock.TryLockContext(lockCtx, fileRetryInterval)
	switch {
	case locked:
		return fileUnlocker{fileLock}, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case err == nil, errors.Is(err, context.DeadlineExceeded):
		return nil, nil
	}
	return nil, fmt.Errorf("failed to acquire lock: %w", err)
}

type fileUnlocker struct {
	fl *flock.Flock
}

func (u fileUnlocker) Unlock(context.Context) error {
	return u.fl.Unlock()
}
