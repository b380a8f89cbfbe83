// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Memory is a Locker for the goroutines of one process.
type Memory struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewMemory creates a Memory locker.
func NewMemory() *Memory {
	return &Memory{slots: map[string]chan struct{}{}}
}

// TryLock implements Locker.
func (m *Memory) TryLock(ctx context.Context, key string, wait time.Duration) (Unlocker, error) {
	slot := m.slot(key)

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case slot <- struct{}{}:
		return &memoryUnlocker{slot: slot}, nil
	case <-t.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Memory) slot(key string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[key]
	if !ok {
		s = make(chan struct{}, 1)
		m.slots[key] = s
	}
	return s
}

type memoryUnlocker struct {
	slot     chan struct{}
	released atomic.Bool
}

func (u *memoryUnlocker) Unlock(context.Context) error {
	if u.released.CompareAndSwap(false, true) {
		<-u.slot
	}
	return nil
}
