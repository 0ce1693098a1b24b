package locking

import (
	"context"
	"sync"
)

// MemLock is an in-process Group. Each key is guarded by a one-slot channel so
// that waiters can give up when their context ends. Pipeline tests use it in
// place of FlockGroup.
type MemLock struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewMemLock() *MemLock {
	return &MemLock{
		slots: make(map[string]chan struct{}),
	}
}

func (m *MemLock) slot(key string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[key]
	if !ok {
		s = make(chan struct{}, 1)
		m.slots[key] = s
	}
	return s
}

func (m *MemLock) DoWithLock(ctx context.Context, key string, fn func() error) error {
	s := m.slot(key)
	select {
	case s <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s }()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn()
}
