package utils

import (
	"context"
	"fmt"
	"sync"
)

// MutexMap hands out one lock per key. A key's entry is dropped once no holder
// or waiter references it.
type MutexMap struct {
	edit    sync.Mutex
	locks   map[string]*keyLock
	maxSize int
}

type keyLock struct {
	held chan struct{}
	refs int
}

func NewMutexMap(maxSize int) *MutexMap {
	return &MutexMap{
		locks:   make(map[string]*keyLock),
		maxSize: maxSize,
	}
}

// Lock blocks until the key is free or ctx is done.
func (m *MutexMap) Lock(ctx context.Context, key string) error {
	m.edit.Lock()

	lock := m.locks[key]
	if lock == nil {
		if len(m.locks) >= m.maxSize {
			m.edit.Unlock()
			return fmt.Errorf("max size reached")
		}

		lock = &keyLock{held: make(chan struct{}, 1)}
		m.locks[key] = lock
	}
	lock.refs++

	m.edit.Unlock()

	select {
	case lock.held <- struct{}{}:
		return nil
	case <-ctx.Done():
		m.release(key, lock)
		return ctx.Err()
	}
}

func (m *MutexMap) Unlock(key string) error {
	m.edit.Lock()
	lock := m.locks[key]
	m.edit.Unlock()

	if lock == nil {
		return fmt.Errorf("key %s not found", key)
	}

	select {
	case <-lock.held:
	default:
		return fmt.Errorf("key %s is not locked", key)
	}

	m.release(key, lock)
	return nil
}

func (m *MutexMap) release(key string, lock *keyLock) {
	m.edit.Lock()
	defer m.edit.Unlock()

	lock.refs--
	if lock.refs == 0 {
		delete(m.locks, key)
	}
}

func (m *MutexMap) Size() int {
	m.edit.Lock()
	defer m.edit.Unlock()
	return len(m.locks)
}
