package sessionbus

import (
	"context"
	"sync"
)

// Locker provides session-scoped mutual exclusion so sends and pulls on the
// same session never interleave
type Locker interface {
	// Acquire blocks until the key's lock is held and returns its release func
	Acquire(ctx context.Context, key string) (func(), error)
}

// KeyedMutex is an in-process Locker backed by reference-counted mutexes
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex creates an empty keyed mutex
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

// Acquire blocks until the key's lock is held
func (k *KeyedMutex) Acquire(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	lock, exists := k.locks[key]
	if !exists {
		lock = &keyedLock{}
		k.locks[key] = lock
	}
	lock.refs++
	k.mu.Unlock()

	lock.mu.Lock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			lock.mu.Unlock()
			k.mu.Lock()
			lock.refs--
			if lock.refs == 0 {
				delete(k.locks, key)
			}
			k.mu.Unlock()
		})
	}
	return release, nil
}

var _ Locker = (*KeyedMutex)(nil)
