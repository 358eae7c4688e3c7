package service

import (
	"context"
	"sync"

	"github.com/haatos/merge-train/internal/store"
)

// Locker grants exclusive access to one train. The returned func releases it.
type Locker interface {
	Lock(ctx context.Context, key store.TrainKey) (func(), error)
}

// KeyedMutex is an in-process Locker. Entries are dropped once nobody holds
// or waits for them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[store.TrainKey]*keyedLock
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[store.TrainKey]*keyedLock)}
}

func (km *KeyedMutex) Lock(ctx context.Context, key store.TrainKey) (func(), error) {
	km.mu.Lock()
	l, ok := km.locks[key]
	if !ok {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		km.locks[key] = l
	}
	l.refs++
	km.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		km.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			km.release(key, l)
		})
	}, nil
}

func (km *KeyedMutex) release(key store.TrainKey, l *keyedLock) {
	km.mu.Lock()
	defer km.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(km.locks, key)
	}
}

func (km *KeyedMutex) size() int {
	km.mu.Lock()
	defer km.mu.Unlock()
	return len(km.locks)
}
