package sessions

import (
	"context"
	"sync"
)

// Locker serializes agent runs per session key. New messages for a busy
// session wait for the running turn instead of interleaving transcripts.
type Locker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewLocker returns an empty locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]chan struct{})}
}

// Lock acquires the per-key lock, blocking until it is free or ctx ends.
func (l *Locker) Lock(ctx context.Context, key string) error {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryLock acquires the lock without blocking and reports success.
func (l *Locker) TryLock(key string) bool {
	select {
	case l.slot(key) <- struct{}{}:
		return true
	default:
		return false
	}
}

// Unlock releases the per-key lock. Unlocking a key that is not held
// panics, same as sync.Mutex.
func (l *Locker) Unlock(key string) {
	select {
	case <-l.slot(key):
	default:
		panic("sessions: unlock of unlocked key " + key)
	}
}

func (l *Locker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[key] = ch
	}
	return ch
}
