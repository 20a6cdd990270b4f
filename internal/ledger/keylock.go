package ledger

import (
	"context"
	"sync"
)

// keyLocks hands out one mutual-exclusion slot per key. Slots are created on
// demand and dropped when the last holder or waiter releases them.
type keyLocks struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{slots: make(map[string]*slot)}
}

// Lock acquires the slot for key, or returns ctx.Err() if ctx ends first.
// The returned function releases the slot and must be called exactly once.
func (l *keyLocks) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		return func() { l.release(key, s) }, nil
	case <-ctx.Done():
		l.drop(key, s)
		return nil, ctx.Err()
	}
}

func (l *keyLocks) release(key string, s *slot) {
	<-s.ch
	l.drop(key, s)
}

func (l *keyLocks) drop(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

func (l *keyLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
