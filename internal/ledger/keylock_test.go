package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestKeyLocks_SerializesSameKey(t *testing.T) {
	l := newKeyLocks()
	ctx := context.Background()

	var mu sync.Mutex
	inside, maxInside := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "k")
			if err != nil {
				t.Errorf("Lock: %v", err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("expected at most one holder, saw %d", maxInside)
	}
	if n := l.size(); n != 0 {
		t.Fatalf("slots should be dropped after release, have %d", n)
	}
}

func TestKeyLocks_IndependentKeys(t *testing.T) {
	l := newKeyLocks()
	ctx := context.Background()
	unlockA, err := l.Lock(ctx, "a")
	if err != nil {
		t.Fatalf("Lock a: %v", err)
	}
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB, err := l.Lock(ctx, "b")
		if err == nil {
			unlockB()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("lock on b blocked behind a")
	}
}

func TestKeyLocks_WaiterHonoursContext(t *testing.T) {
	l := newKeyLocks()
	unlock, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}

	unlock()
	if n := l.size(); n != 0 {
		t.Fatalf("abandoned waiter must not leak a slot, have %d", n)
	}
}
