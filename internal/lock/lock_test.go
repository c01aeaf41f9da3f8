package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestKeyedLocker_Exclusive(t *testing.T) {
	l := NewKeyedLocker()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		maxSeen int
	)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Lock(ctx, VMKey("vm-1"))
			if err != nil {
				t.Errorf("Lock failed: %v", err)
				return
			}
			defer release()

			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("expected at most one holder, saw %d", maxSeen)
	}
	if len(l.locks) != 0 {
		t.Errorf("expected lock table to be empty, got %d entries", len(l.locks))
	}
}

func TestKeyedLocker_IndependentKeys(t *testing.T) {
	l := NewKeyedLocker()
	ctx := context.Background()

	release, err := l.Lock(ctx, VMKey("vm-1"))
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	defer release()

	ctx2, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	release2, err := l.Lock(ctx2, VMKey("vm-2"))
	if err != nil {
		t.Fatalf("Lock on a different key should not block: %v", err)
	}
	release2()
}

func TestKeyedLocker_ContextCancel(t *testing.T) {
	l := NewKeyedLocker()

	release, err := l.Lock(context.Background(), "a", "b")
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := l.Lock(ctx, "b", "c"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	// "c" must not stay held after the failed attempt.
	release3, err := l.Lock(context.Background(), "c")
	if err != nil {
		t.Fatalf("Lock c failed: %v", err)
	}
	release3()

	release()
	release() // double release is a no-op
}

func TestSortedKeys(t *testing.T) {
	got := SortedKeys([]string{"b", "a", "b"})
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("unexpected keys: %v", got)
	}
}
