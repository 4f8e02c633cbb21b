package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestKeyedMutex_serializesSameKey(t *testing.T) {
	k := newKeyedMutex()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := k.Lock(context.Background(), "rx-1")
			if err != nil {
				t.Errorf("Lock error: %v", err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxSeen)
	}
	if n := k.size(); n != 0 {
		t.Errorf("size() = %d after all releases, want 0", n)
	}
}

func TestKeyedMutex_differentKeysParallel(t *testing.T) {
	k := newKeyedMutex()
	releaseA, err := k.Lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("Lock(a) error: %v", err)
	}
	defer releaseA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	releaseB, err := k.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("Lock(b) blocked behind a: %v", err)
	}
	releaseB()
}

func TestKeyedMutex_contextCancel(t *testing.T) {
	k := newKeyedMutex()
	release, _ := k.Lock(context.Background(), "a")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := k.Lock(ctx, "a")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Lock error = %v, want DeadlineExceeded", err)
	}

	release()
	release()
	if n := k.size(); n != 0 {
		t.Errorf("size() = %d, want 0", n)
	}
}
