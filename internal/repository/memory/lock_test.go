package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLock_AcquireRelease(t *testing.T) {
	l := NewLock()
	ctx := context.Background()

	ok, err := l.Acquire(ctx, "sub-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if ok, _ := l.Acquire(ctx, "sub-1", time.Minute); ok {
		t.Error("second acquire of a held id must fail")
	}
	if ok, _ := l.Acquire(ctx, "sub-2", time.Minute); !ok {
		t.Error("different ids must not contend")
	}

	if err := l.Release(ctx, "sub-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := l.Acquire(ctx, "sub-1", time.Minute); !ok {
		t.Error("acquire after release must succeed")
	}
}

func TestLock_Expiry(t *testing.T) {
	l := NewLock()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.nowFunc = func() time.Time { return now }

	if ok, _ := l.Acquire(context.Background(), "sub-1", time.Minute); !ok {
		t.Fatal("acquire failed")
	}
	now = now.Add(2 * time.Minute)
	if ok, _ := l.Acquire(context.Background(), "sub-1", time.Minute); !ok {
		t.Error("expired lock should be re-acquirable")
	}
}

func TestLock_Concurrent(t *testing.T) {
	l := NewLock()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.Acquire(context.Background(), "same", time.Minute); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Errorf("expected exactly one winner, got %d", wins.Load())
	}
}
