package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestLock_AcquireSetsTTL(t *testing.T) {
	mr, client := newMiniredis(t)
	lock := NewSubmissionLock(client)

	ok, err := lock.Acquire(context.Background(), "sub-1", 90*time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if !mr.Exists(lockKeyPrefix + "sub-1") {
		t.Fatal("lock key not written")
	}
	if ttl := mr.TTL(lockKeyPrefix + "sub-1"); ttl != 90*time.Second {
		t.Errorf("ttl: got %v", ttl)
	}
}

func TestLock_DuplicateRejectedUntilRelease(t *testing.T) {
	_, client := newMiniredis(t)
	first := NewSubmissionLock(client)
	second := NewSubmissionLock(client)
	ctx := context.Background()

	if ok, _ := first.Acquire(ctx, "sub-1", time.Minute); !ok {
		t.Fatal("first acquire failed")
	}
	if ok, _ := second.Acquire(ctx, "sub-1", time.Minute); ok {
		t.Fatal("duplicate acquire must fail")
	}

	// Not the holder: no-op.
	if err := second.Release(ctx, "sub-1"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := second.Acquire(ctx, "sub-1", time.Minute); ok {
		t.Fatal("lock must survive a release by a non-holder")
	}

	if err := first.Release(ctx, "sub-1"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := second.Acquire(ctx, "sub-1", time.Minute); !ok {
		t.Fatal("acquire after release failed")
	}
}

func TestLock_StaleReleaseKeepsNewHolder(t *testing.T) {
	mr, client := newMiniredis(t)
	first := NewSubmissionLock(client)
	second := NewSubmissionLock(client)
	ctx := context.Background()

	if ok, _ := first.Acquire(ctx, "sub-1", time.Second); !ok {
		t.Fatal("first acquire failed")
	}
	mr.FastForward(2 * time.Second)

	if ok, _ := second.Acquire(ctx, "sub-1", time.Minute); !ok {
		t.Fatal("acquire after expiry failed")
	}
	if err := first.Release(ctx, "sub-1"); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists(lockKeyPrefix + "sub-1") {
		t.Error("stale holder deleted the new holder's lock")
	}
}

func TestLock_Concurrent(t *testing.T) {
	_, client := newMiniredis(t)
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := NewSubmissionLock(client).Acquire(ctx, "sub-1", time.Minute); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("expected exactly one winner, got %d", wins.Load())
	}
}

func TestLock_BackendDown(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	lock := NewSubmissionLock(client)
	mr.Close()

	if _, err := lock.Acquire(context.Background(), "sub-1", time.Minute); err == nil {
		t.Error("expected an error with redis down")
	}
}
