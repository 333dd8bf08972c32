package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLocalLocker_MutualExclusion(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "athlete-a")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	if maxInside.Load() != 1 {
		t.Errorf("expected at most one holder, saw %d", maxInside.Load())
	}
	if l.Len() != 0 {
		t.Errorf("expected no entries left, got %d", l.Len())
	}
}

func TestLocalLocker_IndependentKeys(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	unlockA, err := l.Lock(ctx, "athlete-a")
	if err != nil {
		t.Fatal(err)
	}
	defer unlockA()

	ctx2, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	unlockB, err := l.Lock(ctx2, "athlete-b")
	if err != nil {
		t.Fatalf("other key should not block: %v", err)
	}
	unlockB()
}

func TestLocalLocker_ContextCancelled(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.Lock(context.Background(), "athlete-a")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "athlete-a"); !errors.Is(err, ErrNotAcquired) {
		t.Errorf("expected ErrNotAcquired, got %v", err)
	}

	unlock()
	unlock() // second call is a no-op
	if l.Len() != 0 {
		t.Errorf("expected no entries left, got %d", l.Len())
	}
}

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisLocker(rdb, time.Second), mr
}

func TestRedisLocker_LockUnlock(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "athlete-a")
	if err != nil {
		t.Fatal(err)
	}
	if !mr.Exists("lock:athlete:athlete-a") {
		t.Fatal("expected lock key set")
	}

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(waitCtx, "athlete-a"); !errors.Is(err, ErrNotAcquired) {
		t.Errorf("expected ErrNotAcquired while held, got %v", err)
	}

	unlock()
	if mr.Exists("lock:athlete:athlete-a") {
		t.Error("expected lock key released")
	}
}

func TestRedisLocker_ReleaseKeepsForeignToken(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "athlete-a")
	if err != nil {
		t.Fatal(err)
	}
	// Simulate expiry followed by another instance taking the lock.
	mr.FastForward(2 * time.Second)
	if err := mr.Set("lock:athlete:athlete-a", "someone-else"); err != nil {
		t.Fatal(err)
	}

	unlock()
	if got, _ := mr.Get("lock:athlete:athlete-a"); got != "someone-else" {
		t.Errorf("foreign lock was released, value %q", got)
	}
}

func TestRedisLocker_WaitsForRelease(t *testing.T) {
	l, _ := newRedisLocker(t)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "athlete-a")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		unlock()
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	unlock2, err := l.Lock(waitCtx, "athlete-a")
	if err != nil {
		t.Fatalf("expected lock after release: %v", err)
	}
	unlock2()
}
