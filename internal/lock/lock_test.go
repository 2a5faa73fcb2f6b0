package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"studiosync/internal/syncerr"
)

func TestMemoryLockerExclusive(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	unlock, err := l.TryLock(ctx, "feed-1")
	if err != nil {
		t.Fatalf("first TryLock: %v", err)
	}
	if _, err := l.TryLock(ctx, "feed-1"); !errors.Is(err, syncerr.ErrSyncInProgress) {
		t.Errorf("second TryLock error = %v, want ErrSyncInProgress", err)
	}
	other, err := l.TryLock(ctx, "feed-2")
	if err != nil {
		t.Errorf("other key blocked: %v", err)
	} else {
		other()
	}

	unlock()
	unlock() // idempotent
	again, err := l.TryLock(ctx, "feed-1")
	if err != nil {
		t.Fatalf("TryLock after unlock: %v", err)
	}
	again()
	if l.Held("feed-1") {
		t.Error("feed-1 still held")
	}
}

func TestMemoryLockerConcurrent(t *testing.T) {
	l := NewMemoryLocker()
	var acquired int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := l.TryLock(context.Background(), "feed"); err == nil {
				atomic.AddInt32(&acquired, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if acquired != 1 {
		t.Errorf("acquired = %d, want exactly 1", acquired)
	}
}

func TestAdvisoryKeyStable(t *testing.T) {
	if advisoryKey("a") != advisoryKey("a") {
		t.Error("advisory key not deterministic")
	}
	if advisoryKey("a") == advisoryKey("b") {
		t.Error("advisory keys collide for distinct feeds")
	}
}

func TestPostgresLocker(t *testing.T) {
	url := os.Getenv("STUDIOSYNC_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("STUDIOSYNC_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	pool, err := NewPostgresPool(ctx, url, 4)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	l := NewPostgresLocker(pool)
	unlock, err := l.TryLock(ctx, "feed-pg")
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if _, err := l.TryLock(ctx, "feed-pg"); !errors.Is(err, syncerr.ErrSyncInProgress) {
		t.Errorf("second TryLock error = %v, want ErrSyncInProgress", err)
	}
	unlock()
	again, err := l.TryLock(ctx, "feed-pg")
	if err != nil {
		t.Fatalf("TryLock after unlock: %v", err)
	}
	again()
}
