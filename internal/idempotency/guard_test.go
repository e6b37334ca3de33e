package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryDuplicateWithinTTLReturnsFirstHash(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	g := NewMemory(DefaultTTL).WithClock(clock.Now)
	ctx := context.Background()
	key := "wrap:0xbot:400000000000000000"

	first, err := g.CheckOrReserve(ctx, key)
	if err != nil || !first.FirstSeen {
		t.Fatalf("expected first reservation, got %+v err=%v", first, err)
	}
	if err := g.Record(ctx, key, "0xfeed"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	clock.Advance(5 * time.Second)
	second, err := g.CheckOrReserve(ctx, key)
	if err != nil {
		t.Fatalf("CheckOrReserve failed: %v", err)
	}
	if second.FirstSeen || second.ExistingTxHash != "0xfeed" {
		t.Fatalf("expected duplicate with first hash, got %+v", second)
	}
}

func TestMemoryEvictsAfterTTL(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	g := NewMemory(30 * time.Second).WithClock(clock.Now)
	ctx := context.Background()

	if r, _ := g.CheckOrReserve(ctx, "trade:a"); !r.FirstSeen {
		t.Fatal("expected first reservation")
	}
	_, _ = g.CheckOrReserve(ctx, "trade:b")
	clock.Advance(30 * time.Second)
	if g.Len() != 0 {
		t.Fatalf("expected lazy eviction of expired entries, got %d", g.Len())
	}
	if r, _ := g.CheckOrReserve(ctx, "trade:a"); !r.FirstSeen {
		t.Fatal("expected re-reservation after ttl")
	}
	// Recording against an expired key does not resurrect it.
	clock.Advance(31 * time.Second)
	_ = g.Record(ctx, "trade:a", "0xlate")
	if g.Len() != 0 {
		t.Fatal("expected expired key to stay evicted after Record")
	}
}

func TestMemoryRelease(t *testing.T) {
	g := NewMemory(0)
	ctx := context.Background()
	_, _ = g.CheckOrReserve(ctx, "trade:x")
	if err := g.Release(ctx, "trade:x"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if r, _ := g.CheckOrReserve(ctx, "trade:x"); !r.FirstSeen {
		t.Fatal("expected key to be reservable after release")
	}
}

func TestMemoryConcurrentReserveSingleWinner(t *testing.T) {
	g := NewMemory(DefaultTTL)
	ctx := context.Background()
	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := g.CheckOrReserve(ctx, "wrap:owner:1")
			if err == nil && r.FirstSeen {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}
