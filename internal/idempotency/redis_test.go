package idempotency

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRedisGuard(t *testing.T) {
	addr := os.Getenv("CUSTODY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CUSTODY_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	g, err := NewRedis(ctx, RedisConfig{Addr: addr, Prefix: "custody:test:" + uuid.NewString() + ":", TTL: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewRedis failed: %v", err)
	}
	defer g.Close()

	first, err := g.CheckOrReserve(ctx, "trade:1")
	if err != nil || !first.FirstSeen {
		t.Fatalf("expected first reservation, got %+v err=%v", first, err)
	}
	if err := g.Record(ctx, "trade:1", "0xabc"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	second, err := g.CheckOrReserve(ctx, "trade:1")
	if err != nil || second.FirstSeen || second.ExistingTxHash != "0xabc" {
		t.Fatalf("expected duplicate with hash, got %+v err=%v", second, err)
	}
	if err := g.Release(ctx, "trade:1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if r, _ := g.CheckOrReserve(ctx, "trade:1"); !r.FirstSeen {
		t.Fatal("expected reservation after release")
	}
	time.Sleep(2100 * time.Millisecond)
	if r, _ := g.CheckOrReserve(ctx, "trade:1"); !r.FirstSeen {
		t.Fatal("expected reservation after ttl")
	}
}
