//go:build integration

package lock

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testRedis(t *testing.T, ttl time.Duration) *Redis {
	t.Helper()
	addr := os.Getenv("COURIER_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	r, err := NewRedis(RedisOptions{Addr: addr, KeyPrefix: "courier:test:" + uuid.NewString()[:8] + ":", TTL: ttl})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Ping(context.Background()); err != nil {
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRedis_TryLockAndRelease(t *testing.T) {
	r := testRedis(t, time.Minute)
	ctx := context.Background()

	lease, err := r.TryLock(ctx, "dispatcher")
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if _, err := r.TryLock(ctx, "dispatcher"); !errors.Is(err, ErrHeld) {
		t.Fatalf("second TryLock error = %v, want ErrHeld", err)
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	next, err := r.TryLock(ctx, "dispatcher")
	if err != nil {
		t.Fatalf("TryLock after release: %v", err)
	}
	next.Release(ctx)
}

func TestRedis_ExpiredLeaseDoesNotReleaseNewHolder(t *testing.T) {
	r := testRedis(t, 100*time.Millisecond)
	ctx := context.Background()

	old, err := r.TryLock(ctx, "producer")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)

	current, err := r.TryLock(ctx, "producer")
	if err != nil {
		t.Fatalf("TryLock after expiry: %v", err)
	}
	if err := old.Release(ctx); err != nil {
		t.Fatalf("old Release: %v", err)
	}
	if _, err := r.TryLock(ctx, "producer"); !errors.Is(err, ErrHeld) {
		t.Errorf("expired lease released the current holder: %v", err)
	}
	current.Release(ctx)
}
