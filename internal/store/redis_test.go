package store

import (
	"context"
	"os"
	"testing"
	"time"

	"uptime/internal/config"

	"github.com/google/uuid"
)

func newTestCoordinator(t *testing.T) *RedisCoordinator {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR is required for redis integration test")
	}
	coordinator, err := NewRedisCoordinator(context.Background(), config.RedisConfig{
		Addr:      addr,
		KeyPrefix: "uptime-test:" + uuid.NewString() + ":",
	})
	if err != nil {
		t.Fatalf("new redis coordinator: %v", err)
	}
	t.Cleanup(func() { _ = coordinator.Close() })
	return coordinator
}

func TestRedisCoordinatorLeaseIntegration(t *testing.T) {
	coordinator := newTestCoordinator(t)
	ctx := context.Background()

	release, ok, err := coordinator.Acquire(ctx, "mon-1", 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("first acquire ok=%v err=%v", ok, err)
	}
	if _, ok, err := coordinator.Acquire(ctx, "mon-1", 5*time.Second); err != nil || ok {
		t.Fatalf("second acquire must fail while held: ok=%v err=%v", ok, err)
	}
	release()
	release2, ok, err := coordinator.Acquire(ctx, "mon-1", 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire after release ok=%v err=%v", ok, err)
	}
	release2()
}

func TestRedisCoordinatorCooldownIntegration(t *testing.T) {
	coordinator := newTestCoordinator(t)
	ctx := context.Background()

	allowed, err := coordinator.Allow(ctx, "rule-1/mon-1", time.Second, time.Now())
	if err != nil || !allowed {
		t.Fatalf("first allow = %v err=%v", allowed, err)
	}
	allowed, err = coordinator.Allow(ctx, "rule-1/mon-1", time.Second, time.Now())
	if err != nil || allowed {
		t.Fatalf("allow inside cooldown = %v err=%v", allowed, err)
	}
	time.Sleep(1100 * time.Millisecond)
	allowed, err = coordinator.Allow(ctx, "rule-1/mon-1", time.Second, time.Now())
	if err != nil || !allowed {
		t.Fatalf("allow after cooldown = %v err=%v", allowed, err)
	}
}
