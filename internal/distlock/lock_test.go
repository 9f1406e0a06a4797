package distlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wavechat/backend/internal/hottier"
)

// The fallback store has real TTL semantics and no script engine, which
// exercises both the SetNX path and the degraded release/renew paths.

func newTestService(t *testing.T, instanceID string) (*Service, *hottier.FallbackStore) {
	t.Helper()
	store := hottier.NewFallbackStore()
	service, err := NewService(ServiceConfig{Store: store, InstanceID: instanceID})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return service, store
}

func TestAcquireAndRelease(t *testing.T) {
	service, store := newTestService(t, "instance-a")
	ctx := context.Background()

	if err := service.Acquire(ctx, "room_message_create:r1", 5*time.Second, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count, _ := store.Exists(ctx, "distributed_lock:room_message_create:r1"); count != 1 {
		t.Fatalf("lock key should exist after acquire")
	}
	if locks := service.ActiveLocks(); len(locks) != 1 {
		t.Fatalf("expected 1 active lock, got %v", locks)
	}

	released, err := service.Release(ctx, "room_message_create:r1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !released {
		t.Fatalf("holder release should succeed")
	}
	if count, _ := store.Exists(ctx, "distributed_lock:room_message_create:r1"); count != 0 {
		t.Fatalf("lock key should be gone after release")
	}
}

func TestAcquireContendedFailsAfterRetryBudget(t *testing.T) {
	serviceA, store := newTestService(t, "instance-a")
	ctx := context.Background()

	if err := serviceA.Acquire(ctx, "res", 30*time.Second, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	serviceB, err := NewService(ServiceConfig{Store: store, InstanceID: "instance-b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = serviceB.Acquire(ctx, "res", 30*time.Second, 2)
	if !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}
}

func TestReleaseWithoutHoldingIsNoOp(t *testing.T) {
	service, _ := newTestService(t, "instance-a")
	released, err := service.Release(context.Background(), "never-held")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if released {
		t.Fatalf("release of an unheld lock must report false")
	}
}

func TestRenewReportsLostOwnership(t *testing.T) {
	service, store := newTestService(t, "instance-a")
	ctx := context.Background()

	if err := service.Acquire(ctx, "res", time.Second, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Simulate expiry plus takeover by another holder.
	if err := store.Del(ctx, "distributed_lock:res"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.SetNX(ctx, "distributed_lock:res", "instance-b:1:xyz", time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	renewed, err := service.Renew(ctx, "res", time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if renewed {
		t.Fatalf("renew must fail once another holder owns the key")
	}
	if len(service.ActiveLocks()) != 0 {
		t.Fatalf("lost lock must be dropped from the local map")
	}
}

func TestIsLockOwner(t *testing.T) {
	service, store := newTestService(t, "instance-a")
	ctx := context.Background()

	if err := service.Acquire(ctx, "res", time.Minute, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	owner, err := service.IsLockOwner(ctx, "res")
	if err != nil || !owner {
		t.Fatalf("expected ownership, got owner=%v err=%v", owner, err)
	}

	if err := store.Set(ctx, "distributed_lock:res", "someone-else", time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	owner, err = service.IsLockOwner(ctx, "res")
	if err != nil || owner {
		t.Fatalf("ownership must follow token equality, got owner=%v err=%v", owner, err)
	}
}

func TestCleanupExpiredLocks(t *testing.T) {
	service, store := newTestService(t, "instance-a")
	ctx := context.Background()

	if err := service.Acquire(ctx, "res1", time.Minute, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := service.Acquire(ctx, "res2", time.Minute, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.Del(ctx, "distributed_lock:res1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cleaned := service.CleanupExpiredLocks(ctx)
	if cleaned != 1 {
		t.Fatalf("expected 1 cleaned lock, got %d", cleaned)
	}
	if locks := service.ActiveLocks(); len(locks) != 1 || locks[0] != "res2" {
		t.Fatalf("unexpected active locks %v", locks)
	}
}

func TestShutdownReleasesAllLocks(t *testing.T) {
	service, store := newTestService(t, "instance-a")
	ctx := context.Background()

	for _, resource := range []string{"a", "b", "c"} {
		if err := service.Acquire(ctx, resource, time.Minute, 1); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	service.Shutdown(ctx)
	if len(service.ActiveLocks()) != 0 {
		t.Fatalf("all locks must be released on shutdown")
	}
	for _, resource := range []string{"a", "b", "c"} {
		if count, _ := store.Exists(ctx, "distributed_lock:"+resource); count != 0 {
			t.Fatalf("lock %q should be deleted", resource)
		}
	}
}
