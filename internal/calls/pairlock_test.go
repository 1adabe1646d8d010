package calls

import (
	"context"
	"testing"
	"time"

	"signaling-platform/internal/store"
)

func TestPairLock_GlareResolvesToOneHolder(t *testing.T) {
	kv := store.NewMemory()
	locks := NewPairLock(kv, store.RingTTL)
	ctx := context.Background()

	// A calls B and B calls A at nearly the same instant; both attempts
	// land on the same sorted key.
	gotAB, err := locks.Acquire(ctx, "alice", "bob", "call-ab")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	gotBA, err := locks.Acquire(ctx, "bob", "alice", "call-ba")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if gotAB == gotBA {
		t.Fatalf("expected exactly one winner, got ab=%v ba=%v", gotAB, gotBA)
	}

	holder, held, err := locks.Holder(ctx, "bob", "alice")
	if err != nil || !held {
		t.Fatalf("expected holder, held=%v err=%v", held, err)
	}
	if holder != "call-ab" {
		t.Fatalf("expected first writer to win, holder=%q", holder)
	}
}

func TestPairLock_ReleaseIsGuardedByHolder(t *testing.T) {
	kv := store.NewMemory()
	locks := NewPairLock(kv, store.RingTTL)
	ctx := context.Background()

	_, _ = locks.Acquire(ctx, "alice", "bob", "call-1")

	// A stale release from a different call must not free the lock.
	if err := locks.Release(ctx, "alice", "bob", "call-0"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, held, _ := locks.Holder(ctx, "alice", "bob"); !held {
		t.Fatalf("expected lock still held after stale release")
	}

	if err := locks.Release(ctx, "alice", "bob", "call-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, held, _ := locks.Holder(ctx, "alice", "bob"); held {
		t.Fatalf("expected lock released by holder")
	}

	// Releasing again is a no-op.
	if err := locks.Release(ctx, "alice", "bob", "call-1"); err != nil {
		t.Fatalf("double release: %v", err)
	}
}

func TestPairLock_ExpiresWithRingWindow(t *testing.T) {
	clk := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	kv := store.NewMemoryWithClock(clk.Now)
	locks := NewPairLock(kv, store.RingTTL)
	ctx := context.Background()

	_, _ = locks.Acquire(ctx, "alice", "bob", "call-1")
	clk.Advance(61 * time.Second)

	ok, err := locks.Acquire(ctx, "alice", "bob", "call-2")
	if err != nil || !ok {
		t.Fatalf("expected acquisition after natural expiry, ok=%v err=%v", ok, err)
	}
}

func TestPairLock_RejectsEmptyArgs(t *testing.T) {
	locks := NewPairLock(store.NewMemory(), store.RingTTL)
	if _, err := locks.Acquire(context.Background(), "", "bob", "c"); err == nil {
		t.Fatalf("expected error")
	}
}
