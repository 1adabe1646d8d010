package calls

import (
	"context"
	"errors"
	"testing"
	"time"

	"signaling-platform/internal/store"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore() (*RecordStore, *store.Memory, *testClock) {
	clk := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	kv := store.NewMemoryWithClock(clk.Now)
	rs := NewRecordStore(kv, store.RingTTL).WithClock(clk.Now)
	return rs, kv, clk
}

func TestCreateThenGet(t *testing.T) {
	rs, _, _ := newTestStore()
	ctx := context.Background()

	created, err := rs.Create(ctx, "c1", "u1", "u2", CallTypeAudio)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.State != StateRinging {
		t.Fatalf("expected RINGING, got %s", created.State)
	}

	rec, err := rs.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec == nil {
		t.Fatalf("expected record")
	}
	if rec.CallerID != "u1" || rec.CalleeID != "u2" || rec.CallType != CallTypeAudio {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.CreatedAt.IsZero() {
		t.Fatalf("expected createdAt set")
	}
}

func TestCreate_RejectsInvalidArgs(t *testing.T) {
	rs, _, _ := newTestStore()
	ctx := context.Background()

	if _, err := rs.Create(ctx, "", "u1", "u2", CallTypeAudio); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := rs.Create(ctx, "c1", "u1", "u2", CallType("group")); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for call type, got %v", err)
	}
}

func TestGet_ExpiresAfterRingTTL(t *testing.T) {
	rs, _, clk := newTestStore()
	ctx := context.Background()

	if _, err := rs.Create(ctx, "c1", "u1", "u2", CallTypeAudio); err != nil {
		t.Fatalf("create: %v", err)
	}
	clk.Advance(61 * time.Second)

	rec, err := rs.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil after ring TTL, got %+v", rec)
	}
}

func TestGet_SelfHealsLostTimer(t *testing.T) {
	rs, kv, clk := newTestStore()
	ctx := context.Background()

	// A record with a long store TTL but a stale RINGING state simulates a
	// TTL-extension bug after a missed timer firing.
	rec, _ := rs.Create(ctx, "c1", "u1", "u2", CallTypeVideo)
	_ = rec
	_ = kv.Expire(ctx, store.KeyCall("c1"), time.Hour)
	clk.Advance(2 * time.Minute)

	got, err := rs.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected self-healed nil, got %+v", got)
	}
	if ok, _ := kv.Exists(ctx, store.KeyCall("c1")); ok {
		t.Fatalf("expected stale record deleted from store")
	}
}

func TestUpdateState_AcceptExtendsTTL(t *testing.T) {
	rs, _, clk := newTestStore()
	ctx := context.Background()

	_, _ = rs.Create(ctx, "c1", "u1", "u2", CallTypeAudio)
	rec, applied, err := rs.UpdateState(ctx, "c1", StateAccepted)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !applied {
		t.Fatalf("expected transition applied")
	}
	if rec.State != StateAccepted || rec.AcceptedAt == nil {
		t.Fatalf("expected ACCEPTED with acceptedAt, got %+v", rec)
	}

	// Protected by the active-call TTL well past the ring window.
	clk.Advance(61 * time.Second)
	got, err := rs.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.State != StateAccepted {
		t.Fatalf("expected accepted record to survive ring TTL, got %+v", got)
	}
}

func TestUpdateState_TerminalShrinksToGrace(t *testing.T) {
	rs, _, clk := newTestStore()
	ctx := context.Background()

	_, _ = rs.Create(ctx, "c1", "u1", "u2", CallTypeAudio)
	_, _, _ = rs.UpdateState(ctx, "c1", StateAccepted)
	rec, applied, err := rs.UpdateState(ctx, "c1", StateEnded)
	if err != nil || !applied {
		t.Fatalf("end: applied=%v err=%v", applied, err)
	}
	if rec.EndedAt == nil {
		t.Fatalf("expected endedAt set")
	}

	// Still recognizable as "already finished" inside the grace window.
	clk.Advance(10 * time.Second)
	got, _ := rs.Get(ctx, "c1")
	if got == nil || got.State != StateEnded {
		t.Fatalf("expected ENDED inside grace window, got %+v", got)
	}

	clk.Advance(21 * time.Second)
	got, _ = rs.Get(ctx, "c1")
	if got != nil {
		t.Fatalf("expected nil after grace window, got %+v", got)
	}
}

func TestUpdateState_UnknownCallIsNil(t *testing.T) {
	rs, _, _ := newTestStore()

	rec, applied, err := rs.UpdateState(context.Background(), "unknown-id", StateAccepted)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if rec != nil || applied {
		t.Fatalf("expected nil record and no transition")
	}
}

func TestUpdateState_TerminalIsIdempotent(t *testing.T) {
	rs, _, _ := newTestStore()
	ctx := context.Background()

	_, _ = rs.Create(ctx, "c1", "u1", "u2", CallTypeAudio)
	_, _, _ = rs.UpdateState(ctx, "c1", StateCancelled)

	// Same instruction arriving again via an independent channel.
	rec, applied, err := rs.UpdateState(ctx, "c1", StateCancelled)
	if err != nil {
		t.Fatalf("duplicate cancel: %v", err)
	}
	if applied {
		t.Fatalf("expected idempotent no-op")
	}
	if rec == nil || rec.State != StateCancelled {
		t.Fatalf("expected unchanged CANCELLED record, got %+v", rec)
	}

	// A different terminal instruction is also swallowed.
	rec, applied, err = rs.UpdateState(ctx, "c1", StateTimeout)
	if err != nil || applied {
		t.Fatalf("expected no-op, applied=%v err=%v", applied, err)
	}
	if rec.State != StateCancelled {
		t.Fatalf("terminal state must not change, got %s", rec.State)
	}
}

func TestUpdateState_RejectsInvalidTransitions(t *testing.T) {
	rs, _, _ := newTestStore()
	ctx := context.Background()

	_, _ = rs.Create(ctx, "c1", "u1", "u2", CallTypeAudio)

	// RINGING -> ENDED skips ACCEPTED.
	if _, _, err := rs.UpdateState(ctx, "c1", StateEnded); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	// ACCEPTED after ENDED is a stale write.
	_, _, _ = rs.UpdateState(ctx, "c1", StateAccepted)
	_, _, _ = rs.UpdateState(ctx, "c1", StateEnded)
	if _, _, err := rs.UpdateState(ctx, "c1", StateAccepted); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for terminal->ACCEPTED, got %v", err)
	}
}

func TestUpdateState_StaleWriterLosesCAS(t *testing.T) {
	rs, kv, _ := newTestStore()
	ctx := context.Background()

	_, _ = rs.Create(ctx, "c1", "u1", "u2", CallTypeAudio)

	// Another process ends the call between our read and our write: mutate
	// the stored bytes out from under a second RecordStore sharing the KV.
	other := NewRecordStore(kv, store.RingTTL)
	_, _, _ = other.UpdateState(ctx, "c1", StateAccepted)
	_, _, _ = other.UpdateState(ctx, "c1", StateEnded)

	// A stale ACCEPTED arriving now must be rejected, not applied.
	_, applied, err := rs.UpdateState(ctx, "c1", StateAccepted)
	if applied {
		t.Fatalf("stale ACCEPTED must not overwrite ENDED")
	}
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestAge(t *testing.T) {
	rs, _, clk := newTestStore()
	ctx := context.Background()

	_, _ = rs.Create(ctx, "c1", "u1", "u2", CallTypeAudio)
	clk.Advance(10 * time.Second)
	age, err := rs.Age(ctx, "c1")
	if err != nil {
		t.Fatalf("age: %v", err)
	}
	if age != 10*time.Second {
		t.Fatalf("expected 10s, got %s", age)
	}

	if _, err := rs.Age(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCleanupExpired_RemovesAndReleasesLock(t *testing.T) {
	rs, kv, clk := newTestStore()
	ctx := context.Background()
	locks := NewPairLock(kv, store.RingTTL)

	_, _ = rs.Create(ctx, "c1", "u1", "u2", CallTypeAudio)
	if ok, _ := locks.Acquire(ctx, "u1", "u2", "c1"); !ok {
		t.Fatalf("expected lock acquired")
	}
	// Pin both keys past their native TTL to simulate slipped-through state.
	_ = kv.Expire(ctx, store.KeyCall("c1"), time.Hour)
	_ = kv.Expire(ctx, store.KeyPairLock("u1", "u2"), time.Hour)

	clk.Advance(5 * time.Minute)
	removed, err := rs.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, held, _ := locks.Holder(ctx, "u1", "u2"); held {
		t.Fatalf("expected pair lock released with its call")
	}
}

func TestCleanupExpired_KeepsLiveCalls(t *testing.T) {
	rs, _, clk := newTestStore()
	ctx := context.Background()

	_, _ = rs.Create(ctx, "c1", "u1", "u2", CallTypeAudio)
	_, _, _ = rs.UpdateState(ctx, "c1", StateAccepted)
	clk.Advance(30 * time.Minute)

	removed, err := rs.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected live accepted call kept, removed %d", removed)
	}
}

func TestCleanupExpired_DropsMalformedRecords(t *testing.T) {
	rs, kv, _ := newTestStore()
	ctx := context.Background()

	_ = kv.Set(ctx, store.KeyCall("bad"), "not-json", time.Hour)
	removed, err := rs.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected malformed record dropped, removed %d", removed)
	}
}

func TestEndToEndLifecycle(t *testing.T) {
	rs, _, clk := newTestStore()
	ctx := context.Background()

	if _, err := rs.Create(ctx, "abc123", "u1", "u2", CallTypeAudio); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, applied, err := rs.UpdateState(ctx, "abc123", StateAccepted); err != nil || !applied {
		t.Fatalf("accept: applied=%v err=%v", applied, err)
	}
	if _, applied, err := rs.UpdateState(ctx, "abc123", StateEnded); err != nil || !applied {
		t.Fatalf("end: applied=%v err=%v", applied, err)
	}

	rec, err := rs.Get(ctx, "abc123")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec == nil || rec.State != StateEnded || rec.EndedAt == nil {
		t.Fatalf("expected ENDED with endedAt, got %+v", rec)
	}

	clk.Advance(31 * time.Second)
	rec, err = rs.Get(ctx, "abc123")
	if err != nil {
		t.Fatalf("get after grace: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil after grace window, got %+v", rec)
	}
}
