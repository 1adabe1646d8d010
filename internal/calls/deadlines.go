package calls

import (
	"context"
	"sync"
	"time"

	"signaling-platform/internal/store"
)

// DeadlineManager owns the per-process timers that drive ring-timeout and
// max-duration transitions.
//
// Timers are a latency optimization, not a correctness guarantee: they live
// only in process memory and do not survive a restart. The record's store
// TTL plus the periodic sweep are the durability backstop — a call whose
// timer is lost still disappears from the store and reads as gone.
//
// Alongside each timer a timeout:call:<id> marker is written so other
// processes can observe that a deadline is pending.
type DeadlineManager struct {
	kv store.KV

	ringTimeout     time.Duration
	maxCallDuration time.Duration

	mu     sync.Mutex
	timers map[string]*deadlineEntry
}

type deadlineEntry struct {
	timer *time.Timer
}

type DeadlineConfig struct {
	// RingTimeout is how long a call may ring unanswered. Default 45s.
	RingTimeout time.Duration
	// MaxCallDuration force-ends calls that run too long. Default 1h.
	MaxCallDuration time.Duration
}

func NewDeadlineManager(kv store.KV, cfg DeadlineConfig) *DeadlineManager {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 45 * time.Second
	}
	if cfg.MaxCallDuration <= 0 {
		cfg.MaxCallDuration = time.Hour
	}
	return &DeadlineManager{
		kv:              kv,
		ringTimeout:     cfg.RingTimeout,
		maxCallDuration: cfg.MaxCallDuration,
		timers:          make(map[string]*deadlineEntry),
	}
}

// ScheduleRing arms the ring deadline for callID. fire runs on the timer
// goroutine only after the entry has been removed from the table, so a late
// Cancel is a no-op and the same timer cannot fire twice.
func (m *DeadlineManager) ScheduleRing(ctx context.Context, callID string, fire func(callID string)) {
	m.schedule(ctx, callID, m.ringTimeout, fire)
}

// ScheduleMaxDuration arms the force-end deadline for an accepted call.
// A call holds at most one deadline, so this replaces any ring timer.
func (m *DeadlineManager) ScheduleMaxDuration(ctx context.Context, callID string, fire func(callID string)) {
	m.schedule(ctx, callID, m.maxCallDuration, fire)
}

func (m *DeadlineManager) schedule(ctx context.Context, callID string, d time.Duration, fire func(callID string)) {
	entry := &deadlineEntry{}
	entry.timer = time.AfterFunc(d, func() {
		m.mu.Lock()
		cur, ok := m.timers[callID]
		if !ok || cur != entry {
			// Cancelled or replaced while the callback was queued.
			m.mu.Unlock()
			return
		}
		delete(m.timers, callID)
		m.mu.Unlock()

		_ = m.kv.Del(context.Background(), store.KeyCallDeadline(callID))
		fire(callID)
	})

	m.mu.Lock()
	if old, ok := m.timers[callID]; ok {
		old.timer.Stop()
	}
	m.timers[callID] = entry
	m.mu.Unlock()

	_ = m.kv.Set(ctx, store.KeyCallDeadline(callID), callID, d)
}

// Cancel discards the pending deadline for callID. Best-effort and
// idempotent: cancelling twice, or cancelling a timer that already fired,
// is a no-op.
func (m *DeadlineManager) Cancel(ctx context.Context, callID string) {
	m.mu.Lock()
	entry, ok := m.timers[callID]
	if ok {
		entry.timer.Stop()
		delete(m.timers, callID)
	}
	m.mu.Unlock()

	if ok {
		_ = m.kv.Del(ctx, store.KeyCallDeadline(callID))
	}
}

// ClearAll cancels every pending timer. Used at process shutdown; safe to
// call multiple times.
func (m *DeadlineManager) ClearAll() {
	m.mu.Lock()
	for id, entry := range m.timers {
		entry.timer.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()
}

// Pending returns the number of armed timers.
func (m *DeadlineManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}
