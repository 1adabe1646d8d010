package calls

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"signaling-platform/internal/store"
)

// casRetries bounds the optimistic-concurrency loop in UpdateState. Contention
// on a single call is rare (two peers, a timer, and a sweep at most), so a
// handful of retries is plenty.
const casRetries = 4

// RecordStore provides CRUD plus TTL policy over call sessions.
//
// Concurrency: several server processes mutate the same records, so every
// write after creation is a value-guarded swap (store.KV.CompareAndSet). A
// writer that lost a race re-reads and re-validates against the state machine
// instead of clobbering the newer record.
type RecordStore struct {
	kv      store.KV
	ringTTL time.Duration
	clock   func() time.Time
}

func NewRecordStore(kv store.KV, ringTTL time.Duration) *RecordStore {
	if ringTTL <= 0 {
		ringTTL = store.RingTTL
	}
	return &RecordStore{kv: kv, ringTTL: ringTTL, clock: time.Now}
}

// WithClock makes record aging deterministic in tests.
func (s *RecordStore) WithClock(now func() time.Time) *RecordStore {
	s.clock = now
	return s
}

// Create writes a new RINGING record bounded by the ring TTL. Callers must
// invoke it exactly once per call id; reusing an id is an upstream logic
// error, not something the store defends against.
func (s *RecordStore) Create(ctx context.Context, callID, callerID, calleeID string, callType CallType) (Record, error) {
	if callID == "" || callerID == "" || calleeID == "" {
		return Record{}, ErrInvalidArgument
	}
	if !callType.Valid() {
		return Record{}, fmt.Errorf("%w: call type %q", ErrInvalidArgument, callType)
	}

	rec := Record{
		CallID:    callID,
		CallerID:  callerID,
		CalleeID:  calleeID,
		CallType:  callType,
		State:     StateRinging,
		CreatedAt: s.clock().UTC(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return Record{}, err
	}
	if err := s.kv.Set(ctx, store.KeyCall(callID), string(raw), s.ringTTL); err != nil {
		return Record{}, storeErr(err)
	}
	return rec, nil
}

// Get returns the stored record, or nil if absent.
//
// Self-healing: a RINGING record older than the ring window means its timer
// was lost (process restart, missed firing). Get deletes it and reports
// absent. The delete is guarded on the exact bytes read, so a concurrent
// accept cannot be clobbered.
func (s *RecordStore) Get(ctx context.Context, callID string) (*Record, error) {
	raw, rec, err := s.load(ctx, callID)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.State == StateRinging && s.clock().Sub(rec.CreatedAt) > s.ringTTL {
		_, _ = s.kv.CompareAndDelete(ctx, store.KeyCall(callID), raw)
		return nil, nil
	}
	return rec, nil
}

// UpdateState drives the call state machine.
//
// Returns the resulting record, whether this write performed the transition,
// and an error. Unknown call ids return (nil, false, nil) so duplicate or
// late events on expired calls are not treated as faults. A transition into
// a terminal state when the record is already terminal is an idempotent
// no-op returning the record unchanged — the same instruction can arrive
// twice via independent channels.
//
// TTL policy on write: ACCEPTED extends to the active-call TTL and stamps
// acceptedAt; any terminal state stamps endedAt and shrinks to the
// post-terminal grace window; anything else keeps the ring TTL.
func (s *RecordStore) UpdateState(ctx context.Context, callID string, next State) (*Record, bool, error) {
	if !next.Valid() {
		return nil, false, fmt.Errorf("%w: state %q", ErrInvalidArgument, next)
	}
	if next == StateRinging {
		return nil, false, fmt.Errorf("%w: RINGING is initial-only", ErrInvalidTransition)
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		raw, rec, err := s.load(ctx, callID)
		if err != nil {
			return nil, false, err
		}
		if rec == nil {
			return nil, false, nil
		}

		if rec.State.Terminal() {
			if next.Terminal() {
				return rec, false, nil
			}
			return nil, false, fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, rec.State)
		}
		if rec.State == next {
			return rec, false, nil
		}
		if !rec.State.CanTransition(next) {
			return nil, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.State, next)
		}

		now := s.clock().UTC()
		updated := *rec
		updated.State = next
		ttl := s.ringTTL
		switch {
		case next == StateAccepted:
			updated.AcceptedAt = &now
			ttl = store.ActiveCallTTL
		case next.Terminal():
			updated.EndedAt = &now
			ttl = store.TerminalGraceTTL
		}

		newRaw, err := json.Marshal(updated)
		if err != nil {
			return nil, false, err
		}
		ok, err := s.kv.CompareAndSet(ctx, store.KeyCall(callID), raw, string(newRaw), ttl)
		if err != nil {
			return nil, false, storeErr(err)
		}
		if ok {
			return &updated, true, nil
		}
		// Lost the race; re-read and re-validate.
	}
	return nil, false, fmt.Errorf("%w: contention on call %s", ErrStoreUnavailable, callID)
}

func (s *RecordStore) Delete(ctx context.Context, callID string) error {
	if err := s.kv.Del(ctx, store.KeyCall(callID)); err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *RecordStore) Exists(ctx context.Context, callID string) (bool, error) {
	ok, err := s.kv.Exists(ctx, store.KeyCall(callID))
	if err != nil {
		return false, storeErr(err)
	}
	return ok, nil
}

// Age returns how long ago the call was created.
func (s *RecordStore) Age(ctx context.Context, callID string) (time.Duration, error) {
	rec, err := s.Get(ctx, callID)
	if err != nil {
		return 0, err
	}
	if rec == nil {
		return 0, ErrNotFound
	}
	return s.clock().Sub(rec.CreatedAt), nil
}

// CleanupExpired sweeps all call keys and removes records whose computed
// expiry has passed. The store's native TTL is the primary mechanism; the
// sweep is a safety net for records that slipped through (TTL extension
// bugs, clock skew). A removed call also releases the pair lock it still
// holds, so a lock never outlives its call by more than one sweep period.
// Returns how many records were removed.
func (s *RecordStore) CleanupExpired(ctx context.Context) (int, error) {
	keys, err := s.kv.Scan(ctx, store.KeyCallPattern)
	if err != nil {
		return 0, storeErr(err)
	}

	now := s.clock()
	removed := 0
	for _, key := range keys {
		raw, found, err := s.kv.Get(ctx, key)
		if err != nil {
			return removed, storeErr(err)
		}
		if !found {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			// Malformed data never self-repairs; drop it rather than
			// letting a best-effort parse hide it.
			if ok, _ := s.kv.CompareAndDelete(ctx, key, raw); ok {
				removed++
			}
			continue
		}

		if now.Before(s.expiry(rec)) {
			continue
		}
		ok, err := s.kv.CompareAndDelete(ctx, key, raw)
		if err != nil {
			return removed, storeErr(err)
		}
		if ok {
			removed++
			_, _ = s.kv.CompareAndDelete(ctx, store.KeyPairLock(rec.CallerID, rec.CalleeID), rec.CallID)
		}
	}
	return removed, nil
}

// expiry computes when a record should be gone, mirroring the TTL policy.
func (s *RecordStore) expiry(rec Record) time.Time {
	switch {
	case rec.State == StateAccepted:
		at := rec.CreatedAt
		if rec.AcceptedAt != nil {
			at = *rec.AcceptedAt
		}
		return at.Add(store.ActiveCallTTL)
	case rec.State.Terminal():
		at := rec.CreatedAt
		if rec.EndedAt != nil {
			at = *rec.EndedAt
		}
		return at.Add(store.TerminalGraceTTL)
	default:
		return rec.CreatedAt.Add(s.ringTTL)
	}
}

// load fetches and decodes a record, returning the raw bytes for CAS use.
func (s *RecordStore) load(ctx context.Context, callID string) (string, *Record, error) {
	raw, found, err := s.kv.Get(ctx, store.KeyCall(callID))
	if err != nil {
		return "", nil, storeErr(err)
	}
	if !found {
		return "", nil, nil
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return "", nil, fmt.Errorf("decode call %s: %w", callID, err)
	}
	return raw, &rec, nil
}
