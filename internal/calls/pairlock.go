package calls

import (
	"context"
	"time"

	"signaling-platform/internal/store"
)

// PairLock serializes call setup between an unordered pair of users so that
// two simultaneous dials (glare) cannot produce two live call records.
//
// Acquisition is a single atomic set-if-absent with the ring TTL — never a
// read-then-write sequence, which would let two processes both believe they
// hold the lock. Tie-break under glare is therefore "first write wins": the
// call whose lock lands first proceeds and the other initiator is told busy.
type PairLock struct {
	kv  store.KV
	ttl time.Duration
}

func NewPairLock(kv store.KV, ringTTL time.Duration) *PairLock {
	if ringTTL <= 0 {
		ringTTL = store.RingTTL
	}
	return &PairLock{kv: kv, ttl: ringTTL}
}

// Acquire claims the pair for callID. Reports false when another call
// already holds the pair.
func (l *PairLock) Acquire(ctx context.Context, userA, userB, callID string) (bool, error) {
	if userA == "" || userB == "" || callID == "" {
		return false, ErrInvalidArgument
	}
	ok, err := l.kv.SetNX(ctx, store.KeyPairLock(userA, userB), callID, l.ttl)
	if err != nil {
		return false, storeErr(err)
	}
	return ok, nil
}

// Release frees the lock only if callID still holds it. Releasing a lock
// that expired or was re-acquired by a newer call is a no-op.
func (l *PairLock) Release(ctx context.Context, userA, userB, callID string) error {
	_, err := l.kv.CompareAndDelete(ctx, store.KeyPairLock(userA, userB), callID)
	if err != nil {
		return storeErr(err)
	}
	return nil
}

// Holder returns the call id currently holding the pair, if any.
func (l *PairLock) Holder(ctx context.Context, userA, userB string) (string, bool, error) {
	v, ok, err := l.kv.Get(ctx, store.KeyPairLock(userA, userB))
	if err != nil {
		return "", false, storeErr(err)
	}
	return v, ok, nil
}
