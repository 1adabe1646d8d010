package calls

import "errors"

var (
	// ErrNotFound means the call id does not exist (or has expired).
	// Callers report it as "call not found", never as an internal fault.
	ErrNotFound = errors.New("call not found")

	// ErrInvalidTransition means the requested state change is not allowed
	// by the lifecycle. Callers acknowledge it as a no-op.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrStoreUnavailable wraps a session-store failure. Mutations fail
	// fast and are retryable by the initiator; no partial writes occur.
	ErrStoreUnavailable = errors.New("session store unavailable")

	ErrInvalidArgument = errors.New("invalid argument")
)

func storeErr(err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(ErrStoreUnavailable, err)
}
