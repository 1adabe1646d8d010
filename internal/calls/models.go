package calls

import "time"

// Record is the stored shape of a call session, keyed by call:<id>.
//
// Lifecycle invariant: RINGING is the only initial state, and a terminal
// state is final — once reached, the record may only be deleted or expire.
//
// JSON field names are camelCase for compatibility with records written by
// earlier deployments sharing the same keyspace.
type Record struct {
	CallID   string   `json:"callId"`
	CallerID string   `json:"callerId"`
	CalleeID string   `json:"calleeId"`
	CallType CallType `json:"callType"`
	State    State    `json:"state"`

	CreatedAt  time.Time  `json:"createdAt"`
	AcceptedAt *time.Time `json:"acceptedAt,omitempty"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
}

// OtherParty returns the peer of userID on this call.
func (r Record) OtherParty(userID string) (string, bool) {
	switch userID {
	case r.CallerID:
		return r.CalleeID, true
	case r.CalleeID:
		return r.CallerID, true
	default:
		return "", false
	}
}

type State string

const (
	StateRinging   State = "RINGING"
	StateAccepted  State = "ACCEPTED"
	StateEnded     State = "ENDED"
	StateCancelled State = "CANCELLED"
	StateTimeout   State = "TIMEOUT"
	StateRejected  State = "REJECTED"
)

func (s State) Valid() bool {
	switch s {
	case StateRinging, StateAccepted, StateEnded, StateCancelled, StateTimeout, StateRejected:
		return true
	default:
		return false
	}
}

// Terminal reports whether s permits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateEnded, StateCancelled, StateTimeout, StateRejected:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a call in state s may move to next.
//
// RINGING  -> ACCEPTED | REJECTED | CANCELLED | TIMEOUT
// ACCEPTED -> ENDED
func (s State) CanTransition(next State) bool {
	switch s {
	case StateRinging:
		switch next {
		case StateAccepted, StateRejected, StateCancelled, StateTimeout:
			return true
		}
	case StateAccepted:
		return next == StateEnded
	}
	return false
}

type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}
