package store

import "time"

// Keyspace shared with previous deployments of the signaling backend.
// Other processes (and the push collaborator) read these keys directly,
// so the names and TTLs below are a compatibility contract, not a choice.

const (
	// SessionTTL bounds user session and socket mappings.
	SessionTTL = 24 * time.Hour
	// RingTTL bounds an unanswered RINGING record and its pair lock.
	RingTTL = 60 * time.Second
	// ActiveCallTTL bounds an ACCEPTED record and active-call markers.
	ActiveCallTTL = 2 * time.Hour
	// TerminalGraceTTL keeps a finished record around long enough for
	// duplicate/late events to be recognized as "already finished".
	TerminalGraceTTL = 30 * time.Second
	// PushTokenTTL bounds voip/fcm token records.
	PushTokenTTL = 30 * 24 * time.Hour
)

// KeyCallPattern matches every call record key for sweep scans.
const KeyCallPattern = "call:*"

func KeyUserSession(userID string) string { return "session:user:" + userID }

// KeySocketByUser maps a user id to its live connection id.
func KeySocketByUser(userID string) string { return "socket:user:" + userID }

// KeyUserBySocket is the reverse mapping, connection id to user id.
func KeyUserBySocket(connectionID string) string { return "user:socket:" + connectionID }

func KeyCall(callID string) string { return "call:" + callID }

// KeyCallDeadline marks a pending ring deadline so other processes can
// observe it. The in-process timer table remains authoritative.
func KeyCallDeadline(callID string) string { return "timeout:call:" + callID }

func KeyVoipToken(userID string) string { return "voip:token:" + userID }

func KeyFCMToken(userID string) string { return "fcm:token:" + userID }

func KeyActiveCall(userID string) string { return "active-call:user:" + userID }

func KeyReconnectGrace(userID string) string { return "reconnect-grace:" + userID }

// KeyPairLock is order-independent: the pair is sorted so that a call from
// A to B and a call from B to A contend on the same key.
func KeyPairLock(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return "pairlock:" + userA + ":" + userB
}
