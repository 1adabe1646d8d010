package signaling

import (
	"context"
	"encoding/json"

	"signaling-platform/internal/calls"
)

// Inbound event names, delivered by the transport collaborator.
const (
	EventCallInitiate = "call_initiate"
	EventCallAccept   = "call_accept"
	EventCallReject   = "call_reject"
	EventCallCancel   = "call_cancel"
	EventCallEnd      = "call_end"
)

// Outbound event names, delivered to clients over the live connection.
const (
	EventCallInitiated = "call_initiated"
	EventIncomingCall  = "incoming_call"
	EventCallAccepted  = "call_accepted"
	EventCallRejected  = "call_rejected"
	EventCallCancelled = "call_cancelled"
	EventCallEnded     = "call_ended"
	EventCallTimeout   = "call_timeout"
	EventCallBusy      = "call_busy"
	EventCallError     = "call_error"
)

// InboundEvent is one call-related event from the transport collaborator.
type InboundEvent struct {
	Event              string          `json:"event"`
	Payload            json.RawMessage `json:"payload"`
	SenderConnectionID string          `json:"senderConnectionId"`
}

// Directive is one outbound delivery the transport must attempt over the
// live connection. Push, when set, is the fallback payload handed to the
// push collaborator if the target is absent past the reconnect-grace window
// or does not ack within the socket-ack timeout.
type Directive struct {
	TargetUserID string       `json:"targetUserId"`
	Event        string       `json:"event"`
	Payload      any          `json:"payload"`
	Push         *PushPayload `json:"push,omitempty"`
}

// Sink receives directives produced outside an inbound event's request
// cycle — ring timeouts and forced ends. The transport collaborator
// registers one.
type Sink interface {
	Deliver(ctx context.Context, directives []Directive)
}

type SinkFunc func(ctx context.Context, directives []Directive)

func (f SinkFunc) Deliver(ctx context.Context, directives []Directive) { f(ctx, directives) }

// Push payload kinds, matching the push collaborator contract.
const (
	PushIncomingCall  = "incoming_call"
	PushCallCancelled = "call_cancelled"
	PushCallEnded     = "call_ended"
	PushCallTimeout   = "call_timeout"
)

// PushPayload is the shape the push collaborator consumes.
type PushPayload struct {
	Kind         string         `json:"kind"`
	CallID       string         `json:"callId"`
	CallerID     string         `json:"callerId,omitempty"`
	CallerName   string         `json:"callerName,omitempty"`
	CallerAvatar string         `json:"callerAvatar,omitempty"`
	CallType     calls.CallType `json:"callType,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Timestamp    int64          `json:"timestamp"`
}

// ICEServer is one STUN/TURN endpoint entry handed to clients.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ICEProvider is the TURN/ICE collaborator. Implementations generate
// per-user server lists; a nil provider means clients use their defaults.
type ICEProvider interface {
	Servers(ctx context.Context, userID string) ([]ICEServer, error)
}

// --- inbound payloads ---

type initiatePayload struct {
	CalleeID     string         `json:"calleeId"`
	CallType     calls.CallType `json:"callType"`
	CallerName   string         `json:"callerName,omitempty"`
	CallerAvatar string         `json:"callerAvatar,omitempty"`
}

type callRefPayload struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

// --- outbound payloads ---

type callInitiatedPayload struct {
	CallID     string      `json:"callId"`
	CalleeID   string      `json:"calleeId"`
	Timestamp  int64       `json:"timestamp"`
	ICEServers []ICEServer `json:"iceServers,omitempty"`
}

type incomingCallPayload struct {
	CallID       string         `json:"callId"`
	CallerID     string         `json:"callerId"`
	CallerName   string         `json:"callerName,omitempty"`
	CallerAvatar string         `json:"callerAvatar,omitempty"`
	CallType     calls.CallType `json:"callType"`
	Timestamp    int64          `json:"timestamp"`
	ICEServers   []ICEServer    `json:"iceServers,omitempty"`
}

type callStatusPayload struct {
	CallID     string      `json:"callId"`
	Reason     string      `json:"reason,omitempty"`
	Timestamp  int64       `json:"timestamp"`
	ICEServers []ICEServer `json:"iceServers,omitempty"`
}

type callBusyPayload struct {
	CalleeID  string `json:"calleeId"`
	Timestamp int64  `json:"timestamp"`
}

type callErrorPayload struct {
	CallID    string `json:"callId,omitempty"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}
