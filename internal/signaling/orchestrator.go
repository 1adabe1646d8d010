package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"signaling-platform/internal/calls"
	"signaling-platform/internal/presence"

	"github.com/google/uuid"
)

// Orchestrator validates inbound signaling events against the call state
// machine and turns them into store mutations plus outbound directives.
//
// It is logically single-threaded per event (one dispatch per inbound
// event), but multiple orchestrator processes share one store; every
// decision that spans processes goes through the store's conditional
// primitives, never a read-then-write sequence. Construct one per process
// with injected services — there are no package-level singletons, so test
// doubles and multiple instances coexist.
type Orchestrator struct {
	records   *calls.RecordStore
	locks     *calls.PairLock
	deadlines *calls.DeadlineManager
	presence  *presence.Registry
	sink      Sink
	ice       ICEProvider

	log       *slog.Logger
	clock     func() time.Time
	newCallID func() string
}

type Options struct {
	// ICE supplies per-user ICE server lists; nil disables the field.
	ICE ICEProvider
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Clock and NewCallID are injectable for deterministic tests.
	Clock     func() time.Time
	NewCallID func() string
}

func New(records *calls.RecordStore, locks *calls.PairLock, deadlines *calls.DeadlineManager, reg *presence.Registry, sink Sink, opts Options) *Orchestrator {
	o := &Orchestrator{
		records:   records,
		locks:     locks,
		deadlines: deadlines,
		presence:  reg,
		sink:      sink,
		ice:       opts.ICE,
		log:       opts.Logger,
		clock:     opts.Clock,
		newCallID: opts.NewCallID,
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.clock == nil {
		o.clock = time.Now
	}
	if o.newCallID == nil {
		o.newCallID = uuid.NewString
	}
	if o.sink == nil {
		o.sink = SinkFunc(func(context.Context, []Directive) {})
	}
	return o
}

// HandleEvent processes one inbound event and returns the directives the
// transport must deliver. A nil directive slice with a nil error means the
// event was acknowledged as a no-op (duplicate or stale instruction).
func (o *Orchestrator) HandleEvent(ctx context.Context, ev InboundEvent) ([]Directive, error) {
	senderID, ok, err := o.presence.UserFor(ctx, ev.SenderConnectionID)
	if err != nil {
		return nil, fmt.Errorf("resolve sender: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("unknown connection %q", ev.SenderConnectionID)
	}

	switch ev.Event {
	case EventCallInitiate:
		return o.handleInitiate(ctx, senderID, ev.Payload)
	case EventCallAccept:
		return o.handleAccept(ctx, senderID, ev.Payload)
	case EventCallReject:
		return o.handleReject(ctx, senderID, ev.Payload)
	case EventCallCancel:
		return o.handleCancel(ctx, senderID, ev.Payload)
	case EventCallEnd:
		return o.handleEnd(ctx, senderID, ev.Payload)
	default:
		o.log.Warn("unknown signaling event", "event", ev.Event, "user_id", senderID)
		return nil, nil
	}
}

// HandleDisconnect is called by the transport when a connection drops. It
// arms the reconnect-grace window rather than declaring the user offline;
// undelivered directives fall back to push via the normal ack-timeout path.
func (o *Orchestrator) HandleDisconnect(ctx context.Context, connectionID string) error {
	userID, err := o.presence.UnregisterConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	if userID != "" {
		o.log.Debug("connection dropped, grace armed", "user_id", userID)
	}
	return nil
}

func (o *Orchestrator) handleInitiate(ctx context.Context, callerID string, payload json.RawMessage) ([]Directive, error) {
	var p initiatePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.CalleeID == "" || !p.CallType.Valid() {
		return o.errorTo(callerID, "", "invalid call_initiate payload", false), nil
	}
	if p.CalleeID == callerID {
		return o.errorTo(callerID, "", "cannot call yourself", false), nil
	}

	callID := o.newCallID()

	acquired, err := o.locks.Acquire(ctx, callerID, p.CalleeID, callID)
	if err != nil {
		o.log.Error("pair lock acquire failed", "call_id", callID, "err", err)
		return o.errorTo(callerID, callID, "failed to connect", true), nil
	}
	if !acquired {
		// Glare or an unresolved earlier call: the lock holder proceeds,
		// this initiator is told busy.
		return []Directive{{
			TargetUserID: callerID,
			Event:        EventCallBusy,
			Payload:      callBusyPayload{CalleeID: p.CalleeID, Timestamp: o.nowMillis()},
		}}, nil
	}

	rec, err := o.records.Create(ctx, callID, callerID, p.CalleeID, p.CallType)
	if err != nil {
		_ = o.locks.Release(ctx, callerID, p.CalleeID, callID)
		o.log.Error("call create failed", "call_id", callID, "err", err)
		return o.errorTo(callerID, callID, "failed to connect", true), nil
	}

	o.deadlines.ScheduleRing(ctx, callID, o.onRingDeadline)

	ts := o.nowMillis()
	return []Directive{
		{
			TargetUserID: callerID,
			Event:        EventCallInitiated,
			Payload: callInitiatedPayload{
				CallID:     callID,
				CalleeID:   p.CalleeID,
				Timestamp:  ts,
				ICEServers: o.iceFor(ctx, callerID),
			},
		},
		{
			TargetUserID: p.CalleeID,
			Event:        EventIncomingCall,
			Payload: incomingCallPayload{
				CallID:       callID,
				CallerID:     callerID,
				CallerName:   p.CallerName,
				CallerAvatar: p.CallerAvatar,
				CallType:     rec.CallType,
				Timestamp:    ts,
				ICEServers:   o.iceFor(ctx, p.CalleeID),
			},
			Push: &PushPayload{
				Kind:         PushIncomingCall,
				CallID:       callID,
				CallerID:     callerID,
				CallerName:   p.CallerName,
				CallerAvatar: p.CallerAvatar,
				CallType:     rec.CallType,
				Timestamp:    ts,
			},
		},
	}, nil
}

func (o *Orchestrator) handleAccept(ctx context.Context, senderID string, payload json.RawMessage) ([]Directive, error) {
	p, ds := o.parseRef(senderID, payload)
	if ds != nil {
		return ds, nil
	}

	rec, err := o.records.Get(ctx, p.CallID)
	if ds, handled := o.lookupFailure(senderID, p.CallID, rec, err); handled {
		return ds, nil
	}
	if senderID != rec.CalleeID {
		return o.errorTo(senderID, p.CallID, "not the callee for this call", false), nil
	}

	updated, applied, err := o.records.UpdateState(ctx, p.CallID, calls.StateAccepted)
	if ds, handled := o.mutateFailure(senderID, p.CallID, updated, err); handled {
		return ds, nil
	}
	if !applied {
		// Already accepted, or finished through another channel.
		o.log.Debug("duplicate accept swallowed", "call_id", p.CallID, "state", updated.State)
		return nil, nil
	}

	// Whoever drives a transition out of RINGING cancels the ring timer.
	o.deadlines.Cancel(ctx, p.CallID)
	o.deadlines.ScheduleMaxDuration(ctx, p.CallID, o.onMaxDurationDeadline)
	_ = o.locks.Release(ctx, updated.CallerID, updated.CalleeID, p.CallID)
	_ = o.presence.SetActiveCall(ctx, updated.CallerID, p.CallID)
	_ = o.presence.SetActiveCall(ctx, updated.CalleeID, p.CallID)

	ts := o.nowMillis()
	return []Directive{
		{
			TargetUserID: updated.CallerID,
			Event:        EventCallAccepted,
			Payload:      callStatusPayload{CallID: p.CallID, Timestamp: ts, ICEServers: o.iceFor(ctx, updated.CallerID)},
		},
		{
			TargetUserID: updated.CalleeID,
			Event:        EventCallAccepted,
			Payload:      callStatusPayload{CallID: p.CallID, Timestamp: ts, ICEServers: o.iceFor(ctx, updated.CalleeID)},
		},
	}, nil
}

func (o *Orchestrator) handleReject(ctx context.Context, senderID string, payload json.RawMessage) ([]Directive, error) {
	p, ds := o.parseRef(senderID, payload)
	if ds != nil {
		return ds, nil
	}

	rec, err := o.records.Get(ctx, p.CallID)
	if ds, handled := o.lookupFailure(senderID, p.CallID, rec, err); handled {
		return ds, nil
	}
	if senderID != rec.CalleeID {
		return o.errorTo(senderID, p.CallID, "not the callee for this call", false), nil
	}

	updated, applied, err := o.records.UpdateState(ctx, p.CallID, calls.StateRejected)
	if ds, handled := o.mutateFailure(senderID, p.CallID, updated, err); handled {
		return ds, nil
	}
	if !applied {
		return nil, nil
	}

	o.deadlines.Cancel(ctx, p.CallID)
	_ = o.locks.Release(ctx, updated.CallerID, updated.CalleeID, p.CallID)

	// The caller is live mid-dial; no push fallback for rejection.
	return []Directive{{
		TargetUserID: updated.CallerID,
		Event:        EventCallRejected,
		Payload:      callStatusPayload{CallID: p.CallID, Reason: p.Reason, Timestamp: o.nowMillis()},
	}}, nil
}

func (o *Orchestrator) handleCancel(ctx context.Context, senderID string, payload json.RawMessage) ([]Directive, error) {
	p, ds := o.parseRef(senderID, payload)
	if ds != nil {
		return ds, nil
	}

	rec, err := o.records.Get(ctx, p.CallID)
	if ds, handled := o.lookupFailure(senderID, p.CallID, rec, err); handled {
		return ds, nil
	}
	if senderID != rec.CallerID {
		return o.errorTo(senderID, p.CallID, "not the caller for this call", false), nil
	}

	updated, applied, err := o.records.UpdateState(ctx, p.CallID, calls.StateCancelled)
	if ds, handled := o.mutateFailure(senderID, p.CallID, updated, err); handled {
		return ds, nil
	}
	if !applied {
		return nil, nil
	}

	o.deadlines.Cancel(ctx, p.CallID)
	_ = o.locks.Release(ctx, updated.CallerID, updated.CalleeID, p.CallID)

	ts := o.nowMillis()
	return []Directive{{
		TargetUserID: updated.CalleeID,
		Event:        EventCallCancelled,
		Payload:      callStatusPayload{CallID: p.CallID, Timestamp: ts},
		Push:         &PushPayload{Kind: PushCallCancelled, CallID: p.CallID, Timestamp: ts},
	}}, nil
}

func (o *Orchestrator) handleEnd(ctx context.Context, senderID string, payload json.RawMessage) ([]Directive, error) {
	p, ds := o.parseRef(senderID, payload)
	if ds != nil {
		return ds, nil
	}

	rec, err := o.records.Get(ctx, p.CallID)
	if ds, handled := o.lookupFailure(senderID, p.CallID, rec, err); handled {
		return ds, nil
	}
	peer, isParty := rec.OtherParty(senderID)
	if !isParty {
		return o.errorTo(senderID, p.CallID, "not a participant of this call", false), nil
	}

	updated, applied, err := o.records.UpdateState(ctx, p.CallID, calls.StateEnded)
	if errors.Is(err, calls.ErrInvalidTransition) {
		// Ending a still-ringing call is a client-state mismatch; ignore.
		o.log.Debug("end ignored", "call_id", p.CallID, "err", err)
		return nil, nil
	}
	if ds, handled := o.mutateFailure(senderID, p.CallID, updated, err); handled {
		return ds, nil
	}
	if !applied {
		return nil, nil
	}

	o.finishCall(ctx, updated)

	reason := p.Reason
	if reason == "" {
		reason = "remote_hangup"
	}
	ts := o.nowMillis()
	return []Directive{
		{
			TargetUserID: peer,
			Event:        EventCallEnded,
			Payload:      callStatusPayload{CallID: p.CallID, Reason: reason, Timestamp: ts},
			Push:         &PushPayload{Kind: PushCallEnded, CallID: p.CallID, Reason: reason, Timestamp: ts},
		},
		{
			TargetUserID: senderID,
			Event:        EventCallEnded,
			Payload:      callStatusPayload{CallID: p.CallID, Reason: "local_hangup", Timestamp: ts},
		},
	}, nil
}

// onRingDeadline fires when a call rings unanswered past the ring timeout.
// The CAS inside UpdateState guarantees at most one process performs the
// transition, so firing the same deadline logic twice cannot double-notify.
func (o *Orchestrator) onRingDeadline(callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec, applied, err := o.records.UpdateState(ctx, callID, calls.StateTimeout)
	if err != nil {
		o.log.Error("ring timeout transition failed", "call_id", callID, "err", err)
		return
	}
	if rec == nil || !applied {
		// Resolved through accept/reject/cancel, or already expired.
		return
	}
	_ = o.locks.Release(ctx, rec.CallerID, rec.CalleeID, callID)

	ts := o.nowMillis()
	o.sink.Deliver(ctx, []Directive{
		{
			TargetUserID: rec.CallerID,
			Event:        EventCallTimeout,
			Payload:      callStatusPayload{CallID: callID, Reason: "unanswered", Timestamp: ts},
		},
		{
			TargetUserID: rec.CalleeID,
			Event:        EventCallTimeout,
			Payload:      callStatusPayload{CallID: callID, Reason: "unanswered", Timestamp: ts},
			Push:         &PushPayload{Kind: PushCallTimeout, CallID: callID, Timestamp: ts},
		},
	})
}

// onMaxDurationDeadline force-ends calls that hit the configured ceiling.
func (o *Orchestrator) onMaxDurationDeadline(callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec, applied, err := o.records.UpdateState(ctx, callID, calls.StateEnded)
	if err != nil {
		o.log.Error("max duration transition failed", "call_id", callID, "err", err)
		return
	}
	if rec == nil || !applied {
		return
	}
	o.finishCall(ctx, rec)

	ts := o.nowMillis()
	var ds []Directive
	for _, userID := range []string{rec.CallerID, rec.CalleeID} {
		ds = append(ds, Directive{
			TargetUserID: userID,
			Event:        EventCallEnded,
			Payload:      callStatusPayload{CallID: callID, Reason: "max_duration", Timestamp: ts},
			Push:         &PushPayload{Kind: PushCallEnded, CallID: callID, Reason: "max_duration", Timestamp: ts},
		})
	}
	o.sink.Deliver(ctx, ds)
}

// finishCall releases per-call housekeeping after a terminal transition out
// of ACCEPTED.
func (o *Orchestrator) finishCall(ctx context.Context, rec *calls.Record) {
	o.deadlines.Cancel(ctx, rec.CallID)
	_ = o.presence.ClearActiveCall(ctx, rec.CallerID, rec.CallID)
	_ = o.presence.ClearActiveCall(ctx, rec.CalleeID, rec.CallID)
}

// parseRef decodes a {callId} payload, returning error directives on junk.
func (o *Orchestrator) parseRef(senderID string, payload json.RawMessage) (callRefPayload, []Directive) {
	var p callRefPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.CallID == "" {
		return p, o.errorTo(senderID, "", "invalid payload: callId required", false)
	}
	return p, nil
}

// lookupFailure maps a Get outcome to error directives. handled is true
// when the caller should return immediately.
func (o *Orchestrator) lookupFailure(senderID, callID string, rec *calls.Record, err error) ([]Directive, bool) {
	if err != nil {
		o.log.Error("call lookup failed", "call_id", callID, "err", err)
		if errors.Is(err, calls.ErrStoreUnavailable) {
			return o.errorTo(senderID, callID, "failed to connect", true), true
		}
		return o.errorTo(senderID, callID, "call not found", false), true
	}
	if rec == nil {
		return o.errorTo(senderID, callID, "call not found", false), true
	}
	return nil, false
}

// mutateFailure maps an UpdateState outcome to error directives, mirroring
// lookupFailure for the write path.
func (o *Orchestrator) mutateFailure(senderID, callID string, rec *calls.Record, err error) ([]Directive, bool) {
	if err != nil {
		if errors.Is(err, calls.ErrInvalidTransition) {
			o.log.Debug("transition ignored", "call_id", callID, "err", err)
			return nil, true
		}
		o.log.Error("call mutation failed", "call_id", callID, "err", err)
		return o.errorTo(senderID, callID, "failed to connect", true), true
	}
	if rec == nil {
		return o.errorTo(senderID, callID, "call not found", false), true
	}
	return nil, false
}

func (o *Orchestrator) errorTo(userID, callID, msg string, retryable bool) []Directive {
	return []Directive{{
		TargetUserID: userID,
		Event:        EventCallError,
		Payload:      callErrorPayload{CallID: callID, Error: msg, Retryable: retryable},
	}}
}

// iceFor is best-effort: signaling proceeds without ICE servers on error.
func (o *Orchestrator) iceFor(ctx context.Context, userID string) []ICEServer {
	if o.ice == nil {
		return nil
	}
	servers, err := o.ice.Servers(ctx, userID)
	if err != nil {
		o.log.Warn("ice server lookup failed", "user_id", userID, "err", err)
		return nil
	}
	return servers
}

func (o *Orchestrator) nowMillis() int64 {
	return o.clock().UTC().UnixMilli()
}
