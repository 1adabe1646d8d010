package presence

import (
	"context"
	"errors"
	"time"

	"signaling-platform/internal/store"
)

// Registry maps user identity to live-connection identity and push tokens.
// All entries are TTL-bound: a process crash or a silent client leaves no
// permanent residue in the store.
type Registry struct {
	kv       store.KV
	graceTTL time.Duration
}

var ErrInvalidArgument = errors.New("invalid argument")

// NewRegistry builds a registry with the given reconnect-grace window.
// The grace window lets a briefly disconnected user keep an active call;
// only after it elapses are they treated as unreachable over the live
// connection and push fallback kicks in.
func NewRegistry(kv store.KV, reconnectGrace time.Duration) *Registry {
	if reconnectGrace <= 0 {
		reconnectGrace = 10 * time.Second
	}
	return &Registry{kv: kv, graceTTL: reconnectGrace}
}

// Register installs the forward and reverse connection mappings and clears
// any reconnect-grace marker. Called on connect and reconnect.
func (r *Registry) Register(ctx context.Context, userID, connectionID string) error {
	if userID == "" || connectionID == "" {
		return ErrInvalidArgument
	}
	if err := r.kv.Set(ctx, store.KeyUserSession(userID), connectionID, store.SessionTTL); err != nil {
		return err
	}
	if err := r.kv.Set(ctx, store.KeySocketByUser(userID), connectionID, store.SessionTTL); err != nil {
		return err
	}
	if err := r.kv.Set(ctx, store.KeyUserBySocket(connectionID), userID, store.SessionTTL); err != nil {
		return err
	}
	return r.kv.Del(ctx, store.KeyReconnectGrace(userID))
}

// Heartbeat refreshes the session TTLs for a live connection.
func (r *Registry) Heartbeat(ctx context.Context, userID string) error {
	connectionID, ok, err := r.ConnectionFor(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := r.kv.Expire(ctx, store.KeyUserSession(userID), store.SessionTTL); err != nil {
		return err
	}
	if err := r.kv.Expire(ctx, store.KeySocketByUser(userID), store.SessionTTL); err != nil {
		return err
	}
	return r.kv.Expire(ctx, store.KeyUserBySocket(connectionID), store.SessionTTL)
}

// Unregister drops the connection mappings and arms the reconnect-grace
// window instead of declaring the user offline outright.
func (r *Registry) Unregister(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrInvalidArgument
	}
	connectionID, ok, err := r.ConnectionFor(ctx, userID)
	if err != nil {
		return err
	}
	keys := []string{store.KeySocketByUser(userID)}
	if ok {
		keys = append(keys, store.KeyUserBySocket(connectionID))
	}
	if err := r.kv.Del(ctx, keys...); err != nil {
		return err
	}
	return r.kv.Set(ctx, store.KeyReconnectGrace(userID), "1", r.graceTTL)
}

// UnregisterConnection resolves the user behind a dropped connection and
// unregisters them. Unknown connections are a no-op.
func (r *Registry) UnregisterConnection(ctx context.Context, connectionID string) (string, error) {
	userID, ok, err := r.UserFor(ctx, connectionID)
	if err != nil || !ok {
		return "", err
	}
	return userID, r.Unregister(ctx, userID)
}

func (r *Registry) ConnectionFor(ctx context.Context, userID string) (string, bool, error) {
	return r.kv.Get(ctx, store.KeySocketByUser(userID))
}

func (r *Registry) UserFor(ctx context.Context, connectionID string) (string, bool, error) {
	return r.kv.Get(ctx, store.KeyUserBySocket(connectionID))
}

// InGrace reports whether userID disconnected within the grace window.
func (r *Registry) InGrace(ctx context.Context, userID string) (bool, error) {
	return r.kv.Exists(ctx, store.KeyReconnectGrace(userID))
}

// Online reports whether userID has a live connection right now.
func (r *Registry) Online(ctx context.Context, userID string) (bool, error) {
	_, ok, err := r.ConnectionFor(ctx, userID)
	return ok, err
}

// SetActiveCall marks userID as busy on callID for the active-call TTL.
func (r *Registry) SetActiveCall(ctx context.Context, userID, callID string) error {
	return r.kv.Set(ctx, store.KeyActiveCall(userID), callID, store.ActiveCallTTL)
}

// ActiveCall returns the call currently occupying userID, if any.
func (r *Registry) ActiveCall(ctx context.Context, userID string) (string, bool, error) {
	return r.kv.Get(ctx, store.KeyActiveCall(userID))
}

// ClearActiveCall removes the busy marker, guarded so a marker set by a
// newer call is left alone.
func (r *Registry) ClearActiveCall(ctx context.Context, userID, callID string) error {
	_, err := r.kv.CompareAndDelete(ctx, store.KeyActiveCall(userID), callID)
	return err
}

// Push token records are owned by the push collaborator but live in this
// keyspace; the registry only stores and returns them.

func (r *Registry) SetVoipToken(ctx context.Context, userID, token string) error {
	if userID == "" || token == "" {
		return ErrInvalidArgument
	}
	return r.kv.Set(ctx, store.KeyVoipToken(userID), token, store.PushTokenTTL)
}

func (r *Registry) VoipToken(ctx context.Context, userID string) (string, bool, error) {
	return r.kv.Get(ctx, store.KeyVoipToken(userID))
}

func (r *Registry) SetFCMToken(ctx context.Context, userID, token string) error {
	if userID == "" || token == "" {
		return ErrInvalidArgument
	}
	return r.kv.Set(ctx, store.KeyFCMToken(userID), token, store.PushTokenTTL)
}

func (r *Registry) FCMToken(ctx context.Context, userID string) (string, bool, error) {
	return r.kv.Get(ctx, store.KeyFCMToken(userID))
}
