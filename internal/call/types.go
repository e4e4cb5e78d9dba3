package call

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/syntex82/WordPress-Node-sub005/internal/wire"
)

// State is the call lifecycle. One session exists at a time; every
// non-idle state means the session slot is taken.
type State string

const (
	StateIdle            State = "idle"
	StateOutgoingRinging State = "outgoing-ringing"
	StateIncomingRinging State = "incoming-ringing"
	StateActive          State = "active"
)

var (
	// ErrBusy refuses a call while a session is already underway.
	ErrBusy = errors.New("call: session already in progress")

	// ErrPeerOffline refuses an outgoing call to a peer not in the
	// presence set. Checked locally before any network event.
	ErrPeerOffline = errors.New("call: peer is offline")

	// ErrNotConnected refuses call operations while the channel is down.
	ErrNotConnected = errors.New("call: channel not connected")

	// ErrBadState rejects an operation invalid for the current state.
	ErrBadState = errors.New("call: invalid state for operation")
)

// Signaler is the only surface the negotiator needs from the transport.
// The channel satisfies it directly; tests use a fake.
type Signaler interface {
	Connected() bool
	Emit(ev wire.EventType, payload any) error
	On(ev wire.EventType, fn func(wire.Event)) func()
}

// Presence answers the online precondition for outgoing calls.
type Presence interface {
	IsOnline(userID string) bool
}

// MediaProvider supplies local capture tracks. The media layer is the
// platform's concern; the negotiator only sequences signaling. A nil
// provider negotiates receive-only transceivers.
type MediaProvider interface {
	// Attach adds local tracks to a fresh peer connection.
	Attach(pc *webrtc.PeerConnection) error

	// SetEnabled flips local audio/video without renegotiation.
	SetEnabled(audio, video bool)

	// Release frees capture resources when the session ends.
	Release()
}

// IncomingCall is handed to ring observers. Exactly one of Accept or
// Reject should be called.
type IncomingCall struct {
	Caller         wire.Identity
	ConversationID string
	Accept         func(ctx context.Context) error
	Reject         func(reason string) error
}
