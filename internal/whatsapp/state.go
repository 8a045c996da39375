package whatsapp

import (
	"errors"
	"fmt"
)

// State is a session's authentication lifecycle state.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateQRPending       State = "qr_pending"
	StateAuthenticated   State = "authenticated"
	StateReady           State = "ready"
	StateDisconnected    State = "disconnected"
	StateAuthFailure     State = "auth_failure"
)

// EventKind is a lifecycle event reported by a session handle.
type EventKind string

const (
	EventQR            EventKind = "qr"
	EventAuthenticated EventKind = "authenticated"
	EventReady         EventKind = "ready"
	EventDisconnected  EventKind = "disconnected"
	EventAuthFailure   EventKind = "auth_failure"
)

var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// transitions lists every legal (state, event) pair. A new QR while one is pending replaces it.
var transitions = map[State]map[EventKind]State{
	StateUnauthenticated: {
		EventQR:            StateQRPending,
		EventAuthenticated: StateAuthenticated,
		EventAuthFailure:   StateAuthFailure,
		EventDisconnected:  StateDisconnected,
	},
	StateQRPending: {
		EventQR:            StateQRPending,
		EventAuthenticated: StateAuthenticated,
		EventAuthFailure:   StateAuthFailure,
		EventDisconnected:  StateDisconnected,
	},
	StateAuthenticated: {
		EventReady:        StateReady,
		EventDisconnected: StateDisconnected,
	},
	StateReady: {
		EventDisconnected: StateDisconnected,
	},
}

// Transition returns the state reached from `from` on event kind, or ErrInvalidTransition.
func Transition(from State, kind EventKind) (State, error) {
	if next, ok := transitions[from][kind]; ok {
		return next, nil
	}
	return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, from, kind)
}

// Terminal reports whether no further events are accepted in s.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateAuthFailure
}
