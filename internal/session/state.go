// ABOUTME: Connection state machine values and session error taxonomy
// ABOUTME: Disconnected -> Connecting -> Connected -> Joined, with StateChange events

package session

import (
	"errors"
	"time"
)

var (
	// ErrNotConnected is returned for sends attempted before both rooms are joined.
	ErrNotConnected = errors.New("not connected")

	// ErrSessionBusy is returned by Reload while another lifecycle change is running.
	ErrSessionBusy = errors.New("session busy")

	// ErrJoinFailed means room joins were retried until the attempt budget ran
	// out. The session is Disconnected afterwards.
	ErrJoinFailed = errors.New("room join failed")
)

// State is where a session is in its connection lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	// Joined means both rooms are joined. Only then may anything be sent.
	Joined
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Joined:
		return "joined"
	default:
		return "unknown"
	}
}

// StateChange is published on every transition. Err is set when the
// transition was caused by a failure; it wraps ErrJoinFailed when the
// session gave up.
type StateChange struct {
	State State
	Err   error
	At    time.Time
}
