package conn

import (
	"errors"
	"fmt"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "disconnected":
		*s = Disconnected
	case "connecting":
		*s = Connecting
	case "connected":
		*s = Connected
	case "reconnecting":
		*s = Reconnecting
	default:
		return fmt.Errorf("unknown connection state %q", text)
	}
	return nil
}

// StateChanged is published on every state transition.
type StateChanged struct {
	From State
	To   State
}

// Degraded reports whether the transition left the session without a live
// connection while it is still trying to get one back.
func (e StateChanged) Degraded() bool {
	return e.To == Reconnecting
}

// ConnectedEvent is published on every entry into Connected, including
// reconnects. Epoch increases by one per established connection.
type ConnectedEvent struct {
	Epoch     uint64
	Reconnect bool
}

// Failed is published when the manager gives up and settles in Disconnected.
type Failed struct {
	Attempts int
	Err      error
}

var (
	ErrAlreadyConnected = errors.New("connection already active")
	ErrNotConnected     = errors.New("not connected")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrDisconnected     = errors.New("disconnected")
)

// FailureError is the terminal error returned when every attempt failed.
type FailureError struct {
	Attempts int
	Err      error
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("connect failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *FailureError) Unwrap() error {
	return e.Err
}
