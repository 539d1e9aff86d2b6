// Package gateway terminates client WebSocket connections and relays
// messages between them and the message bus.
package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned for a state change the connection
	// lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid connection state transition")

	// ErrAuth marks a missing, unknown or expired token.
	ErrAuth = errors.New("session not authenticated")
)

// State is the lifecycle position of a connection.
type State int

// Connection states, in lifecycle order.
const (
	StateConnecting State = iota
	StateAuthenticated
	StateStreaming
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// transitions lists the states reachable from each state.
var transitions = map[State][]State{
	StateConnecting:    {StateAuthenticated, StateClosed},
	StateAuthenticated: {StateStreaming, StateClosing},
	StateStreaming:     {StateClosing},
	StateClosing:       {StateClosed},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
