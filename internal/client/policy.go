// Package client is a Go client for the chat relay gateway, including the
// reconnection policy browser clients follow.
package client

import (
	"fmt"
	"time"

	"github.com/coder/websocket"
)

// State is the client's connection state.
type State int

// Client states.
const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	// StateSessionEnded is terminal: the token is invalid or expired.
	StateSessionEnded
	// StateLoggedOut is terminal: the user closed the session.
	StateLoggedOut
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateSessionEnded:
		return "session_ended"
	case StateLoggedOut:
		return "logged_out"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no reconnect follows s.
func (s State) Terminal() bool {
	return s == StateSessionEnded || s == StateLoggedOut
}

// Policy decides how the client reacts to a closed connection.
type Policy struct {
	// Backoff is the fixed delay before reconnecting.
	Backoff time.Duration
	// QuickClose is the connection lifetime under which an abnormal close
	// is treated as an authentication failure.
	QuickClose time.Duration
}

// DefaultPolicy matches the browser client: reconnect after 3s, and treat
// drops within the first second as auth failures.
var DefaultPolicy = Policy{Backoff: 3 * time.Second, QuickClose: time.Second}

// Decision is the outcome of a closed connection.
type Decision struct {
	Next  State
	Delay time.Duration
}

// OnClose maps a closure with code after the connection lived for lived.
// code is -1 when no close frame was received.
func (p Policy) OnClose(code websocket.StatusCode, lived time.Duration) Decision {
	switch {
	case code == websocket.StatusNormalClosure:
		return Decision{Next: StateLoggedOut}
	case code == websocket.StatusPolicyViolation:
		return Decision{Next: StateSessionEnded}
	case lived < p.QuickClose:
		return Decision{Next: StateSessionEnded}
	default:
		return Decision{Next: StateReconnecting, Delay: p.Backoff}
	}
}

// OnDialError is used when the connection could not be opened at all.
func (p Policy) OnDialError() Decision {
	return Decision{Next: StateReconnecting, Delay: p.Backoff}
}
