package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ashureev/chatrelay/internal/protocol"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const writeTimeout = 5 * time.Second

// Transport is the client side of a connection.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// wsTransport adapts websocket.Conn to Transport.
type wsTransport struct {
	conn *websocket.Conn
}

func (t wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t wsTransport) Close(code websocket.StatusCode, reason string) error {
	return t.conn.Close(code, reason)
}

// closeReason is a closure decided by the gateway. It doubles as the error
// that ends a connection's loops.
type closeReason struct {
	code  websocket.StatusCode
	text  string
	label string
	cause error
}

func (r *closeReason) Error() string {
	return fmt.Sprintf("connection closed: %s (%d %s)", r.label, r.code, r.text)
}

func (r *closeReason) Unwrap() error { return r.cause }

var (
	reasonTokenMissing   = &closeReason{websocket.StatusPolicyViolation, "Token is required", "token_missing", ErrAuth}
	reasonAuthFailed     = &closeReason{websocket.StatusPolicyViolation, "Session not authenticated or expired token", "auth_failed", ErrAuth}
	reasonSessionExpired = &closeReason{websocket.StatusPolicyViolation, "session expired", "session_expired", ErrAuth}
	reasonStoreError     = &closeReason{websocket.StatusInternalError, "store unavailable", "store_error", nil}
	reasonBusError       = &closeReason{websocket.StatusInternalError, "bus unavailable", "bus_error", nil}
	reasonClientClosed   = &closeReason{websocket.StatusNormalClosure, "", "client_closed", nil}
	reasonReplaced       = &closeReason{websocket.StatusNormalClosure, "session replaced", "replaced", nil}
	reasonShutdown       = &closeReason{websocket.StatusGoingAway, "server shutting down", "shutdown", nil}
	reasonTransport      = &closeReason{websocket.StatusInternalError, "write failed", "transport_error", nil}
)

// Connection is the gateway's record of one client connection. State only
// changes through transition.
type Connection struct {
	ID        string
	Token     string
	Connected time.Time

	transport Transport

	mu     sync.Mutex
	state  State
	reason *closeReason
}

func newConnection(token string, transport Transport, now time.Time) *Connection {
	return &Connection{
		ID:        uuid.NewString(),
		Token:     token,
		Connected: now,
		transport: transport,
		state:     StateConnecting,
	}
}

// State returns the current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) transition(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitionLocked(to)
}

func (c *Connection) transitionLocked(to State) error {
	if !CanTransition(c.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.state, to)
	}
	c.state = to
	return nil
}

// Close moves the connection to Closing and closes the transport with
// reason. Only the first call has an effect; it reports whether it did.
func (c *Connection) Close(reason *closeReason) bool {
	c.mu.Lock()
	if c.reason != nil || c.transitionLocked(StateClosing) != nil {
		c.mu.Unlock()
		return false
	}
	c.reason = reason
	c.mu.Unlock()

	_ = c.transport.Close(reason.code, reason.text)
	return true
}

// reject closes a connection that never authenticated.
func (c *Connection) reject(reason *closeReason) error {
	c.mu.Lock()
	c.reason = reason
	err := c.transitionLocked(StateClosed)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.transport.Close(reason.code, reason.text)
}

// closedReason returns the reason the connection closed with, if any.
func (c *Connection) closedReason() *closeReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// send writes frame to the client. Write failures end the connection
// without being reported further.
func (c *Connection) send(frame protocol.ServerFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.transport.Write(ctx, data); err != nil {
		c.Close(reasonTransport)
		return reasonTransport
	}
	return nil
}
