package protocol

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ashureev/chatrelay/internal/domain"
)

// Client frame types.
const (
	FrameMessage = "message"
	FramePing    = "ping"
	FramePong    = "pong"
	FrameError   = "error"
)

// Error codes sent to clients.
const (
	CodeBusUnavailable = "bus_unavailable"
	CodeRateLimited    = "rate_limited"
	CodeInvalidMessage = "invalid_message"
	CodeInference      = "inference_failed"
	CodeStoreFailure   = "store_unavailable"
	CodeSessionExpired = "session_expired"
)

// ClientFrame is a frame received from a WebSocket client.
type ClientFrame struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ParseClientFrame interprets a client frame. Anything that is not a typed
// JSON frame is treated as raw message text.
func ParseClientFrame(data []byte) ClientFrame {
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
		return ClientFrame{Type: FrameMessage, Text: string(data)}
	}
	return f
}

// ServerFrame is a frame sent to a WebSocket client.
type ServerFrame struct {
	Type      string        `json:"type"`
	ID        string        `json:"id,omitempty"`
	Body      string        `json:"body,omitempty"`
	Timestamp *time.Time    `json:"timestamp,omitempty"`
	Origin    domain.Origin `json:"origin,omitempty"`
	Code      string        `json:"code,omitempty"`
	Message   string        `json:"message,omitempty"`
	Retryable bool          `json:"retryable,omitempty"`
}

// ErrorFrame builds an error notice.
func ErrorFrame(code, message string, retryable bool) ServerFrame {
	return ServerFrame{Type: FrameError, Code: code, Message: message, Retryable: retryable}
}

// PongFrame answers a client ping.
func PongFrame() ServerFrame {
	return ServerFrame{Type: FramePong}
}

// FrameFromEnvelope converts an outbound envelope into a client frame.
func FrameFromEnvelope(e Envelope) ServerFrame {
	if e.Kind == KindError {
		return ErrorFrame(e.Code, e.Text, e.Retryable)
	}
	at := e.SentAt
	return ServerFrame{
		Type:      FrameMessage,
		ID:        e.TurnID,
		Body:      e.Text,
		Timestamp: &at,
		Origin:    domain.OriginAssistant,
	}
}

// IsBlank reports whether text carries no content.
func IsBlank(text string) bool {
	return strings.TrimSpace(text) == ""
}
