// Package protocol defines the payloads carried on the message bus and the
// frames exchanged with WebSocket clients.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// MaxTextBytes bounds a single message body.
const MaxTextBytes = 32 * 1024

// ErrMalformedEntry is returned for stream payloads that fail to decode or
// validate. Consumers log and skip such entries.
var ErrMalformedEntry = errors.New("malformed stream entry")

// Kind tags the variant carried by an Envelope.
type Kind string

const (
	// KindUserMessage is published by the gateway to the inbound stream.
	KindUserMessage Kind = "user_message"
	// KindReply is published by the worker to a session's outbound stream.
	KindReply Kind = "reply"
	// KindError reports a processing failure on the outbound stream.
	KindError Kind = "error"
)

// Envelope is the single payload schema for bus entries.
type Envelope struct {
	Kind      Kind      `json:"kind" validate:"required,oneof=user_message reply error"`
	Token     string    `json:"token" validate:"required,max=128"`
	Text      string    `json:"text" validate:"required,maxbytes"`
	TurnID    string    `json:"turn_id,omitempty"`
	Code      string    `json:"code,omitempty" validate:"required_if=Kind error"`
	Retryable bool      `json:"retryable,omitempty"`
	SentAt    time.Time `json:"sent_at" validate:"required"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= MaxTextBytes
	})
}

// NewUserMessage builds the inbound envelope for text sent by a client.
func NewUserMessage(token, text string, at time.Time) Envelope {
	return Envelope{Kind: KindUserMessage, Token: token, Text: text, SentAt: at}
}

// NewReply builds the outbound envelope for an assistant turn.
func NewReply(token, text, turnID string, at time.Time) Envelope {
	return Envelope{Kind: KindReply, Token: token, Text: text, TurnID: turnID, SentAt: at}
}

// NewError builds an outbound error notice.
func NewError(token, code, message string, retryable bool, at time.Time) Envelope {
	return Envelope{Kind: KindError, Token: token, Text: message, Code: code, Retryable: retryable, SentAt: at}
}

// Validate checks the envelope against its schema.
func (e Envelope) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	return nil
}

// Encode validates and serializes the envelope.
func Encode(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode parses and validates a bus payload.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// DecodeInbound decodes an entry read from the inbound stream.
func DecodeInbound(data []byte) (Envelope, error) {
	e, err := Decode(data)
	if err != nil {
		return Envelope{}, err
	}
	if e.Kind != KindUserMessage {
		return Envelope{}, fmt.Errorf("%w: unexpected kind %q on inbound stream", ErrMalformedEntry, e.Kind)
	}
	return e, nil
}

// DecodeOutbound decodes an entry read from a session's outbound stream.
// Entries addressed to another token are rejected.
func DecodeOutbound(data []byte, token string) (Envelope, error) {
	e, err := Decode(data)
	if err != nil {
		return Envelope{}, err
	}
	if e.Kind == KindUserMessage {
		return Envelope{}, fmt.Errorf("%w: unexpected kind %q on outbound stream", ErrMalformedEntry, e.Kind)
	}
	if e.Token != token {
		return Envelope{}, fmt.Errorf("%w: entry addressed to another session", ErrMalformedEntry)
	}
	return e, nil
}
