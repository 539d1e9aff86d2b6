package domain

import (
	"fmt"
	"time"
)

// Origin identifies who authored a turn.
type Origin string

const (
	// OriginUser marks a turn written by the client.
	OriginUser Origin = "user"
	// OriginAssistant marks a turn produced by the inference worker.
	OriginAssistant Origin = "assistant"
)

// Valid reports whether o is a known origin.
func (o Origin) Valid() bool {
	return o == OriginUser || o == OriginAssistant
}

// Rank orders the turns derived from a single inbound entry.
func (o Origin) Rank() int64 {
	if o == OriginAssistant {
		return 1
	}
	return 0
}

// Turn is one immutable message in a conversation.
type Turn struct {
	ID        string    `json:"id"`
	Body      string    `json:"msg"`
	Origin    Origin    `json:"source"`
	CreatedAt time.Time `json:"timestamp"`
	// Seq orders turns within a session. Zero asks the store to append
	// after the current last turn.
	Seq int64 `json:"-"`
}

// TurnForEntry builds a turn derived from the inbound bus entry entryID.
// The ID and Seq are deterministic so a redelivered entry maps onto the
// same turn.
func TurnForEntry(entryID string, entrySeq uint64, origin Origin, body string, at time.Time) Turn {
	return Turn{
		ID:        fmt.Sprintf("%s-%s", entryID, origin),
		Body:      body,
		Origin:    origin,
		CreatedAt: at,
		Seq:       int64(entrySeq)*2 + origin.Rank(),
	}
}
