// Package domain contains core domain types for the chat relay.
package domain

import (
	"time"
)

// Session is the metadata stored for one chat token.
type Session struct {
	Token     string    `json:"token"`
	OwnerName string    `json:"name"`
	CreatedAt time.Time `json:"session_start"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session has lapsed at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Remaining returns the time until the session expires.
// Returns 0 if the session has already expired.
func (s *Session) Remaining(now time.Time) time.Duration {
	ttl := s.ExpiresAt.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}
