// Package store provides session and conversation history persistence.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/chatrelay/internal/clock"
	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	// ErrNotFound is returned for sessions that never existed or have expired.
	// The two cases are deliberately indistinguishable.
	ErrNotFound = errors.New("session not found or expired")

	// ErrUnavailable is returned when the backing store cannot be reached.
	ErrUnavailable = errors.New("store unavailable")
)

// DefaultSessionTTL is the session lifetime used when none is configured.
const DefaultSessionTTL = time.Hour

// Repository defines the interface for persisting sessions and their history.
type Repository interface {
	// CreateSession issues a new token for ownerName with a fixed TTL.
	CreateSession(ctx context.Context, ownerName string) (*domain.Session, error)

	// GetSession returns the live session for token or ErrNotFound.
	GetSession(ctx context.Context, token string) (*domain.Session, error)

	// AppendTurn appends a single turn authored by origin.
	// A missing session makes this a no-op.
	AppendTurn(ctx context.Context, token string, origin domain.Origin, body string) error

	// AppendTurns appends turns atomically. Turns whose ID already exists are
	// skipped. A missing session makes this a no-op.
	AppendTurns(ctx context.Context, token string, turns ...domain.Turn) error

	// HasTurn reports whether the session already holds a turn with turnID,
	// regardless of how far back it is. An absent session yields ErrNotFound.
	HasTurn(ctx context.Context, token, turnID string) (bool, error)

	// GetHistory returns up to limit most recent turns, oldest first.
	// A limit <= 0 returns the whole history. An absent session yields
	// ErrNotFound; a live session without turns yields an empty slice.
	GetHistory(ctx context.Context, token string, limit int) ([]domain.Turn, error)

	// PurgeExpired deletes expired sessions and their history.
	PurgeExpired(ctx context.Context) (int64, error)

	// Ping verifies store connectivity.
	Ping(ctx context.Context) error

	// Close releases store resources.
	Close() error
}

// Options configures a Repository implementation.
type Options struct {
	TTL   time.Duration
	Clock clock.Clock
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultSessionTTL
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	return o
}

func newSession(ownerName string, now time.Time, ttl time.Duration) *domain.Session {
	return &domain.Session{
		Token:     uuid.NewString(),
		OwnerName: ownerName,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func newTurn(origin domain.Origin, body string, now time.Time) domain.Turn {
	return domain.Turn{
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Body:      body,
		Origin:    origin,
		CreatedAt: now,
	}
}
