// Package bus provides the durable stream abstraction connecting the gateway
// and the inference worker. Entries are delivered at least once to each
// consumer group and must be acknowledged explicitly.
package bus

import (
	"context"
	"errors"
	"iter"
	"time"
)

var (
	// ErrUnavailable is returned when the bus cannot be reached.
	ErrUnavailable = errors.New("message bus unavailable")

	// ErrClosed is returned when operating on a closed bus.
	ErrClosed = errors.New("message bus closed")

	// ErrStreamGone ends a consume sequence whose stream or group was removed,
	// typically because the stream expired.
	ErrStreamGone = errors.New("stream no longer exists")
)

// errorBackoff is how long Consume waits after yielding a transient error.
const errorBackoff = time.Second

// Entry is one record read from a stream.
type Entry struct {
	ID      string
	Stream  string
	Payload []byte
	// Seq increases with append order within a stream.
	Seq uint64
}

// Delivery is an entry handed to a consumer. It stays pending for the
// consumer until acknowledged.
type Delivery struct {
	Entry
	ack func(ctx context.Context) error
}

// Ack acknowledges the delivery so it is not redelivered.
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Bus is an append-only stream transport with consumer groups.
// Implementations must be safe for concurrent use.
type Bus interface {
	// Publish appends payload to stream and returns the entry ID.
	Publish(ctx context.Context, stream string, payload []byte) (string, error)

	// EnsureGroup creates the consumer group for stream if it does not exist.
	// New groups start at the beginning of the stream.
	EnsureGroup(ctx context.Context, stream, group string) error

	// Consume yields deliveries for consumer within group. Entries still
	// pending for this consumer are replayed first, then new entries are
	// awaited. Transient failures are yielded as errors and the sequence
	// continues. It ends when ctx is done, the caller stops iterating, or
	// with a final ErrClosed or ErrStreamGone.
	Consume(ctx context.Context, stream, group, consumer string) iter.Seq2[*Delivery, error]

	// ExpireAt schedules stream for deletion at t.
	ExpireAt(ctx context.Context, stream string, t time.Time) error

	// Close stops all consumers.
	Close() error
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
