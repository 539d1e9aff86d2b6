package bus

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	payloadField = "payload"
	// readCount is one so an idle group member never holds entries another
	// member could be processing.
	readCount = 1
	// seqShift packs a stream ID "ms-n" into one integer that stays exact
	// as a float64 score.
	seqShift  = 10
	seqMaxLow = 1<<seqShift - 1
)

// RedisOptions configures a RedisBus.
type RedisOptions struct {
	// Block bounds how long a read waits for new entries.
	Block time.Duration
	// ClaimMinIdle is how long an entry must sit unacknowledged with another
	// consumer before it is reclaimed. Zero disables reclaiming.
	ClaimMinIdle time.Duration
	// MaxLen caps stream length (approximate trimming). Zero keeps everything.
	MaxLen int64
	Logger *slog.Logger
}

// RedisBus implements Bus on Redis Streams. The client is owned by the
// caller and may be shared with the Redis store.
type RedisBus struct {
	rdb    *redis.Client
	opts   RedisOptions
	logger *slog.Logger
	closed atomic.Bool
}

// NewRedisBus creates a Redis Streams bus.
func NewRedisBus(rdb *redis.Client, opts RedisOptions) *RedisBus {
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{rdb: rdb, opts: opts, logger: logger}
}

// Publish appends payload with XADD.
func (b *RedisBus) Publish(ctx context.Context, stream string, payload []byte) (string, error) {
	if b.closed.Load() {
		return "", ErrClosed
	}
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{payloadField: payload},
	}
	if b.opts.MaxLen > 0 {
		args.MaxLen = b.opts.MaxLen
		args.Approx = true
	}
	id, err := b.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w: %w", stream, ErrUnavailable, err)
	}
	return id, nil
}

// EnsureGroup creates group at the start of stream, creating the stream if
// needed.
func (b *RedisBus) EnsureGroup(ctx context.Context, stream, group string) error {
	if b.closed.Load() {
		return ErrClosed
	}
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w: %w", group, stream, ErrUnavailable, err)
	}
	return nil
}

// ExpireAt sets an absolute expiry on the stream key.
func (b *RedisBus) ExpireAt(ctx context.Context, stream string, t time.Time) error {
	if err := b.rdb.PExpireAt(ctx, stream, t).Err(); err != nil {
		return fmt.Errorf("expire %s: %w: %w", stream, ErrUnavailable, err)
	}
	return nil
}

// Close stops consumers. The shared client is left open.
func (b *RedisBus) Close() error {
	b.closed.Store(true)
	return nil
}

// Consume replays the consumer's pending entries with XREADGROUP from "0",
// then reads new entries with ">", reclaiming idle entries of other
// consumers between reads.
//
//nolint:gocognit // Read phases, reclaim, and error classification share one loop.
func (b *RedisBus) Consume(ctx context.Context, stream, group, consumer string) iter.Seq2[*Delivery, error] {
	return func(yield func(*Delivery, error) bool) {
		if err := b.EnsureGroup(ctx, stream, group); err != nil {
			if !yield(nil, err) || errors.Is(err, ErrClosed) {
				return
			}
		}

		cursor := "0"
		replaying := true
		for ctx.Err() == nil {
			if b.closed.Load() {
				yield(nil, ErrClosed)
				return
			}

			args := &redis.XReadGroupArgs{
				Group:    group,
				Consumer: consumer,
				Streams:  []string{stream, cursor},
				Count:    readCount,
				Block:    -1,
			}
			if !replaying {
				args.Streams[1] = ">"
				args.Block = b.opts.Block
			}

			res, err := b.rdb.XReadGroup(ctx, args).Result()
			switch {
			case errors.Is(err, redis.Nil):
				// Block timeout without new entries.
				if !b.reclaim(ctx, stream, group, consumer, yield) {
					return
				}
				continue
			case err != nil && ctx.Err() != nil:
				return
			case err != nil && strings.HasPrefix(err.Error(), "NOGROUP"):
				yield(nil, fmt.Errorf("%s: %w", stream, ErrStreamGone))
				return
			case err != nil:
				if !yield(nil, fmt.Errorf("xreadgroup %s: %w: %w", stream, ErrUnavailable, err)) {
					return
				}
				if !sleepCtx(ctx, errorBackoff) {
					return
				}
				continue
			}

			var messages []redis.XMessage
			for _, s := range res {
				messages = append(messages, s.Messages...)
			}
			if replaying {
				if len(messages) == 0 {
					replaying = false
					if !b.reclaim(ctx, stream, group, consumer, yield) {
						return
					}
					continue
				}
				cursor = messages[len(messages)-1].ID
			}
			for _, msg := range messages {
				if !yield(b.delivery(stream, group, msg), nil) {
					return
				}
			}
		}
	}
}

// reclaim takes over entries left idle by other consumers and yields them.
// It reports whether iteration should continue.
func (b *RedisBus) reclaim(ctx context.Context, stream, group, consumer string, yield func(*Delivery, error) bool) bool {
	if b.opts.ClaimMinIdle <= 0 {
		return true
	}
	messages, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  b.opts.ClaimMinIdle,
		Start:    "0-0",
		Count:    readCount,
	}).Result()
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		b.logger.Debug("xautoclaim failed", "stream", stream, "error", err)
		return true
	}
	for _, msg := range messages {
		b.logger.Info("Reclaimed idle entry", "stream", stream, "entry_id", msg.ID, "consumer", consumer)
		if !yield(b.delivery(stream, group, msg), nil) {
			return false
		}
	}
	return true
}

func (b *RedisBus) delivery(stream, group string, msg redis.XMessage) *Delivery {
	var payload []byte
	if v, ok := msg.Values[payloadField].(string); ok {
		payload = []byte(v)
	}
	return &Delivery{
		Entry: Entry{
			ID:      msg.ID,
			Stream:  stream,
			Payload: payload,
			Seq:     SeqFromStreamID(msg.ID),
		},
		ack: func(ctx context.Context) error {
			if err := b.rdb.XAck(ctx, stream, group, msg.ID).Err(); err != nil {
				return fmt.Errorf("xack %s: %w: %w", msg.ID, ErrUnavailable, err)
			}
			return nil
		},
	}
}

// SeqFromStreamID maps a Redis stream ID "ms-n" to an ordering key that
// preserves append order. Sequence parts beyond 1023 within one millisecond
// share a key.
func SeqFromStreamID(id string) uint64 {
	msPart, nPart, _ := strings.Cut(id, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseUint(nPart, 10, 64)
	if n > seqMaxLow {
		n = seqMaxLow
	}
	return ms<<seqShift | n
}
