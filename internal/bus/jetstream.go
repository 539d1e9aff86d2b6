package bus

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// outboundSubjectPrefix groups every per-session stream into one JetStream
// stream. Logical names use ':' separators; subjects use '.'.
const outboundSubjectPrefix = "chat.outbound."

// JetStreamOptions configures a JetStreamBus.
type JetStreamOptions struct {
	// MaxAge bounds retention; set to the session TTL so per-session
	// subjects age out with their session.
	MaxAge time.Duration
	// FetchWait bounds how long a fetch waits for new entries.
	FetchWait time.Duration
	// AckWait is how long an unacknowledged delivery stays with a consumer
	// before redelivery.
	AckWait time.Duration
	Logger  *slog.Logger
}

// JetStreamBus implements Bus on NATS JetStream.
type JetStreamBus struct {
	conn    *nats.Conn
	ownConn bool
	js      jetstream.JetStream
	opts    JetStreamOptions
	logger  *slog.Logger

	mu      sync.Mutex
	streams map[string]jetstream.Stream
	closed  atomic.Bool
}

// NewJetStreamBus connects to url and creates a JetStream bus.
func NewJetStreamBus(url, name string, opts JetStreamOptions) (*JetStreamBus, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(30*time.Second),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	b, err := NewJetStreamBusFromConn(conn, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	b.ownConn = true
	return b, nil
}

// NewJetStreamBusFromConn creates a JetStream bus over an existing connection.
func NewJetStreamBusFromConn(conn *nats.Conn, opts JetStreamOptions) (*JetStreamBus, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream init: %w", err)
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = time.Hour
	}
	if opts.FetchWait <= 0 {
		opts.FetchWait = 5 * time.Second
	}
	if opts.AckWait <= 0 {
		opts.AckWait = time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &JetStreamBus{
		conn:    conn,
		js:      js,
		opts:    opts,
		logger:  logger,
		streams: make(map[string]jetstream.Stream),
	}, nil
}

// subjectFor maps a logical stream name to a NATS subject.
func subjectFor(stream string) string {
	return strings.ReplaceAll(stream, ":", ".")
}

// streamSpec names the JetStream stream holding subject and reports whether
// it carries one subject per session.
func streamSpec(subject string) (name string, subjects []string, perSession bool) {
	if strings.HasPrefix(subject, outboundSubjectPrefix) {
		return "CHAT_OUTBOUND", []string{outboundSubjectPrefix + ">"}, true
	}
	return sanitizeName(subject), []string{subject}, false
}

// durableName names the durable consumer for group on subject. Per-session
// subjects get their own durable; shared subjects share one durable across
// all group members, which makes them competing consumers.
func durableName(group, subject string) string {
	return sanitizeName(group + "_" + subject)
}

func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

func (b *JetStreamBus) ensureStream(ctx context.Context, subject string) (jetstream.Stream, bool, error) {
	name, subjects, perSession := streamSpec(subject)

	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[name]; ok {
		return s, perSession, nil
	}
	s, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Retention: jetstream.LimitsPolicy,
		MaxMsgs:   100000,
		Discard:   jetstream.DiscardOld,
		MaxAge:    b.opts.MaxAge,
		Storage:   jetstream.FileStorage,
		Replicas:  1,
	})
	if err != nil {
		return nil, perSession, fmt.Errorf("create stream %s: %w: %w", name, ErrUnavailable, err)
	}
	b.streams[name] = s
	return s, perSession, nil
}

// Publish publishes payload to the stream's subject and returns the stream
// sequence as entry ID.
func (b *JetStreamBus) Publish(ctx context.Context, stream string, payload []byte) (string, error) {
	if b.closed.Load() {
		return "", ErrClosed
	}
	subject := subjectFor(stream)
	if _, _, err := b.ensureStream(ctx, subject); err != nil {
		return "", err
	}
	ack, err := b.js.Publish(ctx, subject, payload)
	if err != nil {
		return "", fmt.Errorf("publish %s: %w: %w", subject, ErrUnavailable, err)
	}
	return strconv.FormatUint(ack.Sequence, 10), nil
}

// EnsureGroup creates the durable consumer backing group.
func (b *JetStreamBus) EnsureGroup(ctx context.Context, stream, group string) error {
	_, err := b.consumer(ctx, stream, group)
	return err
}

func (b *JetStreamBus) consumer(ctx context.Context, stream, group string) (jetstream.Consumer, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	subject := subjectFor(stream)
	s, perSession, err := b.ensureStream(ctx, subject)
	if err != nil {
		return nil, err
	}
	cfg := jetstream.ConsumerConfig{
		Durable:       durableName(group, subject),
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.opts.AckWait,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxAckPending: 1000,
	}
	if perSession {
		cfg.InactiveThreshold = b.opts.MaxAge
	}
	c, err := s.CreateOrUpdateConsumer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w: %w", cfg.Durable, ErrUnavailable, err)
	}
	return c, nil
}

// ExpireAt is a no-op; retention is governed by the stream's MaxAge.
func (b *JetStreamBus) ExpireAt(context.Context, string, time.Time) error {
	return nil
}

// Consume fetches batches from the group's durable consumer. JetStream
// redelivers unacknowledged entries after AckWait, so pending replay is
// handled by the server.
func (b *JetStreamBus) Consume(ctx context.Context, stream, group, consumer string) iter.Seq2[*Delivery, error] {
	return func(yield func(*Delivery, error) bool) {
		var c jetstream.Consumer
		for ctx.Err() == nil {
			if b.closed.Load() {
				yield(nil, ErrClosed)
				return
			}
			if c == nil {
				var err error
				if c, err = b.consumer(ctx, stream, group); err != nil {
					if !yield(nil, err) || !sleepCtx(ctx, errorBackoff) {
						return
					}
					continue
				}
			}

			batch, err := c.Fetch(readCount, jetstream.FetchMaxWait(b.opts.FetchWait))
			if err != nil {
				if errors.Is(err, jetstream.ErrConsumerDeleted) || errors.Is(err, jetstream.ErrConsumerNotFound) {
					yield(nil, fmt.Errorf("%s: %w", stream, ErrStreamGone))
					return
				}
				if !yield(nil, fmt.Errorf("fetch %s: %w: %w", stream, ErrUnavailable, err)) || !sleepCtx(ctx, errorBackoff) {
					return
				}
				continue
			}

			for msg := range batch.Messages() {
				meta, err := msg.Metadata()
				if err != nil {
					b.logger.Warn("jetstream message without metadata", "stream", stream, "error", err)
					continue
				}
				if !yield(jsDelivery(stream, msg, meta), nil) {
					return
				}
			}
			if err := batch.Error(); err != nil && !isFetchTimeout(err) {
				if !yield(nil, fmt.Errorf("fetch %s: %w: %w", stream, ErrUnavailable, err)) {
					return
				}
			}
		}
	}
}

func jsDelivery(stream string, msg jetstream.Msg, meta *jetstream.MsgMetadata) *Delivery {
	seq := meta.Sequence.Stream
	return &Delivery{
		Entry: Entry{
			ID:      strconv.FormatUint(seq, 10),
			Stream:  stream,
			Payload: msg.Data(),
			Seq:     seq,
		},
		ack: func(context.Context) error {
			if err := msg.Ack(); err != nil {
				return fmt.Errorf("ack %d: %w: %w", seq, ErrUnavailable, err)
			}
			return nil
		},
	}
}

func isFetchTimeout(err error) bool {
	return errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// Close stops consumers and drains the connection if the bus owns it.
func (b *JetStreamBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	if b.ownConn {
		if err := b.conn.Drain(); err != nil {
			return fmt.Errorf("drain nats connection: %w", err)
		}
	}
	return nil
}
