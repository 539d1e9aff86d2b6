// Package worker implements the inference worker: it consumes user messages
// from the inbound stream, calls the model with recent history, records both
// turns, and publishes the reply to the session's outbound stream.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ashureev/chatrelay/internal/bus"
	"github.com/ashureev/chatrelay/internal/clock"
	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/metrics"
	"github.com/ashureev/chatrelay/internal/protocol"
	"github.com/ashureev/chatrelay/internal/shared"
	"github.com/ashureev/chatrelay/internal/store"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Processing outcomes, used as the metrics label.
const (
	outcomeReplied   = "replied"
	outcomeDropped   = "dropped"
	outcomeDuplicate = "duplicate"
	outcomeMalformed = "malformed"
	outcomeFailed    = "failed"
)

// Options configures a Worker.
type Options struct {
	ID               string
	Slots            int
	HistoryLimit     int
	InferenceTimeout time.Duration
	Retry            shared.RetryPolicy
	Clock            clock.Clock
	Metrics          *metrics.Worker
	Logger           *slog.Logger
}

// Worker processes inbound entries with a fixed number of concurrent slots.
// Each slot is a distinct member of the shared consumer group.
type Worker struct {
	store  store.Repository
	bus    bus.Bus
	model  Model
	opts   Options
	logger *slog.Logger
}

// New creates a worker.
func New(repo store.Repository, b bus.Bus, model Model, opts Options) *Worker {
	if opts.ID == "" {
		host, _ := os.Hostname()
		opts.ID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if opts.Slots <= 0 {
		opts.Slots = 1
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 10
	}
	if opts.InferenceTimeout <= 0 {
		opts.InferenceTimeout = 60 * time.Second
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry = shared.RetryPolicy{Attempts: 3, BaseDelay: 100 * time.Millisecond}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewWorker(prometheus.NewRegistry())
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:  repo,
		bus:    b,
		model:  model,
		opts:   opts,
		logger: logger.With("worker_id", opts.ID),
	}
}

// Run consumes until ctx is cancelled or the bus is closed.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.bus.EnsureGroup(ctx, protocol.InboundStream, protocol.WorkerGroup); err != nil {
		return fmt.Errorf("ensure inbound group: %w", err)
	}

	w.logger.Info("Worker started", "slots", w.opts.Slots)
	g, ctx := errgroup.WithContext(ctx)
	for i := range w.opts.Slots {
		consumer := fmt.Sprintf("%s-%d", w.opts.ID, i)
		g.Go(func() error {
			return w.runSlot(ctx, consumer)
		})
	}
	err := g.Wait()
	w.logger.Info("Worker stopped", "error", err)
	return err
}

func (w *Worker) runSlot(ctx context.Context, consumer string) error {
	for ctx.Err() == nil {
		var lastErr error
		for d, err := range w.bus.Consume(ctx, protocol.InboundStream, protocol.WorkerGroup, consumer) {
			if err != nil {
				lastErr = err
				if !errors.Is(err, bus.ErrClosed) && !errors.Is(err, bus.ErrStreamGone) {
					w.logger.Warn("Inbound consume error", "consumer", consumer, "error", err)
				}
				continue
			}
			w.process(ctx, d)
		}

		switch {
		case ctx.Err() != nil, errors.Is(lastErr, bus.ErrClosed):
			return nil
		case errors.Is(lastErr, bus.ErrStreamGone):
			if err := w.bus.EnsureGroup(ctx, protocol.InboundStream, protocol.WorkerGroup); err != nil {
				w.logger.Warn("Failed to recreate inbound group", "error", err)
			}
		}
	}
	return nil
}

// process handles one delivery and always acknowledges it. Failures are
// reported to the client instead of blocking the stream.
func (w *Worker) process(ctx context.Context, d *bus.Delivery) {
	outcome := w.handle(ctx, d)
	w.opts.Metrics.Processed.WithLabelValues(outcome).Inc()

	if err := d.Ack(ctx); err != nil {
		w.logger.Warn("Failed to ack inbound entry", "entry_id", d.ID, "error", err)
	}
}

//nolint:gocognit // Each step maps a distinct failure to its outcome.
func (w *Worker) handle(ctx context.Context, d *bus.Delivery) string {
	env, err := protocol.DecodeInbound(d.Payload)
	if err != nil {
		w.logger.Warn("Skipping malformed inbound entry", "entry_id", d.ID, "error", err)
		return outcomeMalformed
	}
	logger := w.logger.With("token", env.Token, "entry_id", d.ID)

	session, err := w.store.GetSession(ctx, env.Token)
	if errors.Is(err, store.ErrNotFound) {
		logger.Info("Dropping message for expired session")
		return outcomeDropped
	}
	if err != nil {
		logger.Error("Session lookup failed", "error", err)
		w.notify(ctx, env.Token, session, protocol.CodeStoreFailure, "Your message could not be processed. Please resend it.")
		return outcomeFailed
	}

	userTurn := domain.TurnForEntry(d.ID, d.Seq, domain.OriginUser, env.Text, env.SentAt)
	assistantID := domain.TurnForEntry(d.ID, d.Seq, domain.OriginAssistant, "", env.SentAt).ID
	answered, err := w.store.HasTurn(ctx, env.Token, assistantID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Info("Dropping message for expired session")
		return outcomeDropped
	}
	if err != nil {
		logger.Error("Turn lookup failed", "error", err)
		w.notify(ctx, env.Token, session, protocol.CodeStoreFailure, "Your message could not be processed. Please resend it.")
		return outcomeFailed
	}
	if answered {
		// The stored reply reaches the client on its next history reload.
		logger.Info("Entry already answered, skipping redelivery")
		return outcomeDuplicate
	}

	history, err := w.store.GetHistory(ctx, env.Token, w.opts.HistoryLimit)
	if errors.Is(err, store.ErrNotFound) {
		logger.Info("Dropping message for expired session")
		return outcomeDropped
	}
	if err != nil {
		logger.Error("History lookup failed", "error", err)
		w.notify(ctx, env.Token, session, protocol.CodeStoreFailure, "Your message could not be processed. Please resend it.")
		return outcomeFailed
	}

	inferCtx, cancel := context.WithTimeout(ctx, w.opts.InferenceTimeout)
	start := time.Now()
	reply, err := w.model.Reply(inferCtx, history, env.Text)
	cancel()
	w.opts.Metrics.InferenceSeconds.Observe(time.Since(start).Seconds())
	if err == nil && protocol.IsBlank(reply) {
		err = errEmptyCompletion
	}
	if err != nil {
		logger.Error("Inference failed", "error", err)
		w.notify(ctx, env.Token, session, protocol.CodeInference, "The assistant could not answer. Please try again.")
		return outcomeFailed
	}

	now := w.opts.Clock.Now()
	assistantTurn := domain.TurnForEntry(d.ID, d.Seq, domain.OriginAssistant, reply, now)
	err = shared.Retry(ctx, w.opts.Retry, "append turns", isTransient, func(ctx context.Context) error {
		return w.store.AppendTurns(ctx, env.Token, userTurn, assistantTurn)
	})
	if err != nil {
		logger.Error("Failed to record turns", "error", err)
		w.notify(ctx, env.Token, session, protocol.CodeStoreFailure, "Your message could not be saved. Please resend it.")
		return outcomeFailed
	}

	if err := w.publish(ctx, session, protocol.NewReply(env.Token, reply, assistantTurn.ID, now)); err != nil {
		// The reply is in history; the client recovers it on reload.
		logger.Warn("Failed to publish reply", "error", err)
	}
	logger.Debug("Message processed", "turn_id", assistantTurn.ID)
	return outcomeReplied
}

// notify publishes a best-effort error entry to the session's outbound stream.
func (w *Worker) notify(ctx context.Context, token string, session *domain.Session, code, message string) {
	env := protocol.NewError(token, code, message, true, w.opts.Clock.Now())
	if err := w.publish(ctx, session, env); err != nil {
		w.logger.Warn("Failed to publish error notice", "token", token, "code", code, "error", err)
	}
}

// publish appends env to the outbound stream and ties the stream's lifetime
// to the session.
func (w *Worker) publish(ctx context.Context, session *domain.Session, env protocol.Envelope) error {
	payload, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	stream := protocol.OutboundStream(env.Token)
	err = shared.Retry(ctx, w.opts.Retry, "publish outbound", isTransient, func(ctx context.Context) error {
		_, err := w.bus.Publish(ctx, stream, payload)
		return err
	})
	if err != nil {
		return err
	}
	// Without a known session the stream keeps whatever expiry it has.
	if session == nil {
		return nil
	}
	if err := w.bus.ExpireAt(ctx, stream, session.ExpiresAt); err != nil {
		w.logger.Warn("Failed to set outbound stream expiry", "stream", stream, "error", err)
	}
	return nil
}

func isTransient(err error) bool {
	return errors.Is(err, bus.ErrUnavailable) || errors.Is(err, store.ErrUnavailable)
}
