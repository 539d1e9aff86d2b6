package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/chatrelay/internal/bus"
	"github.com/ashureev/chatrelay/internal/clock"
	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/identity"
	"github.com/ashureev/chatrelay/internal/metrics"
	"github.com/ashureev/chatrelay/internal/protocol"
	"github.com/ashureev/chatrelay/internal/shared"
	"github.com/ashureev/chatrelay/internal/store"
	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	// maxFrameBytes leaves room for JSON framing around a maximal message.
	maxFrameBytes  = 2 * protocol.MaxTextBytes
	publishTimeout = 10 * time.Second
	retryPause     = time.Second
)

// Options configures a Handler.
type Options struct {
	AllowedOrigin        string
	IsDev                bool
	PublishRetry         shared.RetryPolicy
	SessionCheckInterval time.Duration
	RateLimit            rate.Limit
	RateBurst            int
	Clock                clock.Clock
	Metrics              *metrics.Gateway
	Logger               *slog.Logger
}

// Handler serves the chat WebSocket endpoint.
type Handler struct {
	sessions identity.SessionLookup
	bus      bus.Bus
	manager  *Manager
	opts     Options
	logger   *slog.Logger
	active   sync.WaitGroup
}

// NewHandler creates a WebSocket handler.
func NewHandler(sessions identity.SessionLookup, b bus.Bus, manager *Manager, opts Options) *Handler {
	if opts.PublishRetry.Attempts <= 0 {
		opts.PublishRetry = shared.RetryPolicy{Attempts: 3, BaseDelay: 100 * time.Millisecond}
	}
	if opts.SessionCheckInterval <= 0 {
		opts.SessionCheckInterval = 30 * time.Second
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = rate.Inf
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 1
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewGateway(prometheus.NewRegistry())
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		sessions: sessions,
		bus:      b,
		manager:  manager,
		opts:     opts,
		logger:   logger,
	}
}

// Shutdown closes all live connections and waits for their handlers to
// return. Call it after the HTTP server stopped accepting requests.
func (h *Handler) Shutdown() {
	h.manager.CloseAll()
	h.active.Wait()
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := identity.TokenFromRequest(r)
	logger := h.logger.With("token", token, "ip", identity.IPFromRequest(r))
	logger.Info("WebSocket connection request")

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	h.active.Add(1)
	defer h.active.Done()
	ws.SetReadLimit(maxFrameBytes)

	conn := newConnection(token, wsTransport{conn: ws}, h.opts.Clock.Now())
	if token == "" {
		h.reject(conn, reasonTokenMissing, logger)
		return
	}

	session, err := h.sessions.GetSession(r.Context(), token)
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.reject(conn, reasonAuthFailed, logger)
		return
	case err != nil:
		logger.Error("Session lookup failed", "error", err)
		h.reject(conn, reasonStoreError, logger)
		return
	}

	h.serve(conn, session, logger.With("conn_id", conn.ID))
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.opts.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.opts.AllowedOrigin == "*" {
		return true
	}
	if origin == h.opts.AllowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.opts.AllowedOrigin)
	return false
}

// reject closes a connection that failed authentication. No connection
// record is registered for it.
func (h *Handler) reject(conn *Connection, reason *closeReason, logger *slog.Logger) {
	logger.Info("Rejecting connection", "reason", reason.label)
	if err := conn.reject(reason); err != nil {
		logger.Debug("Failed to close rejected websocket", "error", err)
	}
	h.opts.Metrics.Closures.WithLabelValues(reason.label).Inc()
}

// serve runs an authenticated connection until it closes. The connection's
// lifetime is driven by its transport, not by the request context.
func (h *Handler) serve(conn *Connection, session *domain.Session, logger *slog.Logger) {
	ctx := context.Background()
	if err := conn.transition(StateAuthenticated); err != nil {
		logger.Error("Unexpected state", "error", err)
		return
	}
	defer h.finish(conn, logger)

	if err := h.prepareOutbound(ctx, conn.Token, session); err != nil {
		logger.Error("Failed to prepare outbound stream", "error", err)
		conn.Close(reasonBusError)
		return
	}

	h.manager.Register(conn)
	if err := conn.transition(StateStreaming); err != nil {
		// Replaced before it started streaming.
		logger.Info("Connection closed before streaming", "error", err)
		return
	}
	h.opts.Metrics.Connections.Inc()
	defer h.opts.Metrics.Connections.Dec()
	logger.Info("Connection streaming", "expires_at", session.ExpiresAt)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return h.inbound(conn, logger)
	})
	g.Go(func() error {
		return h.outbound(gctx, conn, session, logger)
	})
	g.Go(func() error {
		return h.watchExpiry(gctx, conn, logger)
	})
	if err := g.Wait(); err != nil {
		logger.Debug("Connection loops ended", "error", err)
	}
}

// finish releases the connection record.
func (h *Handler) finish(conn *Connection, logger *slog.Logger) {
	conn.Close(reasonClientClosed)
	if err := conn.transition(StateClosed); err != nil {
		logger.Warn("Unexpected state on close", "error", err)
	}
	h.manager.Unregister(conn)

	label := "unknown"
	if reason := conn.closedReason(); reason != nil {
		label = reason.label
	}
	h.opts.Metrics.Closures.WithLabelValues(label).Inc()
	logger.Info("Connection closed", "reason", label, "duration", h.opts.Clock.Now().Sub(conn.Connected))
}

// prepareOutbound makes sure the token's outbound stream and gateway group
// exist and expire with the session.
func (h *Handler) prepareOutbound(ctx context.Context, token string, session *domain.Session) error {
	stream := protocol.OutboundStream(token)
	return shared.Retry(ctx, h.opts.PublishRetry, "prepare outbound", isBusTransient, func(ctx context.Context) error {
		if err := h.bus.EnsureGroup(ctx, stream, protocol.GatewayGroup); err != nil {
			return err
		}
		return h.bus.ExpireAt(ctx, stream, session.ExpiresAt)
	})
}

// inbound reads client frames until the transport closes. It always returns
// the reason the connection ended.
func (h *Handler) inbound(conn *Connection, logger *slog.Logger) error {
	limiter := rate.NewLimiter(h.opts.RateLimit, h.opts.RateBurst)
	for {
		data, err := conn.transport.Read(context.Background())
		if err != nil {
			reason := conn.closedReason()
			if reason == nil {
				reason = reasonTransport
				if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
					reason = reasonClientClosed
				} else {
					logger.Debug("WebSocket read error", "error", err)
				}
				conn.Close(reason)
			}
			return reason
		}

		frame := protocol.ParseClientFrame(data)
		switch frame.Type {
		case protocol.FramePing:
			err = conn.send(protocol.PongFrame())
		case protocol.FrameMessage:
			err = h.relay(conn, limiter, frame.Text, logger)
		default:
			err = conn.send(protocol.ErrorFrame(protocol.CodeInvalidMessage, "Unsupported frame type.", false))
		}
		if err != nil {
			return err
		}
	}
}

// relay publishes one user message to the inbound stream. It only returns
// an error when the connection must end. The publish runs detached from
// the connection so a client disconnect does not abort it.
func (h *Handler) relay(conn *Connection, limiter *rate.Limiter, text string, logger *slog.Logger) error {
	if protocol.IsBlank(text) {
		return conn.send(protocol.ErrorFrame(protocol.CodeInvalidMessage, "Message is empty.", false))
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	_, err := h.sessions.GetSession(ctx, conn.Token)
	switch {
	case errors.Is(err, store.ErrNotFound):
		logger.Info("Dropping message for expired session")
		h.opts.Metrics.Published.WithLabelValues("dropped").Inc()
		conn.Close(reasonSessionExpired)
		return reasonSessionExpired
	case err != nil:
		logger.Error("Session lookup failed", "error", err)
		h.opts.Metrics.Published.WithLabelValues("failed").Inc()
		return conn.send(protocol.ErrorFrame(protocol.CodeStoreFailure, "Your message could not be sent. Please try again.", true))
	}

	if !limiter.Allow() {
		h.opts.Metrics.Published.WithLabelValues("rate_limited").Inc()
		return conn.send(protocol.ErrorFrame(protocol.CodeRateLimited, "Too many messages. Please slow down.", true))
	}

	payload, err := protocol.Encode(protocol.NewUserMessage(conn.Token, text, h.opts.Clock.Now()))
	if err != nil {
		logger.Info("Rejecting invalid message", "error", err)
		return conn.send(protocol.ErrorFrame(protocol.CodeInvalidMessage, "Message is too long.", false))
	}

	err = shared.Retry(ctx, h.opts.PublishRetry, "publish inbound", isBusTransient, func(ctx context.Context) error {
		_, err := h.bus.Publish(ctx, protocol.InboundStream, payload)
		return err
	})
	if err != nil {
		logger.Warn("Failed to publish message", "error", err)
		h.opts.Metrics.Published.WithLabelValues("failed").Inc()
		return conn.send(protocol.ErrorFrame(protocol.CodeBusUnavailable, "Message service is temporarily unavailable. Please resend.", true))
	}
	h.opts.Metrics.Published.WithLabelValues("ok").Inc()
	return nil
}

// outbound forwards entries from the token's outbound stream to the client.
// Entries are acknowledged after they are written, so anything not written
// stays pending and is replayed to the next connection for the token.
func (h *Handler) outbound(ctx context.Context, conn *Connection, session *domain.Session, logger *slog.Logger) error {
	stream := protocol.OutboundStream(conn.Token)
	consumer := protocol.GatewayConsumer(conn.Token)

	for ctx.Err() == nil {
		var lastErr error
		for d, err := range h.bus.Consume(ctx, stream, protocol.GatewayGroup, consumer) {
			if err != nil {
				lastErr = err
				if !errors.Is(err, bus.ErrClosed) && !errors.Is(err, bus.ErrStreamGone) {
					logger.Warn("Outbound consume error", "error", err)
				}
				continue
			}
			if err := h.deliver(conn, d, logger); err != nil {
				return err
			}
		}

		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(lastErr, bus.ErrClosed):
			conn.Close(reasonShutdown)
			return reasonShutdown
		case errors.Is(lastErr, bus.ErrStreamGone):
			if _, err := h.sessions.GetSession(ctx, conn.Token); errors.Is(err, store.ErrNotFound) {
				conn.Close(reasonSessionExpired)
				return reasonSessionExpired
			}
			if err := h.prepareOutbound(ctx, conn.Token, session); err != nil {
				logger.Warn("Failed to recreate outbound stream", "error", err)
				pause(ctx, retryPause)
			}
		}
	}
	return nil
}

func (h *Handler) deliver(conn *Connection, d *bus.Delivery, logger *slog.Logger) error {
	env, err := protocol.DecodeOutbound(d.Payload, conn.Token)
	if err != nil {
		logger.Warn("Skipping malformed outbound entry", "entry_id", d.ID, "error", err)
	} else {
		if err := conn.send(protocol.FrameFromEnvelope(env)); err != nil {
			return err
		}
		h.opts.Metrics.Delivered.Inc()
	}

	ackCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := d.Ack(ackCtx); err != nil {
		logger.Warn("Failed to ack outbound entry", "entry_id", d.ID, "error", err)
	}
	return nil
}

// watchExpiry force-closes the connection once its session is gone.
func (h *Handler) watchExpiry(ctx context.Context, conn *Connection, logger *slog.Logger) error {
	ticker := time.NewTicker(h.opts.SessionCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, err := h.sessions.GetSession(ctx, conn.Token)
			if errors.Is(err, store.ErrNotFound) {
				logger.Info("Session expired, closing connection")
				conn.Close(reasonSessionExpired)
				return reasonSessionExpired
			}
			if err != nil && ctx.Err() == nil {
				logger.Warn("Session check failed", "error", err)
			}
		}
	}
}

func isBusTransient(err error) bool {
	return errors.Is(err, bus.ErrUnavailable)
}

func pause(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
