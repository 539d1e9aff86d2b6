package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/chatrelay/internal/bus"
	"github.com/ashureev/chatrelay/internal/clock"
	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/metrics"
	"github.com/ashureev/chatrelay/internal/protocol"
	"github.com/ashureev/chatrelay/internal/shared"
	"github.com/ashureev/chatrelay/internal/store"
	"github.com/ashureev/chatrelay/internal/worker"
	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/time/rate"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type modelFunc func(ctx context.Context, history []domain.Turn, userText string) (string, error)

func (f modelFunc) Reply(ctx context.Context, history []domain.Turn, userText string) (string, error) {
	return f(ctx, history, userText)
}

type env struct {
	clk     *clock.Fake
	repo    *store.SQLiteStore
	bus     *bus.MemoryBus
	manager *Manager
	metrics *metrics.Gateway
	handler *Handler
	url     string
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	clk := clock.NewFake(time.Now())
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "chat.db"), store.Options{TTL: time.Hour, Clock: clk})
	require.NoError(t, err)

	b := bus.NewMemoryBus(clk)
	m := metrics.NewGateway(prometheus.NewRegistry())
	mgr := NewManager()

	opts.Clock = clk
	opts.Metrics = m
	opts.IsDev = true
	if opts.PublishRetry.Attempts == 0 {
		opts.PublishRetry = shared.RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond}
	}
	h := NewHandler(repo, b, mgr, opts)

	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		h.Shutdown()
		_ = b.Close()
		_ = repo.Close()
	})

	return &env{
		clk:     clk,
		repo:    repo,
		bus:     b,
		manager: mgr,
		metrics: m,
		handler: h,
		url:     "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

// runWorkers starts n single-slot workers sharing the inbound stream.
func (e *env) runWorkers(t *testing.T, model worker.Model, n int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, n)
	for i := range n {
		w := worker.New(e.repo, e.bus, model, worker.Options{
			ID:      "w" + string(rune('a'+i)),
			Slots:   1,
			Retry:   shared.RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond},
			Clock:   e.clk,
			Metrics: metrics.NewWorker(prometheus.NewRegistry()),
		})
		go func() { done <- w.Run(ctx) }()
	}
	t.Cleanup(func() {
		cancel()
		for range n {
			require.NoError(t, <-done)
		}
	})
}

func (e *env) session(t *testing.T, name string) *domain.Session {
	t.Helper()
	s, err := e.repo.CreateSession(context.Background(), name)
	require.NoError(t, err)
	return s
}

func (e *env) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, e.url+"/chat?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.CloseNow() })
	return ws
}

// dialStreaming connects and waits until the gateway streams for token.
func (e *env) dialStreaming(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	ws := e.dial(t, token)
	require.Eventually(t, func() bool {
		conn := e.manager.Get(token)
		return conn != nil && conn.State() == StateStreaming
	}, 2*time.Second, 5*time.Millisecond)
	return ws
}

func send(t *testing.T, ws *websocket.Conn, text string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte(text)))
}

func readFrame(t *testing.T, ws *websocket.Conn) protocol.ServerFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := ws.Read(ctx)
	require.NoError(t, err)
	var frame protocol.ServerFrame
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

// readClose reads until the server closes the connection.
func readClose(t *testing.T, ws *websocket.Conn) websocket.CloseError {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		_, _, err := ws.Read(ctx)
		if err == nil {
			continue
		}
		var ce websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected close frame, got %v", err)
		return ce
	}
}

func TestRelayRoundTrip(t *testing.T) {
	e := newEnv(t, Options{})
	e.runWorkers(t, modelFunc(func(_ context.Context, _ []domain.Turn, text string) (string, error) {
		if text == "2+2?" {
			return "4", nil
		}
		return "?", nil
	}), 1)
	s := e.session(t, "Alice")

	ws := e.dialStreaming(t, s.Token)
	send(t, ws, "2+2?")

	frame := readFrame(t, ws)
	require.Equal(t, protocol.FrameMessage, frame.Type)
	require.Equal(t, "4", frame.Body)
	require.Equal(t, domain.OriginAssistant, frame.Origin)
	require.NotEmpty(t, frame.ID)

	history, err := e.repo.GetHistory(context.Background(), s.Token, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "2+2?", history[0].Body)
	require.Equal(t, domain.OriginUser, history[0].Origin)
	require.Equal(t, "4", history[1].Body)
	require.Equal(t, frame.ID, history[1].ID)

	require.Eventually(t, func() bool {
		return e.bus.Pending(protocol.OutboundStream(s.Token), protocol.GatewayGroup) == 0
	}, time.Second, 5*time.Millisecond)
	require.InDelta(t, 1, testutil.ToFloat64(e.metrics.Published.WithLabelValues("ok")), 0)
}

func TestRejectsUnknownToken(t *testing.T) {
	e := newEnv(t, Options{})

	ws := e.dial(t, "unknown")
	ce := readClose(t, ws)
	require.Equal(t, websocket.StatusPolicyViolation, ce.Code)
	require.Equal(t, "Session not authenticated or expired token", ce.Reason)
	require.Zero(t, e.manager.Count())
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(e.metrics.Closures.WithLabelValues("auth_failed")) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRejectsMissingToken(t *testing.T) {
	e := newEnv(t, Options{})

	ws := e.dial(t, "")
	ce := readClose(t, ws)
	require.Equal(t, websocket.StatusPolicyViolation, ce.Code)
	require.Equal(t, "Token is required", ce.Reason)
	require.Zero(t, e.manager.Count())
}

func TestExpiredSessionClosesOnNextMessage(t *testing.T) {
	e := newEnv(t, Options{SessionCheckInterval: time.Hour})
	s := e.session(t, "Alice")

	ws := e.dialStreaming(t, s.Token)
	e.clk.Advance(2 * time.Hour)
	send(t, ws, "still there?")

	ce := readClose(t, ws)
	require.Equal(t, websocket.StatusPolicyViolation, ce.Code)
	require.Equal(t, "session expired", ce.Reason)
	require.Zero(t, e.bus.Len(protocol.InboundStream))
	require.InDelta(t, 1, testutil.ToFloat64(e.metrics.Published.WithLabelValues("dropped")), 0)
	require.Eventually(t, func() bool { return e.manager.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestExpiryWatchClosesIdleConnection(t *testing.T) {
	e := newEnv(t, Options{SessionCheckInterval: 10 * time.Millisecond})
	s := e.session(t, "Alice")

	ws := e.dialStreaming(t, s.Token)
	e.clk.Advance(2 * time.Hour)

	ce := readClose(t, ws)
	require.Equal(t, websocket.StatusPolicyViolation, ce.Code)
	require.Equal(t, "session expired", ce.Reason)
}

func TestPublishFailureIsNonFatal(t *testing.T) {
	e := newEnv(t, Options{})
	s := e.session(t, "Alice")

	ws := e.dialStreaming(t, s.Token)
	e.bus.FailPublishes(2)
	send(t, ws, "hello")

	frame := readFrame(t, ws)
	require.Equal(t, protocol.FrameError, frame.Type)
	require.Equal(t, protocol.CodeBusUnavailable, frame.Code)
	require.True(t, frame.Retryable)

	// The connection stays usable.
	send(t, ws, `{"type":"ping"}`)
	require.Equal(t, protocol.FramePong, readFrame(t, ws).Type)
	send(t, ws, "hello again")
	require.Eventually(t, func() bool { return e.bus.Len(protocol.InboundStream) == 1 }, time.Second, 5*time.Millisecond)
}

func TestPublishRetriesTransientFailure(t *testing.T) {
	e := newEnv(t, Options{PublishRetry: shared.RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}})
	s := e.session(t, "Alice")

	ws := e.dialStreaming(t, s.Token)
	e.bus.FailPublishes(2)
	send(t, ws, "hello")

	require.Eventually(t, func() bool { return e.bus.Len(protocol.InboundStream) == 1 }, time.Second, 5*time.Millisecond)
}

func TestRejectsBlankAndRateLimitedMessages(t *testing.T) {
	e := newEnv(t, Options{RateLimit: rate.Every(time.Hour), RateBurst: 1})
	s := e.session(t, "Alice")

	ws := e.dialStreaming(t, s.Token)
	send(t, ws, "   ")
	frame := readFrame(t, ws)
	require.Equal(t, protocol.CodeInvalidMessage, frame.Code)

	send(t, ws, "one")
	send(t, ws, "two")
	frame = readFrame(t, ws)
	require.Equal(t, protocol.CodeRateLimited, frame.Code)
	require.True(t, frame.Retryable)
	require.Equal(t, 1, e.bus.Len(protocol.InboundStream))
}

func TestDeliversRepliesPublishedBeforeConnect(t *testing.T) {
	e := newEnv(t, Options{})
	s := e.session(t, "Alice")

	payload, err := protocol.Encode(protocol.NewReply(s.Token, "while you were away", "9-assistant", e.clk.Now()))
	require.NoError(t, err)
	_, err = e.bus.Publish(context.Background(), protocol.OutboundStream(s.Token), payload)
	require.NoError(t, err)

	ws := e.dialStreaming(t, s.Token)
	frame := readFrame(t, ws)
	require.Equal(t, "while you were away", frame.Body)
	require.Equal(t, "9-assistant", frame.ID)
}

func TestSecondConnectionReplacesFirst(t *testing.T) {
	e := newEnv(t, Options{})
	s := e.session(t, "Alice")

	first := e.dialStreaming(t, s.Token)
	e.dial(t, s.Token)

	ce := readClose(t, first)
	require.Equal(t, websocket.StatusNormalClosure, ce.Code)
	require.Equal(t, "session replaced", ce.Reason)
	require.Eventually(t, func() bool {
		conn := e.manager.Get(s.Token)
		return e.manager.Count() == 1 && conn != nil && conn.State() == StateStreaming
	}, 2*time.Second, 5*time.Millisecond)
}

func TestShutdownClosesConnections(t *testing.T) {
	e := newEnv(t, Options{})
	s := e.session(t, "Alice")

	ws := e.dialStreaming(t, s.Token)
	go e.handler.Shutdown()

	ce := readClose(t, ws)
	require.Equal(t, websocket.StatusGoingAway, ce.Code)
}

func TestSendOrderKeptAcrossWorkers(t *testing.T) {
	e := newEnv(t, Options{})
	release := make(chan struct{})
	e.runWorkers(t, modelFunc(func(ctx context.Context, _ []domain.Turn, text string) (string, error) {
		if text == "first" {
			select {
			case <-release:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		return "re: " + text, nil
	}), 2)
	s := e.session(t, "Alice")

	ws := e.dialStreaming(t, s.Token)
	send(t, ws, "first")
	send(t, ws, "second")

	require.Equal(t, "re: second", readFrame(t, ws).Body)
	close(release)
	require.Equal(t, "re: first", readFrame(t, ws).Body)

	history, err := e.repo.GetHistory(context.Background(), s.Token, 10)
	require.NoError(t, err)
	bodies := make([]string, len(history))
	for i, turn := range history {
		bodies[i] = turn.Body
	}
	require.Equal(t, []string{"first", "re: first", "second", "re: second"}, bodies)
}
