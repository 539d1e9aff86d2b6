package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/chatrelay/internal/clock"
	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/protocol"
	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrSessionEnded is returned when the gateway reports the token as
	// invalid or expired.
	ErrSessionEnded = errors.New("session ended")

	errUnexpectedStatus = errors.New("unexpected status")
)

// Session is the gateway's answer to a token request.
type Session struct {
	Token        string    `json:"token"`
	Name         string    `json:"name"`
	SessionStart time.Time `json:"session_start"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Events receives what happens on a chat connection. Methods are called
// from the client's goroutines, one at a time.
type Events interface {
	OnState(State)
	OnHistory([]domain.Turn)
	OnFrame(protocol.ServerFrame)
}

// Options configures a Client.
type Options struct {
	HTTPClient *http.Client
	Policy     Policy
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Client talks to one gateway.
type Client struct {
	baseURL string
	http    *http.Client
	policy  Policy
	clock   clock.Clock
	logger  *slog.Logger

	mu    sync.Mutex
	state State
}

// New creates a client for the gateway at baseURL (http or https).
func New(baseURL string, opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Policy == (Policy{}) {
		opts.Policy = DefaultPolicy
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    opts.HTTPClient,
		policy:  opts.Policy,
		clock:   opts.Clock,
		logger:  opts.Logger,
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State, events Events) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	events.OnState(s)
}

// RequestToken starts a new session for name.
func (c *Client) RequestToken(ctx context.Context, name string) (*Session, error) {
	body, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/token", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var session Session
	if err := c.doJSON(req, &session); err != nil {
		return nil, fmt.Errorf("request token: %w", err)
	}
	return &session, nil
}

// DefaultHistory asks History for the gateway's configured window.
const DefaultHistory = -1

// History returns the session's recent turns, oldest first. limit 0 asks
// for the whole history and DefaultHistory for the gateway default.
func (c *Client) History(ctx context.Context, token string, limit int) ([]domain.Turn, error) {
	q := url.Values{"token": {token}}
	if limit >= 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/chat_history?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Messages []domain.Turn `json:"messages"`
	}
	if err := c.doJSON(req, &resp); err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	return resp.Messages, nil
}

func (c *Client) doJSON(req *http.Request, v any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusGone:
		return ErrSessionEnded
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: %s", errUnexpectedStatus, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// Run keeps a chat connection for token open until the session ends, the
// input channel is closed (logout) or ctx is cancelled. Lines received on
// input are sent as messages. History is reloaded on every connect.
func (c *Client) Run(ctx context.Context, token string, input <-chan string, events Events) error {
	wsURL, err := c.chatURL(token)
	if err != nil {
		return err
	}

	for {
		c.setState(StateConnecting, events)
		ws, _, err := websocket.Dial(ctx, wsURL, nil)
		if err != nil {
			if ctx.Err() != nil {
				c.setState(StateLoggedOut, events)
				return nil
			}
			c.logger.Warn("Dial failed", "error", err)
			if !c.pause(ctx, c.policy.OnDialError(), events) {
				return nil
			}
			continue
		}

		connectedAt := c.clock.Now()
		code, err := c.session(ctx, ws, token, input, events)
		if errors.Is(err, ErrSessionEnded) {
			c.setState(StateSessionEnded, events)
			return ErrSessionEnded
		}
		if ctx.Err() != nil {
			c.setState(StateLoggedOut, events)
			return nil
		}

		decision := c.policy.OnClose(code, c.clock.Now().Sub(connectedAt))
		c.logger.Info("Connection closed", "code", code, "next", decision.Next)
		switch decision.Next {
		case StateLoggedOut:
			c.setState(StateLoggedOut, events)
			return nil
		case StateSessionEnded:
			c.setState(StateSessionEnded, events)
			return ErrSessionEnded
		}
		if !c.pause(ctx, decision, events) {
			return nil
		}
	}
}

// pause waits out a reconnect delay. It returns false if ctx ended first.
func (c *Client) pause(ctx context.Context, d Decision, events Events) bool {
	c.setState(d.Next, events)
	timer := time.NewTimer(d.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		c.setState(StateLoggedOut, events)
		return false
	case <-timer.C:
		return true
	}
}

// session runs one connection and returns its close code.
func (c *Client) session(ctx context.Context, ws *websocket.Conn, token string, input <-chan string, events Events) (websocket.StatusCode, error) {
	defer func() { _ = ws.CloseNow() }()

	turns, err := c.History(ctx, token, DefaultHistory)
	switch {
	case errors.Is(err, ErrSessionEnded):
		_ = ws.Close(websocket.StatusNormalClosure, "session ended")
		return websocket.StatusPolicyViolation, ErrSessionEnded
	case err != nil:
		c.logger.Warn("History reload failed", "error", err)
	default:
		events.OnHistory(turns)
	}
	c.setState(StateConnected, events)

	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	var loggedOut atomic.Bool
	logout := func() {
		loggedOut.Store(true)
		if err := ws.Close(websocket.StatusNormalClosure, "logout"); err != nil {
			c.logger.Debug("Close after logout failed", "error", err)
		}
	}

	g.Go(func() error {
		defer close(done)
		for {
			// Reads are not bound to ctx: cancelling a read tears the
			// connection down without a close handshake.
			_, data, err := ws.Read(context.Background())
			if err != nil {
				return err
			}
			var frame protocol.ServerFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				c.logger.Warn("Ignoring malformed frame", "error", err)
				continue
			}
			events.OnFrame(frame)
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				if ctx.Err() != nil {
					logout()
				}
				return nil
			case text, ok := <-input:
				if !ok {
					logout()
					return nil
				}
				data, _ := json.Marshal(protocol.ClientFrame{Type: protocol.FrameMessage, Text: text})
				if err := ws.Write(gctx, websocket.MessageText, data); err != nil {
					return err
				}
			}
		}
	})

	err = g.Wait()
	if loggedOut.Load() {
		return websocket.StatusNormalClosure, nil
	}
	return websocket.CloseStatus(err), nil
}

func (c *Client) chatURL(token string) (string, error) {
	u, err := url.Parse(c.baseURL + "/chat")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}
