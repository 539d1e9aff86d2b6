package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/identity"
	"github.com/ashureev/chatrelay/internal/store"
	"github.com/go-chi/chi/v5"
)

const maxNameBytes = 1 << 10

// SessionHandler issues tokens and serves chat history.
type SessionHandler struct {
	*Handler
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(base *Handler) *SessionHandler {
	return &SessionHandler{Handler: base}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Get("/test", h.Test)
	r.Post("/token", h.CreateToken)
	r.With(identity.Middleware(h.repo)).Get("/chat_history", h.ChatHistory)
}

type tokenRequest struct {
	Name string `json:"name" validate:"required,max=64"`
}

// TokenResponse is returned by POST /token.
type TokenResponse struct {
	Token        string        `json:"token"`
	Name         string        `json:"name"`
	SessionStart time.Time     `json:"session_start"`
	ExpiresAt    time.Time     `json:"expires_at"`
	Messages     []domain.Turn `json:"messages"`
}

// HistoryResponse is returned by GET /chat_history.
type HistoryResponse struct {
	Token        string        `json:"token"`
	Name         string        `json:"name"`
	SessionStart time.Time     `json:"session_start"`
	Messages     []domain.Turn `json:"messages"`
}

type fieldError struct {
	Loc string `json:"loc"`
	Msg string `json:"msg"`
}

// Test answers the legacy connectivity probe.
func (h *SessionHandler) Test(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"msg": "API is Online"})
}

// CreateToken starts a session for the given display name. The name is read
// from a JSON body or a form field.
func (h *SessionHandler) CreateToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxNameBytes)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			slog.Debug("Invalid token request body", "error", err)
		}
	} else {
		req.Name = r.FormValue("name")
	}
	req.Name = strings.TrimSpace(req.Name)

	if err := h.validate.Struct(req); err != nil {
		JSON(w, http.StatusBadRequest, map[string]fieldError{
			"detail": {Loc: "name", Msg: "Enter a valid name"},
		})
		return
	}

	session, err := h.repo.CreateSession(r.Context(), req.Name)
	if err != nil {
		slog.Error("Failed to create session", "error", err)
		Error(w, http.StatusServiceUnavailable, "store_unavailable")
		return
	}
	slog.Info("Session created", "token", session.Token, "ip", identity.IPFromRequest(r))

	JSON(w, http.StatusOK, TokenResponse{
		Token:        session.Token,
		Name:         session.OwnerName,
		SessionStart: session.CreatedAt,
		ExpiresAt:    session.ExpiresAt,
		Messages:     []domain.Turn{},
	})
}

// ChatHistory returns the most recent turns of the caller's session,
// oldest first. The optional limit parameter overrides the default window;
// 0 returns everything.
func (h *SessionHandler) ChatHistory(w http.ResponseWriter, r *http.Request) {
	session := identity.SessionFromContext(r.Context())
	if session == nil {
		Error(w, http.StatusGone, "session_expired")
		return
	}

	limit := h.historyLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			Error(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		limit = n
	}

	turns, err := h.repo.GetHistory(r.Context(), session.Token, limit)
	switch {
	case errors.Is(err, store.ErrNotFound):
		Error(w, http.StatusGone, "session_expired")
		return
	case err != nil:
		slog.Error("Failed to read history", "token", session.Token, "error", err)
		Error(w, http.StatusServiceUnavailable, "store_unavailable")
		return
	}

	JSON(w, http.StatusOK, HistoryResponse{
		Token:        session.Token,
		Name:         session.OwnerName,
		SessionStart: session.CreatedAt,
		Messages:     turns,
	})
}
