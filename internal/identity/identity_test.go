package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/store"
)

type fakeLookup struct {
	sessions map[string]*domain.Session
	err      error
}

func (f *fakeLookup) GetSession(_ context.Context, token string) (*domain.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	if s, ok := f.sessions[token]; ok {
		return s, nil
	}
	return nil, store.ErrNotFound
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/chat_history?token=abc", nil)
	if got := TokenFromRequest(r); got != "abc" {
		t.Errorf("query token = %q, want abc", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/chat_history", nil)
	r.Header.Set("Authorization", "Bearer xyz")
	if got := TokenFromRequest(r); got != "xyz" {
		t.Errorf("bearer token = %q, want xyz", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/chat_history", nil)
	r.Header.Set("Authorization", "Basic xyz")
	if got := TokenFromRequest(r); got != "" {
		t.Errorf("basic auth token = %q, want empty", got)
	}
}

func TestMiddleware(t *testing.T) {
	live := &domain.Session{Token: "live", OwnerName: "ada", ExpiresAt: time.Now().Add(time.Hour)}
	lookup := &fakeLookup{sessions: map[string]*domain.Session{"live": live}}

	var seen *domain.Session
	handler := Middleware(lookup)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SessionFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{"missing token", "/chat_history", http.StatusBadRequest},
		{"unknown token", "/chat_history?token=gone", http.StatusGone},
		{"live token", "/chat_history?token=live", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.target, nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
	if seen == nil || seen.OwnerName != "ada" {
		t.Errorf("session in context = %+v, want ada", seen)
	}

	lookup.err = errors.New("boom")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat_history?token=live", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("store failure status = %d, want 503", rec.Code)
	}
}
