// Package api provides the HTTP handlers of the chat relay gateway.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/ashureev/chatrelay/internal/store"
	"github.com/go-playground/validator/v10"
)

// Handler provides common handler utilities.
type Handler struct {
	repo         store.Repository
	historyLimit int
	validate     *validator.Validate
}

// NewHandler creates a new Handler with common dependencies. historyLimit
// is the number of turns /chat_history returns when no limit is given.
func NewHandler(repo store.Repository, historyLimit int) *Handler {
	if historyLimit <= 0 {
		historyLimit = 10
	}
	return &Handler{
		repo:         repo,
		historyLimit: historyLimit,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
