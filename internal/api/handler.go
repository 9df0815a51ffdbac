// Package api provides HTTP handlers for the wellness profile API.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ashureev/wellness-profile/internal/conversation"
	"github.com/ashureev/wellness-profile/internal/domain"
	"github.com/ashureev/wellness-profile/internal/session"
)

// Engine handles conversation events.
type Engine interface {
	Handle(ctx context.Context, ev conversation.Event) []conversation.Outbound
}

// Connections reports and reaches the live sockets of a session.
type Connections interface {
	Count(sessionID string) int
	Sessions() int
	Broadcast(ctx context.Context, sessionID string, v any) (int, error)
}

// Sessions reads in-memory session state.
type Sessions interface {
	Get(id string) (session.State, error)
	Len() int
}

// Archive reads completed profiles.
type Archive interface {
	GetCompletedProfile(ctx context.Context, sessionID string) (*domain.CompletedProfile, error)
	Ping(ctx context.Context) error
}

// Handler provides common handler utilities.
type Handler struct {
	engine   Engine
	conns    Connections
	sessions Sessions
	archive  Archive
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(engine Engine, conns Connections, sessions Sessions, archive Archive) *Handler {
	return &Handler{
		engine:   engine,
		conns:    conns,
		sessions: sessions,
		archive:  archive,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error","message":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, statusResponse{Status: "error", Message: message})
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}
