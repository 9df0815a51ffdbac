package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/wellness-profile/internal/conversation"
	"github.com/ashureev/wellness-profile/internal/domain"
	"github.com/ashureev/wellness-profile/internal/identity"
	"github.com/ashureev/wellness-profile/internal/session"
)

// ProfileHandler serves the profile REST endpoints.
type ProfileHandler struct {
	*Handler
}

// NewProfileHandler creates a new profile handler.
func NewProfileHandler(base *Handler) *ProfileHandler {
	return &ProfileHandler{Handler: base}
}

// RegisterRoutes registers profile routes.
func (h *ProfileHandler) RegisterRoutes(r chi.Router) {
	// identity.Middleware reads the URL param, so it must run after routing.
	r.Route("/profile", func(r chi.Router) {
		r.With(identity.Middleware).Post("/initialize/{session_id}", h.Initialize)
		r.With(identity.Middleware).Get("/status/{session_id}", h.Status)
		r.With(identity.Middleware).Get("/result/{session_id}", h.Result)
	})
}

// Initialize sends the introduction to every live connection of a session.
func (h *ProfileHandler) Initialize(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromContext(r.Context())
	if h.conns.Count(sessionID) == 0 {
		Error(w, http.StatusNotFound, "No connection found for session")
		return
	}

	ctx := r.Context()
	for _, out := range h.engine.Handle(ctx, conversation.Event{
		Event:     conversation.EventInitProfile,
		SessionID: sessionID,
	}) {
		if _, err := h.conns.Broadcast(ctx, sessionID, out); err != nil {
			slog.Warn("Failed to deliver introduction", "session_id", sessionID, "error", err)
		}
	}

	slog.Info("Wellness profile initialized over HTTP", "session_id", sessionID)
	JSON(w, http.StatusOK, statusResponse{Status: "success", Message: "Wellness profile initialized"})
}

type statusBody struct {
	SessionID          string                  `json:"sessionId"`
	Stage              domain.Stage            `json:"stage"`
	Profile            domain.Profile          `json:"profile"`
	Confidence         map[string]domain.Level `json:"confidence"`
	MissingFields      []string                `json:"missingFields"`
	AssistantReplies   int                     `json:"assistantReplies"`
	GenerationInFlight bool                    `json:"generationInFlight"`
	Connections        int                     `json:"connections"`
	UpdatedAt          time.Time               `json:"updatedAt"`
}

// Status reports the in-memory state of a session.
func (h *ProfileHandler) Status(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromContext(r.Context())

	st, err := h.sessions.Get(sessionID)
	if errors.Is(err, session.ErrSessionNotFound) {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		slog.Error("Failed to read session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to read session")
		return
	}

	missing := st.Profile.MissingFields(st.Confidence)
	if missing == nil {
		missing = []string{}
	}
	JSON(w, http.StatusOK, statusBody{
		SessionID:          st.ID,
		Stage:              st.Stage,
		Profile:            st.Profile,
		Confidence:         st.Confidence.Effective(),
		MissingFields:      missing,
		AssistantReplies:   st.AssistantReplies,
		GenerationInFlight: st.GenerationInFlight,
		Connections:        h.conns.Count(sessionID),
		UpdatedAt:          st.UpdatedAt,
	})
}

// Result returns the archived completed profile of a session.
func (h *ProfileHandler) Result(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromContext(r.Context())

	rec, err := h.archive.GetCompletedProfile(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to read completed profile", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to read completed profile")
		return
	}
	if rec == nil {
		Error(w, http.StatusNotFound, "no completed profile for session")
		return
	}
	JSON(w, http.StatusOK, rec)
}
