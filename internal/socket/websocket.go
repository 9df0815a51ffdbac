package socket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/coder/websocket"

	"github.com/ashureev/wellness-profile/internal/conversation"
	"github.com/ashureev/wellness-profile/internal/identity"
)

const (
	// MaxMessageLength bounds the text of a user answer, in characters.
	MaxMessageLength = 1000
	readLimit        = 16 << 10

	eventInvalidMessage = "invalid_message"
)

// ErrInvalidMessage is returned for inbound frames that fail validation.
var ErrInvalidMessage = errors.New("invalid message")

// Engine is the conversation logic the handler feeds.
type Engine interface {
	Connect(sessionID string)
	Forget(sessionID string)
	Handle(ctx context.Context, ev conversation.Event) []conversation.Outbound
}

// inboundMessage is the JSON a client sends.
type inboundMessage struct {
	Event     string  `json:"event"`
	SessionID *string `json:"sessionId,omitempty"`
	Status    *string `json:"status,omitempty"`
	Message   *string `json:"message,omitempty"`
}

// Handler serves the profiling WebSocket endpoint.
type Handler struct {
	engine        Engine
	sm            *Manager
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger

	inflight sync.WaitGroup
}

// NewHandler creates a new WebSocket handler.
func NewHandler(engine Engine, sm *Manager, allowedOrigin string, isDev bool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine:        engine,
		sm:            sm,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        logger,
	}
}

// Wait blocks until every dispatched event has been handled.
func (h *Handler) Wait() {
	h.inflight.Wait()
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromContext(r.Context())
	if sessionID == "" {
		http.Error(w, `{"status":"error","message":"missing session id"}`, http.StatusBadRequest)
		return
	}
	h.logger.Info("WebSocket connection request", "session_id", sessionID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	ws.SetReadLimit(readLimit)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	connID, _ := h.sm.Register(sessionID, ws)
	h.engine.Connect(sessionID)
	defer func() {
		if last := h.sm.Unregister(sessionID, connID); last && !h.sm.IsLive(sessionID) {
			h.engine.Forget(sessionID)
		}
	}()

	h.readLoop(r.Context(), ws, sessionID, connID)
	h.logger.Info("WebSocket session ended", "session_id", sessionID, "connection_id", connID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, sessionID, connID string) {
	// Extraction outlives the socket; results for a forgotten session are dropped.
	dispatchCtx := context.WithoutCancel(ctx)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("WebSocket closed by client", "session_id", sessionID)
			} else if ctx.Err() == nil {
				h.logger.Warn("WebSocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		ev, err := parseInbound(data, sessionID)
		if err != nil {
			h.logger.Info("Rejected inbound message", "session_id", sessionID, "error", err)
			notice := conversation.Outbound{Event: eventInvalidMessage, Message: noticeText(err)}
			if err := h.writeJSON(ctx, ws, notice); err != nil {
				h.logger.Debug("Failed to send invalid_message notice", "error", err)
			}
			continue
		}
		ev.ConnectionID = connID

		h.inflight.Add(1)
		go func() {
			defer h.inflight.Done()
			h.dispatch(dispatchCtx, ev)
		}()
	}
}

func (h *Handler) dispatch(ctx context.Context, ev conversation.Event) {
	for _, out := range h.engine.Handle(ctx, ev) {
		n, err := h.sm.Broadcast(ctx, ev.SessionID, out)
		if err != nil {
			h.logger.Warn("Failed to deliver message to every connection",
				"session_id", ev.SessionID,
				"event", out.Event,
				"delivered", n,
				"error", err,
			)
		}
	}
}

func (h *Handler) writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}

func noticeText(err error) string {
	detail := strings.TrimPrefix(err.Error(), ErrInvalidMessage.Error()+": ")
	return "Invalid message: " + detail
}

// parseInbound decodes and validates a client frame. Unknown fields and
// unknown events are rejected.
func parseInbound(data []byte, sessionID string) (conversation.Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg inboundMessage
	if err := dec.Decode(&msg); err != nil {
		return conversation.Event{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if dec.More() {
		return conversation.Event{}, fmt.Errorf("%w: trailing data", ErrInvalidMessage)
	}
	if msg.SessionID != nil && *msg.SessionID != sessionID {
		return conversation.Event{}, fmt.Errorf("%w: session id does not match connection", ErrInvalidMessage)
	}

	ev := conversation.Event{Event: msg.Event, SessionID: sessionID}
	switch msg.Event {
	case conversation.EventInitProfile:
		if msg.Message != nil {
			ev.Message = *msg.Message
		}
	case conversation.EventUserAnswer:
		if msg.Message == nil {
			return conversation.Event{}, fmt.Errorf("%w: message is required", ErrInvalidMessage)
		}
		n := utf8.RuneCountInString(*msg.Message)
		if n < 1 || n > MaxMessageLength {
			return conversation.Event{}, fmt.Errorf("%w: message must be 1-%d characters", ErrInvalidMessage, MaxMessageLength)
		}
		ev.Message = *msg.Message
	case "":
		return conversation.Event{}, fmt.Errorf("%w: event is required", ErrInvalidMessage)
	default:
		return conversation.Event{}, fmt.Errorf("%w: unknown event %q", ErrInvalidMessage, msg.Event)
	}
	return ev, nil
}
