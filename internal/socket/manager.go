// Package socket binds profiling sessions to WebSocket connections.
package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	broadcastParallelism = 8
	writeTimeout         = 10 * time.Second
)

// Manager tracks the live connections of every session. One session may be
// open in several tabs at once.
type Manager struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewManager creates an empty connection manager.
func NewManager() *Manager {
	return &Manager{
		active: make(map[string]map[string]*websocket.Conn),
	}
}

// Register adds a connection to a session. It returns the connection id and
// whether this is the session's first live connection.
func (m *Manager) Register(sessionID string, conn *websocket.Conn) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conns, exists := m.active[sessionID]
	if !exists {
		conns = make(map[string]*websocket.Conn)
		m.active[sessionID] = conns
	}
	connID := uuid.NewString()
	conns[connID] = conn

	slog.Info("Connection registered", "session_id", sessionID, "connection_id", connID, "connections", len(conns))
	return connID, len(conns) == 1
}

// Unregister removes a connection. It reports whether the session has no
// live connection left.
func (m *Manager) Unregister(sessionID, connID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	conns, ok := m.active[sessionID]
	if !ok {
		return false
	}
	if _, exists := conns[connID]; !exists {
		return false
	}
	delete(conns, connID)
	slog.Info("Connection unregistered", "session_id", sessionID, "connection_id", connID, "connections", len(conns))
	if len(conns) == 0 {
		delete(m.active, sessionID)
		return true
	}
	return false
}

// Count returns the number of live connections of a session.
func (m *Manager) Count(sessionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active[sessionID])
}

// IsLive reports whether a session has at least one live connection.
func (m *Manager) IsLive(sessionID string) bool {
	return m.Count(sessionID) > 0
}

// Sessions returns the number of sessions with live connections.
func (m *Manager) Sessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

func (m *Manager) snapshot(sessionID string) map[string]*websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*websocket.Conn, len(m.active[sessionID]))
	for id, c := range m.active[sessionID] {
		out[id] = c
	}
	return out
}

// Broadcast sends v as JSON to every live connection of a session and
// returns how many received it. A failing connection does not stop delivery
// to the others.
func (m *Manager) Broadcast(ctx context.Context, sessionID string, v any) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal message: %w", err)
	}

	conns := m.snapshot(sessionID)
	if len(conns) == 0 {
		return 0, nil
	}

	var delivered atomic.Int32
	var g errgroup.Group
	g.SetLimit(broadcastParallelism)
	for connID, conn := range conns {
		g.Go(func() error {
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			defer cancel()
			if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
				slog.Debug("Broadcast write failed", "session_id", sessionID, "connection_id", connID, "error", err)
				return fmt.Errorf("write to %s: %w", connID, err)
			}
			delivered.Add(1)
			return nil
		})
	}
	err = g.Wait()
	return int(delivered.Load()), err
}

// CloseSession terminates every connection of a session.
func (m *Manager) CloseSession(sessionID, reason string) {
	for _, conn := range m.snapshot(sessionID) {
		_ = conn.Close(websocket.StatusNormalClosure, reason)
	}
}

// CloseAll terminates every live connection.
func (m *Manager) CloseAll(reason string) {
	m.mu.RLock()
	var all []*websocket.Conn
	for _, conns := range m.active {
		for _, c := range conns {
			all = append(all, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range all {
		_ = c.Close(websocket.StatusGoingAway, reason)
	}
}
