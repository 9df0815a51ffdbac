// Package transcript writes an append-only NDJSON log of every message
// exchanged with a session.
package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Direction values.
const (
	Inbound  = "inbound"
	Outbound = "outbound"
)

const defaultQueueSize = 256

var (
	ansiPattern   = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	unsafeName    = regexp.MustCompile(`[^A-Za-z0-9._-]`)
	errLoggerDone = errors.New("transcript logger closed")
)

// Event is one line of the conversation log.
type Event struct {
	Timestamp    time.Time `json:"ts"`
	SessionID    string    `json:"session_id"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Direction    string    `json:"direction"`
	EventType    string    `json:"event"`
	ContentRaw   string    `json:"content_raw"`
	Content      string    `json:"content"`
}

// Logger records conversation events.
type Logger interface {
	Log(Event)
	Close() error
}

// Config controls the file logger.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// New returns a file logger when enabled and a no-op logger otherwise.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Noop{}, nil
	}
	return NewFileLogger(cfg, logger)
}

// Noop discards every event.
type Noop struct{}

// Log implements Logger.
func (Noop) Log(Event) {}

// Close implements Logger.
func (Noop) Close() error { return nil }

// FileLogger writes events asynchronously to <dir>/<session>.ndjson.
// Events are dropped with a warning when the queue is full.
type FileLogger struct {
	dir    string
	queue  chan Event
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewFileLogger creates the log directory and starts the writer goroutine.
func NewFileLogger(cfg Config, logger *slog.Logger) (*FileLogger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dir == "" {
		return nil, errors.New("transcript: log directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}

	l := &FileLogger{
		dir:    cfg.Dir,
		queue:  make(chan Event, size),
		logger: logger,
		done:   make(chan struct{}),
	}
	go l.run()
	logger.Info("Conversation log enabled", "dir", cfg.Dir, "queue_size", size)
	return l, nil
}

// Log enqueues an event without blocking.
func (l *FileLogger) Log(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Content == "" {
		e.Content = cleanForReadability(e.ContentRaw)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- e:
	default:
		l.logger.Warn("Conversation log queue full, dropping event",
			"session_id", e.SessionID,
			"event", e.EventType,
		)
	}
}

// Close stops accepting events and waits for the queue to drain.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errLoggerDone
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	<-l.done
	return nil
}

func (l *FileLogger) run() {
	defer close(l.done)
	for e := range l.queue {
		if err := l.write(e); err != nil {
			l.logger.Warn("Failed to write conversation log", "session_id", e.SessionID, "error", err)
		}
	}
}

func (l *FileLogger) write(e Event) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	f, err := os.OpenFile(l.Path(e.SessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("write log line: %w", err)
	}
	return f.Close()
}

// Path returns the file that holds the log of sessionID.
func (l *FileLogger) Path(sessionID string) string {
	name := unsafeName.ReplaceAllString(sessionID, "_")
	if name == "" || strings.Trim(name, ".") == "" {
		name = "_"
	}
	return filepath.Join(l.dir, name+".ndjson")
}

// cleanForReadability strips terminal escapes and control characters and
// collapses runs of whitespace.
func cleanForReadability(s string) string {
	s = ansiPattern.ReplaceAllString(s, "")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return ' '
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
