package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/wellness-profile/internal/domain"
	"github.com/ashureev/wellness-profile/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeAttempts  = 3
	writeBaseDelay = 100 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writers to keep SQLITE_BUSY rare
	now     func() time.Time
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets the status endpoints read while a profile is being archived.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS completed_profiles (
		session_id TEXT PRIMARY KEY,
		profile_json TEXT NOT NULL,
		confidence_json TEXT NOT NULL,
		transcript_json TEXT NOT NULL,
		completed_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_completed_profiles_completed ON completed_profiles(completed_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveCompletedProfile records a finished profile. Busy errors are retried
// with exponential backoff.
func (s *SQLiteStore) SaveCompletedProfile(ctx context.Context, rec domain.CompletedProfile) error {
	if rec.SessionID == "" {
		return errors.New("save completed profile: session id is required")
	}

	profileJSON, err := json.Marshal(rec.Profile)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	confidenceJSON, err := json.Marshal(rec.Confidence)
	if err != nil {
		return fmt.Errorf("marshal confidence: %w", err)
	}
	transcript := rec.Transcript
	if transcript == nil {
		transcript = []domain.Message{}
	}
	transcriptJSON, err := json.Marshal(transcript)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}

	completedAt := rec.CompletedAt
	if completedAt.IsZero() {
		completedAt = s.now()
	}

	query := `
	INSERT INTO completed_profiles (session_id, profile_json, confidence_json, transcript_json, completed_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		profile_json = excluded.profile_json,
		confidence_json = excluded.confidence_json,
		transcript_json = excluded.transcript_json,
		completed_at = excluded.completed_at,
		updated_at = excluded.updated_at`

	err = shared.RetryOnConflict(ctx, "save_completed_profile", writeAttempts, writeBaseDelay, func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		_, execErr := s.db.ExecContext(ctx, query,
			rec.SessionID, string(profileJSON), string(confidenceJSON), string(transcriptJSON),
			completedAt.UnixMilli(), s.now().UnixMilli(),
		)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("save completed profile %s: %w", rec.SessionID, err)
	}
	return nil
}

// GetCompletedProfile returns the record of a session, or nil if none exists.
func (s *SQLiteStore) GetCompletedProfile(ctx context.Context, sessionID string) (*domain.CompletedProfile, error) {
	query := `
		SELECT session_id, profile_json, confidence_json, transcript_json, completed_at
		FROM completed_profiles WHERE session_id = ?`

	var (
		rec                                         domain.CompletedProfile
		profileJSON, confidenceJSON, transcriptJSON string
		completedAt                                 int64
	)
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&rec.SessionID, &profileJSON, &confidenceJSON, &transcriptJSON, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan completed profile: %w", err)
	}

	if err := json.Unmarshal([]byte(profileJSON), &rec.Profile); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if err := json.Unmarshal([]byte(confidenceJSON), &rec.Confidence); err != nil {
		return nil, fmt.Errorf("decode confidence: %w", err)
	}
	if err := json.Unmarshal([]byte(transcriptJSON), &rec.Transcript); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	rec.CompletedAt = time.UnixMilli(completedAt).UTC()

	return &rec, nil
}

// PruneOlderThan removes records completed before now minus retention.
func (s *SQLiteStore) PruneOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := s.now().Add(-retention).UnixMilli()

	var removed int64
	err := shared.RetryOnConflict(ctx, "prune_completed_profiles", writeAttempts, writeBaseDelay, func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		result, execErr := s.db.ExecContext(ctx, `DELETE FROM completed_profiles WHERE completed_at < ?`, threshold)
		if execErr != nil {
			return execErr
		}
		removed, execErr = result.RowsAffected()
		return execErr
	})
	if err != nil {
		return 0, fmt.Errorf("prune completed profiles: %w", err)
	}
	return removed, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
