// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/wellness-profile/internal/domain"
)

// Repository persists completed wellness profiles.
type Repository interface {
	// SaveCompletedProfile records a finished profile with its transcript.
	// A later record for the same session replaces the earlier one.
	SaveCompletedProfile(ctx context.Context, rec domain.CompletedProfile) error

	// GetCompletedProfile returns the record of a session, or nil if none exists.
	GetCompletedProfile(ctx context.Context, sessionID string) (*domain.CompletedProfile, error)

	// PruneOlderThan removes records completed before now minus retention.
	PruneOlderThan(ctx context.Context, retention time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
