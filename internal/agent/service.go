package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/wellness-profile/internal/domain"
)

const (
	defaultMaxAttempts    = 2
	defaultAttemptTimeout = 30 * time.Second
	defaultRetryPause     = 250 * time.Millisecond
)

// ServiceConfig controls retries around an extraction backend.
type ServiceConfig struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	RetryPause     time.Duration
}

// Service wraps a backend Extractor with bounded, independent retries.
type Service struct {
	backend Extractor
	cfg     ServiceConfig
	logger  *slog.Logger
}

// NewService creates a retrying extractor around backend.
func NewService(backend Extractor, cfg ServiceConfig, logger *slog.Logger) (*Service, error) {
	if backend == nil {
		return nil, errors.New("agent: nil extraction backend")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	if cfg.RetryPause < 0 {
		cfg.RetryPause = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{backend: backend, cfg: cfg, logger: logger}, nil
}

// Extract calls the backend up to MaxAttempts times. Each attempt gets its own
// timeout; a failed attempt never leaks partial output into the next one.
func (s *Service) Extract(ctx context.Context, userText string, history []domain.Message) (*Result, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", ErrExtractionFailed, ctx.Err())
			case <-time.After(s.cfg.RetryPause):
			}
		}

		res, err := s.attempt(ctx, userText, history)
		if err == nil {
			return res, nil
		}
		lastErr = err
		s.logger.Warn("Extraction attempt failed",
			"attempt", attempt,
			"max_attempts", s.cfg.MaxAttempts,
			"error", err,
		)
		if ctx.Err() != nil {
			break
		}
	}

	if errors.Is(lastErr, ErrExtractionFailed) {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: %w", ErrExtractionFailed, lastErr)
}

func (s *Service) attempt(ctx context.Context, userText string, history []domain.Message) (*Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()

	res, err := s.backend.Extract(attemptCtx, userText, history)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("%w: empty result", ErrExtractionFailed)
	}
	return res, nil
}
