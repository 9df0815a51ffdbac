package agent

import (
	"context"
	"errors"

	"github.com/ashureev/wellness-profile/internal/domain"
)

// ErrExtractionFailed wraps every failure of an extraction backend.
var ErrExtractionFailed = errors.New("extraction failed")

// Extractor turns a user's reply into a partial wellness profile.
// Implemented by OpenAIExtractor, GrpcClient and the retrying Service.
type Extractor interface {
	// Extract analyses userText in the context of the session history.
	Extract(ctx context.Context, userText string, history []domain.Message) (*Result, error)
}

// Result is one validated extraction.
type Result struct {
	Profile          domain.Profile
	Confidence       domain.Confidence
	FollowUpQuestion string
}

// Ensure all backends implement Extractor.
var (
	_ Extractor = (*GrpcClient)(nil)
	_ Extractor = (*OpenAIExtractor)(nil)
	_ Extractor = (*Service)(nil)
)
