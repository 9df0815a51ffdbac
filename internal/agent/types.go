// Package agent implements profile extraction from free-text replies.
package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/wellness-profile/internal/domain"
)

var errNoJSONObject = errors.New("no JSON object in response")

// extractionResponse is the wire shape returned by every backend.
type extractionResponse struct {
	WellnessProfile  domain.Profile    `json:"wellnessProfile"`
	Confidence       domain.Confidence `json:"confidence"`
	FollowUpQuestion *string           `json:"followUpQuestion"`
}

// DecodeResponse parses and validates raw model output. Markdown code fences
// and leading chatter around the JSON object are tolerated. Any set profile
// field without a confidence level is recorded as low.
func DecodeResponse(raw []byte) (*Result, error) {
	body, err := jsonObject(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExtractionFailed, err)
	}

	var resp extractionResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrExtractionFailed, err)
	}
	if err := resp.WellnessProfile.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExtractionFailed, err)
	}
	if err := resp.Confidence.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExtractionFailed, err)
	}

	result := &Result{
		Profile:    resp.WellnessProfile,
		Confidence: domain.Reconcile(resp.WellnessProfile, resp.Confidence),
	}
	if resp.FollowUpQuestion != nil {
		result.FollowUpQuestion = strings.TrimSpace(*resp.FollowUpQuestion)
	}
	return result, nil
}

func jsonObject(s string) (string, error) {
	s = strings.TrimSpace(s)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return "", errNoJSONObject
	}
	return s[start : end+1], nil
}
