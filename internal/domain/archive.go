package domain

import "time"

// CompletedProfile is the audit record written when a session finishes profiling.
type CompletedProfile struct {
	SessionID   string     `json:"sessionId"`
	Profile     Profile    `json:"profile"`
	Confidence  Confidence `json:"confidence"`
	Transcript  []Message  `json:"transcript"`
	CompletedAt time.Time  `json:"completedAt"`
}
