package domain

import (
	"time"
)

// Stage is the coarse position of a session in the profiling conversation.
type Stage string

// Stage values.
const (
	StageInit      Stage = "init"
	StageProfiling Stage = "profiling"
	StageCompleted Stage = "completed"
)

// Next returns the stage that follows s. Completed is terminal.
func (s Stage) Next() Stage {
	switch s {
	case StageInit:
		return StageProfiling
	case StageProfiling, StageCompleted:
		return StageCompleted
	}
	return StageInit
}

// Role identifies who authored a message.
type Role string

// Role values.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in a session's conversation history.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Event     string    `json:"event"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"ts"`
}

// RecentMessages returns the last n messages of history.
func RecentMessages(history []Message, n int) []Message {
	if n <= 0 || n >= len(history) {
		return history
	}
	return history[len(history)-n:]
}
