// Package conversation drives the wellness profiling dialogue for a session.
package conversation

// Inbound event names.
const (
	EventInitProfile = "init_profile"
	EventUserAnswer  = "user_answer"
)

// Outbound event names.
const (
	EventAssistantQuestion = "assistant_question"
	EventProfileComplete   = "profile_complete"
	EventMaxRepliesReached = "max_replies_reached"
	EventPendingGeneration = "pending_generation"
	EventUserAnswerFailed  = "user_answer_failed"
)

// Event is one inbound message for a session.
type Event struct {
	Event        string
	SessionID    string
	ConnectionID string
	Message      string
}

// Outbound is a message to deliver to every connection of a session.
type Outbound struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}
