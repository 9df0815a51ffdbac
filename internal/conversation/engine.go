package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/wellness-profile/internal/agent"
	"github.com/ashureev/wellness-profile/internal/domain"
	"github.com/ashureev/wellness-profile/internal/session"
	"github.com/ashureev/wellness-profile/internal/transcript"
)

const (
	// DefaultMaxReplies caps the follow-up questions asked per session.
	DefaultMaxReplies     = 5
	defaultArchiveTimeout = 5 * time.Second
)

// Archiver stores completed profiles.
type Archiver interface {
	SaveCompletedProfile(ctx context.Context, rec domain.CompletedProfile) error
}

// Config holds engine settings.
type Config struct {
	MaxReplies     int
	ArchiveTimeout time.Duration
}

// Engine is the profiling state machine. It is safe for concurrent use;
// all per-session state lives in the session store.
type Engine struct {
	store      *session.Store
	extractor  agent.Extractor
	archiver   Archiver
	transcript transcript.Logger
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// NewEngine creates an engine backed by store and extractor.
func NewEngine(store *session.Store, extractor agent.Extractor, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxReplies <= 0 {
		cfg.MaxReplies = DefaultMaxReplies
	}
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = defaultArchiveTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:      store,
		extractor:  extractor,
		transcript: transcript.Noop{},
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// SetArchiver sets where completed profiles are recorded.
func (e *Engine) SetArchiver(a Archiver) {
	e.archiver = a
}

// SetTranscript sets the conversation log.
func (e *Engine) SetTranscript(l transcript.Logger) {
	if l == nil {
		l = transcript.Noop{}
	}
	e.transcript = l
}

// Connect makes sure state exists for a newly connected session.
func (e *Engine) Connect(sessionID string) {
	e.store.GetOrCreate(sessionID)
}

// Forget drops all state of a session. Extractions still running for it
// finish silently.
func (e *Engine) Forget(sessionID string) {
	if e.store.Remove(sessionID) {
		e.logger.Info("Session state cleared", "session_id", sessionID)
	}
}

// Handle processes one inbound event and returns the messages to deliver.
// It never panics.
func (e *Engine) Handle(ctx context.Context, ev Event) (out []Outbound) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Panic while handling event",
				"session_id", ev.SessionID,
				"event", ev.Event,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			out = []Outbound{{Event: EventUserAnswerFailed, Message: msgUserAnswerFailed}}
			e.logOutbound(ev, out)
		}
	}()

	e.transcript.Log(transcript.Event{
		SessionID:    ev.SessionID,
		ConnectionID: ev.ConnectionID,
		Direction:    transcript.Inbound,
		EventType:    ev.Event,
		ContentRaw:   ev.Message,
	})

	st := e.store.GetOrCreate(ev.SessionID)

	switch {
	case ev.Event == EventInitProfile, st.Stage == domain.StageInit:
		out = e.handleInit(ev.SessionID)
	case ev.Event == EventUserAnswer:
		out = e.handleAnswer(ctx, ev)
	default:
		e.logger.Warn("Ignoring unknown event", "session_id", ev.SessionID, "event", ev.Event)
	}

	e.logOutbound(ev, out)
	return out
}

// handleInit sends the introduction. The stage only moves forward from init;
// nothing collected so far is reset.
func (e *Engine) handleInit(sessionID string) []Outbound {
	intro := Outbound{Event: EventAssistantQuestion, Message: Introduction}

	st, err := e.store.Update(sessionID, session.AnyEpoch, func(s *session.State) error {
		if s.Stage == domain.StageInit {
			s.Stage = s.Stage.Next()
		}
		s.History = append(s.History, e.assistantMessage(intro))
		return nil
	})
	if err != nil {
		e.logger.Debug("Session vanished during init", "session_id", sessionID, "error", err)
		return nil
	}

	e.logger.Info("Profiling session initialized", "session_id", sessionID, "stage", st.Stage)
	return []Outbound{intro}
}

func (e *Engine) handleAnswer(ctx context.Context, ev Event) []Outbound {
	userMsg := domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleUser,
		Event:     EventUserAnswer,
		Content:   ev.Message,
		Timestamp: e.now().UTC(),
	}

	ticket, st, err := e.store.BeginGeneration(ev.SessionID, e.cfg.MaxReplies, userMsg)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrProfileCompleted):
		return e.resendCompleted(st)
	case errors.Is(err, session.ErrMaxReplies):
		e.logger.Info("Max replies reached", "session_id", ev.SessionID, "replies", st.AssistantReplies)
		return []Outbound{{Event: EventMaxRepliesReached, Message: msgMaxReplies}}
	case errors.Is(err, session.ErrGenerationPending):
		e.logger.Info("Rejected answer while generation is pending", "session_id", ev.SessionID)
		return []Outbound{{Event: EventPendingGeneration, Message: msgPendingGeneration}}
	case errors.Is(err, session.ErrSessionNotFound):
		return nil
	default:
		e.logger.Error("Failed to start generation", "session_id", ev.SessionID, "error", err)
		return []Outbound{{Event: EventUserAnswerFailed, Message: msgUserAnswerFailed}}
	}
	defer e.store.EndGeneration(ticket)

	res, err := e.extractor.Extract(ctx, ev.Message, ticket.History)
	if err == nil && res == nil {
		err = fmt.Errorf("%w: empty result", agent.ErrExtractionFailed)
	}
	if err != nil {
		e.logger.Warn("Profile extraction failed", "session_id", ev.SessionID, "error", err)
		if e.stale(ticket) {
			return nil
		}
		return []Outbound{{Event: EventUserAnswerFailed, Message: msgUserAnswerFailed}}
	}

	return e.applyResult(ticket, res)
}

// applyResult merges an extraction into the session and picks the next
// message, all in one update.
func (e *Engine) applyResult(ticket session.Ticket, res *agent.Result) []Outbound {
	var reply Outbound
	var completed, fallback bool

	st, err := e.store.Update(ticket.SessionID, ticket.Epoch, func(s *session.State) error {
		partialConfidence := domain.Reconcile(res.Profile, res.Confidence)
		s.Profile = domain.MergeProfile(s.Profile, res.Profile)
		s.Confidence = domain.MergeConfidence(s.Confidence, partialConfidence)
		s.GenerationInFlight = false

		switch {
		case domain.IsComplete(s.Profile, s.Confidence):
			s.Stage = domain.StageCompleted
			reply = Outbound{Event: EventProfileComplete, Message: profileJSON(s.Profile)}
			completed = true
		case domain.HasPendingClarification(s.Confidence) && res.FollowUpQuestion != "":
			s.AssistantReplies++
			reply = Outbound{Event: EventAssistantQuestion, Message: res.FollowUpQuestion}
		default:
			reply = Outbound{Event: EventAssistantQuestion, Message: fallbackMessage(s.Profile.MissingFields(s.Confidence))}
			fallback = true
		}

		s.History = append(s.History, e.assistantMessage(reply))
		return nil
	})
	if errors.Is(err, session.ErrSessionNotFound) || errors.Is(err, session.ErrStaleSession) {
		e.logger.Info("Discarding extraction for removed session", "session_id", ticket.SessionID)
		return nil
	}
	if err != nil {
		e.logger.Error("Failed to apply extraction", "session_id", ticket.SessionID, "error", err)
		return []Outbound{{Event: EventUserAnswerFailed, Message: msgUserAnswerFailed}}
	}

	switch {
	case completed:
		e.logger.Info("Profile complete", "session_id", st.ID, "replies", st.AssistantReplies)
		e.archive(st)
	case fallback:
		e.logger.Warn("No follow-up question provided but profile incomplete",
			"session_id", st.ID,
			"missing", st.Profile.MissingFields(st.Confidence),
		)
	default:
		e.logger.Debug("Asked follow-up question", "session_id", st.ID, "replies", st.AssistantReplies)
	}
	return []Outbound{reply}
}

// resendCompleted answers messages after completion with the final profile.
func (e *Engine) resendCompleted(st session.State) []Outbound {
	reply := Outbound{Event: EventProfileComplete, Message: profileJSON(st.Profile)}
	if err := e.store.AppendMessage(st.ID, e.assistantMessage(reply)); err != nil {
		e.logger.Debug("Session vanished after completion", "session_id", st.ID, "error", err)
		return nil
	}
	return []Outbound{reply}
}

// stale reports whether the ticket's session incarnation is gone.
func (e *Engine) stale(ticket session.Ticket) bool {
	st, err := e.store.Get(ticket.SessionID)
	return err != nil || st.Epoch != ticket.Epoch
}

func (e *Engine) archive(st session.State) {
	if e.archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ArchiveTimeout)
	defer cancel()

	rec := domain.CompletedProfile{
		SessionID:   st.ID,
		Profile:     st.Profile,
		Confidence:  st.Confidence,
		Transcript:  st.History,
		CompletedAt: e.now().UTC(),
	}
	if err := e.archiver.SaveCompletedProfile(ctx, rec); err != nil {
		e.logger.Error("Failed to archive completed profile", "session_id", st.ID, "error", err)
	}
}

func (e *Engine) assistantMessage(o Outbound) domain.Message {
	return domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleAssistant,
		Event:     o.Event,
		Content:   o.Message,
		Timestamp: e.now().UTC(),
	}
}

func (e *Engine) logOutbound(ev Event, out []Outbound) {
	for _, o := range out {
		e.transcript.Log(transcript.Event{
			SessionID:  ev.SessionID,
			Direction:  transcript.Outbound,
			EventType:  o.Event,
			ContentRaw: o.Message,
		})
	}
}

func profileJSON(p domain.Profile) string {
	data, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	return string(data)
}
