// Package session provides the in-memory store of per-session conversation state.
package session

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/wellness-profile/internal/domain"
)

var (
	// ErrSessionNotFound is returned when no state exists for a session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStaleSession is returned when a session was removed and recreated
	// after the caller captured its epoch.
	ErrStaleSession = errors.New("session was replaced")
	// ErrMaxReplies is returned when the assistant reply cap was reached.
	ErrMaxReplies = errors.New("max assistant replies reached")
	// ErrGenerationPending is returned when an extraction is already in flight.
	ErrGenerationPending = errors.New("generation already in progress")
	// ErrProfileCompleted is returned when the session already finished profiling.
	ErrProfileCompleted = errors.New("profile already completed")
)

// AnyEpoch matches whichever incarnation of a session currently exists.
const AnyEpoch uint64 = 0

// State is a snapshot of one session. Snapshots returned by the store are
// copies; mutating them has no effect on the store.
type State struct {
	ID                 string
	Epoch              uint64
	Stage              domain.Stage
	Profile            domain.Profile
	Confidence         domain.Confidence
	History            []domain.Message
	AssistantReplies   int
	GenerationInFlight bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (s State) clone() State {
	out := s
	out.Profile = s.Profile.Clone()
	out.Confidence = domain.MergeConfidence(domain.Confidence{}, s.Confidence)
	out.History = append([]domain.Message(nil), s.History...)
	return out
}

type entry struct {
	mu      sync.Mutex
	state   State
	removed bool
}

// Ticket identifies an accepted extraction for one session incarnation.
type Ticket struct {
	SessionID string
	Epoch     uint64
	History   []domain.Message
}

// Store maps session ids to their state. The map is guarded by one RWMutex;
// every session is guarded by its own mutex so sessions never contend.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	epochs   atomic.Uint64
	now      func() time.Time
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*entry),
		now:      time.Now,
	}
}

func (s *Store) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	return e, ok
}

// GetOrCreate returns the session state, creating it in stage init if needed.
func (s *Store) GetOrCreate(id string) State {
	if e, ok := s.lookup(id); ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		if !e.removed {
			return e.state.clone()
		}
	}

	s.mu.Lock()
	e, ok := s.sessions[id]
	if !ok {
		now := s.now()
		e = &entry{state: State{
			ID:        id,
			Epoch:     s.epochs.Add(1),
			Stage:     domain.StageInit,
			CreatedAt: now,
			UpdatedAt: now,
		}}
		s.sessions[id] = e
		slog.Debug("Session created", "session_id", id, "epoch", e.state.Epoch)
	}
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.clone()
}

// Get returns the session state or ErrSessionNotFound.
func (s *Store) Get(id string) (State, error) {
	e, ok := s.lookup(id)
	if !ok {
		return State{}, ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return State{}, ErrSessionNotFound
	}
	return e.state.clone(), nil
}

// Update applies fn to the session as one indivisible change. fn works on a
// copy which is committed only when it returns nil. epoch must match the
// current incarnation unless it is AnyEpoch.
func (s *Store) Update(id string, epoch uint64, fn func(*State) error) (State, error) {
	e, ok := s.lookup(id)
	if !ok {
		return State{}, ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return State{}, ErrSessionNotFound
	}
	if epoch != AnyEpoch && e.state.Epoch != epoch {
		return e.state.clone(), ErrStaleSession
	}

	work := e.state.clone()
	if err := fn(&work); err != nil {
		return e.state.clone(), err
	}
	work.ID = e.state.ID
	work.Epoch = e.state.Epoch
	work.UpdatedAt = s.now()
	e.state = work
	return e.state.clone(), nil
}

// SetStage sets the conversation stage.
func (s *Store) SetStage(id string, stage domain.Stage) (State, error) {
	return s.Update(id, AnyEpoch, func(st *State) error {
		st.Stage = stage
		return nil
	})
}

// SetProfile replaces profile and confidence together.
func (s *Store) SetProfile(id string, p domain.Profile, c domain.Confidence) (State, error) {
	return s.Update(id, AnyEpoch, func(st *State) error {
		st.Profile = p.Clone()
		st.Confidence = domain.MergeConfidence(domain.Confidence{}, c)
		return nil
	})
}

// IncrementReplies increments the assistant reply counter.
func (s *Store) IncrementReplies(id string) (State, error) {
	return s.Update(id, AnyEpoch, func(st *State) error {
		st.AssistantReplies++
		return nil
	})
}

// SetGenerationInFlight sets or clears the in-flight flag.
func (s *Store) SetGenerationInFlight(id string, inFlight bool) (State, error) {
	return s.Update(id, AnyEpoch, func(st *State) error {
		st.GenerationInFlight = inFlight
		return nil
	})
}

// AppendMessage appends msg to the session history.
func (s *Store) AppendMessage(id string, msg domain.Message) error {
	_, err := s.Update(id, AnyEpoch, func(st *State) error {
		st.History = append(st.History, msg)
		return nil
	})
	return err
}

// History returns a copy of the ordered message history.
func (s *Store) History(id string) ([]domain.Message, error) {
	st, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return st.History, nil
}

// BeginGeneration checks the reply cap and in-flight guard, marks an
// extraction as in flight and records the user's message, all atomically.
func (s *Store) BeginGeneration(id string, maxReplies int, userMsg domain.Message) (Ticket, State, error) {
	st, err := s.Update(id, AnyEpoch, func(st *State) error {
		if st.Stage == domain.StageCompleted {
			return ErrProfileCompleted
		}
		if st.AssistantReplies >= maxReplies {
			return ErrMaxReplies
		}
		if st.GenerationInFlight {
			return ErrGenerationPending
		}
		st.GenerationInFlight = true
		st.History = append(st.History, userMsg)
		return nil
	})
	if err != nil {
		return Ticket{}, st, err
	}
	return Ticket{SessionID: id, Epoch: st.Epoch, History: st.History}, st, nil
}

// EndGeneration clears the in-flight flag of the ticket's session. It is safe
// to call more than once and after the session was removed.
func (s *Store) EndGeneration(t Ticket) {
	_, err := s.Update(t.SessionID, t.Epoch, func(st *State) error {
		st.GenerationInFlight = false
		return nil
	})
	if err != nil && !errors.Is(err, ErrSessionNotFound) && !errors.Is(err, ErrStaleSession) {
		slog.Warn("Failed to clear generation flag", "session_id", t.SessionID, "error", err)
	}
}

// Remove deletes all state for a session. It reports whether state existed.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
	slog.Debug("Session removed", "session_id", id)
	return true
}

func (s *Store) removeEntry(id string, e *entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.sessions[id]; !ok || current != e {
		return false
	}
	delete(s.sessions, id)
	e.removed = true
	return true
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep removes sessions idle for longer than idle that have no live
// connection and no extraction in flight. It returns the removed ids.
func (s *Store) Sweep(idle time.Duration, isLive func(id string) bool) []string {
	s.mu.RLock()
	candidates := make(map[string]*entry, len(s.sessions))
	for id, e := range s.sessions {
		candidates[id] = e
	}
	s.mu.RUnlock()

	cutoff := s.now().Add(-idle)
	var removed []string
	for id, e := range candidates {
		if isLive != nil && isLive(id) {
			continue
		}
		e.mu.Lock()
		expired := !e.removed && !e.state.GenerationInFlight && e.state.UpdatedAt.Before(cutoff)
		if expired {
			expired = s.removeEntry(id, e)
		}
		e.mu.Unlock()
		if expired {
			removed = append(removed, id)
		}
	}
	return removed
}
