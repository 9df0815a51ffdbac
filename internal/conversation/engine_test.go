package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/ashureev/wellness-profile/internal/agent"
	"github.com/ashureev/wellness-profile/internal/domain"
	"github.com/ashureev/wellness-profile/internal/session"
	"github.com/ashureev/wellness-profile/internal/transcript"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeExtractor returns a fixed result or error. When gate is set every call
// signals started and then blocks until gate is closed.
type fakeExtractor struct {
	mu       sync.Mutex
	result   *agent.Result
	err      error
	panicMsg string
	calls    int
	history  [][]domain.Message

	started chan struct{}
	gate    chan struct{}
}

func (f *fakeExtractor) Extract(ctx context.Context, _ string, history []domain.Message) (*agent.Result, error) {
	f.mu.Lock()
	f.calls++
	f.history = append(f.history, history)
	res, err, panicMsg := f.result, f.err, f.panicMsg
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if panicMsg != "" {
		panic(panicMsg)
	}
	return res, err
}

func (f *fakeExtractor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeArchiver struct {
	mu      sync.Mutex
	records []domain.CompletedProfile
}

func (a *fakeArchiver) SaveCompletedProfile(_ context.Context, rec domain.CompletedProfile) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}

type fakeTranscript struct {
	mu     sync.Mutex
	events []transcript.Event
}

func (l *fakeTranscript) Log(e transcript.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *fakeTranscript) Close() error { return nil }

func newTestEngine(t *testing.T, ex agent.Extractor) (*Engine, *session.Store) {
	t.Helper()
	store := session.NewStore()
	return NewEngine(store, ex, Config{MaxReplies: DefaultMaxReplies}, nil), store
}

func answer(id, text string) Event {
	return Event{Event: EventUserAnswer, SessionID: id, Message: text}
}

func initEvent(id string) Event {
	return Event{Event: EventInitProfile, SessionID: id}
}

func fullResult(l domain.Level) *agent.Result {
	var c domain.Confidence
	for _, f := range domain.Fields {
		c.Set(f, l)
	}
	return &agent.Result{
		Profile: domain.Profile{
			Age:               domain.Ptr(30),
			Gender:            domain.Ptr(domain.GenderMale),
			ActivityLevel:     domain.Ptr(domain.ActivityActive),
			DietaryPreference: domain.Ptr(domain.DietVegan),
			SleepQuality:      domain.Ptr(domain.SleepAverage),
			StressLevel:       domain.Ptr(domain.StressLow),
			HealthGoals:       domain.Ptr("build muscle"),
		},
		Confidence: c,
	}
}

func single(t *testing.T, out []Outbound) Outbound {
	t.Helper()
	if len(out) != 1 {
		t.Fatalf("got %d outbound messages, want 1: %+v", len(out), out)
	}
	return out[0]
}

func mustState(t *testing.T, store *session.Store, id string) session.State {
	t.Helper()
	st, err := store.Get(id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return st
}

func TestInitSendsIntroduction(t *testing.T) {
	t.Parallel()

	ex := &fakeExtractor{}
	e, store := newTestEngine(t, ex)

	out := single(t, e.Handle(context.Background(), initEvent("s1")))
	if out.Event != EventAssistantQuestion || out.Message != Introduction {
		t.Fatalf("init reply = %+v", out)
	}

	st := mustState(t, store, "s1")
	if st.Stage != domain.StageProfiling {
		t.Errorf("stage = %q, want profiling", st.Stage)
	}
	if len(st.History) != 1 || st.History[0].Role != domain.RoleAssistant {
		t.Errorf("history = %+v, want the introduction", st.History)
	}
	if ex.callCount() != 0 {
		t.Error("extractor called on init")
	}
}

func TestAnswerBeforeInitGetsIntroduction(t *testing.T) {
	t.Parallel()

	ex := &fakeExtractor{result: fullResult(domain.LevelHigh)}
	e, store := newTestEngine(t, ex)

	out := single(t, e.Handle(context.Background(), answer("s1", "hello")))
	if out.Message != Introduction {
		t.Fatalf("reply = %+v, want introduction", out)
	}
	if ex.callCount() != 0 {
		t.Error("extractor called before the session was initialized")
	}
	if st := mustState(t, store, "s1"); st.Stage != domain.StageProfiling {
		t.Errorf("stage = %q, want profiling", st.Stage)
	}
}

func TestReinitKeepsCollectedProfile(t *testing.T) {
	t.Parallel()

	e, store := newTestEngine(t, &fakeExtractor{})
	ctx := context.Background()

	e.Handle(ctx, initEvent("s1"))
	if _, err := store.SetProfile("s1",
		domain.Profile{Age: domain.Ptr(30)},
		domain.Confidence{Age: domain.Ptr(domain.LevelHigh)},
	); err != nil {
		t.Fatal(err)
	}
	if _, err := store.IncrementReplies("s1"); err != nil {
		t.Fatal(err)
	}

	out := single(t, e.Handle(ctx, initEvent("s1")))
	if out.Message != Introduction {
		t.Fatalf("re-init reply = %+v", out)
	}

	st := mustState(t, store, "s1")
	if st.Profile.Age == nil || *st.Profile.Age != 30 {
		t.Errorf("re-init reset age: %v", st.Profile.Age)
	}
	if st.Confidence.Of(domain.FieldAge) != domain.LevelHigh {
		t.Errorf("re-init reset confidence: %q", st.Confidence.Of(domain.FieldAge))
	}
	if st.AssistantReplies != 1 {
		t.Errorf("re-init reset replies: %d", st.AssistantReplies)
	}
	if st.Stage != domain.StageProfiling {
		t.Errorf("stage = %q, want profiling", st.Stage)
	}
}

func TestSingleFlightPerSession(t *testing.T) {
	t.Parallel()

	ex := &fakeExtractor{
		result: &agent.Result{
			Profile:          domain.Profile{Age: domain.Ptr(30)},
			Confidence:       domain.Confidence{Age: domain.Ptr(domain.LevelLow)},
			FollowUpQuestion: "Could you confirm your age?",
		},
		started: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	e, store := newTestEngine(t, ex)
	ctx := context.Background()
	e.Handle(ctx, initEvent("s1"))

	firstDone := make(chan []Outbound, 1)
	go func() {
		firstDone <- e.Handle(ctx, answer("s1", "I think I'm 30"))
	}()
	<-ex.started

	second := single(t, e.Handle(ctx, answer("s1", "actually 31")))
	if second.Event != EventPendingGeneration {
		t.Fatalf("second answer reply = %+v, want pending_generation", second)
	}

	close(ex.gate)
	first := single(t, <-firstDone)
	if first.Event != EventAssistantQuestion || first.Message != "Could you confirm your age?" {
		t.Errorf("first answer reply = %+v", first)
	}

	if ex.callCount() != 1 {
		t.Errorf("extractor called %d times, want 1", ex.callCount())
	}
	st := mustState(t, store, "s1")
	if st.GenerationInFlight {
		t.Error("in-flight flag left set")
	}
	for _, m := range st.History {
		if m.Content == "actually 31" {
			t.Error("rejected answer was recorded in history")
		}
	}
}

func TestSessionsDoNotBlockEachOther(t *testing.T) {
	t.Parallel()

	ex := &fakeExtractor{
		result:  fullResult(domain.LevelHigh),
		started: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	e, _ := newTestEngine(t, ex)
	ctx := context.Background()
	e.Handle(ctx, initEvent("slow"))
	e.Handle(ctx, initEvent("other"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Handle(ctx, answer("slow", "everything"))
	}()
	<-ex.started

	out := single(t, e.Handle(ctx, initEvent("other")))
	if out.Message != Introduction {
		t.Errorf("other session reply = %+v", out)
	}

	close(ex.gate)
	<-done
}

func TestReplyCap(t *testing.T) {
	t.Parallel()

	ex := &fakeExtractor{result: &agent.Result{
		Confidence:       domain.Confidence{Gender: domain.Ptr(domain.LevelLow)},
		FollowUpQuestion: "Which gender do you identify with?",
	}}
	e, store := newTestEngine(t, ex)
	ctx := context.Background()
	e.Handle(ctx, initEvent("s1"))

	for i := 0; i < DefaultMaxReplies; i++ {
		out := single(t, e.Handle(ctx, answer("s1", "not sure")))
		if out.Event != EventAssistantQuestion {
			t.Fatalf("answer %d reply = %+v", i+1, out)
		}
	}

	out := single(t, e.Handle(ctx, answer("s1", "one more")))
	if out.Event != EventMaxRepliesReached || out.Message != msgMaxReplies {
		t.Fatalf("reply after cap = %+v", out)
	}
	if ex.callCount() != DefaultMaxReplies {
		t.Errorf("extractor called %d times, want %d", ex.callCount(), DefaultMaxReplies)
	}
	st := mustState(t, store, "s1")
	if st.AssistantReplies != DefaultMaxReplies {
		t.Errorf("replies = %d, want %d", st.AssistantReplies, DefaultMaxReplies)
	}
}

func TestExtractorFailureLeavesStateUntouched(t *testing.T) {
	t.Parallel()

	ex := &fakeExtractor{err: agent.ErrExtractionFailed}
	e, store := newTestEngine(t, ex)
	ctx := context.Background()
	e.Handle(ctx, initEvent("s1"))

	if _, err := store.SetProfile("s1",
		domain.Profile{Age: domain.Ptr(44)},
		domain.Confidence{Age: domain.Ptr(domain.LevelMedium)},
	); err != nil {
		t.Fatal(err)
	}
	before := mustState(t, store, "s1")

	out := single(t, e.Handle(ctx, answer("s1", "I sleep badly")))
	if out.Event != EventUserAnswerFailed {
		t.Fatalf("reply = %+v, want user_answer_failed", out)
	}

	after := mustState(t, store, "s1")
	if after.GenerationInFlight {
		t.Error("in-flight flag not cleared after failure")
	}
	if after.Stage != before.Stage || after.AssistantReplies != before.AssistantReplies {
		t.Errorf("state changed: stage %q -> %q, replies %d -> %d",
			before.Stage, after.Stage, before.AssistantReplies, after.AssistantReplies)
	}
	if *after.Profile.Age != 44 || after.Profile.SleepQuality != nil {
		t.Errorf("profile changed: %+v", after.Profile)
	}
	if after.Confidence.Of(domain.FieldAge) != domain.LevelMedium || after.Confidence.Addressed(domain.FieldSleepQuality) {
		t.Errorf("confidence changed: %+v", after.Confidence)
	}

	ex.mu.Lock()
	ex.err = nil
	ex.result = &agent.Result{}
	ex.mu.Unlock()
	if out := single(t, e.Handle(ctx, answer("s1", "retry"))); out.Event != EventAssistantQuestion {
		t.Errorf("answer after failure = %+v, want a question", out)
	}
}

func TestFallbackWhenIncompleteWithoutFollowUp(t *testing.T) {
	t.Parallel()

	ex := &fakeExtractor{result: &agent.Result{
		Profile: domain.Profile{Age: domain.Ptr(30), Gender: domain.Ptr(domain.GenderMale)},
		Confidence: domain.Confidence{
			Age:    domain.Ptr(domain.LevelHigh),
			Gender: domain.Ptr(domain.LevelHigh),
		},
	}}
	e, store := newTestEngine(t, ex)
	ctx := context.Background()

	if out := single(t, e.Handle(ctx, initEvent("s1"))); out.Message != Introduction {
		t.Fatalf("init reply = %+v", out)
	}

	out := single(t, e.Handle(ctx, answer("s1", "I am 30 years old, male")))
	if out.Event != EventAssistantQuestion || !strings.HasPrefix(out.Message, msgFallback) {
		t.Fatalf("reply = %+v, want fallback", out)
	}
	if !strings.Contains(out.Message, "activity level") || strings.Contains(out.Message, "age,") {
		t.Errorf("fallback should name only missing fields: %q", out.Message)
	}

	st := mustState(t, store, "s1")
	if st.AssistantReplies != 0 {
		t.Errorf("replies = %d, fallback must not count", st.AssistantReplies)
	}
	if *st.Profile.Age != 30 || *st.Profile.Gender != domain.GenderMale {
		t.Errorf("profile = %+v", st.Profile)
	}
	unset := 0
	for _, f := range domain.Fields {
		if !st.Profile.IsSet(f) {
			unset++
		}
	}
	if unset != 5 {
		t.Errorf("%d fields unset, want 5", unset)
	}

	ex.mu.Lock()
	defer ex.mu.Unlock()
	hist := ex.history[0]
	if len(hist) != 2 || hist[1].Content != "I am 30 years old, male" {
		t.Errorf("extractor saw history %+v, want intro and the answer", hist)
	}
}

func TestExplicitLowConfidenceAsksFollowUp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		followUp     string
		wantFallback bool
		wantReplies  int
	}{
		{"with follow-up", "How would you rate your stress?", false, 1},
		{"without follow-up", "", true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ex := &fakeExtractor{result: &agent.Result{
				Profile:          domain.Profile{StressLevel: domain.Ptr(domain.StressMedium)},
				Confidence:       domain.Confidence{StressLevel: domain.Ptr(domain.LevelLow)},
				FollowUpQuestion: tt.followUp,
			}}
			e, store := newTestEngine(t, ex)
			ctx := context.Background()
			e.Handle(ctx, initEvent("s1"))

			out := single(t, e.Handle(ctx, answer("s1", "kind of stressed")))
			if got := strings.HasPrefix(out.Message, msgFallback); got != tt.wantFallback {
				t.Errorf("fallback = %v, want %v (message %q)", got, tt.wantFallback, out.Message)
			}
			if !tt.wantFallback && out.Message != tt.followUp {
				t.Errorf("message = %q, want %q", out.Message, tt.followUp)
			}
			if st := mustState(t, store, "s1"); st.AssistantReplies != tt.wantReplies {
				t.Errorf("replies = %d, want %d", st.AssistantReplies, tt.wantReplies)
			}
		})
	}
}

func TestValueWithoutConfidenceCountsAsLow(t *testing.T) {
	t.Parallel()

	ex := &fakeExtractor{result: &agent.Result{
		Profile:          domain.Profile{Age: domain.Ptr(30)},
		FollowUpQuestion: "How old are you exactly?",
	}}
	e, store := newTestEngine(t, ex)
	ctx := context.Background()
	e.Handle(ctx, initEvent("s1"))

	out := single(t, e.Handle(ctx, answer("s1", "around 30")))
	if out.Message != "How old are you exactly?" {
		t.Fatalf("reply = %+v, want the follow-up", out)
	}
	st := mustState(t, store, "s1")
	if !st.Confidence.Addressed(domain.FieldAge) || st.Confidence.Of(domain.FieldAge) != domain.LevelLow {
		t.Errorf("age confidence = %+v, want explicit low", st.Confidence.Age)
	}
}

func TestCompletion(t *testing.T) {
	t.Parallel()

	ex := &fakeExtractor{result: fullResult(domain.LevelHigh)}
	e, store := newTestEngine(t, ex)
	archiver := &fakeArchiver{}
	e.SetArchiver(archiver)
	ctx := context.Background()
	e.Handle(ctx, initEvent("s1"))

	out := single(t, e.Handle(ctx, answer("s1", "everything about me")))
	if out.Event != EventProfileComplete {
		t.Fatalf("reply = %+v, want profile_complete", out)
	}
	var got domain.Profile
	if err := json.Unmarshal([]byte(out.Message), &got); err != nil {
		t.Fatalf("profile_complete message is not a profile: %v", err)
	}
	if got.HealthGoals == nil || *got.HealthGoals != "build muscle" {
		t.Errorf("completed profile = %+v", got)
	}

	st := mustState(t, store, "s1")
	if st.Stage != domain.StageCompleted {
		t.Errorf("stage = %q, want completed", st.Stage)
	}

	archiver.mu.Lock()
	if len(archiver.records) != 1 || archiver.records[0].SessionID != "s1" {
		t.Errorf("archived = %+v", archiver.records)
	} else if n := len(archiver.records[0].Transcript); n != 3 {
		t.Errorf("archived transcript has %d messages, want 3", n)
	}
	archiver.mu.Unlock()

	again := single(t, e.Handle(ctx, answer("s1", "one more thing")))
	if again.Event != EventProfileComplete || again.Message != out.Message {
		t.Errorf("answer after completion = %+v", again)
	}
	if ex.callCount() != 1 {
		t.Errorf("extractor called %d times after completion", ex.callCount())
	}
}

func TestMediumConfidenceCompletes(t *testing.T) {
	t.Parallel()

	e, store := newTestEngine(t, &fakeExtractor{result: fullResult(domain.LevelMedium)})
	ctx := context.Background()
	e.Handle(ctx, initEvent("s1"))

	if out := single(t, e.Handle(ctx, answer("s1", "all of it"))); out.Event != EventProfileComplete {
		t.Fatalf("reply = %+v, want profile_complete", out)
	}
	if st := mustState(t, store, "s1"); st.Stage != domain.StageCompleted {
		t.Errorf("stage = %q", st.Stage)
	}
}

func TestForgetDiscardsLateResult(t *testing.T) {
	t.Parallel()

	ex := &fakeExtractor{
		result:  fullResult(domain.LevelHigh),
		started: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	e, store := newTestEngine(t, ex)
	ctx := context.Background()
	e.Handle(ctx, initEvent("s1"))

	done := make(chan []Outbound, 1)
	go func() {
		done <- e.Handle(ctx, answer("s1", "everything"))
	}()
	<-ex.started

	e.Forget("s1")
	e.Connect("s1")
	close(ex.gate)

	select {
	case out := <-done:
		if len(out) != 0 {
			t.Errorf("late result produced output: %+v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Handle did not return")
	}

	st := mustState(t, store, "s1")
	if st.Stage != domain.StageInit || st.Profile.Age != nil || st.GenerationInFlight {
		t.Errorf("late result leaked into the new session: %+v", st)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()

	ex := &fakeExtractor{panicMsg: "boom"}
	e, store := newTestEngine(t, ex)
	ctx := context.Background()
	e.Handle(ctx, initEvent("s1"))

	out := single(t, e.Handle(ctx, answer("s1", "hi")))
	if out.Event != EventUserAnswerFailed {
		t.Fatalf("reply = %+v, want user_answer_failed", out)
	}
	if st := mustState(t, store, "s1"); st.GenerationInFlight {
		t.Error("in-flight flag not cleared after panic")
	}
}

func TestTranscriptRecordsBothDirections(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, &fakeExtractor{err: errors.New("down")})
	log := &fakeTranscript{}
	e.SetTranscript(log)
	ctx := context.Background()

	e.Handle(ctx, initEvent("s1"))
	e.Handle(ctx, answer("s1", "hello"))

	log.mu.Lock()
	defer log.mu.Unlock()
	var inbound, outbound int
	for _, ev := range log.events {
		switch ev.Direction {
		case transcript.Inbound:
			inbound++
		case transcript.Outbound:
			outbound++
		}
	}
	if inbound != 2 || outbound != 2 {
		t.Errorf("inbound = %d, outbound = %d; want 2 and 2", inbound, outbound)
	}
}
