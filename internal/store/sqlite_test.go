package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/wellness-profile/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "data", "profiles.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleRecord(sessionID string, completedAt time.Time) domain.CompletedProfile {
	var c domain.Confidence
	c.Set(domain.FieldAge, domain.LevelHigh)
	c.Set(domain.FieldStressLevel, domain.LevelMedium)
	return domain.CompletedProfile{
		SessionID: sessionID,
		Profile: domain.Profile{
			Age:         domain.Ptr(34),
			StressLevel: domain.Ptr(domain.StressMedium),
		},
		Confidence: c,
		Transcript: []domain.Message{
			{ID: "m1", Role: domain.RoleAssistant, Event: "assistant_question", Content: "Hi", Timestamp: completedAt.Add(-time.Minute)},
			{ID: "m2", Role: domain.RoleUser, Event: "user_answer", Content: "I'm 34", Timestamp: completedAt},
		},
		CompletedAt: completedAt,
	}
}

func TestSaveAndGetCompletedProfile(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := s.SaveCompletedProfile(ctx, sampleRecord("tab-1", at)); err != nil {
		t.Fatalf("SaveCompletedProfile() error = %v", err)
	}

	got, err := s.GetCompletedProfile(ctx, "tab-1")
	if err != nil {
		t.Fatalf("GetCompletedProfile() error = %v", err)
	}
	if got == nil {
		t.Fatal("GetCompletedProfile() = nil")
	}
	if got.Profile.Age == nil || *got.Profile.Age != 34 {
		t.Errorf("age = %v", got.Profile.Age)
	}
	if got.Confidence.Of(domain.FieldStressLevel) != domain.LevelMedium {
		t.Errorf("stress confidence = %q", got.Confidence.Of(domain.FieldStressLevel))
	}
	if len(got.Transcript) != 2 || got.Transcript[1].Content != "I'm 34" {
		t.Errorf("transcript = %+v", got.Transcript)
	}
	if !got.CompletedAt.Equal(at) {
		t.Errorf("completed at = %v, want %v", got.CompletedAt, at)
	}
}

func TestGetCompletedProfileMissing(t *testing.T) {
	t.Parallel()

	got, err := newTestStore(t).GetCompletedProfile(context.Background(), "nobody")
	if err != nil || got != nil {
		t.Fatalf("GetCompletedProfile() = %+v, %v; want nil, nil", got, err)
	}
}

func TestSaveCompletedProfileReplaces(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	at := time.Now().UTC()

	first := sampleRecord("tab-1", at)
	if err := s.SaveCompletedProfile(ctx, first); err != nil {
		t.Fatal(err)
	}
	second := sampleRecord("tab-1", at.Add(time.Hour))
	second.Profile.Age = domain.Ptr(35)
	if err := s.SaveCompletedProfile(ctx, second); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetCompletedProfile(ctx, "tab-1")
	if err != nil {
		t.Fatal(err)
	}
	if *got.Profile.Age != 35 {
		t.Errorf("age = %d, want the later record", *got.Profile.Age)
	}
}

func TestSaveCompletedProfileRequiresSessionID(t *testing.T) {
	t.Parallel()

	if err := newTestStore(t).SaveCompletedProfile(context.Background(), domain.CompletedProfile{}); err == nil {
		t.Fatal("expected error for empty session id")
	}
}

func TestPruneOlderThan(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	if err := s.SaveCompletedProfile(ctx, sampleRecord("old", now.Add(-48*time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveCompletedProfile(ctx, sampleRecord("recent", now.Add(-time.Hour))); err != nil {
		t.Fatal(err)
	}

	removed, err := s.PruneOlderThan(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("PruneOlderThan() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if got, _ := s.GetCompletedProfile(ctx, "old"); got != nil {
		t.Error("old record survived pruning")
	}
	if got, _ := s.GetCompletedProfile(ctx, "recent"); got == nil {
		t.Error("recent record was pruned")
	}
}

func TestPing(t *testing.T) {
	t.Parallel()

	if err := newTestStore(t).Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}
