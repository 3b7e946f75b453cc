package memory

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInitializeIdempotent(t *testing.T) {
	s := openTestStore(t)
	first := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	if err := s.Initialize("p1", "u1", first); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	// Mutate, then re-initialize: data must survive.
	hot, err := s.LoadHot("p1", "u1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := hot.Core.Set("name", "Sam"); err != nil {
		t.Fatalf("set name: %v", err)
	}
	if err := s.SaveHot("p1", "u1", hot); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := s.Initialize("p1", "u1", time.Now()); err != nil {
		t.Fatalf("re-initialize: %v", err)
	}
	hot, err = s.LoadHot("p1", "u1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if hot.Core.Get("name") != "Sam" {
		t.Errorf("re-initialize lost data: name = %q", hot.Core.Get("name"))
	}
	if hot.Relationship.Vibe != VibeNew || hot.Relationship.Trust != TrustNew || hot.Relationship.Flirt != FlirtNone {
		t.Errorf("scaffold relationship wrong: %+v", hot.Relationship)
	}
}

func TestLoadHotMissing(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.LoadHot("p1", "nobody"); err != ErrNoHotMemory {
		t.Errorf("expected ErrNoHotMemory, got %v", err)
	}
}

func TestHotRoundTrip(t *testing.T) {
	s := openTestStore(t)
	if err := s.Initialize("p1", "u1", time.Now()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	hot, _ := s.LoadHot("p1", "u1")
	_ = hot.Core.Set("job", "nurse")
	_ = hot.Core.Add("interests", "climbing")
	_ = hot.Core.Add("interests", "Climbing") // dedup, case-insensitive
	_ = hot.Relationship.SetTrust(TrustBuilding)
	hot.Relationship.InsideJokes = append(hot.Relationship.InsideJokes, "the pigeon incident")
	hot.Threads = append(hot.Threads, ActiveThread{
		ID:        "th1",
		Topic:     "job interview",
		Prompt:    "ask how the interview went",
		CreatedAt: time.Now().UTC(),
	})
	if err := s.SaveHot("p1", "u1", hot); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.LoadHot("p1", "u1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Core.Get("job") != "nurse" {
		t.Errorf("job = %q", got.Core.Get("job"))
	}
	if len(got.Core["interests"]) != 1 {
		t.Errorf("interests should dedup, got %v", got.Core["interests"])
	}
	if got.Relationship.Trust != TrustBuilding {
		t.Errorf("trust = %s", got.Relationship.Trust)
	}
	open := got.OpenThreads()
	if len(open) != 1 || open[0].Topic != "job interview" {
		t.Errorf("open threads = %+v", open)
	}

	if !got.ResolveThread("th1") {
		t.Error("resolve should succeed")
	}
	if got.ResolveThread("th1") {
		t.Error("double resolve should report false")
	}
	if len(got.OpenThreads()) != 0 {
		t.Error("resolved thread still open")
	}
}

func TestIdentityValidation(t *testing.T) {
	id := Identity{}
	if err := id.Set("shoe_size", "11"); err == nil {
		t.Error("unrecognized field must be rejected")
	}
	if err := id.Set("name", "  "); err != nil {
		t.Errorf("blank value should be a no-op, got %v", err)
	}
	if _, ok := id["name"]; ok {
		t.Error("blank set must not create the field")
	}
}

func TestRelationshipSetterValidation(t *testing.T) {
	var r Relationship
	if err := r.SetVibe("chaotic"); err == nil {
		t.Error("invalid vibe must be rejected")
	}
	if err := r.SetFlirt(FlirtPlayful); err != nil {
		t.Errorf("valid flirt rejected: %v", err)
	}
	if r.LastUpdated.IsZero() {
		t.Error("setter should bump last_updated")
	}
}

func TestRecordMention(t *testing.T) {
	s := openTestStore(t)

	if err := s.RecordMention("p1", "u1", "Alex", "brother", "works at the hospital", "positive"); err != nil {
		t.Fatalf("first mention: %v", err)
	}
	if err := s.RecordMention("p1", "u1", "alex", "", "just moved apartments", ""); err != nil {
		t.Fatalf("second mention: %v", err)
	}
	if err := s.RecordMention("p1", "u1", "Alex", "", "works at the hospital", ""); err != nil {
		t.Fatalf("duplicate fact mention: %v", err)
	}

	people, err := s.People("p1", "u1")
	if err != nil {
		t.Fatalf("people: %v", err)
	}
	if len(people) != 1 {
		t.Fatalf("expected one merged record, got %d", len(people))
	}
	p := people[0]
	if p.MentionCount != 3 {
		t.Errorf("mention_count = %d, want 3", p.MentionCount)
	}
	if len(p.KeyFacts) != 2 {
		t.Errorf("facts should dedup: %v", p.KeyFacts)
	}
	if p.Relationship != "brother" {
		t.Errorf("relationship lost: %q", p.Relationship)
	}
	if p.Sentiment != "positive" {
		t.Errorf("sentiment lost: %q", p.Sentiment)
	}
}

func TestSummariesByMonth(t *testing.T) {
	s := openTestStore(t)

	dates := []time.Time{
		time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 7, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 7, 20, 0, 0, 0, 0, time.UTC),
	}
	for i, d := range dates {
		err := s.AppendSummary("p1", "u1", ConversationSummary{
			Date:    d,
			Summary: "day summary",
			Topics:  []string{"work"},
			Vibe:    "warm",
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	july, err := s.SummariesForMonth("p1", "u1", "2026-07")
	if err != nil {
		t.Fatalf("month query: %v", err)
	}
	if len(july) != 2 {
		t.Errorf("july count = %d, want 2", len(july))
	}

	all, err := s.Summaries("p1", "u1", 10)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("all count = %d", len(all))
	}
	// Newest first.
	if !all[0].Date.After(all[2].Date) {
		t.Errorf("order wrong: %v .. %v", all[0].Date, all[2].Date)
	}
	if all[0].Month != "2026-07" {
		t.Errorf("month partition = %q", all[0].Month)
	}
}
