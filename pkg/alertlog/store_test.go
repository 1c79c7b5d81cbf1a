package alertlog

import (
	"path/filepath"
	"testing"
	"time"
)

func TestStoreListsNewestFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.json")
	s := NewStore(path, Settings{MaxItems: 100, MaxAgeDays: 30})
	now := time.Now().UTC()

	s.Add(Entry{
		At:       now.Add(-2 * time.Minute),
		Level:    "warning",
		Rule:     "create-without-read",
		CLI:      "codex",
		Provider: "openai",
		Model:    "openai/gpt-5-codex",
		Title:    "Cache anomaly: codex via openai",
	})
	s.Add(Entry{
		At:       now.Add(-1 * time.Minute),
		Level:    "warning",
		Rule:     "hit-rate-cliff",
		CLI:      "claude-code",
		Provider: "anthropic",
		Model:    "anthropic/claude-sonnet-4-5",
		Title:    "Cache anomaly: claude-code via anthropic",
	})

	recs, total := s.List(ListFilter{})
	if total != 2 || len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d (total %d)", len(recs), total)
	}
	if recs[0].Rule != "hit-rate-cliff" || recs[1].Rule != "create-without-read" {
		t.Fatalf("expected newest first, got %q then %q", recs[0].Rule, recs[1].Rule)
	}
}

func TestStoreFiltersByRuleAndCLI(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.json")
	s := NewStore(path, Settings{MaxItems: 100, MaxAgeDays: 30})
	now := time.Now().UTC()

	s.Add(Entry{At: now, Level: "warning", Rule: "high-create-share", CLI: "aider", Provider: "groq", Title: "a"})
	s.Add(Entry{At: now, Level: "error", Rule: "self-check-failed", CLI: "codex", Provider: "openai", Title: "b"})
	s.Add(Entry{At: now, Level: "warning", Rule: "high-create-share", CLI: "codex", Provider: "openai", Title: "c"})

	recs, total := s.List(ListFilter{Rule: "high-create-share", CLI: "codex"})
	if total != 1 || len(recs) != 1 {
		t.Fatalf("expected 1 filtered record, got %d (total %d)", len(recs), total)
	}
	if recs[0].Title != "c" {
		t.Fatalf("unexpected record %+v", recs[0])
	}

	recs, _ = s.List(ListFilter{Level: "error"})
	if len(recs) != 1 || recs[0].Rule != "self-check-failed" {
		t.Fatalf("expected the self-check record, got %+v", recs)
	}

	recs, _ = s.List(ListFilter{Query: "cliff"})
	if len(recs) != 0 {
		t.Fatalf("expected no matches for cliff, got %d", len(recs))
	}
}

func TestStorePrunesByMaxItems(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.json")
	s := NewStore(path, Settings{MaxItems: 100, MaxAgeDays: 30})
	now := time.Now().UTC()

	// Shrinking MaxItems through a settings update must prune immediately.
	for i := 0; i < 5; i++ {
		s.Add(Entry{At: now.Add(time.Duration(i) * time.Second), Level: "warning", Rule: "high-create-share", Title: "x"})
	}
	s.UpdateSettings(Settings{MaxItems: 2, MaxAgeDays: 30})

	recs, total := s.List(ListFilter{})
	if total != 2 || len(recs) != 2 {
		t.Fatalf("expected 2 records after shrink, got %d (total %d)", len(recs), total)
	}
	if !recs[0].At.After(recs[1].At) {
		t.Fatalf("expected newest records kept, got %v then %v", recs[0].At, recs[1].At)
	}
}

func TestStorePrunesByAge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.json")
	s := NewStore(path, Settings{MaxItems: 100, MaxAgeDays: 7})
	now := time.Now().UTC()

	s.Add(Entry{At: now.Add(-10 * 24 * time.Hour), Level: "warning", Rule: "high-create-share", Title: "stale"})
	s.Add(Entry{At: now, Level: "warning", Rule: "high-create-share", Title: "fresh"})

	recs, _ := s.List(ListFilter{})
	if len(recs) != 1 || recs[0].Title != "fresh" {
		t.Fatalf("expected only the fresh record, got %+v", recs)
	}
}

func TestStoreReloadsFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.json")
	s := NewStore(path, Settings{MaxItems: 100, MaxAgeDays: 30})
	now := time.Now().UTC()

	s.Add(Entry{
		At:      now,
		Level:   "error",
		Rule:    "self-check-failed",
		Title:   "Cache monitor disabled",
		Metrics: []byte(`{"observe":{"denom_tokens":5000}}`),
	})
	s.Flush()

	s2 := NewStore(path, Settings{})
	recs, _ := s2.List(ListFilter{})
	if len(recs) != 1 {
		t.Fatalf("expected 1 record after reload, got %d", len(recs))
	}
	if recs[0].Rule != "self-check-failed" {
		t.Fatalf("unexpected rule %q", recs[0].Rule)
	}
	if string(recs[0].Metrics) != `{"observe":{"denom_tokens":5000}}` {
		t.Fatalf("metrics not preserved: %s", recs[0].Metrics)
	}

	if got := s2.Clear(); got != 1 {
		t.Fatalf("expected clear to remove 1, got %d", got)
	}
	if recs, total := s2.List(ListFilter{}); total != 0 || len(recs) != 0 {
		t.Fatalf("expected empty store after clear, got %d", total)
	}
}
