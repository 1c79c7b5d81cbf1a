package cachemon

import "testing"

func completionAt(minute int64) CompletionEvent {
	return CompletionEvent{
		CLI:        "codex",
		Provider:   "openai",
		StatusCode: 200,
		AtMs:       minute * 60_000,
	}
}

func TestNormalizeSampleDropsFailures(t *testing.T) {
	ev := completionAt(100)
	ev.InputTokens = 500
	ev.StatusCode = 502
	if _, ok := normalizeSample(ev, false); ok {
		t.Fatalf("expected non-2xx completion to be dropped")
	}

	ev = completionAt(100)
	ev.InputTokens = 500
	ev.ErrorCode = "overloaded_error"
	if _, ok := normalizeSample(ev, false); ok {
		t.Fatalf("expected completion with error code to be dropped")
	}
}

func TestNormalizeSampleFloorsAndClamps(t *testing.T) {
	ev := completionAt(100)
	ev.InputTokens = 1234.9
	ev.CacheReadTokens = -50
	ev.CacheCreateTokens = 10.7
	s, ok := normalizeSample(ev, false)
	if !ok {
		t.Fatalf("expected sample, got drop")
	}
	if s.Denom != 1234 {
		t.Fatalf("expected floored denom 1234, got %d", s.Denom)
	}
	if s.Read != 0 {
		t.Fatalf("expected negative cache reads clamped to 0, got %d", s.Read)
	}
	if s.Create != 10 {
		t.Fatalf("expected floored cache create 10, got %d", s.Create)
	}
	if s.Minute != 100 {
		t.Fatalf("expected minute 100, got %d", s.Minute)
	}
	if s.Success != 1 {
		t.Fatalf("expected success 1, got %d", s.Success)
	}
}

func TestNormalizeSamplePrefersCreateTierSplit(t *testing.T) {
	ev := completionAt(100)
	ev.InputTokens = 1000
	ev.CacheCreateTokens = 999
	ev.CacheCreate5mTokens = 40
	ev.CacheCreate1hTokens = 2
	s, ok := normalizeSample(ev, false)
	if !ok {
		t.Fatalf("expected sample, got drop")
	}
	if s.Create != 42 {
		t.Fatalf("expected tier split sum 42 to win over combined field, got %d", s.Create)
	}

	ev.CacheCreate5mTokens = 0
	ev.CacheCreate1hTokens = 0
	s, ok = normalizeSample(ev, false)
	if !ok {
		t.Fatalf("expected sample, got drop")
	}
	if s.Create != 999 {
		t.Fatalf("expected combined field fallback 999, got %d", s.Create)
	}
}

func TestNormalizeSampleDenominatorPolicy(t *testing.T) {
	ev := completionAt(100)
	ev.InputTokens = 1000
	ev.CacheReadTokens = 400

	s, ok := normalizeSample(ev, false)
	if !ok || s.Denom != 1000 {
		t.Fatalf("expected raw input denominator 1000, got %+v ok=%v", s, ok)
	}

	s, ok = normalizeSample(ev, true)
	if !ok || s.Denom != 600 {
		t.Fatalf("expected cache reads subtracted (600), got %+v ok=%v", s, ok)
	}

	// Reads at or above input leave nothing to measure against.
	ev.CacheReadTokens = 1000
	if _, ok := normalizeSample(ev, true); ok {
		t.Fatalf("expected zero denominator to drop the sample")
	}
}

func TestWindowStatsHitRate(t *testing.T) {
	w := windowStats{Denom: 1000, Read: 100}
	if got := w.hitRate(); got != 0.1 {
		t.Fatalf("expected hit rate 0.1, got %v", got)
	}
	empty := windowStats{}
	if got := empty.hitRate(); got == got {
		t.Fatalf("expected NaN hit rate for empty window, got %v", got)
	}
}
