package cachemon

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/modelrelay/modelrelay/pkg/notify"
)

type recordingSender struct {
	mu      sync.Mutex
	notices []notify.Notice
}

func (r *recordingSender) Send(_ context.Context, n notify.Notice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	return nil
}

func (r *recordingSender) count(level string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, notice := range r.notices {
		if notice.Level == level {
			n++
		}
	}
	return n
}

type monitorHarness struct {
	m         *Monitor
	sender    *recordingSender
	alerts    []Alert
	persisted []bool
	baseMs    int64
}

func newHarness(enabled bool) *monitorHarness {
	h := &monitorHarness{sender: &recordingSender{}}
	h.baseMs = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC).UnixMilli()
	h.m = New(Options{
		Enabled:                 enabled,
		InputIncludesCacheReads: map[string]bool{"claude-code": true},
		Notifier:                h.sender,
		OnAlert:                 func(a Alert) { h.alerts = append(h.alerts, a) },
		PersistEnabled: func(v bool) error {
			h.persisted = append(h.persisted, v)
			return nil
		},
		Now: func() time.Time { return time.UnixMilli(h.baseMs) },
	})
	h.m.syncNotify = true
	return h
}

func (h *monitorHarness) complete(minuteOffset int64, cli, provider string, input, read, create float64) {
	h.m.OnRequestCompletion(CompletionEvent{
		CLI:               cli,
		Provider:          provider,
		StatusCode:        200,
		InputTokens:       input,
		CacheReadTokens:   read,
		CacheCreateTokens: create,
		AtMs:              h.baseMs + minuteOffset*60_000,
	})
}

// suspendEvaluation keeps piggybacked evaluation from firing while a
// scenario's history is fed in, so assertions run against one well
// defined evaluation pass.
func (h *monitorHarness) suspendEvaluation() {
	h.m.mu.Lock()
	h.m.lastEvalMs = 1 << 60
	h.m.mu.Unlock()
}

func (h *monitorHarness) evaluateAt(minuteOffset int64) {
	h.m.mu.Lock()
	h.m.lastEvalMs = 0
	h.m.mu.Unlock()
	h.m.maybeEvaluate(h.baseMs + minuteOffset*60_000)
}

func (h *monitorHarness) groupKeys() []GroupKey {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	keys := make([]GroupKey, 0, len(h.m.groups))
	for k := range h.m.groups {
		keys = append(keys, k)
	}
	return keys
}

func TestHitRateCliffAlert(t *testing.T) {
	h := newHarness(true)
	h.suspendEvaluation()
	for m := int64(0); m < 40; m++ {
		h.complete(m, "codex", "openai", 1000, 100, 0)
	}
	for m := int64(40); m < 55; m++ {
		h.complete(m, "codex", "openai", 300, 0, 0)
	}
	h.evaluateAt(54)

	if len(h.alerts) != 1 {
		t.Fatalf("expected exactly one alert, got %d", len(h.alerts))
	}
	a := h.alerts[0]
	if a.Rule != RuleHitRateCliff {
		t.Fatalf("expected %s, got %s", RuleHitRateCliff, a.Rule)
	}
	if a.CLI != "codex" || a.Provider != "openai" || a.Model != UnknownModel {
		t.Fatalf("unexpected alert group: %s/%s/%s", a.CLI, a.Provider, a.Model)
	}
	if a.Observe.DenomTokens != 4500 || a.Observe.Requests != 15 {
		t.Fatalf("unexpected observe window: %+v", a.Observe)
	}
	if a.Observe.HitRate != 0 {
		t.Fatalf("expected recent hit rate 0, got %v", a.Observe.HitRate)
	}
	if a.Baseline.DenomTokens != 40000 || math.Abs(a.Baseline.HitRate-0.10) > 1e-9 {
		t.Fatalf("unexpected baseline window: %+v", a.Baseline)
	}
	if h.sender.count(notify.LevelWarning) != 1 {
		t.Fatalf("expected one warning notice, got %d", h.sender.count(notify.LevelWarning))
	}
}

func TestCreateWithoutReadAlert(t *testing.T) {
	h := newHarness(true)
	h.suspendEvaluation()
	for m := int64(0); m < 12; m++ {
		h.complete(m, "claude-code", "anthropic", 300, 0, 50)
	}
	h.evaluateAt(11)

	if len(h.alerts) != 1 {
		t.Fatalf("expected exactly one alert, got %d", len(h.alerts))
	}
	a := h.alerts[0]
	if a.Rule != RuleCreateWithoutRead {
		t.Fatalf("expected %s, got %s", RuleCreateWithoutRead, a.Rule)
	}
	if a.Observe.DenomTokens != 3600 || a.Observe.Requests != 12 || a.Observe.CacheCreateTokens != 600 {
		t.Fatalf("unexpected observe window: %+v", a.Observe)
	}
}

func TestSelfCheckFailureDisablesMonitor(t *testing.T) {
	h := newHarness(true)
	h.suspendEvaluation()
	for m := int64(0); m < 20; m++ {
		h.complete(m, "codex", "openai", 1000, 100, 0)
	}

	baseMin := h.baseMs / 60_000
	key := GroupKey{CLI: "codex", Provider: "openai", Model: UnknownModel}
	h.m.mu.Lock()
	g := h.m.groups[key]
	if g == nil {
		h.m.mu.Unlock()
		t.Fatalf("expected group %+v to exist", key)
	}
	g.ring.slots[(baseMin+5)%ringMinutes].denom += 10
	h.m.mu.Unlock()

	h.evaluateAt(19)

	if h.m.Enabled() {
		t.Fatalf("expected monitor to disable itself on aggregate divergence")
	}
	if len(h.alerts) != 1 || h.alerts[0].Rule != RuleSelfCheckFailed {
		t.Fatalf("expected single self-check record, got %+v", h.alerts)
	}
	if h.sender.count(notify.LevelWarning) != 0 {
		t.Fatalf("aborted cycle must not emit anomaly notices")
	}
	if h.sender.count(notify.LevelError) != 1 {
		t.Fatalf("expected one disable notice, got %d", h.sender.count(notify.LevelError))
	}
	if len(h.persisted) != 1 || h.persisted[0] != false {
		t.Fatalf("expected disabled flag persisted, got %+v", h.persisted)
	}
	if st := h.m.Status(); st.Groups != 0 || st.EnabledAtMs != 0 {
		t.Fatalf("expected full reset after disable, got %+v", st)
	}

	// A second corruption right after re-enable must not produce a
	// second notice.
	h.m.SetEnabled(true)
	h.suspendEvaluation()
	for m := int64(0); m < 20; m++ {
		h.complete(m, "codex", "openai", 1000, 100, 0)
	}
	h.m.mu.Lock()
	h.m.groups[key].ring.slots[(baseMin+5)%ringMinutes].denom += 10
	h.m.mu.Unlock()
	h.evaluateAt(19)

	if h.m.Enabled() {
		t.Fatalf("expected monitor disabled again")
	}
	if h.sender.count(notify.LevelError) != 1 {
		t.Fatalf("expected disable notice to be deduplicated, got %d", h.sender.count(notify.LevelError))
	}
	if len(h.alerts) != 2 {
		t.Fatalf("expected both disable events recorded, got %d", len(h.alerts))
	}
}

func TestLowVolumeStaysSilent(t *testing.T) {
	h := newHarness(true)
	h.suspendEvaluation()
	for m := int64(0); m < 5; m++ {
		h.complete(m, "codex", "openai", 200, 0, 100)
	}
	h.evaluateAt(10)

	if len(h.alerts) != 0 {
		t.Fatalf("expected no alerts below the volume gate, got %+v", h.alerts)
	}
	if h.sender.count(notify.LevelWarning) != 0 {
		t.Fatalf("expected no notices below the volume gate")
	}
}

func TestAlertSuppressionWindow(t *testing.T) {
	h := newHarness(true)
	h.suspendEvaluation()
	for m := int64(0); m < 30; m++ {
		h.complete(m, "claude-code", "anthropic", 300, 0, 50)
	}

	h.evaluateAt(14)
	if len(h.alerts) != 1 {
		t.Fatalf("expected first evaluation to alert, got %d", len(h.alerts))
	}
	h.evaluateAt(28)
	if len(h.alerts) != 1 {
		t.Fatalf("expected alert 14 minutes later to be suppressed, got %d", len(h.alerts))
	}
	h.evaluateAt(29)
	if len(h.alerts) != 2 {
		t.Fatalf("expected alert after suppression window, got %d", len(h.alerts))
	}
}

func TestObserveWindowGrowsDuringColdStart(t *testing.T) {
	enabledAt := int64(1_000_000) * 60_000
	cases := []struct {
		elapsedMin int64
		wantSpan   int64
		wantCold   bool
	}{
		{0, 1, true},
		{1, 2, true},
		{4, 5, true},
		{9, 10, true},
		{10, 15, false},
		{30, 15, false},
	}
	for _, tc := range cases {
		nowMs := enabledAt + tc.elapsedMin*60_000
		from, to, cold := observeRange(nowMs/60_000, enabledAt, nowMs)
		if cold != tc.wantCold {
			t.Fatalf("elapsed %dm: cold=%v, want %v", tc.elapsedMin, cold, tc.wantCold)
		}
		if span := to - from + 1; span != tc.wantSpan {
			t.Fatalf("elapsed %dm: span=%d, want %d", tc.elapsedMin, span, tc.wantSpan)
		}
	}
}

func TestToggleResetsAllState(t *testing.T) {
	h := newHarness(true)
	h.suspendEvaluation()
	for m := int64(0); m < 30; m++ {
		h.complete(m, "claude-code", "anthropic", 300, 0, 50)
	}
	h.m.OnRequestStart(StartEvent{TraceID: "tr-1", CLI: "codex", Model: "gpt-5", AtMs: h.baseMs + 29*60_000})

	st := h.m.Status()
	if st.Groups != 1 || st.PendingTraces != 1 {
		t.Fatalf("expected populated state before toggle, got %+v", st)
	}

	h.m.SetEnabled(false)
	st = h.m.Status()
	if st.Enabled || st.Groups != 0 || st.PendingTraces != 0 || st.EnabledAtMs != 0 {
		t.Fatalf("expected cleared state after disable, got %+v", st)
	}
	if len(h.persisted) != 1 || h.persisted[0] != false {
		t.Fatalf("expected persisted disable, got %+v", h.persisted)
	}

	h.m.SetEnabled(true)
	h.evaluateAt(30)
	if len(h.alerts) != 0 {
		t.Fatalf("expected no alerts from pre-toggle history, got %+v", h.alerts)
	}
	st = h.m.Status()
	if !st.Enabled || st.EnabledAtMs != h.baseMs {
		t.Fatalf("expected fresh enable stamp, got %+v", st)
	}
}

func TestCorrelatorAttachesModelOnce(t *testing.T) {
	h := newHarness(true)
	h.suspendEvaluation()
	h.m.OnRequestStart(StartEvent{TraceID: "tr-9", CLI: "codex", Model: "gpt-5-codex", AtMs: h.baseMs})
	ev := CompletionEvent{
		TraceID:     "tr-9",
		CLI:         "codex",
		Provider:    "openai",
		StatusCode:  200,
		InputTokens: 500,
		AtMs:        h.baseMs + 1_000,
	}
	h.m.OnRequestCompletion(ev)
	keys := h.groupKeys()
	if len(keys) != 1 || keys[0].Model != "gpt-5-codex" {
		t.Fatalf("expected group under requested model, got %+v", keys)
	}

	// The trace was consumed; a replay falls back to Unknown.
	h.m.OnRequestCompletion(ev)
	keys = h.groupKeys()
	if len(keys) != 2 {
		t.Fatalf("expected distinct Unknown group on replay, got %+v", keys)
	}
}

func TestCorrelatorExpiresStaleTraces(t *testing.T) {
	h := newHarness(true)
	h.suspendEvaluation()
	h.m.OnRequestStart(StartEvent{TraceID: "tr-slow", CLI: "codex", Model: "gpt-5", AtMs: h.baseMs})
	h.m.OnRequestCompletion(CompletionEvent{
		TraceID:     "tr-slow",
		CLI:         "codex",
		Provider:    "openai",
		StatusCode:  200,
		InputTokens: 500,
		AtMs:        h.baseMs + 11*60_000,
	})
	keys := h.groupKeys()
	if len(keys) != 1 || keys[0].Model != UnknownModel {
		t.Fatalf("expected expired trace to fall back to Unknown, got %+v", keys)
	}
}

func TestIdleGroupsAreEvicted(t *testing.T) {
	h := newHarness(true)
	h.suspendEvaluation()
	h.complete(0, "codex", "openai", 500, 0, 0)
	h.complete(61, "gemini-cli", "google", 500, 0, 0)
	h.evaluateAt(61)

	keys := h.groupKeys()
	if len(keys) != 1 || keys[0].CLI != "gemini-cli" {
		t.Fatalf("expected idle group evicted, got %+v", keys)
	}
}

func TestEvaluationThrottle(t *testing.T) {
	h := newHarness(true)
	h.complete(0, "codex", "openai", 500, 0, 0)
	if st := h.m.Status(); st.Evaluations != 1 {
		t.Fatalf("expected first completion to evaluate, got %+v", st)
	}
	h.m.OnRequestCompletion(CompletionEvent{
		CLI: "codex", Provider: "openai", StatusCode: 200, InputTokens: 500,
		AtMs: h.baseMs + 30_000,
	})
	if st := h.m.Status(); st.Evaluations != 1 {
		t.Fatalf("expected evaluation throttled inside 60s, got %+v", st)
	}
	h.complete(1, "codex", "openai", 500, 0, 0)
	if st := h.m.Status(); st.Evaluations != 2 {
		t.Fatalf("expected evaluation after 60s, got %+v", st)
	}
}

func TestDisabledMonitorIgnoresTraffic(t *testing.T) {
	h := newHarness(false)
	h.m.OnRequestStart(StartEvent{TraceID: "tr-1", CLI: "codex", Model: "gpt-5", AtMs: h.baseMs})
	h.complete(0, "codex", "openai", 500, 0, 0)
	st := h.m.Status()
	if st.Enabled || st.Groups != 0 || st.PendingTraces != 0 || st.Evaluations != 0 {
		t.Fatalf("expected disabled monitor to stay empty, got %+v", st)
	}
}
