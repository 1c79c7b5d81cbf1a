package cachemon

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/modelrelay/modelrelay/pkg/notify"
)

const (
	volumeMinDenom       = int64(3000)
	volumeMinDenomCold   = int64(2000)
	volumeMinSuccess     = int64(10)
	volumeMinSuccessCold = int64(5)

	createShareThreshold     = 0.9
	createReadRatioThreshold = 3.0

	cliffBaselineMinDenom   = int64(10_000)
	cliffRecentMinDenom     = int64(3000)
	cliffBaselineMinSuccess = int64(30)
	cliffRecentMinSuccess   = int64(10)
	cliffMinBaselineHitRate = 0.05
	cliffMaxRatio           = 0.25
	cliffMinAbsDrop         = 0.05

	selfCheckMaxGroups = 20
)

const (
	RuleCreateWithoutRead   = "create-without-read"
	RuleHighCreateShare     = "high-create-share"
	RuleCreateReadImbalance = "create-read-imbalance"
	RuleHitRateCliff        = "hit-rate-cliff"
	RuleSelfCheckFailed     = "self-check-failed"
)

type WindowMetrics struct {
	DenomTokens       int64   `json:"denom_tokens"`
	CacheReadTokens   int64   `json:"cache_read_tokens"`
	CacheCreateTokens int64   `json:"cache_create_tokens"`
	Requests          int64   `json:"requests"`
	HitRate           float64 `json:"hit_rate"`
}

type Alert struct {
	AtMs            int64         `json:"at_ms"`
	Level           string        `json:"level"`
	Rule            string        `json:"rule"`
	CLI             string        `json:"cli"`
	Provider        string        `json:"provider"`
	Model           string        `json:"model"`
	Title           string        `json:"title"`
	Body            string        `json:"body"`
	Observe         WindowMetrics `json:"observe"`
	Baseline        WindowMetrics `json:"baseline"`
	CreateShare     float64       `json:"create_share"`
	CreateReadRatio float64       `json:"create_read_ratio"`
}

type evalOutcome struct {
	alerts        []Alert
	disabled      bool
	disableNotice bool
}

// maybeEvaluate runs one evaluation cycle when the monitor is enabled and
// at least 60s passed since the previous cycle. Both the ingestion path
// and the periodic ticker funnel through this throttle.
func (m *Monitor) maybeEvaluate(nowMs int64) {
	m.mu.Lock()
	if !m.enabled || nowMs-m.lastEvalMs < evalIntervalMs {
		m.mu.Unlock()
		return
	}
	m.lastEvalMs = nowMs
	out := m.evaluateLocked(nowMs)
	m.mu.Unlock()
	m.dispatch(out)
}

func (m *Monitor) evaluateLocked(nowMs int64) evalOutcome {
	var out evalOutcome
	m.evalCount++
	nowMin := nowMs / 60_000

	baselineFrom, baselineTo := nowMin-59, nowMin-15
	recentFrom, recentTo := nowMin-14, nowMin
	observeFrom, observeTo, cold := observeRange(nowMin, m.enabledAtMs, nowMs)

	for key, g := range m.groups {
		if nowMin-g.lastSeenMin > evictAfterMinutes {
			delete(m.groups, key)
			continue
		}
		g.raw.prune(nowMin)
	}

	if corrupt, ok := m.selfCheckLocked(nowMin, baselineFrom, baselineTo, recentFrom, recentTo, observeFrom, observeTo); !ok {
		log.Error("cache monitor aggregates diverged from raw samples, disabling",
			"cli", corrupt.CLI, "provider", corrupt.Provider, "model", corrupt.Model)
		out.disabled = true
		out.alerts = append(out.alerts, buildDisableAlert(nowMs, corrupt))
		m.resetLocked()
		m.enabled = false
		if nowMs-m.lastDisableNoticeMs >= disableNoticeDedupMs {
			m.lastDisableNoticeMs = nowMs
			out.disableNotice = true
		}
		return out
	}

	for key, g := range m.groups {
		baseline := g.ring.sumRange(baselineFrom, baselineTo)
		recent := g.ring.sumRange(recentFrom, recentTo)
		observe := recent
		if cold {
			observe = g.ring.sumRange(observeFrom, observeTo)
		}
		rule := matchRule(cold, baseline, recent, observe)
		if rule == "" {
			continue
		}
		if nowMs-g.lastAlertAtMs < alertSuppressMs {
			continue
		}
		g.lastAlertAtMs = nowMs
		m.alertCount++
		out.alerts = append(out.alerts, buildAlert(nowMs, rule, key, observe, baseline))
	}
	sort.Slice(out.alerts, func(i, j int) bool { return groupKeyLess(alertKey(out.alerts[i]), alertKey(out.alerts[j])) })
	return out
}

// observeRange picks the window the volume-gated rules look at. During
// the first ten minutes after enable it grows one minute per elapsed
// minute up to ten, so fresh deployments alert on strong signals without
// waiting for a full window; afterwards it is the recent window.
func observeRange(nowMin, enabledAtMs, nowMs int64) (from, to int64, cold bool) {
	from, to = nowMin-14, nowMin
	if enabledAtMs <= 0 {
		return from, to, false
	}
	since := nowMs - enabledAtMs
	if since < 0 {
		since = 0
	}
	if since >= coldStartMs {
		return from, to, false
	}
	span := since/60_000 + 1
	if span > 10 {
		span = 10
	}
	return nowMin - span + 1, nowMin, true
}

// selfCheckLocked re-derives the evaluation windows of the busiest groups
// from their raw samples and compares against the ring sums. Returns the
// first diverging group and false on any mismatch.
func (m *Monitor) selfCheckLocked(nowMin, baselineFrom, baselineTo, recentFrom, recentTo, observeFrom, observeTo int64) (GroupKey, bool) {
	type candidate struct {
		key  GroupKey
		g    *groupState
		load int64
	}
	candidates := make([]candidate, 0, len(m.groups))
	for key, g := range m.groups {
		baseline := g.ring.sumRange(baselineFrom, baselineTo)
		recent := g.ring.sumRange(recentFrom, recentTo)
		candidates = append(candidates, candidate{key: key, g: g, load: baseline.Denom + recent.Denom})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].load == candidates[j].load {
			return groupKeyLess(candidates[i].key, candidates[j].key)
		}
		return candidates[i].load > candidates[j].load
	})
	if len(candidates) > selfCheckMaxGroups {
		candidates = candidates[:selfCheckMaxGroups]
	}
	for _, c := range candidates {
		c.g.raw.prune(nowMin)
		for _, win := range [][2]int64{
			{baselineFrom, baselineTo},
			{recentFrom, recentTo},
			{observeFrom, observeTo},
		} {
			if c.g.ring.sumRange(win[0], win[1]) != c.g.raw.sumRange(win[0], win[1]) {
				return c.key, false
			}
		}
	}
	return GroupKey{}, true
}

func groupKeyLess(a, b GroupKey) bool {
	if a.CLI != b.CLI {
		return a.CLI < b.CLI
	}
	if a.Provider != b.Provider {
		return a.Provider < b.Provider
	}
	return a.Model < b.Model
}

func alertKey(a Alert) GroupKey {
	return GroupKey{CLI: a.CLI, Provider: a.Provider, Model: a.Model}
}

// matchRule applies the anomaly rules in order; the first match wins. The
// volume gate only guards the three absolute rules; the hit-rate cliff
// carries its own thresholds.
func matchRule(cold bool, baseline, recent, observe windowStats) string {
	minDenom, minSuccess := volumeMinDenom, volumeMinSuccess
	if cold {
		minDenom, minSuccess = volumeMinDenomCold, volumeMinSuccessCold
	}
	if observe.Denom >= minDenom && observe.Success >= minSuccess {
		switch {
		case observe.Read == 0 && observe.Create > 0:
			return RuleCreateWithoutRead
		case float64(observe.Create)/float64(observe.Denom) >= createShareThreshold:
			return RuleHighCreateShare
		case observe.Read > 0 && float64(observe.Create)/float64(observe.Read) >= createReadRatioThreshold:
			return RuleCreateReadImbalance
		}
	}
	if baseline.Denom < cliffBaselineMinDenom || recent.Denom < cliffRecentMinDenom {
		return ""
	}
	if baseline.Success < cliffBaselineMinSuccess || recent.Success < cliffRecentMinSuccess {
		return ""
	}
	baseRate := baseline.hitRate()
	if math.IsNaN(baseRate) || math.IsInf(baseRate, 0) || baseRate < cliffMinBaselineHitRate {
		return ""
	}
	recentRate := recent.hitRate()
	if recentRate/baseRate <= cliffMaxRatio && baseRate-recentRate >= cliffMinAbsDrop {
		return RuleHitRateCliff
	}
	return ""
}

func windowMetrics(w windowStats) WindowMetrics {
	hr := w.hitRate()
	if math.IsNaN(hr) || math.IsInf(hr, 0) {
		hr = 0
	}
	return WindowMetrics{
		DenomTokens:       w.Denom,
		CacheReadTokens:   w.Read,
		CacheCreateTokens: w.Create,
		Requests:          w.Success,
		HitRate:           hr,
	}
}

func buildAlert(nowMs int64, rule string, key GroupKey, observe, baseline windowStats) Alert {
	createShare := 0.0
	if observe.Denom > 0 {
		createShare = float64(observe.Create) / float64(observe.Denom)
	}
	createReadRatio := 0.0
	if observe.Read > 0 {
		createReadRatio = float64(observe.Create) / float64(observe.Read)
	}
	a := Alert{
		AtMs:            nowMs,
		Level:           notify.LevelWarning,
		Rule:            rule,
		CLI:             key.CLI,
		Provider:        key.Provider,
		Model:           key.Model,
		Observe:         windowMetrics(observe),
		Baseline:        windowMetrics(baseline),
		CreateShare:     createShare,
		CreateReadRatio: createReadRatio,
	}
	a.Title = fmt.Sprintf("Cache anomaly: %s via %s", key.CLI, key.Provider)
	a.Body = renderAlertBody(a)
	return a
}

func renderAlertBody(a Alert) string {
	lines := []string{
		fmt.Sprintf("%s / %s / %s", a.CLI, a.Provider, a.Model),
		"rule: " + a.Rule,
		fmt.Sprintf("window: %d input tokens, %d cache reads, %d cache writes, %d requests, %.1f%% hit rate",
			a.Observe.DenomTokens, a.Observe.CacheReadTokens, a.Observe.CacheCreateTokens, a.Observe.Requests, a.Observe.HitRate*100),
		fmt.Sprintf("baseline: %d input tokens, %d cache reads, %.1f%% hit rate",
			a.Baseline.DenomTokens, a.Baseline.CacheReadTokens, a.Baseline.HitRate*100),
		fmt.Sprintf("create share %.2f, create/read ratio %.2f", a.CreateShare, a.CreateReadRatio),
	}
	return strings.Join(lines, "\n")
}

func buildDisableAlert(nowMs int64, key GroupKey) Alert {
	return Alert{
		AtMs:     nowMs,
		Level:    notify.LevelError,
		Rule:     RuleSelfCheckFailed,
		CLI:      key.CLI,
		Provider: key.Provider,
		Model:    key.Model,
		Title:    "Cache monitor disabled",
		Body: fmt.Sprintf("Aggregate sums diverged from raw samples for %s / %s / %s. "+
			"The cache monitor turned itself off; re-enable it from the panel once the cause is understood.",
			key.CLI, key.Provider, key.Model),
	}
}

func (m *Monitor) dispatch(out evalOutcome) {
	for _, a := range out.alerts {
		if a.Rule != RuleSelfCheckFailed {
			log.Warn("cache usage anomaly",
				"rule", a.Rule, "cli", a.CLI, "provider", a.Provider, "model", a.Model,
				"hit_rate", a.Observe.HitRate, "create_share", a.CreateShare)
		}
		if m.onAlert != nil {
			m.onAlert(a)
		}
		if a.Rule == RuleSelfCheckFailed && !out.disableNotice {
			continue
		}
		m.sendNotice(notify.Notice{Level: a.Level, Title: a.Title, Body: a.Body})
	}
	if out.disabled && m.persist != nil {
		if err := m.persist(false); err != nil {
			log.Error("cache monitor flag persist failed", "error", err)
		}
	}
}

// sendNotice hands the notice to the sender on its own goroutine so slow
// notification transports cannot stall request handling. Failures are
// logged and otherwise dropped.
func (m *Monitor) sendNotice(n notify.Notice) {
	if m.notifier == nil {
		return
	}
	send := func() {
		if err := m.notifier.Send(context.Background(), n); err != nil {
			log.Warn("cache monitor notification failed", "error", err)
		}
	}
	if m.syncNotify {
		send()
		return
	}
	go send()
}
