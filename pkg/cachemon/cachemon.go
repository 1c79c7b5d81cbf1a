package cachemon

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/modelrelay/modelrelay/pkg/cache"
	"github.com/modelrelay/modelrelay/pkg/notify"
)

const (
	defaultInterval = 30 * time.Second

	startTTL             = 10 * time.Minute
	evalIntervalMs       = int64(60_000)
	coldStartMs          = int64(10 * 60_000)
	alertSuppressMs      = int64(15 * 60_000)
	disableNoticeDedupMs = int64(10_000)
	evictAfterMinutes    = int64(60)
)

type startInfo struct {
	Model string
	AtMs  int64
}

type Options struct {
	// Enabled is the persisted flag loaded at startup.
	Enabled bool
	// InputIncludesCacheReads marks CLI families whose reported input
	// token count already contains cache reads.
	InputIncludesCacheReads map[string]bool
	// Notifier receives alert and shutdown notices. Delivery is best
	// effort and never blocks ingestion.
	Notifier notify.Sender
	// OnAlert observes every dispatched alert, including the record
	// emitted when the feature disables itself.
	OnAlert func(Alert)
	// PersistEnabled writes the feature flag back to settings whenever
	// the monitor toggles, including a self-check shutdown.
	PersistEnabled func(enabled bool) error
	// Interval is the periodic evaluation tick. Defaults to 30s.
	Interval time.Duration
	Now      func() time.Time
}

// Monitor watches per-request cache token usage grouped by CLI, provider
// and model, and raises alerts when a group's cache behavior turns
// anomalous. All aggregate state is process-local and fully reset on
// toggle; nothing but the enabled flag survives a restart.
type Monitor struct {
	mu sync.Mutex

	enabled             bool
	enabledAtMs         int64
	groups              map[GroupKey]*groupState
	lastEvalMs          int64
	lastDisableNoticeMs int64
	evalCount           int64
	alertCount          int64

	subtractCacheRead map[string]bool

	starts *cache.TTLMap[string, startInfo]

	notifier notify.Sender
	onAlert  func(Alert)
	persist  func(bool) error

	interval   time.Duration
	now        func() time.Time
	forceCh    chan struct{}
	syncNotify bool
}

type groupState struct {
	ring          minuteRing
	raw           rawLog
	lastSeenMin   int64
	lastAlertAtMs int64
}

func New(opts Options) *Monitor {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	policy := make(map[string]bool, len(opts.InputIncludesCacheReads))
	for k, v := range opts.InputIncludesCacheReads {
		policy[strings.ToLower(strings.TrimSpace(k))] = v
	}
	m := &Monitor{
		groups:            map[GroupKey]*groupState{},
		subtractCacheRead: policy,
		starts:            cache.NewTTLMap[string, startInfo](),
		notifier:          opts.Notifier,
		onAlert:           opts.OnAlert,
		persist:           opts.PersistEnabled,
		interval:          interval,
		now:               now,
		forceCh:           make(chan struct{}, 1),
	}
	if opts.Enabled {
		m.enabled = true
		m.enabledAtMs = now().UnixMilli()
	}
	return m
}

// Run evaluates periodically so quiet groups are still checked when no
// completions arrive to piggyback on. Returns when ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.forceCh:
		}
		m.tick()
	}
}

// Trigger requests an immediate evaluation pass without waiting for the
// next tick. The evaluation throttle still applies.
func (m *Monitor) Trigger() {
	select {
	case m.forceCh <- struct{}{}:
	default:
	}
}

func (m *Monitor) tick() {
	m.mu.Lock()
	skip := !m.enabled || len(m.groups) == 0
	m.mu.Unlock()
	if skip {
		return
	}
	m.maybeEvaluate(m.now().UnixMilli())
}

func (m *Monitor) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// SetEnabled toggles the feature. Both directions wipe all accumulated
// aggregates, so re-enabling always starts from a clean cold-start
// window. The persisted flag is updated through the configured callback.
func (m *Monitor) SetEnabled(enabled bool) {
	m.mu.Lock()
	if m.enabled == enabled {
		m.mu.Unlock()
		return
	}
	m.resetLocked()
	m.enabled = enabled
	if enabled {
		m.enabledAtMs = m.now().UnixMilli()
	}
	persist := m.persist
	m.mu.Unlock()

	log.Info("cache monitor toggled", "enabled", enabled)
	if persist != nil {
		if err := persist(enabled); err != nil {
			log.Error("cache monitor flag persist failed", "error", err)
		}
	}
}

// SetInputIncludesCacheReads replaces the per-CLI denominator policy,
// typically after a config reload.
func (m *Monitor) SetInputIncludesCacheReads(policy map[string]bool) {
	fresh := make(map[string]bool, len(policy))
	for k, v := range policy {
		fresh[strings.ToLower(strings.TrimSpace(k))] = v
	}
	m.mu.Lock()
	m.subtractCacheRead = fresh
	m.mu.Unlock()
}

// resetLocked drops every aggregate: groups, in-flight trace state and
// the evaluation timer. The disable-notice dedup stamp survives so a
// rapid corrupt-enable-corrupt sequence cannot spam notices.
func (m *Monitor) resetLocked() {
	m.groups = map[GroupKey]*groupState{}
	m.starts.Clear()
	m.lastEvalMs = 0
	m.enabledAtMs = 0
}

// OnRequestStart remembers the requested model for the request's trace so
// the completion can be grouped under it. Entries expire after 10
// minutes; a trace is consumed at most once.
func (m *Monitor) OnRequestStart(ev StartEvent) {
	m.mu.Lock()
	enabled := m.enabled
	m.mu.Unlock()
	if !enabled {
		return
	}
	trace := strings.TrimSpace(ev.TraceID)
	if trace == "" {
		return
	}
	atMs := ev.AtMs
	if atMs == 0 {
		atMs = m.now().UnixMilli()
	}
	m.starts.SetWithTTL(trace, startInfo{Model: strings.TrimSpace(ev.Model), AtMs: atMs}, time.UnixMilli(atMs), startTTL)
}

// OnRequestCompletion ingests one finished request and piggybacks an
// evaluation pass when one is due. Never blocks on notification
// delivery.
func (m *Monitor) OnRequestCompletion(ev CompletionEvent) {
	atMs := ev.AtMs
	if atMs == 0 {
		atMs = m.now().UnixMilli()
	}
	ev.AtMs = atMs
	nowT := time.UnixMilli(atMs)

	m.starts.PruneExpired(nowT)
	model := UnknownModel
	if info, ok := m.starts.TakeFresh(strings.TrimSpace(ev.TraceID), nowT); ok {
		if v := strings.TrimSpace(info.Model); v != "" {
			model = v
		}
	}

	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return
	}
	cli := normalizeCLIKey(ev.CLI)
	if sample, ok := normalizeSample(ev, m.subtractCacheRead[cli]); ok {
		key := GroupKey{CLI: cli, Provider: normalizeProviderKey(ev.Provider), Model: model}
		g := m.groups[key]
		if g == nil {
			g = &groupState{}
			m.groups[key] = g
		}
		g.ring.add(sample)
		g.raw.append(sample)
		if sample.Minute > g.lastSeenMin {
			g.lastSeenMin = sample.Minute
		}
	}
	m.mu.Unlock()

	m.maybeEvaluate(atMs)
}

func normalizeCLIKey(cli string) string {
	cli = strings.ToLower(strings.TrimSpace(cli))
	if cli == "" {
		return "unknown"
	}
	return cli
}

func normalizeProviderKey(provider string) string {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return "unknown"
	}
	return provider
}

// Status is the admin-facing snapshot of the monitor.
type Status struct {
	Enabled        bool  `json:"enabled"`
	EnabledAtMs    int64 `json:"enabled_at_ms,omitempty"`
	LastEvalMs     int64 `json:"last_eval_ms,omitempty"`
	Groups         int   `json:"groups"`
	PendingTraces  int   `json:"pending_traces"`
	Evaluations    int64 `json:"evaluations"`
	AlertsReported int64 `json:"alerts_reported"`
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Enabled:        m.enabled,
		EnabledAtMs:    m.enabledAtMs,
		LastEvalMs:     m.lastEvalMs,
		Groups:         len(m.groups),
		PendingTraces:  m.starts.Len(),
		Evaluations:    m.evalCount,
		AlertsReported: m.alertCount,
	}
}
