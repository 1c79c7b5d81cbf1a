package proxy

import (
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/pkg/cache"
)

const (
	usageBucketSize      = 5 * time.Minute
	usagePersistInterval = 5 * time.Second
	usageRetention       = 30 * 24 * time.Hour
	maxSummaryTPS        = 2000.0
)

type UsageEvent struct {
	Timestamp         time.Time `json:"timestamp"`
	Provider          string    `json:"provider"`
	Model             string    `json:"model"`
	ClientType        string    `json:"client_type,omitempty"`
	ClientIP          string    `json:"client_ip,omitempty"`
	APIKeyName        string    `json:"api_key_name,omitempty"`
	PromptTokens      int       `json:"prompt_tokens"`
	CompletionToks    int       `json:"completion_tokens"`
	TotalTokens       int       `json:"total_tokens"`
	CacheReadTokens   int       `json:"cache_read_tokens,omitempty"`
	CacheCreateTokens int       `json:"cache_create_tokens,omitempty"`
	LatencyMS         int64     `json:"latency_ms"`
	PromptTPS         float64   `json:"prompt_tps"`
	GenTPS            float64   `json:"gen_tps"`
}

type StatsSummary struct {
	PeriodSeconds         int64          `json:"period_seconds"`
	Requests              int            `json:"requests"`
	PromptTokens          int            `json:"prompt_tokens"`
	CompletionTokens      int            `json:"completion_tokens"`
	TotalTokens           int            `json:"total_tokens"`
	CacheReadTokens       int            `json:"cache_read_tokens"`
	CacheCreateTokens     int            `json:"cache_create_tokens"`
	CacheHitRate          float64        `json:"cache_hit_rate"`
	AvgLatencyMS          float64        `json:"avg_latency_ms"`
	AvgPromptTPS          float64        `json:"avg_prompt_tps"`
	AvgGenerationTPS      float64        `json:"avg_generation_tps"`
	ProvidersAvailable    int            `json:"providers_available,omitempty"`
	ProvidersOnline       int            `json:"providers_online,omitempty"`
	RequestsPerProvider   map[string]int `json:"requests_per_provider"`
	RequestsPerModel      map[string]int `json:"requests_per_model"`
	RequestsPerClientType map[string]int `json:"requests_per_client_type,omitempty"`
	RequestsPerClientIP   map[string]int `json:"requests_per_client_ip,omitempty"`
	RequestsPerAPIKeyName map[string]int `json:"requests_per_api_key_name,omitempty"`
	Buckets               []UsageBucket  `json:"buckets,omitempty"`
}

type UsageBucket struct {
	StartAt           time.Time `json:"start_at"`
	Provider          string    `json:"provider"`
	Model             string    `json:"model"`
	ClientType        string    `json:"client_type,omitempty"`
	ClientIP          string    `json:"client_ip,omitempty"`
	APIKeyName        string    `json:"api_key_name,omitempty"`
	Requests          int       `json:"requests"`
	PromptTokens      int       `json:"prompt_tokens"`
	CompletionTokens  int       `json:"completion_tokens"`
	TotalTokens       int       `json:"total_tokens"`
	CacheReadTokens   int       `json:"cache_read_tokens,omitempty"`
	CacheCreateTokens int       `json:"cache_create_tokens,omitempty"`
	LatencyMSSum      int64     `json:"latency_ms_sum"`
	PromptTPSSum      float64   `json:"prompt_tps_sum"`
	GenerationTPSSum  float64   `json:"generation_tps_sum"`
}

// key identifies the bucket's aggregation group. The RFC3339 timestamp
// prefix makes key order chronological, which pruning relies on.
func (b *UsageBucket) key() string {
	return b.StartAt.UTC().Format(time.RFC3339) + "|" + b.Provider + "|" + b.Model + "|" + b.ClientType + "|" + b.ClientIP + "|" + b.APIKeyName
}

func (b *UsageBucket) absorb(evt UsageEvent) {
	b.Requests++
	b.PromptTokens += evt.PromptTokens
	b.CompletionTokens += evt.CompletionToks
	b.TotalTokens += evt.TotalTokens
	b.CacheReadTokens += evt.CacheReadTokens
	b.CacheCreateTokens += evt.CacheCreateTokens
	b.LatencyMSSum += evt.LatencyMS
	b.PromptTPSSum += evt.PromptTPS
	b.GenerationTPSSum += evt.GenTPS
}

type usageStatsFile struct {
	Version int           `json:"version"`
	Buckets []UsageBucket `json:"buckets"`
}

// StatsStore aggregates usage events into 5-minute buckets keyed by
// provider, model, client type, client IP and API key name. It backs the
// dashboard summary endpoint; long-term history lives in usagedb.
type StatsStore struct {
	mu       sync.RWMutex
	buckets  map[string]*UsageBucket
	maxKeep  int
	path     string
	dirty    bool
	lastSave time.Time
}

func NewStatsStore(maxKeep int) *StatsStore {
	return newStatsStore(maxKeep, "")
}

func NewPersistentStatsStore(maxKeep int, path string) *StatsStore {
	return newStatsStore(maxKeep, path)
}

func newStatsStore(maxKeep int, path string) *StatsStore {
	if maxKeep <= 0 {
		maxKeep = 10000
	}
	s := &StatsStore{buckets: map[string]*UsageBucket{}, maxKeep: maxKeep, path: strings.TrimSpace(path)}
	if s.path != "" {
		s.load()
	}
	return s
}

func (s *StatsStore) Add(evt UsageEvent) {
	at := evt.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucketForLocked(at.UTC().Truncate(usageBucketSize), evt).absorb(evt)
	s.pruneLocked()
	s.dirty = true
	s.saveLocked(false)
}

func (s *StatsStore) bucketForLocked(start time.Time, evt UsageEvent) *UsageBucket {
	b := &UsageBucket{
		StartAt:    start,
		Provider:   evt.Provider,
		Model:      evt.Model,
		ClientType: strings.TrimSpace(evt.ClientType),
		ClientIP:   strings.TrimSpace(evt.ClientIP),
		APIKeyName: strings.TrimSpace(evt.APIKeyName),
	}
	k := b.key()
	if existing, ok := s.buckets[k]; ok {
		return existing
	}
	s.buckets[k] = b
	return b
}

func (s *StatsStore) Summary(period time.Duration) StatsSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := StatsSummary{PeriodSeconds: int64(period.Seconds())}
	for _, m := range []*map[string]int{
		&summary.RequestsPerProvider, &summary.RequestsPerModel, &summary.RequestsPerClientType,
		&summary.RequestsPerClientIP, &summary.RequestsPerAPIKeyName,
	} {
		*m = map[string]int{}
	}

	cutoff := time.Now().Add(-period)
	var latencySum int64
	var promptTPSSum, genTPSSum float64
	for _, b := range s.buckets {
		if b.StartAt.Add(usageBucketSize).Before(cutoff) {
			continue
		}
		cp := *b
		if cp.Requests > 0 {
			// Clamp absurd TPS outliers (clock skew, zero-latency replays)
			// so one bad sample does not dominate the average.
			limit := maxSummaryTPS * float64(cp.Requests)
			cp.PromptTPSSum = min(cp.PromptTPSSum, limit)
			cp.GenerationTPSSum = min(cp.GenerationTPSSum, limit)
		}
		summary.Requests += cp.Requests
		summary.PromptTokens += cp.PromptTokens
		summary.CompletionTokens += cp.CompletionTokens
		summary.TotalTokens += cp.TotalTokens
		summary.CacheReadTokens += cp.CacheReadTokens
		summary.CacheCreateTokens += cp.CacheCreateTokens
		latencySum += cp.LatencyMSSum
		promptTPSSum += cp.PromptTPSSum
		genTPSSum += cp.GenerationTPSSum

		summary.RequestsPerProvider[cp.Provider] += cp.Requests
		summary.RequestsPerModel[cp.Model] += cp.Requests
		for _, dim := range []struct {
			key string
			m   map[string]int
		}{
			{cp.ClientType, summary.RequestsPerClientType},
			{cp.ClientIP, summary.RequestsPerClientIP},
			{cp.APIKeyName, summary.RequestsPerAPIKeyName},
		} {
			if dim.key != "" {
				dim.m[dim.key] += cp.Requests
			}
		}
		summary.Buckets = append(summary.Buckets, cp)
	}
	if summary.PromptTokens > 0 {
		summary.CacheHitRate = float64(summary.CacheReadTokens) / float64(summary.PromptTokens)
	}
	slices.SortFunc(summary.Buckets, func(x, y UsageBucket) int {
		return strings.Compare(x.key(), y.key())
	})
	if summary.Requests > 0 {
		n := float64(summary.Requests)
		summary.AvgLatencyMS = float64(latencySum) / n
		summary.AvgPromptTPS = promptTPSSum / n
		summary.AvgGenerationTPS = genTPSSum / n
	}
	return summary
}

// Flush forces a save of any dirty buckets; called on shutdown.
func (s *StatsStore) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveLocked(true)
}

// pruneLocked drops buckets past the retention window, then trims the oldest
// ones when the map still exceeds maxKeep. Bucket keys sort chronologically.
func (s *StatsStore) pruneLocked() {
	if len(s.buckets) == 0 {
		return
	}
	cutoff := time.Now().Add(-usageRetention)
	maps.DeleteFunc(s.buckets, func(_ string, b *UsageBucket) bool {
		return b.StartAt.Before(cutoff)
	})
	if overflow := len(s.buckets) - s.maxKeep; overflow > 0 {
		keys := slices.Sorted(maps.Keys(s.buckets))
		for _, k := range keys[:overflow] {
			delete(s.buckets, k)
		}
	}
}

func (s *StatsStore) load() {
	var payload usageStatsFile
	if err := cache.LoadJSON(s.path, &payload); err != nil || payload.Version != 1 {
		return
	}
	for _, bk := range payload.Buckets {
		for _, f := range []*string{&bk.ClientType, &bk.ClientIP, &bk.APIKeyName} {
			*f = strings.TrimSpace(*f)
		}
		s.buckets[bk.key()] = &bk
	}
	s.pruneLocked()
}

func (s *StatsStore) saveLocked(force bool) {
	if s.path == "" || !s.dirty {
		return
	}
	if !force && time.Since(s.lastSave) < usagePersistInterval {
		return
	}
	out := usageStatsFile{Version: 1, Buckets: make([]UsageBucket, 0, len(s.buckets))}
	for b := range maps.Values(s.buckets) {
		out.Buckets = append(out.Buckets, *b)
	}
	slices.SortFunc(out.Buckets, func(x, y UsageBucket) int {
		return strings.Compare(x.key(), y.key())
	})
	if err := cache.SaveJSON(s.path, out); err != nil {
		return
	}
	s.lastSave, s.dirty = time.Now(), false
}
