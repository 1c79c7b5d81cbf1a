// Package usagedb stores long-term request usage as zstd-compressed JSONL
// segments. Raw events are kept for a week, then compacted into 5-minute
// rollup buckets, then hourly buckets, each tier with its own retention.
package usagedb

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/zstd"
)

const (
	defaultRawRetention      = 7 * 24 * time.Hour
	defaultRollup5Retention  = 30 * 24 * time.Hour
	defaultRollup1hRetention = 365 * 24 * time.Hour
	defaultSegmentMaxAge     = 6 * time.Hour
	usageBucketSize          = 5 * time.Minute
	maxSummaryTPS            = 2000.0
)

type Settings struct {
	RawRetention      time.Duration
	Rollup5Retention  time.Duration
	Rollup1hRetention time.Duration
	SegmentMaxAge     time.Duration
}

type Event struct {
	Timestamp         time.Time `json:"timestamp"`
	Provider          string    `json:"provider"`
	Model             string    `json:"model"`
	ClientType        string    `json:"client_type,omitempty"`
	UserAgent         string    `json:"user_agent,omitempty"`
	ClientIP          string    `json:"client_ip,omitempty"`
	APIKeyName        string    `json:"api_key_name,omitempty"`
	StatusCode        int       `json:"status_code"`
	PromptTokens      int       `json:"prompt_tokens"`
	CacheReadTokens   int       `json:"cache_read_tokens,omitempty"`
	CacheCreateTokens int       `json:"cache_create_tokens,omitempty"`
	CompletionToks    int       `json:"completion_tokens"`
	TotalTokens       int       `json:"total_tokens"`
	LatencyMS         int64     `json:"latency_ms"`
	PromptTPS         float64   `json:"prompt_tps"`
	GenTPS            float64   `json:"gen_tps"`
}

type Bucket struct {
	StartAt           time.Time `json:"start_at"`
	SlotSeconds       int       `json:"slot_seconds"`
	Provider          string    `json:"provider"`
	Model             string    `json:"model"`
	ClientType        string    `json:"client_type,omitempty"`
	UserAgent         string    `json:"user_agent,omitempty"`
	ClientIP          string    `json:"client_ip,omitempty"`
	APIKeyName        string    `json:"api_key_name,omitempty"`
	Requests          int       `json:"requests"`
	FailedRequests    int       `json:"failed_requests,omitempty"`
	PromptTokens      int       `json:"prompt_tokens"`
	CacheReadTokens   int       `json:"cache_read_tokens,omitempty"`
	CacheCreateTokens int       `json:"cache_create_tokens,omitempty"`
	CompletionTokens  int       `json:"completion_tokens"`
	TotalTokens       int       `json:"total_tokens"`
	LatencyMSSum      int64     `json:"latency_ms_sum"`
	PromptTPSSum      float64   `json:"prompt_tps_sum"`
	GenerationTPSSum  float64   `json:"generation_tps_sum"`
}

// absorb folds src's counters into dst; the dimension fields are left alone.
func (dst *Bucket) absorb(src Bucket) {
	dst.Requests += src.Requests
	dst.FailedRequests += src.FailedRequests
	dst.PromptTokens += src.PromptTokens
	dst.CacheReadTokens += src.CacheReadTokens
	dst.CacheCreateTokens += src.CacheCreateTokens
	dst.CompletionTokens += src.CompletionTokens
	dst.TotalTokens += src.TotalTokens
	dst.LatencyMSSum += src.LatencyMSSum
	dst.PromptTPSSum += src.PromptTPSSum
	dst.GenerationTPSSum += src.GenerationTPSSum
}

// groupKey identifies the aggregation group a bucket belongs to: slot start
// plus every dimension. Keys sort chronologically because StartAt is
// rendered as UTC RFC3339.
func (b Bucket) groupKey() string {
	return strings.Join([]string{
		b.StartAt.UTC().Format(time.RFC3339),
		b.Provider,
		b.Model,
		strings.TrimSpace(b.ClientType),
		strings.TrimSpace(b.UserAgent),
		strings.TrimSpace(b.ClientIP),
		strings.TrimSpace(b.APIKeyName),
	}, "|")
}

type Summary struct {
	PeriodSeconds         int64          `json:"period_seconds"`
	Requests              int            `json:"requests"`
	FailedRequests        int            `json:"failed_requests"`
	PromptTokens          int            `json:"prompt_tokens"`
	CacheReadTokens       int            `json:"cache_read_tokens"`
	CacheCreateTokens     int            `json:"cache_create_tokens"`
	CompletionTokens      int            `json:"completion_tokens"`
	TotalTokens           int            `json:"total_tokens"`
	AvgLatencyMS          float64        `json:"avg_latency_ms"`
	AvgPromptTPS          float64        `json:"avg_prompt_tps"`
	AvgGenerationTPS      float64        `json:"avg_generation_tps"`
	RequestsPerProvider   map[string]int `json:"requests_per_provider,omitempty"`
	RequestsPerModel      map[string]int `json:"requests_per_model,omitempty"`
	RequestsPerClientType map[string]int `json:"requests_per_client_type,omitempty"`
	RequestsPerUserAgent  map[string]int `json:"requests_per_user_agent,omitempty"`
	RequestsPerClientIP   map[string]int `json:"requests_per_client_ip,omitempty"`
	RequestsPerAPIKeyName map[string]int `json:"requests_per_api_key_name,omitempty"`
	Buckets               []Bucket       `json:"buckets,omitempty"`
}

type Store struct {
	mu           sync.Mutex
	dir          string
	legacyPath   string
	settings     Settings
	rawWriter    *segmentWriter
	rawWriterDir string
	lastCompact  time.Time
}

type segmentWriter struct {
	pathTmp  string
	dir      string
	seq      int64
	file     *os.File
	enc      *zstd.Encoder
	firstTs  time.Time
	lastTs   time.Time
	count    int
	openedAt time.Time
}

type segmentMeta struct {
	path   string
	oldest time.Time
	newest time.Time
}

type importState struct {
	Version    int    `json:"version"`
	ImportedAt string `json:"imported_at"`
}

type legacyStatsFile struct {
	Version int      `json:"version"`
	Buckets []Bucket `json:"buckets"`
}

// New opens (or creates) the usage database. A path ending in .json is
// treated as the old flat stats file: the database directory is derived from
// it and its buckets are imported once.
func New(path string) *Store {
	dir, legacyFile := derivePaths(strings.TrimSpace(path))
	s := &Store{dir: dir, legacyPath: legacyFile, settings: normalizeSettings(Settings{})}
	_ = os.MkdirAll(s.dir, 0o700)
	s.importLegacyIfNeeded()
	return s
}

func normalizeSettings(in Settings) Settings {
	for _, d := range []struct {
		v   *time.Duration
		def time.Duration
	}{
		{&in.RawRetention, defaultRawRetention},
		{&in.Rollup5Retention, defaultRollup5Retention},
		{&in.Rollup1hRetention, defaultRollup1hRetention},
		{&in.SegmentMaxAge, defaultSegmentMaxAge},
	} {
		if *d.v <= 0 {
			*d.v = d.def
		}
	}
	return in
}

func derivePaths(path string) (dir string, legacy string) {
	switch {
	case path == "":
		home, err := os.UserHomeDir()
		if err != nil {
			return "usage-db", ""
		}
		return filepath.Join(home, ".cache", "modelrelay", "usage-db"), ""
	case strings.HasSuffix(path, ".json"):
		return strings.TrimSuffix(path, ".json") + "-db", path
	default:
		return path, ""
	}
}

// utcOrNow pins a possibly-zero caller timestamp to UTC wall time.
func utcOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func (s *Store) Append(evt Event) error {
	evt.Timestamp = utcOrNow(evt.Timestamp)
	for _, f := range []*string{&evt.ClientType, &evt.UserAgent, &evt.ClientIP, &evt.APIKeyName} {
		*f = strings.TrimSpace(*f)
	}
	line, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.openRawWriterLocked(evt.Timestamp); err != nil {
		return err
	}
	if err := s.rawWriter.writeLine(line, evt.Timestamp); err != nil {
		return err
	}
	if s.rawWriter.shouldRotate(s.settings.SegmentMaxAge) {
		return s.closeRawWriterLocked()
	}
	return nil
}

// summaryAccum folds buckets from every storage tier into one Summary while
// regrouping them onto the chart slot grid.
type summaryAccum struct {
	cutoff    time.Time
	chartSlot time.Duration
	sum       Summary
	grouped   bucketSet
}

func newSummaryAccum(period time.Duration, now time.Time) *summaryAccum {
	slot := usageBucketSize
	if period <= time.Hour {
		slot = time.Minute
	}
	return &summaryAccum{
		cutoff:    now.Add(-period),
		chartSlot: slot,
		grouped:   bucketSet{},
		sum: Summary{
			PeriodSeconds:         int64(period.Seconds()),
			RequestsPerProvider:   map[string]int{},
			RequestsPerModel:      map[string]int{},
			RequestsPerClientType: map[string]int{},
			RequestsPerUserAgent:  map[string]int{},
			RequestsPerClientIP:   map[string]int{},
			RequestsPerAPIKeyName: map[string]int{},
		},
	}
}

func (a *summaryAccum) add(b Bucket) {
	if b.Requests <= 0 {
		return
	}
	slot := max(1, b.SlotSeconds)
	if b.StartAt.Add(time.Duration(slot) * time.Second).Before(a.cutoff) {
		return
	}

	a.sum.Requests += b.Requests
	a.sum.FailedRequests += b.FailedRequests
	a.sum.PromptTokens += b.PromptTokens
	a.sum.CacheReadTokens += b.CacheReadTokens
	a.sum.CacheCreateTokens += b.CacheCreateTokens
	a.sum.CompletionTokens += b.CompletionTokens
	a.sum.TotalTokens += b.TotalTokens
	a.sum.AvgLatencyMS += float64(b.LatencyMSSum)

	// Clamp TPS sums so one absurd reading (clock skew, zero-duration
	// response) cannot dominate the average.
	limit := maxSummaryTPS * float64(b.Requests)
	a.sum.AvgPromptTPS += min(b.PromptTPSSum, limit)
	a.sum.AvgGenerationTPS += min(b.GenerationTPSSum, limit)

	a.sum.RequestsPerProvider[b.Provider] += b.Requests
	a.sum.RequestsPerModel[b.Model] += b.Requests
	if b.ClientType != "" {
		a.sum.RequestsPerClientType[b.ClientType] += b.Requests
	}
	if b.UserAgent != "" {
		a.sum.RequestsPerUserAgent[b.UserAgent] += b.Requests
	}
	if b.ClientIP != "" {
		a.sum.RequestsPerClientIP[b.ClientIP] += b.Requests
	}
	if b.APIKeyName != "" {
		a.sum.RequestsPerAPIKeyName[b.APIKeyName] += b.Requests
	}

	c := b
	c.StartAt = b.StartAt.UTC().Truncate(a.chartSlot)
	c.SlotSeconds = int(a.chartSlot.Seconds())
	a.grouped.add(c)
}

func (a *summaryAccum) finish() Summary {
	out := a.sum
	out.Buckets = a.grouped.sorted()
	if out.Requests > 0 {
		n := float64(out.Requests)
		out.AvgLatencyMS /= n
		out.AvgPromptTPS /= n
		out.AvgGenerationTPS /= n
	}
	return out
}

// Summary aggregates usage for the trailing period. Short periods (<= 1h)
// chart per-minute from raw events; longer periods merge the hourly and
// 5-minute rollups with whatever raw events have not been compacted yet.
func (s *Store) Summary(period time.Duration, now time.Time) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now = utcOrNow(now)
	if err := s.compactLocked(now); err != nil {
		return Summary{}, err
	}

	acc := newSummaryAccum(period, now)
	rawFrom := laterOf(acc.cutoff, now.Add(-s.settings.RawRetention))

	if acc.chartSlot <= time.Minute {
		err := s.scanRange(filepath.Join(s.dir, "raw"), rawFrom, now, func(e Event) {
			acc.add(e.bucket(acc.chartSlot))
		}, nil)
		if err != nil {
			return Summary{}, err
		}
		return acc.finish(), nil
	}

	roll5From := laterOf(acc.cutoff, now.Add(-s.settings.Rollup5Retention))
	roll1To := earlierOf(now.Add(-s.settings.Rollup5Retention), now)
	if err := s.scanRange(filepath.Join(s.dir, "rollup", "3600"), acc.cutoff, roll1To, nil, acc.add); err != nil {
		return Summary{}, err
	}
	if err := s.scanRange(filepath.Join(s.dir, "rollup", "300"), roll5From, now, nil, acc.add); err != nil {
		return Summary{}, err
	}
	err := s.scanRange(filepath.Join(s.dir, "raw"), rawFrom, now, func(e Event) {
		acc.add(e.bucket(usageBucketSize))
	}, nil)
	if err != nil {
		return Summary{}, err
	}
	return acc.finish(), nil
}

// scanRange feeds every stored record overlapping [from, to) to exactly one
// of the callbacks, depending on whether root holds raw events or rollup
// buckets.
func (s *Store) scanRange(root string, from, to time.Time, onEvent func(Event), onBucket func(Bucket)) error {
	if !from.Before(to) {
		return nil
	}
	segs, err := listSegments(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, seg := range segs {
		if !overlaps(seg.oldest, seg.newest, from, to) {
			continue
		}
		var scanErr error
		switch {
		case onEvent != nil:
			scanErr = scanEvents(seg.path, from, to, onEvent)
		case onBucket != nil:
			scanErr = scanBuckets(seg.path, from, to, onBucket)
		}
		if scanErr != nil {
			return scanErr
		}
	}
	return nil
}

func (s *Store) Compact(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compactLocked(utcOrNow(now))
}

// Flush finalizes the open raw segment so its events become readable.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeRawWriterLocked()
}

func (s *Store) compactLocked(now time.Time) error {
	// Compaction piggy-backs on Summary calls; throttle so a busy dashboard
	// does not rescan segments constantly.
	if now.Sub(s.lastCompact) < 30*time.Second {
		return nil
	}
	steps := []func(time.Time) error{
		func(time.Time) error { return s.closeRawWriterLocked() },
		s.compactRawTo5mLocked,
		s.compact5mTo1hLocked,
		s.prune1hLocked,
	}
	for _, step := range steps {
		if err := step(now); err != nil {
			return err
		}
	}
	s.lastCompact = now
	return nil
}

// expiredSegments returns the segments under root whose newest record is
// older than cutoff.
func expiredSegments(root string, cutoff time.Time) ([]segmentMeta, error) {
	all, err := listSegments(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]segmentMeta, 0, len(all))
	for _, m := range all {
		if m.newest.Before(cutoff) {
			out = append(out, m)
		}
	}
	return out, nil
}

// compactTier merges every segment under srcDir whose records all predate
// cutoff into coarser buckets via scan, writes them to the dstSlot rollup
// tier, then removes the sources.
func (s *Store) compactTier(label, srcDir string, cutoff time.Time, dstSlot int, scan func(path string, cutoff time.Time, merged bucketSet) error) error {
	due, err := expiredSegments(srcDir, cutoff)
	if err != nil || len(due) == 0 {
		return err
	}
	log.Info("usage db compacting "+label, "segments", len(due), "cutoff", cutoff.Format(time.RFC3339))
	merged := bucketSet{}
	for _, m := range due {
		if err := scan(m.path, cutoff, merged); err != nil {
			return err
		}
	}
	if err := s.writeRollupBucketsLocked(dstSlot, merged.sorted()); err != nil {
		return err
	}
	for _, m := range due {
		_ = os.Remove(m.path)
	}
	log.Info("usage db compacted "+label, "segments", len(due), "buckets", len(merged))
	return nil
}

func (s *Store) compactRawTo5mLocked(now time.Time) error {
	return s.compactTier("raw to 5m", filepath.Join(s.dir, "raw"), now.Add(-s.settings.RawRetention), 300,
		func(path string, cutoff time.Time, merged bucketSet) error {
			return scanEvents(path, time.Time{}, cutoff, func(evt Event) {
				merged.add(evt.bucket(5 * time.Minute))
			})
		})
}

func (s *Store) compact5mTo1hLocked(now time.Time) error {
	return s.compactTier("5m to 1h", filepath.Join(s.dir, "rollup", "300"), now.Add(-s.settings.Rollup5Retention), 3600,
		func(path string, cutoff time.Time, merged bucketSet) error {
			return scanBuckets(path, time.Time{}, cutoff, func(b Bucket) {
				b.StartAt = b.StartAt.UTC().Truncate(time.Hour)
				b.SlotSeconds = 3600
				merged.add(b)
			})
		})
}

func (s *Store) prune1hLocked(now time.Time) error {
	cutoff := now.Add(-s.settings.Rollup1hRetention)
	expired, err := expiredSegments(filepath.Join(s.dir, "rollup", "3600"), cutoff)
	if err != nil || len(expired) == 0 {
		return err
	}
	for _, m := range expired {
		_ = os.Remove(m.path)
	}
	log.Info("usage db pruned 1h rollups", "segments", len(expired), "cutoff", cutoff.Format(time.RFC3339))
	return nil
}

// rawSegmentDir buckets raw segments by UTC hour, mirroring the rollup
// tiers' day directories one level deeper.
func (s *Store) rawSegmentDir(ts time.Time) string {
	return filepath.Join(s.dir, "raw", ts.Format("2006"), ts.Format("01"), ts.Format("02"), ts.Format("15"))
}

func (s *Store) openRawWriterLocked(ts time.Time) error {
	hourDir := s.rawSegmentDir(ts)
	if s.rawWriter != nil && s.rawWriterDir == hourDir {
		return nil
	}
	if err := s.closeRawWriterLocked(); err != nil {
		return err
	}
	w, err := newSegmentWriter(hourDir)
	if err != nil {
		return err
	}
	s.rawWriter, s.rawWriterDir = w, hourDir
	return nil
}

func (s *Store) closeRawWriterLocked() error {
	w := s.rawWriter
	if w == nil {
		return nil
	}
	s.rawWriter, s.rawWriterDir = nil, ""
	return w.close()
}

func newSegmentWriter(dir string) (*segmentWriter, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	w := &segmentWriter{dir: dir, seq: now.UnixNano(), openedAt: now}
	w.pathTmp = filepath.Join(dir, fmt.Sprintf("open-%d.jsonl.zst.tmp", w.seq))
	f, err := os.OpenFile(w.pathTmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	w.file, w.enc = f, enc
	return w, nil
}

func (w *segmentWriter) writeLine(line []byte, ts time.Time) error {
	_, err := w.enc.Write(line)
	if err == nil {
		_, err = w.enc.Write([]byte{'\n'})
	}
	if err != nil {
		return err
	}
	if w.firstTs.IsZero() || ts.Before(w.firstTs) {
		w.firstTs = ts
	}
	if ts.After(w.lastTs) {
		w.lastTs = ts
	}
	w.count++
	return nil
}

func (w *segmentWriter) shouldRotate(maxAge time.Duration) bool {
	if w == nil {
		return false
	}
	return maxAge > 0 && time.Since(w.openedAt) >= maxAge
}

// close finalizes the segment under its min-max-seq name, or removes it when
// no lines were written.
func (w *segmentWriter) close() error {
	if w == nil {
		return nil
	}
	if w.enc != nil {
		_ = w.enc.Close()
	}
	if w.file != nil {
		_ = w.file.Close()
	}
	if w.count == 0 {
		_ = os.Remove(w.pathTmp)
		return nil
	}
	name := fmt.Sprintf("%d-%d-%d.jsonl.zst", w.firstTs.UTC().Unix(), w.lastTs.UTC().Unix(), w.seq)
	return os.Rename(w.pathTmp, filepath.Join(w.dir, name))
}

// writeBucketSegment persists one day's buckets as a finalized segment.
func writeBucketSegment(dir string, items []Bucket) error {
	w, err := newSegmentWriter(dir)
	if err != nil {
		return err
	}
	slices.SortFunc(items, func(x, y Bucket) int {
		return strings.Compare(x.groupKey(), y.groupKey())
	})
	for _, b := range items {
		line, err := json.Marshal(b)
		if err == nil {
			err = w.writeLine(line, b.StartAt)
		}
		if err != nil {
			_ = w.close()
			return err
		}
	}
	return w.close()
}

func (s *Store) writeRollupBucketsLocked(slotSeconds int, buckets []Bucket) error {
	byDay := map[string][]Bucket{}
	for _, b := range buckets {
		key := b.StartAt.UTC().Format("2006/01/02")
		byDay[key] = append(byDay[key], b)
	}
	for day, items := range byDay {
		dir := filepath.Join(s.dir, "rollup", strconv.Itoa(slotSeconds), day)
		if err := writeBucketSegment(dir, items); err != nil {
			return err
		}
	}
	return nil
}

func listSegments(root string) ([]segmentMeta, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, os.ErrNotExist
	}
	segs := []segmentMeta{}
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		switch {
		case err != nil:
			return err
		case d.IsDir():
			return nil
		}
		meta, ok := parseSegmentName(d.Name())
		if ok {
			meta.path = path
			segs = append(segs, meta)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(segs, func(a, b segmentMeta) int {
		if c := a.oldest.Compare(b.oldest); c != 0 {
			return c
		}
		return strings.Compare(a.path, b.path)
	})
	return segs, nil
}

// parseSegmentName reads the "<minUnix>-<maxUnix>-<seq>.jsonl.zst" form
// finalized segments are named with; open segments and foreign files fail it.
func parseSegmentName(name string) (segmentMeta, bool) {
	base, ok := strings.CutSuffix(name, ".jsonl.zst")
	if !ok || strings.HasPrefix(base, "open-") {
		return segmentMeta{}, false
	}
	minPart, rest, ok := strings.Cut(base, "-")
	if !ok {
		return segmentMeta{}, false
	}
	maxPart, _, ok := strings.Cut(rest, "-")
	if !ok {
		return segmentMeta{}, false
	}
	minUnix, err := strconv.ParseInt(minPart, 10, 64)
	if err != nil {
		return segmentMeta{}, false
	}
	maxUnix, err := strconv.ParseInt(maxPart, 10, 64)
	if err != nil {
		return segmentMeta{}, false
	}
	return segmentMeta{oldest: time.Unix(minUnix, 0).UTC(), newest: time.Unix(maxUnix, 0).UTC()}, true
}

func scanEvents(path string, from, to time.Time, fn func(Event)) error {
	return scanLines(path, func(line []byte) {
		var evt Event
		if err := json.Unmarshal(line, &evt); err != nil {
			return
		}
		if inRange(evt.Timestamp.UTC(), from, to) {
			fn(evt)
		}
	})
}

func scanBuckets(path string, from, to time.Time, fn func(Bucket)) error {
	return scanLines(path, func(line []byte) {
		var b Bucket
		if err := json.Unmarshal(line, &b); err != nil {
			return
		}
		if !inRange(b.StartAt.UTC(), from, to) {
			return
		}
		if b.SlotSeconds <= 0 {
			b.SlotSeconds = int(usageBucketSize.Seconds())
		}
		fn(b)
	})
}

func scanLines(path string, fn func(line []byte)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer zr.Close()
	sc := bufio.NewScanner(zr)
	sc.Buffer(make([]byte, 0, 64*1024), 2<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		fn(line)
	}
	return sc.Err()
}

func inRange(ts, from, to time.Time) bool {
	if !from.IsZero() && ts.Before(from) {
		return false
	}
	if !to.IsZero() && !ts.Before(to) {
		return false
	}
	return true
}

func (s *Store) importLegacyIfNeeded() {
	if strings.TrimSpace(s.legacyPath) == "" {
		return
	}
	statePath := filepath.Join(s.dir, "meta", "import-state.json")
	if _, err := os.Stat(statePath); err == nil {
		log.Debug("usage db legacy import skipped", "reason", "already imported")
		return
	}
	raw, err := os.ReadFile(s.legacyPath)
	if err != nil || len(raw) == 0 {
		return
	}
	log.Info("usage db importing legacy stats", "path", s.legacyPath)
	var legacy legacyStatsFile
	if err := json.Unmarshal(raw, &legacy); err != nil || legacy.Version != 1 || len(legacy.Buckets) == 0 {
		log.Warn("usage db legacy import skipped", "reason", "invalid legacy payload")
		return
	}
	items := make([]Bucket, 0, len(legacy.Buckets))
	for _, bk := range legacy.Buckets {
		bk.StartAt = bk.StartAt.UTC()
		bk.SlotSeconds = 300
		for _, f := range []*string{&bk.ClientType, &bk.UserAgent, &bk.ClientIP, &bk.APIKeyName} {
			*f = strings.TrimSpace(*f)
		}
		items = append(items, bk)
	}
	_ = os.MkdirAll(filepath.Dir(statePath), 0o700)
	if err := s.writeRollupBucketsLocked(300, items); err != nil {
		log.Warn("usage db legacy import failed", "error", err)
		return
	}
	state := importState{Version: 1, ImportedAt: time.Now().UTC().Format(time.RFC3339Nano)}
	if data, err := json.MarshalIndent(state, "", "  "); err == nil {
		_ = os.WriteFile(statePath, data, 0o600)
	}
	log.Info("usage db legacy import completed", "buckets", len(items))
}

// bucketSet groups buckets by groupKey so repeated observations of the same
// slot and dimensions fold together.
type bucketSet map[string]*Bucket

func (m bucketSet) add(b Bucket) {
	k := b.groupKey()
	if x := m[k]; x != nil {
		x.absorb(b)
		return
	}
	c := b
	m[k] = &c
}

func (m bucketSet) sorted() []Bucket {
	buckets := make([]Bucket, 0, len(m))
	for b := range maps.Values(m) {
		buckets = append(buckets, *b)
	}
	slices.SortFunc(buckets, func(x, y Bucket) int {
		return strings.Compare(x.groupKey(), y.groupKey())
	})
	return buckets
}

// bucket turns one request event into a single-request bucket on the given
// slot grid.
func (e Event) bucket(slot time.Duration) Bucket {
	failed := 0
	if e.StatusCode >= 400 {
		failed = 1
	}
	return Bucket{
		StartAt:           e.Timestamp.UTC().Truncate(slot),
		SlotSeconds:       int(slot.Seconds()),
		Provider:          e.Provider,
		Model:             e.Model,
		ClientType:        strings.TrimSpace(e.ClientType),
		UserAgent:         strings.TrimSpace(e.UserAgent),
		ClientIP:          strings.TrimSpace(e.ClientIP),
		APIKeyName:        strings.TrimSpace(e.APIKeyName),
		Requests:          1,
		FailedRequests:    failed,
		PromptTokens:      e.PromptTokens,
		CacheReadTokens:   e.CacheReadTokens,
		CacheCreateTokens: e.CacheCreateTokens,
		CompletionTokens:  e.CompletionToks,
		TotalTokens:       e.TotalTokens,
		LatencyMSSum:      e.LatencyMS,
		PromptTPSSum:      e.PromptTPS,
		GenerationTPSSum:  e.GenTPS,
	}
}

// overlaps reports whether a segment's [segOldest, segNewest] span intersects the
// half-open query window [from, to). Zero bounds mean unbounded.
func overlaps(segOldest, segNewest, from, to time.Time) bool {
	startsBeforeTo := to.IsZero() || segOldest.Before(to)
	endsAtOrAfterFrom := from.IsZero() || !segNewest.Before(from)
	return startsBeforeTo && endsAtOrAfterFrom
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func earlierOf(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}
