// Package alertlog keeps a persisted history of cache-monitor alerts so
// the admin panel can show what fired after the desktop notification is
// gone. Records are pruned by count and age and saved as a single JSON
// file with debounced writes.
package alertlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const saveInterval = 2 * time.Second

const (
	defaultMaxItems   = 2000
	defaultMaxAgeDays = 30
)

type Settings struct {
	MaxItems   int `json:"max_items"`
	MaxAgeDays int `json:"max_age_days"`
}

type Record struct {
	ID       string          `json:"id"`
	At       time.Time       `json:"at"`
	Level    string          `json:"level"`
	Rule     string          `json:"rule"`
	CLI      string          `json:"cli,omitempty"`
	Provider string          `json:"provider,omitempty"`
	Model    string          `json:"model,omitempty"`
	Title    string          `json:"title"`
	Body     string          `json:"body,omitempty"`
	Metrics  json.RawMessage `json:"metrics,omitempty"`
}

type Entry struct {
	At       time.Time
	Level    string
	Rule     string
	CLI      string
	Provider string
	Model    string
	Title    string
	Body     string
	Metrics  []byte
}

type ListFilter struct {
	Query    string
	Rule     string
	CLI      string
	Provider string
	Level    string
	Limit    int
	Before   time.Time
}

type persisted struct {
	Version  int      `json:"version"`
	Settings Settings `json:"settings"`
	Records  []Record `json:"records"`
}

type Store struct {
	mu sync.RWMutex

	path     string
	settings Settings
	records  []Record

	dirty    bool
	lastSave time.Time
}

func DefaultSettings() Settings {
	return Settings{MaxItems: defaultMaxItems, MaxAgeDays: defaultMaxAgeDays}
}

func normalizeSettings(in Settings) Settings {
	out := in
	if out.MaxItems <= 0 {
		out.MaxItems = defaultMaxItems
	}
	if out.MaxAgeDays <= 0 {
		out.MaxAgeDays = defaultMaxAgeDays
	}
	return out
}

func NewStore(path string, settings Settings) *Store {
	s := &Store{
		path:     strings.TrimSpace(path),
		settings: normalizeSettings(settings),
		records:  []Record{},
	}
	if s.path != "" {
		s.load()
	}
	return s
}

func (s *Store) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

func (s *Store) UpdateSettings(settings Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = normalizeSettings(settings)
	s.pruneLocked(time.Now().UTC())
	s.dirty = true
	s.saveLocked(true)
}

func (s *Store) Add(in Entry) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := in.At.UTC()
	if at.IsZero() {
		at = time.Now().UTC()
	}
	rec := Record{
		ID:       fmt.Sprintf("alert-%d-%d", at.UnixNano(), len(s.records)+1),
		At:       at,
		Level:    strings.TrimSpace(in.Level),
		Rule:     strings.TrimSpace(in.Rule),
		CLI:      strings.TrimSpace(in.CLI),
		Provider: strings.TrimSpace(in.Provider),
		Model:    strings.TrimSpace(in.Model),
		Title:    strings.TrimSpace(in.Title),
		Body:     strings.TrimSpace(in.Body),
		Metrics:  cloneBytes(in.Metrics),
	}
	s.records = append(s.records, rec)
	s.pruneLocked(at)
	s.dirty = true
	s.saveLocked(false)
	return rec
}

// List returns matching records newest first, plus the total match count
// before the limit was applied.
func (s *Store) List(filter ListFilter) ([]Record, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 5000 {
		limit = 5000
	}

	q := strings.ToLower(strings.TrimSpace(filter.Query))
	rule := strings.ToLower(strings.TrimSpace(filter.Rule))
	cli := strings.ToLower(strings.TrimSpace(filter.CLI))
	provider := strings.ToLower(strings.TrimSpace(filter.Provider))
	level := strings.ToLower(strings.TrimSpace(filter.Level))

	out := make([]Record, 0, 64)
	for i := range s.records {
		r := s.records[i]
		if rule != "" && strings.ToLower(r.Rule) != rule {
			continue
		}
		if cli != "" && strings.ToLower(r.CLI) != cli {
			continue
		}
		if provider != "" && !strings.Contains(strings.ToLower(r.Provider), provider) {
			continue
		}
		if level != "" && strings.ToLower(r.Level) != level {
			continue
		}
		if q != "" {
			hay := strings.ToLower(strings.Join([]string{r.Rule, r.CLI, r.Provider, r.Model, r.Title, r.Body}, "\n"))
			if !strings.Contains(hay, q) {
				continue
			}
		}
		if !filter.Before.IsZero() && !r.At.Before(filter.Before) {
			continue
		}
		out = append(out, cloneRecord(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].ID > out[j].ID
		}
		return out[i].At.After(out[j].At)
	})
	total := len(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, total
}

func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := len(s.records)
	if removed == 0 {
		return 0
	}
	s.records = []Record{}
	s.dirty = true
	s.saveLocked(true)
	return removed
}

func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveLocked(true)
}

func (s *Store) pruneLocked(now time.Time) {
	if len(s.records) == 0 {
		return
	}
	maxAge := time.Duration(s.settings.MaxAgeDays) * 24 * time.Hour
	cutoff := now.Add(-maxAge)
	kept := s.records[:0]
	for _, r := range s.records {
		if !r.At.IsZero() && r.At.Before(cutoff) {
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	if len(s.records) > s.settings.MaxItems {
		s.records = s.records[len(s.records)-s.settings.MaxItems:]
	}
}

func (s *Store) load() {
	b, err := os.ReadFile(s.path)
	if err != nil || len(b) == 0 {
		return
	}
	var p persisted
	if err := json.Unmarshal(b, &p); err != nil {
		return
	}
	if p.Version != 1 {
		return
	}
	s.records = append([]Record(nil), p.Records...)
	if p.Settings.MaxItems > 0 || p.Settings.MaxAgeDays > 0 {
		s.settings = normalizeSettings(p.Settings)
	}
	s.pruneLocked(time.Now().UTC())
	s.dirty = false
}

func (s *Store) saveLocked(force bool) {
	if strings.TrimSpace(s.path) == "" || !s.dirty {
		return
	}
	if !force && time.Since(s.lastSave) < saveInterval {
		return
	}
	p := persisted{Version: 1, Settings: s.settings, Records: s.records}
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return
	}
	s.lastSave = time.Now()
	s.dirty = false
}

func cloneBytes(in []byte) []byte {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func cloneRecord(in Record) Record {
	in.Metrics = cloneBytes(in.Metrics)
	return in
}
