// Package logstore keeps a bounded in-memory window of server log lines,
// persisted as JSON, for the admin panel log viewer.
package logstore

import (
	"bytes"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/pkg/cache"
	"github.com/modelrelay/modelrelay/pkg/logutil"
)

const (
	defaultMaxLines = 5000
	saveInterval    = 2 * time.Second
)

type Settings struct {
	MaxLines int `json:"max_lines"`
}

type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

type ListFilter struct {
	Level string
	Query string
	Limit int
}

type persisted struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

type Store struct {
	mu sync.RWMutex

	path     string
	settings Settings
	entries  []Entry

	dirty    bool
	lastSave time.Time
}

// Sink adapts the store into an io.Writer that accepts rendered logger
// output, one entry per line.
type Sink struct {
	store   *Store
	mu      sync.Mutex
	partial []byte
}

// withDefaults fills in zero or negative fields.
func (s Settings) withDefaults() Settings {
	if s.MaxLines <= 0 {
		s.MaxLines = defaultMaxLines
	}
	return s
}

func NewStore(path string, settings Settings) *Store {
	s := &Store{path: strings.TrimSpace(path), settings: settings.withDefaults(), entries: []Entry{}}
	if s.path != "" {
		var p persisted
		if err := cache.LoadJSON(s.path, &p); err == nil && len(p.Entries) > 0 {
			s.entries = p.Entries
		}
	}
	s.pruneLocked()
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
	s.settings = settings.withDefaults()
	s.pruneLocked()
	s.dirty = true
	s.saveLocked(true)
}

func (s *Store) Add(level, message string, ts time.Time) {
	message = strings.TrimSpace(logutil.StripANSI(message))
	if message == "" {
		return
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	e := Entry{Timestamp: ts.UTC(), Level: canonicalLevel(level), Message: message}

	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = fmt.Sprintf("log-%d-%d", e.Timestamp.UnixNano(), len(s.entries)+1)
	s.entries = append(s.entries, e)
	s.pruneLocked()
	s.dirty = true
	s.saveLocked(false)
}

// List returns entries newest first. The level filter keeps the selected
// level and everything more severe.
func (s *Store) List(filter ListFilter) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	level := canonicalLevel(filter.Level)
	query := strings.ToLower(strings.TrimSpace(filter.Query))
	limit := filter.Limit
	switch {
	case limit <= 0:
		limit = 500
	case limit > 10000:
		limit = 10000
	}

	matched := make([]Entry, 0, min(limit, len(s.entries)))
	for _, e := range slices.Backward(s.entries) {
		if !levelPassesFilter(level, e.Level) {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(e.Message+"\n"+e.Level), query) {
			continue
		}
		matched = append(matched, e)
		if len(matched) >= limit {
			break
		}
	}
	return matched
}

func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveLocked(true)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = s.entries[:0]
	s.dirty = true
	s.saveLocked(true)
}

func (s *Store) Writer() io.Writer {
	return &Sink{store: s}
}

func (w *Sink) Write(p []byte) (int, error) {
	if w == nil || w.store == nil {
		return len(p), nil
	}
	w.mu.Lock()
	w.partial = append(w.partial, p...)
	for {
		line, rest, ok := bytes.Cut(w.partial, []byte{'\n'})
		if !ok {
			break
		}
		w.partial = rest
		w.consumeLine(string(bytes.TrimSpace(line)))
	}
	w.mu.Unlock()
	return len(p), nil
}

func (w *Sink) consumeLine(line string) {
	level, message := parseRenderedLine(line)
	if message == "" {
		return
	}
	w.store.Add(level, message, time.Now().UTC())
}

func (s *Store) pruneLocked() {
	limit := s.settings.withDefaults().MaxLines
	if excess := len(s.entries) - limit; excess > 0 {
		s.entries = append([]Entry(nil), s.entries[excess:]...)
	}
}

// saveLocked persists the window, at most once per saveInterval unless
// forced. Entries are written oldest first so the file diffs cleanly.
func (s *Store) saveLocked(force bool) {
	if s.path == "" || !s.dirty {
		return
	}
	if !force && time.Since(s.lastSave) < saveInterval {
		return
	}
	cp := slices.Clone(s.entries)
	slices.SortFunc(cp, func(a, b Entry) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if err := cache.SaveJSON(s.path, persisted{Version: 1, Entries: cp}); err != nil {
		return
	}
	s.lastSave = time.Now().UTC()
	s.dirty = false
}

// levelAliases maps the labels the charm renderer emits (including its
// 4-char console forms) onto canonical names.
var levelAliases = map[string]string{
	"trace": "trace", "trac": "trace",
	"debug": "debug", "debu": "debug",
	"info": "info", "inf": "info",
	"warn": "warn", "warning": "warn", "wrn": "warn",
	"error": "error", "erro": "error", "err": "error",
	"fatal": "fatal", "fata": "fatal",
	"all": "all",
}

var levelRanks = map[string]int{
	"trace": 0,
	"debug": 1,
	"info":  2,
	"warn":  3,
	"error": 4,
	"fatal": 5,
}

func canonicalLevel(v string) string {
	return levelAliases[strings.ToLower(strings.TrimSpace(v))]
}

func levelRank(level string) int {
	if r, ok := levelRanks[canonicalLevel(level)]; ok {
		return r
	}
	return -1
}

func levelPassesFilter(filterLevel, entryLevel string) bool {
	f := canonicalLevel(filterLevel)
	if f == "" || f == "all" {
		return true
	}
	ev := canonicalLevel(entryLevel)
	if ev == "" {
		return false
	}
	return levelRank(ev) >= levelRank(f)
}

// parseRenderedLine recovers level and message from one rendered logger
// line. Understood shapes: logfmt-style time=/level= pairs, the console
// form with the level label leading after an optional one- or two-token
// timestamp, and plain text (which counts as info).
func parseRenderedLine(line string) (level, message string) {
	s := strings.TrimSpace(logutil.StripANSI(line))
	if s == "" {
		return "", ""
	}
	fields := strings.Fields(s)
	kept := make([]string, 0, len(fields))
	for _, f := range fields {
		fl := strings.ToLower(f)
		if rest, ok := strings.CutPrefix(fl, "level="); ok {
			if level == "" {
				level = canonicalLevel(rest)
			}
			continue
		}
		if strings.HasPrefix(fl, "time=") || strings.HasPrefix(fl, "timestamp=") || strings.HasPrefix(fl, "ts=") {
			continue
		}
		kept = append(kept, f)
	}
	if level == "" {
		for skip := 0; skip <= 2 && skip < len(kept); skip++ {
			if lv := canonicalLevel(kept[skip]); lv != "" && lv != "all" {
				level = lv
				kept = kept[skip+1:]
				break
			}
			if !looksTimestamp(kept[skip]) {
				break
			}
		}
	}
	if level == "" {
		level = "info"
	}
	return level, strings.Join(kept, " ")
}

// looksTimestamp accepts date tokens ("2026/01/02"), clock tokens
// ("15:04:05") and combined RFC3339-style tokens.
func looksTimestamp(v string) bool {
	if !strings.Contains(v, ":") {
		return strings.Count(v, "/") == 2 || strings.Count(v, "-") == 2
	}
	if strings.ContainsAny(v, "T/-") {
		return true
	}
	for _, r := range v {
		if (r < '0' || r > '9') && r != ':' && r != '.' {
			return false
		}
	}
	return true
}
