// Package logutil wires the process-wide charmbracelet logger so that the
// terminal only shows lines at or above the configured level while an
// optional tee (the in-memory log store) always receives every line.
package logutil

import (
	"bytes"
	"cmp"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"

	log "github.com/charmbracelet/log"
)

var (
	sinkMu sync.Mutex
	sink   = &levelFilterWriter{console: os.Stderr, minLevel: log.InfoLevel}
)

// Configure sets the minimum level shown on stderr. The underlying logger
// stays at debug so the tee captures everything regardless of the CLI level.
func Configure(levelRaw string) error {
	name := cmp.Or(strings.TrimSpace(levelRaw), "info")
	level, err := log.ParseLevel(name)
	if err != nil {
		return fmt.Errorf("invalid loglevel %q", name)
	}
	sinkMu.Lock()
	sink.setMinLevel(level)
	sinkMu.Unlock()
	log.SetLevel(log.DebugLevel)
	log.SetOutput(sink)
	return nil
}

// SetOutputTee attaches a secondary writer that receives every log line
// unfiltered. Pass nil to detach.
func SetOutputTee(w io.Writer) {
	sinkMu.Lock()
	sink.setTee(w)
	sinkMu.Unlock()
	log.SetOutput(sink)
}

// levelFilterWriter splits the logger's byte stream into lines, forwards all
// of them to the tee, and forwards only lines at or above minLevel to the
// console. Partial writes are buffered until a newline arrives.
type levelFilterWriter struct {
	mu       sync.Mutex
	console  io.Writer
	tee      io.Writer
	minLevel log.Level
	pending  []byte
}

func (w *levelFilterWriter) setMinLevel(level log.Level) {
	w.mu.Lock()
	w.minLevel = level
	w.mu.Unlock()
}

func (w *levelFilterWriter) setTee(tee io.Writer) {
	w.mu.Lock()
	w.tee = tee
	w.mu.Unlock()
}

func (w *levelFilterWriter) Write(p []byte) (int, error) {
	if w == nil {
		return len(p), nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, p...)
	for {
		line, rest, found := bytes.Cut(w.pending, []byte{'\n'})
		if !found {
			break
		}
		w.emitLocked(append(slices.Clone(line), '\n'))
		w.pending = rest
	}
	return len(p), nil
}

func (w *levelFilterWriter) emitLocked(line []byte) {
	if w.tee != nil {
		_, _ = w.tee.Write(line)
	}
	if w.console != nil && lineLevel(string(line)) >= w.minLevel {
		_, _ = w.console.Write(line)
	}
}

// lineLevel recovers the level from a rendered log line. The charm renderer
// prints a 4-char colored label (DEBU, INFO, WARN, ERRO, FATA); logfmt-style
// lines carry level=<name>. Unknown lines count as info so they stay visible.
func lineLevel(line string) log.Level {
	for _, tok := range strings.Fields(StripANSI(line)) {
		tok = strings.ToUpper(strings.TrimSpace(tok))
		if rest, ok := strings.CutPrefix(tok, "LEVEL="); ok {
			tok = rest
		}
		switch tok {
		case "TRACE", "TRAC", "DEBUG", "DEBU":
			return log.DebugLevel
		case "INFO":
			return log.InfoLevel
		case "WARN", "WARNING":
			return log.WarnLevel
		case "ERROR", "ERRO":
			return log.ErrorLevel
		case "FATAL", "FATA":
			return log.FatalLevel
		}
	}
	return log.InfoLevel
}

// StripANSI removes ANSI escape sequences so level detection and stored log
// lines are not confused by terminal colors.
func StripANSI(s string) string {
	if !strings.Contains(s, "\x1b") {
		return s
	}
	var out strings.Builder
	out.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != 0x1b {
			out.WriteByte(s[i])
			continue
		}
		// Skip to the letter that terminates the escape sequence.
		for i++; i < len(s); i++ {
			if c := s[i]; (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') {
				break
			}
		}
	}
	return out.String()
}
