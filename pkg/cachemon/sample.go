package cachemon

import (
	"math"
	"strings"
)

// UnknownModel is used when a completion cannot be matched to its start
// event and the requested model is therefore unknown.
const UnknownModel = "Unknown"

// StartEvent is recorded when a proxied request is admitted, before any
// upstream call. The requested model travels with the trace so it can be
// attached to the completion even after failover rewrites the upstream
// target.
type StartEvent struct {
	TraceID string
	CLI     string
	Model   string
	AtMs    int64
}

// CompletionEvent is recorded when a proxied request finishes. Provider is
// the terminal attempt: the last attempt that succeeded, or the last
// attempt overall when none did. Token counts come straight from the
// upstream usage payload and may be fractional or missing.
type CompletionEvent struct {
	TraceID             string
	CLI                 string
	Provider            string
	StatusCode          int
	ErrorCode           string
	InputTokens         float64
	CacheReadTokens     float64
	CacheCreateTokens   float64
	CacheCreate5mTokens float64
	CacheCreate1hTokens float64
	AtMs                int64
}

// GroupKey identifies one aggregation stream: a CLI family talking to one
// provider about one model.
type GroupKey struct {
	CLI      string `json:"cli"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Sample is one successful request reduced to the counters the monitor
// aggregates. Success is always 1; failed requests never become samples.
type Sample struct {
	Minute  int64
	Denom   int64
	Read    int64
	Create  int64
	Success int64
}

type windowStats struct {
	Denom   int64
	Read    int64
	Create  int64
	Success int64
}

func (w windowStats) add(s Sample) windowStats {
	w.Denom += s.Denom
	w.Read += s.Read
	w.Create += s.Create
	w.Success += s.Success
	return w
}

// hitRate is cache reads over the denominator; NaN when the denominator
// is zero so callers can distinguish "no data" from "0% hit rate".
func (w windowStats) hitRate() float64 {
	if w.Denom == 0 {
		return math.NaN()
	}
	return float64(w.Read) / float64(w.Denom)
}

// normalizeSample turns a completion into a sample, or reports that the
// completion must be dropped. Only clean 2xx completions count. Cache
// creation prefers the 5m+1h tier split when the upstream reports it,
// falling back to the combined field. When subtractCacheRead is set the
// CLI's input count already includes cache reads, so they are removed
// before input serves as the denominator.
func normalizeSample(ev CompletionEvent, subtractCacheRead bool) (Sample, bool) {
	if ev.StatusCode < 200 || ev.StatusCode > 299 {
		return Sample{}, false
	}
	if strings.TrimSpace(ev.ErrorCode) != "" {
		return Sample{}, false
	}
	input := clampTokens(ev.InputTokens)
	read := clampTokens(ev.CacheReadTokens)
	create := clampTokens(ev.CacheCreate5mTokens) + clampTokens(ev.CacheCreate1hTokens)
	if create == 0 {
		create = clampTokens(ev.CacheCreateTokens)
	}
	denom := input
	if subtractCacheRead {
		denom = input - read
	}
	if denom <= 0 {
		return Sample{}, false
	}
	return Sample{
		Minute:  ev.AtMs / 60_000,
		Denom:   denom,
		Read:    read,
		Create:  create,
		Success: 1,
	}, true
}

func clampTokens(v float64) int64 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v > 1e15 {
		return int64(1e15)
	}
	return int64(math.Floor(v))
}
