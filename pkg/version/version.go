package version

import (
	"runtime/debug"
	"strings"
	"sync"
)

// Set at build time via -ldflags, e.g.
// -X github.com/modelrelay/modelrelay/pkg/version.Version=v1.2.3
// (same for Commit, Date and Dirty). Binaries built without ldflags fall
// back to the VCS stamp Go embeds in module builds.
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
	Dirty   = ""
)

type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	Date    string `json:"date,omitempty"`
	Dirty   bool   `json:"dirty,omitempty"`
}

var vcsStamp = sync.OnceValue(func() Info {
	var out Info
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			out.Commit = s.Value
		case "vcs.time":
			out.Date = s.Value
		case "vcs.modified":
			out.Dirty = isTrue(s.Value)
		}
	}
	return out
})

func Current() Info {
	stamp := vcsStamp()
	return Info{
		Version: fallback(Version, "dev"),
		Commit:  fallback(Commit, stamp.Commit),
		Date:    fallback(Date, stamp.Date),
		Dirty:   isTrue(Dirty) || stamp.Dirty,
	}
}

// String renders a compact form like "v1.2.0+3fe9a1c04d2e" or
// "dev+3fe9a1c04d2e+dirty".
func String() string {
	v := Current()
	var b strings.Builder
	b.WriteString(v.Version)
	if v.Commit != "" {
		b.WriteByte('+')
		b.WriteString(shortCommit(v.Commit))
	}
	if v.Dirty {
		b.WriteString("+dirty")
	}
	return b.String()
}

// Detailed renders the multi-line form used by the version subcommands.
func Detailed(component string) string {
	v := Current()
	if strings.TrimSpace(component) == "" {
		component = "modelrelay"
	}
	out := component + " " + String()
	if v.Date != "" {
		out += "\nBuilt: " + v.Date
	}
	return out
}

func shortCommit(c string) string {
	if len(c) > 12 {
		return c[:12]
	}
	return c
}

func fallback(v, alt string) string {
	if s := strings.TrimSpace(v); s != "" {
		return s
	}
	return strings.TrimSpace(alt)
}

func isTrue(v string) bool {
	return strings.EqualFold(strings.TrimSpace(v), "true")
}
