// Package redact masks personal data in transcript text before it is logged
// or written to session timelines.
package redact

import (
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

type rule struct {
	re   *regexp.Regexp
	mask string
}

// Order matters: card numbers are digit runs that would otherwise match the
// phone pattern.
var rules = []rule{
	{regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b\d{4}(?:[ \-]?\d{4}){2}[ \-]?\d{1,7}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`), "[REDACTED_PHONE]"},
}

func SetEnabled(v bool) {
	enabled.Store(v)
}

func Enabled() bool {
	return enabled.Load()
}

// Text masks emails, card numbers and phone numbers when enabled.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := in
	for _, r := range rules {
		out = r.re.ReplaceAllString(out, r.mask)
	}
	return out
}

// String is slog.String with the value passed through Text.
func String(key, value string) slog.Attr {
	return slog.String(key, Text(value))
}

// Fields returns a copy of in with every string value passed through Text.
// Nil in yields nil.
func Fields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			out[k] = Text(s)
			continue
		}
		out[k] = v
	}
	return out
}
