package audit

import (
	"time"
	"unicode/utf8"
)

// Entry is one immutable record of an evaluated operation and its outcome.
// Seq and Timestamp are assigned by the log at append time, under the append
// lock, so entries are totally ordered.
type Entry struct {
	Seq         int64     `json:"seq"`
	Timestamp   time.Time `json:"timestamp"`
	RequestID   string    `json:"request_id"`
	Operation   string    `json:"operation"` // "tool_call" or "resource_read"
	Provider    string    `json:"provider"`
	Tool        string    `json:"tool,omitempty"`
	ResourceURI string    `json:"resource_uri,omitempty"`
	Arguments   string    `json:"arguments,omitempty"` // summarized, never the full payload
	Decision    string    `json:"decision"`            // allowed, require_approval, denied, rate_limited, timed_out, error
	Rule        string    `json:"rule,omitempty"`      // matched rule name, "blocklist" or "default"
	LatencyMs   float64   `json:"latency_ms"`
	Error       string    `json:"error,omitempty"`
}

// SummarizeArguments flattens an argument payload to a bounded single line
// for audit storage. Truncation happens on rune boundaries so the summary
// stays valid UTF-8 whatever the payload contains.
func SummarizeArguments(argsJSON string) string {
	const maxLen = 256
	out := make([]byte, 0, min(len(argsJSON), maxLen))
	for _, r := range argsJSON {
		if r == '\n' || r == '\r' || r == '\t' {
			r = ' '
		}
		if len(out)+utf8.RuneLen(r) > maxLen {
			return string(out) + "…"
		}
		out = utf8.AppendRune(out, r)
	}
	return string(out)
}
