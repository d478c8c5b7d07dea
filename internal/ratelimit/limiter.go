// Package ratelimit admits or rejects dispatch attempts using sliding-window
// call counts over the trailing minute and hour.
package ratelimit

import (
	"sync"
	"time"

	"github.com/triage-ai/toolgate/internal/config"
)

// Check pairs a window key with the limits that apply to it. Typical keys are
// "global", "provider:<name>" and "tool:<provider>/<tool>".
type Check struct {
	Key    string
	Limits config.Limits
}

type window struct {
	minute []time.Time
	hour   []time.Time
}

// Limiter tracks per-key call timestamps. It is safe for concurrent use; a
// single mutex guards all windows so the check-then-record step is atomic.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// New creates an empty limiter.
func New() *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Admit checks every window and, only if all are under their limits, records
// the call in each. A rejected call consumes no budget anywhere. Expired
// timestamps are pruned lazily as each window is touched.
func (l *Limiter) Admit(checks ...Check) bool {
	now := l.now()
	minuteAgo := now.Add(-time.Minute)
	hourAgo := now.Add(-time.Hour)

	l.mu.Lock()
	defer l.mu.Unlock()

	windows := make([]*window, len(checks))
	for i, c := range checks {
		w, ok := l.windows[c.Key]
		if !ok {
			w = &window{}
			l.windows[c.Key] = w
		}
		w.minute = prune(w.minute, minuteAgo)
		w.hour = prune(w.hour, hourAgo)
		windows[i] = w

		if c.Limits.PerMinute > 0 && len(w.minute) >= c.Limits.PerMinute {
			return false
		}
		if c.Limits.PerHour > 0 && len(w.hour) >= c.Limits.PerHour {
			return false
		}
	}

	for _, w := range windows {
		w.minute = append(w.minute, now)
		w.hour = append(w.hour, now)
	}
	return true
}

// prune drops timestamps at or before the cutoff. Timestamps are appended in
// order, so the survivors are a suffix.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}
