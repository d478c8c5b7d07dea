// Package audit provides the append-only, strictly ordered record of every
// evaluated operation. Appends are serialized by a single lock and written
// through to the file before returning, so a crash immediately after a
// dispatch cannot silently lose its trail.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

var now = time.Now

// Exporter receives a copy of each appended entry for analytics sinks.
// Export must not block the audit path.
type Exporter interface {
	Export(e *Entry)
	Close()
}

const recentCap = 1000

// Log is the append-only JSONL audit log.
type Log struct {
	mu       sync.Mutex
	f        *os.File // nil when running without a file (memory-only)
	seq      int64
	recent   []Entry // ring buffer of the most recent entries
	next     int
	exporter Exporter
	logger   *zap.Logger
}

// Open creates or appends to the JSONL file at path. An empty path keeps the
// log in memory only, for tests and ephemeral runs.
func Open(path string, exporter Exporter, logger *zap.Logger) (*Log, error) {
	l := &Log{
		recent:   make([]Entry, 0, recentCap),
		exporter: exporter,
		logger:   logger,
	}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("audit dir: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("audit file: %w", err)
		}
		l.f = f
	}
	return l, nil
}

// Append assigns the entry's sequence number and timestamp, writes it and
// returns once the write has completed. Entries are never reordered or
// dropped, even under concurrent callers.
func (l *Log) Append(e *Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	e.Seq = l.seq
	if e.Timestamp.IsZero() {
		e.Timestamp = now()
	}

	if l.f != nil {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("audit marshal: %w", err)
		}
		data = append(data, '\n')
		if _, err := l.f.Write(data); err != nil {
			return fmt.Errorf("audit write: %w", err)
		}
	}

	if len(l.recent) < recentCap {
		l.recent = append(l.recent, *e)
	} else {
		l.recent[l.next] = *e
		l.next = (l.next + 1) % recentCap
	}

	if l.exporter != nil {
		l.exporter.Export(e)
	}
	return nil
}

// Recent returns up to n of the most recent entries, oldest first.
func (l *Log) Recent(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var ordered []Entry
	if len(l.recent) < recentCap {
		ordered = append(ordered, l.recent...)
	} else {
		ordered = append(ordered, l.recent[l.next:]...)
		ordered = append(ordered, l.recent[:l.next]...)
	}
	if n > 0 && len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}

// Close flushes and closes the underlying file and shuts down the exporter.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.exporter != nil {
		l.exporter.Close()
		l.exporter = nil
	}
	if l.f == nil {
		return nil
	}
	if err := l.f.Sync(); err != nil {
		l.logger.Warn("audit sync failed", zap.Error(err))
	}
	err := l.f.Close()
	l.f = nil
	return err
}
