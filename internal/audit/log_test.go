package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"go.uber.org/zap"
)

func TestAppendAssignsSequentialSeq(t *testing.T) {
	l, err := Open("", nil, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	for i := 1; i <= 5; i++ {
		e := &Entry{RequestID: "r", Operation: "tool_call", Provider: "p", Decision: "allowed"}
		if err := l.Append(e); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if e.Seq != int64(i) {
			t.Fatalf("seq = %d, want %d", e.Seq, i)
		}
		if e.Timestamp.IsZero() {
			t.Fatal("timestamp not assigned")
		}
	}
}

func TestConcurrentAppendsNeverCollide(t *testing.T) {
	l, err := Open("", nil, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	const workers = 8
	const perWorker = 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_ = l.Append(&Entry{RequestID: "r", Decision: "allowed"})
			}
		}()
	}
	wg.Wait()

	entries := l.Recent(0)
	if len(entries) != workers*perWorker {
		t.Fatalf("got %d entries, want %d", len(entries), workers*perWorker)
	}
	seen := make(map[int64]bool, len(entries))
	for i, e := range entries {
		if seen[e.Seq] {
			t.Fatalf("duplicate seq %d", e.Seq)
		}
		seen[e.Seq] = true
		if i > 0 && entries[i-1].Seq >= e.Seq {
			t.Fatalf("entries out of order at index %d: %d then %d", i, entries[i-1].Seq, e.Seq)
		}
	}
}

func TestFileHoldsOneJSONLinePerEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := Open(path, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	want := []string{"allowed", "denied", "rate_limited"}
	for _, d := range want {
		if err := l.Append(&Entry{RequestID: "r", Operation: "tool_call", Provider: "p", Decision: d}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var i int
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		if e.Decision != want[i] {
			t.Fatalf("line %d decision = %q, want %q", i, e.Decision, want[i])
		}
		if e.Seq != int64(i+1) {
			t.Fatalf("line %d seq = %d, want %d", i, e.Seq, i+1)
		}
		i++
	}
	if i != len(want) {
		t.Fatalf("file has %d lines, want %d", i, len(want))
	}
}

func TestAppendSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	l1, err := Open(path, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = l1.Append(&Entry{RequestID: "a", Decision: "allowed"})
	_ = l1.Close()

	l2, err := Open(path, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = l2.Append(&Entry{RequestID: "b", Decision: "denied"})
	_ = l2.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines after reopen, want 2", len(lines))
	}
}

func TestRecentReturnsTail(t *testing.T) {
	l, err := Open("", nil, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	for i := 0; i < 10; i++ {
		_ = l.Append(&Entry{RequestID: "r", Decision: "allowed"})
	}
	got := l.Recent(3)
	if len(got) != 3 {
		t.Fatalf("Recent(3) returned %d entries", len(got))
	}
	if got[0].Seq != 8 || got[2].Seq != 10 {
		t.Fatalf("Recent(3) seqs = %d..%d, want 8..10", got[0].Seq, got[2].Seq)
	}
}

type captureExporter struct {
	mu      sync.Mutex
	entries []Entry
	closed  bool
}

func (c *captureExporter) Export(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, *e)
}

func (c *captureExporter) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func TestExporterReceivesEveryEntry(t *testing.T) {
	exp := &captureExporter{}
	l, err := Open("", exp, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = l.Append(&Entry{RequestID: "a", Decision: "allowed"})
	_ = l.Append(&Entry{RequestID: "b", Decision: "denied"})
	_ = l.Close()

	if len(exp.entries) != 2 {
		t.Fatalf("exporter saw %d entries, want 2", len(exp.entries))
	}
	if !exp.closed {
		t.Fatal("exporter not closed with the log")
	}
}

func TestSummarizeArguments(t *testing.T) {
	if got := SummarizeArguments("{\"a\":\t1}\n"); strings.ContainsAny(got, "\n\t") {
		t.Fatalf("summary contains control characters: %q", got)
	}
	long := strings.Repeat("x", 1000)
	got := SummarizeArguments(long)
	if len([]rune(got)) > 257 {
		t.Fatalf("summary not truncated: %d runes", len([]rune(got)))
	}
	if !strings.HasSuffix(got, "…") {
		t.Fatal("truncated summary missing ellipsis")
	}
}

func TestSummarizeArgumentsKeepsRunesIntact(t *testing.T) {
	// Multi-byte runes straddling the size cap must be dropped whole, never
	// cut mid-sequence.
	for _, payload := range []string{
		strings.Repeat("é", 500),       // 2-byte runes
		strings.Repeat("日", 500),       // 3-byte runes
		strings.Repeat("🙂", 500),       // 4-byte runes
		"x" + strings.Repeat("日", 500), // cap falls inside a rune
	} {
		got := SummarizeArguments(payload)
		if !utf8.ValidString(got) {
			t.Fatalf("summary is not valid UTF-8: %q", got)
		}
		if !strings.HasSuffix(got, "…") {
			t.Fatalf("truncated summary missing ellipsis: %q", got)
		}
		trimmed := strings.TrimSuffix(got, "…")
		if len(trimmed) > 256 {
			t.Fatalf("summary body is %d bytes, want <= 256", len(trimmed))
		}
		if !strings.HasPrefix(payload, trimmed) {
			t.Fatalf("summary %q is not a prefix of the payload", trimmed)
		}
	}
}
