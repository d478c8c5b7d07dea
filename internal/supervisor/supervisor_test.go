package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/triage-ai/toolgate/internal/catalog"
	"github.com/triage-ai/toolgate/internal/config"
	"github.com/triage-ai/toolgate/internal/transport"
)

type fakeConn struct {
	tools []transport.ToolInfo

	calls   atomic.Int32
	callErr error

	done      chan struct{}
	closeOnce sync.Once
}

func newFakeConn(toolNames ...string) *fakeConn {
	c := &fakeConn{done: make(chan struct{})}
	for _, n := range toolNames {
		c.tools = append(c.tools, transport.ToolInfo{Name: n})
	}
	return c
}

func (c *fakeConn) Initialize(context.Context) error { return nil }

func (c *fakeConn) ListTools(context.Context) ([]transport.ToolInfo, error) {
	return c.tools, nil
}

func (c *fakeConn) ListResources(context.Context) ([]transport.ResourceInfo, error) {
	return nil, nil
}

func (c *fakeConn) CallTool(ctx context.Context, name string, args map[string]any) (*transport.CallToolResult, error) {
	c.calls.Add(1)
	if c.callErr != nil {
		return nil, c.callErr
	}
	return &transport.CallToolResult{Content: json.RawMessage(`[{"type":"text","text":"ok"}]`)}, nil
}

func (c *fakeConn) ReadResource(ctx context.Context, uri string) (*transport.ReadResourceResult, error) {
	return &transport.ReadResourceResult{Contents: json.RawMessage(`[]`)}, nil
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) crash() { c.Close() }

func testDispatch() config.Dispatch {
	return config.Dispatch{
		TimeoutSeconds:          5,
		HandshakeTimeoutSeconds: 5,
		StopGraceSeconds:        1,
		MaxRestartAttempts:      3,
		ConsecutiveTimeoutLimit: 2,
	}
}

func newTestSupervisor(dial DialFunc) (*Supervisor, *catalog.Catalog) {
	cat := catalog.New()
	s := New(cat, testDispatch(), dial, zap.NewNop())
	s.newBackoff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return s, cat
}

func waitForState(t *testing.T, s *Supervisor, provider string, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := s.State(provider); ok && st == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	st, _ := s.State(provider)
	t.Fatalf("provider %s state = %s, want %s", provider, st, want)
}

func stdioProvider(name string) config.Provider {
	return config.Provider{Name: name, Command: []string{"/bin/true"}, Enabled: true}
}

func TestStartPublishesCatalog(t *testing.T) {
	conn := newFakeConn("read_file", "write_file")
	s, cat := newTestSupervisor(func(context.Context, config.Provider) (Conn, error) {
		return conn, nil
	})
	defer s.StopAll(context.Background())

	if err := s.StartAll(context.Background(), []config.Provider{stdioProvider("files")}); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	waitForState(t, s, "files", Running)

	if _, ok := cat.Resolve("read_file"); !ok {
		t.Fatal("tool not published to catalog")
	}
	if len(cat.Tools()) != 2 {
		t.Fatalf("catalog has %d tools, want 2", len(cat.Tools()))
	}
}

// recordingBackoff captures the schedule the supervisor asks for without
// making the test actually sleep through it.
type recordingBackoff struct {
	inner backoff.BackOff

	mu     sync.Mutex
	delays []time.Duration
}

func (b *recordingBackoff) NextBackOff() time.Duration {
	d := b.inner.NextBackOff()
	b.mu.Lock()
	b.delays = append(b.delays, d)
	b.mu.Unlock()
	return 0
}

func (b *recordingBackoff) Reset() { b.inner.Reset() }

func (b *recordingBackoff) recorded() []time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]time.Duration(nil), b.delays...)
}

func TestRepeatedStartFailuresEndInFailed(t *testing.T) {
	var attempts atomic.Int32
	cat := catalog.New()
	s := New(cat, testDispatch(), func(context.Context, config.Provider) (Conn, error) {
		attempts.Add(1)
		return nil, errors.New("spawn failed")
	}, zap.NewNop())
	defer s.StopAll(context.Background())

	// Record the real restart schedule instead of zeroing it out.
	rec := &recordingBackoff{inner: s.newBackoff()}
	s.newBackoff = func() backoff.BackOff { return rec }

	err := s.StartAll(context.Background(), []config.Provider{stdioProvider("broken")})
	if err == nil {
		t.Fatal("StartAll should report the first failed attempt")
	}
	waitForState(t, s, "broken", Failed)

	if got := attempts.Load(); got != 3 {
		t.Fatalf("dial attempts = %d, want 3 (restart budget)", got)
	}

	// Two waits between three attempts, doubling each time.
	delays := rec.recorded()
	if len(delays) != 2 {
		t.Fatalf("recorded %d backoff delays, want 2: %v", len(delays), delays)
	}
	if delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Fatalf("backoff schedule = %v, want [1s 2s]", delays)
	}

	if len(cat.Tools()) != 0 {
		t.Fatal("failed provider must not appear in catalog")
	}

	st := s.Status()
	if len(st) != 1 || st[0].State != "failed" || st[0].LastError == "" {
		t.Fatalf("status = %+v", st)
	}
}

func TestCrashTriggersRestartAndCatalogCycle(t *testing.T) {
	conns := []*fakeConn{newFakeConn("search"), newFakeConn("search")}
	var idx atomic.Int32
	s, cat := newTestSupervisor(func(context.Context, config.Provider) (Conn, error) {
		i := idx.Add(1) - 1
		if int(i) >= len(conns) {
			return nil, errors.New("no more conns")
		}
		return conns[i], nil
	})
	defer s.StopAll(context.Background())

	if err := s.StartAll(context.Background(), []config.Provider{stdioProvider("web")}); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	waitForState(t, s, "web", Running)

	conns[0].crash()
	waitForState(t, s, "web", Running) // restarted onto the second conn

	if idx.Load() != 2 {
		t.Fatalf("dial count = %d, want 2", idx.Load())
	}
	if _, ok := cat.Resolve("search"); !ok {
		t.Fatal("tool missing after restart")
	}
	if st := s.Status(); st[0].Restarts != 1 {
		t.Fatalf("restarts = %d, want 1", st[0].Restarts)
	}
}

func TestDispatchToRunningProvider(t *testing.T) {
	conn := newFakeConn("echo")
	s, _ := newTestSupervisor(func(context.Context, config.Provider) (Conn, error) {
		return conn, nil
	})
	defer s.StopAll(context.Background())

	if err := s.StartAll(context.Background(), []config.Provider{stdioProvider("p")}); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	waitForState(t, s, "p", Running)

	res, err := s.CallTool(context.Background(), "p", "echo", map[string]any{"msg": "hi"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res == nil || len(res.Content) == 0 {
		t.Fatal("empty result")
	}
	if conn.calls.Load() != 1 {
		t.Fatalf("provider saw %d calls, want 1", conn.calls.Load())
	}
}

func TestDispatchErrors(t *testing.T) {
	conn := newFakeConn("echo")
	s, _ := newTestSupervisor(func(context.Context, config.Provider) (Conn, error) {
		return conn, nil
	})
	defer s.StopAll(context.Background())

	if _, err := s.CallTool(context.Background(), "ghost", "echo", nil); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("err = %v, want ErrUnknownProvider", err)
	}

	if err := s.StartAll(context.Background(), []config.Provider{stdioProvider("p")}); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	waitForState(t, s, "p", Running)

	conn.callErr = fmt.Errorf("boom: %w", transport.ErrClosed)
	if _, err := s.CallTool(context.Background(), "p", "echo", nil); err == nil {
		t.Fatal("expected error from closed transport")
	}
	// One retry against the same dead handle, no more.
	if got := conn.calls.Load(); got != 2 {
		t.Fatalf("provider saw %d attempts, want 2 (original + one retry)", got)
	}
}

func TestConsecutiveTimeoutsForceRestart(t *testing.T) {
	conns := []*fakeConn{newFakeConn("slow"), newFakeConn("slow")}
	var idx atomic.Int32
	s, _ := newTestSupervisor(func(context.Context, config.Provider) (Conn, error) {
		i := idx.Add(1) - 1
		if int(i) >= len(conns) {
			return nil, errors.New("no more conns")
		}
		return conns[i], nil
	})
	defer s.StopAll(context.Background())

	if err := s.StartAll(context.Background(), []config.Provider{stdioProvider("p")}); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	waitForState(t, s, "p", Running)

	conns[0].callErr = context.DeadlineExceeded
	for i := 0; i < 2; i++ { // ConsecutiveTimeoutLimit = 2
		if _, err := s.CallTool(context.Background(), "p", "slow", nil); !errors.Is(err, ErrTimeout) {
			t.Fatalf("call %d err = %v, want ErrTimeout", i+1, err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for idx.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if idx.Load() != 2 {
		t.Fatalf("dial count = %d, want 2 (forced restart)", idx.Load())
	}
	waitForState(t, s, "p", Running)
}

func TestApplySnapshotReconcilesProviders(t *testing.T) {
	var dials atomic.Int32
	s, cat := newTestSupervisor(func(_ context.Context, spec config.Provider) (Conn, error) {
		dials.Add(1)
		return newFakeConn(spec.Name + "_tool"), nil
	})
	defer s.StopAll(context.Background())

	keep := stdioProvider("keep")
	drop := stdioProvider("drop")
	if err := s.StartAll(context.Background(), []config.Provider{keep, drop}); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	waitForState(t, s, "keep", Running)
	waitForState(t, s, "drop", Running)

	added := stdioProvider("added")
	cfg := &config.Config{
		Providers: []config.Provider{keep, added},
		Dispatch:  testDispatch(),
	}
	s.ApplySnapshot(context.Background(), cfg)
	waitForState(t, s, "added", Running)

	if _, ok := s.State("drop"); ok {
		t.Fatal("removed provider still managed")
	}
	if _, ok := cat.Resolve("drop_tool"); ok {
		t.Fatal("removed provider's tool still in catalog")
	}
	if _, ok := cat.Resolve("keep_tool"); !ok {
		t.Fatal("unchanged provider lost its catalog entry")
	}
	// keep was not recycled: two initial dials plus one for added.
	if dials.Load() != 3 {
		t.Fatalf("dials = %d, want 3", dials.Load())
	}
}

func TestApplySnapshotRepositionsRestartingProvider(t *testing.T) {
	d := testDispatch()
	d.MaxRestartAttempts = 1000
	cat := catalog.New()
	var cur atomic.Pointer[fakeConn]
	s := New(cat, d, func(_ context.Context, spec config.Provider) (Conn, error) {
		c := newFakeConn(spec.Name + "_tool")
		if spec.Name == "mover" {
			cur.Store(c)
		}
		return c, nil
	}, zap.NewNop())
	s.newBackoff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	defer s.StopAll(context.Background())

	mover := stdioProvider("mover")
	anchor := stdioProvider("anchor")
	if err := s.StartAll(context.Background(), []config.Provider{mover, anchor}); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	waitForState(t, s, "mover", Running)
	waitForState(t, s, "anchor", Running)

	// Crash mover repeatedly so its loop republishes the catalog while
	// config applies reposition it in the declaration order.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			if c := cur.Load(); c != nil {
				c.crash()
			}
			time.Sleep(time.Millisecond)
		}
	}()
	for i := 0; i < 20; i++ {
		cfg := &config.Config{Providers: []config.Provider{mover, anchor}, Dispatch: d}
		if i%2 == 0 {
			cfg.Providers = []config.Provider{anchor, mover}
		}
		s.ApplySnapshot(context.Background(), cfg)
	}
	<-done

	waitForState(t, s, "mover", Running)
	if _, ok := cat.Resolve("mover_tool"); !ok {
		t.Fatal("mover's tool missing after concurrent reloads")
	}
	st := s.Status()
	if len(st) != 2 || st[0].Provider != "mover" {
		t.Fatalf("status order = %+v, want mover first", st)
	}
}

func TestStopAllShutsDownCleanly(t *testing.T) {
	conn := newFakeConn("t")
	s, cat := newTestSupervisor(func(context.Context, config.Provider) (Conn, error) {
		return conn, nil
	})

	if err := s.StartAll(context.Background(), []config.Provider{stdioProvider("p")}); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	waitForState(t, s, "p", Running)

	s.StopAll(context.Background())
	select {
	case <-conn.done:
	default:
		t.Fatal("connection not closed on StopAll")
	}
	if len(cat.Tools()) != 0 {
		t.Fatal("catalog not emptied on StopAll")
	}
}
