// Package supervisor owns the lifecycle of tool provider processes and
// connections: launch, handshake, catalog publication, crash detection with
// backoff restarts, and call dispatch with per-attempt timeouts.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/triage-ai/toolgate/internal/catalog"
	"github.com/triage-ai/toolgate/internal/config"
	"github.com/triage-ai/toolgate/internal/transport"
)

// State is a provider's position in its lifecycle.
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Stopping
	Crashed
	// Failed is terminal: the restart budget is exhausted and the provider
	// stays down until the next config apply.
	Failed
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Crashed:
		return "crashed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrUnknownProvider is returned when dispatching to a name the
	// supervisor does not manage.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrNotRunning is returned when the target provider exists but has no
	// live connection.
	ErrNotRunning = errors.New("provider not running")
	// ErrTimeout wraps a dispatch that exceeded the per-call deadline.
	ErrTimeout = errors.New("provider call timed out")
)

// Conn is an initialized provider connection. *transport.Client satisfies it;
// tests substitute fakes.
type Conn interface {
	Initialize(ctx context.Context) error
	ListTools(ctx context.Context) ([]transport.ToolInfo, error)
	ListResources(ctx context.Context) ([]transport.ResourceInfo, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*transport.CallToolResult, error)
	ReadResource(ctx context.Context, uri string) (*transport.ReadResourceResult, error)
	Done() <-chan struct{}
	Close() error
}

// DialFunc establishes a transport to a provider. The returned connection is
// started but not yet initialized.
type DialFunc func(ctx context.Context, spec config.Provider) (Conn, error)

// Status is a point-in-time snapshot of one provider.
type Status struct {
	Provider  string `json:"provider"`
	State     string `json:"state"`
	Restarts  int    `json:"restarts"`
	LastError string `json:"last_error,omitempty"`
}

type handle struct {
	spec config.Provider

	state atomic.Int32

	mu        sync.Mutex
	declIndex int // reload can reposition a provider while it runs
	conn      Conn
	restarts  int
	lastErr   error

	consecTimeouts atomic.Int32

	cancel    context.CancelFunc
	loopDone  chan struct{}
	ready     chan struct{}
	readyOnce sync.Once
	restartCh chan struct{}
}

func (h *handle) setState(s State) { h.state.Store(int32(s)) }
func (h *handle) getState() State  { return State(h.state.Load()) }

func (h *handle) index() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.declIndex
}

func (h *handle) setIndex(i int) {
	h.mu.Lock()
	h.declIndex = i
	h.mu.Unlock()
}

func (h *handle) setConn(c Conn) {
	h.mu.Lock()
	h.conn = c
	h.mu.Unlock()
}

func (h *handle) currentConn() Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn
}

func (h *handle) recordErr(err error) {
	h.mu.Lock()
	h.lastErr = err
	h.restarts++
	h.mu.Unlock()
}

func (h *handle) snapshot() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := Status{
		Provider: h.spec.Name,
		State:    h.getState().String(),
		Restarts: h.restarts,
	}
	if h.lastErr != nil {
		st.LastError = h.lastErr.Error()
	}
	return st
}

func (h *handle) markReady() { h.readyOnce.Do(func() { close(h.ready) }) }

// forceRestart asks the run loop to recycle the connection. Coalesces
// concurrent requests.
func (h *handle) forceRestart() {
	select {
	case h.restartCh <- struct{}{}:
	default:
	}
}

// Supervisor manages all configured providers.
type Supervisor struct {
	cat    *catalog.Catalog
	dial   DialFunc
	logger *zap.Logger

	dispatch atomic.Pointer[config.Dispatch]

	// newBackoff builds the restart schedule for one provider's loop.
	newBackoff func() backoff.BackOff

	mu      sync.Mutex
	handles map[string]*handle
	baseCtx context.Context
}

// New creates a supervisor. A nil dial installs the real transport dialer.
func New(cat *catalog.Catalog, dispatch config.Dispatch, dial DialFunc, logger *zap.Logger) *Supervisor {
	s := &Supervisor{
		cat:     cat,
		dial:    dial,
		logger:  logger,
		handles: make(map[string]*handle),
		baseCtx: context.Background(),
		newBackoff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = time.Second
			bo.RandomizationFactor = 0
			bo.Multiplier = 2
			bo.MaxInterval = 30 * time.Second
			bo.MaxElapsedTime = 0
			return bo
		},
	}
	s.dispatch.Store(&dispatch)
	if s.dial == nil {
		s.dial = s.transportDial
	}
	return s
}

func (s *Supervisor) dispatchCfg() config.Dispatch { return *s.dispatch.Load() }

// transportDial picks stdio or socket from the provider spec.
func (s *Supervisor) transportDial(ctx context.Context, spec config.Provider) (Conn, error) {
	d := s.dispatchCfg()
	grace := time.Duration(d.StopGraceSeconds) * time.Second

	var tr transport.Transport
	if spec.Address != "" {
		tr = transport.NewSocket(spec.Address, s.logger)
	} else {
		tr = transport.NewStdio(spec.Command, spec.Env, grace, s.logger)
	}
	if err := tr.Start(ctx); err != nil {
		return nil, err
	}
	return transport.NewClient(tr), nil
}

// StartAll launches every enabled provider and waits for each first start
// attempt to resolve. A failed first attempt is reported but does not stop
// the provider's retry loop.
func (s *Supervisor) StartAll(ctx context.Context, providers []config.Provider) error {
	g, _ := errgroup.WithContext(ctx)
	for i, p := range providers {
		if !p.Enabled {
			continue
		}
		h := s.startProvider(p, i)
		g.Go(func() error {
			select {
			case <-h.ready:
			case <-ctx.Done():
				return ctx.Err()
			}
			if h.getState() != Running {
				h.mu.Lock()
				err := h.lastErr
				h.mu.Unlock()
				return fmt.Errorf("provider %s: %w", h.spec.Name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// startProvider registers a handle and spawns its run loop.
func (s *Supervisor) startProvider(spec config.Provider, declIndex int) *handle {
	ctx, cancel := context.WithCancel(s.baseCtx)
	h := &handle{
		spec:      spec,
		declIndex: declIndex,
		cancel:    cancel,
		loopDone:  make(chan struct{}),
		ready:     make(chan struct{}),
		restartCh: make(chan struct{}, 1),
	}
	s.mu.Lock()
	s.handles[spec.Name] = h
	s.mu.Unlock()

	go s.run(ctx, h)
	return h
}

// run drives one provider through its lifecycle until stopped or failed.
func (s *Supervisor) run(ctx context.Context, h *handle) {
	defer close(h.loopDone)
	defer h.markReady()

	bo := s.newBackoff()
	for {
		h.setState(Starting)
		conn, err := s.bringUp(ctx, h)
		if err != nil {
			h.recordErr(err)
			s.logger.Warn("provider start failed",
				zap.String("provider", h.spec.Name),
				zap.Error(err),
			)
			if s.budgetExhausted(h) {
				h.setState(Failed)
				s.logger.Error("provider failed permanently",
					zap.String("provider", h.spec.Name),
					zap.Int("restarts", h.snapshot().Restarts),
				)
				return
			}
			h.markReady()
			if !s.sleep(ctx, bo.NextBackOff()) {
				h.setState(Stopped)
				return
			}
			continue
		}

		bo.Reset()
		h.setConn(conn)
		h.setState(Running)
		h.markReady()
		s.logger.Info("provider running", zap.String("provider", h.spec.Name))

		select {
		case <-ctx.Done():
			s.bringDown(h, conn, Stopped)
			return
		case <-h.restartCh:
			s.logger.Warn("provider force-restarting after repeated timeouts",
				zap.String("provider", h.spec.Name))
			s.bringDown(h, conn, Crashed)
			h.recordErr(ErrTimeout)
		case <-conn.Done():
			s.logger.Warn("provider exited unexpectedly",
				zap.String("provider", h.spec.Name))
			s.bringDown(h, conn, Crashed)
			h.recordErr(errors.New("provider exited unexpectedly"))
		}

		if s.budgetExhausted(h) {
			h.setState(Failed)
			s.logger.Error("provider failed permanently",
				zap.String("provider", h.spec.Name),
				zap.Int("restarts", h.snapshot().Restarts),
			)
			return
		}
		if !s.sleep(ctx, bo.NextBackOff()) {
			h.setState(Stopped)
			return
		}
	}
}

// bringUp dials, performs the handshake under its own deadline, and publishes
// the provider's catalog entries.
func (s *Supervisor) bringUp(ctx context.Context, h *handle) (Conn, error) {
	d := s.dispatchCfg()
	hctx, cancel := context.WithTimeout(ctx, time.Duration(d.HandshakeTimeoutSeconds)*time.Second)
	defer cancel()

	conn, err := s.dial(hctx, h.spec)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if err := conn.Initialize(hctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}

	var tools []catalog.ToolDescriptor
	if h.spec.Execute() {
		infos, err := conn.ListTools(hctx)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		for _, t := range infos {
			tools = append(tools, catalog.ToolDescriptor{
				Provider:    h.spec.Name,
				Name:        t.Name,
				Description: t.Description,
				InputSchema: t.InputSchema,
			})
		}
	}

	var resources []catalog.ResourceDescriptor
	if h.spec.Read() {
		infos, err := conn.ListResources(hctx)
		if err != nil {
			// Many providers expose no resource surface at all; treat a
			// listing error as an empty set rather than a failed start.
			s.logger.Debug("resources/list failed",
				zap.String("provider", h.spec.Name),
				zap.Error(err),
			)
		}
		for _, r := range infos {
			resources = append(resources, catalog.ResourceDescriptor{
				Provider:    h.spec.Name,
				URI:         r.URI,
				Name:        r.Name,
				Description: r.Description,
				MimeType:    r.MimeType,
			})
		}
	}

	s.cat.SetProvider(h.spec.Name, h.index(), tools, resources)
	h.consecTimeouts.Store(0)
	return conn, nil
}

// bringDown withdraws catalog entries and closes the connection.
func (s *Supervisor) bringDown(h *handle, conn Conn, final State) {
	h.setState(Stopping)
	s.cat.RemoveProvider(h.spec.Name)
	h.setConn(nil)
	_ = conn.Close()
	h.setState(final)
}

func (s *Supervisor) budgetExhausted(h *handle) bool {
	return h.snapshot().Restarts >= s.dispatchCfg().MaxRestartAttempts
}

// sleep waits for d or until ctx is cancelled. Returns false on cancel.
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// CallTool dispatches a tool call to a running provider. A call that dies on
// a closed transport is retried once against the replacement connection;
// repeated timeouts force a provider restart.
func (s *Supervisor) CallTool(ctx context.Context, provider, tool string, args map[string]any) (*transport.CallToolResult, error) {
	var result *transport.CallToolResult
	err := s.dispatchOp(ctx, provider, func(cctx context.Context, conn Conn) error {
		r, err := conn.CallTool(cctx, tool, args)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// ReadResource dispatches a resource read to a running provider.
func (s *Supervisor) ReadResource(ctx context.Context, provider, uri string) (*transport.ReadResourceResult, error) {
	var result *transport.ReadResourceResult
	err := s.dispatchOp(ctx, provider, func(cctx context.Context, conn Conn) error {
		r, err := conn.ReadResource(cctx, uri)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

func (s *Supervisor) dispatchOp(ctx context.Context, provider string, op func(context.Context, Conn) error) error {
	s.mu.Lock()
	h, ok := s.handles[provider]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	d := s.dispatchCfg()
	timeout := time.Duration(d.TimeoutSeconds) * time.Second

	for attempt := 0; attempt < 2; attempt++ {
		if h.getState() != Running {
			return fmt.Errorf("%w: %s is %s", ErrNotRunning, provider, h.getState())
		}
		conn := h.currentConn()
		if conn == nil {
			return fmt.Errorf("%w: %s", ErrNotRunning, provider)
		}

		cctx, cancel := context.WithTimeout(ctx, timeout)
		err := op(cctx, conn)
		cancel()

		if err == nil {
			h.consecTimeouts.Store(0)
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			if h.consecTimeouts.Add(1) >= int32(d.ConsecutiveTimeoutLimit) {
				h.consecTimeouts.Store(0)
				h.forceRestart()
			}
			return fmt.Errorf("%w: %s after %s", ErrTimeout, provider, timeout)
		}
		if errors.Is(err, transport.ErrClosed) && attempt == 0 {
			// The connection died under us; one retry picks up a
			// replacement if the restart already completed.
			continue
		}
		return err
	}
	return fmt.Errorf("%w: %s", ErrNotRunning, provider)
}

// Status reports every managed provider in declaration order.
func (s *Supervisor) Status() []Status {
	s.mu.Lock()
	hs := make([]*handle, 0, len(s.handles))
	for _, h := range s.handles {
		hs = append(hs, h)
	}
	s.mu.Unlock()

	sort.Slice(hs, func(i, j int) bool { return hs[i].index() < hs[j].index() })
	out := make([]Status, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.snapshot())
	}
	return out
}

// State reports one provider's current state.
func (s *Supervisor) State(provider string) (State, bool) {
	s.mu.Lock()
	h, ok := s.handles[provider]
	s.mu.Unlock()
	if !ok {
		return Stopped, false
	}
	return h.getState(), true
}

// ApplySnapshot reconciles the managed set against a new config: removed or
// changed providers are stopped, new or changed ones started, untouched ones
// left alone. Dispatch settings take effect for subsequent calls.
func (s *Supervisor) ApplySnapshot(ctx context.Context, cfg *config.Config) {
	d := cfg.Dispatch
	s.dispatch.Store(&d)

	desired := make(map[string]int)
	for i, p := range cfg.Providers {
		if p.Enabled {
			desired[p.Name] = i
		}
	}

	s.mu.Lock()
	var stop []*handle
	for name, h := range s.handles {
		idx, want := desired[name]
		if want && reflect.DeepEqual(h.spec, cfg.Providers[idx]) {
			h.setIndex(idx)
			delete(desired, name)
			continue
		}
		stop = append(stop, h)
		delete(s.handles, name)
	}
	s.mu.Unlock()

	for _, h := range stop {
		s.stopHandle(ctx, h)
	}
	for name, idx := range desired {
		s.logger.Info("starting provider from config apply", zap.String("provider", name))
		s.startProvider(cfg.Providers[idx], idx)
	}
}

func (s *Supervisor) stopHandle(ctx context.Context, h *handle) {
	h.cancel()
	select {
	case <-h.loopDone:
	case <-ctx.Done():
	}
}

// StopAll shuts every provider down and waits for the loops to exit.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	hs := make([]*handle, 0, len(s.handles))
	for _, h := range s.handles {
		hs = append(hs, h)
	}
	s.handles = make(map[string]*handle)
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range hs {
		g.Go(func() error {
			h.cancel()
			select {
			case <-h.loopDone:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn("shutdown wait interrupted", zap.Error(err))
	}
}
