package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// StdioTransport owns a provider child process and speaks JSON-RPC over its
// stdin/stdout pipes. Stderr lines are forwarded to the logger.
type StdioTransport struct {
	command []string
	env     map[string]string
	grace   time.Duration
	logger  *zap.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	wire   *wire
	waited chan struct{}
}

// NewStdio creates a transport for the given launch command. grace is how
// long Close waits for the process to exit after stdin is closed before
// killing it.
func NewStdio(command []string, env map[string]string, grace time.Duration, logger *zap.Logger) *StdioTransport {
	return &StdioTransport{
		command: command,
		env:     env,
		grace:   grace,
		logger:  logger,
	}
}

// Start launches the process and begins reading responses.
func (t *StdioTransport) Start(ctx context.Context) error {
	if len(t.command) == 0 {
		return fmt.Errorf("stdio transport: empty command")
	}

	cmd := exec.Command(t.command[0], t.command[1:]...)
	cmd.Env = os.Environ()
	for k, v := range t.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %q: %w", t.command[0], err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.wire = newWire(stdin)
	t.waited = make(chan struct{})

	go t.wire.readLoop(stdout)
	go t.forwardStderr(stderr)
	go func() {
		_ = cmd.Wait()
		t.wire.shutdown()
		close(t.waited)
	}()
	return nil
}

func (t *StdioTransport) forwardStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		t.logger.Debug("provider stderr",
			zap.String("command", t.command[0]),
			zap.String("line", scanner.Text()),
		)
	}
}

// Call sends a request and awaits the response or ctx expiry.
func (t *StdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return t.wire.call(ctx, method, params)
}

// Notify sends a one-way notification.
func (t *StdioTransport) Notify(method string, params any) error {
	return t.wire.notify(method, params)
}

// Done is closed when the process exits or its stdout closes.
func (t *StdioTransport) Done() <-chan struct{} {
	return t.wire.done
}

// Close asks the process to exit by closing stdin, then kills it if it is
// still alive after the grace period.
func (t *StdioTransport) Close() error {
	if t.cmd == nil || t.cmd.Process == nil {
		return nil
	}
	_ = t.stdin.Close()

	select {
	case <-t.waited:
		return nil
	case <-time.After(t.grace):
	}

	t.logger.Warn("provider did not exit within grace period, killing",
		zap.String("command", t.command[0]),
		zap.Duration("grace", t.grace),
	)
	if err := t.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill: %w", err)
	}
	<-t.waited
	return nil
}
