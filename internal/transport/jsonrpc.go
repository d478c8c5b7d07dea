// Package transport speaks JSON-RPC 2.0 to tool providers over
// newline-delimited frames. Two transports implement the same interface: a
// stdio transport that owns a child process, and a socket transport for
// providers reachable over TCP.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned for calls made after the transport's peer has gone
// away. It marks the condition the supervisor treats as a crash.
var ErrClosed = errors.New("transport closed")

// Transport is the request/response channel to one provider.
type Transport interface {
	// Start establishes the connection (launches the process or dials).
	Start(ctx context.Context) error
	// Call sends a request and waits for the matching response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	// Notify sends a one-way notification.
	Notify(method string, params any) error
	// Done is closed when the peer goes away for any reason.
	Done() <-chan struct{}
	// Close shuts the connection down, forcefully if necessary.
	Close() error
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// RPCError is a provider-reported JSON-RPC error.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// maxFrame bounds a single response line.
const maxFrame = 16 * 1024 * 1024

// wire multiplexes concurrent calls over one byte stream, correlating
// responses by id. Shared by both transports.
type wire struct {
	w       io.Writer
	wmu     sync.Mutex
	pmu     sync.Mutex
	pending map[int64]chan *rpcResponse
	nextID  atomic.Int64
	done    chan struct{}
	once    sync.Once
}

func newWire(w io.Writer) *wire {
	return &wire{
		w:       w,
		pending: make(map[int64]chan *rpcResponse),
		done:    make(chan struct{}),
	}
}

// readLoop consumes newline-delimited responses until the stream ends, then
// marks the wire closed. Pending callers observe the closed done channel.
func (w *wire) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrame)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			continue // not a response frame; ignore notifications and noise
		}
		w.pmu.Lock()
		ch, ok := w.pending[resp.ID]
		if ok {
			delete(w.pending, resp.ID)
		}
		w.pmu.Unlock()
		if ok {
			ch <- &resp
		}
	}
	w.shutdown()
}

func (w *wire) shutdown() {
	w.once.Do(func() { close(w.done) })
}

func (w *wire) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	select {
	case <-w.done:
		return nil, ErrClosed
	default:
	}

	id := w.nextID.Add(1)
	ch := make(chan *rpcResponse, 1)
	w.pmu.Lock()
	w.pending[id] = ch
	w.pmu.Unlock()

	if err := w.write(rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		w.pmu.Lock()
		delete(w.pending, id)
		w.pmu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		w.pmu.Lock()
		delete(w.pending, id)
		w.pmu.Unlock()
		return nil, ctx.Err()
	case <-w.done:
		return nil, ErrClosed
	}
}

func (w *wire) notify(method string, params any) error {
	return w.write(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
}

func (w *wire) write(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')

	w.wmu.Lock()
	defer w.wmu.Unlock()
	if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}
