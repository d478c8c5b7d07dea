package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"go.uber.org/zap"
)

// SocketTransport reaches a provider over TCP using the same newline-delimited
// JSON-RPC framing as the stdio transport.
type SocketTransport struct {
	address string
	logger  *zap.Logger

	conn net.Conn
	wire *wire
}

// NewSocket creates a transport for a provider listening at address.
func NewSocket(address string, logger *zap.Logger) *SocketTransport {
	return &SocketTransport{address: address, logger: logger}
}

// Start dials the provider.
func (t *SocketTransport) Start(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.address, err)
	}
	t.conn = conn
	t.wire = newWire(conn)
	go func() {
		t.wire.readLoop(conn)
	}()
	return nil
}

// Call sends a request and awaits the response or ctx expiry.
func (t *SocketTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return t.wire.call(ctx, method, params)
}

// Notify sends a one-way notification.
func (t *SocketTransport) Notify(method string, params any) error {
	return t.wire.notify(method, params)
}

// Done is closed when the connection drops.
func (t *SocketTransport) Done() <-chan struct{} {
	return t.wire.done
}

// Close tears the connection down.
func (t *SocketTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}
