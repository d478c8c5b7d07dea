package audit

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

// ClickHouseExporter forwards audit entries to ClickHouse for analytics.
// Export is non-blocking — entries are buffered and batch-inserted in a
// background goroutine. The JSONL log stays the durable record; a dropped
// export never loses audit data.
type ClickHouseExporter struct {
	conn    driver.Conn
	buffer  chan Entry
	done    chan struct{}
	flushed chan struct{}
	logger  *zap.Logger
}

// NewClickHouseExporter connects to ClickHouse and starts the flush loop.
func NewClickHouseExporter(dsn string, logger *zap.Logger) (*ClickHouseExporter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}

	e := &ClickHouseExporter{
		conn:    conn,
		buffer:  make(chan Entry, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
	go e.flushLoop()
	return e, nil
}

// Export queues an entry for async insertion, dropping it if the buffer is
// full.
func (e *ClickHouseExporter) Export(entry *Entry) {
	select {
	case e.buffer <- *entry:
	default:
		e.logger.Warn("clickhouse buffer full, dropping entry",
			zap.String("request_id", entry.RequestID),
		)
	}
}

// Close signals the flush loop to drain remaining entries and waits for it.
func (e *ClickHouseExporter) Close() {
	close(e.done)
	<-e.flushed
}

func (e *ClickHouseExporter) flushLoop() {
	defer close(e.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)

	for {
		select {
		case entry := <-e.buffer:
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				e.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				e.flush(batch)
				batch = batch[:0]
			}
		case <-e.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case entry := <-e.buffer:
					batch = append(batch, entry)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				e.flush(batch)
			}
			return
		}
	}
}

func (e *ClickHouseExporter) flush(entries []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := e.conn.PrepareBatch(ctx, `
		INSERT INTO tool_audit_events (
			seq, timestamp, request_id, operation, provider,
			tool, resource_uri, arguments, decision, rule,
			latency_ms, error
		)
	`)
	if err != nil {
		e.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, entry := range entries {
		if err := batch.Append(
			entry.Seq,
			entry.Timestamp,
			entry.RequestID,
			entry.Operation,
			entry.Provider,
			entry.Tool,
			entry.ResourceURI,
			entry.Arguments,
			entry.Decision,
			entry.Rule,
			entry.LatencyMs,
			entry.Error,
		); err != nil {
			e.logger.Error("clickhouse append entry failed",
				zap.String("request_id", entry.RequestID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		e.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(entries)),
			zap.Error(err),
		)
	}
}
