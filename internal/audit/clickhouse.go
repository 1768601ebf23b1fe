package audit

import (
	"context"
	"crypto/tls"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// ClickHouseSink batch-inserts audit records into the tool_call_audit table.
type ClickHouseSink struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewClickHouseSink opens and pings a ClickHouse connection.
func NewClickHouseSink(dsn string, logger *zap.Logger) (*ClickHouseSink, error) {
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

	return &ClickHouseSink{conn: conn, logger: logger}, nil
}

// WriteBatch implements Sink.
func (s *ClickHouseSink) WriteBatch(ctx context.Context, recs []*Record) error {
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO tool_call_audit (
			request_id, session_id, timestamp, tool_name, category,
			allowed, reason, latency_ms
		)
	`)
	if err != nil {
		return err
	}

	for _, r := range recs {
		var allowedUint8 uint8
		if r.Allowed {
			allowedUint8 = 1
		}
		if err := batch.Append(
			r.RequestID,
			r.SessionID,
			r.Timestamp,
			r.Tool,
			r.Category,
			allowedUint8,
			r.Reason,
			r.LatencyMs,
		); err != nil {
			s.logger.Error("clickhouse append audit record failed",
				zap.String("request_id", r.RequestID),
				zap.Error(err),
			)
		}
	}

	return batch.Send()
}

// Close implements Sink.
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}

// NewClickHouseEmitter is the production wiring: a BufferedEmitter in front
// of a ClickHouseSink.
func NewClickHouseEmitter(dsn string, logger *zap.Logger) (*BufferedEmitter, error) {
	sink, err := NewClickHouseSink(dsn, logger)
	if err != nil {
		return nil, err
	}
	return NewBufferedEmitter(sink, defaultBufferSize, logger), nil
}
