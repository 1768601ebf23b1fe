package audit

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/toolgate/internal/metrics"
)

const (
	defaultBufferSize = 10_000
	flushInterval     = 100 * time.Millisecond
	flushBatch        = 1000
	drainTimeout      = 2 * time.Second
)

// Sink persists batches of records.
type Sink interface {
	WriteBatch(ctx context.Context, recs []*Record) error
	Close() error
}

// BufferedEmitter buffers records and batch-writes them to a sink in a
// background goroutine. When the buffer is full the OLDEST record is dropped
// and the drop counter incremented — the proxy is never blocked and a burst
// loses history, not fresh decisions.
type BufferedEmitter struct {
	sink    Sink
	buffer  chan *Record
	done    chan struct{}
	flushed chan struct{}
	dropped atomic.Uint64
	logger  *zap.Logger
}

// NewBufferedEmitter starts the flush loop. size <= 0 uses the default
// buffer capacity.
func NewBufferedEmitter(sink Sink, size int, logger *zap.Logger) *BufferedEmitter {
	if size <= 0 {
		size = defaultBufferSize
	}
	e := &BufferedEmitter{
		sink:    sink,
		buffer:  make(chan *Record, size),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
	go e.flushLoop()
	return e
}

// Emit queues a record without blocking. On a full buffer the oldest queued
// record is evicted to make room.
func (e *BufferedEmitter) Emit(rec *Record) {
	for {
		select {
		case e.buffer <- rec:
			return
		default:
		}
		select {
		case old := <-e.buffer:
			e.dropped.Add(1)
			metrics.AuditDroppedTotal.Inc()
			e.logger.Warn("audit buffer full, dropping oldest record",
				zap.String("request_id", old.RequestID),
			)
		default:
		}
	}
}

// Dropped returns the number of records evicted so far.
func (e *BufferedEmitter) Dropped() uint64 {
	return e.dropped.Load()
}

// Close drains remaining records into the sink, bounded by drainTimeout.
func (e *BufferedEmitter) Close() {
	close(e.done)
	<-e.flushed
	if err := e.sink.Close(); err != nil {
		e.logger.Warn("audit sink close failed", zap.Error(err))
	}
}

func (e *BufferedEmitter) flushLoop() {
	defer close(e.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*Record, 0, flushBatch)

	for {
		select {
		case rec := <-e.buffer:
			batch = append(batch, rec)
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
				case rec := <-e.buffer:
					batch = append(batch, rec)
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

func (e *BufferedEmitter) flush(batch []*Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.sink.WriteBatch(ctx, batch); err != nil {
		e.logger.Error("audit batch write failed",
			zap.Int("batch_size", len(batch)),
			zap.Error(err),
		)
	}
}

var _ Emitter = (*BufferedEmitter)(nil)
