package audit

import "go.uber.org/zap"

// LogEmitter is the fallback Emitter for local development: each record
// becomes one structured log line.
type LogEmitter struct {
	logger *zap.Logger
}

// NewLogEmitter creates a LogEmitter writing to the given logger.
func NewLogEmitter(logger *zap.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

func (e *LogEmitter) Emit(rec *Record) {
	e.logger.Info("tool_call_audit",
		zap.String("request_id", rec.RequestID),
		zap.String("session_id", rec.SessionID),
		zap.String("tool", rec.Tool),
		zap.String("category", rec.Category),
		zap.Bool("allowed", rec.Allowed),
		zap.String("reason", rec.Reason),
		zap.Float32("latency_ms", rec.LatencyMs),
	)
}

func (e *LogEmitter) Close() {}

var _ Emitter = (*LogEmitter)(nil)
