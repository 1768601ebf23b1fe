// Package audit records one decision record per intercepted tool call,
// asynchronously and off the request/response critical path.
package audit

import "time"

// Record is one append-only audit entry. Exactly one is produced per
// classified tool call, whatever the outcome.
type Record struct {
	RequestID string
	SessionID string
	Timestamp time.Time
	Tool      string
	Category  string
	Allowed   bool
	Reason    string
	LatencyMs float32
}

// Emitter accepts audit records. Emit must NEVER block the caller.
type Emitter interface {
	Emit(rec *Record)
	Close()
}
