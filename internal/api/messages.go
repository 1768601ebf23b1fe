package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/triage-ai/toolgate/internal/audit"
	"github.com/triage-ai/toolgate/internal/metrics"
	"github.com/triage-ai/toolgate/internal/policy"
	"github.com/triage-ai/toolgate/internal/protocol"
	"github.com/triage-ai/toolgate/internal/session"
	"github.com/triage-ai/toolgate/internal/upstream"
)

// maxFrameBytes bounds a single inbound frame.
const maxFrameBytes = 4 * 1024 * 1024

// handleMessages intercepts the agent's JSON-RPC messages: malformed frames
// are rejected locally and never forwarded, tool calls go through the policy
// gate, everything else is forwarded transparently. Accepted frames answer
// 202; their results arrive on the session's SSE stream.
func (d *Dependencies) handleMessages(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("session_id")
	v, ok := d.relays.Load(sid)
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "unknown session"})
		return
	}
	rl := v.(*relay)
	sess := rl.sess

	body, err := io.ReadAll(io.LimitReader(r.Body, maxFrameBytes))
	if err != nil {
		writeFrame(w, http.StatusBadRequest, protocol.NewParseError())
		return
	}
	sess.Touch()
	sess.Counters.FramesIn.Add(1)

	cls := protocol.Classify(body)
	switch cls.Kind {
	case protocol.KindMalformed:
		d.rejectMalformed(w, sess, cls)

	case protocol.KindNotification, protocol.KindResponse:
		// A tools/call without an id is still a tool invocation: it goes
		// through the full gate, with denials returned in the POST body
		// since there is no response slot to resolve.
		if cls.ToolCall != nil {
			d.gateNotification(w, r, rl, cls.ToolCall, body)
			return
		}
		// Transparent for anything else that expects no correlated response.
		if err := d.Upstream.Forward(r.Context(), rl.Endpoint(), body); err != nil {
			d.Logger.Error("forward failed",
				zap.String("session_id", sess.ID),
				zap.Error(err),
			)
			writeFrame(w, http.StatusBadGateway, protocol.NewUpstreamError(nil, upstreamDetail(err)))
			return
		}
		w.WriteHeader(http.StatusAccepted)

	case protocol.KindRequest:
		key := protocol.CorrelationKey(cls.Frame.ID)
		if err := sess.Admit(key, cls.Frame.ID); err != nil {
			d.rejectAdmission(w, sess, cls, err)
			return
		}
		if cls.ToolCall != nil {
			// Independent decision task, scoped to the session: closing the
			// session cancels it.
			go d.gateToolCall(rl, key, cls.ToolCall, body)
		} else {
			if cls.Frame.Method == protocol.MethodToolsList {
				rl.listIDs.Store(key, struct{}{})
			}
			go d.forwardRequest(rl, key, body)
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// rejectMalformed resolves a protocol error locally. The executor must never
// see malformed input.
func (d *Dependencies) rejectMalformed(w http.ResponseWriter, sess *session.Session, cls protocol.Classification) {
	d.Logger.Warn("malformed frame rejected",
		zap.String("session_id", sess.ID),
		zap.Error(cls.Err),
	)
	if cls.Frame == nil {
		writeFrame(w, http.StatusBadRequest, protocol.NewParseError())
		return
	}
	writeFrame(w, http.StatusBadRequest, protocol.NewInvalidRequest(cls.Frame.ID, cls.Err.Error()))
}

func (d *Dependencies) rejectAdmission(w http.ResponseWriter, sess *session.Session, cls protocol.Classification, err error) {
	switch {
	case errors.Is(err, session.ErrQueueFull):
		d.Logger.Warn("pending queue full, rejecting frame",
			zap.String("session_id", sess.ID),
		)
		writeFrame(w, http.StatusServiceUnavailable,
			protocol.NewUpstreamError(cls.Frame.ID, "Too many pending requests"))
	case errors.Is(err, session.ErrDuplicateID):
		writeFrame(w, http.StatusBadRequest,
			protocol.NewInvalidRequest(cls.Frame.ID, "duplicate request id in flight"))
	default:
		writeFrame(w, http.StatusGone,
			protocol.NewUpstreamError(cls.Frame.ID, "Session closed"))
	}
}

// forwardRequest relays a non-tool-call request; no policy check applies.
// Its response arrives on the SSE stream and resolves the slot there.
func (d *Dependencies) forwardRequest(rl *relay, key string, body []byte) {
	sess := rl.sess
	if err := d.Upstream.Forward(sess.Context(), rl.Endpoint(), body); err != nil {
		d.Logger.Error("forward failed",
			zap.String("session_id", sess.ID),
			zap.Error(err),
		)
		sess.Resolve(key, mustEncode(protocol.NewUpstreamError(rawIDFromKey(key), upstreamDetail(err))))
	}
}

// evaluate runs the decision pipeline for one tool call: registry lookup,
// argument validation, denied flag, policy decision. A non-nil reject frame
// means the call must be refused locally with that frame.
func (d *Dependencies) evaluate(ctx context.Context, call *protocol.ToolCall) (policy.Category, policy.Decision, *protocol.Frame) {
	start := time.Now()

	entry, known := d.Registry.Lookup(call.Tool)
	category := policy.CategoryUnknown
	if known {
		category = entry.Category
	}

	if known {
		if err := entry.ValidateArguments(call.Arguments); err != nil {
			dec := policy.Decision{Reason: policy.ReasonInvalidArguments, EvaluatedAt: time.Now()}
			return category, dec, protocol.NewInvalidParams(call.RawID, err.Error())
		}
	}

	var dec policy.Decision
	if known && entry.Denied {
		dec = policy.Decision{Reason: policy.ReasonToolDenied, EvaluatedAt: time.Now()}
	} else {
		dec = d.Decider.Decide(ctx, call.Tool, category)
	}
	metrics.DecisionDuration.Observe(float64(time.Since(start)) / float64(time.Millisecond))

	if !dec.Allow {
		return category, dec, protocol.NewDenial(call.RawID, call.Tool, string(category), dec.Reason)
	}
	return category, dec, nil
}

// gateToolCall runs the full decision pipeline for one intercepted call with
// an id: forward on allow, otherwise resolve the call's queue slot with the
// synthesized frame. Exactly one audit record and one outbound frame result.
func (d *Dependencies) gateToolCall(rl *relay, key string, call *protocol.ToolCall, body []byte) {
	sess := rl.sess
	ctx := sess.Context()
	start := time.Now()

	category, dec, reject := d.evaluate(ctx, call)
	if reject != nil {
		d.Logger.Warn("tool call denied",
			zap.String("session_id", sess.ID),
			zap.String("tool", call.Tool),
			zap.String("category", string(category)),
			zap.String("reason", dec.Reason),
		)
		sess.Resolve(key, mustEncode(reject))
		d.emitAudit(sess, call, category, false, dec.Reason, start)
		sess.Counters.Denied.Add(1)
		metrics.ToolCallsTotal.WithLabelValues("deny").Inc()
		return
	}

	d.Logger.Info("tool call allowed",
		zap.String("session_id", sess.ID),
		zap.String("tool", call.Tool),
		zap.String("category", string(category)),
	)

	if err := d.Upstream.Forward(ctx, rl.Endpoint(), body); err != nil {
		d.Logger.Error("tool call forward failed",
			zap.String("session_id", sess.ID),
			zap.String("tool", call.Tool),
			zap.Error(err),
		)
		sess.Resolve(key, mustEncode(protocol.NewUpstreamError(call.RawID, upstreamDetail(err))))
		d.emitAudit(sess, call, category, true, dec.Reason, start)
		sess.Counters.Allowed.Add(1)
		metrics.ToolCallsTotal.WithLabelValues("allow").Inc()
		return
	}

	// Forwarded; the executor's response resolves the slot via the stream.
	d.emitAudit(sess, call, category, true, dec.Reason, start)
	sess.Counters.Allowed.Add(1)
	metrics.ToolCallsTotal.WithLabelValues("allow").Inc()
}

// gateNotification gates an id-less tools/call. The pipeline is identical;
// only the refusal path differs: with no queue slot to resolve, the
// synthesized frame travels back as the POST response body.
func (d *Dependencies) gateNotification(w http.ResponseWriter, r *http.Request, rl *relay, call *protocol.ToolCall, body []byte) {
	sess := rl.sess
	start := time.Now()

	category, dec, reject := d.evaluate(r.Context(), call)
	if reject != nil {
		d.Logger.Warn("tool call denied",
			zap.String("session_id", sess.ID),
			zap.String("tool", call.Tool),
			zap.String("category", string(category)),
			zap.String("reason", dec.Reason),
		)
		status := http.StatusForbidden
		if dec.Reason == policy.ReasonInvalidArguments {
			status = http.StatusBadRequest
		}
		writeFrame(w, status, reject)
		d.emitAudit(sess, call, category, false, dec.Reason, start)
		sess.Counters.Denied.Add(1)
		metrics.ToolCallsTotal.WithLabelValues("deny").Inc()
		return
	}

	d.Logger.Info("tool call allowed",
		zap.String("session_id", sess.ID),
		zap.String("tool", call.Tool),
		zap.String("category", string(category)),
	)

	if err := d.Upstream.Forward(r.Context(), rl.Endpoint(), body); err != nil {
		d.Logger.Error("tool call forward failed",
			zap.String("session_id", sess.ID),
			zap.String("tool", call.Tool),
			zap.Error(err),
		)
		writeFrame(w, http.StatusBadGateway, protocol.NewUpstreamError(nil, upstreamDetail(err)))
		d.emitAudit(sess, call, category, true, dec.Reason, start)
		sess.Counters.Allowed.Add(1)
		metrics.ToolCallsTotal.WithLabelValues("allow").Inc()
		return
	}

	d.emitAudit(sess, call, category, true, dec.Reason, start)
	sess.Counters.Allowed.Add(1)
	metrics.ToolCallsTotal.WithLabelValues("allow").Inc()
	w.WriteHeader(http.StatusAccepted)
}

func (d *Dependencies) emitAudit(sess *session.Session, call *protocol.ToolCall, category policy.Category, allowed bool, reason string, start time.Time) {
	d.Audit.Emit(&audit.Record{
		RequestID: uuid.New().String(),
		SessionID: sess.ID,
		Timestamp: time.Now(),
		Tool:      call.Tool,
		Category:  string(category),
		Allowed:   allowed,
		Reason:    reason,
		LatencyMs: float32(float64(time.Since(start)) / float64(time.Millisecond)),
	})
}

func upstreamDetail(err error) string {
	if errors.Is(err, upstream.ErrTimeout) {
		return "Tool executor timeout"
	}
	return "Tool executor unreachable"
}

// writeFrame writes a JSON-RPC frame as an HTTP response body, used only for
// locally rejected frames that never enter the session's delivery queue.
func writeFrame(w http.ResponseWriter, status int, f *protocol.Frame) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(mustEncode(f)) //nolint:errcheck
}

// rawIDFromKey recovers the raw id bytes from a correlation key. Keys are
// the raw JSON text of the id, so this is the identity transform.
func rawIDFromKey(key string) []byte {
	return []byte(key)
}
