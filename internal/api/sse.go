package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/triage-ai/toolgate/internal/protocol"
	"github.com/triage-ai/toolgate/internal/session"
	"github.com/triage-ai/toolgate/internal/upstream"
)

// handleSSE opens one agent session: it dials the executor's SSE stream,
// announces a rewritten message endpoint pointing back at the proxy, and
// relays executor events to the agent for the session's lifetime.
func (d *Dependencies) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "streaming unsupported"})
		return
	}

	// The session outlives this request only in the sense that teardown is
	// explicit: agent disconnect closes it below.
	sess := d.Sessions.Open(r.Context())
	defer d.relays.Delete(sess.ID)
	defer d.Sessions.Close(sess.ID, "agent disconnected")

	stream, err := d.Upstream.Connect(sess.Context())
	if err != nil {
		d.Logger.Error("executor connect failed",
			zap.String("session_id", sess.ID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusBadGateway, ErrorResp{Detail: "tool executor unreachable"})
		return
	}

	rl := &relay{sess: sess}
	rl.endpoint.Store(stream.Endpoint)
	d.relays.Store(sess.ID, rl)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Rewrite the message endpoint so the agent routes through the proxy
	// instead of hitting the executor directly.
	fmt.Fprintf(w, "event: endpoint\ndata: /messages/?session_id=%s\n\n", sess.ID) //nolint:errcheck
	flusher.Flush()

	go d.pumpUpstream(rl, stream)

	for {
		select {
		case frame := <-sess.Out():
			if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", frame); err != nil {
				return
			}
			flusher.Flush()
		case <-sess.Done():
			return
		case <-r.Context().Done():
			return
		}
	}
}

// pumpUpstream reads executor events for one session and routes them into
// the session's ordered delivery path. When the executor stream breaks the
// session degrades — outstanding requests get synthesized errors — and
// reconnection runs with exponential backoff until it succeeds or the
// session goes away.
func (d *Dependencies) pumpUpstream(rl *relay, stream *upstream.Stream) {
	sess := rl.sess
	for {
		for ev := range stream.Events {
			d.routeUpstreamEvent(rl, ev)
		}
		stream.Close()

		if sess.State() == session.StateClosed {
			return
		}

		d.Logger.Warn("executor stream lost, degrading session",
			zap.String("session_id", sess.ID),
			zap.Int("outstanding", sess.PendingLen()),
		)
		sess.Degrade(func(rawID json.RawMessage) []byte {
			return mustEncode(protocol.NewUpstreamError(rawID, "Tool executor disconnected"))
		})

		next, err := d.Upstream.ConnectWithBackoff(sess.Context())
		if err != nil {
			// Session context cancelled — teardown wins over reconnect.
			return
		}
		rl.endpoint.Store(next.Endpoint)
		sess.Recover()
		d.Logger.Info("executor stream re-established",
			zap.String("session_id", sess.ID),
		)
		stream = next
	}
}

// routeUpstreamEvent correlates one executor event: responses matching a
// pending request resolve their slot (delivery stays in admission order);
// everything else passes straight through. Responses correlated with a
// forwarded tools/list request opportunistically refresh the registry; a
// tool result that happens to carry a "tools" array does not.
func (d *Dependencies) routeUpstreamEvent(rl *relay, ev upstream.Event) {
	if ev.Name == "endpoint" {
		return
	}
	sess := rl.sess
	data := []byte(ev.Data)

	var f protocol.Frame
	if err := json.Unmarshal(data, &f); err == nil && f.HasID() {
		key := protocol.CorrelationKey(f.ID)
		if _, isList := rl.listIDs.LoadAndDelete(key); isList {
			if tools, ok := upstream.DecodeListResult(data, ""); ok {
				d.Registry.Populate(tools)
			}
		}
		if sess.Resolve(key, data) {
			return
		}
	}
	sess.Passthrough(data)
}

func mustEncode(f *protocol.Frame) []byte {
	b, err := protocol.Encode(f)
	if err != nil {
		// A frame the proxy itself built always marshals.
		panic(err)
	}
	return b
}
