// Package api exposes the proxy's HTTP surface: the agent-facing MCP SSE
// transport (/sse, /messages/) and the read-only control endpoints.
package api

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/triage-ai/toolgate/internal/audit"
	"github.com/triage-ai/toolgate/internal/auth"
	"github.com/triage-ai/toolgate/internal/policy"
	"github.com/triage-ai/toolgate/internal/registry"
	"github.com/triage-ai/toolgate/internal/session"
	"github.com/triage-ai/toolgate/internal/upstream"
)

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Sessions *session.Manager
	Registry *registry.Cache
	Decider  policy.Decider
	Audit    audit.Emitter
	Upstream *upstream.Client
	// Auth guards the control endpoints; nil leaves them open.
	Auth   auth.Authenticator
	Logger *zap.Logger

	relays sync.Map // session id → *relay
}

// relay ties a session to its current executor stream. The endpoint is
// replaced after a reconnect, so forwarders read it atomically.
type relay struct {
	sess     *session.Session
	endpoint atomic.Value // string
	// listIDs holds the correlation ids of forwarded tools/list requests.
	// Only responses to these may repopulate the registry; an arbitrary tool
	// result carrying a "tools" array must not rewrite the category map.
	listIDs sync.Map
}

func (rl *relay) Endpoint() string {
	v, _ := rl.endpoint.Load().(string)
	return v
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	// MCP transport (agent-facing)
	mux.HandleFunc("GET /sse", deps.handleSSE)
	mux.HandleFunc("POST /messages/", deps.handleMessages)

	// Control surface (read-only)
	mux.HandleFunc("GET /api/tools", deps.authMiddleware(deps.handleTools))
	mux.HandleFunc("GET /api/sessions", deps.authMiddleware(deps.handleSessions))

	// Health & metrics
	mux.HandleFunc("GET /healthz", deps.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	return corsMiddleware(requestLogging(mux, deps.Logger))
}
