// Package policy produces one allow/deny decision per intercepted tool call.
//
// The decision contract mirrors the externally configured rule shape: an
// explicit deny set overrides everything, then category membership in the
// allowed set decides, and anything else — destructive or unknown — is denied
// by default. On uncertainty (engine timeout, transport failure) the decision
// is fail-closed.
package policy

import (
	"context"
	"time"
)

// Category is the risk tier assigned to a tool by the registry.
type Category string

const (
	CategoryRead        Category = "read"
	CategoryWrite       Category = "write"
	CategoryDestructive Category = "destructive"
	CategoryUnknown     Category = "unknown"
)

// Decision reason strings. Timeout and unavailability reasons are distinct
// from genuine denials so audit consumers can tell them apart.
const (
	ReasonAllowed           = "allowed"
	ReasonCategoryDenied    = "category denied"
	ReasonToolDenied        = "tool explicitly denied"
	ReasonInvalidArguments  = "invalid arguments"
	ReasonEngineDenied      = "denied by policy engine"
	ReasonEngineTimeout     = "policy engine timeout"
	ReasonEngineUnavailable = "policy engine unavailable"
	ReasonCancelled         = "decision cancelled"
)

// Decision is the outcome of evaluating one tool call.
type Decision struct {
	Allow       bool
	Reason      string
	EvaluatedAt time.Time
}

// Decider makes a synchronous authorization decision for a tool call.
// Implementations must respect ctx cancellation and must never block
// indefinitely.
type Decider interface {
	Decide(ctx context.Context, tool string, category Category) Decision
}

func allow(reason string) Decision {
	return Decision{Allow: true, Reason: reason, EvaluatedAt: time.Now()}
}

func deny(reason string) Decision {
	return Decision{Allow: false, Reason: reason, EvaluatedAt: time.Now()}
}
