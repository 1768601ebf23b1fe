// Package registry maintains the tool-name→category mapping used to gate
// tool calls, refreshed from the executor's tools/list capability.
//
// The mapping is an immutable snapshot behind an atomically swapped pointer:
// readers never lock and never observe a partially updated mapping. A lookup
// miss is treated as most-restrictive — unknown must never be permissive.
package registry

import (
	"encoding/json"
	"time"

	"github.com/triage-ai/toolgate/internal/policy"
)

// ToolInfo is one entry of the executor's tools/list result.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Annotations struct {
		Tags []string `json:"tags,omitempty"`
	} `json:"annotations,omitempty"`
}

// ToolEntry is the proxy's view of one tool.
type ToolEntry struct {
	Name        string
	Description string
	Category    policy.Category
	// Denied marks tools the executor itself flags as deny-listed.
	Denied      bool
	InputSchema json.RawMessage
}

// Snapshot is one complete, internally consistent tool mapping. It is never
// mutated after construction.
type Snapshot struct {
	tools     map[string]ToolEntry
	FetchedAt time.Time
}

// NewSnapshot builds a snapshot from a tools/list result.
func NewSnapshot(tools []ToolInfo) *Snapshot {
	m := make(map[string]ToolEntry, len(tools))
	for _, t := range tools {
		if t.Name == "" {
			continue
		}
		m[t.Name] = ToolEntry{
			Name:        t.Name,
			Description: t.Description,
			Category:    deriveCategory(t.Annotations.Tags),
			Denied:      hasTag(t.Annotations.Tags, "deny"),
			InputSchema: t.InputSchema,
		}
	}
	return &Snapshot{tools: m, FetchedAt: time.Now()}
}

func emptySnapshot() *Snapshot {
	return &Snapshot{tools: map[string]ToolEntry{}, FetchedAt: time.Time{}}
}

// Lookup returns the entry for a tool name. A miss means the tool is unknown
// to the current snapshot; callers must treat it as CategoryUnknown.
func (s *Snapshot) Lookup(name string) (ToolEntry, bool) {
	e, ok := s.tools[name]
	return e, ok
}

// Len returns the number of tools in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.tools)
}

// Categories returns a copy of the name→category mapping for the read-only
// control surface.
func (s *Snapshot) Categories() map[string]policy.Category {
	out := make(map[string]policy.Category, len(s.tools))
	for name, e := range s.tools {
		out[name] = e.Category
	}
	return out
}

// Tools returns the entries in the snapshot, in map order.
func (s *Snapshot) Tools() []ToolEntry {
	out := make([]ToolEntry, 0, len(s.tools))
	for _, e := range s.tools {
		out = append(out, e)
	}
	return out
}

// deriveCategory maps annotation tags to a risk category. Precedence is
// destructive > write > read; untagged tools are CategoryUnknown and end up
// denied by the default rule set.
func deriveCategory(tags []string) policy.Category {
	switch {
	case hasTag(tags, "destructive"):
		return policy.CategoryDestructive
	case hasTag(tags, "write"):
		return policy.CategoryWrite
	case hasTag(tags, "read"):
		return policy.CategoryRead
	default:
		return policy.CategoryUnknown
	}
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}
