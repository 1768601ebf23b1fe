// Package protocol implements JSON-RPC 2.0 framing for the MCP transport.
//
// The proxy treats frames as opaque except for the fields it needs: the
// correlation id, the method, and — for tools/call requests — the tool name
// and arguments. Classification of a single frame is pure: identical bytes
// always yield identical results.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the only JSON-RPC version the proxy accepts.
const Version = "2.0"

// MCP methods the proxy cares about. All other methods are forwarded
// untouched.
const (
	MethodToolsCall = "tools/call"
	MethodToolsList = "tools/list"
)

// JSON-RPC 2.0 error codes, plus the implementation-defined codes the
// executor uses for its own failures. Synthesized frames reuse the executor's
// codes so a denial is indistinguishable in shape from an executor error.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeUpstreamError  = -32000
	CodePolicyDenied   = -32001
)

// Common classification errors.
var (
	ErrInvalidJSON    = errors.New("protocol: invalid JSON")
	ErrInvalidVersion = errors.New("protocol: jsonrpc version must be 2.0")
	ErrMissingMethod  = errors.New("protocol: missing method field")
)

// Frame is a JSON-RPC 2.0 message. The ID is kept as raw bytes so a response
// echoes the request id byte-for-byte regardless of its JSON type.
type Frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is a JSON-RPC 2.0 error member.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *ErrorObject) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Kind discriminates the role of a frame within the protocol.
type Kind int

const (
	// KindMalformed marks a frame that must be rejected locally and never
	// forwarded to the executor.
	KindMalformed Kind = iota
	// KindRequest expects exactly one correlated response.
	KindRequest
	// KindNotification is fire-and-forget.
	KindNotification
	// KindResponse answers a previous request.
	KindResponse
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "malformed"
	}
}

// ToolCall holds the fields extracted from a tools/call request.
type ToolCall struct {
	CorrelationID string
	RawID         json.RawMessage
	Tool          string
	Arguments     json.RawMessage
}

// Classification is the result of inspecting one inbound frame.
type Classification struct {
	Kind  Kind
	Frame *Frame
	// ToolCall is non-nil for every tools/call frame, with or without an id.
	// A tools/call notification is still a tool invocation and must be gated.
	ToolCall *ToolCall
	// Err explains why the frame is malformed.
	Err error
}

// HasID reports whether the frame carries a usable correlation id.
func (f *Frame) HasID() bool {
	return len(f.ID) > 0 && !bytes.Equal(f.ID, []byte("null"))
}

// Kind returns the role of the frame based on which members are present.
func (f *Frame) Kind() Kind {
	switch {
	case len(f.Result) > 0 || f.Error != nil:
		return KindResponse
	case f.Method != "" && f.HasID():
		return KindRequest
	case f.Method != "":
		return KindNotification
	default:
		return KindMalformed
	}
}

// CorrelationKey converts a raw id into a map key. Ids are unique within a
// session, so the raw JSON text is key enough.
func CorrelationKey(id json.RawMessage) string {
	return string(id)
}

// callParams is the params shape of a tools/call request.
type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Classify parses an inbound frame and determines how the proxy must treat
// it. Malformed input (bad JSON, wrong version, missing method) yields
// KindMalformed with Err set; such frames are rejected locally.
func Classify(data []byte) Classification {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Classification{Kind: KindMalformed, Err: fmt.Errorf("%w: %v", ErrInvalidJSON, err)}
	}
	if f.JSONRPC != Version {
		return Classification{Kind: KindMalformed, Frame: &f, Err: ErrInvalidVersion}
	}

	kind := f.Kind()
	if kind == KindMalformed {
		return Classification{Kind: KindMalformed, Frame: &f, Err: ErrMissingMethod}
	}

	c := Classification{Kind: kind, Frame: &f}
	if f.Method == MethodToolsCall {
		var params callParams
		if err := json.Unmarshal(f.Params, &params); err != nil {
			return Classification{Kind: KindMalformed, Frame: &f,
				Err: fmt.Errorf("%w: tools/call params: %v", ErrInvalidJSON, err)}
		}
		if params.Name == "" {
			return Classification{Kind: KindMalformed, Frame: &f,
				Err: errors.New("protocol: tools/call missing tool name")}
		}
		c.ToolCall = &ToolCall{
			CorrelationID: CorrelationKey(f.ID),
			RawID:         f.ID,
			Tool:          params.Name,
			Arguments:     params.Arguments,
		}
	}
	return c
}

// Encode serializes a frame for the wire.
func Encode(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}
