package protocol

import (
	"encoding/json"
	"fmt"
)

// Synthesized error responses. Each carries the original request's id so the
// agent correlates it like any executor response; only the message content
// reveals that the proxy, not the executor, produced it.

// NewDenial builds the error response for a policy-denied tool call.
func NewDenial(id json.RawMessage, tool, category, reason string) *Frame {
	return errFrame(id, CodePolicyDenied,
		fmt.Sprintf("Policy denied: tool '%s' (category=%s) is not allowed: %s", tool, category, reason))
}

// NewUpstreamError builds the error response emitted when the executor is
// unreachable or timed out.
func NewUpstreamError(id json.RawMessage, detail string) *Frame {
	return errFrame(id, CodeUpstreamError, detail)
}

// NewParseError builds the response for a frame that could not be parsed.
// Parse errors have no usable id, so the id member is null.
func NewParseError() *Frame {
	return errFrame(nil, CodeParseError, "Parse error")
}

// NewInvalidRequest builds the response for a structurally invalid frame.
func NewInvalidRequest(id json.RawMessage, detail string) *Frame {
	return errFrame(id, CodeInvalidRequest, detail)
}

// NewInvalidParams builds the response for a tools/call whose arguments fail
// the tool's input schema.
func NewInvalidParams(id json.RawMessage, detail string) *Frame {
	return errFrame(id, CodeInvalidParams, detail)
}

func errFrame(id json.RawMessage, code int, message string) *Frame {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &Frame{
		JSONRPC: Version,
		ID:      id,
		Error: &ErrorObject{
			Code:    code,
			Message: message,
		},
	}
}
