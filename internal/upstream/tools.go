package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/triage-ai/toolgate/internal/protocol"
	"github.com/triage-ai/toolgate/internal/registry"
)

// listToolsID correlates the tools/list request with its result on the
// stream.
const listToolsID = `"cache-init"`

const listToolsTimeout = 30 * time.Second

// listResult is the result shape of a tools/list response.
type listResult struct {
	Tools []registry.ToolInfo `json:"tools"`
}

// ListTools performs a full SSE handshake against the executor, posts
// tools/list, and reads the correlated result off the stream. Implements
// registry.Lister.
func (c *Client) ListTools(ctx context.Context) ([]registry.ToolInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, listToolsTimeout)
	defer cancel()

	stream, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	req := &protocol.Frame{
		JSONRPC: protocol.Version,
		ID:      json.RawMessage(listToolsID),
		Method:  protocol.MethodToolsList,
		Params:  json.RawMessage(`{}`),
	}
	body, err := protocol.Encode(req)
	if err != nil {
		return nil, err
	}
	if err := c.Forward(ctx, stream.Endpoint, body); err != nil {
		return nil, fmt.Errorf("tools/list post: %w", err)
	}

	for {
		select {
		case ev, ok := <-stream.Events:
			if !ok {
				return nil, fmt.Errorf("tools/list: stream closed before result")
			}
			tools, ok := DecodeListResult([]byte(ev.Data), listToolsID)
			if !ok {
				continue
			}
			return tools, nil
		case <-ctx.Done():
			return nil, fmt.Errorf("tools/list: %w", ctx.Err())
		}
	}
}

// DecodeListResult extracts a tools/list result from a raw frame when the
// frame's id matches wantID (empty wantID matches any id). Returns false for
// anything that is not a tools/list result — also used to opportunistically
// populate the registry from results observed on a relay stream.
func DecodeListResult(data []byte, wantID string) ([]registry.ToolInfo, bool) {
	var f protocol.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, false
	}
	if len(f.Result) == 0 {
		return nil, false
	}
	if wantID != "" && protocol.CorrelationKey(f.ID) != wantID {
		return nil, false
	}
	var res listResult
	if err := json.Unmarshal(f.Result, &res); err != nil {
		return nil, false
	}
	if res.Tools == nil {
		return nil, false
	}
	return res.Tools, true
}

var _ registry.Lister = (*Client)(nil)
