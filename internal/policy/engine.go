package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultEngineTimeout = 5 * time.Second

// EngineDecider queries an external policy decision point over HTTP.
// The request carries {tool, category}; the engine answers with a bare
// allow/deny. Timeouts and transport failures are fail-closed denials with
// reasons distinct from a genuine policy denial.
type EngineDecider struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	logger  *zap.Logger
}

// EngineConfig configures an EngineDecider.
type EngineConfig struct {
	// BaseURL is the engine root, e.g. "http://opa:8181".
	BaseURL string
	// Timeout bounds a single decision call. Default: 5s.
	Timeout time.Duration
	Logger  *zap.Logger
}

// NewEngineDecider creates a decider backed by an external policy engine.
func NewEngineDecider(cfg EngineConfig) *EngineDecider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultEngineTimeout
	}
	return &EngineDecider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{},
		timeout: timeout,
		logger:  cfg.Logger,
	}
}

type engineInput struct {
	Tool     string   `json:"tool"`
	Category Category `json:"category"`
}

type engineRequest struct {
	Input engineInput `json:"input"`
}

type engineResponse struct {
	Result bool `json:"result"`
}

// Decide implements Decider. The decision endpoint follows the OPA data API
// shape: POST {base}/v1/data/tool_access/allow.
func (d *EngineDecider) Decide(ctx context.Context, tool string, category Category) Decision {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	body, err := json.Marshal(engineRequest{Input: engineInput{Tool: tool, Category: category}})
	if err != nil {
		return deny(ReasonEngineUnavailable)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		d.baseURL+"/v1/data/tool_access/allow", bytes.NewReader(body))
	if err != nil {
		return deny(ReasonEngineUnavailable)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			d.logger.Warn("policy engine timeout",
				zap.String("tool", tool),
				zap.Duration("timeout", d.timeout),
			)
			return deny(ReasonEngineTimeout)
		}
		d.logger.Warn("policy engine unreachable",
			zap.String("tool", tool),
			zap.Error(err),
		)
		return deny(ReasonEngineUnavailable)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		d.logger.Warn("policy engine bad status",
			zap.String("tool", tool),
			zap.Int("status", resp.StatusCode),
		)
		return deny(ReasonEngineUnavailable)
	}

	var out engineResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		d.logger.Warn("policy engine bad response", zap.Error(err))
		return deny(ReasonEngineUnavailable)
	}

	if !out.Result {
		return deny(ReasonEngineDenied)
	}
	return allow(ReasonAllowed)
}

var _ Decider = (*EngineDecider)(nil)
