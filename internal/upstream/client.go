// Package upstream is the proxy's client side: the persistent SSE connection
// to the tool executor and the session-bound message endpoint it exposes.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/triage-ai/toolgate/internal/metrics"
)

// Forwarding failure modes, surfaced to the agent as protocol-level errors.
var (
	ErrTimeout     = errors.New("upstream: request timed out")
	ErrUnreachable = errors.New("upstream: executor unreachable")
	ErrNoEndpoint  = errors.New("upstream: no message endpoint received")
)

const (
	connectTimeout = 30 * time.Second
	forwardTimeout = 30 * time.Second
)

// Event is one server-sent event from the executor's stream.
type Event struct {
	Name string
	Data string
}

// Client talks to one executor.
type Client struct {
	baseURL   string
	streaming *http.Client // no timeout: holds the SSE stream open
	posting   *http.Client
	logger    *zap.Logger
}

// NewClient creates a client for the executor at baseURL.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		streaming: &http.Client{},
		posting:   &http.Client{Timeout: forwardTimeout},
		logger:    logger,
	}
}

// BaseURL returns the executor root URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Stream is one live SSE connection. Events arrive on Events until the
// stream breaks or ctx is cancelled, after which the channel is closed.
type Stream struct {
	// Endpoint is the absolute session-bound message URL announced by the
	// executor in its first event.
	Endpoint string
	Events   <-chan Event
	cancel   context.CancelFunc
}

// Close tears the stream down.
func (s *Stream) Close() {
	s.cancel()
}

// Connect opens the executor's SSE stream and waits for the endpoint event.
// The MCP SSE transport announces a session-bound message URL as its first
// event; JSON-RPC results then arrive on this stream, not as POST bodies.
func (c *Client) Connect(ctx context.Context) (*Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.baseURL+"/sse", nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streaming.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close() //nolint:errcheck
		cancel()
		return nil, fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		defer resp.Body.Close() //nolint:errcheck
		scanEvents(streamCtx, resp.Body, events)
	}()

	endpoint, err := c.awaitEndpoint(streamCtx, events)
	if err != nil {
		cancel()
		return nil, err
	}

	return &Stream{Endpoint: endpoint, Events: events, cancel: cancel}, nil
}

// awaitEndpoint reads events until the executor announces its message
// endpoint, bounded by connectTimeout.
func (c *Client) awaitEndpoint(ctx context.Context, events <-chan Event) (string, error) {
	timer := time.NewTimer(connectTimeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return "", ErrNoEndpoint
			}
			if ev.Name == "endpoint" || strings.Contains(ev.Data, "/messages/") {
				return c.resolveEndpoint(ev.Data)
			}
		case <-timer.C:
			return "", fmt.Errorf("%w: endpoint event not received within %s", ErrNoEndpoint, connectTimeout)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// resolveEndpoint turns the announced (possibly relative) endpoint into an
// absolute URL against the executor base.
func (c *Client) resolveEndpoint(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("upstream: bad endpoint %q: %w", raw, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// ConnectWithBackoff retries Connect with exponential backoff until it
// succeeds or ctx is cancelled. Used after an executor disconnect while the
// session is degraded.
func (c *Client) ConnectWithBackoff(ctx context.Context) (*Stream, error) {
	var stream *Stream
	op := func() error {
		metrics.UpstreamReconnectsTotal.Inc()
		s, err := c.Connect(ctx)
		if err != nil {
			return err
		}
		stream = s
		return nil
	}
	notify := func(err error, next time.Duration) {
		c.logger.Warn("executor reconnect failed",
			zap.Error(err),
			zap.Duration("retry_in", next),
		)
	}
	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	return stream, nil
}

// Forward posts one JSON-RPC frame to the session's message endpoint.
// Timeout and unreachability are distinguished so the synthesized error can
// say which one happened.
func (c *Client) Forward(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.posting.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &uerr) && uerr.Timeout()) {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	}
	return nil
}

// scanEvents parses the SSE wire format: "event:"/"data:" lines terminated
// by a blank line. Multi-line data is joined with newlines.
func scanEvents(ctx context.Context, r io.Reader, out chan<- Event) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	name := ""
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case line == "" && len(data) > 0:
			ev := Event{Name: name, Data: strings.Join(data, "\n")}
			name = ""
			data = nil
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}
