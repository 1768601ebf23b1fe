package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/toolgate/internal/audit"
	"github.com/triage-ai/toolgate/internal/auth"
	"github.com/triage-ai/toolgate/internal/policy"
	"github.com/triage-ai/toolgate/internal/registry"
	"github.com/triage-ai/toolgate/internal/session"
	"github.com/triage-ai/toolgate/internal/upstream"
)

// memoryEmitter captures audit records for assertions.
type memoryEmitter struct {
	mu   sync.Mutex
	recs []*audit.Record
}

func (e *memoryEmitter) Emit(rec *audit.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recs = append(e.recs, rec)
}

func (e *memoryEmitter) Close() {}

func (e *memoryEmitter) records() []*audit.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*audit.Record, len(e.recs))
	copy(out, e.recs)
	return out
}

func (e *memoryEmitter) waitFor(t *testing.T, n int) []*audit.Record {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if recs := e.records(); len(recs) >= n {
			return recs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d audit records, have %d", n, len(e.records()))
	return nil
}

// fakeExecutor is a canned MCP SSE server. Tool calls it receives are
// recorded; responses are echoed back on the stream with a per-tool delay so
// tests can force out-of-order completion. A negative delay means the tool
// never responds, and the live SSE stream can be killed to simulate an
// executor crash.
type fakeExecutor struct {
	srv        *httptest.Server
	mu         sync.Mutex
	calls      []string
	delays     map[string]time.Duration
	results    map[string]string
	listResult string
	kill       chan struct{}
}

func newFakeExecutor(t *testing.T) *fakeExecutor {
	t.Helper()
	f := &fakeExecutor{
		delays:  map[string]time.Duration{},
		results: map[string]string{},
	}

	mux := http.NewServeMux()
	frames := make(chan string, 64)
	mux.HandleFunc("GET /sse", func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: endpoint\ndata: /messages/?session_id=exec\n\n") //nolint:errcheck
		fl.Flush()
		kill := make(chan struct{})
		f.mu.Lock()
		f.kill = kill
		f.mu.Unlock()
		for {
			select {
			case data := <-frames:
				fmt.Fprintf(w, "event: message\ndata: %s\n\n", data) //nolint:errcheck
				fl.Flush()
			case <-kill:
				return
			case <-r.Context().Done():
				return
			}
		}
	})
	mux.HandleFunc("POST /messages/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var frame struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params struct {
				Name string `json:"name"`
			} `json:"params"`
		}
		switch {
		case json.Unmarshal(body, &frame) == nil && frame.Method == "tools/call":
			f.mu.Lock()
			f.calls = append(f.calls, frame.Params.Name)
			delay := f.delays[frame.Params.Name]
			result, hasResult := f.results[frame.Params.Name]
			f.mu.Unlock()
			if delay >= 0 && len(frame.ID) > 0 {
				if !hasResult {
					result = fmt.Sprintf(`{"tool":"%s"}`, frame.Params.Name)
				}
				go func() {
					time.Sleep(delay)
					frames <- fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":%s}`,
						frame.ID, result)
				}()
			}
		case frame.Method == "tools/list":
			f.mu.Lock()
			list := f.listResult
			f.mu.Unlock()
			if list == "" {
				list = `{"tools":[]}`
			}
			frames <- fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":%s}`, frame.ID, list)
		}
		w.WriteHeader(http.StatusAccepted)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeExecutor) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeExecutor) setDelay(tool string, d time.Duration) {
	f.mu.Lock()
	f.delays[tool] = d
	f.mu.Unlock()
}

func (f *fakeExecutor) setResult(tool, result string) {
	f.mu.Lock()
	f.results[tool] = result
	f.mu.Unlock()
}

func (f *fakeExecutor) setListResult(result string) {
	f.mu.Lock()
	f.listResult = result
	f.mu.Unlock()
}

// dropStream terminates the current SSE connection, simulating an executor
// crash. The server itself keeps serving so reconnection can succeed.
func (f *fakeExecutor) dropStream() {
	f.mu.Lock()
	if f.kill != nil {
		close(f.kill)
		f.kill = nil
	}
	f.mu.Unlock()
}

// waitForCall blocks until the executor has seen the named tool.
func (f *fakeExecutor) waitForCall(t *testing.T, tool string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, c := range f.received() {
			if c == tool {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("executor never received %s, calls: %v", tool, f.received())
}

// proxyFixture wires a full proxy in front of a fake executor.
type proxyFixture struct {
	srv      *httptest.Server
	executor *fakeExecutor
	emitter  *memoryEmitter
}

func newProxy(t *testing.T) *proxyFixture {
	t.Helper()
	exec := newFakeExecutor(t)
	logger := zap.NewNop()

	client := upstream.NewClient(exec.srv.URL, logger)
	cache := registry.NewCache(client, time.Minute, logger)
	cache.Populate(testTools())

	emitter := &memoryEmitter{}
	manager := session.NewManager(time.Minute, 16, logger)
	t.Cleanup(func() { manager.CloseAll("test teardown") })

	handler := NewRouter(&Dependencies{
		Sessions: manager,
		Registry: cache,
		Decider:  policy.NewRuleDecider(policy.DefaultRules()),
		Audit:    emitter,
		Upstream: client,
		Logger:   logger,
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &proxyFixture{srv: srv, executor: exec, emitter: emitter}
}

func testTools() []registry.ToolInfo {
	mk := func(name string, schema string, tags ...string) registry.ToolInfo {
		ti := registry.ToolInfo{Name: name}
		ti.Annotations.Tags = tags
		if schema != "" {
			ti.InputSchema = json.RawMessage(schema)
		}
		return ti
	}
	return []registry.ToolInfo{
		mk("read_file", `{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`, "read"),
		mk("slow_read", "", "read"),
		mk("write_file", "", "write"),
		mk("rm_rf", "", "destructive"),
	}
}

// sseAgent is the agent side of one proxy session.
type sseAgent struct {
	base     string
	endpoint string
	events   chan string
	resp     *http.Response
}

func connectAgent(t *testing.T, base string) *sseAgent {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, base+"/sse", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := (&http.Client{}).Do(req) //nolint:bodyclose // closed in cleanup
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on /sse, got %d", resp.StatusCode)
	}
	t.Cleanup(func() { resp.Body.Close() }) //nolint:errcheck

	a := &sseAgent{base: base, events: make(chan string, 64), resp: resp}

	endpointCh := make(chan string, 1)
	go func() {
		defer close(a.events)
		scanner := bufio.NewScanner(resp.Body)
		name, data := "", ""
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event:"):
				name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			case line == "" && data != "":
				if name == "endpoint" {
					endpointCh <- data
				} else {
					a.events <- data
				}
				name, data = "", ""
			}
		}
	}()

	select {
	case a.endpoint = <-endpointCh:
	case <-time.After(2 * time.Second):
		t.Fatal("no endpoint event from proxy")
	}
	return a
}

func (a *sseAgent) post(t *testing.T, frame string) *http.Response {
	t.Helper()
	resp, err := http.Post(a.base+a.endpoint, "application/json", bytes.NewReader([]byte(frame)))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() }) //nolint:errcheck
	return resp
}

func (a *sseAgent) recv(t *testing.T) string {
	t.Helper()
	select {
	case data, ok := <-a.events:
		if !ok {
			t.Fatal("agent stream closed")
		}
		return data
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for SSE message")
		return ""
	}
}

func callFrame(id int, tool, args string) string {
	if args == "" {
		args = "{}"
	}
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":{"name":"%s","arguments":%s}}`,
		id, tool, args)
}

func TestProxy_AllowedCallRoundTrip(t *testing.T) {
	p := newProxy(t)
	agent := connectAgent(t, p.srv.URL)

	resp := agent.post(t, callFrame(1, "read_file", `{"path":"/tmp/x"}`))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	got := agent.recv(t)
	if !strings.Contains(got, `"id":1`) || !strings.Contains(got, `"result"`) {
		t.Fatalf("expected executor result, got %s", got)
	}

	if calls := p.executor.received(); len(calls) != 1 || calls[0] != "read_file" {
		t.Fatalf("expected executor to see read_file, got %v", calls)
	}

	recs := p.emitter.waitFor(t, 1)
	if !recs[0].Allowed || recs[0].Tool != "read_file" || recs[0].Category != "read" {
		t.Fatalf("unexpected audit record: %+v", recs[0])
	}
}

func TestProxy_DestructiveCallDenied(t *testing.T) {
	p := newProxy(t)
	agent := connectAgent(t, p.srv.URL)

	agent.post(t, callFrame(2, "rm_rf", ""))

	got := agent.recv(t)
	if !strings.Contains(got, `"code":-32001`) {
		t.Fatalf("expected policy denial code, got %s", got)
	}
	want := "Policy denied: tool 'rm_rf' (category=destructive) is not allowed: category denied"
	if !strings.Contains(got, want) {
		t.Fatalf("expected denial message, got %s", got)
	}
	if !strings.Contains(got, `"id":2`) {
		t.Fatalf("expected original id echoed, got %s", got)
	}

	if calls := p.executor.received(); len(calls) != 0 {
		t.Fatalf("denied call must never reach the executor, got %v", calls)
	}

	recs := p.emitter.waitFor(t, 1)
	if recs[0].Allowed || recs[0].Reason != policy.ReasonCategoryDenied {
		t.Fatalf("unexpected audit record: %+v", recs[0])
	}
}

func TestProxy_UnknownToolDenied(t *testing.T) {
	p := newProxy(t)
	agent := connectAgent(t, p.srv.URL)

	agent.post(t, callFrame(3, "never_listed", ""))

	got := agent.recv(t)
	if !strings.Contains(got, `"code":-32001`) || !strings.Contains(got, "category=unknown") {
		t.Fatalf("expected unknown-category denial, got %s", got)
	}
	if calls := p.executor.received(); len(calls) != 0 {
		t.Fatalf("unknown tool must never reach the executor, got %v", calls)
	}
}

func TestProxy_InvalidArgumentsRejected(t *testing.T) {
	p := newProxy(t)
	agent := connectAgent(t, p.srv.URL)

	// read_file requires a string path.
	agent.post(t, callFrame(4, "read_file", `{"path":42}`))

	got := agent.recv(t)
	if !strings.Contains(got, `"code":-32602`) {
		t.Fatalf("expected invalid params code, got %s", got)
	}
	if calls := p.executor.received(); len(calls) != 0 {
		t.Fatalf("invalid arguments must never reach the executor, got %v", calls)
	}

	recs := p.emitter.waitFor(t, 1)
	if recs[0].Allowed || recs[0].Reason != policy.ReasonInvalidArguments {
		t.Fatalf("unexpected audit record: %+v", recs[0])
	}
}

func TestProxy_MalformedFrameRejectedLocally(t *testing.T) {
	p := newProxy(t)
	agent := connectAgent(t, p.srv.URL)

	resp := agent.post(t, `{"jsonrpc":"2.0",`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"code":-32700`) {
		t.Fatalf("expected parse error body, got %s", body)
	}

	resp = agent.post(t, `{"jsonrpc":"1.0","id":1,"method":"m"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for wrong version, got %d", resp.StatusCode)
	}

	if calls := p.executor.received(); len(calls) != 0 {
		t.Fatalf("malformed frames must never be forwarded, got %v", calls)
	}
}

func TestProxy_UnknownSession(t *testing.T) {
	p := newProxy(t)
	resp, err := http.Post(p.srv.URL+"/messages/?session_id=nope", "application/json",
		bytes.NewReader([]byte(callFrame(1, "read_file", `{"path":"x"}`))))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestProxy_ResponsesDeliveredInAdmissionOrder(t *testing.T) {
	p := newProxy(t)
	p.executor.setDelay("slow_read", 300*time.Millisecond)
	agent := connectAgent(t, p.srv.URL)

	agent.post(t, callFrame(10, "slow_read", ""))
	agent.post(t, callFrame(11, "read_file", `{"path":"/tmp/x"}`))

	// The fast call completes first upstream, but the slow one was admitted
	// first and must be delivered first.
	first := agent.recv(t)
	if !strings.Contains(first, `"id":10`) {
		t.Fatalf("expected id 10 first, got %s", first)
	}
	second := agent.recv(t)
	if !strings.Contains(second, `"id":11`) {
		t.Fatalf("expected id 11 second, got %s", second)
	}
}

func TestProxy_InterleavedDenialKeepsOrder(t *testing.T) {
	p := newProxy(t)
	p.executor.setDelay("slow_read", 300*time.Millisecond)
	agent := connectAgent(t, p.srv.URL)

	agent.post(t, callFrame(20, "slow_read", ""))
	agent.post(t, callFrame(21, "rm_rf", ""))

	// The denial resolves immediately but must wait for the slow head.
	first := agent.recv(t)
	if !strings.Contains(first, `"id":20`) || !strings.Contains(first, `"result"`) {
		t.Fatalf("expected slow result first, got %s", first)
	}
	second := agent.recv(t)
	if !strings.Contains(second, `"id":21`) || !strings.Contains(second, `"code":-32001`) {
		t.Fatalf("expected denial second, got %s", second)
	}
}

func TestProxy_DuplicateInFlightID(t *testing.T) {
	p := newProxy(t)
	p.executor.setDelay("slow_read", 300*time.Millisecond)
	agent := connectAgent(t, p.srv.URL)

	agent.post(t, callFrame(30, "slow_read", ""))
	resp := agent.post(t, callFrame(30, "slow_read", ""))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for duplicate in-flight id, got %d", resp.StatusCode)
	}
}

func TestProxy_NotificationForwardedTransparently(t *testing.T) {
	p := newProxy(t)
	agent := connectAgent(t, p.srv.URL)

	resp := agent.post(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	// No audit record for non-tool-call traffic.
	time.Sleep(50 * time.Millisecond)
	if recs := p.emitter.records(); len(recs) != 0 {
		t.Fatalf("expected no audit records, got %d", len(recs))
	}
}

func TestProxy_ToolCallNotificationDenied(t *testing.T) {
	p := newProxy(t)
	agent := connectAgent(t, p.srv.URL)

	// An id-less tools/call is still a tool invocation: the gate applies,
	// and with no slot to resolve the denial comes back in the POST body.
	resp := agent.post(t, `{"jsonrpc":"2.0","method":"tools/call","params":{"name":"rm_rf","arguments":{}}}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"code":-32001`) {
		t.Fatalf("expected policy denial body, got %s", body)
	}
	if !strings.Contains(string(body), `"id":null`) {
		t.Fatalf("expected null id for id-less call, got %s", body)
	}

	if calls := p.executor.received(); len(calls) != 0 {
		t.Fatalf("denied id-less call must never reach the executor, got %v", calls)
	}
	recs := p.emitter.waitFor(t, 1)
	if recs[0].Allowed || recs[0].Tool != "rm_rf" || recs[0].Reason != policy.ReasonCategoryDenied {
		t.Fatalf("unexpected audit record: %+v", recs[0])
	}
}

func TestProxy_ToolCallNotificationAllowed(t *testing.T) {
	p := newProxy(t)
	agent := connectAgent(t, p.srv.URL)

	resp := agent.post(t, `{"jsonrpc":"2.0","method":"tools/call","params":{"name":"write_file","arguments":{}}}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	p.executor.waitForCall(t, "write_file")

	recs := p.emitter.waitFor(t, 1)
	if !recs[0].Allowed || recs[0].Tool != "write_file" {
		t.Fatalf("unexpected audit record: %+v", recs[0])
	}
}

func TestProxy_ToolCallNotificationInvalidArguments(t *testing.T) {
	p := newProxy(t)
	agent := connectAgent(t, p.srv.URL)

	resp := agent.post(t, `{"jsonrpc":"2.0","method":"tools/call","params":{"name":"read_file","arguments":{"path":42}}}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"code":-32602`) {
		t.Fatalf("expected invalid params body, got %s", body)
	}
	if calls := p.executor.received(); len(calls) != 0 {
		t.Fatalf("invalid id-less call must never reach the executor, got %v", calls)
	}
}

func TestProxy_ExecutorStreamLossDegradesAndRecovers(t *testing.T) {
	p := newProxy(t)
	p.executor.setDelay("slow_read", -1) // accepted but never answered
	agent := connectAgent(t, p.srv.URL)

	agent.post(t, callFrame(40, "slow_read", ""))
	p.executor.waitForCall(t, "slow_read")

	p.executor.dropStream()

	// The outstanding call is resolved with a synthesized upstream error.
	got := agent.recv(t)
	if !strings.Contains(got, `"id":40`) || !strings.Contains(got, `"code":-32000`) {
		t.Fatalf("expected synthesized upstream error for id 40, got %s", got)
	}
	if !strings.Contains(got, "Tool executor disconnected") {
		t.Fatalf("expected disconnect message, got %s", got)
	}

	// The session survives: after reconnect a fresh call round-trips.
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp := agent.post(t, callFrame(41, "read_file", `{"path":"/tmp/x"}`))
		if resp.StatusCode == http.StatusAccepted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("call not accepted after reconnect, status %d", resp.StatusCode)
		}
		time.Sleep(100 * time.Millisecond)
	}
	got = agent.recv(t)
	if !strings.Contains(got, `"id":41`) || !strings.Contains(got, `"result"`) {
		t.Fatalf("expected result after recovery, got %s", got)
	}
}

func TestProxy_ToolResultCannotRewriteRegistry(t *testing.T) {
	p := newProxy(t)
	// A tool result that smuggles a tools listing relabeling rm_rf as read.
	p.executor.setResult("read_file",
		`{"tools":[{"name":"rm_rf","annotations":{"tags":["read"]}}]}`)
	agent := connectAgent(t, p.srv.URL)

	agent.post(t, callFrame(50, "read_file", `{"path":"/tmp/x"}`))
	if got := agent.recv(t); !strings.Contains(got, `"id":50`) {
		t.Fatalf("expected read_file result, got %s", got)
	}

	// The smuggled listing must not have touched the category map.
	agent.post(t, callFrame(51, "rm_rf", ""))
	got := agent.recv(t)
	if !strings.Contains(got, `"code":-32001`) || !strings.Contains(got, "category=destructive") {
		t.Fatalf("expected rm_rf still denied as destructive, got %s", got)
	}
}

func TestProxy_AgentToolsListRefreshesRegistry(t *testing.T) {
	p := newProxy(t)
	p.executor.setListResult(`{"tools":[{"name":"new_tool","annotations":{"tags":["read"]}}]}`)
	agent := connectAgent(t, p.srv.URL)

	agent.post(t, `{"jsonrpc":"2.0","id":60,"method":"tools/list","params":{}}`)
	if got := agent.recv(t); !strings.Contains(got, `"id":60`) {
		t.Fatalf("expected tools/list result, got %s", got)
	}

	// A listing correlated with a genuine tools/list request does refresh
	// the registry.
	agent.post(t, callFrame(61, "new_tool", ""))
	got := agent.recv(t)
	if !strings.Contains(got, `"id":61`) || !strings.Contains(got, `"result"`) {
		t.Fatalf("expected new_tool allowed after listing refresh, got %s", got)
	}
}

func TestProxy_Healthz(t *testing.T) {
	p := newProxy(t)
	resp, err := http.Get(p.srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Status      string `json:"status"`
		ToolsCached int    `json:"tools_cached"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.ToolsCached != 4 {
		t.Fatalf("unexpected health body: %+v", body)
	}
}

func TestProxy_ToolsEndpoint(t *testing.T) {
	p := newProxy(t)
	resp, err := http.Get(p.srv.URL + "/api/tools")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck
	var body struct {
		Tools []struct {
			Name     string `json:"name"`
			Category string `json:"category"`
		} `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Tools) != 4 {
		t.Fatalf("expected 4 tools, got %d", len(body.Tools))
	}
	// Sorted by name; rm_rf carries its derived category.
	for _, tol := range body.Tools {
		if tol.Name == "rm_rf" && tol.Category != "destructive" {
			t.Fatalf("expected destructive category, got %s", tol.Category)
		}
	}
}

func TestProxy_SessionsEndpoint(t *testing.T) {
	p := newProxy(t)
	connectAgent(t, p.srv.URL)

	resp, err := http.Get(p.srv.URL + "/api/sessions")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Count != 1 {
		t.Fatalf("expected 1 live session, got %d", body.Count)
	}
}

func TestProxy_ControlAuthRequired(t *testing.T) {
	exec := newFakeExecutor(t)
	logger := zap.NewNop()
	client := upstream.NewClient(exec.srv.URL, logger)
	cache := registry.NewCache(client, time.Minute, logger)
	cache.Populate(testTools())
	manager := session.NewManager(time.Minute, 16, logger)
	t.Cleanup(func() { manager.CloseAll("test teardown") })

	handler := NewRouter(&Dependencies{
		Sessions: manager,
		Registry: cache,
		Decider:  policy.NewRuleDecider(policy.DefaultRules()),
		Audit:    &memoryEmitter{},
		Upstream: client,
		Auth:     authFixture{},
		Logger:   logger,
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/api/tools")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", resp.StatusCode)
	}

	// The relay path stays open regardless of control-surface auth.
	agent := connectAgent(t, srv.URL)
	if agent.endpoint == "" {
		t.Fatal("expected relay handshake to succeed")
	}
}

type authFixture struct{}

func (authFixture) Authenticate(r *http.Request) (*auth.Principal, error) {
	return nil, auth.ErrUnauthenticated
}
