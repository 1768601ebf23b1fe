package protocol

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func TestClassify_ToolCall(t *testing.T) {
	data := []byte(`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"read_file","arguments":{"path":"/tmp/x"}}}`)
	c := Classify(data)
	if c.Kind != KindRequest {
		t.Fatalf("expected request, got %s", c.Kind)
	}
	if c.ToolCall == nil {
		t.Fatal("expected tool call extraction")
	}
	if c.ToolCall.Tool != "read_file" {
		t.Fatalf("expected read_file, got %s", c.ToolCall.Tool)
	}
	if c.ToolCall.CorrelationID != "7" {
		t.Fatalf("expected correlation id 7, got %s", c.ToolCall.CorrelationID)
	}
	if string(c.ToolCall.RawID) != "7" {
		t.Fatalf("expected raw id 7, got %s", c.ToolCall.RawID)
	}
}

func TestClassify_StringID(t *testing.T) {
	data := []byte(`{"jsonrpc":"2.0","id":"abc-1","method":"tools/call","params":{"name":"t"}}`)
	c := Classify(data)
	if c.Kind != KindRequest {
		t.Fatalf("expected request, got %s", c.Kind)
	}
	if c.ToolCall.CorrelationID != `"abc-1"` {
		t.Fatalf("expected quoted correlation key, got %s", c.ToolCall.CorrelationID)
	}
}

func TestClassify_ToolCallWithoutID(t *testing.T) {
	// An id-less tools/call is a notification on the wire but still a tool
	// invocation: the classifier must extract it so the gate can run.
	data := []byte(`{"jsonrpc":"2.0","method":"tools/call","params":{"name":"rm_rf","arguments":{}}}`)
	c := Classify(data)
	if c.Kind != KindNotification {
		t.Fatalf("expected notification, got %s", c.Kind)
	}
	if c.ToolCall == nil {
		t.Fatal("expected tool call extraction for id-less tools/call")
	}
	if c.ToolCall.Tool != "rm_rf" {
		t.Fatalf("expected rm_rf, got %s", c.ToolCall.Tool)
	}
	if len(c.ToolCall.RawID) != 0 {
		t.Fatalf("expected empty raw id, got %s", c.ToolCall.RawID)
	}
}

func TestClassify_ToolCallNotificationMissingName(t *testing.T) {
	data := []byte(`{"jsonrpc":"2.0","method":"tools/call","params":{"arguments":{}}}`)
	c := Classify(data)
	if c.Kind != KindMalformed {
		t.Fatalf("expected malformed, got %s", c.Kind)
	}
}

func TestClassify_NonToolRequest(t *testing.T) {
	data := []byte(`{"jsonrpc":"2.0","id":1,"method":"resources/list"}`)
	c := Classify(data)
	if c.Kind != KindRequest {
		t.Fatalf("expected request, got %s", c.Kind)
	}
	if c.ToolCall != nil {
		t.Fatal("expected no tool call for non-tools/call request")
	}
}

func TestClassify_Notification(t *testing.T) {
	data := []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	c := Classify(data)
	if c.Kind != KindNotification {
		t.Fatalf("expected notification, got %s", c.Kind)
	}
}

func TestClassify_Response(t *testing.T) {
	data := []byte(`{"jsonrpc":"2.0","id":3,"result":{"ok":true}}`)
	c := Classify(data)
	if c.Kind != KindResponse {
		t.Fatalf("expected response, got %s", c.Kind)
	}
}

func TestClassify_Malformed(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"bad json", `{"jsonrpc":"2.0",`},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"m"}`},
		{"missing method", `{"jsonrpc":"2.0","id":1}`},
		{"null id no method", `{"jsonrpc":"2.0","id":null}`},
		{"tool call missing name", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"arguments":{}}}`},
		{"tool call bad params", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":"nope"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Classify([]byte(tc.data))
			if c.Kind != KindMalformed {
				t.Fatalf("expected malformed, got %s", c.Kind)
			}
			if c.Err == nil {
				t.Fatal("expected classification error")
			}
		})
	}
}

func TestClassify_Deterministic(t *testing.T) {
	data := []byte(`{"jsonrpc":"2.0","id":42,"method":"tools/call","params":{"name":"x","arguments":{"a":1}}}`)
	first := Classify(data)
	for i := 0; i < 10; i++ {
		again := Classify(data)
		if again.Kind != first.Kind || !reflect.DeepEqual(again.ToolCall, first.ToolCall) {
			t.Fatal("classification of identical bytes diverged")
		}
	}
}

func TestNewDenial_Shape(t *testing.T) {
	f := NewDenial(json.RawMessage("5"), "rm_rf", "destructive", "category denied")
	if f.JSONRPC != Version {
		t.Fatalf("expected version %s, got %s", Version, f.JSONRPC)
	}
	if string(f.ID) != "5" {
		t.Fatalf("expected id 5, got %s", f.ID)
	}
	if f.Error == nil || f.Error.Code != CodePolicyDenied {
		t.Fatalf("expected code %d, got %+v", CodePolicyDenied, f.Error)
	}
	want := "Policy denied: tool 'rm_rf' (category=destructive) is not allowed: category denied"
	if f.Error.Message != want {
		t.Fatalf("unexpected message: %s", f.Error.Message)
	}
}

func TestNewParseError_NullID(t *testing.T) {
	f := NewParseError()
	if string(f.ID) != "null" {
		t.Fatalf("expected null id, got %s", f.ID)
	}
	if f.Error.Code != CodeParseError {
		t.Fatalf("expected code %d, got %d", CodeParseError, f.Error.Code)
	}
}

func TestEncode_EchoesRawID(t *testing.T) {
	// The id must round-trip byte-for-byte regardless of JSON type.
	for _, id := range []string{"12", `"s-1"`, "null"} {
		f := NewUpstreamError(json.RawMessage(id), "Tool executor timeout")
		b, err := Encode(f)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(b), `"id":`+id) {
			t.Fatalf("id %s not echoed in %s", id, b)
		}
	}
}
