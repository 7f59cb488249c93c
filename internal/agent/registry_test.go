package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/haasonsaas/pi/pkg/models"
)

// testTool implements Tool with a canned schema and handler.
type testTool struct {
	name   string
	schema string
	exec   func(ctx context.Context, callID string, args json.RawMessage, onUpdate UpdateFunc) (*ToolOutput, error)
}

func (m *testTool) Name() string        { return m.name }
func (m *testTool) Description() string { return "test tool" }
func (m *testTool) Schema() json.RawMessage {
	if m.schema == "" {
		return json.RawMessage(`{"type":"object"}`)
	}
	return json.RawMessage(m.schema)
}

func (m *testTool) Execute(ctx context.Context, callID string, args json.RawMessage, onUpdate UpdateFunc) (*ToolOutput, error) {
	if m.exec == nil {
		return TextOutput("ok"), nil
	}
	return m.exec(ctx, callID, args, onUpdate)
}

func call(id, name, args string) *models.ToolCallBlock {
	return &models.ToolCallBlock{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

func TestRegistryUnknownTool(t *testing.T) {
	r := NewRegistry(nil)
	res := r.Execute(context.Background(), call("c1", "nosuch", `{}`), nil)
	if !res.IsError {
		t.Fatal("expected error result")
	}
	if res.Content != "unknown tool: nosuch" {
		t.Errorf("content = %q, want %q", res.Content, "unknown tool: nosuch")
	}
	if res.ToolCallID != "c1" || res.ToolName != "nosuch" {
		t.Errorf("result identity = (%q, %q)", res.ToolCallID, res.ToolName)
	}
}

func TestRegistryLaterRegistrationWins(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&testTool{name: "dup", exec: func(context.Context, string, json.RawMessage, UpdateFunc) (*ToolOutput, error) {
		return TextOutput("first"), nil
	}})
	r.Register(&testTool{name: "dup", exec: func(context.Context, string, json.RawMessage, UpdateFunc) (*ToolOutput, error) {
		return TextOutput("second"), nil
	}})

	res := r.Execute(context.Background(), call("c1", "dup", `{}`), nil)
	if res.Content != "second" {
		t.Errorf("content = %q, want the later registration", res.Content)
	}
	if got := len(r.Names()); got != 1 {
		t.Errorf("Names() has %d entries, want 1", got)
	}
}

func TestRegistryValidationFailure(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&testTool{
		name:   "bash",
		schema: `{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`,
	})

	tests := []struct {
		name string
		args string
	}{
		{"wrong type", `{"command":42}`},
		{"missing required", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Execute(context.Background(), call("c1", "bash", tt.args), nil)
			if !res.IsError {
				t.Fatal("expected error result")
			}
			if !strings.Contains(res.Content, "\n  - ") {
				t.Errorf("missing cause lines:\n%s", res.Content)
			}
			if !strings.Contains(res.Content, "received arguments: "+tt.args) {
				t.Errorf("missing argument dump:\n%s", res.Content)
			}
		})
	}
}

func TestRegistryValidationErrorPaths(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&testTool{
		name:   "bash",
		schema: `{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`,
	})

	res := r.Execute(context.Background(), call("c1", "bash", `{"command":42}`), nil)
	if !strings.Contains(res.Content, "  - /command: ") {
		t.Errorf("cause line should carry the instance pointer:\n%s", res.Content)
	}
}

func TestRegistryValidArgsReachTool(t *testing.T) {
	var got json.RawMessage
	r := NewRegistry(nil)
	r.Register(&testTool{
		name:   "bash",
		schema: `{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`,
		exec: func(_ context.Context, callID string, args json.RawMessage, _ UpdateFunc) (*ToolOutput, error) {
			if callID != "c9" {
				t.Errorf("callID = %q", callID)
			}
			got = args
			return TextOutput("ran"), nil
		},
	})

	res := r.Execute(context.Background(), call("c9", "bash", `{"command":"ls"}`), nil)
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Content)
	}
	if string(got) != `{"command":"ls"}` {
		t.Errorf("args = %s", got)
	}
}

func TestRegistryToolPanicBecomesErrorResult(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&testTool{name: "boom", exec: func(context.Context, string, json.RawMessage, UpdateFunc) (*ToolOutput, error) {
		panic("kaboom")
	}})

	res := r.Execute(context.Background(), call("c1", "boom", `{}`), nil)
	if !res.IsError {
		t.Fatal("expected error result")
	}
	if !strings.Contains(res.Content, "kaboom") {
		t.Errorf("content should carry the panic value: %q", res.Content)
	}
}

func TestRegistryToolErrorBecomesErrorResult(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&testTool{name: "fail", exec: func(context.Context, string, json.RawMessage, UpdateFunc) (*ToolOutput, error) {
		return nil, context.DeadlineExceeded
	}})

	res := r.Execute(context.Background(), call("c1", "fail", `{}`), nil)
	if !res.IsError {
		t.Fatal("expected error result")
	}
	if !strings.Contains(res.Content, "deadline exceeded") {
		t.Errorf("content = %q", res.Content)
	}
}

func TestNewToolReflectsSchema(t *testing.T) {
	type args struct {
		Command string `json:"command" jsonschema:"required,description=Shell command to run"`
		Timeout int    `json:"timeout,omitempty" jsonschema:"description=Seconds before the command is killed"`
	}
	tool, err := NewTool("bash", "Runs a shell command", func(_ context.Context, _ string, a args, _ UpdateFunc) (*ToolOutput, error) {
		return TextOutput(a.Command), nil
	})
	if err != nil {
		t.Fatal(err)
	}

	var schema map[string]any
	if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
		t.Fatal(err)
	}
	if schema["type"] != "object" {
		t.Errorf("schema type = %v", schema["type"])
	}
	props, _ := schema["properties"].(map[string]any)
	if _, ok := props["command"]; !ok {
		t.Errorf("schema missing command property: %v", schema)
	}
	req, _ := schema["required"].([]any)
	if len(req) != 1 || req[0] != "command" {
		t.Errorf("required = %v", req)
	}

	r := NewRegistry(nil)
	r.Register(tool)
	res := r.Execute(context.Background(), call("c1", "bash", `{"command":"echo hi"}`), nil)
	if res.IsError || res.Content != "echo hi" {
		t.Errorf("result = (%q, err=%v)", res.Content, res.IsError)
	}
}

func TestRegistryDefsPreserveOrder(t *testing.T) {
	r := NewRegistry(nil)
	for _, name := range []string{"c", "a", "b"} {
		r.Register(&testTool{name: name})
	}
	defs := r.Defs()
	if len(defs) != 3 {
		t.Fatalf("got %d defs", len(defs))
	}
	for i, want := range []string{"c", "a", "b"} {
		if defs[i].Name != want {
			t.Errorf("defs[%d] = %q, want %q", i, defs[i].Name, want)
		}
	}
}
