package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/haasonsaas/pi/pkg/models"
)

// UpdateFunc streams partial output from a running tool, for live display.
// It is called from the tool's goroutine; implementations must be safe for
// concurrent use and must not block.
type UpdateFunc func(partial *ToolOutput)

// Tool is the contract for everything the model can invoke.
type Tool interface {
	// Name returns the tool name for function calling.
	// Must be a valid function name (alphanumeric, underscores).
	Name() string

	// Description returns a natural language description of what the tool
	// does. This helps the model decide when to use the tool.
	Description() string

	// Schema returns the JSON Schema defining the tool's arguments.
	Schema() json.RawMessage

	// Execute runs one call. args have already been validated against
	// Schema. ctx carries the turn cancel; long-running tools must observe
	// it and may report progress through onUpdate (which may be nil).
	Execute(ctx context.Context, callID string, args json.RawMessage, onUpdate UpdateFunc) (*ToolOutput, error)
}

// ToolOutput is what a tool returns. Content is text-first: the concatenated
// text blocks form the canonical output string for providers that accept a
// single string. Details carries structured data for subscribers and is not
// sent to the model.
type ToolOutput struct {
	Content []models.ContentBlock `json:"content"`
	Details any                   `json:"details,omitempty"`
	IsError bool                  `json:"isError,omitempty"`
}

// Text concatenates the output's text blocks.
func (o *ToolOutput) Text() string {
	if o == nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range o.Content {
		if t, ok := b.(*models.TextBlock); ok {
			sb.WriteString(t.Text)
		}
	}
	return sb.String()
}

// TextOutput builds a plain text output.
func TextOutput(text string) *ToolOutput {
	return &ToolOutput{Content: []models.ContentBlock{&models.TextBlock{Text: text}}}
}

// ErrorOutput builds an error output with the given text.
func ErrorOutput(format string, args ...any) *ToolOutput {
	return &ToolOutput{
		Content: []models.ContentBlock{&models.TextBlock{Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}

// funcTool adapts a typed handler to the Tool interface.
type funcTool[T any] struct {
	name        string
	description string
	schema      json.RawMessage
	fn          func(ctx context.Context, callID string, args T, onUpdate UpdateFunc) (*ToolOutput, error)
}

// NewTool builds a Tool from a typed handler, reflecting the argument schema
// from T's struct tags (json names, jsonschema constraints).
func NewTool[T any](name, description string, fn func(ctx context.Context, callID string, args T, onUpdate UpdateFunc) (*ToolOutput, error)) (Tool, error) {
	schema, err := ReflectSchema[T]()
	if err != nil {
		return nil, fmt.Errorf("reflect schema for tool %s: %w", name, err)
	}
	return &funcTool[T]{name: name, description: description, schema: schema, fn: fn}, nil
}

// MustTool is NewTool panicking on schema reflection failure, for
// package-level tool declarations.
func MustTool[T any](name, description string, fn func(ctx context.Context, callID string, args T, onUpdate UpdateFunc) (*ToolOutput, error)) Tool {
	t, err := NewTool(name, description, fn)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *funcTool[T]) Name() string            { return t.name }
func (t *funcTool[T]) Description() string     { return t.description }
func (t *funcTool[T]) Schema() json.RawMessage { return t.schema }

func (t *funcTool[T]) Execute(ctx context.Context, callID string, args json.RawMessage, onUpdate UpdateFunc) (*ToolOutput, error) {
	var typed T
	if len(args) > 0 {
		if err := json.Unmarshal(args, &typed); err != nil {
			return nil, fmt.Errorf("decode %s arguments: %w", t.name, err)
		}
	}
	return t.fn(ctx, callID, typed, onUpdate)
}

// ReflectSchema derives a JSON Schema for T from struct tags. Fields are
// named by their json tags; required fields carry jsonschema:"required".
func ReflectSchema[T any]() (json.RawMessage, error) {
	r := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := r.Reflect(new(T))
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	// The reflector's envelope keys confuse some providers.
	delete(m, "$schema")
	delete(m, "$id")
	return json.Marshal(m)
}
