package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/pi/internal/providers"
	"github.com/haasonsaas/pi/pkg/models"
)

// Tool argument limits to prevent resource exhaustion.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolArgsSize is the maximum size of tool arguments JSON (10MB).
	MaxToolArgsSize = 10 << 20
)

// Registry manages available tools with thread-safe registration and lookup.
// It is mutated only while extensions handle session_start; afterwards it is
// read-only for the session's lifetime.
type Registry struct {
	mu      sync.RWMutex
	logger  *slog.Logger
	tools   map[string]Tool
	order   []string
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry ready for tool registration.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger,
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool by name. A tool registered under an existing name
// replaces it; the later registration wins and the collision is logged.
// The tool's schema is compiled once here; a schema that does not compile
// disables argument validation for that tool.
func (r *Registry) Register(tool Tool) {
	name := tool.Name()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		r.logger.Warn("tool already registered, replacing", "tool", name)
	} else {
		r.order = append(r.order, name)
	}
	r.tools[name] = tool
	delete(r.schemas, name)
	if schema := tool.Schema(); len(schema) > 0 {
		compiled, err := jsonschema.CompileString(name+".schema.json", string(schema))
		if err != nil {
			r.logger.Warn("tool schema does not compile, arguments will not be validated",
				"tool", name, "error", err)
			return
		}
		r.schemas[name] = compiled
	}
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Defs returns the registered tools as provider tool definitions, in
// registration order.
func (r *Registry) Defs() []providers.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]providers.ToolDef, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, providers.ToolDef{
			Name:        name,
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return defs
}

// Execute resolves, validates, and runs one tool call. Failures never
// surface as errors: an unknown name, invalid arguments, a tool error, or a
// panic all become isError results so the turn continues and the model can
// react.
func (r *Registry) Execute(ctx context.Context, call *models.ToolCallBlock, onUpdate UpdateFunc) *models.ToolResultMessage {
	if len(call.Name) > MaxToolNameLength {
		return errorResult(call, fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength))
	}
	if len(call.Arguments) > MaxToolArgsSize {
		return errorResult(call, fmt.Sprintf("tool arguments exceed maximum size of %d bytes", MaxToolArgsSize))
	}

	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	schema := r.schemas[call.Name]
	r.mu.RUnlock()
	if !ok {
		return errorResult(call, "unknown tool: "+call.Name)
	}

	if schema != nil {
		if msg, ok := validateArgs(schema, call.Arguments); !ok {
			return errorResult(call, msg)
		}
	}

	output, err := r.run(ctx, tool, call, onUpdate)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return errorResult(call, "aborted: "+err.Error())
		}
		return errorResult(call, err.Error())
	}
	return resultFromOutput(call, output)
}

// run invokes the tool with panic recovery. A panicking tool yields an
// error result carrying the stack so the model sees the failure but the
// process survives.
func (r *Registry) run(ctx context.Context, tool Tool, call *models.ToolCallBlock, onUpdate UpdateFunc) (output *ToolOutput, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked",
				"tool", call.Name,
				"tool_call_id", call.ID,
				"panic", rec,
			)
			output = nil
			err = fmt.Errorf("tool %s panicked: %v\n%s", call.Name, rec, debug.Stack())
		}
	}()
	return tool.Execute(ctx, call.ID, call.Arguments, onUpdate)
}

// validateArgs checks arguments against the compiled schema. On failure it
// returns the collected causes, one line per error path, followed by a dump
// of the received arguments.
func validateArgs(schema *jsonschema.Schema, args json.RawMessage) (string, bool) {
	raw := args
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Sprintf("arguments are not valid JSON: %v\n\nreceived arguments: %s", err, raw), false
	}
	err := schema.Validate(decoded)
	if err == nil {
		return "", true
	}
	var sb strings.Builder
	sb.WriteString("invalid arguments:\n")
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		fmt.Fprintf(&sb, "  - : %v\n", err)
	} else {
		for _, leaf := range leafCauses(verr) {
			fmt.Fprintf(&sb, "  - %s: %s\n", leaf.InstanceLocation, leaf.Message)
		}
	}
	fmt.Fprintf(&sb, "\nreceived arguments: %s", raw)
	return sb.String(), false
}

// leafCauses flattens a validation error tree to its leaves, which carry
// the instance pointers users can act on.
func leafCauses(err *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(err.Causes) == 0 {
		return []*jsonschema.ValidationError{err}
	}
	var leaves []*jsonschema.ValidationError
	for _, c := range err.Causes {
		leaves = append(leaves, leafCauses(c)...)
	}
	return leaves
}

func errorResult(call *models.ToolCallBlock, text string) *models.ToolResultMessage {
	return &models.ToolResultMessage{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Content:    text,
		IsError:    true,
		Timestamp:  time.Now(),
	}
}

func resultFromOutput(call *models.ToolCallBlock, output *ToolOutput) *models.ToolResultMessage {
	res := &models.ToolResultMessage{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Timestamp:  time.Now(),
	}
	if output != nil {
		res.Content = output.Text()
		res.IsError = output.IsError
		res.Details = output.Details
	}
	return res
}
