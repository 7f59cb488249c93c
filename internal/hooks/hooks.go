// Package hooks dispatches session lifecycle events to extension handlers.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/pi/pkg/models"
)

// EventType identifies the category of hook event.
type EventType string

const (
	// EventSessionStart fires once before the first prompt. Extensions may
	// register tools and commands only while handling it.
	EventSessionStart EventType = "session_start"

	// EventSessionShutdown fires once during session teardown.
	EventSessionShutdown EventType = "session_shutdown"

	// EventAgentStart and EventAgentEnd bracket each user-initiated prompt.
	EventAgentStart EventType = "agent_start"
	EventAgentEnd   EventType = "agent_end"

	// EventTurnStart fires before each model request, EventTurnEnd after
	// the turn concludes.
	EventTurnStart EventType = "turn_start"
	EventTurnEnd   EventType = "turn_end"

	// EventToolCall fires before a tool executes. A handler returning
	// Block cancels the call with an error result.
	EventToolCall EventType = "tool_call"

	// EventToolResult fires after a tool completes.
	EventToolResult EventType = "tool_result"

	// EventBranch fires at explicit branch points. The first handler
	// returning a non-nil Value selects the branch.
	EventBranch EventType = "branch"
)

// Event is the payload delivered to handlers. Fields are populated by
// event type: tool_call and tool_result carry the call identity and
// arguments, branch carries the branch name, lifecycle events carry the
// transcript slice they bracket.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id,omitempty"`

	// Tool events.
	ToolCallID string                    `json:"tool_call_id,omitempty"`
	ToolName   string                    `json:"tool_name,omitempty"`
	Args       json.RawMessage           `json:"args,omitempty"`
	Result     *models.ToolResultMessage `json:"result,omitempty"`

	// Branch events.
	Branch string `json:"branch,omitempty"`

	// Transcript slice for lifecycle events.
	Messages []models.Message `json:"-"`

	// Data holds additional event-specific values.
	Data map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event with the timestamp set.
func NewEvent(t EventType) *Event {
	return &Event{Type: t, Timestamp: time.Now()}
}

// WithData adds a key/value pair to the event.
func (e *Event) WithData(key string, value any) *Event {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}

// Result is what a handler returns to influence dispatch. Block is
// honoured only for tool_call events, Value only for branch events;
// everything else ignores the return.
type Result struct {
	Block  bool   `json:"block,omitempty"`
	Reason string `json:"reason,omitempty"`
	Value  any    `json:"value,omitempty"`
}

// Handler processes one event. Returning a nil Result means "no opinion".
// The context carries the per-invocation timeout; long-running handlers
// must observe it.
type Handler func(ctx context.Context, event *Event) (*Result, error)

// Registration is a registered handler. Handlers fire in registration
// order, which for extensions is load order then in-extension order.
type Registration struct {
	ID      string
	Event   EventType
	Handler Handler

	// Name is a human-readable label for diagnostics.
	Name string

	// Source identifies the extension that registered the handler.
	Source string
}

// HandlerError reports a handler that returned an error, timed out, or
// panicked. Dispatch continues past it; sessions surface it to
// subscribers as a hook_error event.
type HandlerError struct {
	Event  EventType
	ID     string
	Name   string
	Source string
	Err    error
}

func (e *HandlerError) Error() string {
	name := e.Name
	if name == "" {
		name = e.ID
	}
	if e.Source != "" {
		return fmt.Sprintf("hook %s (%s) on %s: %v", name, e.Source, e.Event, e.Err)
	}
	return fmt.Sprintf("hook %s on %s: %v", name, e.Event, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
