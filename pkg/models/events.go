package models

import (
	"encoding/json"
	"time"
)

// AssistantEventType enumerates the normalized streaming events every
// provider adapter emits while producing one assistant message.
type AssistantEventType string

const (
	EventStart         AssistantEventType = "start"
	EventTextStart     AssistantEventType = "text_start"
	EventTextDelta     AssistantEventType = "text_delta"
	EventTextEnd       AssistantEventType = "text_end"
	EventThinkingStart AssistantEventType = "thinking_start"
	EventThinkingDelta AssistantEventType = "thinking_delta"
	EventThinkingEnd   AssistantEventType = "thinking_end"
	EventToolCall      AssistantEventType = "toolCall"
	EventDone          AssistantEventType = "done"
	EventError         AssistantEventType = "error"
)

// AssistantEvent is one step of an in-flight assistant message. Block events
// carry ContentIndex, the position of the block under construction in the
// final message's content. The stream is bracketed: exactly one start first,
// then block events, then exactly one done or error carrying the complete
// message.
type AssistantEvent struct {
	Type         AssistantEventType `json:"type"`
	ContentIndex int                `json:"contentIndex,omitempty"`
	Delta        string             `json:"delta,omitempty"`
	ToolCall     *ToolCallBlock     `json:"toolCall,omitempty"`
	Reason       StopReason         `json:"reason,omitempty"`
	Message      *AssistantMessage  `json:"message,omitempty"`
	Error        string             `json:"error,omitempty"`
}

// SessionEventType enumerates events published to session subscribers.
type SessionEventType string

const (
	SessionAgentStart         SessionEventType = "agent_start"
	SessionAgentEnd           SessionEventType = "agent_end"
	SessionTurnStart          SessionEventType = "turn_start"
	SessionTurnEnd            SessionEventType = "turn_end"
	SessionMessageUpdate      SessionEventType = "message_update"
	SessionToolExecutionStart SessionEventType = "tool_execution_start"
	SessionToolExecutionEnd   SessionEventType = "tool_execution_end"
	SessionCompaction         SessionEventType = "compaction"
	SessionError              SessionEventType = "error"
	SessionHookError          SessionEventType = "hook_error"
)

// SessionEvent is the envelope delivered to subscribers and written on the
// RPC stream. Sequence is a per-session monotonic counter so consumers can
// detect gaps after reconnecting from the persisted record.
type SessionEvent struct {
	Version  int              `json:"v"`
	Type     SessionEventType `json:"type"`
	Sequence uint64           `json:"seq"`
	Time     time.Time        `json:"time"`

	// message_update
	Assistant *AssistantEvent `json:"event,omitempty"`

	// tool_execution_start and tool_execution_end
	ToolCallID string             `json:"toolCallId,omitempty"`
	ToolName   string             `json:"toolName,omitempty"`
	Args       json.RawMessage    `json:"args,omitempty"`
	Result     *ToolResultMessage `json:"result,omitempty"`

	// turn_end
	Message Message              `json:"message,omitempty"`
	Results []*ToolResultMessage `json:"results,omitempty"`

	// compaction
	Summary     *CompactionSummaryMessage `json:"summary,omitempty"`
	TokensAfter int                       `json:"tokensAfter,omitempty"`

	// error and hook_error
	Error    string `json:"error,omitempty"`
	HookName string `json:"hook,omitempty"`
}
