package models

import (
	"fmt"
	"sync"
)

// Transcript is the append-mostly conversation history. It enforces the
// structural invariants every consumer relies on: tool results appear only
// directly after the assistant message that requested them, in request order,
// with no id appearing twice and no result for an unknown id. The only
// non-append mutation is ReplacePrefix, used by compaction.
type Transcript struct {
	mu       sync.RWMutex
	messages []Message
	inFlight *AssistantMessage
}

// NewTranscript builds a transcript seeded with initial messages. The seed is
// validated; a malformed seed is a programming error and panics.
func NewTranscript(initial ...Message) *Transcript {
	t := &Transcript{messages: append([]Message(nil), initial...)}
	if err := CheckTranscript(t.messages); err != nil {
		panic(fmt.Sprintf("invalid initial transcript: %v", err))
	}
	return t
}

// Len returns the number of entries.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// Snapshot returns a copy of the entries. Messages are shared, so callers
// must treat them as immutable.
func (t *Transcript) Snapshot() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Message(nil), t.messages...)
}

// Last returns the final entry, or nil when empty.
func (t *Transcript) Last() Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.messages) == 0 {
		return nil
	}
	return t.messages[len(t.messages)-1]
}

// Append adds entries to the end. Appending a ToolResultMessage through this
// method is rejected so that pairing can only be established by
// AppendToolResults, which validates ids against the preceding assistant
// message.
func (t *Transcript) Append(msgs ...Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range msgs {
		if _, ok := m.(*ToolResultMessage); ok {
			return fmt.Errorf("tool results must be appended with AppendToolResults")
		}
	}
	t.messages = append(t.messages, msgs...)
	t.inFlight = nil
	return nil
}

// SetInFlight records the assistant message currently being streamed. The
// scratch is display state, not history: Snapshot never includes it and any
// Append clears it.
func (t *Transcript) SetInFlight(m *AssistantMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight = m
}

// InFlight returns the streaming scratch, or nil when no stream is active.
func (t *Transcript) InFlight() *AssistantMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.inFlight
}

// AppendToolResults appends the results for the assistant message currently
// at the end of the transcript. Results must cover exactly the assistant's
// tool call ids, in call order.
func (t *Transcript) AppendToolResults(results ...*ToolResultMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.messages) == 0 {
		return fmt.Errorf("tool results with no preceding assistant message")
	}
	last, ok := t.messages[len(t.messages)-1].(*AssistantMessage)
	if !ok {
		return fmt.Errorf("tool results must directly follow an assistant message, got %s", t.messages[len(t.messages)-1].Role())
	}
	calls := last.ToolCalls()
	if len(results) != len(calls) {
		return fmt.Errorf("got %d tool results for %d tool calls", len(results), len(calls))
	}
	for i, r := range results {
		if r.ToolCallID != calls[i].ID {
			return fmt.Errorf("tool result %d has id %q, want %q", i, r.ToolCallID, calls[i].ID)
		}
	}
	for _, r := range results {
		t.messages = append(t.messages, r)
	}
	return nil
}

// ReplacePrefix swaps messages[0:n] for the given replacement entries,
// validating that the resulting transcript still satisfies the structural
// invariants. Used by compaction to substitute a summary for the compacted
// prefix.
func (t *Transcript) ReplacePrefix(n int, replacement ...Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n < 0 || n > len(t.messages) {
		return fmt.Errorf("prefix length %d out of range [0,%d]", n, len(t.messages))
	}
	next := make([]Message, 0, len(replacement)+len(t.messages)-n)
	next = append(next, replacement...)
	next = append(next, t.messages[n:]...)
	if err := CheckTranscript(next); err != nil {
		return fmt.Errorf("prefix replacement breaks transcript: %w", err)
	}
	t.messages = next
	return nil
}

// CheckTranscript validates the structural invariants over a message slice:
// every ToolResultMessage directly follows its assistant message (possibly
// after earlier results of the same message), result order matches call
// order, ids pair exactly once, and no result references an unknown id.
func CheckTranscript(msgs []Message) error {
	// pending is the suffix of unpaired calls from the most recent
	// assistant message; nil means results are currently not allowed.
	var pending []*ToolCallBlock
	for i, m := range msgs {
		switch mt := m.(type) {
		case *AssistantMessage:
			if len(pending) > 0 {
				return fmt.Errorf("message %d: assistant message while %d tool calls are unpaired", i, len(pending))
			}
			calls := mt.ToolCalls()
			seen := make(map[string]bool, len(calls))
			for _, c := range calls {
				if c.ID == "" {
					return fmt.Errorf("message %d: tool call %q has empty id", i, c.Name)
				}
				if seen[c.ID] {
					return fmt.Errorf("message %d: duplicate tool call id %q", i, c.ID)
				}
				seen[c.ID] = true
			}
			pending = calls
		case *ToolResultMessage:
			if len(pending) == 0 {
				return fmt.Errorf("message %d: tool result %q without a pending tool call", i, mt.ToolCallID)
			}
			if mt.ToolCallID != pending[0].ID {
				return fmt.Errorf("message %d: tool result id %q out of order, want %q", i, mt.ToolCallID, pending[0].ID)
			}
			pending = pending[1:]
		default:
			if len(pending) > 0 {
				return fmt.Errorf("message %d: %s message while %d tool calls are unpaired", i, m.Role(), len(pending))
			}
		}
	}
	if len(pending) > 0 {
		return fmt.Errorf("transcript ends with %d unpaired tool calls", len(pending))
	}
	return nil
}
