// Package models defines the canonical conversation data model shared by the
// provider adapters, the agent loop, the session controller, and the RPC
// surface: the message union that makes up a transcript, the content block
// union inside assistant messages, usage accounting, and the event envelopes
// streamed to subscribers.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role discriminates transcript entries on the wire.
type Role string

const (
	RoleUser              Role = "user"
	RoleAssistant         Role = "assistant"
	RoleToolResult        Role = "toolResult"
	RoleCompactionSummary Role = "compactionSummary"
	RoleCustom            Role = "custom"
)

// Message is one transcript entry. Concrete types: *UserMessage,
// *AssistantMessage, *ToolResultMessage, *CompactionSummaryMessage,
// *CustomMessage. The union is sealed; JSON carries a "role" tag.
type Message interface {
	Role() Role
	message()
}

// BlockType discriminates content blocks on the wire.
type BlockType string

const (
	BlockText     BlockType = "text"
	BlockThinking BlockType = "thinking"
	BlockToolCall BlockType = "toolCall"
	BlockImage    BlockType = "image"
)

// ContentBlock is one piece of message content. Concrete types: *TextBlock,
// *ThinkingBlock, *ToolCallBlock, *ImageBlock. JSON carries a "type" tag.
type ContentBlock interface {
	BlockType() BlockType
	block()
}

// TextBlock is plain assistant or user text. TextSignature is an opaque
// provider-scoped identifier (a message id or output item id) that must be
// replayed verbatim on the next request to the same provider and dropped
// otherwise.
type TextBlock struct {
	Text          string `json:"text"`
	TextSignature string `json:"textSignature,omitempty"`
}

func (*TextBlock) BlockType() BlockType { return BlockText }
func (*TextBlock) block()               {}

// ThinkingBlock is model reasoning. ThinkingSignature follows the same
// opacity rule as TextSignature; for responses-style providers it carries the
// reasoning item id and encrypted payload needed to replay the item.
type ThinkingBlock struct {
	Thinking          string `json:"thinking"`
	ThinkingSignature string `json:"thinkingSignature,omitempty"`
}

func (*ThinkingBlock) BlockType() BlockType { return BlockThinking }
func (*ThinkingBlock) block()               {}

// ToolCallBlock is a model-requested tool invocation. ID is provider-assigned
// and joins the call with a later ToolResultMessage.
type ToolCallBlock struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (*ToolCallBlock) BlockType() BlockType { return BlockToolCall }
func (*ToolCallBlock) block()               {}

// ImageBlock is base64 image data.
type ImageBlock struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

func (*ImageBlock) BlockType() BlockType { return BlockImage }
func (*ImageBlock) block()               {}

// UserMessage is caller input: text plus optional image attachments.
type UserMessage struct {
	Content   []ContentBlock `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
}

func (*UserMessage) Role() Role { return RoleUser }
func (*UserMessage) message()   {}

// NewUserMessage builds a user message from plain text.
func NewUserMessage(text string) *UserMessage {
	return &UserMessage{
		Content:   []ContentBlock{&TextBlock{Text: text}},
		Timestamp: time.Now(),
	}
}

// Text returns the concatenated text blocks.
func (m *UserMessage) Text() string { return concatText(m.Content) }

// AssistantMessage is one model reply: ordered content blocks plus the
// provenance needed for cross-provider replay and usage accounting.
type AssistantMessage struct {
	Content    []ContentBlock `json:"content"`
	Provider   string         `json:"provider"`
	API        API            `json:"api"`
	Model      string         `json:"model"`
	Usage      Usage          `json:"usage"`
	StopReason StopReason     `json:"stopReason"`
	ErrorText  string         `json:"error,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

func (*AssistantMessage) Role() Role { return RoleAssistant }
func (*AssistantMessage) message()   {}

// Text returns the concatenated text blocks, ignoring thinking and tool calls.
func (m *AssistantMessage) Text() string { return concatText(m.Content) }

// ToolCalls returns the tool call blocks in content order.
func (m *AssistantMessage) ToolCalls() []*ToolCallBlock {
	var calls []*ToolCallBlock
	for _, b := range m.Content {
		if tc, ok := b.(*ToolCallBlock); ok {
			calls = append(calls, tc)
		}
	}
	return calls
}

// ToolResultMessage records the outcome of one tool call. Content is the
// canonical single-string output; Details carries tool-specific structure for
// renderers and extensions.
type ToolResultMessage struct {
	ToolCallID string    `json:"toolCallId"`
	ToolName   string    `json:"toolName"`
	Content    string    `json:"content"`
	IsError    bool      `json:"isError"`
	Details    any       `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func (*ToolResultMessage) Role() Role { return RoleToolResult }
func (*ToolResultMessage) message()   {}

// CompactionSummaryMessage replaces a compacted transcript prefix. It is
// serialised to providers as a user message carrying CompactionText.
type CompactionSummaryMessage struct {
	Summary      string    `json:"summary"`
	TokensBefore int       `json:"tokensBefore"`
	Timestamp    time.Time `json:"timestamp"`
}

func (*CompactionSummaryMessage) Role() Role { return RoleCompactionSummary }
func (*CompactionSummaryMessage) message()   {}

// CompactionText renders the fixed header plus summary sent to providers in
// place of the compacted prefix.
func (m *CompactionSummaryMessage) CompactionText() string {
	return fmt.Sprintf("Context compacted from %d tokens:\n\n%s", m.TokensBefore, m.Summary)
}

// CustomMessage is an extension-produced entry. The runtime never interprets
// it; it is rendered by whoever understands CustomType and skipped when
// serialising requests.
type CustomMessage struct {
	CustomType string          `json:"customType"`
	Content    json.RawMessage `json:"content,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

func (*CustomMessage) Role() Role { return RoleCustom }
func (*CustomMessage) message()   {}

func concatText(blocks []ContentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		if t, ok := b.(*TextBlock); ok {
			sb.WriteString(t.Text)
		}
	}
	return sb.String()
}

// --- JSON encoding -----------------------------------------------------
//
// Messages and blocks marshal with their discriminator injected, so a
// []Message or []ContentBlock round-trips through UnmarshalMessage and
// UnmarshalBlock without callers switching on concrete types.

type taggedUser struct {
	Role Role `json:"role"`
	*userAlias
}
type userAlias UserMessage

func (m *UserMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(taggedUser{RoleUser, (*userAlias)(m)})
}

func (m *UserMessage) UnmarshalJSON(data []byte) error {
	var raw struct {
		Content   json.RawMessage `json:"content"`
		Timestamp time.Time       `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	blocks, err := unmarshalContent(raw.Content)
	if err != nil {
		return err
	}
	m.Content = blocks
	m.Timestamp = raw.Timestamp
	return nil
}

type taggedAssistant struct {
	Role Role `json:"role"`
	*assistantAlias
}
type assistantAlias AssistantMessage

func (m *AssistantMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(taggedAssistant{RoleAssistant, (*assistantAlias)(m)})
}

func (m *AssistantMessage) UnmarshalJSON(data []byte) error {
	var raw struct {
		Content    json.RawMessage `json:"content"`
		Provider   string          `json:"provider"`
		API        API             `json:"api"`
		Model      string          `json:"model"`
		Usage      Usage           `json:"usage"`
		StopReason StopReason      `json:"stopReason"`
		ErrorText  string          `json:"error"`
		Timestamp  time.Time       `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	blocks, err := unmarshalContent(raw.Content)
	if err != nil {
		return err
	}
	*m = AssistantMessage{
		Content:    blocks,
		Provider:   raw.Provider,
		API:        raw.API,
		Model:      raw.Model,
		Usage:      raw.Usage,
		StopReason: raw.StopReason,
		ErrorText:  raw.ErrorText,
		Timestamp:  raw.Timestamp,
	}
	return nil
}

type taggedToolResult struct {
	Role Role `json:"role"`
	*toolResultAlias
}
type toolResultAlias ToolResultMessage

func (m *ToolResultMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(taggedToolResult{RoleToolResult, (*toolResultAlias)(m)})
}

type taggedCompaction struct {
	Role Role `json:"role"`
	*compactionAlias
}
type compactionAlias CompactionSummaryMessage

func (m *CompactionSummaryMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(taggedCompaction{RoleCompactionSummary, (*compactionAlias)(m)})
}

type taggedCustom struct {
	Role Role `json:"role"`
	*customAlias
}
type customAlias CustomMessage

func (m *CustomMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(taggedCustom{RoleCustom, (*customAlias)(m)})
}

type taggedText struct {
	Type BlockType `json:"type"`
	*textAlias
}
type textAlias TextBlock

func (b *TextBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(taggedText{BlockText, (*textAlias)(b)})
}

type taggedThinking struct {
	Type BlockType `json:"type"`
	*thinkingAlias
}
type thinkingAlias ThinkingBlock

func (b *ThinkingBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(taggedThinking{BlockThinking, (*thinkingAlias)(b)})
}

type taggedToolCall struct {
	Type BlockType `json:"type"`
	*toolCallAlias
}
type toolCallAlias ToolCallBlock

func (b *ToolCallBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(taggedToolCall{BlockToolCall, (*toolCallAlias)(b)})
}

type taggedImage struct {
	Type BlockType `json:"type"`
	*imageAlias
}
type imageAlias ImageBlock

func (b *ImageBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(taggedImage{BlockImage, (*imageAlias)(b)})
}

// UnmarshalBlock decodes one content block by its "type" tag.
func UnmarshalBlock(data []byte) (ContentBlock, error) {
	var probe struct {
		Type BlockType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}
	switch probe.Type {
	case BlockText:
		b := &TextBlock{}
		if err := json.Unmarshal(data, (*textAlias)(b)); err != nil {
			return nil, err
		}
		return b, nil
	case BlockThinking:
		b := &ThinkingBlock{}
		if err := json.Unmarshal(data, (*thinkingAlias)(b)); err != nil {
			return nil, err
		}
		return b, nil
	case BlockToolCall:
		b := &ToolCallBlock{}
		if err := json.Unmarshal(data, (*toolCallAlias)(b)); err != nil {
			return nil, err
		}
		return b, nil
	case BlockImage:
		b := &ImageBlock{}
		if err := json.Unmarshal(data, (*imageAlias)(b)); err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown content block type %q", probe.Type)
	}
}

// unmarshalContent accepts either a JSON string (shorthand for one text
// block) or an array of tagged blocks.
func unmarshalContent(data json.RawMessage) ([]ContentBlock, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		return []ContentBlock{&TextBlock{Text: text}}, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("content must be a string or block array: %w", err)
	}
	blocks := make([]ContentBlock, 0, len(raws))
	for _, r := range raws {
		b, err := UnmarshalBlock(r)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

// UnmarshalMessage decodes one transcript entry by its "role" tag.
func UnmarshalMessage(data []byte) (Message, error) {
	var probe struct {
		Role Role `json:"role"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}
	switch probe.Role {
	case RoleUser:
		m := &UserMessage{}
		if err := m.UnmarshalJSON(data); err != nil {
			return nil, err
		}
		return m, nil
	case RoleAssistant:
		m := &AssistantMessage{}
		if err := m.UnmarshalJSON(data); err != nil {
			return nil, err
		}
		return m, nil
	case RoleToolResult:
		m := &ToolResultMessage{}
		if err := json.Unmarshal(data, (*toolResultAlias)(m)); err != nil {
			return nil, err
		}
		return m, nil
	case RoleCompactionSummary:
		m := &CompactionSummaryMessage{}
		if err := json.Unmarshal(data, (*compactionAlias)(m)); err != nil {
			return nil, err
		}
		return m, nil
	case RoleCustom:
		m := &CustomMessage{}
		if err := json.Unmarshal(data, (*customAlias)(m)); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown message role %q", probe.Role)
	}
}

// MessageList is a []Message that knows how to decode its tagged elements.
type MessageList []Message

func (l *MessageList) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	msgs := make([]Message, 0, len(raws))
	for _, r := range raws {
		m, err := UnmarshalMessage(r)
		if err != nil {
			return err
		}
		msgs = append(msgs, m)
	}
	*l = msgs
	return nil
}
