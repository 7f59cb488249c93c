package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestUserMessageContentShorthand(t *testing.T) {
	m, err := UnmarshalMessage([]byte(`{"role":"user","content":"hello"}`))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	um, ok := m.(*UserMessage)
	if !ok {
		t.Fatalf("got %T, want *UserMessage", m)
	}
	if got := um.Text(); got != "hello" {
		t.Errorf("text = %q, want %q", got, "hello")
	}
	if len(um.Content) != 1 {
		t.Errorf("content blocks = %d, want 1", len(um.Content))
	}
}

func TestAssistantMessageRoundTrip(t *testing.T) {
	orig := &AssistantMessage{
		Content: []ContentBlock{
			&ThinkingBlock{Thinking: "plan the answer", ThinkingSignature: "sig-1"},
			&TextBlock{Text: "answer", TextSignature: "msg-9"},
			&ToolCallBlock{ID: "call_1", Name: "read_file", Arguments: json.RawMessage(`{"path":"a.go"}`)},
		},
		Provider:   "anthropic",
		API:        APIAnthropicMessages,
		Model:      "claude-sonnet-4",
		Usage:      Usage{Input: 10, Output: 20},
		StopReason: StopReasonToolUse,
		Timestamp:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"role":"assistant"`) {
		t.Fatalf("missing role tag in %s", data)
	}

	back, err := UnmarshalMessage(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	am, ok := back.(*AssistantMessage)
	if !ok {
		t.Fatalf("got %T, want *AssistantMessage", back)
	}
	if len(am.Content) != 3 {
		t.Fatalf("content blocks = %d, want 3", len(am.Content))
	}
	th, ok := am.Content[0].(*ThinkingBlock)
	if !ok || th.Thinking != "plan the answer" || th.ThinkingSignature != "sig-1" {
		t.Errorf("thinking block = %+v", am.Content[0])
	}
	txt, ok := am.Content[1].(*TextBlock)
	if !ok || txt.Text != "answer" || txt.TextSignature != "msg-9" {
		t.Errorf("text block = %+v", am.Content[1])
	}
	tc, ok := am.Content[2].(*ToolCallBlock)
	if !ok || tc.ID != "call_1" || tc.Name != "read_file" {
		t.Errorf("tool call block = %+v", am.Content[2])
	}
	if am.StopReason != StopReasonToolUse {
		t.Errorf("stopReason = %q, want %q", am.StopReason, StopReasonToolUse)
	}
	if am.Usage.Input != 10 || am.Usage.Output != 20 {
		t.Errorf("usage = %+v", am.Usage)
	}
}

func TestToolResultRoundTrip(t *testing.T) {
	orig := &ToolResultMessage{
		ToolCallID: "call_7",
		ToolName:   "bash",
		Content:    "ok\n",
		IsError:    false,
	}
	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, err := UnmarshalMessage(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	tr, ok := back.(*ToolResultMessage)
	if !ok {
		t.Fatalf("got %T, want *ToolResultMessage", back)
	}
	if tr.ToolCallID != "call_7" || tr.ToolName != "bash" || tr.Content != "ok\n" {
		t.Errorf("round trip lost fields: %+v", tr)
	}
}

func TestCompactionText(t *testing.T) {
	m := &CompactionSummaryMessage{Summary: "we built a parser", TokensBefore: 90000}
	want := "Context compacted from 90000 tokens:\n\nwe built a parser"
	if got := m.CompactionText(); got != want {
		t.Errorf("compaction text = %q, want %q", got, want)
	}
}

func TestUnmarshalMessageUnknownRole(t *testing.T) {
	if _, err := UnmarshalMessage([]byte(`{"role":"wizard"}`)); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestUnmarshalBlockUnknownType(t *testing.T) {
	if _, err := UnmarshalBlock([]byte(`{"type":"video"}`)); err == nil {
		t.Fatal("expected error for unknown block type")
	}
}

func TestMessageListRoundTrip(t *testing.T) {
	msgs := []Message{
		NewUserMessage("hi"),
		&AssistantMessage{Content: []ContentBlock{&TextBlock{Text: "hello"}}, StopReason: StopReasonStop},
		&CustomMessage{CustomType: "note", Content: json.RawMessage(`{"k":1}`)},
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back MessageList
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(back) != 3 {
		t.Fatalf("len = %d, want 3", len(back))
	}
	if _, ok := back[0].(*UserMessage); !ok {
		t.Errorf("msg 0 = %T", back[0])
	}
	if _, ok := back[1].(*AssistantMessage); !ok {
		t.Errorf("msg 1 = %T", back[1])
	}
	cm, ok := back[2].(*CustomMessage)
	if !ok || cm.CustomType != "note" {
		t.Errorf("msg 2 = %+v", back[2])
	}
}

func TestUsageComputeCost(t *testing.T) {
	u := Usage{Input: 1_000_000, Output: 500_000, CacheRead: 2_000_000}
	u.ComputeCost(ModelCost{Input: 3, Output: 15, CacheRead: 0.25, CacheWrite: 3.75})
	if u.Cost.Input != 3 {
		t.Errorf("input cost = %v, want 3", u.Cost.Input)
	}
	if u.Cost.Output != 7.5 {
		t.Errorf("output cost = %v, want 7.5", u.Cost.Output)
	}
	if u.Cost.CacheRead != 0.5 {
		t.Errorf("cacheRead cost = %v, want 0.5", u.Cost.CacheRead)
	}
	if u.Cost.Total != 11 {
		t.Errorf("total cost = %v, want 11", u.Cost.Total)
	}
}
