package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/haasonsaas/pi/pkg/models"
)

func sseHandler(t *testing.T, lines []string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Error("expected http.Flusher")
			return
		}
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n", line)
			if line == "" {
				flusher.Flush()
			}
		}
		flusher.Flush()
	}
}

func TestAnthropicStream(t *testing.T) {
	server := httptest.NewServer(sseHandler(t, []string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","usage":{"input_tokens":7,"output_tokens":1,"cache_read_input_tokens":2,"cache_creation_input_tokens":3}}}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`,
		``,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop","index":0}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tool_1","name":"get_weather","input":{}}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"London\"}"}}`,
		``,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop","index":1}`,
		``,
		`event: message_delta`,
		`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":9}}`,
		``,
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
		``,
	}))
	defer server.Close()

	m := testModel(models.APIAnthropicMessages)
	m.BaseURL = server.URL
	p, err := NewAnthropicProvider(m, "test-key")
	if err != nil {
		t.Fatal(err)
	}

	ch, err := p.Stream(context.Background(), Request{
		Messages: []models.Message{models.NewUserMessage("hi")},
	})
	if err != nil {
		t.Fatal(err)
	}
	events, msg := collect(t, ch)

	if msg.StopReason != models.StopReasonToolUse {
		t.Errorf("stop reason = %q, want toolUse", msg.StopReason)
	}
	if msg.Text() != "Hello world" {
		t.Errorf("text = %q", msg.Text())
	}
	calls := msg.ToolCalls()
	if len(calls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(calls))
	}
	if calls[0].ID != "tool_1" || calls[0].Name != "get_weather" {
		t.Errorf("call = %+v", calls[0])
	}
	var args map[string]any
	if err := json.Unmarshal(calls[0].Arguments, &args); err != nil {
		t.Fatalf("arguments: %v", err)
	}
	if args["city"] != "London" {
		t.Errorf("args = %v", args)
	}

	u := msg.Usage
	if u.Input != 7 || u.Output != 9 || u.CacheRead != 2 || u.CacheWrite != 3 {
		t.Errorf("usage = %+v", u)
	}
	if u.Cost.Total <= 0 {
		t.Errorf("cost not computed: %+v", u.Cost)
	}

	var sawStart, sawTextStart, sawToolCall bool
	for _, ev := range events {
		switch ev.Type {
		case models.EventStart:
			sawStart = true
		case models.EventTextStart:
			sawTextStart = true
		case models.EventToolCall:
			sawToolCall = true
		}
	}
	if !sawStart || !sawTextStart || !sawToolCall {
		t.Errorf("missing events: start=%v textStart=%v toolCall=%v", sawStart, sawTextStart, sawToolCall)
	}
}

// TestAnthropicStreamAbort pins the abort contract for APIs that report
// usage up front: the terminal message keeps the partial usage.
func TestAnthropicStreamAbort(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "event: message_start\n")
		fmt.Fprint(w, `data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","usage":{"input_tokens":42,"output_tokens":1}}}`+"\n\n")
		fmt.Fprint(w, "event: content_block_start\n")
		fmt.Fprint(w, `data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`+"\n\n")
		fmt.Fprint(w, "event: content_block_delta\n")
		fmt.Fprint(w, `data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"par"}}`+"\n\n")
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	m := testModel(models.APIAnthropicMessages)
	m.BaseURL = server.URL
	p, err := NewAnthropicProvider(m, "test-key")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := p.Stream(ctx, Request{
		Messages: []models.Message{models.NewUserMessage("hi")},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Cancel only after the client has decoded the first delta, so the
	// message_start usage is guaranteed to have been recorded.
	var msg *models.AssistantMessage
	for ev := range ch {
		if ev.Type == models.EventTextDelta {
			cancel()
		}
		if ev.Type == models.EventDone || ev.Type == models.EventError {
			msg = ev.Message
		}
	}
	if msg == nil {
		t.Fatal("stream ended without a terminal event")
	}

	if msg.StopReason != models.StopReasonAborted {
		t.Fatalf("stop reason = %q, want aborted", msg.StopReason)
	}
	if msg.Usage.Input != 42 {
		t.Errorf("partial usage lost: input = %d, want 42", msg.Usage.Input)
	}
	if msg.Usage.Output != 1 {
		t.Errorf("partial usage lost: output = %d, want 1", msg.Usage.Output)
	}
}

func TestAnthropicThinkingBudget(t *testing.T) {
	tests := []struct {
		level models.ReasoningLevel
		want  int64
	}{
		{models.ReasoningOff, 0},
		{models.ReasoningLow, 2048},
		{models.ReasoningMedium, 8192},
		{models.ReasoningHigh, 24576},
	}
	for _, tt := range tests {
		if got := anthropicThinkingBudget(tt.level); got != tt.want {
			t.Errorf("budget(%q) = %d, want %d", tt.level, got, tt.want)
		}
	}
}

func TestAnthropicStopReason(t *testing.T) {
	tests := []struct {
		in   string
		want models.StopReason
	}{
		{"end_turn", models.StopReasonStop},
		{"max_tokens", models.StopReasonLength},
		{"tool_use", models.StopReasonToolUse},
		{"refusal", models.StopReasonSafety},
		{"stop_sequence", models.StopReasonStop},
	}
	for _, tt := range tests {
		if got := anthropicStopReason(tt.in); got != tt.want {
			t.Errorf("anthropicStopReason(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConvertAnthropicMessages(t *testing.T) {
	msgs := []models.Message{
		models.NewUserMessage("look at this"),
		&models.ToolResultMessage{ToolCallID: "c1", ToolName: "read", Content: "data"},
		&models.AssistantMessage{Content: []models.ContentBlock{
			&models.ThinkingBlock{Thinking: "hmm", ThinkingSignature: "sig"},
			&models.ThinkingBlock{Thinking: "unsigned"},
			&models.TextBlock{Text: "done"},
			&models.ToolCallBlock{ID: "c2", Name: "write", Arguments: json.RawMessage(`{"path":"x"}`)},
		}},
	}

	out, err := convertAnthropicMessages(msgs)
	if err != nil {
		t.Fatal(err)
	}
	// User text and the tool result coalesce into one user message.
	if len(out) != 2 {
		t.Fatalf("messages = %d, want 2", len(out))
	}
	if len(out[0].Content) != 2 {
		t.Errorf("user content blocks = %d, want 2", len(out[0].Content))
	}
	// Signed thinking + text + tool call survive; unsigned thinking dropped.
	if len(out[1].Content) != 3 {
		t.Errorf("assistant content blocks = %d, want 3", len(out[1].Content))
	}
}

func TestConvertAnthropicMessagesBadArguments(t *testing.T) {
	msgs := []models.Message{
		&models.AssistantMessage{Content: []models.ContentBlock{
			&models.ToolCallBlock{ID: "c1", Name: "run", Arguments: json.RawMessage(`{broken`)},
		}},
	}
	if _, err := convertAnthropicMessages(msgs); err == nil {
		t.Fatal("expected error for invalid tool arguments")
	}
}
