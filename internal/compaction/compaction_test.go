package compaction

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/pi/internal/providers"
	"github.com/haasonsaas/pi/pkg/models"
)

// summaryProvider replies to every request with a fixed summary text.
type summaryProvider struct {
	mu       sync.Mutex
	summary  string
	usage    models.Usage
	fail     bool
	requests []providers.Request
}

func (p *summaryProvider) Model() *models.Model {
	return &models.Model{ID: "sum-model", Provider: "testing", API: models.APIAnthropicMessages}
}

func (p *summaryProvider) Stream(_ context.Context, req providers.Request) (<-chan models.AssistantEvent, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	msg := &models.AssistantMessage{
		Content:    []models.ContentBlock{&models.TextBlock{Text: p.summary}},
		Provider:   "testing",
		API:        models.APIAnthropicMessages,
		Model:      "sum-model",
		Usage:      p.usage,
		StopReason: models.StopReasonStop,
		Timestamp:  time.Now(),
	}
	evType := models.EventDone
	if p.fail {
		msg.StopReason = models.StopReasonError
		msg.ErrorText = "refused"
		evType = models.EventError
	}
	ch := make(chan models.AssistantEvent, 2)
	ch <- models.AssistantEvent{Type: models.EventStart}
	ch <- models.AssistantEvent{Type: evType, Reason: msg.StopReason, Message: msg}
	close(ch)
	return ch, nil
}

func user(text string) *models.UserMessage { return models.NewUserMessage(text) }

func assistant(text string, calls ...*models.ToolCallBlock) *models.AssistantMessage {
	blocks := []models.ContentBlock{&models.TextBlock{Text: text}}
	reason := models.StopReasonStop
	for _, c := range calls {
		blocks = append(blocks, c)
		reason = models.StopReasonToolUse
	}
	return &models.AssistantMessage{
		Content:    blocks,
		Provider:   "testing",
		API:        models.APIAnthropicMessages,
		Model:      "sum-model",
		StopReason: reason,
		Timestamp:  time.Now(),
	}
}

func toolResult(id, content string) *models.ToolResultMessage {
	return &models.ToolResultMessage{ToolCallID: id, ToolName: "t", Content: content, Timestamp: time.Now()}
}

func TestCutPointKeepsTail(t *testing.T) {
	msgs := []models.Message{
		user("a"), assistant("b"), user("c"), assistant("d"), user("e"), assistant("f"),
	}
	if got := CutPoint(msgs, 4); got != 2 {
		t.Errorf("cut = %d, want 2", got)
	}
}

func TestCutPointNothingToCompact(t *testing.T) {
	msgs := []models.Message{user("a"), assistant("b")}
	if got := CutPoint(msgs, 4); got != 0 {
		t.Errorf("cut = %d, want 0", got)
	}
}

func TestCutPointAdvancesPastOpenToolPair(t *testing.T) {
	// Cutting at 2 would strand c1's results in the tail; the cut must
	// advance past both results.
	msgs := []models.Message{
		user("a"),
		assistant("b", &models.ToolCallBlock{ID: "c1", Name: "t"}, &models.ToolCallBlock{ID: "c2", Name: "t"}),
		toolResult("c1", "r1"),
		toolResult("c2", "r2"),
		user("c"),
		assistant("d"),
	}
	if got := CutPoint(msgs, 4); got != 4 {
		t.Errorf("cut = %d, want 4", got)
	}
}

func TestCompactReplacesHeadWithSummary(t *testing.T) {
	tr := models.NewTranscript(
		user("q1"), assistant("a1"),
		user("q2"), assistant("a2"),
		user("q3"), assistant("a3"),
	)
	p := &summaryProvider{summary: "the gist", usage: models.Usage{Input: 1234}}
	c := New(p, Config{KeepTail: 4})

	out, err := c.Compact(context.Background(), tr, "")
	if err != nil {
		t.Fatal(err)
	}
	if out.Summary.Summary != "the gist" {
		t.Errorf("summary = %q", out.Summary.Summary)
	}
	if out.Summary.TokensBefore != 1234 {
		t.Errorf("tokensBefore = %d, want the provider-reported usage", out.Summary.TokensBefore)
	}
	if out.TokensAfter <= 0 {
		t.Errorf("tokensAfter = %d", out.TokensAfter)
	}
	if out.TokensAfter >= out.Summary.TokensBefore {
		t.Errorf("tokensAfter = %d, want below tokensBefore %d", out.TokensAfter, out.Summary.TokensBefore)
	}

	msgs := tr.Snapshot()
	if len(msgs) != 5 {
		t.Fatalf("transcript has %d messages, want 5", len(msgs))
	}
	if _, ok := msgs[0].(*models.CompactionSummaryMessage); !ok {
		t.Errorf("head = %#v, want summary message", msgs[0])
	}
	if err := models.CheckTranscript(msgs); err != nil {
		t.Errorf("transcript invariants: %v", err)
	}
}

func TestCompactEstimatesTokensWithoutUsage(t *testing.T) {
	tr := models.NewTranscript(
		user(strings.Repeat("x", 400)), assistant("a1"),
		user("q2"), assistant("a2"),
		user("q3"), assistant("a3"),
	)
	p := &summaryProvider{summary: "gist"}
	c := New(p, Config{KeepTail: 4})

	out, err := c.Compact(context.Background(), tr, "")
	if err != nil {
		t.Fatal(err)
	}
	if out.Summary.TokensBefore <= 0 {
		t.Errorf("tokensBefore = %d, want a positive estimate", out.Summary.TokensBefore)
	}
}

func TestCompactTooShort(t *testing.T) {
	tr := models.NewTranscript(user("q1"), assistant("a1"))
	c := New(&summaryProvider{summary: "gist"}, Config{})
	if _, err := c.Compact(context.Background(), tr, ""); err == nil {
		t.Fatal("expected error for short transcript")
	}
}

func TestCompactSummaryFailure(t *testing.T) {
	tr := models.NewTranscript(
		user("q1"), assistant("a1"),
		user("q2"), assistant("a2"),
		user("q3"), assistant("a3"),
	)
	p := &summaryProvider{fail: true}
	c := New(p, Config{})

	if _, err := c.Compact(context.Background(), tr, ""); err == nil {
		t.Fatal("expected error from failed summary request")
	}
	// A failed summary must leave the transcript untouched.
	if tr.Len() != 6 {
		t.Errorf("transcript length = %d after failed compaction", tr.Len())
	}
}

func TestCompactCustomInstructionsReachPrompt(t *testing.T) {
	tr := models.NewTranscript(
		user("q1"), assistant("a1"),
		user("q2"), assistant("a2"),
		user("q3"), assistant("a3"),
	)
	p := &summaryProvider{summary: "gist"}
	c := New(p, Config{KeepTail: 4})

	if _, err := c.Compact(context.Background(), tr, "focus on file changes"); err != nil {
		t.Fatal(err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) != 1 {
		t.Fatalf("provider called %d times", len(p.requests))
	}
	prompt := p.requests[0].Messages[0].(*models.UserMessage).Text()
	if !strings.Contains(prompt, "focus on file changes") {
		t.Errorf("custom instructions missing from prompt:\n%s", prompt)
	}
	if !strings.Contains(prompt, "[user]: q1") {
		t.Errorf("head messages missing from prompt:\n%s", prompt)
	}
}

func TestBuildSummaryPromptFormatsRoles(t *testing.T) {
	head := []models.Message{
		user("hello"),
		assistant("hi", &models.ToolCallBlock{ID: "c1", Name: "bash", Arguments: []byte(`{"command":"ls"}`)}),
		toolResult("c1", "file.txt"),
	}
	prompt := BuildSummaryPrompt(head, "")
	for _, want := range []string{"[user]: hello", "[assistant]: hi", "[tool call c1]: bash", "[tool result c1]: file.txt"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestEstimateTokensFallbackCeiling(t *testing.T) {
	// Regardless of which estimator runs, a non-empty text estimates to a
	// positive count and longer texts estimate higher.
	short := EstimateTokens("hi")
	long := EstimateTokens(strings.Repeat("some longer text ", 50))
	if short <= 0 {
		t.Errorf("short estimate = %d", short)
	}
	if long <= short {
		t.Errorf("long estimate %d not above short %d", long, short)
	}
}

func TestCompactionTextHeader(t *testing.T) {
	msg := &models.CompactionSummaryMessage{Summary: "the gist", TokensBefore: 42}
	want := "Context compacted from 42 tokens:\n\nthe gist"
	if got := msg.CompactionText(); got != want {
		t.Errorf("CompactionText() = %q, want %q", got, want)
	}
}
