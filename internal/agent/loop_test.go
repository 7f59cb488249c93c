package agent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/pi/internal/hooks"
	"github.com/haasonsaas/pi/internal/providers"
	"github.com/haasonsaas/pi/pkg/models"
)

func loopModel() *models.Model {
	return &models.Model{
		ID:            "test-model",
		Name:          "Test Model",
		Provider:      "testing",
		API:           models.APIAnthropicMessages,
		ContextWindow: 200000,
		MaxTokens:     4096,
		Input:         []string{"text"},
	}
}

// scriptedProvider plays back one event script per Stream call.
type scriptedProvider struct {
	mu       sync.Mutex
	model    *models.Model
	scripts  [][]models.AssistantEvent
	requests []providers.Request
}

func (p *scriptedProvider) Model() *models.Model { return p.model }

func (p *scriptedProvider) Stream(ctx context.Context, req providers.Request) (<-chan models.AssistantEvent, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	idx := len(p.requests) - 1
	var script []models.AssistantEvent
	if idx < len(p.scripts) {
		script = p.scripts[idx]
	}
	p.mu.Unlock()

	ch := make(chan models.AssistantEvent, len(script))
	for _, ev := range script {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func textReply(m *models.Model, text string) *models.AssistantMessage {
	return &models.AssistantMessage{
		Content:    []models.ContentBlock{&models.TextBlock{Text: text}},
		Provider:   m.Provider,
		API:        m.API,
		Model:      m.ID,
		Usage:      models.Usage{Input: 10, Output: 5},
		StopReason: models.StopReasonStop,
		Timestamp:  time.Now(),
	}
}

func toolReply(m *models.Model, calls ...*models.ToolCallBlock) *models.AssistantMessage {
	blocks := make([]models.ContentBlock, len(calls))
	for i, c := range calls {
		blocks[i] = c
	}
	return &models.AssistantMessage{
		Content:    blocks,
		Provider:   m.Provider,
		API:        m.API,
		Model:      m.ID,
		Usage:      models.Usage{Input: 10, Output: 5},
		StopReason: models.StopReasonToolUse,
		Timestamp:  time.Now(),
	}
}

func script(msg *models.AssistantMessage, mid ...models.AssistantEvent) []models.AssistantEvent {
	evs := []models.AssistantEvent{{Type: models.EventStart}}
	evs = append(evs, mid...)
	evs = append(evs, models.AssistantEvent{Type: models.EventDone, Reason: msg.StopReason, Message: msg})
	return evs
}

// collector gathers emitted session events; safe for worker goroutines.
type collector struct {
	mu     sync.Mutex
	events []*models.SessionEvent
}

func (c *collector) emit(ev *models.SessionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) types() []models.SessionEventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.SessionEventType, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}

func newTestLoop(t *testing.T, p providers.Provider, reg *Registry, d *hooks.Dispatcher, c *collector) (*Loop, *models.Transcript) {
	t.Helper()
	tr := models.NewTranscript(models.NewUserMessage("hello"))
	if reg == nil {
		reg = NewRegistry(nil)
	}
	l := NewLoop(p, reg, d, tr, c.emit, Config{SessionID: "s1", SystemPrompt: "You are terse."})
	return l, tr
}

func TestLoopSingleTurn(t *testing.T) {
	m := loopModel()
	p := &scriptedProvider{model: m, scripts: [][]models.AssistantEvent{
		script(textReply(m, "hi")),
	}}
	c := &collector{}
	l, tr := newTestLoop(t, p, nil, nil, c)

	if err := l.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	msgs := tr.Snapshot()
	if len(msgs) != 2 {
		t.Fatalf("transcript has %d messages, want 2", len(msgs))
	}
	reply, ok := msgs[1].(*models.AssistantMessage)
	if !ok || reply.Text() != "hi" {
		t.Errorf("reply = %#v", msgs[1])
	}

	want := []models.SessionEventType{
		models.SessionAgentStart,
		models.SessionTurnStart,
		models.SessionMessageUpdate, // start
		models.SessionMessageUpdate, // done
		models.SessionTurnEnd,
		models.SessionAgentEnd,
	}
	got := c.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("events[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestLoopToolRoundTrip(t *testing.T) {
	m := loopModel()
	tc := call("c1", "echo", `{"text":"hi"}`)
	p := &scriptedProvider{model: m, scripts: [][]models.AssistantEvent{
		script(toolReply(m, tc), models.AssistantEvent{Type: models.EventToolCall, ToolCall: tc, ContentIndex: 0}),
		script(textReply(m, "echoed")),
	}}

	reg := NewRegistry(nil)
	reg.Register(&testTool{name: "echo", exec: func(_ context.Context, _ string, args json.RawMessage, _ UpdateFunc) (*ToolOutput, error) {
		var a struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, err
		}
		return TextOutput(a.Text), nil
	}})

	c := &collector{}
	l, tr := newTestLoop(t, p, reg, nil, c)
	if err := l.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if p.calls() != 2 {
		t.Fatalf("provider called %d times, want 2", p.calls())
	}

	msgs := tr.Snapshot()
	if len(msgs) != 4 {
		t.Fatalf("transcript has %d messages, want 4: %v", len(msgs), msgs)
	}
	if err := models.CheckTranscript(msgs); err != nil {
		t.Fatalf("transcript invariants: %v", err)
	}
	res, ok := msgs[2].(*models.ToolResultMessage)
	if !ok || res.ToolCallID != "c1" || res.Content != "hi" {
		t.Errorf("tool result = %#v", msgs[2])
	}

	// The second request must replay the tool round-trip.
	p.mu.Lock()
	second := p.requests[1]
	p.mu.Unlock()
	if len(second.Messages) != 3 {
		t.Errorf("second request has %d messages, want 3", len(second.Messages))
	}
	if second.System != "You are terse." {
		t.Errorf("system prompt = %q", second.System)
	}
	if len(second.Tools) != 1 || second.Tools[0].Name != "echo" {
		t.Errorf("tools = %v", second.Tools)
	}
}

func TestLoopToolEventsBracketExecution(t *testing.T) {
	m := loopModel()
	tc := call("c1", "echo", `{}`)
	p := &scriptedProvider{model: m, scripts: [][]models.AssistantEvent{
		script(toolReply(m, tc), models.AssistantEvent{Type: models.EventToolCall, ToolCall: tc}),
		script(textReply(m, "done")),
	}}

	reg := NewRegistry(nil)
	reg.Register(&testTool{name: "echo"})

	c := &collector{}
	l, _ := newTestLoop(t, p, reg, nil, c)
	if err := l.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	var sawStart, sawEnd bool
	var startIdx, endIdx int
	for i, ev := range c.events {
		switch ev.Type {
		case models.SessionToolExecutionStart:
			sawStart, startIdx = true, i
			if ev.ToolCallID != "c1" || ev.ToolName != "echo" {
				t.Errorf("start event identity = (%q, %q)", ev.ToolCallID, ev.ToolName)
			}
		case models.SessionToolExecutionEnd:
			sawEnd, endIdx = true, i
			if ev.Result == nil || ev.Result.Content != "ok" {
				t.Errorf("end event result = %+v", ev.Result)
			}
		}
	}
	if !sawStart || !sawEnd {
		t.Fatalf("missing tool events: start=%v end=%v", sawStart, sawEnd)
	}
	if endIdx < startIdx {
		t.Error("tool_execution_end before tool_execution_start")
	}
}

func TestLoopTurnEndCarriesMessageAndResults(t *testing.T) {
	m := loopModel()
	tc := call("c1", "echo", `{}`)
	p := &scriptedProvider{model: m, scripts: [][]models.AssistantEvent{
		script(toolReply(m, tc), models.AssistantEvent{Type: models.EventToolCall, ToolCall: tc}),
		script(textReply(m, "done")),
	}}
	reg := NewRegistry(nil)
	reg.Register(&testTool{name: "echo"})

	c := &collector{}
	l, _ := newTestLoop(t, p, reg, nil, c)
	if err := l.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	var turnEnds []*models.SessionEvent
	for _, ev := range c.events {
		if ev.Type == models.SessionTurnEnd {
			turnEnds = append(turnEnds, ev)
		}
	}
	if len(turnEnds) != 2 {
		t.Fatalf("got %d turn_end events, want 2", len(turnEnds))
	}
	if len(turnEnds[0].Results) != 1 || turnEnds[0].Results[0].ToolCallID != "c1" {
		t.Errorf("first turn_end results = %v", turnEnds[0].Results)
	}
	if turnEnds[1].Results != nil {
		t.Errorf("final turn_end should have no results, got %v", turnEnds[1].Results)
	}
}

func TestLoopAbortStopsAfterFanOut(t *testing.T) {
	// The tool itself fires the cancel, simulating abort() during
	// execution. The loop must settle the fan-out and not request again
	// even though the message asked for tools.
	m := loopModel()
	tc := call("c1", "stop", `{}`)
	p := &scriptedProvider{model: m, scripts: [][]models.AssistantEvent{
		script(toolReply(m, tc), models.AssistantEvent{Type: models.EventToolCall, ToolCall: tc}),
		script(textReply(m, "never reached")),
	}}

	ctx, cancel := context.WithCancel(context.Background())
	reg := NewRegistry(nil)
	reg.Register(&testTool{name: "stop", exec: func(context.Context, string, json.RawMessage, UpdateFunc) (*ToolOutput, error) {
		cancel()
		return TextOutput("stopped"), nil
	}})

	c := &collector{}
	l, tr := newTestLoop(t, p, reg, nil, c)
	if err := l.Run(ctx); err != nil {
		t.Fatal(err)
	}

	if p.calls() != 1 {
		t.Errorf("provider called %d times after abort, want 1", p.calls())
	}
	if err := models.CheckTranscript(tr.Snapshot()); err != nil {
		t.Errorf("transcript invariants: %v", err)
	}
}

func TestLoopStreamErrorEndsTurn(t *testing.T) {
	m := loopModel()
	failed := &models.AssistantMessage{
		Content:    []models.ContentBlock{&models.TextBlock{Text: "partial"}},
		Provider:   m.Provider,
		API:        m.API,
		Model:      m.ID,
		StopReason: models.StopReasonError,
		ErrorText:  "boom",
		Timestamp:  time.Now(),
	}
	p := &scriptedProvider{model: m, scripts: [][]models.AssistantEvent{
		{
			{Type: models.EventStart},
			{Type: models.EventError, Error: "boom", Message: failed},
		},
	}}

	c := &collector{}
	l, tr := newTestLoop(t, p, nil, nil, c)
	if err := l.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	msgs := tr.Snapshot()
	if len(msgs) != 2 {
		t.Fatalf("transcript has %d messages", len(msgs))
	}
	reply := msgs[1].(*models.AssistantMessage)
	if reply.StopReason != models.StopReasonError || reply.ErrorText != "boom" {
		t.Errorf("reply = %+v", reply)
	}
	if p.calls() != 1 {
		t.Errorf("provider called %d times, want 1", p.calls())
	}
}

func TestLoopInFlightScratch(t *testing.T) {
	m := loopModel()
	reply := textReply(m, "hello world")
	var seen []string
	p := &scriptedProvider{model: m, scripts: [][]models.AssistantEvent{
		{
			{Type: models.EventStart},
			{Type: models.EventTextStart, ContentIndex: 0},
			{Type: models.EventTextDelta, ContentIndex: 0, Delta: "hello"},
			{Type: models.EventTextDelta, ContentIndex: 0, Delta: " world"},
			{Type: models.EventTextEnd, ContentIndex: 0},
			{Type: models.EventDone, Reason: models.StopReasonStop, Message: reply},
		},
	}}

	c := &collector{}
	tr := models.NewTranscript(models.NewUserMessage("hello"))
	var l *Loop
	emit := func(ev *models.SessionEvent) {
		c.emit(ev)
		if partial := tr.InFlight(); partial != nil {
			seen = append(seen, partial.Text())
		}
	}
	l = NewLoop(p, NewRegistry(nil), nil, tr, emit, Config{SessionID: "s1"})

	if err := l.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The scratch grows with the deltas and is cleared before the loop
	// returns.
	var sawFull bool
	for _, s := range seen {
		if s == "hello world" {
			sawFull = true
		}
	}
	if !sawFull {
		t.Errorf("in-flight snapshots = %v, want one equal to the full text", seen)
	}
	if tr.InFlight() != nil {
		t.Error("in-flight scratch not cleared after settlement")
	}
}

func TestLoopLifecycleHooksFire(t *testing.T) {
	m := loopModel()
	p := &scriptedProvider{model: m, scripts: [][]models.AssistantEvent{
		script(textReply(m, "hi")),
	}}

	var mu sync.Mutex
	var fired []hooks.EventType
	d := hooks.NewDispatcher(nil)
	record := func(_ context.Context, ev *hooks.Event) (*hooks.Result, error) {
		mu.Lock()
		fired = append(fired, ev.Type)
		mu.Unlock()
		return nil, nil
	}
	for _, et := range []hooks.EventType{hooks.EventAgentStart, hooks.EventTurnStart, hooks.EventTurnEnd, hooks.EventAgentEnd} {
		d.Register(et, record)
	}

	c := &collector{}
	l, _ := newTestLoop(t, p, nil, d, c)
	if err := l.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []hooks.EventType{hooks.EventAgentStart, hooks.EventTurnStart, hooks.EventTurnEnd, hooks.EventAgentEnd}
	mu.Lock()
	defer mu.Unlock()
	if len(fired) != len(want) {
		t.Fatalf("hooks fired = %v, want %v", fired, want)
	}
	for i := range want {
		if fired[i] != want[i] {
			t.Errorf("fired[%d] = %s, want %s", i, fired[i], want[i])
		}
	}
}
