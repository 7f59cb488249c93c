package providers

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/haasonsaas/pi/internal/partialjson"
	"github.com/haasonsaas/pi/pkg/models"
)

// emitter assembles one assistant message block by block while forwarding
// normalized events. Adapters feed it vendor deltas; it owns block
// bracketing, content indices, and the terminal event.
//
// Delta events are dropped once ctx is cancelled, but the terminal event is
// always delivered: consumers are required to drain the channel.
type emitter struct {
	ch    chan<- models.AssistantEvent
	done  <-chan struct{}
	model *models.Model
	msg   *models.AssistantMessage
	open  models.BlockType
	buf   strings.Builder
	fin   bool
}

func newEmitter(done <-chan struct{}, ch chan<- models.AssistantEvent, m *models.Model) *emitter {
	return &emitter{
		ch:    ch,
		done:  done,
		model: m,
		msg: &models.AssistantMessage{
			Provider:  m.Provider,
			API:       m.API,
			Model:     m.ID,
			Timestamp: time.Now(),
		},
	}
}

func (e *emitter) send(ev models.AssistantEvent) {
	select {
	case e.ch <- ev:
	case <-e.done:
	}
}

func (e *emitter) start() {
	e.send(models.AssistantEvent{Type: models.EventStart})
}

func (e *emitter) idx() int { return len(e.msg.Content) - 1 }

// openText begins a new text block. sig is the provider-scoped signature when
// it is known up front (responses-style item ids), otherwise empty.
func (e *emitter) openText(sig string) {
	e.closeBlock()
	e.msg.Content = append(e.msg.Content, &models.TextBlock{TextSignature: sig})
	e.open = models.BlockText
	e.buf.Reset()
	e.send(models.AssistantEvent{Type: models.EventTextStart, ContentIndex: e.idx()})
}

func (e *emitter) openThinking(sig string) {
	e.closeBlock()
	e.msg.Content = append(e.msg.Content, &models.ThinkingBlock{ThinkingSignature: sig})
	e.open = models.BlockThinking
	e.buf.Reset()
	e.send(models.AssistantEvent{Type: models.EventThinkingStart, ContentIndex: e.idx()})
}

// text appends a text delta, opening a block when none is open.
func (e *emitter) text(delta string) {
	if delta == "" {
		return
	}
	if e.open != models.BlockText {
		e.openText("")
	}
	e.buf.WriteString(delta)
	e.send(models.AssistantEvent{Type: models.EventTextDelta, ContentIndex: e.idx(), Delta: delta})
}

// thinking appends a reasoning delta, opening a block when none is open.
func (e *emitter) thinking(delta string) {
	if delta == "" {
		return
	}
	if e.open != models.BlockThinking {
		e.openThinking("")
	}
	e.buf.WriteString(delta)
	e.send(models.AssistantEvent{Type: models.EventThinkingDelta, ContentIndex: e.idx(), Delta: delta})
}

// signThinking attaches a signature to the open thinking block. Anthropic
// delivers these in fragments, so the value appends.
func (e *emitter) signThinking(sig string) {
	if e.open != models.BlockThinking || sig == "" {
		return
	}
	tb := e.msg.Content[e.idx()].(*models.ThinkingBlock)
	tb.ThinkingSignature += sig
}

// signText attaches a signature to the open text block.
func (e *emitter) signText(sig string) {
	if e.open != models.BlockText || sig == "" {
		return
	}
	tb := e.msg.Content[e.idx()].(*models.TextBlock)
	tb.TextSignature = sig
}

// toolCall records a completed tool call. Arguments must be the full JSON
// argument document.
func (e *emitter) toolCall(id, name string, args json.RawMessage) {
	e.closeBlock()
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	block := &models.ToolCallBlock{ID: id, Name: name, Arguments: args}
	e.msg.Content = append(e.msg.Content, block)
	e.send(models.AssistantEvent{Type: models.EventToolCall, ContentIndex: e.idx(), ToolCall: block})
}

// partialToolCall records a tool call whose arguments were cut off
// mid-stream, salvaging the consumable prefix of the argument document.
func (e *emitter) partialToolCall(id, name, partialArgs string) {
	args := json.RawMessage(`{}`)
	if obj := partialjson.Object(partialArgs); obj != nil {
		if data, err := json.Marshal(obj); err == nil {
			args = data
		}
	}
	e.toolCall(id, name, args)
}

func (e *emitter) closeBlock() {
	switch e.open {
	case models.BlockText:
		tb := e.msg.Content[e.idx()].(*models.TextBlock)
		tb.Text = e.buf.String()
		e.send(models.AssistantEvent{Type: models.EventTextEnd, ContentIndex: e.idx()})
	case models.BlockThinking:
		tb := e.msg.Content[e.idx()].(*models.ThinkingBlock)
		tb.Thinking = e.buf.String()
		e.send(models.AssistantEvent{Type: models.EventThinkingEnd, ContentIndex: e.idx()})
	}
	e.open = ""
	e.buf.Reset()
}

// finish emits the terminal done event. Safe to call once; the send bypasses
// the cancellation gate so an aborted stream still yields its message.
func (e *emitter) finish(reason models.StopReason) {
	if e.fin {
		return
	}
	e.fin = true
	e.closeBlock()
	e.msg.StopReason = reason
	e.msg.Usage.ComputeCost(e.model.Cost)
	e.ch <- models.AssistantEvent{Type: models.EventDone, Reason: reason, Message: e.msg}
}

// fail emits the terminal error event for a transport or API failure.
func (e *emitter) fail(err error) {
	if e.fin {
		return
	}
	e.fin = true
	e.closeBlock()
	e.msg.StopReason = models.StopReasonError
	e.msg.ErrorText = err.Error()
	e.msg.Usage.ComputeCost(e.model.Cost)
	e.ch <- models.AssistantEvent{Type: models.EventError, Error: err.Error(), Message: e.msg}
}

// usage gives adapters direct access to the message's usage accumulator.
func (e *emitter) usage() *models.Usage { return &e.msg.Usage }
