// Package agent drives the prompt loop at the core of a session: it streams
// assistant messages from a provider adapter, fans requested tool calls out
// to registered tools, and appends results to the transcript in call order
// until the model stops asking for tools.
//
// The loop runs on the session's scheduler goroutine. Parallelism exists
// only inside the tool fan-out, bounded by maxParallelTools; everything else
// is sequential, which is what makes the event order observable by
// subscribers deterministic.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/pi/internal/hooks"
	"github.com/haasonsaas/pi/internal/observability"
	"github.com/haasonsaas/pi/internal/providers"
	"github.com/haasonsaas/pi/pkg/models"
)

// Config carries the per-session knobs the loop needs.
type Config struct {
	SessionID        string
	SystemPrompt     string
	Temperature      float64
	Reasoning        models.ReasoningLevel
	MaxParallelTools int
	Logger           *slog.Logger
	Tracer           *observability.Tracer
}

// EmitFunc publishes one session event. The session controller assigns
// sequence numbers and timestamps; the loop only fills type and payload.
// Delivery is synchronous, so a slow emit throttles the loop.
type EmitFunc func(ev *models.SessionEvent)

// Loop is the turn scheduler for one session. It does not own the transcript
// or the registry; the session controller does, and it invokes Run on its
// single scheduler goroutine.
type Loop struct {
	provider   providers.Provider
	registry   *Registry
	executor   *Executor
	dispatcher *hooks.Dispatcher
	transcript *models.Transcript
	emit       EmitFunc
	cfg        Config
	logger     *slog.Logger
	tracer     *observability.Tracer
}

// NewLoop wires a scheduler over the session's parts. dispatcher may be nil
// when no extensions are loaded; emit may be nil when nobody subscribes.
func NewLoop(provider providers.Provider, registry *Registry, dispatcher *hooks.Dispatcher, transcript *models.Transcript, emit EmitFunc, cfg Config) *Loop {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}
	if emit == nil {
		emit = func(*models.SessionEvent) {}
	}
	return &Loop{
		provider:   provider,
		registry:   registry,
		executor:   NewExecutor(registry, dispatcher, cfg.MaxParallelTools, cfg.Logger),
		dispatcher: dispatcher,
		transcript: transcript,
		emit:       emit,
		cfg:        cfg,
		logger:     cfg.Logger,
		tracer:     cfg.Tracer,
	}
}

// Run drives one prompt to settlement. The transcript must already end with
// the user message that triggers the request. Run returns once the model
// stops requesting tools, the stream fails terminally, or ctx is cancelled
// after the in-flight turn settles; the transcript satisfies its structural
// invariants on every exit path.
func (l *Loop) Run(ctx context.Context) error {
	l.lifecycle(ctx, hooks.EventAgentStart, models.SessionAgentStart)
	defer l.lifecycle(ctx, hooks.EventAgentEnd, models.SessionAgentEnd)

	for turn := 0; ; turn++ {
		results, err := l.turn(ctx, turn)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			return nil
		}
		if ctx.Err() != nil {
			// Aborted: the fan-out has settled, do not start another turn.
			return nil
		}
	}
}

// turn runs one scheduler iteration: request, stream, tool fan-out. It
// returns the tool results (nil when the model requested none, which ends
// the prompt).
func (l *Loop) turn(ctx context.Context, turn int) ([]*models.ToolResultMessage, error) {
	turnCtx, span := l.tracer.TraceTurn(ctx, l.cfg.SessionID, turn)
	defer span.End()

	l.lifecycle(turnCtx, hooks.EventTurnStart, models.SessionTurnStart)

	msg, err := l.streamOnce(turnCtx)
	if err != nil {
		l.tracer.RecordError(span, err)
		l.emit(&models.SessionEvent{Type: models.SessionError, Error: err.Error()})
		l.lifecycle(turnCtx, hooks.EventTurnEnd, models.SessionTurnEnd)
		return nil, err
	}

	if err := l.transcript.Append(msg); err != nil {
		return nil, fmt.Errorf("append assistant message: %w", err)
	}

	calls := msg.ToolCalls()
	if len(calls) == 0 {
		l.emitTurnEnd(turnCtx, msg, nil)
		return nil, nil
	}

	results := l.executor.Run(turnCtx, l.cfg.SessionID, calls, l.observer(turnCtx))
	if err := l.transcript.AppendToolResults(results...); err != nil {
		return nil, fmt.Errorf("append tool results: %w", err)
	}
	l.emitTurnEnd(turnCtx, msg, results)
	return results, nil
}

// streamOnce performs one provider request and drains its stream,
// republishing every event as message_update and keeping the in-flight
// scratch current. The terminal event's message is returned; both done and
// error streams end with a complete message.
func (l *Loop) streamOnce(ctx context.Context) (*models.AssistantMessage, error) {
	model := l.provider.Model()
	llmCtx, span := l.tracer.TraceLLMRequest(ctx, model.Provider, model.ID)
	defer span.End()

	req := providers.Request{
		System:      l.cfg.SystemPrompt,
		Messages:    models.NormalizeForModel(l.transcript.Snapshot(), model),
		Tools:       l.registry.Defs(),
		MaxTokens:   model.MaxTokens,
		Temperature: l.cfg.Temperature,
		Reasoning:   l.cfg.Reasoning,
	}

	ch, err := l.provider.Stream(llmCtx, req)
	if err != nil {
		l.tracer.RecordError(span, err)
		return nil, fmt.Errorf("start stream: %w", err)
	}

	var scratch inFlight
	var final *models.AssistantMessage
	for ev := range ch {
		ev := ev
		l.emit(&models.SessionEvent{Type: models.SessionMessageUpdate, Assistant: &ev})
		switch ev.Type {
		case models.EventDone, models.EventError:
			final = ev.Message
		default:
			if partial := scratch.apply(ev, model); partial != nil {
				l.transcript.SetInFlight(partial)
			}
		}
	}
	l.transcript.SetInFlight(nil)

	if final == nil {
		// An adapter that closes without a terminal event is broken.
		return nil, fmt.Errorf("provider %s stream ended without a terminal event", model.Provider)
	}
	l.tracer.SetAttributes(span,
		"llm.stop_reason", string(final.StopReason),
		"llm.input_tokens", final.Usage.Input,
		"llm.output_tokens", final.Usage.Output,
	)
	l.logger.Debug("stream settled",
		"model", model.ID,
		"stop_reason", final.StopReason,
		"tool_calls", len(final.ToolCalls()),
	)
	return final, nil
}

// observer adapts executor callbacks to subscriber events and tool spans.
func (l *Loop) observer(ctx context.Context) Observer {
	return Observer{
		ToolStart: func(call *models.ToolCallBlock) {
			l.emit(&models.SessionEvent{
				Type:       models.SessionToolExecutionStart,
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Args:       call.Arguments,
			})
		},
		ToolEnd: func(call *models.ToolCallBlock, result *models.ToolResultMessage) {
			_, span := l.tracer.TraceToolExecution(ctx, call.Name)
			l.tracer.SetAttributes(span, "tool.is_error", result.IsError)
			span.End()
			l.emit(&models.SessionEvent{
				Type:       models.SessionToolExecutionEnd,
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Result:     result,
			})
		},
	}
}

// lifecycle fires the paired hook event and subscriber event for the
// bracketing points of the loop. Hook handlers see the current transcript.
func (l *Loop) lifecycle(ctx context.Context, hookType hooks.EventType, eventType models.SessionEventType) {
	if l.dispatcher != nil {
		ev := hooks.NewEvent(hookType)
		ev.SessionID = l.cfg.SessionID
		ev.Messages = l.transcript.Snapshot()
		l.dispatcher.Dispatch(ctx, ev)
	}
	l.emit(&models.SessionEvent{Type: eventType})
}

// emitTurnEnd publishes turn_end with the turn's message and results, then
// fires the hook so extensions observe the settled turn.
func (l *Loop) emitTurnEnd(ctx context.Context, msg *models.AssistantMessage, results []*models.ToolResultMessage) {
	if l.dispatcher != nil {
		ev := hooks.NewEvent(hooks.EventTurnEnd)
		ev.SessionID = l.cfg.SessionID
		ev.Messages = l.transcript.Snapshot()
		l.dispatcher.Dispatch(ctx, ev)
	}
	l.emit(&models.SessionEvent{
		Type:    models.SessionTurnEnd,
		Message: msg,
		Results: results,
	})
}

// inFlight accumulates streamed deltas into a display snapshot. Every apply
// returns a fresh message whose blocks are not mutated afterwards, so
// Transcript.InFlight readers never race with the stream.
type inFlight struct {
	blocks []models.ContentBlock
}

func (f *inFlight) apply(ev models.AssistantEvent, model *models.Model) *models.AssistantMessage {
	switch ev.Type {
	case models.EventTextStart:
		f.blocks = append(f.blocks, &models.TextBlock{})
	case models.EventTextDelta:
		tb, ok := f.block(ev.ContentIndex).(*models.TextBlock)
		if !ok {
			return nil
		}
		f.set(ev.ContentIndex, &models.TextBlock{Text: tb.Text + ev.Delta, TextSignature: tb.TextSignature})
	case models.EventThinkingStart:
		f.blocks = append(f.blocks, &models.ThinkingBlock{})
	case models.EventThinkingDelta:
		tb, ok := f.block(ev.ContentIndex).(*models.ThinkingBlock)
		if !ok {
			return nil
		}
		f.set(ev.ContentIndex, &models.ThinkingBlock{Thinking: tb.Thinking + ev.Delta, ThinkingSignature: tb.ThinkingSignature})
	case models.EventToolCall:
		if ev.ToolCall == nil {
			return nil
		}
		f.blocks = append(f.blocks, ev.ToolCall)
	default:
		return nil
	}
	return &models.AssistantMessage{
		Content:   append([]models.ContentBlock(nil), f.blocks...),
		Provider:  model.Provider,
		API:       model.API,
		Model:     model.ID,
		Timestamp: time.Now(),
	}
}

func (f *inFlight) block(idx int) models.ContentBlock {
	if idx < 0 || idx >= len(f.blocks) {
		return nil
	}
	return f.blocks[idx]
}

func (f *inFlight) set(idx int, b models.ContentBlock) {
	if idx >= 0 && idx < len(f.blocks) {
		f.blocks[idx] = b
	}
}
