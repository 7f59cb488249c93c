package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/pi/internal/hooks"
	"github.com/haasonsaas/pi/pkg/models"
)

// DefaultMaxParallelTools bounds concurrent tool execution when the session
// does not configure a limit.
const DefaultMaxParallelTools = 4

// Observer receives execution lifecycle notifications. Callbacks run on
// worker goroutines and must be safe for concurrent use; they must not
// block, or they throttle the whole fan-out.
type Observer struct {
	// ToolStart fires when a call begins executing (after its tool_call
	// hook dispatch).
	ToolStart func(call *models.ToolCallBlock)

	// ToolEnd fires when a call settles, with its result. Every call
	// settles exactly once, including blocked and aborted ones.
	ToolEnd func(call *models.ToolCallBlock, result *models.ToolResultMessage)

	// ToolUpdate relays partial output from a running tool.
	ToolUpdate func(call *models.ToolCallBlock, partial *ToolOutput)
}

// Executor fans one assistant message's tool calls out to the registry with
// bounded parallelism. Results come back indexed by call order regardless of
// completion order, so the transcript append stays deterministic for replay.
type Executor struct {
	registry *Registry
	hooks    *hooks.Dispatcher
	logger   *slog.Logger
	parallel int
}

// NewExecutor creates an executor over the registry. maxParallel caps
// concurrent executions per assistant message; values below 1 fall back to
// DefaultMaxParallelTools. The dispatcher may be nil when no extensions are
// loaded.
func NewExecutor(registry *Registry, dispatcher *hooks.Dispatcher, maxParallel int, logger *slog.Logger) *Executor {
	if maxParallel < 1 {
		maxParallel = DefaultMaxParallelTools
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry: registry,
		hooks:    dispatcher,
		logger:   logger,
		parallel: maxParallel,
	}
}

// Run executes the calls and returns their results in call order. A failing
// tool never cancels its siblings; only ctx does. Calls that never start
// because ctx was already cancelled settle with a synthetic "aborted" error
// result, so the caller can always append a complete result set.
func (e *Executor) Run(ctx context.Context, sessionID string, calls []*models.ToolCallBlock, obs Observer) []*models.ToolResultMessage {
	results := make([]*models.ToolResultMessage, len(calls))

	sem := make(chan struct{}, e.parallel)
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, call *models.ToolCallBlock) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = e.settle(call, abortedResult(call), obs, false)
				return
			}
			if ctx.Err() != nil {
				results[idx] = e.settle(call, abortedResult(call), obs, false)
				return
			}

			if blocked, reason := e.dispatchToolCall(ctx, sessionID, call); blocked {
				results[idx] = e.settle(call, errorResult(call, reason), obs, false)
				return
			}

			if obs.ToolStart != nil {
				obs.ToolStart(call)
			}
			start := time.Now()
			var onUpdate UpdateFunc
			if obs.ToolUpdate != nil {
				onUpdate = func(partial *ToolOutput) { obs.ToolUpdate(call, partial) }
			}
			result := e.registry.Execute(ctx, call, onUpdate)
			e.logger.Debug("tool executed",
				"tool", call.Name,
				"tool_call_id", call.ID,
				"is_error", result.IsError,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			results[idx] = e.settle(call, result, obs, true)
		}(i, call)
	}

	wg.Wait()
	return results
}

// settle finishes one call: it dispatches the tool_result hook for results
// produced by an actual execution and notifies the observer. Blocked and
// aborted calls skip the hook; the tool never ran.
func (e *Executor) settle(call *models.ToolCallBlock, result *models.ToolResultMessage, obs Observer, executed bool) *models.ToolResultMessage {
	if executed && e.hooks != nil {
		ev := hooks.NewEvent(hooks.EventToolResult)
		ev.ToolCallID = call.ID
		ev.ToolName = call.Name
		ev.Args = call.Arguments
		ev.Result = result
		e.hooks.Dispatch(context.Background(), ev)
	}
	if obs.ToolEnd != nil {
		obs.ToolEnd(call, result)
	}
	return result
}

// dispatchToolCall runs the tool_call hook. The first handler that blocks
// cancels this call only; its reason becomes the error result text.
func (e *Executor) dispatchToolCall(ctx context.Context, sessionID string, call *models.ToolCallBlock) (bool, string) {
	if e.hooks == nil {
		return false, ""
	}
	ev := hooks.NewEvent(hooks.EventToolCall)
	ev.SessionID = sessionID
	ev.ToolCallID = call.ID
	ev.ToolName = call.Name
	ev.Args = call.Arguments
	res := e.hooks.Dispatch(ctx, ev)
	if res == nil || !res.Block {
		return false, ""
	}
	reason := res.Reason
	if reason == "" {
		reason = "tool call blocked by extension"
	}
	return true, reason
}

func abortedResult(call *models.ToolCallBlock) *models.ToolResultMessage {
	return errorResult(call, "aborted")
}
