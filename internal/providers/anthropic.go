package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/pi/pkg/models"
)

// Thinking budgets in tokens per reasoning level. The API requires at least
// 1024; max_tokens must stay above the budget or the request is rejected.
const (
	anthropicBudgetLow    = 2048
	anthropicBudgetMedium = 8192
	anthropicBudgetHigh   = 24576
)

// maxEmptyStreamEvents bounds consecutive unrecognised stream events before
// the stream is treated as malformed.
const maxEmptyStreamEvents = 300

// AnthropicProvider speaks the Anthropic Messages API. Thinking blocks carry
// cryptographic signatures streamed via signature deltas; both are preserved
// so the transcript replays verbatim.
type AnthropicProvider struct {
	client     anthropic.Client
	model      *models.Model
	maxRetries int
	retryDelay time.Duration
}

// NewAnthropicProvider builds an adapter for one Anthropic model.
func NewAnthropicProvider(m *models.Model, apiKey string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(m.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(m.BaseURL))
	}
	return &AnthropicProvider{
		client:     anthropic.NewClient(opts...),
		model:      m,
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
	}, nil
}

func (p *AnthropicProvider) Model() *models.Model { return p.model }

func (p *AnthropicProvider) Stream(ctx context.Context, req Request) (<-chan models.AssistantEvent, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	events := make(chan models.AssistantEvent, 64)
	go func() {
		defer close(events)
		e := newEmitter(ctx.Done(), events, p.model)
		e.start()

		// The SDK connects lazily: transport errors surface from the
		// first Next call, which is where the retry loop sits.
		for attempt := 0; ; attempt++ {
			stream := p.client.Messages.NewStreaming(ctx, params)
			if stream.Next() {
				p.process(ctx, stream, e)
				return
			}
			if ctx.Err() != nil {
				e.finish(models.StopReasonAborted)
				return
			}
			err := stream.Err()
			if err == nil {
				e.finish(models.StopReasonStop)
				return
			}
			werr := p.wrapError(err)
			if !IsRetryable(werr) || attempt >= p.maxRetries {
				e.fail(werr)
				return
			}
			backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				e.finish(models.StopReasonAborted)
				return
			case <-time.After(backoff):
			}
		}
	}()
	return events, nil
}

// process consumes stream events starting from stream.Current, which the
// caller has already fetched.
func (p *AnthropicProvider) process(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], e *emitter) {
	var toolID, toolName string
	var toolInput strings.Builder
	toolPending := false
	reason := models.StopReasonStop
	emptyEvents := 0

	for {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			u := e.usage()
			u.Input = int(ms.Message.Usage.InputTokens)
			// message_start already reports output tokens; keep them so an
			// aborted stream still carries the partial usage. message_delta
			// overwrites with the final count.
			u.Output = int(ms.Message.Usage.OutputTokens)
			u.CacheRead = int(ms.Message.Usage.CacheReadInputTokens)
			u.CacheWrite = int(ms.Message.Usage.CacheCreationInputTokens)
			emptyEvents = 0

		case "content_block_start":
			cbs := event.AsContentBlockStart()
			switch cbs.ContentBlock.Type {
			case "text":
				e.openText("")
			case "thinking":
				e.openThinking("")
			case "tool_use":
				tu := cbs.ContentBlock.AsToolUse()
				e.closeBlock()
				toolID, toolName = tu.ID, tu.Name
				toolInput.Reset()
				toolPending = true
			}
			emptyEvents = 0

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				e.text(delta.Text)
			case "thinking_delta":
				e.thinking(delta.Thinking)
			case "signature_delta":
				e.signThinking(delta.Signature)
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			}
			emptyEvents = 0

		case "content_block_stop":
			if toolPending {
				e.toolCall(toolID, toolName, json.RawMessage(toolInput.String()))
				toolPending = false
			} else {
				e.closeBlock()
			}
			emptyEvents = 0

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				e.usage().Output = int(md.Usage.OutputTokens)
			}
			if md.Delta.StopReason != "" {
				reason = anthropicStopReason(string(md.Delta.StopReason))
			}
			emptyEvents = 0

		case "message_stop":
			e.finish(reason)
			return

		case "error":
			e.fail(NewProviderError(p.model.Provider, p.model.ID, errors.New("anthropic stream error")))
			return

		default:
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				e.fail(p.wrapError(fmt.Errorf("stream malformed: %d consecutive unrecognised events", emptyEvents)))
				return
			}
		}

		if !stream.Next() {
			break
		}
	}

	if toolPending {
		e.partialToolCall(toolID, toolName, toolInput.String())
	}
	if ctx.Err() != nil {
		e.finish(models.StopReasonAborted)
		return
	}
	if err := stream.Err(); err != nil {
		e.fail(p.wrapError(err))
		return
	}
	e.finish(reason)
}

func (p *AnthropicProvider) buildParams(req Request) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	maxTokens := int64(maxTokensFor(req, p.model))
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model.ID),
		Messages:  messages,
		MaxTokens: maxTokens,
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Type: "text", Text: req.System},
		}
	}

	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}

	if budget := anthropicThinkingBudget(req.Reasoning); budget > 0 {
		if params.MaxTokens <= budget {
			params.MaxTokens = budget + maxTokens
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}

	return params, nil
}

func anthropicThinkingBudget(level models.ReasoningLevel) int64 {
	switch level {
	case models.ReasoningLow:
		return anthropicBudgetLow
	case models.ReasoningMedium:
		return anthropicBudgetMedium
	case models.ReasoningHigh:
		return anthropicBudgetHigh
	default:
		return 0
	}
}

func anthropicStopReason(s string) models.StopReason {
	switch s {
	case "max_tokens":
		return models.StopReasonLength
	case "tool_use":
		return models.StopReasonToolUse
	case "refusal":
		return models.StopReasonSafety
	default:
		return models.StopReasonStop
	}
}

// convertAnthropicMessages converts a normalized transcript to MessageParams.
// The API requires strict role alternation, so runs of user text and tool
// results coalesce into single user messages.
func convertAnthropicMessages(msgs []models.Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	var userRun []anthropic.ContentBlockParamUnion

	flushRun := func() {
		if len(userRun) > 0 {
			out = append(out, anthropic.NewUserMessage(userRun...))
			userRun = nil
		}
	}

	for _, m := range msgs {
		switch mt := m.(type) {
		case *models.UserMessage:
			for _, b := range mt.Content {
				switch bt := b.(type) {
				case *models.TextBlock:
					if bt.Text != "" {
						userRun = append(userRun, anthropic.NewTextBlock(bt.Text))
					}
				case *models.ImageBlock:
					userRun = append(userRun, anthropic.NewImageBlockBase64(bt.MimeType, bt.Data))
				}
			}

		case *models.ToolResultMessage:
			content := mt.Content
			if content == "" {
				content = "(no output)"
			}
			userRun = append(userRun, anthropic.NewToolResultBlock(mt.ToolCallID, content, mt.IsError))

		case *models.AssistantMessage:
			flushRun()
			var content []anthropic.ContentBlockParamUnion
			for _, b := range mt.Content {
				switch bt := b.(type) {
				case *models.TextBlock:
					if bt.Text != "" {
						content = append(content, anthropic.NewTextBlock(bt.Text))
					}
				case *models.ThinkingBlock:
					// Unsigned thinking cannot be replayed.
					if bt.ThinkingSignature != "" {
						content = append(content, anthropic.NewThinkingBlock(bt.ThinkingSignature, bt.Thinking))
					}
				case *models.ToolCallBlock:
					var input map[string]any
					if err := json.Unmarshal(bt.Arguments, &input); err != nil {
						return nil, fmt.Errorf("tool call %s has invalid arguments: %w", bt.ID, err)
					}
					content = append(content, anthropic.NewToolUseBlock(bt.ID, input, bt.Name))
				}
			}
			if len(content) > 0 {
				out = append(out, anthropic.NewAssistantMessage(content...))
			}
		}
	}
	flushRun()
	return out, nil
}

func convertAnthropicTools(tools []ToolDef) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		providerErr := &ProviderError{
			Provider: p.model.Provider,
			Model:    p.model.ID,
			Cause:    err,
			Reason:   FailoverUnknown,
		}
		providerErr = providerErr.WithStatus(apiErr.StatusCode)

		message := ""
		code := ""
		requestID := apiErr.RequestID
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				message = payload.Error.Message
				code = payload.Error.Type
				if payload.RequestID != "" {
					requestID = payload.RequestID
				}
			}
		}

		if message != "" {
			providerErr = providerErr.WithMessage(message)
		} else {
			providerErr.Message = "anthropic request failed"
		}
		if code != "" {
			providerErr = providerErr.WithCode(code)
		}
		if requestID != "" {
			providerErr = providerErr.WithRequestID(requestID)
		}
		return providerErr
	}

	return NewProviderError(p.model.Provider, p.model.ID, err)
}
