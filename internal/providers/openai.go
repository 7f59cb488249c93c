package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/pi/pkg/models"
)

// OpenAIProvider speaks the Chat Completions API. It also serves any
// OpenAI-compatible gateway (set Model.BaseURL), which is why it never
// assumes vendor-specific extensions beyond the optional reasoning fields.
//
// Completions reports usage only in the terminal chunk, so an aborted stream
// carries zero usage.
type OpenAIProvider struct {
	client     *openai.Client
	model      *models.Model
	maxRetries int
}

// NewOpenAIProvider builds an adapter for one completions model.
func NewOpenAIProvider(m *models.Model, apiKey string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(m.BaseURL) != "" {
		cfg.BaseURL = m.BaseURL
	}
	return &OpenAIProvider{
		client:     openai.NewClientWithConfig(cfg),
		model:      m,
		maxRetries: defaultMaxRetries,
	}, nil
}

func (p *OpenAIProvider) Model() *models.Model { return p.model }

func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (<-chan models.AssistantEvent, error) {
	ccr, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}

	events := make(chan models.AssistantEvent, 64)
	go func() {
		defer close(events)
		e := newEmitter(ctx.Done(), events, p.model)
		e.start()

		var stream *openai.ChatCompletionStream
		err := retryStream(ctx, p.maxRetries, defaultRetryDelay, func() error {
			var cerr error
			stream, cerr = p.client.CreateChatCompletionStream(ctx, ccr)
			if cerr != nil {
				return p.wrapError(cerr)
			}
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				e.finish(models.StopReasonAborted)
				return
			}
			e.fail(p.wrapError(err))
			return
		}
		defer stream.Close()
		p.process(ctx, stream, e)
	}()
	return events, nil
}

// pendingCall accumulates one streamed tool call. Completions interleaves
// argument fragments across chunks keyed by index, not id.
type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

func (p *OpenAIProvider) process(ctx context.Context, stream *openai.ChatCompletionStream, e *emitter) {
	calls := make(map[int]*pendingCall)
	reason := models.StopReasonStop

	flushCalls := func() {
		idxs := make([]int, 0, len(calls))
		for i := range calls {
			idxs = append(idxs, i)
		}
		sort.Ints(idxs)
		for _, i := range idxs {
			c := calls[i]
			raw := c.args.String()
			if json.Valid([]byte(raw)) {
				e.toolCall(c.id, c.name, json.RawMessage(raw))
			} else {
				e.partialToolCall(c.id, c.name, raw)
			}
		}
		calls = make(map[int]*pendingCall)
	}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				flushCalls()
				e.finish(models.StopReasonAborted)
				return
			}
			e.fail(p.wrapError(err))
			return
		}

		// The usage chunk arrives after the last choice with an empty
		// choice list.
		if resp.Usage != nil {
			u := e.usage()
			u.Input = resp.Usage.PromptTokens
			u.Output = resp.Usage.CompletionTokens
			if d := resp.Usage.PromptTokensDetails; d != nil {
				u.CacheRead = d.CachedTokens
				u.Input -= d.CachedTokens
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		if choice.Delta.ReasoningContent != "" {
			e.thinking(choice.Delta.ReasoningContent)
		}
		if choice.Delta.Content != "" {
			e.text(choice.Delta.Content)
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			c := calls[idx]
			if c == nil {
				c = &pendingCall{}
				calls[idx] = c
			}
			if tc.ID != "" {
				c.id = tc.ID
			}
			if tc.Function.Name != "" {
				c.name = tc.Function.Name
			}
			c.args.WriteString(tc.Function.Arguments)
		}

		switch choice.FinishReason {
		case openai.FinishReasonToolCalls:
			reason = models.StopReasonToolUse
		case openai.FinishReasonLength:
			reason = models.StopReasonLength
		case openai.FinishReasonContentFilter:
			reason = models.StopReasonSafety
		case openai.FinishReasonStop:
			reason = models.StopReasonStop
		}
	}

	flushCalls()
	if ctx.Err() != nil {
		e.finish(models.StopReasonAborted)
		return
	}
	e.finish(reason)
}

func (p *OpenAIProvider) buildRequest(req Request) (openai.ChatCompletionRequest, error) {
	messages, err := convertCompletionsMessages(req.System, req.Messages)
	if err != nil {
		return openai.ChatCompletionRequest{}, fmt.Errorf("openai: failed to convert messages: %w", err)
	}

	ccr := openai.ChatCompletionRequest{
		Model:         p.model.ID,
		Messages:      messages,
		MaxTokens:     maxTokensFor(req, p.model),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.Temperature > 0 {
		ccr.Temperature = float32(req.Temperature)
	}
	if p.model.Reasoning && req.Reasoning != models.ReasoningOff {
		ccr.ReasoningEffort = string(req.Reasoning)
	}
	for _, tool := range req.Tools {
		ccr.Tools = append(ccr.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Schema,
			},
		})
	}
	return ccr, nil
}

// convertCompletionsMessages maps a normalized transcript onto the
// completions roles. Thinking blocks are not replayable on this API and are
// dropped; tool results map to role "tool" keyed by call id.
func convertCompletionsMessages(system string, msgs []models.Message) ([]openai.ChatCompletionMessage, error) {
	var out []openai.ChatCompletionMessage
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, m := range msgs {
		switch mt := m.(type) {
		case *models.UserMessage:
			msg, err := convertCompletionsUser(mt)
			if err != nil {
				return nil, err
			}
			out = append(out, msg)

		case *models.AssistantMessage:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
			var text strings.Builder
			for _, b := range mt.Content {
				switch bt := b.(type) {
				case *models.TextBlock:
					text.WriteString(bt.Text)
				case *models.ToolCallBlock:
					msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
						ID:   bt.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      bt.Name,
							Arguments: string(bt.Arguments),
						},
					})
				}
			}
			msg.Content = text.String()
			if msg.Content == "" && len(msg.ToolCalls) == 0 {
				continue
			}
			out = append(out, msg)

		case *models.ToolResultMessage:
			content := mt.Content
			if content == "" {
				content = "(no output)"
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    content,
				ToolCallID: mt.ToolCallID,
			})
		}
	}
	return out, nil
}

func convertCompletionsUser(m *models.UserMessage) (openai.ChatCompletionMessage, error) {
	msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}

	hasImage := false
	for _, b := range m.Content {
		if _, ok := b.(*models.ImageBlock); ok {
			hasImage = true
			break
		}
	}
	if !hasImage {
		var text strings.Builder
		for _, b := range m.Content {
			if tb, ok := b.(*models.TextBlock); ok {
				text.WriteString(tb.Text)
			}
		}
		msg.Content = text.String()
		return msg, nil
	}

	for _, b := range m.Content {
		switch bt := b.(type) {
		case *models.TextBlock:
			msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: bt.Text,
			})
		case *models.ImageBlock:
			msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL: fmt.Sprintf("data:%s;base64,%s", bt.MimeType, bt.Data),
				},
			})
		}
	}
	return msg, nil
}

func (p *OpenAIProvider) wrapError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr := NewProviderError(p.model.Provider, p.model.ID, err).
			WithStatus(apiErr.HTTPStatusCode).
			WithMessage(apiErr.Message)
		if code, ok := apiErr.Code.(string); ok && code != "" {
			providerErr = providerErr.WithCode(code)
		} else if apiErr.Type != "" {
			providerErr = providerErr.WithCode(apiErr.Type)
		}
		return providerErr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return NewProviderError(p.model.Provider, p.model.ID, err).
			WithStatus(reqErr.HTTPStatusCode)
	}

	return NewProviderError(p.model.Provider, p.model.ID, err)
}
