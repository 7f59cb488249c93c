package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	openaiv2 "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/ssestream"
	"github.com/openai/openai-go/v2/responses"
	"github.com/openai/openai-go/v2/shared"

	"github.com/haasonsaas/pi/pkg/models"
)

// ResponsesProvider speaks the OpenAI Responses API. Output items carry ids
// that must be echoed back on replay, so text blocks store the message item
// id as their signature and thinking blocks store the reasoning item id plus
// the encrypted reasoning payload. Requests run with store=false; the
// encrypted content is what lets reasoning survive across turns.
type ResponsesProvider struct {
	client     openaiv2.Client
	model      *models.Model
	maxRetries int
	retryDelay time.Duration
}

// NewResponsesProvider builds an adapter for one responses-API model.
func NewResponsesProvider(m *models.Model, apiKey string) (*ResponsesProvider, error) {
	if apiKey == "" {
		return nil, errors.New("responses: API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(m.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(m.BaseURL))
	}
	return &ResponsesProvider{
		client:     openaiv2.NewClient(opts...),
		model:      m,
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
	}, nil
}

func (p *ResponsesProvider) Model() *models.Model { return p.model }

func (p *ResponsesProvider) Stream(ctx context.Context, req Request) (<-chan models.AssistantEvent, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	events := make(chan models.AssistantEvent, 64)
	go func() {
		defer close(events)
		e := newEmitter(ctx.Done(), events, p.model)
		e.start()

		for attempt := 0; ; attempt++ {
			stream := p.client.Responses.NewStreaming(ctx, params)
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

func (p *ResponsesProvider) process(ctx context.Context, stream *ssestream.Stream[responses.ResponseStreamEventUnion], e *emitter) {
	var callItemID, callID, callName string
	var callArgs strings.Builder
	callPending := false
	sawToolCall := false
	reason := models.StopReasonStop

	recordUsage := func(u responses.ResponseUsage) {
		eu := e.usage()
		eu.Input = int(u.InputTokens - u.InputTokensDetails.CachedTokens)
		eu.Output = int(u.OutputTokens)
		eu.CacheRead = int(u.InputTokensDetails.CachedTokens)
	}

	for {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case responses.ResponseOutputItemAddedEvent:
			switch ev.Item.Type {
			case "message":
				e.openText(ev.Item.ID)
			case "reasoning":
				e.openThinking(ev.Item.ID)
			case "function_call":
				e.closeBlock()
				callItemID = ev.Item.ID
				callID = ev.Item.CallID
				callName = ev.Item.Name
				callArgs.Reset()
				callPending = true
			}

		case responses.ResponseTextDeltaEvent:
			e.text(ev.Delta)

		case responses.ResponseReasoningSummaryPartAddedEvent:
			if ev.SummaryIndex > 0 {
				e.thinking("\n\n")
			}

		case responses.ResponseReasoningSummaryTextDeltaEvent:
			e.thinking(ev.Delta)

		case responses.ResponseFunctionCallArgumentsDeltaEvent:
			callArgs.WriteString(ev.Delta)

		case responses.ResponseOutputItemDoneEvent:
			switch ev.Item.Type {
			case "message":
				e.closeBlock()
			case "reasoning":
				if enc := ev.Item.EncryptedContent; enc != "" {
					e.signThinking(reasoningSignatureSep + enc)
				}
				e.closeBlock()
			case "function_call":
				if callPending {
					args := callArgs.String()
					if ev.Item.Arguments != "" {
						args = ev.Item.Arguments
					}
					id := callID
					if id == "" {
						id = callItemID
					}
					e.toolCall(id, callName, json.RawMessage(args))
					callPending = false
					sawToolCall = true
				}
			}

		case responses.ResponseCompletedEvent:
			recordUsage(ev.Response.Usage)
			if sawToolCall {
				reason = models.StopReasonToolUse
			}
			e.finish(reason)
			return

		case responses.ResponseIncompleteEvent:
			recordUsage(ev.Response.Usage)
			switch ev.Response.IncompleteDetails.Reason {
			case "max_output_tokens":
				reason = models.StopReasonLength
			case "content_filter":
				reason = models.StopReasonSafety
			}
			e.finish(reason)
			return

		case responses.ResponseFailedEvent:
			msg := ev.Response.Error.Message
			if msg == "" {
				msg = "response failed"
			}
			e.fail(NewProviderError(p.model.Provider, p.model.ID, errors.New(msg)).
				WithCode(string(ev.Response.Error.Code)))
			return

		case responses.ResponseErrorEvent:
			e.fail(NewProviderError(p.model.Provider, p.model.ID, errors.New(ev.Message)).
				WithCode(ev.Code))
			return
		}

		if !stream.Next() {
			break
		}
	}

	if callPending {
		e.partialToolCall(callID, callName, callArgs.String())
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

func (p *ResponsesProvider) buildParams(req Request) (responses.ResponseNewParams, error) {
	input, err := convertResponsesInput(req.Messages)
	if err != nil {
		return responses.ResponseNewParams{}, fmt.Errorf("responses: failed to convert messages: %w", err)
	}

	params := responses.ResponseNewParams{
		Model:           shared.ResponsesModel(p.model.ID),
		Input:           responses.ResponseNewParamsInputUnion{OfInputItemList: input},
		MaxOutputTokens: openaiv2.Int(int64(maxTokensFor(req, p.model))),
		Store:           openaiv2.Bool(false),
	}
	if req.System != "" {
		params.Instructions = openaiv2.String(req.System)
	}
	if req.Temperature > 0 {
		params.Temperature = openaiv2.Float(req.Temperature)
	}
	if p.model.Reasoning {
		params.Include = []responses.ResponseIncludable{responses.ResponseIncludableReasoningEncryptedContent}
		if req.Reasoning != models.ReasoningOff {
			params.Reasoning = shared.ReasoningParam{
				Effort:  shared.ReasoningEffort(req.Reasoning),
				Summary: shared.ReasoningSummaryAuto,
			}
		}
	}

	for _, tool := range req.Tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return responses.ResponseNewParams{}, fmt.Errorf("responses: invalid tool schema for %s: %w", tool.Name, err)
		}
		params.Tools = append(params.Tools, responses.ToolUnionParam{
			OfFunction: &responses.FunctionToolParam{
				Name:        tool.Name,
				Description: openaiv2.String(tool.Description),
				Parameters:  schema,
				Strict:      openaiv2.Bool(false),
			},
		})
	}
	return params, nil
}

// convertResponsesInput rebuilds the item list the API expects. Items
// produced by this API replay with their original ids; blocks that came from
// another provider carry no signature and replay as plain input messages.
func convertResponsesInput(msgs []models.Message) (responses.ResponseInputParam, error) {
	var items responses.ResponseInputParam

	for _, m := range msgs {
		switch mt := m.(type) {
		case *models.UserMessage:
			items = append(items, convertResponsesUser(mt))

		case *models.AssistantMessage:
			for _, b := range mt.Content {
				switch bt := b.(type) {
				case *models.TextBlock:
					if bt.Text == "" {
						continue
					}
					if bt.TextSignature != "" {
						items = append(items, responses.ResponseInputItemUnionParam{
							OfOutputMessage: &responses.ResponseOutputMessageParam{
								ID: bt.TextSignature,
								Content: []responses.ResponseOutputMessageContentUnionParam{{
									OfOutputText: &responses.ResponseOutputTextParam{Text: bt.Text},
								}},
								Status: "completed",
							},
						})
					} else {
						items = append(items, responses.ResponseInputItemUnionParam{
							OfMessage: &responses.EasyInputMessageParam{
								Role:    responses.EasyInputMessageRoleAssistant,
								Content: responses.EasyInputMessageContentUnionParam{OfString: openaiv2.String(bt.Text)},
							},
						})
					}

				case *models.ThinkingBlock:
					// Reasoning items replay only with their item id;
					// the encrypted payload rides along when present.
					id, enc := splitReasoningSignature(bt.ThinkingSignature)
					if id == "" {
						continue
					}
					item := &responses.ResponseReasoningItemParam{
						ID: id,
						Summary: []responses.ResponseReasoningItemSummaryParam{
							{Text: bt.Thinking},
						},
					}
					if enc != "" {
						item.EncryptedContent = openaiv2.String(enc)
					}
					items = append(items, responses.ResponseInputItemUnionParam{OfReasoning: item})

				case *models.ToolCallBlock:
					items = append(items, responses.ResponseInputItemUnionParam{
						OfFunctionCall: &responses.ResponseFunctionToolCallParam{
							CallID:    bt.ID,
							Name:      bt.Name,
							Arguments: string(bt.Arguments),
						},
					})
				}
			}

		case *models.ToolResultMessage:
			content := mt.Content
			if content == "" {
				content = "(no output)"
			}
			items = append(items, responses.ResponseInputItemParamOfFunctionCallOutput(mt.ToolCallID, content))
		}
	}
	return items, nil
}

func convertResponsesUser(m *models.UserMessage) responses.ResponseInputItemUnionParam {
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
		return responses.ResponseInputItemUnionParam{
			OfMessage: &responses.EasyInputMessageParam{
				Role:    responses.EasyInputMessageRoleUser,
				Content: responses.EasyInputMessageContentUnionParam{OfString: openaiv2.String(text.String())},
			},
		}
	}

	var parts responses.ResponseInputMessageContentListParam
	for _, b := range m.Content {
		switch bt := b.(type) {
		case *models.TextBlock:
			parts = append(parts, responses.ResponseInputContentUnionParam{
				OfInputText: &responses.ResponseInputTextParam{Text: bt.Text},
			})
		case *models.ImageBlock:
			parts = append(parts, responses.ResponseInputContentUnionParam{
				OfInputImage: &responses.ResponseInputImageParam{
					ImageURL: openaiv2.String(fmt.Sprintf("data:%s;base64,%s", bt.MimeType, bt.Data)),
					Detail:   responses.ResponseInputImageDetailAuto,
				},
			})
		}
	}
	return responses.ResponseInputItemUnionParam{
		OfMessage: &responses.EasyInputMessageParam{
			Role:    responses.EasyInputMessageRoleUser,
			Content: responses.EasyInputMessageContentUnionParam{OfInputItemContentList: parts},
		},
	}
}

// reasoningSignatureSep joins the reasoning item id and its encrypted
// content inside a single thinking signature string. Item ids never contain
// newlines.
const reasoningSignatureSep = "\n"

func splitReasoningSignature(sig string) (id, encrypted string) {
	id, encrypted, _ = strings.Cut(sig, reasoningSignatureSep)
	return id, encrypted
}

type responsesErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *ResponsesProvider) wrapError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *openaiv2.Error
	if errors.As(err, &apiErr) {
		providerErr := NewProviderError(p.model.Provider, p.model.ID, err).
			WithStatus(apiErr.StatusCode)
		if raw := apiErr.RawJSON(); raw != "" {
			var payload responsesErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				if payload.Error.Message != "" {
					providerErr = providerErr.WithMessage(payload.Error.Message)
				}
				code := payload.Error.Code
				if code == "" {
					code = payload.Error.Type
				}
				if code != "" {
					providerErr = providerErr.WithCode(code)
				}
			}
		}
		return providerErr
	}

	return NewProviderError(p.model.Provider, p.model.ID, err)
}
