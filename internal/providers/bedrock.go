package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/haasonsaas/pi/internal/providers/toolconv"
	"github.com/haasonsaas/pi/pkg/models"
)

// BedrockProvider speaks the Converse streaming API. Credentials come from
// the standard AWS chain (env, shared config, instance roles); Model.BaseURL
// overrides the region when set to a region name. Usage arrives in the
// trailing metadata event only, so an aborted stream carries zero usage.
type BedrockProvider struct {
	client     *bedrockruntime.Client
	model      *models.Model
	maxRetries int
}

// NewBedrockProvider builds an adapter for one Bedrock model. Bedrock
// authenticates through the standard AWS chain; a non-empty credential of
// the form "accessKeyID:secretAccessKey[:sessionToken]" overrides it.
func NewBedrockProvider(m *models.Model, credential string) (*BedrockProvider, error) {
	var opts []func(*config.LoadOptions) error
	if region := strings.TrimSpace(m.BaseURL); region != "" && !strings.Contains(region, "/") {
		opts = append(opts, config.WithRegion(region))
	}
	if credential != "" {
		parts := strings.SplitN(credential, ":", 3)
		if len(parts) < 2 {
			return nil, errors.New("bedrock: credential must be accessKeyID:secretAccessKey[:sessionToken]")
		}
		session := ""
		if len(parts) == 3 {
			session = parts[2]
		}
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(parts[0], parts[1], session)))
	}
	cfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}
	return &BedrockProvider{
		client:     bedrockruntime.NewFromConfig(cfg),
		model:      m,
		maxRetries: defaultMaxRetries,
	}, nil
}

func (p *BedrockProvider) Model() *models.Model { return p.model }

func (p *BedrockProvider) Stream(ctx context.Context, req Request) (<-chan models.AssistantEvent, error) {
	input, err := p.buildInput(req)
	if err != nil {
		return nil, err
	}

	events := make(chan models.AssistantEvent, 64)
	go func() {
		defer close(events)
		e := newEmitter(ctx.Done(), events, p.model)
		e.start()

		var out *bedrockruntime.ConverseStreamOutput
		err := retryStream(ctx, p.maxRetries, defaultRetryDelay, func() error {
			var cerr error
			out, cerr = p.client.ConverseStream(ctx, input)
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
		p.process(ctx, out.GetStream(), e)
	}()
	return events, nil
}

func (p *BedrockProvider) process(ctx context.Context, stream *bedrockruntime.ConverseStreamEventStream, e *emitter) {
	defer stream.Close()

	var toolID, toolName string
	var toolInput strings.Builder
	toolPending := false
	reason := models.StopReasonStop

	for event := range stream.Events() {
		switch v := event.(type) {
		case *types.ConverseStreamOutputMemberMessageStart:

		case *types.ConverseStreamOutputMemberContentBlockStart:
			if start, ok := v.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
				e.closeBlock()
				toolID = aws.ToString(start.Value.ToolUseId)
				toolName = aws.ToString(start.Value.Name)
				toolInput.Reset()
				toolPending = true
			}

		case *types.ConverseStreamOutputMemberContentBlockDelta:
			switch delta := v.Value.Delta.(type) {
			case *types.ContentBlockDeltaMemberText:
				e.text(delta.Value)
			case *types.ContentBlockDeltaMemberToolUse:
				toolInput.WriteString(aws.ToString(delta.Value.Input))
			case *types.ContentBlockDeltaMemberReasoningContent:
				switch rc := delta.Value.(type) {
				case *types.ReasoningContentBlockDeltaMemberText:
					e.thinking(rc.Value)
				case *types.ReasoningContentBlockDeltaMemberSignature:
					e.signThinking(rc.Value)
				}
			}

		case *types.ConverseStreamOutputMemberContentBlockStop:
			if toolPending {
				e.toolCall(toolID, toolName, json.RawMessage(toolInput.String()))
				toolPending = false
			} else {
				e.closeBlock()
			}

		case *types.ConverseStreamOutputMemberMessageStop:
			reason = bedrockStopReason(v.Value.StopReason)

		case *types.ConverseStreamOutputMemberMetadata:
			if u := v.Value.Usage; u != nil {
				eu := e.usage()
				eu.Input = int(aws.ToInt32(u.InputTokens))
				eu.Output = int(aws.ToInt32(u.OutputTokens))
			}
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

func (p *BedrockProvider) buildInput(req Request) (*bedrockruntime.ConverseStreamInput, error) {
	messages, err := convertBedrockMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to convert messages: %w", err)
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(p.model.ID),
		Messages: messages,
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(maxTokensFor(req, p.model))),
		},
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.System},
		}
	}
	if req.Temperature > 0 {
		input.InferenceConfig.Temperature = aws.Float32(float32(req.Temperature))
	}

	if len(req.Tools) > 0 {
		tools := make([]types.Tool, 0, len(req.Tools))
		for _, tool := range req.Tools {
			tools = append(tools, &types.ToolMemberToolSpec{
				Value: types.ToolSpecification{
					Name:        aws.String(tool.Name),
					Description: aws.String(tool.Description),
					InputSchema: &types.ToolInputSchemaMemberJson{Value: toolconv.BedrockSchema(tool.Schema)},
				},
			})
		}
		input.ToolConfig = &types.ToolConfiguration{Tools: tools}
	}

	// Anthropic models behind Converse take thinking budgets through the
	// model-specific passthrough fields.
	if budget := anthropicThinkingBudget(req.Reasoning); budget > 0 && p.model.Reasoning {
		maxTokens := aws.ToInt32(input.InferenceConfig.MaxTokens)
		if int64(maxTokens) <= budget {
			input.InferenceConfig.MaxTokens = aws.Int32(maxTokens + int32(budget))
		}
		input.AdditionalModelRequestFields = document.NewLazyDocument(map[string]any{
			"thinking": map[string]any{
				"type":          "enabled",
				"budget_tokens": budget,
			},
		})
	}

	return input, nil
}

func bedrockStopReason(sr types.StopReason) models.StopReason {
	switch sr {
	case types.StopReasonToolUse:
		return models.StopReasonToolUse
	case types.StopReasonMaxTokens:
		return models.StopReasonLength
	case types.StopReasonContentFiltered, types.StopReasonGuardrailIntervened:
		return models.StopReasonSafety
	default:
		return models.StopReasonStop
	}
}

// convertBedrockMessages maps a normalized transcript to Converse messages.
// Converse requires strict role alternation, so user text and tool results
// coalesce the same way the Anthropic converter does.
func convertBedrockMessages(msgs []models.Message) ([]types.Message, error) {
	var out []types.Message
	var userRun []types.ContentBlock

	flushRun := func() {
		if len(userRun) > 0 {
			out = append(out, types.Message{Role: types.ConversationRoleUser, Content: userRun})
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
						userRun = append(userRun, &types.ContentBlockMemberText{Value: bt.Text})
					}
				case *models.ImageBlock:
					img, err := bedrockImage(bt)
					if err != nil {
						return nil, err
					}
					userRun = append(userRun, img)
				}
			}

		case *models.ToolResultMessage:
			content := mt.Content
			if content == "" {
				content = "(no output)"
			}
			status := types.ToolResultStatusSuccess
			if mt.IsError {
				status = types.ToolResultStatusError
			}
			userRun = append(userRun, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(mt.ToolCallID),
					Content: []types.ToolResultContentBlock{
						&types.ToolResultContentBlockMemberText{Value: content},
					},
					Status: status,
				},
			})

		case *models.AssistantMessage:
			flushRun()
			var content []types.ContentBlock
			for _, b := range mt.Content {
				switch bt := b.(type) {
				case *models.TextBlock:
					if bt.Text != "" {
						content = append(content, &types.ContentBlockMemberText{Value: bt.Text})
					}
				case *models.ThinkingBlock:
					// Unsigned reasoning cannot be replayed.
					if bt.ThinkingSignature == "" {
						continue
					}
					content = append(content, &types.ContentBlockMemberReasoningContent{
						Value: &types.ReasoningContentBlockMemberReasoningText{
							Value: types.ReasoningTextBlock{
								Text:      aws.String(bt.Thinking),
								Signature: aws.String(bt.ThinkingSignature),
							},
						},
					})
				case *models.ToolCallBlock:
					var args any
					if err := json.Unmarshal(bt.Arguments, &args); err != nil {
						return nil, fmt.Errorf("tool call %s has invalid arguments: %w", bt.ID, err)
					}
					content = append(content, &types.ContentBlockMemberToolUse{
						Value: types.ToolUseBlock{
							ToolUseId: aws.String(bt.ID),
							Name:      aws.String(bt.Name),
							Input:     document.NewLazyDocument(args),
						},
					})
				}
			}
			if len(content) > 0 {
				out = append(out, types.Message{Role: types.ConversationRoleAssistant, Content: content})
			}
		}
	}
	flushRun()
	return out, nil
}

func bedrockImage(b *models.ImageBlock) (types.ContentBlock, error) {
	data, err := base64.StdEncoding.DecodeString(b.Data)
	if err != nil {
		return nil, fmt.Errorf("invalid image data: %w", err)
	}
	format, ok := strings.CutPrefix(b.MimeType, "image/")
	if !ok {
		return nil, fmt.Errorf("unsupported image mime type %q", b.MimeType)
	}
	if format == "jpg" {
		format = "jpeg"
	}
	return &types.ContentBlockMemberImage{
		Value: types.ImageBlock{
			Format: types.ImageFormat(format),
			Source: &types.ImageSourceMemberBytes{Value: data},
		},
	}, nil
}

func (p *BedrockProvider) wrapError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		providerErr := NewProviderError(p.model.Provider, p.model.ID, err).
			WithCode(apiErr.ErrorCode()).
			WithMessage(apiErr.ErrorMessage())

		var throttled *types.ThrottlingException
		var unavailable *types.ServiceUnavailableException
		var internal *types.InternalServerException
		var denied *types.AccessDeniedException
		switch {
		case errors.As(err, &throttled):
			providerErr.Reason = FailoverRateLimit
		case errors.As(err, &unavailable), errors.As(err, &internal):
			providerErr.Reason = FailoverServerError
		case errors.As(err, &denied):
			providerErr.Reason = FailoverAuth
		}
		return providerErr
	}

	return NewProviderError(p.model.Provider, p.model.ID, err)
}
