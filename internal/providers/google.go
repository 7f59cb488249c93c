package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/haasonsaas/pi/internal/providers/toolconv"
	"github.com/haasonsaas/pi/pkg/models"
)

// GoogleProvider speaks the Gemini generateContent streaming API. Usage
// metadata arrives cumulatively on every chunk, so an aborted stream keeps
// whatever was counted before the cut. Thought signatures are raw bytes on
// the wire and are stored base64-encoded.
type GoogleProvider struct {
	client     *genai.Client
	model      *models.Model
	maxRetries int
	retryDelay time.Duration
}

// NewGoogleProvider builds an adapter for one Gemini model.
func NewGoogleProvider(m *models.Model, apiKey string) (*GoogleProvider, error) {
	if apiKey == "" {
		return nil, errors.New("google: API key is required")
	}
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if strings.TrimSpace(m.BaseURL) != "" {
		cfg.HTTPOptions.BaseURL = m.BaseURL
	}
	client, err := genai.NewClient(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}
	return &GoogleProvider{
		client:     client,
		model:      m,
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
	}, nil
}

func (p *GoogleProvider) Model() *models.Model { return p.model }

func (p *GoogleProvider) Stream(ctx context.Context, req Request) (<-chan models.AssistantEvent, error) {
	contents, err := convertGoogleContents(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("google: failed to convert messages: %w", err)
	}
	config := p.buildConfig(req)

	events := make(chan models.AssistantEvent, 64)
	go func() {
		defer close(events)
		e := newEmitter(ctx.Done(), events, p.model)
		e.start()

		reason := models.StopReasonStop
		sawToolCall := false

		for attempt := 0; ; attempt++ {
			processed := false
			var iterErr error

			for resp, err := range p.client.Models.GenerateContentStream(ctx, p.model.ID, contents, config) {
				if err != nil {
					iterErr = err
					break
				}
				processed = true
				p.handleChunk(resp, e, &reason, &sawToolCall)
			}

			if iterErr == nil {
				if ctx.Err() != nil {
					e.finish(models.StopReasonAborted)
					return
				}
				e.finish(reason)
				return
			}
			if ctx.Err() != nil {
				// Partial usage from earlier chunks stays on the message.
				e.finish(models.StopReasonAborted)
				return
			}
			werr := p.wrapError(iterErr)
			if processed || !IsRetryable(werr) || attempt >= p.maxRetries {
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

func (p *GoogleProvider) handleChunk(resp *genai.GenerateContentResponse, e *emitter, reason *models.StopReason, sawToolCall *bool) {
	if md := resp.UsageMetadata; md != nil {
		u := e.usage()
		u.CacheRead = int(md.CachedContentTokenCount)
		u.Input = int(md.PromptTokenCount) - u.CacheRead
		u.Output = int(md.CandidatesTokenCount) + int(md.ThoughtsTokenCount)
	}

	if len(resp.Candidates) == 0 {
		return
	}
	cand := resp.Candidates[0]

	if cand.Content != nil {
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				fc := part.FunctionCall
				args, err := json.Marshal(fc.Args)
				if err != nil {
					args = []byte(`{}`)
				}
				id := fc.ID
				if id == "" {
					id = "call_" + uuid.NewString()
				}
				e.toolCall(id, fc.Name, args)
				*sawToolCall = true

			case part.Thought:
				e.thinking(part.Text)
				if len(part.ThoughtSignature) > 0 {
					e.signThinking(base64.StdEncoding.EncodeToString(part.ThoughtSignature))
				}

			case part.Text != "":
				e.text(part.Text)
			}
		}
	}

	if cand.FinishReason != "" && cand.FinishReason != genai.FinishReasonUnspecified {
		*reason = googleStopReason(cand.FinishReason, *sawToolCall)
	}
}

func (p *GoogleProvider) buildConfig(req Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(maxTokensFor(req, p.model)),
	}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if p.model.Reasoning && req.Reasoning != models.ReasoningOff {
		// Dynamic budget: the model decides how long to think.
		config.ThinkingConfig = &genai.ThinkingConfig{
			IncludeThoughts: true,
			ThinkingBudget:  genai.Ptr(int32(-1)),
		}
	}

	var decls []*genai.FunctionDeclaration
	for _, tool := range req.Tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  toolconv.GeminiSchema(tool.Schema),
		})
	}
	if len(decls) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return config
}

func googleStopReason(fr genai.FinishReason, sawToolCall bool) models.StopReason {
	switch fr {
	case genai.FinishReasonMaxTokens:
		return models.StopReasonLength
	case genai.FinishReasonSafety, genai.FinishReasonRecitation, genai.FinishReasonBlocklist,
		genai.FinishReasonProhibitedContent, genai.FinishReasonSPII, genai.FinishReasonImageSafety:
		return models.StopReasonSafety
	default:
		if sawToolCall {
			return models.StopReasonToolUse
		}
		return models.StopReasonStop
	}
}

// convertGoogleContents maps a normalized transcript to Gemini contents.
// Gemini pairs function responses with calls by order, so tool results fold
// into user-role contents in transcript order.
func convertGoogleContents(msgs []models.Message) ([]*genai.Content, error) {
	var out []*genai.Content
	var userRun []*genai.Part

	flushRun := func() {
		if len(userRun) > 0 {
			out = append(out, &genai.Content{Role: genai.RoleUser, Parts: userRun})
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
						userRun = append(userRun, &genai.Part{Text: bt.Text})
					}
				case *models.ImageBlock:
					data, err := base64.StdEncoding.DecodeString(bt.Data)
					if err != nil {
						return nil, fmt.Errorf("invalid image data: %w", err)
					}
					userRun = append(userRun, &genai.Part{
						InlineData: &genai.Blob{MIMEType: bt.MimeType, Data: data},
					})
				}
			}

		case *models.ToolResultMessage:
			content := mt.Content
			if content == "" {
				content = "(no output)"
			}
			response := map[string]any{"output": content}
			if mt.IsError {
				response = map[string]any{"error": content}
			}
			userRun = append(userRun, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     mt.ToolName,
					Response: response,
				},
			})

		case *models.AssistantMessage:
			flushRun()
			var parts []*genai.Part
			for _, b := range mt.Content {
				switch bt := b.(type) {
				case *models.TextBlock:
					if bt.Text != "" {
						parts = append(parts, &genai.Part{Text: bt.Text})
					}
				case *models.ThinkingBlock:
					// Unsigned thoughts cannot be replayed.
					if bt.ThinkingSignature == "" {
						continue
					}
					sig, err := base64.StdEncoding.DecodeString(bt.ThinkingSignature)
					if err != nil {
						continue
					}
					parts = append(parts, &genai.Part{
						Text:             bt.Thinking,
						Thought:          true,
						ThoughtSignature: sig,
					})
				case *models.ToolCallBlock:
					var args map[string]any
					if err := json.Unmarshal(bt.Arguments, &args); err != nil {
						return nil, fmt.Errorf("tool call %s has invalid arguments: %w", bt.ID, err)
					}
					parts = append(parts, &genai.Part{
						FunctionCall: &genai.FunctionCall{Name: bt.Name, Args: args},
					})
				}
			}
			if len(parts) > 0 {
				out = append(out, &genai.Content{Role: genai.RoleModel, Parts: parts})
			}
		}
	}
	flushRun()
	return out, nil
}

func (p *GoogleProvider) wrapError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return NewProviderError(p.model.Provider, p.model.ID, err).
			WithStatus(apiErr.Code).
			WithMessage(apiErr.Message)
	}

	return NewProviderError(p.model.Provider, p.model.ID, err)
}
