// Package providers adapts the streaming APIs of the supported LLM vendors to
// one normalized event contract. Each adapter converts a transcript into its
// wire format, streams the reply, and emits models.AssistantEvent values that
// the agent loop consumes without knowing which vendor produced them.
//
// Adapters share hard rules:
//
//   - exactly one terminal event per stream (done or error), carrying the
//     complete assistant message
//   - cancellation finalises the message with stopReason "aborted" and
//     whatever usage the vendor reported before the cut; vendors that only
//     report usage in the final chunk yield zeros
//   - transient failures (rate limits, 5xx, timeouts) retry with exponential
//     backoff before the stream starts; mid-stream failures do not retry
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/haasonsaas/pi/pkg/models"
)

// ToolDef describes one tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Request is a single model invocation. Messages must already be normalized
// for the target model (models.NormalizeForModel): only user, assistant, and
// toolResult entries, with foreign signatures stripped.
type Request struct {
	System      string
	Messages    []models.Message
	Tools       []ToolDef
	MaxTokens   int
	Temperature float64
	Reasoning   models.ReasoningLevel
}

// Provider streams assistant messages for one configured model.
type Provider interface {
	// Model returns the model this adapter is bound to.
	Model() *models.Model

	// Stream starts one completion. The returned channel delivers events
	// until the terminal done or error event, then closes. Callers must
	// drain the channel even after cancelling ctx.
	Stream(ctx context.Context, req Request) (<-chan models.AssistantEvent, error)
}

// New constructs the adapter for the model's API.
func New(model *models.Model, apiKey string) (Provider, error) {
	switch model.API {
	case models.APIAnthropicMessages:
		return NewAnthropicProvider(model, apiKey)
	case models.APIOpenAICompletions:
		return NewOpenAIProvider(model, apiKey)
	case models.APIOpenAIResponses:
		return NewResponsesProvider(model, apiKey)
	case models.APIGoogleGenerativeAI:
		return NewGoogleProvider(model, apiKey)
	case models.APIBedrockConverseStream:
		return NewBedrockProvider(model, apiKey)
	default:
		return nil, fmt.Errorf("unsupported api %q for model %s", model.API, model.ID)
	}
}

const (
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
	defaultMaxTokens  = 4096
)

// retryStream runs create until it succeeds, the error is not retryable, or
// attempts are exhausted. Backoff doubles per attempt from baseDelay.
func retryStream(ctx context.Context, maxRetries int, baseDelay time.Duration, create func() error) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = create()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt == maxRetries {
			return err
		}
		backoff := baseDelay * time.Duration(math.Pow(2, float64(attempt)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return err
}

// maxTokensFor resolves the output token cap: request, then model default,
// then the package default.
func maxTokensFor(req Request, m *models.Model) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	if m.MaxTokens > 0 {
		return m.MaxTokens
	}
	return defaultMaxTokens
}
