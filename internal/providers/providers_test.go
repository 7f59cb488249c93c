package providers

import (
	"strings"
	"testing"

	"github.com/haasonsaas/pi/pkg/models"
)

func testModel(api models.API) *models.Model {
	return &models.Model{
		ID:            "test-model",
		Provider:      "test",
		API:           api,
		ContextWindow: 200000,
		MaxTokens:     8192,
		Reasoning:     true,
		Input:         []string{"text", "image"},
		Cost: models.ModelCost{
			Input:      3,
			Output:     15,
			CacheRead:  0.3,
			CacheWrite: 3.75,
		},
	}
}

func TestNewDispatchesOnAPI(t *testing.T) {
	tests := []struct {
		api     models.API
		wantErr string
	}{
		{api: models.APIAnthropicMessages},
		{api: models.APIOpenAICompletions},
		{api: models.APIOpenAIResponses},
		{api: models.APIGoogleGenerativeAI},
		{api: models.API("carrier-pigeon"), wantErr: "unsupported api"},
	}

	for _, tt := range tests {
		t.Run(string(tt.api), func(t *testing.T) {
			p, err := New(testModel(tt.api), "test-key")
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.Model().API != tt.api {
				t.Errorf("Model().API = %q, want %q", p.Model().API, tt.api)
			}
		})
	}
}

func TestNewRequiresKey(t *testing.T) {
	for _, api := range []models.API{
		models.APIAnthropicMessages,
		models.APIOpenAICompletions,
		models.APIOpenAIResponses,
		models.APIGoogleGenerativeAI,
	} {
		if _, err := New(testModel(api), ""); err == nil {
			t.Errorf("%s: expected error for empty key", api)
		}
	}
}

func TestMaxTokensFor(t *testing.T) {
	m := testModel(models.APIAnthropicMessages)

	if got := maxTokensFor(Request{MaxTokens: 100}, m); got != 100 {
		t.Errorf("request override = %d, want 100", got)
	}
	if got := maxTokensFor(Request{}, m); got != 8192 {
		t.Errorf("model default = %d, want 8192", got)
	}
	m.MaxTokens = 0
	if got := maxTokensFor(Request{}, m); got != defaultMaxTokens {
		t.Errorf("package default = %d, want %d", got, defaultMaxTokens)
	}
}

// collect drains a stream and returns every event plus the terminal message.
func collect(t *testing.T, ch <-chan models.AssistantEvent) ([]models.AssistantEvent, *models.AssistantMessage) {
	t.Helper()
	var events []models.AssistantEvent
	var final *models.AssistantMessage
	for ev := range ch {
		events = append(events, ev)
		if ev.Type == models.EventDone || ev.Type == models.EventError {
			final = ev.Message
		}
	}
	if final == nil {
		t.Fatal("stream ended without a terminal event")
	}
	return events, final
}
