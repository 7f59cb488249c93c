package config

import "github.com/haasonsaas/pi/pkg/models"

// Builtins returns the models the agent knows without a catalog file. The
// slice and its entries are fresh on every call; callers may mutate them.
func Builtins() []*models.Model {
	return []*models.Model{
		{
			ID:            "claude-sonnet-4-5",
			Name:          "Claude Sonnet 4.5",
			Provider:      "anthropic",
			API:           models.APIAnthropicMessages,
			ContextWindow: 200000,
			MaxTokens:     64000,
			Reasoning:     true,
			Cost:          models.ModelCost{Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
			Input:         []string{"text", "image"},
		},
		{
			ID:            "claude-opus-4-5",
			Name:          "Claude Opus 4.5",
			Provider:      "anthropic",
			API:           models.APIAnthropicMessages,
			ContextWindow: 200000,
			MaxTokens:     32000,
			Reasoning:     true,
			Cost:          models.ModelCost{Input: 5, Output: 25, CacheRead: 0.5, CacheWrite: 6.25},
			Input:         []string{"text", "image"},
		},
		{
			ID:            "claude-haiku-4-5",
			Name:          "Claude Haiku 4.5",
			Provider:      "anthropic",
			API:           models.APIAnthropicMessages,
			ContextWindow: 200000,
			MaxTokens:     64000,
			Reasoning:     true,
			Cost:          models.ModelCost{Input: 1, Output: 5, CacheRead: 0.1, CacheWrite: 1.25},
			Input:         []string{"text", "image"},
		},
		{
			ID:            "gpt-5",
			Name:          "GPT-5",
			Provider:      "openai",
			API:           models.APIOpenAIResponses,
			ContextWindow: 400000,
			MaxTokens:     128000,
			Reasoning:     true,
			Cost:          models.ModelCost{Input: 1.25, Output: 10, CacheRead: 0.125},
			Input:         []string{"text", "image"},
		},
		{
			ID:            "gpt-5-mini",
			Name:          "GPT-5 mini",
			Provider:      "openai",
			API:           models.APIOpenAIResponses,
			ContextWindow: 400000,
			MaxTokens:     128000,
			Reasoning:     true,
			Cost:          models.ModelCost{Input: 0.25, Output: 2, CacheRead: 0.025},
			Input:         []string{"text", "image"},
		},
		{
			ID:            "gpt-4o",
			Name:          "GPT-4o",
			Provider:      "openai",
			API:           models.APIOpenAICompletions,
			ContextWindow: 128000,
			MaxTokens:     16384,
			Cost:          models.ModelCost{Input: 2.5, Output: 10, CacheRead: 1.25},
			Input:         []string{"text", "image"},
		},
		{
			ID:            "gemini-2.5-pro",
			Name:          "Gemini 2.5 Pro",
			Provider:      "google",
			API:           models.APIGoogleGenerativeAI,
			ContextWindow: 1048576,
			MaxTokens:     65536,
			Reasoning:     true,
			Cost:          models.ModelCost{Input: 1.25, Output: 10, CacheRead: 0.31},
			Input:         []string{"text", "image"},
		},
		{
			ID:            "gemini-2.5-flash",
			Name:          "Gemini 2.5 Flash",
			Provider:      "google",
			API:           models.APIGoogleGenerativeAI,
			ContextWindow: 1048576,
			MaxTokens:     65536,
			Reasoning:     true,
			Cost:          models.ModelCost{Input: 0.3, Output: 2.5, CacheRead: 0.075},
			Input:         []string{"text", "image"},
		},
		{
			ID:            "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
			Name:          "Claude Sonnet 4.5 (Bedrock)",
			Provider:      "amazon-bedrock",
			API:           models.APIBedrockConverseStream,
			ContextWindow: 200000,
			MaxTokens:     64000,
			Reasoning:     true,
			Cost:          models.ModelCost{Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
			Input:         []string{"text", "image"},
		},
	}
}
