package models

// API identifies the wire protocol an adapter speaks. Two models from the
// same vendor may use different APIs (e.g. chat completions vs responses),
// and the same API may be served by several vendors (OpenAI-compatible
// gateways), so provider and API are tracked separately.
type API string

const (
	APIAnthropicMessages     API = "anthropic-messages"
	APIOpenAICompletions     API = "openai-completions"
	APIOpenAIResponses       API = "openai-responses"
	APIGoogleGenerativeAI    API = "google-generative-ai"
	APIBedrockConverseStream API = "bedrock-converse-stream"
)

// ReasoningLevel selects how much thinking budget a reasoning-capable model
// receives. The empty value disables explicit reasoning controls.
type ReasoningLevel string

const (
	ReasoningOff    ReasoningLevel = ""
	ReasoningLow    ReasoningLevel = "low"
	ReasoningMedium ReasoningLevel = "medium"
	ReasoningHigh   ReasoningLevel = "high"
)

// StopReason explains why an assistant message ended.
type StopReason string

const (
	// StopReasonStop is a natural end of the reply.
	StopReasonStop StopReason = "stop"
	// StopReasonLength means the output token cap was hit.
	StopReasonLength StopReason = "length"
	// StopReasonToolUse means the model requested one or more tool calls.
	StopReasonToolUse StopReason = "toolUse"
	// StopReasonSafety is a provider-side refusal.
	StopReasonSafety StopReason = "safety"
	// StopReasonError is a transport or API failure.
	StopReasonError StopReason = "error"
	// StopReasonAborted means the local cancel signal fired mid-stream.
	StopReasonAborted StopReason = "aborted"
)

// ModelCost holds per-million-token prices in USD.
type ModelCost struct {
	Input      float64 `json:"input"`
	Output     float64 `json:"output"`
	CacheRead  float64 `json:"cacheRead"`
	CacheWrite float64 `json:"cacheWrite"`
}

// Model describes one selectable model and how to reach it.
type Model struct {
	ID            string    `json:"id"`
	Name          string    `json:"name,omitempty"`
	Provider      string    `json:"provider"`
	API           API       `json:"api"`
	BaseURL       string    `json:"baseUrl,omitempty"`
	ContextWindow int       `json:"contextWindow"`
	MaxTokens     int       `json:"maxTokens"`
	Reasoning     bool      `json:"reasoning"`
	Cost          ModelCost `json:"cost"`
	// Input lists accepted input modalities ("text", "image").
	Input []string `json:"input,omitempty"`
}

// SupportsImages reports whether the model accepts image input.
func (m Model) SupportsImages() bool {
	for _, in := range m.Input {
		if in == "image" {
			return true
		}
	}
	return false
}

// Usage is cumulative token accounting for one assistant message.
type Usage struct {
	Input      int  `json:"input"`
	Output     int  `json:"output"`
	CacheRead  int  `json:"cacheRead"`
	CacheWrite int  `json:"cacheWrite"`
	Cost       Cost `json:"cost"`
}

// Cost is the USD cost breakdown computed from Usage and ModelCost.
type Cost struct {
	Input      float64 `json:"input"`
	Output     float64 `json:"output"`
	CacheRead  float64 `json:"cacheRead"`
	CacheWrite float64 `json:"cacheWrite"`
	Total      float64 `json:"total"`
}

// ComputeCost fills the Cost breakdown from per-MTok prices.
func (u *Usage) ComputeCost(prices ModelCost) {
	const mtok = 1_000_000
	u.Cost.Input = float64(u.Input) / mtok * prices.Input
	u.Cost.Output = float64(u.Output) / mtok * prices.Output
	u.Cost.CacheRead = float64(u.CacheRead) / mtok * prices.CacheRead
	u.Cost.CacheWrite = float64(u.CacheWrite) / mtok * prices.CacheWrite
	u.Cost.Total = u.Cost.Input + u.Cost.Output + u.Cost.CacheRead + u.Cost.CacheWrite
}

// Add accumulates counts from another usage report and recomputes nothing;
// call ComputeCost after the final accumulation.
func (u *Usage) Add(other Usage) {
	u.Input += other.Input
	u.Output += other.Output
	u.CacheRead += other.CacheRead
	u.CacheWrite += other.CacheWrite
}
