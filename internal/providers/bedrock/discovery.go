// Package bedrock discovers the foundation models available to the current
// AWS account so they can be merged into the model catalog without hand
// maintaining Bedrock's long model id strings.
package bedrock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/aws/aws-sdk-go-v2/service/bedrock/types"

	"github.com/haasonsaas/pi/pkg/models"
)

// Provider is the provider name stamped on discovered models.
const Provider = "amazon-bedrock"

// DiscoveryConfig controls one discovery run.
type DiscoveryConfig struct {
	// Region to query. Defaults to us-east-1.
	Region string

	// TTL is how long results stay cached. Defaults to one hour.
	TTL time.Duration

	// ProviderFilter keeps only models whose provider name or id prefix
	// matches (case-insensitive). Empty keeps everything.
	ProviderFilter []string
}

func (c *DiscoveryConfig) applyDefaults() {
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if c.TTL == 0 {
		c.TTL = time.Hour
	}
}

// listClient is the slice of the Bedrock control-plane API discovery needs.
type listClient interface {
	ListFoundationModels(ctx context.Context, params *bedrock.ListFoundationModelsInput, optFns ...func(*bedrock.Options)) (*bedrock.ListFoundationModelsOutput, error)
}

var newListClient = func(cfg aws.Config) listClient {
	return bedrock.NewFromConfig(cfg)
}

// cache holds the last discovery result. Concurrent callers during a refresh
// wait on the in-flight request instead of issuing duplicates.
type cache struct {
	mu        sync.RWMutex
	models    []models.Model
	expiresAt time.Time
	inFlight  chan struct{}
}

var discovered = &cache{}

// Discover returns the streaming-capable, active foundation models in the
// region, converted to catalog entries. Results are cached per process.
func Discover(ctx context.Context, cfg *DiscoveryConfig) ([]models.Model, error) {
	if cfg == nil {
		cfg = &DiscoveryConfig{}
	}
	cfg.applyDefaults()

	discovered.mu.RLock()
	if time.Now().Before(discovered.expiresAt) && len(discovered.models) > 0 {
		out := filterModels(discovered.models, cfg.ProviderFilter)
		discovered.mu.RUnlock()
		return out, nil
	}
	discovered.mu.RUnlock()

	discovered.mu.Lock()
	if time.Now().Before(discovered.expiresAt) && len(discovered.models) > 0 {
		out := filterModels(discovered.models, cfg.ProviderFilter)
		discovered.mu.Unlock()
		return out, nil
	}
	if discovered.inFlight != nil {
		wait := discovered.inFlight
		discovered.mu.Unlock()
		select {
		case <-wait:
			discovered.mu.RLock()
			out := filterModels(discovered.models, cfg.ProviderFilter)
			discovered.mu.RUnlock()
			return out, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	discovered.inFlight = make(chan struct{})
	discovered.mu.Unlock()

	found, err := fetch(ctx, cfg)

	discovered.mu.Lock()
	if err == nil {
		discovered.models = found
		discovered.expiresAt = time.Now().Add(cfg.TTL)
	}
	close(discovered.inFlight)
	discovered.inFlight = nil
	discovered.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return filterModels(found, cfg.ProviderFilter), nil
}

// ClearCache forces the next Discover call to hit the API.
func ClearCache() {
	discovered.mu.Lock()
	defer discovered.mu.Unlock()
	discovered.models = nil
	discovered.expiresAt = time.Time{}
}

func fetch(ctx context.Context, cfg *DiscoveryConfig) ([]models.Model, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, err
	}

	out, err := newListClient(awsCfg).ListFoundationModels(ctx, &bedrock.ListFoundationModelsInput{})
	if err != nil {
		return nil, err
	}

	result := make([]models.Model, 0, len(out.ModelSummaries))
	for _, summary := range out.ModelSummaries {
		if !usable(&summary) {
			continue
		}
		result = append(result, toModel(&summary))
	}
	return result, nil
}

// usable keeps active models that can stream and emit text; the Converse
// adapter cannot drive anything else.
func usable(summary *types.FoundationModelSummary) bool {
	if summary == nil || !aws.ToBool(summary.ResponseStreamingSupported) {
		return false
	}
	if summary.ModelLifecycle != nil {
		if status := string(summary.ModelLifecycle.Status); status != "" && status != "ACTIVE" {
			return false
		}
	}
	for _, m := range summary.OutputModalities {
		if strings.EqualFold(string(m), "text") {
			return true
		}
	}
	return false
}

func toModel(summary *types.FoundationModelSummary) models.Model {
	id := aws.ToString(summary.ModelId)
	m := models.Model{
		ID:            id,
		Name:          aws.ToString(summary.ModelName),
		Provider:      Provider,
		API:           models.APIBedrockConverseStream,
		ContextWindow: contextWindowFor(id),
		MaxTokens:     maxTokensFor(id),
		Reasoning:     reasoningCapable(id),
	}
	for _, mod := range summary.InputModalities {
		switch strings.ToLower(string(mod)) {
		case "text":
			m.Input = append(m.Input, "text")
		case "image":
			m.Input = append(m.Input, "image")
		}
	}
	// Bedrock does not expose pricing; catalog overrides fill it in.
	return m
}

func reasoningCapable(id string) bool {
	id = strings.ToLower(id)
	for _, pattern := range []string{"claude-3-7", "claude-sonnet-4", "claude-opus-4", "deepseek.r1"} {
		if strings.Contains(id, pattern) {
			return true
		}
	}
	return false
}

func contextWindowFor(id string) int {
	id = strings.ToLower(id)
	switch {
	case strings.Contains(id, "claude"):
		return 200000
	case strings.Contains(id, "llama3") && strings.Contains(id, "405b"):
		return 128000
	case strings.Contains(id, "llama3"):
		return 8192
	case strings.Contains(id, "mistral"), strings.Contains(id, "mixtral"):
		return 32768
	case strings.Contains(id, "command-r"):
		return 128000
	case strings.Contains(id, "nova"):
		return 300000
	case strings.Contains(id, "deepseek"):
		return 128000
	default:
		return 8192
	}
}

func maxTokensFor(id string) int {
	id = strings.ToLower(id)
	switch {
	case strings.Contains(id, "claude-3-7"), strings.Contains(id, "claude-sonnet-4"), strings.Contains(id, "claude-opus-4"):
		return 32768
	case strings.Contains(id, "claude"):
		return 8192
	case strings.Contains(id, "nova"):
		return 10000
	default:
		return 4096
	}
}

func filterModels(in []models.Model, filter []string) []models.Model {
	if len(filter) == 0 {
		return append([]models.Model(nil), in...)
	}
	out := make([]models.Model, 0, len(in))
	for _, m := range in {
		id := strings.ToLower(m.ID)
		for _, f := range filter {
			f = strings.ToLower(f)
			if strings.HasPrefix(id, f+".") || strings.Contains(id, "."+f+".") || strings.Contains(id, f) {
				out = append(out, m)
				break
			}
		}
	}
	return out
}
