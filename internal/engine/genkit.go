package engine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/basket/strata/internal/summary"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// Default models per genkit provider. Summaries favor cheap, fast models.
var defaultModels = map[string]string{
	"google":            "gemini-2.5-flash",
	"anthropic":         "claude-haiku-4-5",
	"openai":            "gpt-4.1-mini",
	"openai_compatible": "gpt-4.1-mini",
	"openrouter":        "anthropic/claude-haiku-4.5",
}

// GenkitBackend summarizes through a genkit provider plugin.
type GenkitBackend struct {
	g        *genkit.Genkit
	provider string
	model    string
	timeout  time.Duration
}

// NewGenkitBackend initializes genkit with the plugin for cfg.Provider.
func NewGenkitBackend(ctx context.Context, cfg Config) (*GenkitBackend, error) {
	cfg = cfg.normalized()
	provider := cfg.Provider
	if provider == "" {
		provider = "google"
	}
	if _, ok := defaultModels[provider]; !ok {
		return nil, fmt.Errorf("engine: unknown genkit provider %q", provider)
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("engine: no API key for provider %q", provider)
	}

	var g *genkit.Genkit
	switch provider {
	case "anthropic":
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
		}))
	case "openai":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  os.Getenv("OPENAI_BASE_URL"),
		}))
	case "openai_compatible":
		if cfg.OpenAICompatibleBaseURL == "" {
			return nil, fmt.Errorf("engine: openai_compatible provider requires a base URL")
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: cfg.OpenAICompatibleProvider,
			APIKey:   apiKey,
			BaseURL:  cfg.OpenAICompatibleBaseURL,
		}))
	case "openrouter":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openrouter",
			APIKey:   apiKey,
			BaseURL:  "https://openrouter.ai/api/v1",
		}))
	case "google":
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	}

	model := cfg.Model
	if model == "" {
		model = defaultModels[provider]
	}
	cfg.Logger.Info("genkit backend initialized", "provider", provider, "model", model)
	return &GenkitBackend{g: g, provider: provider, model: model, timeout: cfg.Timeout}, nil
}

// Summarize condenses one chunk.
func (b *GenkitBackend) Summarize(ctx context.Context, req summary.SummarizeRequest) (string, error) {
	return b.generate(ctx, req.Model, chunkSystemPrompt, buildChunkPrompt(req))
}

// Merge folds several summaries into one.
func (b *GenkitBackend) Merge(ctx context.Context, req summary.MergeRequest) (string, error) {
	return b.generate(ctx, req.Model, mergeSystemPrompt, buildMergePrompt(req))
}

func (b *GenkitBackend) generate(ctx context.Context, model, system, prompt string) (string, error) {
	ctx, cancel := withTimeout(ctx, b.timeout)
	defer cancel()

	name := modelNameForProvider(b.provider, pickModel(model, b.model))
	resp, err := genkit.Generate(ctx, b.g,
		ai.WithModelName(name),
		ai.WithSystem(escapeFormat(system)),
		ai.WithPrompt(escapeFormat(prompt)),
	)
	if err != nil {
		return "", fmt.Errorf("genkit generate: %w", err)
	}
	return finish(resp.Text())
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "google", "":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func modelNameForProvider(provider, model string) string {
	model = strings.TrimSpace(model)
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible", "openrouter":
		return model
	default:
		return "googleai/" + model
	}
}
