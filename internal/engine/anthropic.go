package engine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/basket/strata/internal/summary"
)

const defaultAnthropicModel = "claude-haiku-4-5"

// AnthropicBackend calls the Anthropic Messages API directly and accumulates
// the streamed response.
type AnthropicBackend struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	timeout   time.Duration
}

// NewAnthropicBackend builds a client from cfg, falling back to
// ANTHROPIC_API_KEY and ANTHROPIC_BASE_URL. Retries are disabled: a failed
// call fails the run and the next scheduled run starts over.
func NewAnthropicBackend(cfg Config) (*AnthropicBackend, error) {
	cfg = cfg.normalized()
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	}
	if apiKey == "" {
		return nil, fmt.Errorf("engine: no API key for anthropic backend")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv("ANTHROPIC_BASE_URL")
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	return &AnthropicBackend{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: int64(cfg.MaxTokens),
		timeout:   cfg.Timeout,
	}, nil
}

// Summarize condenses one chunk.
func (b *AnthropicBackend) Summarize(ctx context.Context, req summary.SummarizeRequest) (string, error) {
	return b.generate(ctx, req.Model, chunkSystemPrompt, buildChunkPrompt(req))
}

// Merge folds several summaries into one.
func (b *AnthropicBackend) Merge(ctx context.Context, req summary.MergeRequest) (string, error) {
	return b.generate(ctx, req.Model, mergeSystemPrompt, buildMergePrompt(req))
}

func (b *AnthropicBackend) generate(ctx context.Context, model, system, prompt string) (string, error) {
	ctx, cancel := withTimeout(ctx, b.timeout)
	defer cancel()

	stream := b.client.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(pickModel(model, b.model)),
		MaxTokens: b.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		if err := message.Accumulate(stream.Current()); err != nil {
			return "", fmt.Errorf("anthropic: accumulate stream: %w", err)
		}
	}
	if err := stream.Err(); err != nil {
		return "", fmt.Errorf("anthropic: %w", err)
	}

	var out strings.Builder
	for _, block := range message.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			out.WriteString(text.Text)
		}
	}
	return finish(out.String())
}
