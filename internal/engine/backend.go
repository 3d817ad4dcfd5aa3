// Package engine provides the summarization backends used by the summary
// worker: a multi-provider genkit backend, a direct Anthropic SDK backend and
// a deterministic static backend for offline use and tests.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/strata/internal/summary"
)

const (
	BackendGenkit    = "genkit"
	BackendAnthropic = "anthropic"
	BackendStatic    = "static"

	DefaultMaxTokens = 2048
	DefaultTimeout   = 2 * time.Minute
)

// Config selects and configures a backend.
type Config struct {
	// Backend is one of "genkit", "anthropic" or "static".
	Backend string
	// Provider is the genkit provider: "google", "anthropic", "openai",
	// "openai_compatible" or "openrouter".
	Provider string
	// Model is the default model when a request does not name one.
	Model  string
	APIKey string
	// BaseURL overrides the API endpoint of the anthropic backend.
	BaseURL string

	OpenAICompatibleProvider string
	OpenAICompatibleBaseURL  string

	MaxTokens int
	// Timeout bounds a single backend call.
	Timeout time.Duration
	Logger  *slog.Logger
}

func (c Config) normalized() Config {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if c.Backend == "" {
		c.Backend = BackendGenkit
	}
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	c.Model = strings.TrimSpace(c.Model)
	c.APIKey = strings.TrimSpace(c.APIKey)
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// New builds the backend named by cfg.Backend. A missing API key is an
// error: summaries are permanent, so there is no silent fallback to the
// static backend.
func New(ctx context.Context, cfg Config) (summary.Summarizer, error) {
	cfg = cfg.normalized()
	switch cfg.Backend {
	case BackendGenkit:
		return NewGenkitBackend(ctx, cfg)
	case BackendAnthropic:
		return NewAnthropicBackend(cfg)
	case BackendStatic:
		return NewStaticBackend(), nil
	default:
		return nil, fmt.Errorf("engine: unknown backend %q", cfg.Backend)
	}
}

func pickModel(requested, fallback string) string {
	if m := strings.TrimSpace(requested); m != "" {
		return m
	}
	return fallback
}

// withTimeout bounds one backend call.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func finish(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptySummary
	}
	return text, nil
}
