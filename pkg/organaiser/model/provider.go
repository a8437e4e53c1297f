package model

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

const (
	ProviderOpenAI     = "openai"
	ProviderAnthropic  = "anthropic"
	ProviderOpenRouter = "openrouter"
	ProviderOllama     = "ollama"

	DefaultOpenRouterURL = "https://openrouter.ai/api/v1"
	DefaultOllamaURL     = "http://localhost:11434/v1"
)

// ProviderConfig selects and configures a provider.
type ProviderConfig struct {
	// Name is the model name. With an "openrouter-" prefix the remainder
	// is sent to OpenRouter.
	Name string
	// Provider overrides detection from the model name.
	Provider   string
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// DetectProvider infers the provider from a model name.
func DetectProvider(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasPrefix(lower, "claude-"):
		return ProviderAnthropic
	case strings.HasPrefix(lower, "openrouter-"):
		return ProviderOpenRouter
	case strings.HasPrefix(lower, "gpt-"),
		strings.HasPrefix(lower, "chatgpt-"),
		strings.HasPrefix(lower, "o1"),
		strings.HasPrefix(lower, "o3"),
		strings.HasPrefix(lower, "o4"):
		return ProviderOpenAI
	default:
		return ProviderOllama
	}
}

// NewProvider builds the Model for cfg.
func NewProvider(cfg ProviderConfig) (Model, error) {
	provider := cfg.Provider
	if provider == "" {
		provider = DetectProvider(cfg.Name)
	}

	switch provider {
	case ProviderAnthropic:
		return NewAnthropic(AnthropicConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Name,
			HTTPClient: cfg.HTTPClient,
			Logger:     cfg.Logger,
		})

	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai: api key required")
		}
		return NewOpenAI(OpenAIConfig{
			Provider:   ProviderOpenAI,
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Name,
			HTTPClient: cfg.HTTPClient,
		})

	case ProviderOpenRouter:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openrouter: api key required")
		}
		return NewOpenAI(OpenAIConfig{
			Provider:   ProviderOpenRouter,
			APIKey:     cfg.APIKey,
			BaseURL:    orDefault(cfg.BaseURL, DefaultOpenRouterURL),
			Model:      strings.TrimPrefix(cfg.Name, "openrouter-"),
			HTTPClient: cfg.HTTPClient,
		})

	case ProviderOllama:
		return NewOpenAI(OpenAIConfig{
			Provider:   ProviderOllama,
			APIKey:     orDefault(cfg.APIKey, "ollama"),
			BaseURL:    orDefault(cfg.BaseURL, DefaultOllamaURL),
			Model:      cfg.Name,
			HTTPClient: cfg.HTTPClient,
		})

	default:
		return nil, fmt.Errorf("unknown model provider %q", provider)
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
