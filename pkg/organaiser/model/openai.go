package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/message"
)

// OpenAIConfig configures an OpenAI-compatible chat completions provider.
// OpenRouter and Ollama are reached through BaseURL.
type OpenAIConfig struct {
	Provider   string
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

type openaiChatCompletions interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAI is a Model backed by the chat completions API.
type OpenAI struct {
	provider    string
	model       string
	completions openaiChatCompletions
}

// NewOpenAI creates an OpenAI-compatible provider.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("openai: model name required")
	}

	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	provider := cfg.Provider
	if provider == "" {
		provider = "openai"
	}

	client := openai.NewClient(opts...)
	return &OpenAI{
		provider:    provider,
		model:       cfg.Model,
		completions: &client.Chat.Completions,
	}, nil
}

func (m *OpenAI) Name() string { return m.model }

// Complete sends one chat completion request.
func (m *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(m.model),
		Messages:    openaiMessages(req),
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	completion, err := m.completions.New(ctx, params)
	if err != nil {
		status := 0
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		return "", classify(m.provider, status, err)
	}
	if len(completion.Choices) == 0 {
		return "", &TransientError{Kind: KindInvalidOutput, Err: fmt.Errorf("%s: empty choices", m.provider)}
	}
	return completion.Choices[0].Message.Content, nil
}

func openaiMessages(req Request) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openai.SystemMessage(req.System))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case message.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case message.RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		default:
			if len(msg.Attachments) == 0 {
				out = append(out, openai.UserMessage(msg.Content))
				continue
			}
			parts := []openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(withFileNotes(msg)),
			}
			for _, a := range msg.Attachments {
				if a.IsImage() {
					parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: a.URL}))
				}
			}
			out = append(out, openai.UserMessage(parts))
		}
	}
	return out
}

// withFileNotes appends a line per non-image attachment so the model knows
// the file exists.
func withFileNotes(msg message.Message) string {
	var b strings.Builder
	b.WriteString(msg.Content)
	for _, a := range msg.Attachments {
		if a.IsImage() {
			continue
		}
		fmt.Fprintf(&b, "\n[Attached file: %s (%s)]", a.Filename(), a.ContentType)
	}
	return b.String()
}
