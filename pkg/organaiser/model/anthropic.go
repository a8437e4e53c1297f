package model

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/message"
)

// AnthropicConfig configures the Claude messages provider.
type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type anthropicMessages interface {
	New(ctx context.Context, params anthropicsdk.MessageNewParams, opts ...option.RequestOption) (*anthropicsdk.Message, error)
}

// Anthropic is a Model backed by the Claude messages API. Image attachments
// are downloaded and sent inline.
type Anthropic struct {
	model    string
	messages anthropicMessages
	http     *http.Client
	logger   *slog.Logger
}

// NewAnthropic creates a Claude provider.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("anthropic: api key required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("anthropic: model name required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := anthropicsdk.NewClient(opts...)
	return &Anthropic{
		model:    cfg.Model,
		messages: &client.Messages,
		http:     cfg.HTTPClient,
		logger:   logger.With("component", "anthropic"),
	}, nil
}

func (m *Anthropic) Name() string { return m.model }

// Complete sends one messages request and concatenates the text blocks of
// the reply.
func (m *Anthropic) Complete(ctx context.Context, req Request) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	params := anthropicsdk.MessageNewParams{
		Model:       anthropicsdk.Model(m.model),
		MaxTokens:   int64(maxTokens),
		Messages:    m.convert(ctx, req.Messages),
		Temperature: param.NewOpt(req.Temperature),
	}
	if req.System != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: req.System}}
	}

	msg, err := m.messages.New(ctx, params)
	if err != nil {
		status := 0
		var apiErr *anthropicsdk.Error
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		return "", classify("anthropic", status, err)
	}

	var parts []string
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	if len(parts) == 0 {
		return "", &TransientError{Kind: KindInvalidOutput, Err: errors.New("anthropic: reply has no text")}
	}
	return strings.Join(parts, ""), nil
}

// convert maps history to alternating user/assistant turns. Consecutive
// messages of the same role are merged, and system messages inside the
// history are sent as user text.
func (m *Anthropic) convert(ctx context.Context, msgs []message.Message) []anthropicsdk.MessageParam {
	var out []anthropicsdk.MessageParam

	for _, msg := range msgs {
		role := anthropicsdk.MessageParamRoleUser
		if msg.Role == message.RoleAssistant {
			role = anthropicsdk.MessageParamRoleAssistant
		}

		text := msg.Content
		if strings.TrimSpace(text) == "" {
			text = "."
		}
		blocks := []anthropicsdk.ContentBlockParamUnion{anthropicsdk.NewTextBlock(withFileNotes(message.Message{
			Content:     text,
			Attachments: msg.Attachments,
		}))}
		if role == anthropicsdk.MessageParamRoleUser {
			blocks = append(blocks, m.imageBlocks(ctx, msg.Attachments)...)
		}

		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			continue
		}
		out = append(out, anthropicsdk.MessageParam{Role: role, Content: blocks})
	}

	if len(out) == 0 || out[0].Role != anthropicsdk.MessageParamRoleUser {
		out = append([]anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(".")),
		}, out...)
	}
	return out
}

func (m *Anthropic) imageBlocks(ctx context.Context, attachments []message.Attachment) []anthropicsdk.ContentBlockParamUnion {
	var blocks []anthropicsdk.ContentBlockParamUnion
	for _, a := range attachments {
		if !a.IsImage() {
			continue
		}
		data, err := a.Read(ctx, m.http)
		if err != nil {
			m.logger.Warn("skipping image attachment", "url", a.URL, "error", err)
			blocks = append(blocks, anthropicsdk.NewTextBlock(fmt.Sprintf("[Image %s could not be loaded]", a.Filename())))
			continue
		}
		blocks = append(blocks, anthropicsdk.NewImageBlockBase64(a.ContentType, base64.StdEncoding.EncodeToString(data)))
	}
	return blocks
}
