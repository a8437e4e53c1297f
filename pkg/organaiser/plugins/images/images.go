// Package images lets the assistant show the user generated images. The
// reply field "images" lists image descriptions; each one is generated with
// the OpenAI images API and attached to the reply as soon as it is ready.
package images

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/message"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/plugin"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/response"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/session"
)

// Supported image models.
const (
	ModelDallE2 = "dall-e-2"
	ModelDallE3 = "dall-e-3"

	// KeyImages is the reply field holding the images to generate.
	KeyImages = "images"
)

var sizes = map[string][]string{
	ModelDallE2: {"256x256", "512x512", "1024x1024"},
	ModelDallE3: {"1024x1024", "1024x1792", "1792x1024"},
}

const promptIntro = `If it is necessary to show the user an image, you MAY include a key called "images", containing a list of JSON objects each describing an image to be generated.`

// Generator is the part of the OpenAI images service the plugin uses.
type Generator interface {
	Generate(ctx context.Context, body openai.ImageGenerateParams, opts ...option.RequestOption) (*openai.ImagesResponse, error)
}

// NewGenerator returns the images service of an OpenAI client.
func NewGenerator(apiKey, baseURL string) Generator {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &client.Images
}

// Request describes one image.
type Request struct {
	Prompt  string
	Size    string
	Quality string
	Style   string
}

// Plugin generates images.
type Plugin struct {
	gen    Generator
	logger *slog.Logger

	mu    sync.RWMutex
	model string
}

// New creates the plugin.
func New(gen Generator, logger *slog.Logger) *Plugin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Plugin{gen: gen, model: ModelDallE2, logger: logger.With("component", "images")}
}

// Name implements plugin.Plugin.
func (p *Plugin) Name() string { return "images" }

// Register implements plugin.Plugin.
func (p *Plugin) Register(r *plugin.Registrar) error {
	r.Hook(plugin.EventConfigure, func(_ context.Context, hp plugin.HookPayload) error {
		name := ModelDallE2
		if v, ok := hp.Config["model"].(string); ok && strings.TrimSpace(v) != "" {
			name = strings.TrimSpace(v)
		}
		p.mu.Lock()
		p.model = name
		p.mu.Unlock()
		if _, ok := sizes[name]; !ok {
			p.logger.Warn("unsupported image model", "model", name)
		}
		return nil
	})
	r.StaticPrompt(func(*session.Session) string { return p.StaticPrompt() })
	return r.Action("images", []string{KeyImages}, p.onImages)
}

// Model returns the configured image model.
func (p *Plugin) Model() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.model
}

// StaticPrompt describes the images field for the configured model.
func (p *Plugin) StaticPrompt() string {
	switch name := p.Model(); name {
	case ModelDallE2:
		return promptIntro + ` The image model is DALL·E 2, which requires a "prompt" string describing the desired image in exquisite detail, a "size" string with the desired size which MUST be one of "256x256", "512x512" or "1024x1024" (if the user explicitly specifies a different size, choose the closest size and inform them).`
	case ModelDallE3:
		return promptIntro + ` The image model is DALL·E 3, which requires a "prompt" string describing the desired image in exquisite detail, a "size" string with the desired size which MUST be one of "1024x1024", "1024x1792" or "1792x1024" (if the user explicitly specifies a different size, choose the closest size and inform them), a "quality" string which must be "standard" except if the user explicitly requested a high quality image in which case it should be "hd", and a "style" string which should be "natural" for a natural-looking image or "vivid" for a hyper-real, dramatic image.`
	default:
		return fmt.Sprintf(`Image generation DOES NOT WORK! Let them know that the configuration specifies the invalid model %q.`, name)
	}
}

// Generate creates one image and returns it as an attachment.
func (p *Plugin) Generate(ctx context.Context, req Request) (message.Attachment, error) {
	name := p.Model()
	allowed, ok := sizes[name]
	if !ok {
		return message.Attachment{}, fmt.Errorf("invalid image model %q", name)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return message.Attachment{}, errors.New("image prompt is empty")
	}
	size := req.Size
	if size == "" {
		size = allowed[len(allowed)-1]
	}
	if !slices.Contains(allowed, size) {
		return message.Attachment{}, fmt.Errorf("size %q not supported by %s", size, name)
	}

	params := openai.ImageGenerateParams{
		Prompt:         req.Prompt,
		Model:          openai.ImageModel(name),
		Size:           openai.ImageGenerateParamsSize(size),
		ResponseFormat: openai.ImageGenerateParamsResponseFormatURL,
		N:              openai.Int(1),
	}
	if name == ModelDallE3 {
		params.Quality = openai.ImageGenerateParamsQuality(orDefault(req.Quality, "standard"))
		params.Style = openai.ImageGenerateParamsStyle(orDefault(req.Style, "natural"))
	}

	res, err := p.gen.Generate(ctx, params)
	if err != nil {
		return message.Attachment{}, fmt.Errorf("generate image: %w", err)
	}
	if len(res.Data) == 0 || res.Data[0].URL == "" {
		return message.Attachment{}, errors.New("generate image: empty response")
	}
	return message.Attachment{URL: res.Data[0].URL, ContentType: "image/png"}, nil
}

// ---------- Internal ----------

func (p *Plugin) onImages(ctx context.Context, r *response.Response, args plugin.Args) (response.Result, error) {
	reqs, err := parseRequests(args[KeyImages])
	if err != nil {
		return response.Result{}, err
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
		made int
	)
	for i, req := range reqs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := p.Generate(ctx, req)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("image %d: %w", i+1, err))
				return
			}
			made++
			r.Attach(a)
		}()
	}
	wg.Wait()

	p.logger.Info("images generated", "requested", len(reqs), "generated", made)
	if made == 0 {
		return response.Result{}, errors.Join(errs...)
	}
	res := response.Note("Generated %d image(s)", made)
	if len(errs) > 0 {
		return res, errors.Join(errs...)
	}
	return res, nil
}

func parseRequests(v any) ([]Request, error) {
	var items []any
	switch val := v.(type) {
	case []any:
		items = val
	case map[string]any:
		items = []any{val}
	default:
		return nil, fmt.Errorf("%s must be a list of objects", KeyImages)
	}

	reqs := make([]Request, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("image %d is not an object", i+1)
		}
		a := plugin.Args(obj)
		reqs = append(reqs, Request{
			Prompt:  a.String("prompt"),
			Size:    a.String("size"),
			Quality: a.String("quality"),
			Style:   a.String("style"),
		})
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%s is empty", KeyImages)
	}
	return reqs, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
