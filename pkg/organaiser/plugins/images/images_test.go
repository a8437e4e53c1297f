package images

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/message"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/plugin"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/response"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/scheduler"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeGenerator struct {
	mu     sync.Mutex
	params []openai.ImageGenerateParams
	fail   string
}

func (g *fakeGenerator) Generate(_ context.Context, body openai.ImageGenerateParams, _ ...option.RequestOption) (*openai.ImagesResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.params = append(g.params, body)
	if body.Prompt == g.fail {
		return nil, errors.New("content policy")
	}
	return &openai.ImagesResponse{Data: []openai.Image{{URL: "https://img.example/" + string(body.Size) + ".png"}}}, nil
}

func install(t *testing.T, p *Plugin, cfg map[string]any) *plugin.Registry {
	t.Helper()
	registry := plugin.NewRegistry(scheduler.New(scheduler.Options{}, testLogger()), testLogger())
	t.Cleanup(registry.Close)
	require.NoError(t, registry.Install(p))
	require.NoError(t, registry.Configure(context.Background(), map[string]map[string]any{"images": cfg}))
	return registry
}

func TestStaticPromptByModel(t *testing.T) {
	t.Parallel()
	p := New(&fakeGenerator{}, testLogger())
	assert.Contains(t, p.StaticPrompt(), `"256x256", "512x512" or "1024x1024"`)

	install(t, p, map[string]any{"model": "dall-e-3"})
	assert.Equal(t, ModelDallE3, p.Model())
	assert.Contains(t, p.StaticPrompt(), `"quality" string`)

	bad := New(&fakeGenerator{}, testLogger())
	install(t, bad, map[string]any{"model": "dall-e-9"})
	assert.Equal(t, `Image generation DOES NOT WORK! Let them know that the configuration specifies the invalid model "dall-e-9".`, bad.StaticPrompt())
}

func TestImagesActionAttachesEach(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{}
	p := New(gen, testLogger())
	registry := install(t, p, map[string]any{"model": "dall-e-3"})
	ctx := context.Background()

	resp := response.New(nil, map[string]any{KeyImages: []any{
		map[string]any{"prompt": "a lighthouse at dusk", "size": "1792x1024", "quality": "hd", "style": "vivid"},
		map[string]any{"prompt": "a cat"},
	}}, "", testLogger())
	assert.Equal(t, []string{"images"}, registry.DispatchActions(ctx, resp))

	var got []message.Attachment
	for a := range resp.Attachments(ctx) {
		got = append(got, a)
	}
	require.NoError(t, resp.Wait(ctx))
	assert.Empty(t, resp.Errors())
	assert.Equal(t, []string{"Generated 2 image(s)"}, resp.ActionsTaken())

	require.Len(t, got, 2)
	urls := []string{got[0].URL, got[1].URL}
	slices.Sort(urls)
	assert.Equal(t, []string{"https://img.example/1024x1024.png", "https://img.example/1792x1024.png"}, urls)
	assert.Equal(t, "image/png", got[0].ContentType)

	require.Len(t, gen.params, 2)
	i := slices.IndexFunc(gen.params, func(p openai.ImageGenerateParams) bool { return p.Prompt == "a cat" })
	require.GreaterOrEqual(t, i, 0)
	assert.Equal(t, openai.ImageGenerateParamsQuality("standard"), gen.params[i].Quality)
	assert.Equal(t, openai.ImageGenerateParamsStyle("natural"), gen.params[i].Style)
	assert.Equal(t, openai.ImageModel(ModelDallE3), gen.params[i].Model)
}

func TestGenerateRejectsBadInput(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{}
	p := New(gen, testLogger())
	ctx := context.Background()

	_, err := p.Generate(ctx, Request{Prompt: "a cat", Size: "1792x1024"})
	assert.ErrorContains(t, err, "not supported by dall-e-2")

	_, err = p.Generate(ctx, Request{Size: "256x256"})
	assert.Error(t, err)

	a, err := p.Generate(ctx, Request{Prompt: "a cat", Size: "256x256"})
	require.NoError(t, err)
	assert.Equal(t, "https://img.example/256x256.png", a.URL)
	require.Len(t, gen.params, 1)
	assert.Empty(t, gen.params[0].Quality)
}

func TestImagesActionFailures(t *testing.T) {
	t.Parallel()
	p := New(&fakeGenerator{fail: "forbidden"}, testLogger())
	registry := install(t, p, nil)
	ctx := context.Background()

	resp := response.New(nil, map[string]any{KeyImages: map[string]any{"prompt": "forbidden", "size": "512x512"}}, "", testLogger())
	registry.DispatchActions(ctx, resp)
	require.NoError(t, resp.Wait(ctx))
	require.Len(t, resp.Errors(), 1)
	assert.ErrorContains(t, resp.Errors()[0], "content policy")

	bad := response.New(nil, map[string]any{KeyImages: "a cat"}, "", testLogger())
	registry.DispatchActions(ctx, bad)
	require.NoError(t, bad.Wait(ctx))
	assert.Len(t, bad.Errors(), 1)
}
