package todo

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/plugin"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/response"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/scheduler"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type publisher struct {
	mu     sync.Mutex
	pinned map[string]string
}

func (p *publisher) UpsertPinned(_ context.Context, header, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pinned[header] = text
	return nil
}

func (p *publisher) get(header string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pinned[header]
}

func newFixture(t *testing.T) (*Plugin, *plugin.Registry, *publisher) {
	t.Helper()
	sched := scheduler.New(scheduler.Options{}, testLogger())
	registry := plugin.NewRegistry(sched, testLogger())
	pub := &publisher{pinned: map[string]string{}}
	registry.SetPublisher(pub)
	t.Cleanup(registry.Close)

	p := New(filepath.Join(t.TempDir(), "todo.json"), testLogger())
	require.NoError(t, registry.Install(p))
	return p, registry, pub
}

func TestAddAndRemove(t *testing.T) {
	t.Parallel()
	p, _, pub := newFixture(t)
	ctx := context.Background()

	n, err := p.Add(ctx, "buy milk", "call mum", "buy milk", " ")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = p.Remove(ctx, "- buy milk", "walk dog")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	items, err := p.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"call mum"}, items)
	assert.Equal(t, "## Current TODOs\n - call mum", pub.get(PinnedHeader))
}

func TestMissingFileIsEmpty(t *testing.T) {
	t.Parallel()
	p := New(filepath.Join(t.TempDir(), "none", "todo.json"), testLogger())
	items, err := p.List()
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, "# Current TODO List:", DynamicPrompt(items))
	assert.Empty(t, PinnedList(items))
}

func TestCorruptFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "todo.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := New(path, testLogger()).List()
	assert.Error(t, err)
}

func TestAction(t *testing.T) {
	t.Parallel()
	p, registry, _ := newFixture(t)
	ctx := context.Background()

	resp := response.New(nil, map[string]any{
		KeyAction: "add",
		KeyText:   []any{"stretch", "drink water"},
	}, "", testLogger())
	assert.Equal(t, []string{"todo"}, registry.DispatchActions(ctx, resp))
	require.NoError(t, resp.Wait(ctx))
	assert.Empty(t, resp.Errors())
	assert.Equal(t, []string{"Added 2 todo items"}, resp.ActionsTaken())

	resp = response.New(nil, map[string]any{KeyAction: "remove", KeyText: "stretch"}, "", testLogger())
	registry.DispatchActions(ctx, resp)
	require.NoError(t, resp.Wait(ctx))
	assert.Equal(t, []string{"Removed 1 todo item"}, resp.ActionsTaken())

	items, err := p.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"drink water"}, items)

	resp = response.New(nil, map[string]any{KeyAction: "archive", KeyText: "x"}, "", testLogger())
	registry.DispatchActions(ctx, resp)
	require.NoError(t, resp.Wait(ctx))
	assert.Len(t, resp.Errors(), 1)
}

func TestPrompts(t *testing.T) {
	t.Parallel()
	p, registry, _ := newFixture(t)
	require.NoError(t, p.Replace(context.Background(), []string{"a", "", "b"}))

	assert.Contains(t, registry.StaticPrompt(nil), `"todo_action"`)
	assert.Contains(t, registry.DynamicPrompt(context.Background(), nil), "# Current TODO List:\n- a\n- b")
}
