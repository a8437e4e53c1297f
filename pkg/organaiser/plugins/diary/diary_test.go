package diary

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/message"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/model"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/plugin"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/scheduler"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type echoQuerier struct {
	mu      sync.Mutex
	queries []string
}

func (q *echoQuerier) Query(_ context.Context, msgs []message.Message, _ string, _ model.QueryOptions) (*model.Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queries = append(q.queries, msgs[len(msgs)-1].Content)
	text := "# 10 January 2024\n\nA productive day."
	return &model.Result{Text: text, Value: text, Attempts: 1}, nil
}

func newSession(t *testing.T, q session.Querier) *session.Session {
	t.Helper()
	store, err := session.NewStore(t.TempDir(), "testbot", testLogger())
	require.NoError(t, err)
	s, err := session.Create(store, time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC), "prompt", session.Options{
		Querier: q,
		Logger:  testLogger(),
	})
	require.NoError(t, err)
	return s
}

func newRegistry(t *testing.T, p *Plugin) *plugin.Registry {
	t.Helper()
	registry := plugin.NewRegistry(scheduler.New(scheduler.Options{}, testLogger()), testLogger())
	t.Cleanup(registry.Close)
	require.NoError(t, registry.Install(p))
	return registry
}

func TestPostSessionEndWritesOnce(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "diaries")
	p := New(dir, "testbot", testLogger())
	registry := newRegistry(t, p)

	var published []string
	p.SetPublisher(func(_ context.Context, entry string) error {
		published = append(published, entry)
		return nil
	})

	q := &echoQuerier{}
	sess := newSession(t, q)
	ctx := context.Background()

	require.NoError(t, registry.Configure(ctx, map[string]map[string]any{"diary": {"prompt": "Summarise the day."}}))
	require.NoError(t, registry.Dispatch(ctx, plugin.HookPayload{Event: plugin.EventPostSessionEnd, Session: sess}))
	require.NoError(t, registry.Dispatch(ctx, plugin.HookPayload{Event: plugin.EventPostSessionEnd, Session: sess}))

	assert.Equal(t, []string{"SYSTEM: Summarise the day."}, q.queries)
	assert.Equal(t, []string{"# 10 January 2024\n\nA productive day."}, published)

	data, err := os.ReadFile(filepath.Join(dir, "testbot-2024-01-10.txt"))
	require.NoError(t, err)
	assert.Equal(t, "# 10 January 2024\n\nA productive day.\n", string(data))
}

func TestWriteOverwrites(t *testing.T) {
	t.Parallel()
	p := New(t.TempDir(), "testbot", testLogger())
	q := &echoQuerier{}
	sess := newSession(t, q)

	require.NoError(t, os.WriteFile(p.Path(sess), []byte("old"), 0o600))
	entry, err := p.Write(context.Background(), sess)
	require.NoError(t, err)
	assert.Contains(t, entry, "A productive day.")
	assert.Equal(t, []string{"SYSTEM: " + DefaultPrompt}, q.queries)
}
