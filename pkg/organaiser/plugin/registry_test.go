package plugin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/response"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/scheduler"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	sched := scheduler.New(scheduler.Options{}, testLogger())
	t.Cleanup(func() { sched.Stop(context.Background()) })
	return NewRegistry(sched, testLogger())
}

// funcPlugin adapts a registration function to the Plugin interface.
type funcPlugin struct {
	name string
	fn   func(r *Registrar) error
}

func (p funcPlugin) Name() string                { return p.name }
func (p funcPlugin) Register(r *Registrar) error { return p.fn(r) }

type fakePublisher struct {
	mu    sync.Mutex
	texts map[string]string
}

func (f *fakePublisher) UpsertPinned(_ context.Context, header, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.texts == nil {
		f.texts = map[string]string{}
	}
	f.texts[header] = text
	return nil
}

func TestInstallRejectsDuplicates(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	p := funcPlugin{name: "todo", fn: func(*Registrar) error { return nil }}

	require.NoError(t, r.Install(p))
	require.Error(t, r.Install(p))
	assert.Equal(t, []string{"todo"}, r.Plugins())

	failing := funcPlugin{name: "broken", fn: func(*Registrar) error { return errors.New("bad config") }}
	assert.ErrorContains(t, r.Install(failing), "bad config")
}

func TestDispatchIsolatesHooks(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	var ran atomic.Int32
	require.NoError(t, r.Install(funcPlugin{name: "ok", fn: func(reg *Registrar) error {
		reg.Hook(EventPostSessionEnd, func(context.Context, HookPayload) error {
			ran.Add(1)
			return nil
		})
		return nil
	}}))
	require.NoError(t, r.Install(funcPlugin{name: "fails", fn: func(reg *Registrar) error {
		reg.Hook(EventPostSessionEnd, func(context.Context, HookPayload) error {
			return errors.New("disk full")
		})
		return nil
	}}))
	require.NoError(t, r.Install(funcPlugin{name: "panics", fn: func(reg *Registrar) error {
		reg.Hook(EventPostSessionEnd, func(context.Context, HookPayload) error {
			panic("boom")
		})
		return nil
	}}))

	err := r.Dispatch(context.Background(), HookPayload{Event: EventPostSessionEnd})
	require.Error(t, err)
	assert.ErrorContains(t, err, "disk full")
	assert.ErrorContains(t, err, "panicked: boom")
	assert.Equal(t, int32(1), ran.Load())

	assert.True(t, r.HasHooks(EventPostSessionEnd))
	assert.False(t, r.HasHooks(EventInit))
	assert.Equal(t, 3, r.HookCount())
	assert.ElementsMatch(t, []string{"ok", "fails", "panics"}, r.ListHooks()[EventPostSessionEnd])

	assert.NoError(t, r.Dispatch(context.Background(), HookPayload{Event: EventInit}))
}

func TestDispatchRunsHooksConcurrently(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	// Each hook waits for the other; sequential dispatch would deadlock.
	var barrier sync.WaitGroup
	barrier.Add(2)
	hook := func(ctx context.Context, _ HookPayload) error {
		barrier.Done()
		barrier.Wait()
		return nil
	}
	for _, name := range []string{"a", "b"} {
		require.NoError(t, r.Install(funcPlugin{name: name, fn: func(reg *Registrar) error {
			reg.Hook(EventSessionLoad, hook)
			return nil
		}}))
	}

	done := make(chan error, 1)
	go func() { done <- r.Dispatch(context.Background(), HookPayload{Event: EventSessionLoad}) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not run hooks concurrently")
	}
}

func TestConfigureHandsOutOwnSection(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	var mu sync.Mutex
	got := map[string]any{}
	for _, name := range []string{"todo", "images"} {
		require.NoError(t, r.Install(funcPlugin{name: name, fn: func(reg *Registrar) error {
			reg.Hook(EventConfigure, func(_ context.Context, p HookPayload) error {
				mu.Lock()
				defer mu.Unlock()
				got[reg.Name()] = p.Config["file"]
				return nil
			})
			return nil
		}}))
	}

	err := r.Configure(context.Background(), map[string]map[string]any{
		"todo":   {"file": "todo.json"},
		"images": {"file": "images.json"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"todo": "todo.json", "images": "images.json"}, got)
}

func TestDispatchActionsRunsEachHandlerOnce(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	var calls atomic.Int32
	var gotArgs Args
	require.NoError(t, r.Install(funcPlugin{name: "reminders", fn: func(reg *Registrar) error {
		return reg.Action("reminder", []string{"when", "what", "repeat"}, func(_ context.Context, _ *response.Response, args Args) (response.Result, error) {
			calls.Add(1)
			gotArgs = args
			return response.Note("added %s", args.String("what")), nil
		})
	}}))
	require.NoError(t, r.Install(funcPlugin{name: "images", fn: func(reg *Registrar) error {
		return reg.Action("images", []string{"images"}, func(context.Context, *response.Response, Args) (response.Result, error) {
			t.Error("images action should not run")
			return response.Result{}, nil
		})
	}}))

	resp := response.New(nil, map[string]any{
		"chat": "ok",
		"when": "2024-01-01 09:00:00",
		"what": "stretch",
	}, "", testLogger())

	started := r.DispatchActions(context.Background(), resp)
	assert.Equal(t, []string{"reminder"}, started)
	require.NoError(t, resp.Wait(context.Background()))

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, Args{"when": "2024-01-01 09:00:00", "what": "stretch"}, gotArgs)
	assert.Equal(t, []string{"added stretch"}, resp.ActionsTaken())
	assert.ElementsMatch(t, []string{"when", "what", "repeat", "images"}, r.ActionKeys())
}

func TestActionRequiresKeys(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	err := r.Install(funcPlugin{name: "empty", fn: func(reg *Registrar) error {
		return reg.Action("nothing", nil, nil)
	}})
	assert.ErrorContains(t, err, "no keys")
}

func TestPromptFragments(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	var dynamicCalls atomic.Int32
	require.NoError(t, r.Install(funcPlugin{name: "a", fn: func(reg *Registrar) error {
		reg.StaticPrompt(func(*session.Session) string { return "static a" })
		reg.DynamicPrompt(func(context.Context, *session.Session) string {
			dynamicCalls.Add(1)
			return "dynamic a"
		})
		return nil
	}}))
	require.NoError(t, r.Install(funcPlugin{name: "b", fn: func(reg *Registrar) error {
		reg.StaticPrompt(func(*session.Session) string { return "  " })
		reg.StaticPrompt(func(*session.Session) string { return "static b\n" })
		return nil
	}}))

	assert.Equal(t, "static a\n\nstatic b", r.StaticPrompt(nil))
	assert.Equal(t, "dynamic a", r.DynamicPrompt(context.Background(), nil))
	assert.Equal(t, "dynamic a", r.DynamicPrompt(context.Background(), nil))
	assert.Equal(t, int32(2), dynamicCalls.Load())
}

func TestBeforeQueryDispatchesPreQuery(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	var events []Event
	require.NoError(t, r.Install(funcPlugin{name: "ltm", fn: func(reg *Registrar) error {
		reg.Hook(EventPreQuery, func(_ context.Context, p HookPayload) error {
			events = append(events, p.Event)
			return nil
		})
		return nil
	}}))

	require.NoError(t, r.BeforeQuery(context.Background(), nil))
	assert.Equal(t, []Event{EventPreQuery}, events)
}

func TestRefreshPinned(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	items := "- milk"
	require.NoError(t, r.Install(funcPlugin{name: "todo", fn: func(reg *Registrar) error {
		reg.Pinned("## Current TODOs", func(context.Context) (string, error) { return items, nil })
		return nil
	}}))

	// No publisher yet: nothing to do.
	require.NoError(t, r.RefreshPinned(context.Background(), "## Current TODOs"))

	pub := &fakePublisher{}
	r.SetPublisher(pub)
	require.NoError(t, r.RefreshAllPinned(context.Background()))
	assert.Equal(t, "## Current TODOs\n- milk", pub.texts["## Current TODOs"])

	items = ""
	require.NoError(t, r.RefreshPinned(context.Background(), "## Current TODOs"))
	assert.Equal(t, "## Current TODOs", pub.texts["## Current TODOs"])

	assert.Error(t, r.RefreshPinned(context.Background(), "## Unknown"))
}

func TestScheduleAndClose(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	ran := make(chan struct{})
	var reg *Registrar
	require.NoError(t, r.Install(funcPlugin{name: "reminders", fn: func(rr *Registrar) error {
		reg = rr
		return nil
	}}))

	now := reg.Now()
	immediate := reg.Schedule(now.Add(-time.Minute), "overdue", func(context.Context) error {
		close(ran)
		return nil
	})
	later := reg.Schedule(now.Add(time.Hour), "later", func(context.Context) error {
		t.Error("cancelled task ran")
		return nil
	})
	assert.Equal(t, "reminders/later", later.Name())

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("overdue task did not run")
	}
	<-immediate.Done()

	r.Close()
	select {
	case <-later.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("close did not cancel waiting task")
	}
	assert.Equal(t, scheduler.TaskCancelled, later.State())
	assert.Empty(t, r.Scheduled())

	afterClose := r.Schedule(now.Add(time.Hour), "late", func(context.Context) error { return nil })
	<-afterClose.Done()
	assert.True(t, afterClose.Cancelled())
}

func TestArgsAccessors(t *testing.T) {
	t.Parallel()
	args := Args{
		"text":   "one",
		"list":   []any{"a", 2, "b"},
		"repeat": true,
	}
	assert.Equal(t, "one", args.String("text"))
	assert.Equal(t, "", args.String("list"))
	assert.Equal(t, []string{"one"}, args.Strings("text"))
	assert.Equal(t, []string{"a", "b"}, args.Strings("list"))
	assert.Nil(t, args.Strings("missing"))
	assert.True(t, args.Bool("repeat"))
	assert.True(t, args.Has("list"))
	assert.False(t, args.Has("missing"))
}
