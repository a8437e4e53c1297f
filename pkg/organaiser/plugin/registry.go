package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/response"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/scheduler"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/session"
)

type hookEntry struct {
	plugin string
	fn     HookFunc
}

type action struct {
	plugin  string
	name    string
	keys    []string
	handler ActionHandler
}

type staticEntry struct {
	plugin string
	fn     StaticFunc
}

type dynamicEntry struct {
	plugin string
	fn     DynamicFunc
}

type pinnedEntry struct {
	plugin string
	render RenderFunc
}

// Registry holds everything plugins registered. It implements
// session.Composer.
type Registry struct {
	sched  *scheduler.Scheduler
	logger *slog.Logger

	mu          sync.RWMutex
	plugins     []string
	hooks       map[Event][]hookEntry
	actions     []*action
	statics     []staticEntry
	dynamics    []dynamicEntry
	pinned      map[string]pinnedEntry
	pinnedOrder []string
	publisher   PinnedPublisher
	tasks       map[*scheduler.Task]struct{}
	closed      bool
}

var _ session.Composer = (*Registry)(nil)

// NewRegistry creates a Registry scheduling through sched.
func NewRegistry(sched *scheduler.Scheduler, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sched:  sched,
		logger: logger.With("component", "plugins"),
		hooks:  make(map[Event][]hookEntry),
		pinned: make(map[string]pinnedEntry),
		tasks:  make(map[*scheduler.Task]struct{}),
	}
}

// Install registers a plugin. Names must be unique.
func (r *Registry) Install(p Plugin) error {
	name := p.Name()
	r.mu.Lock()
	if slices.Contains(r.plugins, name) {
		r.mu.Unlock()
		return fmt.Errorf("plugin %q already installed", name)
	}
	r.plugins = append(r.plugins, name)
	r.mu.Unlock()

	if err := p.Register(&Registrar{name: name, registry: r}); err != nil {
		return fmt.Errorf("register plugin %s: %w", name, err)
	}
	r.logger.Info("plugin installed", "plugin", name)
	return nil
}

// Plugins returns the installed plugin names in install order.
func (r *Registry) Plugins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.plugins)
}

// SetPublisher sets where pinned messages are published.
func (r *Registry) SetPublisher(p PinnedPublisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publisher = p
}

// SetErrorReporter routes failures of scheduled payloads to fn.
func (r *Registry) SetErrorReporter(fn scheduler.ErrorReporter) {
	r.sched.SetErrorReporter(fn)
}

func (r *Registry) addHook(plugin string, event Event, fn HookFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[event] = append(r.hooks[event], hookEntry{plugin: plugin, fn: fn})
}

func (r *Registry) addAction(a *action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, a)
}

// Dispatch runs every hook registered for p.Event concurrently. Each hook is
// isolated from the others' errors and panics. The returned error joins
// every failure.
func (r *Registry) Dispatch(ctx context.Context, p HookPayload) error {
	return r.dispatch(ctx, p, nil)
}

// Configure dispatches the configure event, handing each plugin its own
// section of sections.
func (r *Registry) Configure(ctx context.Context, sections map[string]map[string]any) error {
	return r.dispatch(ctx, HookPayload{Event: EventConfigure}, func(plugin string, p HookPayload) HookPayload {
		p.Config = sections[plugin]
		return p
	})
}

func (r *Registry) dispatch(ctx context.Context, p HookPayload, tailor func(string, HookPayload) HookPayload) error {
	r.mu.RLock()
	entries := slices.Clone(r.hooks[p.Event])
	r.mu.RUnlock()

	if len(entries) == 0 {
		return nil
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, e := range entries {
		payload := p
		if tailor != nil {
			payload = tailor(e.plugin, p)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.runHook(ctx, e, payload); err != nil {
				r.logger.Warn("hook failed", "event", p.Event, "plugin", e.plugin, "error", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (r *Registry) runHook(ctx context.Context, e hookEntry, p HookPayload) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("hook panicked", "event", p.Event, "plugin", e.plugin, "panic", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("hook %s/%s panicked: %v", e.plugin, p.Event, rec)
		}
	}()
	if err := e.fn(ctx, p); err != nil {
		return fmt.Errorf("hook %s/%s: %w", e.plugin, p.Event, err)
	}
	return nil
}

// DispatchActions starts, on resp, every action with at least one of its
// keys present in the reply. A handler registered for several keys runs
// once. It returns the names of the started actions.
func (r *Registry) DispatchActions(ctx context.Context, resp *response.Response) []string {
	r.mu.RLock()
	actions := slices.Clone(r.actions)
	r.mu.RUnlock()

	var started []string
	for _, a := range actions {
		args := Args{}
		for _, k := range a.keys {
			if resp.Has(k) {
				args[k] = resp.Raw[k]
			}
		}
		if len(args) == 0 {
			continue
		}
		handler := a.handler
		resp.RunAction(ctx, a.name, func(ctx context.Context, resp *response.Response) (response.Result, error) {
			return handler(ctx, resp, args)
		})
		started = append(started, a.name)
	}
	if len(started) > 0 {
		r.logger.Debug("actions dispatched", "actions", started)
	}
	return started
}

// ActionKeys returns every reply key some action is registered for.
func (r *Registry) ActionKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var keys []string
	for _, a := range r.actions {
		for _, k := range a.keys {
			if !slices.Contains(keys, k) {
				keys = append(keys, k)
			}
		}
	}
	return keys
}

// StaticPrompt joins the static fragments of every plugin.
func (r *Registry) StaticPrompt(s *session.Session) string {
	r.mu.RLock()
	entries := slices.Clone(r.statics)
	r.mu.RUnlock()

	var parts []string
	for _, e := range entries {
		if text := strings.TrimSpace(e.fn(s)); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// DynamicPrompt joins the dynamic fragments of every plugin.
func (r *Registry) DynamicPrompt(ctx context.Context, s *session.Session) string {
	r.mu.RLock()
	entries := slices.Clone(r.dynamics)
	r.mu.RUnlock()

	var parts []string
	for _, e := range entries {
		if text := strings.TrimSpace(e.fn(ctx, s)); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// BeforeQuery dispatches pre_query for s.
func (r *Registry) BeforeQuery(ctx context.Context, s *session.Session) error {
	return r.Dispatch(ctx, HookPayload{Event: EventPreQuery, Session: s})
}

// RefreshPinned renders the pinned message for header and publishes it.
// Without a publisher it does nothing.
func (r *Registry) RefreshPinned(ctx context.Context, header string) error {
	r.mu.RLock()
	entry, ok := r.pinned[header]
	pub := r.publisher
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("no pinned message registered for %q", header)
	}
	if pub == nil {
		return nil
	}

	body, err := entry.render(ctx)
	if err != nil {
		return fmt.Errorf("render pinned %q: %w", header, err)
	}
	text := header
	if body != "" {
		text = header + "\n" + body
	}
	if err := pub.UpsertPinned(ctx, header, text); err != nil {
		return fmt.Errorf("publish pinned %q: %w", header, err)
	}
	return nil
}

// RefreshAllPinned refreshes every pinned message and joins the failures.
func (r *Registry) RefreshAllPinned(ctx context.Context) error {
	r.mu.RLock()
	headers := slices.Clone(r.pinnedOrder)
	r.mu.RUnlock()

	var errs []error
	for _, h := range headers {
		if err := r.RefreshPinned(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Schedule runs fn at the given instant. The task is tracked until it
// finishes and cancelled by Close if still waiting.
func (r *Registry) Schedule(at time.Time, name string, fn scheduler.Func, opts ...scheduler.TaskOption) *scheduler.Task {
	task := r.sched.At(at, name, fn, opts...)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		task.Cancel()
		return task
	}
	for t := range r.tasks {
		select {
		case <-t.Done():
			delete(r.tasks, t)
		default:
		}
	}
	r.tasks[task] = struct{}{}
	r.mu.Unlock()
	return task
}

// Scheduled returns the tracked tasks that have not finished.
func (r *Registry) Scheduled() []*scheduler.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*scheduler.Task
	for t := range r.tasks {
		select {
		case <-t.Done():
		default:
			out = append(out, t)
		}
	}
	return out
}

// Close cancels every tracked task still waiting. Payloads already running
// are left to finish.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	tasks := r.tasks
	r.tasks = make(map[*scheduler.Task]struct{})
	r.mu.Unlock()

	for t := range tasks {
		t.Cancel()
	}
}

// HasHooks reports whether any hook is registered for event.
func (r *Registry) HasHooks(event Event) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hooks[event]) > 0
}

// HookCount returns the total number of registered hooks.
func (r *Registry) HookCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, entries := range r.hooks {
		n += len(entries)
	}
	return n
}

// ListHooks returns the plugin names subscribed to each event.
func (r *Registry) ListHooks() map[Event][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Event][]string, len(r.hooks))
	for ev, entries := range r.hooks {
		for _, e := range entries {
			out[ev] = append(out[ev], e.plugin)
		}
	}
	return out
}

// EventDescription returns a human-readable description of an event.
func EventDescription(ev Event) string {
	switch ev {
	case EventInit:
		return "Plugins are installed and the first session is known"
	case EventConfigure:
		return "The plugin's config section is available"
	case EventSessionLoad:
		return "A session was loaded or created"
	case EventPostSessionEnd:
		return "The previous session ended at rollover"
	case EventPreQuery:
		return "A turn is about to query the model"
	default:
		return string(ev)
	}
}
