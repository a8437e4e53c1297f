// Package plugin is the extension registry of the assistant. Plugins
// subscribe to lifecycle hooks, handle reply fields as actions, contribute
// text to the system prompt, keep pinned status messages current, and
// schedule work through the shared scheduler.
//
// Hook events:
//
//	init              Plugins are installed and the first session is known.
//	configure         The plugin's config section is available.
//	session_load      A session was loaded or created.
//	post_session_end  The previous session ended at rollover.
//	pre_query         A turn is about to query the model.
package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/response"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/scheduler"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/session"
)

// Event identifies a lifecycle point.
type Event string

const (
	EventInit           Event = "init"
	EventConfigure      Event = "configure"
	EventSessionLoad    Event = "session_load"
	EventPostSessionEnd Event = "post_session_end"
	EventPreQuery       Event = "pre_query"
)

// AllEvents lists every hook event.
var AllEvents = []Event{EventInit, EventConfigure, EventSessionLoad, EventPostSessionEnd, EventPreQuery}

// HookPayload carries the data of one hook invocation. Unused fields are
// zero-valued.
type HookPayload struct {
	Event Event

	// Session is the session the event concerns. For post_session_end it is
	// the session that just ended.
	Session *session.Session

	// Config is the plugin's own config section (configure only).
	Config map[string]any
}

// HookFunc observes one event.
type HookFunc func(ctx context.Context, p HookPayload) error

// Args holds the values of an action's declared keys present in a reply.
type Args map[string]any

// String returns the value of key as a string, or "" when absent or not a
// string.
func (a Args) String(key string) string {
	s, _ := a[key].(string)
	return s
}

// Bool returns the value of key as a bool.
func (a Args) Bool(key string) bool {
	b, _ := a[key].(bool)
	return b
}

// Strings returns key as a list of strings. A single string becomes a
// one-element list; non-string list items are skipped.
func (a Args) Strings(key string) []string {
	switch v := a[key].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Has reports whether key is present.
func (a Args) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// ActionHandler handles the reply fields an action is registered for.
type ActionHandler func(ctx context.Context, r *response.Response, args Args) (response.Result, error)

// StaticFunc returns prompt text fixed for a session's lifetime.
type StaticFunc func(s *session.Session) string

// DynamicFunc returns prompt text recomputed every turn.
type DynamicFunc func(ctx context.Context, s *session.Session) string

// RenderFunc renders the body of a pinned status message.
type RenderFunc func(ctx context.Context) (string, error)

// PinnedPublisher upserts the pinned message that begins with header.
type PinnedPublisher interface {
	UpsertPinned(ctx context.Context, header, text string) error
}

// Plugin is an installable extension.
type Plugin interface {
	Name() string
	Register(r *Registrar) error
}

// Registrar is the registration surface handed to one plugin. Everything it
// registers is attributed to that plugin.
type Registrar struct {
	name     string
	registry *Registry
}

// Name returns the plugin name the registrar is bound to.
func (r *Registrar) Name() string { return r.name }

// Logger returns a logger tagged with the plugin name.
func (r *Registrar) Logger() *slog.Logger {
	return r.registry.logger.With("plugin", r.name)
}

// Hook subscribes fn to event.
func (r *Registrar) Hook(event Event, fn HookFunc) {
	r.registry.addHook(r.name, event, fn)
}

// Action registers handler for the given reply keys. The handler runs at
// most once per reply, however many of its keys are present.
func (r *Registrar) Action(name string, keys []string, handler ActionHandler) error {
	if len(keys) == 0 {
		return fmt.Errorf("action %s/%s: no keys", r.name, name)
	}
	r.registry.addAction(&action{plugin: r.name, name: name, keys: keys, handler: handler})
	return nil
}

// StaticPrompt contributes text computed once per session.
func (r *Registrar) StaticPrompt(fn StaticFunc) {
	r.registry.mu.Lock()
	defer r.registry.mu.Unlock()
	r.registry.statics = append(r.registry.statics, staticEntry{plugin: r.name, fn: fn})
}

// DynamicPrompt contributes text recomputed every turn.
func (r *Registrar) DynamicPrompt(fn DynamicFunc) {
	r.registry.mu.Lock()
	defer r.registry.mu.Unlock()
	r.registry.dynamics = append(r.registry.dynamics, dynamicEntry{plugin: r.name, fn: fn})
}

// Pinned registers a pinned status message identified by header.
func (r *Registrar) Pinned(header string, render RenderFunc) {
	r.registry.mu.Lock()
	defer r.registry.mu.Unlock()
	if _, ok := r.registry.pinned[header]; !ok {
		r.registry.pinnedOrder = append(r.registry.pinnedOrder, header)
	}
	r.registry.pinned[header] = pinnedEntry{plugin: r.name, render: render}
}

// RefreshPinned re-renders and publishes the pinned message for header.
func (r *Registrar) RefreshPinned(ctx context.Context, header string) error {
	return r.registry.RefreshPinned(ctx, header)
}

// Schedule runs fn at the given instant through the shared scheduler.
func (r *Registrar) Schedule(at time.Time, name string, fn scheduler.Func, opts ...scheduler.TaskOption) *scheduler.Task {
	return r.registry.Schedule(at, r.name+"/"+name, fn, opts...)
}

// Now returns the scheduler's clock.
func (r *Registrar) Now() time.Time { return r.registry.sched.Now() }
