// Package ltm gives the assistant long-term memories. Before every turn the
// model picks the memories relevant to the conversation from their one-line
// index; the picked ones are added to the system prompt in full.
package ltm

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/model"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/plugin"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/response"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/session"
)

const (
	DefaultRecallModel = "gpt-4o-mini"
	DefaultMaxActive   = 3

	// KeyRemember is the reply field that stores a new memory.
	KeyRemember = "remember"
)

const staticPrompt = `It may optionally contain a key "remember" holding a JSON object with "title", "summary", "content" and "labels" (a list of short tags) to store a long-term memory that is worth recalling on later days.`

// QuerierFactory builds a querier for a model name.
type QuerierFactory func(modelName string) (session.Querier, error)

// Options configures the plugin.
type Options struct {
	// ImportPath is a JSON memory file loaded into an empty store on init.
	ImportPath string
	// NewQuerier builds the active recall model. Without it recall uses the
	// session's model.
	NewQuerier QuerierFactory
}

// Plugin implements active recall over a Store.
type Plugin struct {
	store  *Store
	opts   Options
	logger *slog.Logger
	reg    *plugin.Registrar

	mu        sync.RWMutex
	querier   session.Querier
	maxActive int
	active    []Memory
}

// New creates the plugin.
func New(store *Store, opts Options, logger *slog.Logger) *Plugin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Plugin{
		store:     store,
		opts:      opts,
		maxActive: DefaultMaxActive,
		logger:    logger.With("component", "ltm"),
	}
}

// Name implements plugin.Plugin.
func (p *Plugin) Name() string { return "ltm" }

// Register implements plugin.Plugin.
func (p *Plugin) Register(r *plugin.Registrar) error {
	p.reg = r
	r.Hook(plugin.EventInit, func(ctx context.Context, _ plugin.HookPayload) error {
		if p.opts.ImportPath == "" {
			return nil
		}
		_, err := p.store.ImportJSON(ctx, p.opts.ImportPath)
		return err
	})
	r.Hook(plugin.EventConfigure, func(_ context.Context, hp plugin.HookPayload) error {
		return p.configure(hp.Config)
	})
	r.Hook(plugin.EventPreQuery, func(ctx context.Context, hp plugin.HookPayload) error {
		if hp.Session == nil {
			return nil
		}
		return p.Recall(ctx, hp.Session)
	})
	r.StaticPrompt(func(*session.Session) string { return staticPrompt })
	r.DynamicPrompt(func(context.Context, *session.Session) string { return p.DynamicPrompt() })
	return r.Action("remember", []string{KeyRemember}, p.onRemember)
}

// Active returns the memories picked for the current turn.
func (p *Plugin) Active() []Memory {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.active)
}

// Recall asks the model which memories matter for the conversation in sess
// and makes them active.
func (p *Plugin) Recall(ctx context.Context, sess *session.Session) error {
	all, err := p.store.All(ctx)
	if err != nil {
		return err
	}
	p.mu.RLock()
	querier, limit := p.querier, p.maxActive
	p.mu.RUnlock()

	if len(all) == 0 || limit <= 0 {
		p.setActive(nil)
		return nil
	}

	var index strings.Builder
	index.WriteString("# Long-Term Memories\n\n")
	for _, m := range all {
		index.WriteString(" - ")
		index.WriteString(m.String())
		index.WriteString("\n")
	}
	query := fmt.Sprintf("SYSTEM: Respond with a JSON list (and nothing else) containing the IDs of up to %d of the long-term memories that are most relevant to the current conversation. If none are relevant, respond with an empty list.", limit)

	res, err := sess.IsolatedQuery(ctx, query, session.IsolatedOptions{
		FormatPrompt: index.String(),
		Shape:        model.Array,
		Querier:      querier,
	})
	if err != nil {
		return fmt.Errorf("active recall: %w", err)
	}

	var active []Memory
	for _, v := range res.Array() {
		id, ok := ParseRef(v)
		if !ok {
			p.logger.Debug("ignoring memory reference", "value", v)
			continue
		}
		i := slices.IndexFunc(all, func(m Memory) bool { return m.ID == id })
		if i < 0 || slices.ContainsFunc(active, func(m Memory) bool { return m.ID == id }) {
			continue
		}
		active = append(active, all[i])
		if len(active) == limit {
			break
		}
	}
	p.setActive(active)
	p.logger.Debug("memories recalled", "count", len(active))
	return nil
}

// DynamicPrompt renders the active memories in full.
func (p *Plugin) DynamicPrompt() string {
	var b strings.Builder
	for _, m := range p.Active() {
		fmt.Fprintf(&b, "## Long-Term Memory %s: %s\n%s\n\n", m.Ref(), m.Title, m.Content)
	}
	return b.String()
}

// ParseRef reads a memory id as the model returns it: "M0007", "7", 7, or
// an object with an "ID" or "id" field.
func ParseRef(v any) (int64, bool) {
	switch ref := v.(type) {
	case float64:
		if ref < 1 || ref != float64(int64(ref)) {
			return 0, false
		}
		return int64(ref), true
	case string:
		s := strings.TrimLeft(strings.TrimSpace(ref), "Mm0")
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil || id < 1 {
			return 0, false
		}
		return id, true
	case map[string]any:
		if id, ok := ref["ID"]; ok {
			return ParseRef(id)
		}
		return ParseRef(ref["id"])
	}
	return 0, false
}

// ---------- Internal ----------

func (p *Plugin) configure(cfg map[string]any) error {
	limit := DefaultMaxActive
	switch v := cfg["max_active_memories"].(type) {
	case int:
		limit = v
	case float64:
		limit = int(v)
	}

	var querier session.Querier
	if p.opts.NewQuerier != nil {
		name := DefaultRecallModel
		if v, ok := cfg["active_recall_model"].(string); ok && strings.TrimSpace(v) != "" {
			name = strings.TrimSpace(v)
		}
		q, err := p.opts.NewQuerier(name)
		if err != nil {
			p.logger.Warn("active recall model unavailable, using the session model", "model", name, "error", err)
		} else {
			querier = q
		}
	}

	p.mu.Lock()
	p.maxActive = limit
	p.querier = querier
	p.mu.Unlock()
	return nil
}

func (p *Plugin) setActive(active []Memory) {
	p.mu.Lock()
	p.active = active
	p.mu.Unlock()
}

func (p *Plugin) onRemember(ctx context.Context, r *response.Response, args plugin.Args) (response.Result, error) {
	raw, ok := args[KeyRemember].(map[string]any)
	if !ok {
		return response.Result{}, fmt.Errorf("%s must be an object", KeyRemember)
	}
	str := func(k string) string {
		s, _ := raw[k].(string)
		return strings.TrimSpace(s)
	}
	m := Memory{
		Title:   str("title"),
		Summary: str("summary"),
		Content: str("content"),
		Labels:  plugin.Args(raw).Strings("labels"),
	}
	switch {
	case r != nil && r.Session() != nil:
		m.Date = r.Session().Date()
	case p.reg != nil:
		m.Date = p.reg.Now()
	}

	stored, err := p.store.Add(ctx, m)
	if err != nil {
		return response.Result{}, err
	}
	return response.Note("Stored long-term memory %s: %s", stored.Ref(), stored.Title), nil
}
