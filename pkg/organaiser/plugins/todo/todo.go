// Package todo lets the assistant keep a todo list. Items are added and
// removed through the todo_action and todo_text reply fields, listed in the
// system prompt, and shown in a pinned message.
package todo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/plugin"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/response"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/session"
)

// Reply fields handled by the plugin.
const (
	KeyAction = "todo_action"
	KeyText   = "todo_text"
)

// PinnedHeader starts the pinned todo message.
const PinnedHeader = "## Current TODOs"

const staticPrompt = `It may optionally contain a key "todo_action" and "todo_text", which will be used to add or remove an item from today's todo list. The todo_text must be a string that is the exact text of the todo item, or a list of such strings if you wish to add or remove multiple items at once. The todo_action should either be "add" or "remove".`

// Plugin keeps the todo list in a JSON file.
type Plugin struct {
	path   string
	logger *slog.Logger
	reg    *plugin.Registrar

	mu sync.Mutex
}

// New creates the plugin backed by the JSON file at path.
func New(path string, logger *slog.Logger) *Plugin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Plugin{path: path, logger: logger.With("component", "todo")}
}

// Name implements plugin.Plugin.
func (p *Plugin) Name() string { return "todo" }

// Register implements plugin.Plugin.
func (p *Plugin) Register(r *plugin.Registrar) error {
	p.reg = r
	r.StaticPrompt(func(*session.Session) string { return staticPrompt })
	r.DynamicPrompt(func(context.Context, *session.Session) string {
		items, err := p.List()
		if err != nil {
			p.logger.Warn("failed to read todo list", "error", err)
			return ""
		}
		return DynamicPrompt(items)
	})
	r.Pinned(PinnedHeader, func(context.Context) (string, error) {
		items, err := p.List()
		if err != nil {
			return "", err
		}
		return PinnedList(items), nil
	})
	return r.Action("todo", []string{KeyAction, KeyText}, p.onAction)
}

// List returns the current items. A missing file is an empty list.
func (p *Plugin) List() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadLocked()
}

// Add appends items not already listed and returns how many were added.
func (p *Plugin) Add(ctx context.Context, items ...string) (int, error) {
	return p.update(ctx, func(list []string) ([]string, int) {
		n := 0
		for _, item := range items {
			item = strings.TrimSpace(item)
			if item == "" || slices.Contains(list, item) {
				continue
			}
			list = append(list, item)
			n++
		}
		return list, n
	})
}

// Remove drops the listed items and returns how many were removed. An item
// given with a leading "- " matches the bare text too.
func (p *Plugin) Remove(ctx context.Context, items ...string) (int, error) {
	return p.update(ctx, func(list []string) ([]string, int) {
		n := 0
		for _, item := range items {
			i := slices.Index(list, item)
			if i < 0 && strings.HasPrefix(item, "- ") {
				i = slices.Index(list, item[2:])
			}
			if i < 0 {
				continue
			}
			list = slices.Delete(list, i, i+1)
			n++
		}
		return list, n
	})
}

// Replace overwrites the whole list, dropping blank lines.
func (p *Plugin) Replace(ctx context.Context, items []string) error {
	_, err := p.update(ctx, func([]string) ([]string, int) {
		var list []string
		for _, item := range items {
			if item = strings.TrimSpace(item); item != "" {
				list = append(list, item)
			}
		}
		return list, len(list)
	})
	return err
}

// DynamicPrompt renders the list for the system prompt.
func DynamicPrompt(items []string) string {
	var b strings.Builder
	b.WriteString("# Current TODO List:")
	for _, item := range items {
		b.WriteString("\n- ")
		b.WriteString(item)
	}
	return b.String()
}

// PinnedList renders the body of the pinned message.
func PinnedList(items []string) string {
	if len(items) == 0 {
		return ""
	}
	return " - " + strings.Join(items, "\n - ")
}

// ---------- Internal ----------

func (p *Plugin) onAction(ctx context.Context, _ *response.Response, args plugin.Args) (response.Result, error) {
	action := strings.ToLower(strings.TrimSpace(args.String(KeyAction)))
	items := args.Strings(KeyText)
	if len(items) == 0 {
		return response.Result{}, nil
	}

	switch action {
	case "add":
		if _, err := p.Add(ctx, items...); err != nil {
			return response.Result{}, err
		}
		return response.Note("Added %d todo %s", len(items), plural(len(items))), nil
	case "remove":
		if _, err := p.Remove(ctx, items...); err != nil {
			return response.Result{}, err
		}
		return response.Note("Removed %d todo %s", len(items), plural(len(items))), nil
	default:
		return response.Result{}, fmt.Errorf("unknown todo_action %q", action)
	}
}

func (p *Plugin) update(ctx context.Context, fn func([]string) ([]string, int)) (int, error) {
	p.mu.Lock()
	list, err := p.loadLocked()
	if err != nil {
		p.mu.Unlock()
		return 0, err
	}
	list, n := fn(list)
	err = p.saveLocked(list)
	p.mu.Unlock()
	if err != nil {
		return 0, err
	}

	if p.reg != nil {
		if err := p.reg.RefreshPinned(ctx, PinnedHeader); err != nil {
			p.logger.Warn("failed to refresh pinned todos", "error", err)
		}
	}
	return n, nil
}

func (p *Plugin) loadLocked() ([]string, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read todo list: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decode todo list: %w", err)
	}
	return list, nil
}

func (p *Plugin) saveLocked(list []string) error {
	if list == nil {
		list = []string{}
	}
	data, err := json.MarshalIndent(list, "", "    ")
	if err != nil {
		return fmt.Errorf("encode todo list: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o700); err != nil {
		return fmt.Errorf("create todo dir: %w", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write todo list: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename todo list: %w", err)
	}
	return nil
}

func plural(n int) string {
	if n == 1 {
		return "item"
	}
	return "items"
}
