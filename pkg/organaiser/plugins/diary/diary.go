// Package diary writes a diary entry for every finished session and
// publishes it on the diary channel.
package diary

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/model"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/plugin"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/session"
)

// DefaultPrompt asks for the entry when the config has no prompt.
const DefaultPrompt = "Write a diary entry about the day. Prefix it with a markdown header " +
	"including the current date. Use proper capitalization for this post. What " +
	"has the user been up to today? How did they feel? How was their energy level? What " +
	"went well and what went less well? Refer to the user in the third person."

// PublishFunc delivers a finished entry.
type PublishFunc func(ctx context.Context, entry string) error

// Plugin writes diary entries to dir.
type Plugin struct {
	dir         string
	assistantID string
	logger      *slog.Logger

	mu      sync.Mutex
	prompt  string
	publish PublishFunc
}

// New creates the plugin. Entries are stored as <dir>/<assistantID>-<date>.txt.
func New(dir, assistantID string, logger *slog.Logger) *Plugin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Plugin{
		dir:         dir,
		assistantID: assistantID,
		prompt:      DefaultPrompt,
		logger:      logger.With("component", "diary"),
	}
}

// Name implements plugin.Plugin.
func (p *Plugin) Name() string { return "diary" }

// Register implements plugin.Plugin.
func (p *Plugin) Register(r *plugin.Registrar) error {
	r.Hook(plugin.EventConfigure, func(_ context.Context, hp plugin.HookPayload) error {
		if prompt, ok := hp.Config["prompt"].(string); ok && strings.TrimSpace(prompt) != "" {
			p.mu.Lock()
			p.prompt = strings.TrimSpace(prompt)
			p.mu.Unlock()
		}
		return nil
	})
	r.Hook(plugin.EventPostSessionEnd, func(ctx context.Context, hp plugin.HookPayload) error {
		if hp.Session == nil {
			return nil
		}
		if _, err := os.Stat(p.Path(hp.Session)); err == nil {
			p.logger.Debug("diary entry exists, skipping", "session", hp.Session.Date().Format(session.DateLayout))
			return nil
		}
		_, err := p.Write(ctx, hp.Session)
		return err
	})
	return nil
}

// SetPublisher sets where entries are delivered.
func (p *Plugin) SetPublisher(fn PublishFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publish = fn
}

// Path returns the entry file of sess.
func (p *Plugin) Path(sess *session.Session) string {
	return filepath.Join(p.dir, fmt.Sprintf("%s-%s.txt", p.assistantID, sess.Date().Format(session.DateLayout)))
}

// Write asks the model for the entry of sess, stores it, overwriting any
// earlier one, and publishes it.
func (p *Plugin) Write(ctx context.Context, sess *session.Session) (string, error) {
	p.mu.Lock()
	prompt := p.prompt
	publish := p.publish
	p.mu.Unlock()

	res, err := sess.IsolatedQuery(ctx, "SYSTEM: "+prompt, session.IsolatedOptions{Shape: model.Text})
	if err != nil {
		return "", fmt.Errorf("diary entry: %w", err)
	}
	entry := strings.TrimSpace(res.Text)

	if err := os.MkdirAll(p.dir, 0o700); err != nil {
		return "", fmt.Errorf("create diary dir: %w", err)
	}
	if err := os.WriteFile(p.Path(sess), []byte(entry+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write diary entry: %w", err)
	}
	p.logger.Info("diary entry written", "session", sess.Date().Format(session.DateLayout))

	if publish == nil {
		return entry, nil
	}
	if err := publish(ctx, entry); err != nil {
		return entry, fmt.Errorf("publish diary entry: %w", err)
	}
	return entry, nil
}
