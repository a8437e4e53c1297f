// Package assistant ties the pieces together: App builds and loads the
// sessions of one assistant, and Runtime drives turns between a delivery
// channel and the current session.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/config"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/model"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/session"
)

// findBeforeLimit bounds how many days back the previous session is looked
// for.
const findBeforeLimit = 100

// Options wires an App.
type Options struct {
	Config   *config.Config
	Querier  session.Querier
	Composer session.Composer
	Now      func() time.Time
	Logger   *slog.Logger
}

// App is the application context of one assistant: its configuration,
// session store and prompts.
type App struct {
	cfg      *config.Config
	loc      *time.Location
	store    *session.Store
	querier  session.Querier
	composer session.Composer
	settings session.Settings
	now      func() time.Time
	logger   *slog.Logger
}

// NewApp loads the prompts and opens the session store.
func NewApp(opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("assistant: config is required")
	}
	if opts.Querier == nil {
		return nil, errors.New("assistant: querier is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	boundary, err := cfg.Boundary()
	if err != nil {
		return nil, err
	}
	summary, err := LoadPrompt(cfg.Summarisation.PromptFile, DefaultSummaryPrompt)
	if err != nil {
		return nil, err
	}
	format, err := LoadPrompt(cfg.Prompts.FormatFile, DefaultFormatPrompt)
	if err != nil {
		return nil, err
	}
	store, err := session.NewStore(cfg.SessionsDir, cfg.ID, logger)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:      cfg,
		loc:      loc,
		store:    store,
		querier:  opts.Querier,
		composer: opts.Composer,
		settings: session.Settings{
			Boundary:             boundary,
			SummariseThreshold:   cfg.Summarisation.Threshold,
			UnsummarisedMessages: cfg.Summarisation.UnsummarisedMessages,
			SummaryPrompt:        summary,
			FormatPrompt:         format,
		},
		now:    now,
		logger: logger.With("component", "assistant", "assistant", cfg.ID),
	}, nil
}

// ID returns the assistant id.
func (a *App) ID() string { return a.cfg.ID }

// Config returns the configuration.
func (a *App) Config() *config.Config { return a.cfg }

// Location returns the assistant timezone.
func (a *App) Location() *time.Location { return a.loc }

// Boundary returns the session day boundary.
func (a *App) Boundary() session.Boundary { return a.settings.Boundary }

// Store returns the session store.
func (a *App) Store() *session.Store { return a.store }

// Now returns the current time.
func (a *App) Now() time.Time { return a.now() }

// Today returns the session date of the current instant.
func (a *App) Today() time.Time { return a.settings.Boundary.Today(a.now()) }

// SessionOptions returns the options every session of this assistant uses.
func (a *App) SessionOptions() session.Options {
	return session.Options{
		Settings: a.settings,
		Querier:  a.querier,
		Composer: a.composer,
		Logger:   a.logger,
		Now:      a.now,
	}
}

// LoadSession opens the session for date, creating it with a fresh system
// prompt if no log exists. prev is the session being replaced, if any. It
// has the signature of rollover.Loader.
func (a *App) LoadSession(ctx context.Context, date time.Time, prev *session.Session) (*session.Session, error) {
	opts := a.SessionOptions()
	s, err := session.Load(a.store, date, opts)
	if err == nil {
		a.logger.Info("session loaded", "date", date.Format(session.DateLayout), "messages", s.Len())
		return s, nil
	}
	if !errors.Is(err, session.ErrNotFound) {
		return nil, err
	}

	last := prev
	if last == nil || !last.Date().Before(date) {
		last, err = session.FindBefore(a.store, date, findBeforeLimit, opts)
		if err != nil && !errors.Is(err, session.ErrNotFound) {
			a.logger.Warn("could not load previous session", "error", err)
		}
	}

	prompt, err := a.MakeSystemPrompt(ctx, date, last)
	if err != nil {
		return nil, err
	}
	s, err = session.Create(a.store, date, prompt, opts)
	if err != nil {
		return nil, err
	}
	a.logger.Info("session created", "date", date.Format(session.DateLayout))
	return s, nil
}

// MakeSystemPrompt builds the system prompt of a new session from the
// configured components. last is the most recent earlier session, or nil.
func (a *App) MakeSystemPrompt(ctx context.Context, date time.Time, last *session.Session) (string, error) {
	var parts []string
	for _, comp := range a.cfg.Prompts.System {
		if comp.Heading != "" {
			parts = append(parts, comp.Heading)
		}
		switch comp.Type {
		case config.ComponentDate:
			if comp.Format != "" {
				parts = append(parts, strftime.Format(comp.Format, date.In(a.loc)))
			} else {
				parts = append(parts, fmt.Sprintf("Today is %s.", date.Format(session.DateLayout)))
			}

		case config.ComponentText:
			parts = append(parts, strings.TrimSpace(comp.Content))

		case config.ComponentQuestion:
			if last == nil {
				continue
			}
			res, err := last.IsolatedQuery(ctx, "SYSTEM: "+strings.TrimSpace(comp.Question), session.IsolatedOptions{Shape: model.Text})
			if err != nil {
				return "", fmt.Errorf("system prompt question %q: %w", comp.Question, err)
			}
			parts = append(parts, strings.TrimSpace(res.Text))

		case config.ComponentUserProfile:
			data, err := os.ReadFile(a.UserProfilePath())
			if err != nil {
				a.logger.Warn("user profile unavailable", "path", a.UserProfilePath(), "error", err)
				continue
			}
			parts = append(parts, strings.TrimSpace(string(data)))

		default:
			if comp.Heading != "" {
				parts = append(parts, "Not yet implemented.")
			}
		}
	}
	if last != nil {
		parts = append(parts, elapsedText(daysBetween(last.Date(), date)))
	}
	return strings.Join(parts, "\n\n"), nil
}

// UserProfilePath returns the path of the user profile file.
func (a *App) UserProfilePath() string {
	return a.cfg.DataPath(a.cfg.ID + "_user_profile.txt")
}

// daysBetween counts calendar days from a to b, tolerating DST shifts.
func daysBetween(a, b time.Time) int {
	return int(math.Round(b.Sub(a).Hours() / 24))
}
