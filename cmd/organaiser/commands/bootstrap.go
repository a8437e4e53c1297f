package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/assistant"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/channels"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/config"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/model"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/plugin"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/plugins/diary"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/plugins/images"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/plugins/ltm"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/plugins/todo"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/reminders"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/scheduler"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/session"
)

const shutdownTimeout = 10 * time.Second

// ErrAlreadyRunning is returned when the pidfile of the assistant exists.
var ErrAlreadyRunning = errors.New("assistant is already running")

// stack is a fully wired assistant waiting for a channel to run on.
type stack struct {
	cfg      *config.Config
	logger   *slog.Logger
	runtime  *assistant.Runtime
	registry *plugin.Registry
	sched    *scheduler.Scheduler
	closers  []func() error
}

// buildStack wires the scheduler, plugins, model and runtime for cfg on
// channel ch. A non-zero date pins the session.
func buildStack(cfg *config.Config, ch channels.Channel, date time.Time, logger *slog.Logger) (*stack, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	querier, err := newQuerier(cfg, cfg.Model.Name, logger)
	if err != nil {
		return nil, err
	}

	st, reminderMgr, diaryPlugin, err := newPluginStack(cfg, loc, logger)
	if err != nil {
		return nil, err
	}

	app, err := assistant.NewApp(assistant.Options{
		Config:   cfg,
		Querier:  querier,
		Composer: st.registry,
		Logger:   logger,
	})
	if err != nil {
		st.close()
		return nil, err
	}
	st.runtime, err = assistant.NewRuntime(assistant.RuntimeOptions{
		App:       app,
		Channel:   ch,
		Registry:  st.registry,
		Scheduler: st.sched,
		Date:      date,
		Logger:    logger,
	})
	if err != nil {
		st.close()
		return nil, err
	}

	reminderMgr.SetResponder(st.runtime.RespondText)
	if diaryPlugin != nil {
		diaryPlugin.SetPublisher(func(ctx context.Context, entry string) error {
			return st.runtime.Post(ctx, channels.KindDiary, entry)
		})
	}
	logger.Info("assistant wired", "assistant", cfg.ID, "model", cfg.Model.Name,
		"plugins", st.registry.Plugins(), "hooks", st.registry.HookCount())
	return st, nil
}

// newPluginStack creates the scheduler and registry and installs the
// reminders manager plus every plugin enabled in cfg.
func newPluginStack(cfg *config.Config, loc *time.Location, logger *slog.Logger) (*stack, *reminders.Manager, *diary.Plugin, error) {
	st := &stack{cfg: cfg, logger: logger}
	st.sched = scheduler.New(scheduler.Options{
		Location:    loc,
		MaxSleep:    cfg.Scheduler.MaxSleep,
		TaskTimeout: cfg.Scheduler.TaskTimeout,
	}, logger)
	st.registry = plugin.NewRegistry(st.sched, logger)

	reminderMgr := reminders.NewManager(reminders.NewFileStore(cfg.DataPath(cfg.ID+"_reminders.json")), loc, logger)
	if err := st.registry.Install(reminderMgr); err != nil {
		return nil, nil, nil, err
	}
	diaryPlugin, err := st.installPlugins(logger)
	if err != nil {
		st.close()
		return nil, nil, nil, err
	}
	return st, reminderMgr, diaryPlugin, nil
}

// installPlugins installs the optional plugins enabled in the config and
// returns the diary plugin when it is one of them.
func (st *stack) installPlugins(logger *slog.Logger) (*diary.Plugin, error) {
	cfg := st.cfg

	if cfg.PluginEnabled("todo") {
		path := cfg.PluginString("todo", "file", cfg.DataPath(cfg.ID+"_todo.json"))
		if err := st.registry.Install(todo.New(path, logger)); err != nil {
			return nil, err
		}
	}

	var diaryPlugin *diary.Plugin
	if cfg.PluginEnabled("diary") {
		diaryPlugin = diary.New(cfg.PluginString("diary", "dir", cfg.DataPath("diaries")), cfg.ID, logger)
		if err := st.registry.Install(diaryPlugin); err != nil {
			return nil, err
		}
	}

	if cfg.PluginEnabled("ltm") {
		store, err := ltm.OpenStore(cfg.PluginString("ltm", "db", cfg.DataPath(cfg.ID+"_ltm.db")), logger)
		if err != nil {
			return nil, fmt.Errorf("ltm: %w", err)
		}
		st.closers = append(st.closers, store.Close)
		p := ltm.New(store, ltm.Options{
			ImportPath: cfg.PluginString("ltm", "import", cfg.DataPath(cfg.ID+"_ltm.json")),
			NewQuerier: func(name string) (session.Querier, error) {
				q, err := newQuerier(cfg, name, logger)
				if err != nil {
					return nil, err
				}
				return q, nil
			},
		}, logger)
		if err := st.registry.Install(p); err != nil {
			return nil, err
		}
	}

	if cfg.PluginEnabled("images") {
		key := cfg.ProviderAPIKey(model.ProviderOpenAI)
		if key == "" {
			logger.Warn("images plugin enabled without an OpenAI API key")
		}
		gen := images.NewGenerator(key, cfg.PluginString("images", "base_url", ""))
		if err := st.registry.Install(images.New(gen, logger)); err != nil {
			return nil, err
		}
	}
	return diaryPlugin, nil
}

// run serves until ctx is done, then shuts down within shutdownTimeout.
func (st *stack) run(ctx context.Context) error {
	err := st.runtime.Run(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	done := make(chan struct{})
	go func() {
		st.registry.Close()
		st.sched.Stop(stopCtx)
		close(done)
	}()
	select {
	case <-done:
		st.logger.Info("shutdown complete")
	case <-stopCtx.Done():
		st.logger.Warn("shutdown timed out, forcing exit", "timeout", shutdownTimeout)
	}
	st.close()
	return err
}

func (st *stack) close() {
	for _, c := range st.closers {
		if err := c(); err != nil {
			st.logger.Warn("close failed", "error", err)
		}
	}
	st.closers = nil
}

// newQuerier builds a query client for the named model.
func newQuerier(cfg *config.Config, name string, logger *slog.Logger) (*model.Client, error) {
	provider := model.DetectProvider(name)
	baseURL := ""
	if name == cfg.Model.Name {
		if cfg.Model.Provider != "" {
			provider = cfg.Model.Provider
		}
		baseURL = cfg.Model.BaseURL
	}
	m, err := model.NewProvider(model.ProviderConfig{
		Name:     name,
		Provider: provider,
		APIKey:   cfg.ProviderAPIKey(provider),
		BaseURL:  baseURL,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", name, err)
	}
	return model.NewClient(m, cfg.QuerySettings(), logger), nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// dateFlag parses the --date flag. An empty value is the zero time.
func dateFlag(cmd *cobra.Command, loc *time.Location) (time.Time, error) {
	s, _ := cmd.Flags().GetString("date")
	return parseDate(s, loc)
}

func parseDate(s string, loc *time.Location) (time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return time.Time{}, nil
	}
	d, err := time.ParseInLocation(session.DateLayout, strings.TrimSpace(s), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("--date must be YYYY-MM-DD: %w", err)
	}
	return d, nil
}

// acquirePidfile writes the process id to <dir>/<id>.pid. It fails with
// ErrAlreadyRunning when the file exists; the returned func removes it.
func acquirePidfile(dir, id string) (func(), error) {
	path, err := filepath.Abs(filepath.Join(dir, id+".pid"))
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, os.ErrExist) {
		pid, _ := os.ReadFile(path)
		return nil, fmt.Errorf("%w (pid=%s); delete %s if this is not the case",
			ErrAlreadyRunning, strings.TrimSpace(string(pid)), path)
	}
	if err != nil {
		return nil, fmt.Errorf("create pidfile: %w", err)
	}
	_, err = f.WriteString(strconv.Itoa(os.Getpid()))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("write pidfile: %w", err)
	}
	return func() { os.Remove(path) }, nil
}
