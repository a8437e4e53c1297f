package commands

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/channels"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/config"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/plugin"
)

func TestPidfile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	release, err := acquirePidfile(dir, "ada")
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, "ada.pid"))
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))

	_, err = acquirePidfile(dir, "ada")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	release()
	_, err = os.Stat(filepath.Join(dir, "ada.pid"))
	assert.True(t, os.IsNotExist(err))
}

func TestParseDate(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("X", 3600)

	d, err := parseDate("", loc)
	require.NoError(t, err)
	assert.True(t, d.IsZero())

	d, err = parseDate(" 2024-01-10 ", loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 10, 0, 0, 0, 0, loc), d)

	_, err = parseDate("10/01/2024", loc)
	assert.Error(t, err)
}

func TestDiscordConfigSkipsUnsetChannels(t *testing.T) {
	t.Parallel()
	cfg := config.DefaultConfig()
	cfg.Discord.Token = "token"
	cfg.Discord.ChatChannel = "chat"
	cfg.Discord.BugsChannel = "bugs"

	dc := discordConfig(cfg)
	assert.Equal(t, "token", dc.Token)
	assert.Equal(t, map[channels.Kind]string{channels.KindChat: "chat", channels.KindBugs: "bugs"}, dc.Channels)
}

func TestSetupAnswersConfig(t *testing.T) {
	t.Parallel()
	a := setupAnswers{
		ID:          " ada ",
		Timezone:    "Europe/London",
		Rollover:    "05:30",
		Model:       "llama3",
		Personality: "Be kind.",
		ChatChannel: "chat",
		Plugins:     []string{"todo", "ltm"},
	}
	cfg := a.config()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "ada", cfg.ID)
	assert.Equal(t, "05:30", cfg.Day.Rollover)
	assert.Equal(t, "http://localhost:11434/v1", cfg.Model.BaseURL)
	assert.True(t, cfg.PluginEnabled("ltm"))
	assert.False(t, cfg.PluginEnabled("images"))
	assert.Equal(t, config.ComponentText, cfg.Prompts.System[0].Type)

	assert.Error(t, validClock("25:00"))
	assert.Error(t, validZone("Mars/Olympus"))
	assert.Error(t, required("  "))
}

func TestPluginStackDescription(t *testing.T) {
	t.Parallel()
	cfg := config.DefaultConfig()
	cfg.ID = "ada"
	cfg.DataDir = t.TempDir()
	cfg.Plugins = map[string]map[string]any{"todo": {}}

	st, mgr, diaryPlugin, err := newPluginStack(cfg, time.UTC, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(st.registry.Close)
	assert.NotNil(t, mgr)
	assert.Nil(t, diaryPlugin)

	var out bytes.Buffer
	describeRegistry(&out, st.registry)
	text := out.String()

	assert.Contains(t, text, "Plugins: reminders, todo\n")
	assert.Contains(t, text, "timed_reminder_time")
	assert.Contains(t, text, "Hooks (2):\n")
	assert.Contains(t, text, "  init: reminders ("+plugin.EventDescription(plugin.EventInit)+")\n")
	assert.Contains(t, text, "  session_load: reminders (")
	assert.Contains(t, text, "  pre_query: none (A turn is about to query the model)\n")
}
