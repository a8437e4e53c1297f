package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/model"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/session"
)

const sampleYAML = `
id: ada
timezone: UTC
day:
  rollover: "04:00"
model:
  name: claude-3-5-sonnet-latest
  temperature: 0.5
summarisation:
  threshold: 200
  unsummarised_messages: 40
  prompt_file: prompts/summary.txt
prompts:
  format_file: prompts/format.txt
  system:
    - type: date
      format: "%A %d %B %Y"
    - type: text
      heading: "# About you"
      content: You are a helpful organiser.
    - type: question
      question: What should I remember from yesterday?
sessions_dir: sessions
plugins:
  todo: {}
  images:
    enabled: false
discord:
  token: ${TEST_ORGANAISER_TOKEN}
  chat_channel: chat
`

func TestParseOverlaysDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "ada", cfg.ID)
	assert.Equal(t, 0.5, cfg.Model.Temperature)
	assert.Equal(t, 0.1, cfg.Model.TemperatureStep)
	assert.Equal(t, 4096, cfg.Model.MaxTokens)
	assert.Equal(t, "12:00", cfg.Day.NoonCutoff)
	assert.Equal(t, time.Hour, cfg.Scheduler.MaxSleep)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.TaskTimeout)
	require.Len(t, cfg.Prompts.System, 3)
	assert.Equal(t, "# About you", cfg.Prompts.System[1].Heading)

	assert.True(t, cfg.PluginEnabled("todo"))
	assert.False(t, cfg.PluginEnabled("images"))
	assert.False(t, cfg.PluginEnabled("ltm"))

	settings := cfg.QuerySettings()
	assert.Equal(t, 0.5, settings.Temperature)
	assert.Equal(t, 0.1, settings.Step)
}

func TestBoundary(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Timezone = "UTC"
	cfg.Day.Rollover = "05:30"
	cfg.Day.NoonCutoff = "03:00"

	b, err := cfg.Boundary()
	require.NoError(t, err)
	assert.Equal(t, session.Clock{Hour: 5, Minute: 30}, b.Rollover)
	assert.Equal(t, session.Clock{Hour: 3}, b.NoonCutoff)

	cfg.Day.Rollover = "25:99"
	_, err = cfg.Boundary()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Timezone = "Mars/Olympus"
	cfg.Model.Temperature = 1.5
	cfg.Prompts.System = []PromptComponent{{Type: "poem"}}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"id is required", "model.name is required", "out of range", "Mars/Olympus", `unknown type "poem"`} {
		assert.ErrorContains(t, err, want)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("ORG_TEST_SET", "value")

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr string
	}{
		{name: "braced", input: "a: ${ORG_TEST_SET}", want: "a: value"},
		{name: "bare", input: "a: $ORG_TEST_SET", want: "a: value"},
		{name: "default", input: "a: ${ORG_TEST_UNSET:-fallback}", want: "a: fallback"},
		{name: "unset kept", input: "a: ${ORG_TEST_UNSET}", want: "a: ${ORG_TEST_UNSET}"},
		{name: "required", input: "a: ${ORG_TEST_UNSET:?set it}", wantErr: "ORG_TEST_UNSET - set it"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := expandEnvVars(tt.input)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadResolvesPathsAndSecrets(t *testing.T) {
	t.Setenv("TEST_ORGANAISER_TOKEN", "discord-secret")
	t.Setenv(EnvAnthropicKey, "sk-ant-test")

	dir := t.TempDir()
	path := filepath.Join(dir, "organaiser.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "discord-secret", cfg.Discord.Token)
	assert.Equal(t, "sk-ant-test", cfg.Model.APIKey)
	assert.Equal(t, filepath.Join(dir, "sessions"), cfg.SessionsDir)
	assert.Equal(t, filepath.Join(dir, "data"), cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "prompts/format.txt"), cfg.Prompts.FormatFile)
}

func TestSaveSanitizesAndBacksUp(t *testing.T) {
	t.Setenv(EnvDiscordToken, "discord-secret")

	dir := t.TempDir()
	path := filepath.Join(dir, "organaiser.yaml")
	require.NoError(t, os.WriteFile(path, []byte("id: old\n"), 0o600))

	cfg := DefaultConfig()
	cfg.ID = "ada"
	cfg.Model.Name = "gpt-4o"
	cfg.Discord.Token = "discord-secret"
	require.NoError(t, Save(cfg, path))

	backup, err := os.ReadFile(path + ".bak")
	require.NoError(t, err)
	assert.Equal(t, "id: old\n", string(backup))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "${DISCORD_TOKEN}")
	assert.NotContains(t, string(raw), "discord-secret")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestVault(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "secrets", VaultFile)

	v := NewVault(path)
	assert.False(t, v.Exists())
	require.NoError(t, v.Create("hunter22"))
	require.Error(t, v.Create("again"))
	require.NoError(t, v.Set(EnvOpenAIKey, "sk-test"))
	assert.ErrorIs(t, v.Set("openai key", "x"), ErrSecretName)

	keys, err := v.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{EnvOpenAIKey}, keys)
	missing, err := v.Missing()
	require.NoError(t, err)
	assert.Equal(t, []string{EnvAnthropicKey, EnvOpenRouterKey, EnvDiscordToken}, missing)

	v.Lock()
	_, err = v.Get(EnvOpenAIKey)
	assert.ErrorIs(t, err, ErrLocked)

	reopened := NewVault(path)
	assert.ErrorIs(t, reopened.Unlock("wrong"), ErrWrongPassword)
	require.NoError(t, reopened.Unlock("hunter22"))

	val, err := reopened.Get(EnvOpenAIKey)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", val)

	empty, err := reopened.Get(EnvDiscordToken)
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, reopened.Delete(EnvOpenAIKey))
	keys, err = reopened.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestVaultSecretsBoundToName(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), VaultFile)

	v := NewVault(path)
	require.NoError(t, v.Create("hunter22"))
	require.NoError(t, v.Set(EnvOpenAIKey, "sk-openai"))
	require.NoError(t, v.Set(EnvDiscordToken, "bot-token"))

	// Swap the two ciphertexts on disk.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var f vaultFile
	require.NoError(t, json.Unmarshal(raw, &f))
	f.Secrets[EnvOpenAIKey], f.Secrets[EnvDiscordToken] = f.Secrets[EnvDiscordToken], f.Secrets[EnvOpenAIKey]
	raw, err = json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	reopened := NewVault(path)
	require.NoError(t, reopened.Unlock("hunter22"))
	_, err = reopened.Get(EnvOpenAIKey)
	assert.ErrorContains(t, err, "cannot be decrypted")
}

func TestProviderAPIKey(t *testing.T) {
	t.Setenv(EnvOpenAIKey, "sk-env")

	cfg := DefaultConfig()
	cfg.Model.Name = "claude-3-5-sonnet"
	cfg.Model.APIKey = "sk-ant-config"

	assert.Equal(t, "sk-ant-config", cfg.ProviderAPIKey(model.ProviderAnthropic))
	assert.Equal(t, "sk-env", cfg.ProviderAPIKey(model.ProviderOpenAI))
	assert.Empty(t, cfg.ProviderAPIKey(model.ProviderOllama))
}
