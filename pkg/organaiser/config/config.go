// Package config defines the assistant configuration, loaded from YAML with
// environment expansion and secrets resolved from an encrypted vault, the OS
// keyring, or the environment.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/model"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/scheduler"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/session"
)

// Config is the top-level configuration of one assistant.
type Config struct {
	// ID names the assistant. It prefixes session logs, the user profile
	// file and the pidfile.
	ID string `yaml:"id"`

	// Timezone is an IANA name. Empty means the system zone.
	Timezone string `yaml:"timezone"`

	Day           DayConfig           `yaml:"day"`
	Model         ModelConfig         `yaml:"model"`
	Summarisation SummarisationConfig `yaml:"summarisation"`
	Prompts       PromptsConfig       `yaml:"prompts"`

	// DataDir holds memory files: reminders, todo lists, diaries and the
	// long-term memory database.
	DataDir string `yaml:"data_dir"`

	// SessionsDir holds the per-day session logs.
	SessionsDir string `yaml:"sessions_dir"`

	Discord   DiscordConfig             `yaml:"discord"`
	Plugins   map[string]map[string]any `yaml:"plugins"`
	Logging   LoggingConfig             `yaml:"logging"`
	Scheduler SchedulerConfig           `yaml:"scheduler"`
}

// DayConfig sets where one session day ends.
type DayConfig struct {
	// Rollover is the "HH:MM" time at which a new session starts.
	Rollover string `yaml:"rollover"`

	// NoonCutoff decides whether the rollover belongs to the evening of the
	// session's own date (at or after the cutoff) or the early morning of
	// the next one.
	NoonCutoff string `yaml:"noon_cutoff"`
}

// ModelConfig selects the model and its sampling parameters.
type ModelConfig struct {
	Name            string  `yaml:"name"`
	Provider        string  `yaml:"provider"`
	BaseURL         string  `yaml:"base_url"`
	APIKey          string  `yaml:"api_key"`
	Temperature     float64 `yaml:"temperature"`
	TemperatureStep float64 `yaml:"temperature_step"`
	MaxTokens       int     `yaml:"max_tokens"`
}

// SummarisationConfig controls in-session summaries.
type SummarisationConfig struct {
	// Threshold is the number of messages since the last summary that
	// triggers a new one. Zero disables summarization.
	Threshold int `yaml:"threshold"`

	// UnsummarisedMessages are always kept verbatim.
	UnsummarisedMessages int `yaml:"unsummarised_messages"`

	PromptFile string `yaml:"prompt_file"`
}

// PromptsConfig lists the prompt sources.
type PromptsConfig struct {
	// FormatFile describes the JSON reply format.
	FormatFile string `yaml:"format_file"`

	// System are the components of a new session's system prompt.
	System []PromptComponent `yaml:"system"`
}

// Prompt component types.
const (
	ComponentDate        = "date"
	ComponentText        = "text"
	ComponentQuestion    = "question"
	ComponentUserProfile = "user_profile"
)

// PromptComponent is one part of the system prompt.
type PromptComponent struct {
	Type    string `yaml:"type"`
	Heading string `yaml:"heading,omitempty"`

	// Format is a strftime-style date format (date only).
	Format string `yaml:"format,omitempty"`

	// Content is literal text (text only).
	Content string `yaml:"content,omitempty"`

	// Question is asked of the previous session (question only).
	Question string `yaml:"question,omitempty"`
}

// DiscordConfig names the bot token and the channels used for delivery.
type DiscordConfig struct {
	Token        string `yaml:"token"`
	ChatChannel  string `yaml:"chat_channel"`
	LogChannel   string `yaml:"log_channel"`
	DiaryChannel string `yaml:"diary_channel"`
	QueryChannel string `yaml:"query_channel"`
	BugsChannel  string `yaml:"bugs_channel"`
}

// LoggingConfig selects the log handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SchedulerConfig tunes the scheduler.
type SchedulerConfig struct {
	MaxSleep time.Duration `yaml:"max_sleep"`
	// TaskTimeout bounds scheduled work that does not wait on the user.
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// DefaultConfig returns the configuration used for unset fields.
func DefaultConfig() *Config {
	return &Config{
		Day: DayConfig{
			Rollover:   "04:00",
			NoonCutoff: session.DefaultNoonCutoff.String(),
		},
		Model: ModelConfig{
			Temperature:     model.DefaultTemperature,
			TemperatureStep: model.DefaultTemperatureStep,
			MaxTokens:       model.DefaultMaxTokens,
		},
		Summarisation: SummarisationConfig{
			Threshold:            1000,
			UnsummarisedMessages: 1000,
		},
		DataDir:     "./data",
		SessionsDir: "./data/sessions",
		Plugins:     map[string]map[string]any{},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Scheduler: SchedulerConfig{
			MaxSleep:    time.Hour,
			TaskTimeout: scheduler.DefaultTaskTimeout,
		},
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if c.Model.Name == "" {
		errs = append(errs, errors.New("model.name is required"))
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 1 {
		errs = append(errs, fmt.Errorf("model.temperature %v out of range [0, 1]", c.Model.Temperature))
	}
	if c.Model.TemperatureStep < 0 {
		errs = append(errs, fmt.Errorf("model.temperature_step must not be negative"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Boundary(); err != nil {
		errs = append(errs, err)
	}
	for i, comp := range c.Prompts.System {
		switch comp.Type {
		case ComponentDate, ComponentText, ComponentQuestion, ComponentUserProfile:
		default:
			errs = append(errs, fmt.Errorf("prompts.system[%d]: unknown type %q", i, comp.Type))
		}
	}
	return errors.Join(errs...)
}

// Location returns the assistant timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Boundary returns the session day boundary.
func (c *Config) Boundary() (session.Boundary, error) {
	loc, err := c.Location()
	if err != nil {
		return session.Boundary{}, err
	}
	rollover, err := session.ParseClock(c.Day.Rollover)
	if err != nil {
		return session.Boundary{}, fmt.Errorf("day.rollover: %w", err)
	}
	b := session.NewBoundary(rollover, loc)
	if c.Day.NoonCutoff != "" {
		cutoff, err := session.ParseClock(c.Day.NoonCutoff)
		if err != nil {
			return session.Boundary{}, fmt.Errorf("day.noon_cutoff: %w", err)
		}
		b.NoonCutoff = cutoff
	}
	return b, nil
}

// QuerySettings returns the model query parameters.
func (c *Config) QuerySettings() model.Settings {
	return model.Settings{
		Temperature: c.Model.Temperature,
		Step:        c.Model.TemperatureStep,
		MaxTokens:   c.Model.MaxTokens,
	}
}

// DataPath returns name inside the data directory.
func (c *Config) DataPath(name string) string {
	return filepath.Join(c.DataDir, name)
}

// PluginEnabled reports whether a plugin section is present and not
// disabled with "enabled: false".
func (c *Config) PluginEnabled(name string) bool {
	section, ok := c.Plugins[name]
	if !ok {
		return false
	}
	if v, ok := section["enabled"].(bool); ok {
		return v
	}
	return true
}

// PluginString returns a string option of a plugin section.
func (c *Config) PluginString(plugin, key, fallback string) string {
	if v, ok := c.Plugins[plugin][key].(string); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}
