package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/config"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/model"
)

const defaultConfigFile = "organaiser.yaml"

// newSetupCmd creates the `organaiser setup` wizard.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Create a configuration file step by step. The API key and Discord
token are stored in the OS keyring, never in the file.

Examples:
  organaiser setup
  organaiser setup --config ./ada.yaml`,
		RunE: runSetup,
	}
}

// setupAnswers are the values collected by the wizard.
type setupAnswers struct {
	ID           string
	Timezone     string
	Rollover     string
	Model        string
	APIKey       string
	Personality  string
	DiscordToken string
	ChatChannel  string
	LogChannel   string
	Plugins      []string
	Confirm      bool
}

func runSetup(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = defaultConfigFile
	}

	a := setupAnswers{
		ID:          "organaiser",
		Timezone:    localZone(),
		Rollover:    "04:00",
		Model:       "gpt-4o",
		Personality: "You are a friendly personal assistant who helps the user organise their day.",
		ChatChannel: "chat",
		LogChannel:  "log",
		Plugins:     []string{"todo", "diary"},
		Confirm:     true,
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Assistant id").Description("Prefixes session logs and memory files.").
				Value(&a.ID).Validate(required),
			huh.NewInput().Title("Timezone").Description("IANA name, e.g. Europe/London.").
				Value(&a.Timezone).Validate(validZone),
			huh.NewInput().Title("Day rollover").Description("HH:MM at which a new session starts.").
				Value(&a.Rollover).Validate(validClock),
		),
		huh.NewGroup(
			huh.NewSelect[string]().Title("Model").Options(
				huh.NewOption("GPT-4o (OpenAI)", "gpt-4o"),
				huh.NewOption("GPT-4o mini (OpenAI)", "gpt-4o-mini"),
				huh.NewOption("Claude 3.5 Sonnet (Anthropic)", "claude-3-5-sonnet-latest"),
				huh.NewOption("Llama 3 via OpenRouter", "openrouter-meta-llama/llama-3-70b-instruct"),
				huh.NewOption("Local model via Ollama", "llama3"),
			).Value(&a.Model),
			huh.NewInput().Title("API key").Description("Stored in the OS keyring. Leave empty to use the environment.").
				EchoMode(huh.EchoModePassword).Value(&a.APIKey),
			huh.NewText().Title("Personality").Description("First part of every system prompt.").
				Value(&a.Personality),
		),
		huh.NewGroup(
			huh.NewInput().Title("Discord bot token").Description("Leave empty to only chat locally.").
				EchoMode(huh.EchoModePassword).Value(&a.DiscordToken),
			huh.NewInput().Title("Chat channel").Value(&a.ChatChannel),
			huh.NewInput().Title("Log channel").Value(&a.LogChannel),
			huh.NewMultiSelect[string]().Title("Plugins").Options(
				huh.NewOption("Todo list", "todo"),
				huh.NewOption("Diary", "diary"),
				huh.NewOption("Long-term memory", "ltm"),
				huh.NewOption("Image generation", "images"),
			).Value(&a.Plugins),
			huh.NewConfirm().Title(fmt.Sprintf("Write %s?", path)).Value(&a.Confirm),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("Setup cancelled.")
			return nil
		}
		return fmt.Errorf("setup form: %w", err)
	}
	if !a.Confirm {
		fmt.Println("Nothing written.")
		return nil
	}

	cfg := a.config()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid answers: %w", err)
	}

	if a.APIKey != "" {
		if name := config.KeyringAPIKey(cfg); name != "" {
			if err := config.StoreKeyring(name, a.APIKey); err != nil {
				fmt.Fprintf(os.Stderr, "Could not store the API key in the keyring: %v\n", err)
			} else {
				fmt.Println("API key stored in the OS keyring.")
			}
		}
	}
	if a.DiscordToken != "" {
		if err := config.StoreKeyring(config.KeyringDiscordToken, a.DiscordToken); err != nil {
			fmt.Fprintf(os.Stderr, "Could not store the Discord token in the keyring: %v\n", err)
		} else {
			fmt.Println("Discord token stored in the OS keyring.")
		}
	}

	if err := config.Save(cfg, path); err != nil {
		return err
	}
	fmt.Printf("Configuration written to %s.\n", path)
	if a.DiscordToken != "" {
		fmt.Println("Start the bot with: organaiser serve")
	} else {
		fmt.Println("Start chatting with: organaiser chat")
	}
	return nil
}

// config turns the answers into a configuration. Secrets are left out.
func (a setupAnswers) config() *config.Config {
	cfg := config.DefaultConfig()
	cfg.ID = strings.TrimSpace(a.ID)
	cfg.Timezone = strings.TrimSpace(a.Timezone)
	cfg.Day.Rollover = strings.TrimSpace(a.Rollover)
	cfg.Model.Name = a.Model
	cfg.Prompts.System = []config.PromptComponent{
		{Type: config.ComponentText, Content: strings.TrimSpace(a.Personality)},
		{Type: config.ComponentDate, Format: "Today is %A, %d %B %Y."},
		{Type: config.ComponentQuestion, Heading: "# Yesterday", Question: "What from today's conversation should you remember tomorrow? Answer briefly."},
		{Type: config.ComponentUserProfile, Heading: "# About the user"},
	}
	cfg.Discord.ChatChannel = strings.TrimSpace(a.ChatChannel)
	cfg.Discord.LogChannel = strings.TrimSpace(a.LogChannel)
	for _, name := range a.Plugins {
		cfg.Plugins[name] = map[string]any{}
	}
	if model.DetectProvider(a.Model) == model.ProviderOllama {
		cfg.Model.BaseURL = model.DefaultOllamaURL
	}
	return cfg
}

func localZone() string {
	if tz := os.Getenv("TZ"); tz != "" {
		return tz
	}
	if name := time.Local.String(); name != "Local" {
		return name
	}
	return "UTC"
}

func required(s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.New("required")
	}
	return nil
}

func validZone(s string) error {
	if _, err := time.LoadLocation(strings.TrimSpace(s)); err != nil {
		return fmt.Errorf("unknown timezone %q", s)
	}
	return nil
}

func validClock(s string) error {
	if _, err := time.Parse("15:04", strings.TrimSpace(s)); err != nil {
		return errors.New("use HH:MM")
	}
	return nil
}
