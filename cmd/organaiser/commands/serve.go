package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/channels"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/channels/discord"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/config"
)

// newServeCmd creates the `organaiser serve` command that runs the Discord
// bot.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the assistant on Discord",
		Long: `Connect to Discord and serve the assistant until interrupted.
The session rolls over at the configured time unless --date pins it.

Examples:
  organaiser serve
  organaiser serve --config ./organaiser.yaml
  organaiser serve --date 2024-01-10`,
		RunE: runServe,
	}
	cmd.Flags().String("date", "", "make or continue the session for a given date (YYYY-MM-DD)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	config.ResolveSecrets(cfg, "", logger)
	if cfg.Discord.Token == "" {
		return errors.New("no Discord token configured; set DISCORD_TOKEN or run 'organaiser setup', or use 'organaiser chat' to run locally")
	}

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	date, err := dateFlag(cmd, loc)
	if err != nil {
		return err
	}

	release, err := acquirePidfile(".", cfg.ID)
	if err != nil {
		return err
	}
	defer release()

	ch := discord.New(discordConfig(cfg), logger)
	st, err := buildStack(cfg, ch, date, logger)
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	logger.Info("organaiser running on Discord. Press Ctrl+C to stop.", "assistant", cfg.ID)
	return st.run(ctx)
}

// discordConfig maps the configured channel names to logical channels.
func discordConfig(cfg *config.Config) discord.Config {
	names := map[channels.Kind]string{
		channels.KindChat:  cfg.Discord.ChatChannel,
		channels.KindLog:   cfg.Discord.LogChannel,
		channels.KindDiary: cfg.Discord.DiaryChannel,
		channels.KindQuery: cfg.Discord.QueryChannel,
		channels.KindBugs:  cfg.Discord.BugsChannel,
	}
	for kind, name := range names {
		if name == "" {
			delete(names, kind)
		}
	}
	return discord.Config{Token: cfg.Discord.Token, Channels: names}
}
