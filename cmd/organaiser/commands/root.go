// Package commands implements the organaiser CLI commands using cobra.
package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/config"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "organaiser",
		Short: "Personal organising assistant",
		Long: `organaiser is a personal assistant that keeps one conversation per day,
remembers reminders, todos and long-term memories, and talks over Discord
or a local console.

Examples:
  organaiser setup
  organaiser serve
  organaiser chat --date 2024-01-10
  organaiser reminders list`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newSetupCmd(),
		newRemindersCmd(),
		newPluginsCmd(),
		newVaultCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// configPath returns the --config flag or the first config file found.
func configPath(cmd *cobra.Command) (string, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path != "" {
		return path, nil
	}
	if found := config.Find(); found != "" {
		return found, nil
	}
	return "", errors.New("no configuration file found; run 'organaiser setup' or pass --config")
}

// loadConfig loads and validates the configuration without resolving
// secrets.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, err := configPath(cmd)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("loading config from %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, path, nil
}

// newLogger builds the process logger from the logging section and the
// --verbose flag.
func newLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
