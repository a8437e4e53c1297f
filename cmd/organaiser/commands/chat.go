package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/channels/console"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/config"
)

// newChatCmd creates the `organaiser chat` command that runs the assistant
// in the terminal.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the assistant in the terminal",
		Long: `Run the assistant locally with a readline prompt. Reminders and
check-ins still fire while the prompt is open. End with Ctrl-D.

Examples:
  organaiser chat
  organaiser chat --date 2024-01-10 --log`,
		RunE: runChat,
	}
	cmd.Flags().String("date", "", "make or continue the session for a given date (YYYY-MM-DD)")
	cmd.Flags().Bool("log", false, "print the log channel too")
	cmd.Flags().String("name", "", "name given to your messages (default: $USER)")
	return cmd
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)
	config.ResolveSecrets(cfg, "", logger)

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

	showLog, _ := cmd.Flags().GetBool("log")
	author, _ := cmd.Flags().GetString("name")
	if author == "" {
		author = os.Getenv("USER")
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		logger.Warn("stdin is not a terminal; reading messages line by line")
	}

	con := console.New(console.Options{
		HistoryFile: filepath.Join(cfg.DataDir, "."+cfg.ID+"_history"),
		ShowLog:     showLog,
		Author:      author,
	}, logger)
	st, err := buildStack(cfg, con, date, logger)
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-con.Closed():
			cancel()
		case <-ctx.Done():
		}
	}()

	return st.run(ctx)
}
