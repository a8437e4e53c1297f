package commands

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/config"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/reminders"
)

// newRemindersCmd creates `organaiser reminders` with its subcommands.
func newRemindersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reminders",
		Short: "Inspect and edit stored reminders",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List stored reminders",
			Args:  cobra.NoArgs,
			RunE:  runRemindersList,
		},
		&cobra.Command{
			Use:   "edit",
			Short: "Edit the reminder file in $EDITOR",
			Long: `Open the reminder JSON in $EDITOR. The edited file is validated and
duplicates are dropped before it is saved. A running assistant reloads the
file at its next rollover, or sooner when it adds, removes or fires a
reminder.`,
			Args: cobra.NoArgs,
			RunE: runRemindersEdit,
		},
	)
	return cmd
}

func reminderStore(cfg *config.Config) *reminders.FileStore {
	return reminders.NewFileStore(cfg.DataPath(cfg.ID + "_reminders.json"))
}

func runRemindersList(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	list, err := reminderStore(cfg).Load()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No reminders.")
		return nil
	}
	for _, r := range list {
		fmt.Printf(" - %s  (%s)\n", r.String(), r.ID)
	}
	return nil
}

func runRemindersEdit(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store := reminderStore(cfg)
	raw, err := store.Raw()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp("", "reminders-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	tmp.Close()

	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = "vi"
	}
	fields := strings.Fields(editor)
	c := exec.CommandContext(cmd.Context(), fields[0], append(fields[1:], tmp.Name())...)
	c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := c.Run(); err != nil {
		return fmt.Errorf("editor: %w", err)
	}

	edited, err := os.ReadFile(tmp.Name())
	if err != nil {
		return err
	}
	list, err := reminders.Decode(edited)
	if err != nil {
		return fmt.Errorf("reminders not saved: %w", err)
	}
	list, dropped := reminders.Dedupe(list)
	if err := store.Save(list); err != nil {
		return err
	}
	fmt.Printf("Saved %d reminder(s) to %s", len(list), store.Path())
	if dropped > 0 {
		fmt.Printf(", dropped %d duplicate(s)", dropped)
	}
	fmt.Println(".")
	return nil
}
