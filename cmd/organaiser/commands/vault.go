package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/config"
)

// newVaultCmd creates `organaiser vault` for the encrypted secret store.
func newVaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Manage the encrypted secret vault",
		Long: `Secrets in the vault are encrypted with AES-256-GCM under a key derived
from your master password. When the vault exists it is unlocked at startup
with ORGANAISER_VAULT_PASSWORD or a password prompt.

Examples:
  organaiser vault init
  organaiser vault set OPENAI_API_KEY
  organaiser vault list`,
	}
	cmd.PersistentFlags().String("file", config.VaultFile, "vault file")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "init",
			Short: "Create a new vault",
			Args:  cobra.NoArgs,
			RunE:  runVaultInit,
		},
		&cobra.Command{
			Use:   "set NAME",
			Short: "Store a secret (read without echo)",
			Args:  cobra.ExactArgs(1),
			RunE:  runVaultSet,
		},
		&cobra.Command{
			Use:   "list",
			Short: "List stored secret names",
			Args:  cobra.NoArgs,
			RunE:  runVaultList,
		},
	)
	return cmd
}

func vaultFile(cmd *cobra.Command) *config.Vault {
	path, _ := cmd.Flags().GetString("file")
	return config.NewVault(path)
}

func runVaultInit(cmd *cobra.Command, _ []string) error {
	v := vaultFile(cmd)
	if v.Exists() {
		return fmt.Errorf("vault %s already exists", v.Path())
	}
	password, err := config.ReadPassword("New vault password: ")
	if err != nil {
		return err
	}
	if len(password) < 8 {
		return errors.New("password must be at least 8 characters")
	}
	again, err := config.ReadPassword("Repeat password: ")
	if err != nil {
		return err
	}
	if password != again {
		return errors.New("passwords do not match")
	}
	if err := v.Create(password); err != nil {
		return err
	}
	fmt.Printf("Vault created at %s.\n", v.Path())
	return nil
}

func runVaultSet(cmd *cobra.Command, args []string) error {
	v, err := unlockVault(cmd)
	if err != nil {
		return err
	}
	defer v.Lock()

	name := strings.TrimSpace(args[0])
	if err := config.CheckSecretName(name); err != nil {
		return err
	}
	value, err := config.ReadPassword(fmt.Sprintf("Value for %s: ", name))
	if err != nil {
		return err
	}
	if value == "" {
		return errors.New("empty value, nothing stored")
	}
	if err := v.Set(name, value); err != nil {
		return err
	}
	fmt.Printf("%s stored.\n", name)
	return nil
}

func runVaultList(cmd *cobra.Command, _ []string) error {
	v, err := unlockVault(cmd)
	if err != nil {
		return err
	}
	defer v.Lock()

	keys, err := v.Keys()
	if err != nil {
		return err
	}
	missing, err := v.Missing()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Println("The vault is empty.")
	}
	for _, k := range keys {
		fmt.Println(k)
	}
	if len(missing) > 0 {
		fmt.Printf("Not in the vault: %s\n", strings.Join(missing, ", "))
	}
	return nil
}

func unlockVault(cmd *cobra.Command) (*config.Vault, error) {
	v := vaultFile(cmd)
	if !v.Exists() {
		return nil, fmt.Errorf("no vault at %s; run 'organaiser vault init'", v.Path())
	}
	password := os.Getenv(config.EnvVaultPassword)
	if password == "" {
		var err error
		if password, err = config.ReadPassword("Vault password: "); err != nil {
			return nil, err
		}
	}
	if err := v.Unlock(password); err != nil {
		return nil, err
	}
	return v, nil
}
