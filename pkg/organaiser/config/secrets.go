package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/model"
)

// Environment variables consulted for secrets.
const (
	EnvDiscordToken     = "DISCORD_TOKEN"
	EnvOpenAIKey        = "OPENAI_API_KEY"
	EnvAnthropicKey     = "ANTHROPIC_API_KEY"
	EnvOpenRouterKey    = "OPENROUTER_API_KEY"
	EnvVaultPassword    = "ORGANAISER_VAULT_PASSWORD"
	keyringService      = "organaiser"
	KeyringDiscordToken = "discord_token"
)

// providerKeyEnv returns the environment variable holding the API key of
// the configured model's provider.
func providerKeyEnv(cfg *Config) string {
	provider := cfg.Model.Provider
	if provider == "" {
		provider = model.DetectProvider(cfg.Model.Name)
	}
	return providerEnv(provider)
}

func providerEnv(provider string) string {
	switch provider {
	case model.ProviderAnthropic:
		return EnvAnthropicKey
	case model.ProviderOpenRouter:
		return EnvOpenRouterKey
	case model.ProviderOpenAI:
		return EnvOpenAIKey
	default:
		return ""
	}
}

// ProviderAPIKey returns the API key for provider: the resolved model key
// when the configured model uses the same provider, otherwise the
// provider's environment variable or keyring entry.
func (c *Config) ProviderAPIKey(provider string) string {
	own := c.Model.Provider
	if own == "" {
		own = model.DetectProvider(c.Model.Name)
	}
	if own == provider && c.Model.APIKey != "" && !IsEnvReference(c.Model.APIKey) {
		return c.Model.APIKey
	}
	env := providerEnv(provider)
	if env == "" {
		return ""
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return GetKeyring(strings.ToLower(env))
}

// KeyringAPIKey is the keyring entry name for the provider's API key.
func KeyringAPIKey(cfg *Config) string {
	return strings.ToLower(providerKeyEnv(cfg))
}

// resolveEnvSecrets fills empty or unexpanded secrets from the environment.
func resolveEnvSecrets(cfg *Config) {
	if cfg.Model.APIKey == "" || IsEnvReference(cfg.Model.APIKey) {
		if env := providerKeyEnv(cfg); env != "" {
			if v := os.Getenv(env); v != "" {
				cfg.Model.APIKey = v
			}
		}
	}
	if cfg.Discord.Token == "" || IsEnvReference(cfg.Discord.Token) {
		if v := os.Getenv(EnvDiscordToken); v != "" {
			cfg.Discord.Token = v
		}
	}
}

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring returns a secret from the OS keyring, or "" if absent.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// ResolveSecrets fills the API key and Discord token. The encrypted vault
// wins over everything; otherwise values from the environment or the config
// file are kept and the OS keyring fills what is missing. A vault found
// locked is unlocked with
// ORGANAISER_VAULT_PASSWORD or an interactive prompt. The unlocked vault is
// returned, or nil.
func ResolveSecrets(cfg *Config, vaultPath string, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	if vaultPath == "" {
		vaultPath = VaultFile
	}

	vault := NewVault(vaultPath)
	if vault.Exists() {
		if pass := os.Getenv(EnvVaultPassword); pass != "" {
			if err := vault.Unlock(pass); err != nil {
				logger.Warn("failed to unlock vault with "+EnvVaultPassword, "error", err)
			}
		}
		if !vault.IsUnlocked() && term.IsTerminal(int(os.Stdin.Fd())) {
			password, err := ReadPassword("Vault password: ")
			if err != nil {
				logger.Warn("failed to read vault password", "error", err)
			} else if err := vault.Unlock(password); err != nil {
				logger.Warn("failed to unlock vault", "error", err)
			}
		}

		if vault.IsUnlocked() {
			n, err := vault.Export()
			if err != nil {
				logger.Warn("failed to export vault secrets", "error", err)
			}
			logger.Info("vault unlocked, secrets exported to the environment", "count", n)
			// Vault values win over anything already resolved.
			if env := providerKeyEnv(cfg); env != "" {
				if v, _ := vault.Get(env); v != "" {
					cfg.Model.APIKey = v
				}
			}
			if v, _ := vault.Get(EnvDiscordToken); v != "" {
				cfg.Discord.Token = v
			}
			return vault
		}
		logger.Info("vault exists but is locked, using keyring/env/config")
	}

	if name := KeyringAPIKey(cfg); name != "" && (cfg.Model.APIKey == "" || IsEnvReference(cfg.Model.APIKey)) {
		if v := GetKeyring(name); v != "" {
			cfg.Model.APIKey = v
			logger.Debug("API key loaded from OS keyring")
		}
	}
	if cfg.Discord.Token == "" || IsEnvReference(cfg.Discord.Token) {
		if v := GetKeyring(KeyringDiscordToken); v != "" {
			cfg.Discord.Token = v
			logger.Debug("Discord token loaded from OS keyring")
		}
	}
	return nil
}

// ReadPassword reads a line from the terminal without echo, falling back to
// plain stdin when it is not a terminal.
func ReadPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		var buf [1024]byte
		n, readErr := os.Stdin.Read(buf[:])
		if readErr != nil {
			return "", fmt.Errorf("reading password: %w", readErr)
		}
		password = buf[:n]
	}
	fmt.Fprintln(os.Stderr)
	return strings.TrimRight(string(password), "\r\n"), nil
}
