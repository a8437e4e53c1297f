package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?error} and $VAR.
//
// Capture groups:
//   - 1: variable name (braced)
//   - 2: modifier ("-" default, "?" required)
//   - 3: default value or error message
//   - 4: variable name (bare)
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// Load reads a YAML config file over DefaultConfig. .env files are loaded
// first and environment references are expanded before parsing.
func Load(path string) (*Config, error) {
	loadEnvFiles(filepath.Dir(path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := Parse([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveEnvSecrets(cfg)
	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)
	return cfg, nil
}

// Parse decodes YAML over DefaultConfig.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if cfg.Plugins == nil {
		cfg.Plugins = map[string]map[string]any{}
	}
	return cfg, nil
}

// Save writes cfg as YAML with secrets replaced by environment references
// where the environment holds the same value. An existing file is backed up
// to <path>.bak first.
func Save(cfg *Config, path string) error {
	sanitized := *cfg
	sanitized.Model.APIKey = sanitizeSecret(cfg.Model.APIKey, providerKeyEnv(cfg))
	sanitized.Discord.Token = sanitizeSecret(cfg.Discord.Token, EnvDiscordToken)

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	var check map[string]any
	if err := yaml.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("config validation failed (refusing to write corrupt data): %w", err)
	}

	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Find returns the first config file present in the standard locations.
func Find() string {
	for _, path := range []string{"organaiser.yaml", "organaiser.yml", "config.yaml", "config.yml", "configs/organaiser.yaml"} {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// ---------- Internal ----------

// loadEnvFiles loads .env and .env.local from the working directory and the
// config directory. Existing variables are not overwritten.
func loadEnvFiles(configDir string) {
	dirs := []string{"."}
	if configDir != "" && configDir != "." {
		dirs = append(dirs, configDir)
	}
	for _, dir := range dirs {
		for _, name := range []string{".env", ".env.local"} {
			_ = godotenv.Load(filepath.Join(dir, name))
		}
	}
}

// expandEnvVars substitutes environment references. An unset ${VAR:?msg}
// is an error; other unset references without a default are kept as is.
func expandEnvVars(input string) (string, error) {
	var missing error
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, modifier, value, bare := sub[1], sub[2], sub[3], sub[4]

		if bare != "" {
			if val, ok := os.LookupEnv(bare); ok {
				return val
			}
			return match
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		switch modifier {
		case "?":
			if missing == nil {
				if value == "" {
					value = "required environment variable not set"
				}
				missing = fmt.Errorf("config error: %s - %s", name, value)
			}
			return match
		case "-":
			return value
		}
		return match
	})
	if missing != nil {
		return "", missing
	}
	return out, nil
}

// resolveRelativePaths makes file paths relative to the config file's
// directory. ~ expands to the home directory.
func resolveRelativePaths(cfg *Config, configPath string) {
	dir := filepath.Dir(configPath)
	cfg.DataDir = resolvePath(cfg.DataDir, dir)
	cfg.SessionsDir = resolvePath(cfg.SessionsDir, dir)
	cfg.Summarisation.PromptFile = resolvePath(cfg.Summarisation.PromptFile, dir)
	cfg.Prompts.FormatFile = resolvePath(cfg.Prompts.FormatFile, dir)
}

func resolvePath(path, configDir string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}

// sanitizeSecret replaces a secret with a reference to the environment
// variable holding the same value.
func sanitizeSecret(value, envVar string) string {
	if value == "" || IsEnvReference(value) {
		return value
	}
	if envVar != "" && os.Getenv(envVar) == value {
		return "${" + envVar + "}"
	}
	return value
}

// IsEnvReference reports whether s is an unexpanded environment reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "$")
}

// checkFilePermissions warns if the config file is readable by others.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	mode := info.Mode().Perm()
	if mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"recommended", "0600",
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
