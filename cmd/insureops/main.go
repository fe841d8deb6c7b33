package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.insureops/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Feed    ConfigFeed    `toml:"feed"`
}

// ConfigDefault holds general client settings.
type ConfigDefault struct {
	APIURL  string `toml:"api_url"`
	Timeout string `toml:"timeout"`
}

// ConfigAuth holds the session obtained by 'insureops login'.
type ConfigAuth struct {
	Token string `toml:"token"`
	Email string `toml:"email"`
}

// ConfigFeed holds realtime feed settings.
type ConfigFeed struct {
	URL          string   `toml:"url"`
	Channels     []string `toml:"channels"`
	PollInterval string   `toml:"poll_interval"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.insureops, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".insureops")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// applyEnv overlays INSUREOPS_API_URL and INSUREOPS_TOKEN. The result is
// never saved.
func applyEnv(cfg *Config) {
	if v := os.Getenv("INSUREOPS_API_URL"); v != "" {
		cfg.Default.APIURL = v
	}
	if v := os.Getenv("INSUREOPS_TOKEN"); v != "" {
		cfg.Auth.Token = v
	}
}

// setConfigValue sets a config field using dot notation (e.g. "default.api_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.api_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "api_url":
			cfg.Default.APIURL = value
		case "timeout":
			cfg.Default.Timeout = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "email":
			cfg.Auth.Email = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "feed":
		switch field {
		case "url":
			cfg.Feed.URL = value
		case "channels":
			cfg.Feed.Channels = splitList(value)
		case "poll_interval":
			cfg.Feed.PollInterval = value
		default:
			return fmt.Errorf("unknown field %q in section [feed]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, feed)", section)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ============================================================================
// Root command
// ============================================================================

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "insureops",
	Short: "InsureOps CLI",
	Long:  "Command-line interface for the InsureOps agent-operations platform.\nManage configuration, sign in, and watch the live event feed.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
