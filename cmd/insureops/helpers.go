package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	insureops "github.com/insureops/insureops-go"
)

// newLogger builds the stderr text logger selected by --log-level.
func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadResolvedConfig loads the config file with environment overrides applied.
func loadResolvedConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyEnv(cfg)
	return cfg, nil
}

// newClient creates an InsureOps client from the config. A 401 from any
// endpoint other than /auth/* clears the stored token.
func newClient(cfg *Config, logger *slog.Logger) (*insureops.Client, error) {
	opts := []insureops.ClientOption{insureops.WithLogger(logger)}
	if cfg.Default.APIURL != "" {
		opts = append(opts, insureops.WithBaseURL(cfg.Default.APIURL))
	}
	if cfg.Default.Timeout != "" {
		d, err := time.ParseDuration(cfg.Default.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid default.timeout %q: %w", cfg.Default.Timeout, err)
		}
		opts = append(opts, insureops.WithTimeout(d))
	}
	opts = append(opts, insureops.WithUnauthorizedHandler(func() {
		logger.Warn("session rejected, clearing stored token")
		clearStoredToken()
	}))
	return insureops.NewClient(cfg.Auth.Token, opts...), nil
}

// clearStoredToken removes the token from the config file. Environment
// tokens are left alone.
func clearStoredToken() {
	cfg, err := loadConfig()
	if err != nil || cfg.Auth.Token == "" {
		return
	}
	cfg.Auth.Token = ""
	if err := saveConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to clear token: %v\n", err)
	}
}

// realtimeConfig maps the [feed] section onto a RealtimeConfig.
func realtimeConfig(cfg *Config) insureops.RealtimeConfig {
	rc := insureops.RealtimeConfig{URL: cfg.Feed.URL}
	if len(cfg.Feed.Channels) > 0 {
		rc.Channels = cfg.Feed.Channels
	}
	return rc
}

// pollInterval returns feed.poll_interval, or the library default.
func pollInterval(cfg *Config) (time.Duration, error) {
	if cfg.Feed.PollInterval == "" {
		return insureops.DefaultPollInterval, nil
	}
	d, err := time.ParseDuration(cfg.Feed.PollInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid feed.poll_interval %q: %w", cfg.Feed.PollInterval, err)
	}
	return d, nil
}

// maskKey shows the first 6 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return strings.Repeat("*", len(key))
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
