package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	insureops "github.com/insureops/insureops-go"
	"github.com/spf13/cobra"
)

var configShowRaw bool

func init() {
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the config file as stored")
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage InsureOps configuration",
	Long:  "View or modify the InsureOps CLI configuration stored in ~/.insureops/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: "Print every setting the CLI will use and where it comes from:\n" +
		"the config file, an INSUREOPS_* environment variable, a value derived\n" +
		"from other settings, or the built-in default.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configShowRaw {
			return printRawConfig(cmd.OutOrStdout())
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		writeEffectiveConfig(cmd.OutOrStdout(), resolveConfig(cfg))
		return nil
	},
}

func printRawConfig(w io.Writer) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintln(w, "No configuration file found. Run 'insureops init <api-url>' to create one.")
			return nil
		}
		return fmt.Errorf("cannot read config file: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// Where an effective setting came from.
const (
	sourceFile    = "file"
	sourceEnv     = "env"
	sourceDerived = "derived"
	sourceDefault = "default"
	sourceUnset   = "unset"
)

type configEntry struct {
	Key    string
	Value  string
	Source string
}

// resolveConfig lists the settings the CLI will use for file, with
// environment overrides and library defaults filled in. Secrets are masked.
func resolveConfig(file *Config) []configEntry {
	pick := func(key, envVar, fileVal, def string) configEntry {
		if envVar != "" {
			if v := os.Getenv(envVar); v != "" {
				return configEntry{key, v, sourceEnv + ":" + envVar}
			}
		}
		if fileVal != "" {
			return configEntry{key, fileVal, sourceFile}
		}
		if def != "" {
			return configEntry{key, def, sourceDefault}
		}
		return configEntry{key, "", sourceUnset}
	}

	apiURL := pick("default.api_url", "INSUREOPS_API_URL", file.Default.APIURL, insureops.DefaultBaseURL)
	token := pick("auth.token", "INSUREOPS_TOKEN", file.Auth.Token, "")
	token.Value = maskKey(token.Value)

	channels := configEntry{"feed.channels", strings.Join(file.Feed.Channels, ","), sourceFile}
	if len(file.Feed.Channels) == 0 {
		channels = configEntry{"feed.channels", strings.Join(insureops.DefaultChannels, ","), sourceDefault}
	}

	feedURL := configEntry{"feed.url", file.Feed.URL, sourceFile}
	if file.Feed.URL == "" {
		u, err := insureops.BuildFeedURL(apiURL.Value, strings.Split(channels.Value, ","))
		if err != nil {
			feedURL = configEntry{"feed.url", "invalid: " + err.Error(), sourceDerived}
		} else {
			feedURL = configEntry{"feed.url", u, sourceDerived}
		}
	}

	return []configEntry{
		apiURL,
		pick("default.timeout", "", file.Default.Timeout, insureops.DefaultTimeout.String()),
		token,
		pick("auth.email", "", file.Auth.Email, ""),
		feedURL,
		channels,
		pick("feed.poll_interval", "", file.Feed.PollInterval, insureops.DefaultPollInterval.String()),
	}
}

func writeEffectiveConfig(w io.Writer, entries []configEntry) {
	for _, e := range entries {
		fmt.Fprintf(w, "%-20s %-48s (%s)\n", e.Key, valueOrDefault(e.Value, "-"), e.Source)
	}
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: insureops config set feed.channels dashboard,alerts",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		shown := value
		if key == "auth.token" {
			shown = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, shown)
		return nil
	},
}
