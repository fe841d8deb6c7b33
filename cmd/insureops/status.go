package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	insureops "github.com/insureops/insureops-go"
	"github.com/spf13/cobra"
)

var statusFeedTimeout time.Duration

func init() {
	statusCmd.Flags().DurationVar(&statusFeedTimeout, "feed-timeout", 5*time.Second, "How long to wait for the live feed to open")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and backend status",
	Long:  "Display the current configuration, check the REST API and session, and probe the live event feed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadResolvedConfig()
		if err != nil {
			return err
		}

		// Print config summary.
		fmt.Println("Configuration:")
		fmt.Printf("  API URL:  %s\n", valueOrDefault(cfg.Default.APIURL, insureops.DefaultBaseURL+" (default)"))
		if cfg.Feed.URL != "" {
			fmt.Printf("  Feed URL: %s\n", cfg.Feed.URL)
		}
		if len(cfg.Feed.Channels) > 0 {
			fmt.Printf("  Channels: %v\n", cfg.Feed.Channels)
		}

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  Email: %s\n", valueOrDefault(cfg.Auth.Email, "(not logged in)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token: %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token: (none)")
		}

		logger := newLogger()
		client, err := newClient(cfg, logger)
		if err != nil {
			return err
		}

		fmt.Println()
		fmt.Println("Live status:")

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		if cfg.Auth.Token != "" {
			if me, err := client.Auth.Me(ctx); err != nil {
				fmt.Printf("  Session:  error: %v\n", err)
			} else {
				fmt.Printf("  Session:  valid (%s)\n", valueOrDefault(me.Email, me.ID))
			}
		}

		if m, err := client.Metrics.Overview(ctx, "24h"); err != nil {
			fmt.Printf("  REST API: error: %v\n", err)
		} else {
			fmt.Printf("  REST API: ok (%d traces, %d active alerts in 24h)\n", m.TotalTraces, m.ActiveAlerts)
		}

		feed, err := client.Realtime(realtimeConfig(cfg))
		if err != nil {
			fmt.Printf("  Feed:     error: %v\n", err)
			return nil
		}
		fmt.Printf("  Feed:     %s ... ", feed.URL())
		fmt.Println(probeFeed(cmd.Context(), feed, statusFeedTimeout))
		return nil
	},
}

// probeFeed opens feed once and reports whether it connected within timeout.
func probeFeed(ctx context.Context, feed *insureops.Feed, timeout time.Duration) string {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	feed.Connect()
	defer feed.Disconnect()

	err := feed.WaitConnected(ctx)
	switch {
	case err == nil:
		return fmt.Sprintf("connected in %s", time.Since(start).Round(time.Millisecond))
	case errors.Is(err, context.DeadlineExceeded):
		if last := feed.Stats().LastError; last != "" {
			return "unreachable: " + last
		}
		return "timed out"
	default:
		return "error: " + err.Error()
	}
}
