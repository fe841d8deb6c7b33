package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/insureops/insureops-go/mockfeed"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	feedAddr    string
	feedScript  string
	feedSecret  string
	feedTarget  string
	feedChannel string
	feedData    string
)

func init() {
	feedServeCmd.Flags().StringVar(&feedAddr, "addr", "127.0.0.1:8000", "Listen address")
	feedServeCmd.Flags().StringVar(&feedScript, "script", "", "YAML scenario to replay against connected clients")
	feedServeCmd.Flags().StringVar(&feedSecret, "secret", "", "Enable POST /publish with this HMAC secret (defaults to $INSUREOPS_FEED_SECRET)")

	feedPublishCmd.Flags().StringVar(&feedTarget, "url", "http://127.0.0.1:8000", "Mock feed base URL")
	feedPublishCmd.Flags().StringVar(&feedSecret, "secret", "", "HMAC secret (defaults to $INSUREOPS_FEED_SECRET)")
	feedPublishCmd.Flags().StringVar(&feedChannel, "channel", "", "Channel the frame belongs to")
	feedPublishCmd.Flags().StringVar(&feedData, "data", "", "JSON payload")

	feedCmd.AddCommand(feedServeCmd)
	feedCmd.AddCommand(feedPublishCmd)
	rootCmd.AddCommand(feedCmd)
}

func resolveSecret() string {
	if feedSecret != "" {
		return feedSecret
	}
	return os.Getenv("INSUREOPS_FEED_SECRET")
}

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Run or drive a local mock event feed",
	Long:  "Development helpers: serve a mock InsureOps event feed and publish frames to it.",
}

var feedServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a mock event feed on /ws",
	Long: "Serve a mock event feed. Point the CLI or an application at it with\n" +
		"  insureops config set feed.url ws://127.0.0.1:8000/ws",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()

		var script *mockfeed.Script
		if feedScript != "" {
			s, err := mockfeed.LoadScript(feedScript)
			if err != nil {
				return err
			}
			script = s
		}

		srv := mockfeed.New(mockfeed.WithLogger(logger), mockfeed.WithSecret(resolveSecret()))
		httpSrv := &http.Server{Addr: feedAddr, Handler: srv, ReadHeaderTimeout: 10 * time.Second}

		g, ctx := errgroup.WithContext(cmd.Context())

		g.Go(func() error {
			fmt.Fprintf(os.Stderr, "Mock feed listening on ws://%s/ws\n", feedAddr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen: %w", err)
			}
			return nil
		})

		g.Go(func() error {
			<-ctx.Done()
			srv.Close()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})

		if script != nil {
			g.Go(func() error {
				err := mockfeed.Replay(ctx, srv, script)
				if err != nil && !errors.Is(err, context.Canceled) {
					return fmt.Errorf("replay %s: %w", feedScript, err)
				}
				logger.Info("script finished", "script", script.Name)
				return nil
			})
		}

		return g.Wait()
	},
}

var feedPublishCmd = &cobra.Command{
	Use:     "publish <event-type>",
	Short:   "Publish one frame to a running mock feed",
	Example: `  insureops feed publish new_alert --channel alerts --data '{"id":"a-1","severity":"critical"}'`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := resolveSecret()
		if secret == "" {
			return fmt.Errorf("secret required: pass --secret or set INSUREOPS_FEED_SECRET")
		}

		frame := map[string]any{"type": args[0]}
		if feedChannel != "" {
			frame["channel"] = feedChannel
		}
		if feedData != "" {
			if !json.Valid([]byte(feedData)) {
				return fmt.Errorf("--data is not valid JSON")
			}
			frame["data"] = json.RawMessage(feedData)
		}
		body, err := json.Marshal(frame)
		if err != nil {
			return fmt.Errorf("failed to marshal frame: %w", err)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(feedTarget, "/")+"/publish", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(mockfeed.SignatureHeader, mockfeed.Sign(body, secret))

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("publish failed: %w", err)
		}
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)

		var result struct {
			Delivered int    `json:"delivered"`
			Error     string `json:"error"`
		}
		json.Unmarshal(respBody, &result)
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("publish rejected: HTTP %d: %s", resp.StatusCode, valueOrDefault(result.Error, string(respBody)))
		}
		fmt.Printf("Published %s to %d connection(s)\n", args[0], result.Delivered)
		return nil
	},
}
