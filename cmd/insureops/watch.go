package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	insureops "github.com/insureops/insureops-go"
	"github.com/spf13/cobra"
)

var (
	watchJSON       bool
	watchNoFallback bool
)

func init() {
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "Print one JSON object per line")
	watchCmd.Flags().BoolVar(&watchNoFallback, "no-fallback", false, "Do not poll active alerts while the feed is down")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch [event-type...]",
	Short: "Stream live events",
	Long: "Subscribe to the live event feed and print events as they arrive.\n" +
		"With no arguments every event is printed. While the feed is down,\n" +
		"active alerts are polled over REST until it reconnects.",
	Example: "  insureops watch new_alert alert_update\n  insureops watch --json",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadResolvedConfig()
		if err != nil {
			return err
		}
		interval, err := pollInterval(cfg)
		if err != nil {
			return err
		}

		logger := newLogger()
		client, err := newClient(cfg, logger)
		if err != nil {
			return err
		}
		feed, err := client.Realtime(realtimeConfig(cfg))
		if err != nil {
			return err
		}

		out := &printer{w: os.Stdout, json: watchJSON}
		feed.OnStateChange(out.state)
		if len(args) == 0 {
			feed.SubscribeAll(out.event)
		} else {
			for _, key := range args {
				feed.Subscribe(insureops.EventKey(key), out.event)
			}
		}

		ctx := cmd.Context()
		feed.Connect()
		defer feed.Disconnect()

		if !watchNoFallback {
			poller := insureops.NewFallbackPoller(feed, func(ctx context.Context) (any, error) {
				return client.Alerts.Active(ctx)
			}, &insureops.FallbackOptions{
				Interval:     interval,
				OnResult:     out.poll,
				OnModeChange: out.mode,
				Logger:       logger,
			})
			poller.Start(ctx)
			defer poller.Close()
		}

		fmt.Fprintf(os.Stderr, "Watching %s (Ctrl-C to stop)\n", feed.URL())
		<-ctx.Done()
		return nil
	},
}

// printer writes feed activity to w. Calls arrive from the feed's read
// goroutine and the poller concurrently.
type printer struct {
	mu   sync.Mutex
	w    io.Writer
	json bool
	now  func() time.Time
}

type watchLine struct {
	Kind    string          `json:"kind"`
	At      string          `json:"at"`
	Type    string          `json:"type,omitempty"`
	State   string          `json:"state,omitempty"`
	Mode    string          `json:"mode,omitempty"`
	Count   *int            `json:"count,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (p *printer) timestamp(t time.Time) time.Time {
	if !t.IsZero() {
		return t
	}
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

func (p *printer) write(l watchLine, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		b, err := json.Marshal(l)
		if err != nil {
			return
		}
		fmt.Fprintf(p.w, "%s\n", b)
		return
	}
	at, _ := time.Parse(time.RFC3339Nano, l.At)
	fmt.Fprintf(p.w, "%s %s\n", at.Format("15:04:05"), text)
}

func (p *printer) event(ev insureops.Event) {
	at := p.timestamp(ev.ReceivedAt).Format(time.RFC3339Nano)
	p.write(watchLine{Kind: "event", At: at, Type: string(ev.Key), Payload: ev.Payload},
		fmt.Sprintf("%-16s %s", ev.Key, ev.Payload))
}

func (p *printer) state(s insureops.ConnState) {
	at := p.timestamp(time.Time{}).Format(time.RFC3339Nano)
	p.write(watchLine{Kind: "state", At: at, State: string(s)}, "-- feed "+string(s))
}

func (p *printer) mode(m insureops.FallbackMode) {
	at := p.timestamp(time.Time{}).Format(time.RFC3339Nano)
	p.write(watchLine{Kind: "mode", At: at, Mode: string(m)}, "-- data source: "+string(m))
}

func (p *printer) poll(result any) {
	alerts, ok := result.([]insureops.Alert)
	if !ok {
		return
	}
	n := len(alerts)
	payload, _ := json.Marshal(alerts)
	at := p.timestamp(time.Time{}).Format(time.RFC3339Nano)
	text := fmt.Sprintf("-- polled %d active alert(s)", n)
	for _, a := range alerts {
		text += fmt.Sprintf("\n   [%s] %s", a.Severity, valueOrDefault(a.RuleName, a.ID))
	}
	p.write(watchLine{Kind: "poll", At: at, Count: &n, Payload: payload}, text)
}
