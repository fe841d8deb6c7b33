package insureops

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// EventKey is the event type carried by an inbound frame, e.g. "new_trace".
type EventKey string

// Event types the InsureOps backend emits.
const (
	EventNewTrace       EventKey = "new_trace"
	EventNewAlert       EventKey = "new_alert"
	EventAlertUpdate    EventKey = "alert_update"
	EventMetricsUpdate  EventKey = "metrics_update"
	EventDashboardStats EventKey = "dashboard_update"
	EventClaimUpdate    EventKey = "claim_update"
)

// DefaultChannels are the server-side streams requested when none are configured.
var DefaultChannels = []string{"dashboard", "traces", "alerts"}

// Event is one decoded inbound frame.
type Event struct {
	Key        EventKey
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Key, err)
	}
	return nil
}

var errNoEventKey = errors.New("frame carries no event type")

// wireFrame covers both envelope shapes the backend has used:
// {"type": "...", "data": {"type": "...", ...}} and
// {"channel": "...", "payload": {...}}.
type wireFrame struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
	Payload json.RawMessage `json:"payload"`
}

// DecodeFrame parses a raw text frame into an Event.
func DecodeFrame(raw []byte) (Event, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Event{}, errors.New("frame is not a JSON object")
	}

	var f wireFrame
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return Event{}, fmt.Errorf("invalid frame: %w", err)
	}

	var key string
	if isObject(f.Data) {
		var inner struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(f.Data, &inner) == nil {
			key = inner.Type
		}
	}
	if key == "" {
		key = f.Type
	}
	if key == "" {
		key = f.Channel
	}
	if key == "" {
		return Event{}, errNoEventKey
	}

	payload := json.RawMessage(trimmed)
	switch {
	case present(f.Data):
		payload = f.Data
	case present(f.Payload):
		payload = f.Payload
	}

	return Event{Key: EventKey(key), Payload: payload}, nil
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

func isObject(raw json.RawMessage) bool {
	return len(raw) > 0 && raw[0] == '{'
}

// BuildFeedURL derives the WebSocket endpoint from the REST API base.
// A trailing "/api" path segment is dropped, http becomes ws and https
// becomes wss, and the requested channels are sent as ?channels=a,b,c.
func BuildFeedURL(apiBase string, channels []string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(apiBase))
	if err != nil {
		return "", fmt.Errorf("parse api base: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported api base scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("api base %q has no host", apiBase)
	}

	path := strings.TrimRight(u.Path, "/")
	path = strings.TrimSuffix(path, "/api")
	u.Path = path + "/ws"
	u.RawQuery = ""
	u.Fragment = ""

	if len(channels) > 0 {
		// Commas stay literal; the backend splits on them.
		u.RawQuery = "channels=" + strings.Join(escapeAll(channels), ",")
	}
	return u.String(), nil
}

func escapeAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, url.QueryEscape(s))
		}
	}
	return out
}
