package insureops

import (
	"testing"
)

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		key     EventKey
		payload string
		wantErr bool
	}{
		{
			name:    "nested type in data",
			raw:     `{"type":"broadcast","data":{"type":"new_trace","id":"t-1"}}`,
			key:     EventNewTrace,
			payload: `{"type":"new_trace","id":"t-1"}`,
		},
		{
			name:    "top-level type with data",
			raw:     `{"type":"new_alert","data":{"id":"a-1"}}`,
			key:     EventNewAlert,
			payload: `{"id":"a-1"}`,
		},
		{
			name:    "channel envelope",
			raw:     `{"channel":"metrics_update","payload":{"totalTraces":3}}`,
			key:     EventMetricsUpdate,
			payload: `{"totalTraces":3}`,
		},
		{
			name:    "type wins over channel",
			raw:     `{"type":"alert_update","channel":"alerts","data":{"id":"a-1"}}`,
			key:     EventAlertUpdate,
			payload: `{"id":"a-1"}`,
		},
		{
			name:    "no payload uses whole frame",
			raw:     `{"type":"dashboard_update","count":4}`,
			key:     EventDashboardStats,
			payload: `{"type":"dashboard_update","count":4}`,
		},
		{
			name:    "null data falls back to payload",
			raw:     `{"type":"claim_update","data":null,"payload":[1,2]}`,
			key:     EventClaimUpdate,
			payload: `[1,2]`,
		},
		{
			name:    "array data keeps outer type",
			raw:     `{"type":"new_trace","data":[{"id":"t-1"}]}`,
			key:     EventNewTrace,
			payload: `[{"id":"t-1"}]`,
		},
		{
			name:    "surrounding whitespace",
			raw:     "  {\"type\":\"new_trace\"}\n",
			key:     EventNewTrace,
			payload: `{"type":"new_trace"}`,
		},
		{name: "no key", raw: `{"data":{"id":"x"}}`, wantErr: true},
		{name: "empty key", raw: `{"type":"","channel":""}`, wantErr: true},
		{name: "not json", raw: `hello`, wantErr: true},
		{name: "array frame", raw: `[1,2,3]`, wantErr: true},
		{name: "truncated", raw: `{"type":"new_trace"`, wantErr: true},
		{name: "empty", raw: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := DecodeFrame([]byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got event %+v", ev)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeFrame: %v", err)
			}
			if ev.Key != tt.key {
				t.Errorf("key = %q, want %q", ev.Key, tt.key)
			}
			if string(ev.Payload) != tt.payload {
				t.Errorf("payload = %s, want %s", ev.Payload, tt.payload)
			}
		})
	}
}

func TestEventDecode(t *testing.T) {
	ev := Event{Key: EventNewAlert, Payload: []byte(`{"id":"a-1","severity":"critical","acknowledged":false}`)}
	var a Alert
	if err := ev.Decode(&a); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if a.ID != "a-1" || a.Severity != "critical" {
		t.Fatalf("unexpected alert %+v", a)
	}

	bad := Event{Key: EventNewAlert, Payload: []byte(`[1]`)}
	if err := bad.Decode(&a); err == nil {
		t.Fatal("expected error decoding array into struct")
	}
}

func TestBuildFeedURL(t *testing.T) {
	tests := []struct {
		base     string
		channels []string
		want     string
		wantErr  bool
	}{
		{"http://localhost:8000/api", DefaultChannels, "ws://localhost:8000/ws?channels=dashboard,traces,alerts", false},
		{"https://ops.example.com/api/", []string{"alerts"}, "wss://ops.example.com/ws?channels=alerts", false},
		{"https://ops.example.com", nil, "wss://ops.example.com/ws", false},
		{"https://ops.example.com/v2/api", []string{"traces"}, "wss://ops.example.com/v2/ws?channels=traces", false},
		{"https://ops.example.com/apis", nil, "wss://ops.example.com/apis/ws", false},
		{"ws://127.0.0.1:9000", []string{" a b ", "", "c&d"}, "ws://127.0.0.1:9000/ws?channels=a+b,c%26d", false},
		{"http://localhost:8000/api?x=1#frag", nil, "ws://localhost:8000/ws", false},
		{"ftp://example.com/api", nil, "", true},
		{"localhost:8000", nil, "", true},
		{"http:///api", nil, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			got, err := BuildFeedURL(tt.base, tt.channels)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildFeedURL: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}
