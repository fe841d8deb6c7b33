package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	insureops "github.com/insureops/insureops-go"
)

func fixedPrinter(asJSON bool) (*printer, *bytes.Buffer) {
	var buf bytes.Buffer
	at := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	return &printer{w: &buf, json: asJSON, now: func() time.Time { return at }}, &buf
}

func TestPrinter_Text(t *testing.T) {
	p, buf := fixedPrinter(false)

	p.state(insureops.StateConnected)
	p.event(insureops.Event{Key: insureops.EventNewAlert, Payload: json.RawMessage(`{"id":"a-1"}`)})
	p.poll([]insureops.Alert{{ID: "a-2", RuleName: "Fraud spike", Severity: "critical"}})

	out := buf.String()
	for _, want := range []string{
		"15:04:05 -- feed connected",
		`15:04:05 new_alert        {"id":"a-1"}`,
		"-- polled 1 active alert(s)",
		"[critical] Fraud spike",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in output:\n%s", want, out)
		}
	}
}

func TestPrinter_JSON(t *testing.T) {
	p, buf := fixedPrinter(true)

	p.event(insureops.Event{Key: insureops.EventNewTrace, Payload: json.RawMessage(`{"id":"t-1"}`)})
	p.mode(insureops.ModePolling)
	p.poll([]insureops.Alert{})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d:\n%s", len(lines), buf.String())
	}

	var ev map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil {
		t.Fatalf("line 0 is not JSON: %v", err)
	}
	if ev["kind"] != "event" || ev["type"] != "new_trace" {
		t.Errorf("unexpected event line: %v", ev)
	}
	if payload, _ := ev["payload"].(map[string]any); payload["id"] != "t-1" {
		t.Errorf("unexpected payload: %v", ev["payload"])
	}
	if ev["at"] != "2026-01-02T15:04:05Z" {
		t.Errorf("unexpected timestamp: %v", ev["at"])
	}

	var mode map[string]any
	json.Unmarshal([]byte(lines[1]), &mode)
	if mode["kind"] != "mode" || mode["mode"] != "polling" {
		t.Errorf("unexpected mode line: %v", mode)
	}

	var poll map[string]any
	json.Unmarshal([]byte(lines[2]), &poll)
	if poll["kind"] != "poll" || poll["count"] != float64(0) {
		t.Errorf("unexpected poll line: %v", poll)
	}
}

func TestPrinter_IgnoresUnknownPollResult(t *testing.T) {
	p, buf := fixedPrinter(false)
	p.poll("not alerts")
	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %q", buf.String())
	}
}
