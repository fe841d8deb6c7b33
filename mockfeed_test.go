package insureops

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/insureops/insureops-go/mockfeed"
)

func TestFeed_AgainstMockFeed(t *testing.T) {
	srv := mockfeed.New(mockfeed.WithLogger(discardLogger()))
	hs := httptest.NewServer(srv)
	defer hs.Close()
	defer srv.Close()

	f, err := NewFeed(RealtimeConfig{
		APIBase:            hs.URL + "/api",
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
	}, WithFeedLogger(discardLogger()))
	if err != nil {
		t.Fatalf("NewFeed: %v", err)
	}
	defer f.Disconnect()

	traces := make(chan Trace, 4)
	f.Subscribe(EventNewTrace, func(ev Event) {
		var tr Trace
		if err := ev.Decode(&tr); err != nil {
			t.Errorf("decode trace: %v", err)
			return
		}
		traces <- tr
	})

	lost := make(chan struct{}, 8)
	f.OnStateChange(func(s ConnState) {
		if s == StateDisconnected {
			lost <- struct{}{}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f.Connect()
	if err := f.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected: %v", err)
	}
	waitFor(t, "server side connection", func() bool { return srv.ConnCount() == 1 })

	publish := func(id string) {
		t.Helper()
		n, err := srv.Publish(mockfeed.Frame{
			Type:    string(EventNewTrace),
			Channel: "traces",
			Data:    map[string]any{"id": id, "agent_type": "claims", "decision": "approve"},
		})
		if err != nil || n != 1 {
			t.Fatalf("Publish: n=%d err=%v", n, err)
		}
	}
	expect := func(id string) {
		t.Helper()
		select {
		case tr := <-traces:
			if tr.ID != id || tr.AgentType != "claims" {
				t.Fatalf("unexpected trace %+v", tr)
			}
		case <-ctx.Done():
			t.Fatalf("trace %s not delivered", id)
		}
	}

	publish("t-1")
	expect("t-1")

	// Simulated network loss: the feed must come back on its own.
	srv.DropAll()
	select {
	case <-lost:
	case <-ctx.Done():
		t.Fatal("drop not noticed")
	}
	if err := f.WaitConnected(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	waitFor(t, "server side reconnection", func() bool { return srv.ConnCount() == 1 })

	publish("t-2")
	expect("t-2")

	f.Disconnect()
	waitFor(t, "server side close", func() bool { return srv.ConnCount() == 0 })
	time.Sleep(50 * time.Millisecond)
	if srv.ConnCount() != 0 || f.State() != StateDisconnected {
		t.Fatalf("feed reconnected after Disconnect: conns=%d state=%s", srv.ConnCount(), f.State())
	}
}
