package insureops

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"reflect"
	"strings"
	"testing"
)

func newTestEvent(key EventKey, payload string) Event {
	return Event{Key: key, Payload: json.RawMessage(payload)}
}

func TestRegistry_Dispatch(t *testing.T) {
	t.Run("delivers to matching key only", func(t *testing.T) {
		r := NewRegistry(nil)
		var traces, alerts int
		r.Subscribe(EventNewTrace, func(Event) { traces++ })
		r.Subscribe(EventNewAlert, func(Event) { alerts++ })

		r.Dispatch(newTestEvent(EventNewTrace, `{}`))

		if traces != 1 || alerts != 0 {
			t.Fatalf("traces=%d alerts=%d, want 1 and 0", traces, alerts)
		}
	})

	t.Run("wildcard receives every key", func(t *testing.T) {
		r := NewRegistry(nil)
		var keyed, other int
		var all []EventKey
		r.Subscribe("X", func(Event) { keyed++ })
		r.Subscribe("Y", func(Event) { other++ })
		r.SubscribeAll(func(ev Event) { all = append(all, ev.Key) })

		r.Dispatch(newTestEvent("X", `{}`))

		if keyed != 1 {
			t.Errorf("keyed callback called %d times", keyed)
		}
		if other != 0 {
			t.Errorf("unrelated callback called %d times", other)
		}
		if !reflect.DeepEqual(all, []EventKey{"X"}) {
			t.Errorf("wildcard saw %v", all)
		}
	})

	t.Run("no subscribers drops silently", func(t *testing.T) {
		r := NewRegistry(nil)
		r.Dispatch(newTestEvent("unheard", `{}`))
	})

	t.Run("payload passed through", func(t *testing.T) {
		r := NewRegistry(nil)
		var got struct {
			ID string `json:"id"`
		}
		r.Subscribe(EventNewTrace, func(ev Event) {
			if err := ev.Decode(&got); err != nil {
				t.Errorf("Decode: %v", err)
			}
		})
		r.Dispatch(newTestEvent(EventNewTrace, `{"id":"t-1"}`))
		if got.ID != "t-1" {
			t.Fatalf("unexpected payload id %q", got.ID)
		}
	})
}

func TestRegistry_PanicIsolation(t *testing.T) {
	r := NewRegistry(nil)
	second := 0
	r.Subscribe(EventNewAlert, func(Event) { panic("boom") })
	r.Subscribe(EventNewAlert, func(Event) { second++ })
	r.SubscribeAll(func(Event) { panic("wildcard boom") })

	r.Dispatch(newTestEvent(EventNewAlert, `{}`))
	r.Dispatch(newTestEvent(EventNewAlert, `{}`))

	if second != 2 {
		t.Fatalf("second callback called %d times, want 2", second)
	}
}

func TestRegistry_Unsubscribe(t *testing.T) {
	t.Run("independent handles", func(t *testing.T) {
		r := NewRegistry(nil)
		var a, b int
		unsubA := r.Subscribe(EventNewTrace, func(Event) { a++ })
		r.Subscribe(EventNewTrace, func(Event) { b++ })

		unsubA()
		r.Dispatch(newTestEvent(EventNewTrace, `{}`))

		if a != 0 || b != 1 {
			t.Fatalf("a=%d b=%d, want 0 and 1", a, b)
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		r := NewRegistry(nil)
		var b int
		unsubA := r.Subscribe(EventNewTrace, func(Event) {})
		r.Subscribe(EventNewTrace, func(Event) { b++ })

		unsubA()
		unsubA()

		if r.Len() != 1 {
			t.Fatalf("expected 1 registration left, got %d", r.Len())
		}
		r.Dispatch(newTestEvent(EventNewTrace, `{}`))
		if b != 1 {
			t.Fatalf("remaining callback called %d times", b)
		}
	})

	t.Run("same func registered twice", func(t *testing.T) {
		r := NewRegistry(nil)
		n := 0
		cb := func(Event) { n++ }
		unsub1 := r.Subscribe(EventNewTrace, cb)
		r.Subscribe(EventNewTrace, cb)

		unsub1()
		r.Dispatch(newTestEvent(EventNewTrace, `{}`))
		if n != 1 {
			t.Fatalf("expected 1 call from the surviving registration, got %d", n)
		}
	})

	t.Run("wildcard", func(t *testing.T) {
		r := NewRegistry(nil)
		n := 0
		unsub := r.SubscribeAll(func(Event) { n++ })
		unsub()
		unsub()
		r.Dispatch(newTestEvent("X", `{}`))
		if n != 0 || r.Len() != 0 {
			t.Fatalf("n=%d len=%d after unsubscribe", n, r.Len())
		}
	})

	t.Run("empty keys are dropped", func(t *testing.T) {
		r := NewRegistry(nil)
		unsub := r.Subscribe(EventClaimUpdate, func(Event) {})
		r.Subscribe(EventNewAlert, func(Event) {})
		unsub()
		if got := r.Keys(); !reflect.DeepEqual(got, []EventKey{EventNewAlert}) {
			t.Fatalf("Keys() = %v", got)
		}
	})
}

func TestRegistry_NoReplay(t *testing.T) {
	r := NewRegistry(nil)
	r.Dispatch(newTestEvent(EventNewTrace, `{"id":"old"}`))

	n := 0
	r.Subscribe(EventNewTrace, func(Event) { n++ })
	if n != 0 {
		t.Fatalf("late subscriber received %d past events", n)
	}

	r.Dispatch(newTestEvent(EventNewTrace, `{"id":"new"}`))
	if n != 1 {
		t.Fatalf("expected 1 call for the new event, got %d", n)
	}
}

func TestRegistry_ReentrantDispatch(t *testing.T) {
	t.Run("unsubscribe during dispatch", func(t *testing.T) {
		r := NewRegistry(nil)
		var calls []string
		var unsubB Unsubscribe
		r.Subscribe(EventNewTrace, func(Event) {
			calls = append(calls, "a")
			unsubB()
		})
		unsubB = r.Subscribe(EventNewTrace, func(Event) { calls = append(calls, "b") })

		// The snapshot taken for this pass still includes b.
		r.Dispatch(newTestEvent(EventNewTrace, `{}`))
		r.Dispatch(newTestEvent(EventNewTrace, `{}`))

		want := []string{"a", "b", "a"}
		if !reflect.DeepEqual(calls, want) {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	})

	t.Run("subscribe during dispatch", func(t *testing.T) {
		r := NewRegistry(nil)
		late := 0
		subscribed := false
		r.Subscribe(EventNewTrace, func(Event) {
			if !subscribed {
				subscribed = true
				r.Subscribe(EventNewTrace, func(Event) { late++ })
			}
		})

		r.Dispatch(newTestEvent(EventNewTrace, `{}`))
		if late != 0 {
			t.Fatalf("callback added mid-dispatch ran for the same event")
		}
		r.Dispatch(newTestEvent(EventNewTrace, `{}`))
		if late != 1 {
			t.Fatalf("expected late callback once, got %d", late)
		}
	})
}

func TestRegistry_NilCallbackPanics(t *testing.T) {
	r := NewRegistry(nil)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for nil callback")
		}
	}()
	r.Subscribe(EventNewTrace, nil)
}

func TestSafeCall(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ran := false
	safeCall(logger, "observer panicked", func() {
		ran = true
		panic("boom")
	}, "state", "connected")

	if !ran {
		t.Fatal("fn was not called")
	}
	out := buf.String()
	for _, want := range []string{"observer panicked", "state=connected", "panic=boom"} {
		if !strings.Contains(out, want) {
			t.Errorf("log %q missing %q", out, want)
		}
	}

	buf.Reset()
	safeCall(logger, "unused", func() {})
	if buf.Len() != 0 {
		t.Fatalf("expected no log without a panic, got %q", buf.String())
	}
}
