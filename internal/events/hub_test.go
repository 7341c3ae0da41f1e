package events

import (
	"encoding/json"
	"testing"
	"time"
)

func TestHubBacklogKeepsNewest(t *testing.T) {
	t.Parallel()

	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(CommandSent, map[string]int{"n": i})
	}

	all := h.Since(0)
	if len(all) != 3 {
		t.Fatalf("expected 3 retained events, got %d", len(all))
	}
	if all[0].ID != 3 || all[2].ID != 5 {
		t.Fatalf("unexpected ids %d..%d", all[0].ID, all[2].ID)
	}

	newer := h.Since(4)
	if len(newer) != 1 || newer[0].ID != 5 {
		t.Fatalf("expected only event 5, got %+v", newer)
	}
	if got := h.Since(5); len(got) != 0 {
		t.Fatalf("expected nothing after the last id, got %+v", got)
	}
	if h.LastID() != 5 {
		t.Fatalf("LastID = %d", h.LastID())
	}
}

func TestHubSinceReturnsCopy(t *testing.T) {
	t.Parallel()

	h := NewHub(2)
	h.Publish(CommandSent, nil)
	snap := h.Since(0)
	h.Publish(CommandSent, nil)
	h.Publish(CommandSent, nil)

	if snap[0].ID != 1 {
		t.Fatalf("snapshot mutated by later publishes: %+v", snap)
	}
	if string(snap[0].Data) != "{}" {
		t.Fatalf("nil payload = %s, want {}", snap[0].Data)
	}
}

func TestHubSubscribe(t *testing.T) {
	t.Parallel()

	h := NewHub(10)
	ch, cancel := h.Subscribe()
	if h.Subscribers() != 1 {
		t.Fatalf("Subscribers = %d, want 1", h.Subscribers())
	}

	h.Publish(CommandPreempted, map[string]any{"discarded": 2})

	select {
	case ev := <-ch:
		if ev.Type != CommandPreempted {
			t.Fatalf("unexpected type %q", ev.Type)
		}
		var data map[string]any
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if data["discarded"] != float64(2) {
			t.Fatalf("unexpected payload %v", data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after cancel")
	}
	cancel()
	if h.Subscribers() != 0 {
		t.Fatalf("Subscribers = %d after cancel", h.Subscribers())
	}
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	t.Parallel()

	h := NewHub(1)
	_, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+10; i++ {
			h.Publish(CommandSent, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if h.Dropped() != 10 {
		t.Fatalf("Dropped = %d, want 10", h.Dropped())
	}
}
