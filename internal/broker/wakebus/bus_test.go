package wakebus

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for %s", what)
	}
}

func TestEmitReachesSubscriber(t *testing.T) {
	ctx := context.Background()
	pubsub := NewInProcess()

	bus := New(ctx, pubsub, "s1", Options{Subscribe: true}, testLogger())
	defer bus.Close()

	got := make(chan struct{}, 1)
	bus.On("client_mcp_message", func(payload json.RawMessage) {
		got <- struct{}{}
	})

	publisher := New(ctx, pubsub, "s1", Options{}, testLogger())
	publisher.Emit(ctx, "client_mcp_message", nil)

	waitFor(t, got, "wake signal")
}

func TestSignalPayloadDelivered(t *testing.T) {
	ctx := context.Background()
	pubsub := NewInProcess()

	bus := New(ctx, pubsub, "s1", Options{Subscribe: true}, testLogger())
	defer bus.Close()

	got := make(chan json.RawMessage, 1)
	bus.On(SignalServerError, func(payload json.RawMessage) {
		got <- payload
	})

	bus.Emit(ctx, SignalServerError, map[string]string{"message": "boom"})

	select {
	case payload := <-got:
		var decoded map[string]string
		if err := json.Unmarshal(payload, &decoded); err != nil {
			t.Fatalf("Bad payload: %v", err)
		}
		if decoded["message"] != "boom" {
			t.Errorf("Payload = %v", decoded)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for payload")
	}
}

func TestChannelsAreScopedPerSession(t *testing.T) {
	ctx := context.Background()
	pubsub := NewInProcess()

	bus := New(ctx, pubsub, "s1", Options{Subscribe: true}, testLogger())
	defer bus.Close()

	got := make(chan struct{}, 1)
	bus.On(SignalClose, func(json.RawMessage) { got <- struct{}{} })

	other := New(ctx, pubsub, "s2", Options{}, testLogger())
	other.Emit(ctx, SignalClose, nil)

	select {
	case <-got:
		t.Error("Received a signal emitted on a different session")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	pubsub := NewInProcess()

	bus := New(ctx, pubsub, "s1", Options{Subscribe: true}, testLogger())
	defer bus.Close()

	got := make(chan struct{}, 4)
	unsub := bus.On(SignalStop, func(json.RawMessage) { got <- struct{}{} })

	bus.Emit(ctx, SignalStop, nil)
	waitFor(t, got, "first signal")

	unsub()
	bus.Emit(ctx, SignalStop, nil)
	select {
	case <-got:
		t.Error("Handler fired after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	pubsub := NewInProcess()

	bus := New(ctx, pubsub, "s1", Options{Subscribe: true}, testLogger())
	bus.Close()
	bus.Close()

	// Emits after close still publish; only local handlers are cleared.
	bus.Emit(ctx, SignalClose, nil)
}

func TestPublishOnlyBusDelivers(t *testing.T) {
	ctx := context.Background()
	pubsub := NewInProcess()

	subscriber := New(ctx, pubsub, "s1", Options{Subscribe: true}, testLogger())
	defer subscriber.Close()
	got := make(chan struct{}, 1)
	subscriber.On("server_mcp_message", func(json.RawMessage) { got <- struct{}{} })

	// No subscription on this side; publishing still works.
	publisher := New(ctx, pubsub, "s1", Options{}, testLogger())
	publisher.Emit(ctx, "server_mcp_message", nil)

	waitFor(t, got, "signal from publish-only bus")
}
