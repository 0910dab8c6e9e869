package wakebus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// Wake signal types carried on a session's channel
const (
	// SignalStop tells the opponent to stop before the channel closes
	SignalStop = "stop"
	// SignalClose tells the opponent the session bus closed
	SignalClose = "close"
	// SignalServerError carries an out-of-band server failure payload
	SignalServerError = "server_error"
)

const channelPrefix = "mcp_wake:"

// ChannelName returns the pub/sub channel for a session
func ChannelName(sessionID string) string {
	return channelPrefix + sessionID
}

// Handler receives the optional payload of a wake signal
type Handler func(payload json.RawMessage)

// Options configures a wake bus
type Options struct {
	// Subscribe opens a dedicated subscriber connection. Without it the bus
	// is publish-only.
	Subscribe bool
}

// Bus is a thin pub/sub wrapper scoped to one session's channel
type Bus struct {
	channel string
	pubsub  PubSub
	logger  *slog.Logger

	mu       sync.Mutex
	handlers map[string][]handlerEntry
	nextID   int
	unsub    func()
	closed   bool
}

type handlerEntry struct {
	id int
	fn Handler
}

// signal is the wire form: a [type, payload] tuple
type signal [2]json.RawMessage

// New creates a wake bus for the session. A failed subscription degrades the
// bus to publish-only rather than failing creation.
func New(ctx context.Context, pubsub PubSub, sessionID string, opts Options, logger *slog.Logger) *Bus {
	b := &Bus{
		channel:  ChannelName(sessionID),
		pubsub:   pubsub,
		logger:   logger,
		handlers: make(map[string][]handlerEntry),
	}

	if opts.Subscribe {
		ch, cancel, err := pubsub.Subscribe(ctx, b.channel)
		if err != nil {
			logger.Error("Wake bus subscription failed, degrading to publish-only",
				"channel", b.channel,
				"error", err,
			)
		} else {
			b.unsub = cancel
			go b.dispatchLoop(ch)
		}
	}

	return b
}

// Emit publishes a [type, payload] wake signal. Publish failures are logged,
// never escalated.
func (b *Bus) Emit(ctx context.Context, signalType string, payload any) {
	typeRaw, err := json.Marshal(signalType)
	if err != nil {
		b.logger.Error("Failed to encode wake signal type", "type", signalType, "error", err)
		return
	}
	var payloadRaw json.RawMessage
	if payload != nil {
		payloadRaw, err = json.Marshal(payload)
		if err != nil {
			b.logger.Error("Failed to encode wake signal payload", "type", signalType, "error", err)
			return
		}
	}
	data, err := json.Marshal(signal{typeRaw, payloadRaw})
	if err != nil {
		b.logger.Error("Failed to encode wake signal", "type", signalType, "error", err)
		return
	}
	if err := b.pubsub.Publish(ctx, b.channel, data); err != nil {
		b.logger.Error("Failed to publish wake signal",
			"channel", b.channel,
			"type", signalType,
			"error", err,
		)
	}
}

// On registers a handler for one signal type and returns its unsubscribe func
func (b *Bus) On(signalType string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[signalType] = append(b.handlers[signalType], handlerEntry{id: id, fn: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.handlers[signalType]
		for i, e := range entries {
			if e.id == id {
				b.handlers[signalType] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
	}
}

// Close unsubscribes and clears all local handlers; idempotent
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	unsub := b.unsub
	b.handlers = make(map[string][]handlerEntry)
	b.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

func (b *Bus) dispatchLoop(ch <-chan []byte) {
	for data := range ch {
		var sig signal
		if err := json.Unmarshal(data, &sig); err != nil {
			b.logger.Warn("Dropping malformed wake signal", "channel", b.channel, "error", err)
			continue
		}
		var signalType string
		if err := json.Unmarshal(sig[0], &signalType); err != nil {
			b.logger.Warn("Dropping wake signal with bad type", "channel", b.channel, "error", err)
			continue
		}

		b.mu.Lock()
		entries := make([]handlerEntry, len(b.handlers[signalType]))
		copy(entries, b.handlers[signalType])
		b.mu.Unlock()

		for _, e := range entries {
			e.fn(sig[1])
		}
	}
}
