// Package sessionbus wraps the message store and wake bus behind a
// participant-aware API. Two bus instances exist per active session: one
// held by the client side, one by the server side.
package sessionbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/relaylabs/mcp-broker/internal/broker/config"
	"github.com/relaylabs/mcp-broker/internal/broker/protocol"
	"github.com/relaylabs/mcp-broker/internal/broker/storage"
	"github.com/relaylabs/mcp-broker/internal/broker/wakebus"
)

// MessageSignal returns the wake signal name a side emits after persisting
// messages
func MessageSignal(side storage.ParticipantType) string {
	return string(side) + "_mcp_message"
}

// Store is the slice of the storage contract the bus needs
type Store interface {
	storage.SessionStore
	storage.MessageStore
}

// Options configures a session bus
type Options struct {
	// Subscribe opens the wake bus subscriber connection
	Subscribe bool
	// RunID links persisted messages to a server run (server side)
	RunID string
}

// PullOptions filters a pull
type PullOptions struct {
	Types          []protocol.MessageType
	AfterSeq       int64
	IDs            []string
	IncludeHandled bool
}

// Bus is one side's handle on a session's message log and wake channel
type Bus struct {
	sessionID string
	self      storage.Participant
	runID     string

	store  Store
	wake   *wakebus.Bus
	locker Locker
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	stopped bool
}

// sideSignal wraps stop/close/server_error payloads with the emitting side
// so subscriptions can filter to the opponent
type sideSignal struct {
	Side string          `json:"side"`
	Data json.RawMessage `json:"data,omitempty"`
}

// New creates the bus for one participant of a session
func New(ctx context.Context, store Store, pubsub wakebus.PubSub, locker Locker, sessionID string, self storage.Participant, opts Options, logger *slog.Logger) *Bus {
	return &Bus{
		sessionID: sessionID,
		self:      self,
		runID:     opts.RunID,
		store:     store,
		wake:      wakebus.New(ctx, pubsub, sessionID, wakebus.Options{Subscribe: opts.Subscribe}, logger),
		locker:    locker,
		logger: logger.With(
			"session_id", sessionID,
			"participant", string(self.Type),
		),
	}
}

// SessionID returns the session this bus belongs to
func (b *Bus) SessionID() string { return b.sessionID }

// Participant returns the bus's own side
func (b *Bus) Participant() storage.Participant { return b.self }

// SendMessage persists the batch, bumps usage counters, and emits the
// sender's wake signal. Sends on the same session from the same side are
// serialized by the session lock so ordering and unified-id assignment never
// interleave.
func (b *Bus) SendMessage(ctx context.Context, envs ...*protocol.Envelope) ([]*storage.Message, error) {
	if len(envs) == 0 {
		return nil, nil
	}

	release, err := b.locker.Acquire(ctx, b.sessionID)
	if err != nil {
		// A lock failure must not hang or fail the caller; the message is
		// simply not sent this round.
		b.logger.ErrorContext(ctx, "Failed to acquire session lock for send", "error", err)
		return nil, nil
	}
	defer release()

	records := make([]*storage.Message, 0, len(envs))
	for _, env := range envs {
		payload, err := env.Encode()
		if err != nil {
			b.logger.ErrorContext(ctx, "Dropping unencodable message", "error", err)
			continue
		}
		originalID := env.IDString()
		records = append(records, &storage.Message{
			SessionID:  b.sessionID,
			RunID:      b.runID,
			Type:       env.Classify(),
			Sender:     b.self.Type,
			SenderID:   b.self.ID,
			OriginalID: originalID,
			UnifiedID:  protocol.UnifiedID(b.sessionID, originalID),
			Payload:    payload,
		})
	}
	if len(records) == 0 {
		return nil, nil
	}

	created, err := b.store.CreateMessages(ctx, records)
	if err != nil {
		return nil, err
	}

	// Usage counters are best-effort side writes.
	if err := b.store.AddUsage(ctx, b.sessionID, b.self.Type, len(created)); err != nil {
		b.logger.ErrorContext(ctx, "Failed to bump usage counter", "error", err)
	}

	b.wake.Emit(ctx, MessageSignal(b.self.Type), nil)
	return created, nil
}

// PullMessages returns opponent-authored messages matching the filter, marks
// them handled, and returns them sorted by sequence id ascending. Pulls are
// lock-protected so a message is never delivered twice to concurrent pullers.
func (b *Bus) PullMessages(ctx context.Context, opts PullOptions) ([]*storage.Message, error) {
	release, err := b.locker.Acquire(ctx, b.sessionID)
	if err != nil {
		b.logger.ErrorContext(ctx, "Failed to acquire session lock for pull", "error", err)
		return nil, nil
	}
	defer release()

	msgs, err := b.store.ListMessages(ctx, storage.MessageFilter{
		SessionID:      b.sessionID,
		Types:          opts.Types,
		Sender:         b.self.Type.Opponent(),
		AfterSeq:       opts.AfterSeq,
		IDs:            opts.IDs,
		IncludeHandled: opts.IncludeHandled,
		Limit:          config.DefaultPullBatchLimit,
	})
	if err != nil {
		return nil, err
	}

	var unhandled []string
	for _, msg := range msgs {
		if !msg.Handled {
			unhandled = append(unhandled, msg.ID)
		}
	}
	if len(unhandled) > 0 {
		if err := b.store.MarkHandled(ctx, unhandled); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

// SendServerError is a best-effort side channel for out-of-band server
// failures; all failures are swallowed
func (b *Bus) SendServerError(ctx context.Context, payload json.RawMessage) {
	record := &storage.Message{
		SessionID: b.sessionID,
		RunID:     b.runID,
		Type:      protocol.TypeServerError,
		Sender:    b.self.Type,
		SenderID:  b.self.ID,
		Payload:   payload,
	}
	if _, err := b.store.CreateMessages(ctx, []*storage.Message{record}); err != nil {
		b.logger.ErrorContext(ctx, "Failed to persist server error", "error", err)
	}
	b.wake.Emit(ctx, wakebus.SignalServerError, sideSignal{Side: string(b.self.Type), Data: payload})
}

// OnMessage fires when the opponent persists new messages
func (b *Bus) OnMessage(handler func()) func() {
	return b.wake.On(MessageSignal(b.self.Type.Opponent()), func(json.RawMessage) {
		handler()
	})
}

// OnClose fires when the opponent closes its bus
func (b *Bus) OnClose(handler func()) func() {
	return b.onOpponent(wakebus.SignalClose, func(json.RawMessage) { handler() })
}

// OnStop fires when the opponent stops the session
func (b *Bus) OnStop(handler func()) func() {
	return b.onOpponent(wakebus.SignalStop, func(json.RawMessage) { handler() })
}

// OnServerError fires with the payload of an opponent server error
func (b *Bus) OnServerError(handler func(payload json.RawMessage)) func() {
	return b.onOpponent(wakebus.SignalServerError, handler)
}

func (b *Bus) onOpponent(signalType string, handler func(json.RawMessage)) func() {
	opponent := string(b.self.Type.Opponent())
	return b.wake.On(signalType, func(payload json.RawMessage) {
		var sig sideSignal
		if err := json.Unmarshal(payload, &sig); err != nil || sig.Side != opponent {
			return
		}
		handler(sig.Data)
	})
}

// Close tears down this side's subscriptions and signals the opponent;
// idempotent
func (b *Bus) Close(ctx context.Context) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	// Local handlers go first so our own signal cannot loop back.
	b.wake.Close()
	b.wake.Emit(ctx, wakebus.SignalClose, sideSignal{Side: string(b.self.Type)})
}

// Stop notifies the opponent to stop, then closes; idempotent. The stop
// signal always goes out before the close signal.
func (b *Bus) Stop(ctx context.Context) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	b.wake.Emit(ctx, wakebus.SignalStop, sideSignal{Side: string(b.self.Type)})
	b.Close(ctx)
}
