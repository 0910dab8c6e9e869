package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/relaylabs/mcp-broker/internal/broker/config"
	"github.com/relaylabs/mcp-broker/internal/broker/protocol"
	"github.com/relaylabs/mcp-broker/internal/broker/sessionbus"
	"github.com/relaylabs/mcp-broker/internal/broker/storage"
	"github.com/relaylabs/mcp-broker/internal/broker/wakebus"
)

// Dispatcher provisions a backing run for a session
type Dispatcher interface {
	EnsureRun(ctx context.Context, sessionID string) error
}

// EnsureDebouncer rate-limits run provisioning per session: an ensure within
// the debounce window of the last one is skipped. The window cache is
// in-memory and best-effort; the dispatch queue's id-based deduplication is
// the actual correctness backstop.
type EnsureDebouncer struct {
	dispatcher Dispatcher
	window     time.Duration

	group singleflight.Group

	mu         sync.RWMutex
	lastEnsure map[string]time.Time
	done       chan struct{}
	closeOnce  sync.Once
}

// NewEnsureDebouncer creates a debouncer over the dispatcher. A background
// goroutine evicts stale window entries.
func NewEnsureDebouncer(dispatcher Dispatcher, window time.Duration) *EnsureDebouncer {
	d := &EnsureDebouncer{
		dispatcher: dispatcher,
		window:     window,
		lastEnsure: make(map[string]time.Time),
		done:       make(chan struct{}),
	}
	go d.cleanupLoop()
	return d
}

// Ensure triggers provisioning unless a recent ensure already covered the
// session. Concurrent ensures for one session collapse into a single call.
func (d *EnsureDebouncer) Ensure(ctx context.Context, sessionID string) error {
	d.mu.RLock()
	last, seen := d.lastEnsure[sessionID]
	d.mu.RUnlock()
	if seen && time.Since(last) < d.window {
		return nil
	}

	_, err, _ := d.group.Do(sessionID, func() (any, error) {
		if err := d.dispatcher.EnsureRun(ctx, sessionID); err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.lastEnsure[sessionID] = time.Now()
		d.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("ensure run for session %s: %w", sessionID, err)
	}
	return nil
}

func (d *EnsureDebouncer) cleanupLoop() {
	ticker := time.NewTicker(d.window * 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-d.window)
			d.mu.Lock()
			for id, at := range d.lastEnsure {
				if at.Before(cutoff) {
					delete(d.lastEnsure, id)
				}
			}
			d.mu.Unlock()
		case <-d.done:
			return
		}
	}
}

// Close stops the eviction goroutine
func (d *EnsureDebouncer) Close() {
	d.closeOnce.Do(func() { close(d.done) })
}

// ClientManagerDeps carries the collaborators a client manager is wired with
type ClientManagerDeps struct {
	Store   sessionbus.Store
	PubSub  wakebus.PubSub
	Locker  sessionbus.Locker
	Ensurer *EnsureDebouncer
	Logger  *slog.Logger

	// RepullInterval is how often subscriptions re-pull pending messages as
	// a backstop for missed wake signals; zero means the default
	RepullInterval time.Duration
}

// SubscribeOptions configures a client message subscription
type SubscribeOptions struct {
	// Types restricts the subscription to the given message types; empty
	// means all relayable types
	Types []protocol.MessageType
	// Replay includes already-handled messages in the initial pull, for
	// replay-on-reconnect semantics
	Replay bool
}

// ClientManager is the client-facing facade over a session: it lazily
// provisions a backing run on send and streams server messages to a
// caller-supplied handler.
type ClientManager struct {
	sessionID string
	bus       *sessionbus.Bus
	ensurer   *EnsureDebouncer
	logger    *slog.Logger
	repull    time.Duration

	mu     sync.Mutex
	closed bool
	unsubs []func()

	done chan struct{}
}

// NewClientManager opens the client side of a session
func NewClientManager(ctx context.Context, sessionID, clientID string, deps ClientManagerDeps) *ClientManager {
	repull := deps.RepullInterval
	if repull <= 0 {
		repull = config.DefaultRepullInterval
	}
	return &ClientManager{
		sessionID: sessionID,
		bus: sessionbus.New(ctx, deps.Store, deps.PubSub, deps.Locker, sessionID,
			storage.Participant{Type: storage.ParticipantClient, ID: clientID},
			sessionbus.Options{Subscribe: true},
			deps.Logger,
		),
		ensurer: deps.Ensurer,
		logger:  deps.Logger.With("session_id", sessionID),
		repull:  repull,
		done:    make(chan struct{}),
	}
}

// SessionID returns the session this manager serves
func (c *ClientManager) SessionID() string { return c.sessionID }

// SendMessage ensures a backing run exists, then persists the batch for the
// server side to pull. An empty batch is a no-op and triggers nothing.
func (c *ClientManager) SendMessage(ctx context.Context, envs ...*protocol.Envelope) ([]*storage.Message, error) {
	if len(envs) == 0 {
		return nil, nil
	}
	if err := c.ensurer.Ensure(ctx, c.sessionID); err != nil {
		return nil, err
	}
	return c.bus.SendMessage(ctx, envs...)
}

// OnMessage pulls server messages for the handler: once immediately, on
// every bus wake, and on a periodic re-pull since wake signals are
// best-effort. A handler panic is swallowed per message so one bad
// invocation cannot stall the stream. Returns unsubscribe.
func (c *ClientManager) OnMessage(ctx context.Context, opts SubscribeOptions, handler func(*storage.Message)) func() {
	types := opts.Types
	if len(types) == 0 {
		types = protocol.RelayTypes
	}

	deliver := func(includeHandled bool) {
		msgs, err := c.bus.PullMessages(ctx, sessionbus.PullOptions{
			Types:          types,
			IncludeHandled: includeHandled,
		})
		if err != nil {
			c.logger.ErrorContext(ctx, "Failed to pull server messages", "error", err)
			return
		}
		for _, msg := range msgs {
			c.deliverOne(handler, msg)
		}
	}

	deliver(opts.Replay)
	unsub := c.bus.OnMessage(func() { deliver(false) })

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(c.repull)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				deliver(false)
			case <-stop:
				return
			case <-c.done:
				return
			}
		}
	}()

	var stopOnce sync.Once
	cancel := func() {
		stopOnce.Do(func() { close(stop) })
		unsub()
	}
	c.mu.Lock()
	c.unsubs = append(c.unsubs, cancel)
	c.mu.Unlock()
	return cancel
}

func (c *ClientManager) deliverOne(handler func(*storage.Message), msg *storage.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Message handler panicked", "message_id", msg.ID, "panic", r)
		}
	}()
	handler(msg)
}

// OnServerError fires with the payload of an out-of-band server failure
func (c *ClientManager) OnServerError(handler func(payload json.RawMessage)) func() {
	return c.bus.OnServerError(handler)
}

// OnClose fires when the server side closes
func (c *ClientManager) OnClose(handler func()) func() {
	return c.bus.OnClose(handler)
}

// OnStop fires when the server side stops the session
func (c *ClientManager) OnStop(handler func()) func() {
	return c.bus.OnStop(handler)
}

// Close tears down the client side; idempotent
func (c *ClientManager) Close(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.bus.Close(ctx)
}

// Stop stops the session from the client side, notifying the server side
// before closing; idempotent
func (c *ClientManager) Stop(ctx context.Context) {
	c.bus.Stop(ctx)
	c.Close(ctx)
}
