package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/relaylabs/mcp-broker/internal/broker/config"
	"github.com/relaylabs/mcp-broker/internal/broker/protocol"
)

// core carries the cross-cutting adapter behavior both variants compose:
// subscription fan-out, one-off correlation, protocol-version override on
// outgoing initialize requests, last-activity tracking, and idempotent close
// with registry removal. It is a composed helper, not a base class; the
// variant injects its transport functions.
type core struct {
	runID     string
	wantsPing bool
	registry  *Registry
	logger    *slog.Logger

	// transport hooks set by the owning variant
	sendRaw   func(ctx context.Context, payload []byte) error
	closeConn func()

	oneOffGrace time.Duration

	mu            sync.Mutex
	nextSubID     int
	msgHandlers   map[int]func(*protocol.Envelope)
	errHandlers   map[int]func(error)
	closeHandlers map[int]func()
	pending       map[string]chan *protocol.Envelope
	lastMessageAt time.Time
	closed        bool
}

func newCore(runID string, wantsPing bool, registry *Registry, logger *slog.Logger) *core {
	return &core{
		runID:         runID,
		wantsPing:     wantsPing,
		registry:      registry,
		logger:        logger,
		oneOffGrace:   config.DefaultOneOffGrace,
		msgHandlers:   make(map[int]func(*protocol.Envelope)),
		errHandlers:   make(map[int]func(error)),
		closeHandlers: make(map[int]func()),
		pending:       make(map[string]chan *protocol.Envelope),
		lastMessageAt: time.Now(),
	}
}

// RunID identifies the server run this adapter serves
func (c *core) RunID() string { return c.runID }

// WantsPing reports whether the broker drives this adapter's liveness
func (c *core) WantsPing() bool { return c.wantsPing }

// LastMessageAt is the time of the most recent inbound traffic
func (c *core) LastMessageAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastMessageAt
}

// Send relays one message, overriding the protocol version on initialize
// requests to the broker's fixed supported version
func (c *core) Send(ctx context.Context, env *protocol.Envelope) error {
	if env.IsInitialize() {
		if err := env.OverrideParamsField("protocolVersion", mcp.LATEST_PROTOCOL_VERSION); err != nil {
			c.logger.WarnContext(ctx, "Failed to override protocol version", "error", err)
		}
	}
	payload, err := env.Encode()
	if err != nil {
		c.emitError(err)
		return err
	}
	if err := c.sendRaw(ctx, payload); err != nil {
		c.emitError(err)
		return err
	}
	return nil
}

// SendAndWait sends a one-off request and resolves with the matching
// response from the shared inbound stream
func (c *core) SendAndWait(ctx context.Context, env *protocol.Envelope) (*protocol.Envelope, error) {
	id := env.IDString()
	if id == "" {
		id = protocol.NewOneOffID()
		env.SetID(id)
	}

	ch := make(chan *protocol.Envelope, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrAdapterClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.Send(ctx, env); err != nil {
		c.removePending(id)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrAdapterClosed
		}
		// The pending entry lingers for a grace period so a second handler
		// attached to the same emission can still observe the consumed
		// response before cleanup.
		time.AfterFunc(c.oneOffGrace, func() { c.removePending(id) })
		return resp, nil
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	}
}

// Ping sends a liveness ping request; the response is absorbed by inbound
// classification
func (c *core) Ping(ctx context.Context) {
	env, err := protocol.NewRequest(protocol.NewPingID(), string(mcp.MethodPing), nil)
	if err != nil {
		return
	}
	if err := c.Send(ctx, env); err != nil {
		c.logger.DebugContext(ctx, "Ping send failed", "run_id", c.runID, "error", err)
	}
}

// OnMessage subscribes to inbound server messages
func (c *core) OnMessage(handler func(*protocol.Envelope)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSubID++
	id := c.nextSubID
	c.msgHandlers[id] = handler
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.msgHandlers, id)
	}
}

// OnError subscribes to transport errors
func (c *core) OnError(handler func(error)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSubID++
	id := c.nextSubID
	c.errHandlers[id] = handler
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.errHandlers, id)
	}
}

// OnClose subscribes to adapter teardown
func (c *core) OnClose(handler func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSubID++
	id := c.nextSubID
	c.closeHandlers[id] = handler
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.closeHandlers, id)
	}
}

// Close tears the adapter down: removes it from the liveness registry, runs
// the variant teardown, emits close, and clears subscriptions. Idempotent.
func (c *core) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	closeHandlers := make([]func(), 0, len(c.closeHandlers))
	for _, h := range c.closeHandlers {
		closeHandlers = append(closeHandlers, h)
	}
	pending := c.pending
	c.pending = make(map[string]chan *protocol.Envelope)
	c.msgHandlers = make(map[int]func(*protocol.Envelope))
	c.errHandlers = make(map[int]func(error))
	c.closeHandlers = make(map[int]func())
	c.mu.Unlock()

	if c.registry != nil {
		c.registry.Unregister(c.runID)
	}
	if c.closeConn != nil {
		c.closeConn()
	}
	for _, ch := range pending {
		close(ch)
	}
	for _, h := range closeHandlers {
		h()
	}
}

// dispatchInbound routes one decoded inbound envelope: refresh activity,
// absorb ping traffic, intercept one-off responses, then fan out
func (c *core) dispatchInbound(env *protocol.Envelope) {
	c.mu.Lock()
	c.lastMessageAt = time.Now()
	c.mu.Unlock()

	if env.IsPing() {
		c.handlePing(env)
		return
	}

	if id := env.IDString(); id != "" && env.Method == "" {
		c.mu.Lock()
		ch, isPending := c.pending[id]
		c.mu.Unlock()
		if isPending {
			select {
			case ch <- env:
			default:
				// Already resolved within the grace window.
			}
			return
		}
	}

	c.mu.Lock()
	handlers := make([]func(*protocol.Envelope), 0, len(c.msgHandlers))
	for _, h := range c.msgHandlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(env)
	}
}

// handlePing answers inbound ping requests and absorbs ping responses
func (c *core) handlePing(env *protocol.Envelope) {
	if env.Method == "" {
		// A pong for one of our pings; activity was already refreshed.
		return
	}
	resp := &protocol.Envelope{JSONRPC: env.JSONRPC, ID: env.ID, Result: []byte(`{}`)}
	payload, err := resp.Encode()
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.sendRaw(ctx, payload); err != nil {
		c.logger.Debug("Failed to answer ping", "run_id", c.runID, "error", err)
	}
}

func (c *core) emitError(err error) {
	c.mu.Lock()
	handlers := make([]func(error), 0, len(c.errHandlers))
	for _, h := range c.errHandlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(err)
	}
}

func (c *core) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *core) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
