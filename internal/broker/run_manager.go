package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/relaylabs/mcp-broker/internal/broker/config"
	"github.com/relaylabs/mcp-broker/internal/broker/protocol"
	"github.com/relaylabs/mcp-broker/internal/broker/runner"
	"github.com/relaylabs/mcp-broker/internal/broker/sessionbus"
	"github.com/relaylabs/mcp-broker/internal/broker/storage"
	"github.com/relaylabs/mcp-broker/internal/broker/wakebus"
)

// methodInitialized is the handshake confirmation notification
const methodInitialized = "notifications/initialized"

// RunManagerDeps carries the collaborators a run manager is wired with
type RunManagerDeps struct {
	Store    storage.Store
	PubSub   wakebus.PubSub
	Locker   sessionbus.Locker
	Adapter  runner.Adapter
	Reporter ErrorReporter
	Logger   *slog.Logger
	Config   config.RunConfig
}

// RunManager drives one server run: it relays traffic between the server-side
// session bus and the runner adapter, normalizes the initialize handshake
// across reconnects, persists discovered capabilities once, and tears the run
// down on expiry or on either side closing. A run manager and its adapter are
// 1:1 and co-terminate.
type RunManager struct {
	run     *storage.ServerRun
	session *storage.Session
	variant *storage.ServerVariant

	store    storage.Store
	bus      *sessionbus.Bus
	adapter  runner.Adapter
	reporter ErrorReporter
	logger   *slog.Logger
	cfg      config.RunConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	closed        bool
	initialized   bool
	pendingInitID string
	handshake     storage.HandshakeState
	lastRequestAt time.Time
	startedAt     time.Time
	unsubs        []func()

	done chan struct{}
}

// NewRunManager wires a connected adapter to the session and starts relaying.
// The run is marked active before any traffic flows.
func NewRunManager(ctx context.Context, run *storage.ServerRun, session *storage.Session, variant *storage.ServerVariant, deps RunManagerDeps) (*RunManager, error) {
	now := time.Now()
	ok, err := deps.Store.MarkRunActive(ctx, run.ID, now)
	if err != nil {
		return nil, fmt.Errorf("mark run active: %w", err)
	}
	if !ok {
		// The run was retired between dispatch and here, likely by another
		// provisioning job keeping one-active-run-per-session.
		return nil, fmt.Errorf("run %s is no longer active", run.ID)
	}
	if deps.Config.RepullInterval <= 0 {
		deps.Config.RepullInterval = config.DefaultRepullInterval
	}

	mctx, cancel := context.WithCancel(context.Background())
	m := &RunManager{
		run:      run,
		session:  session,
		variant:  variant,
		store:    deps.Store,
		adapter:  deps.Adapter,
		reporter: deps.Reporter,
		cfg:      deps.Config,
		logger: deps.Logger.With(
			"run_id", run.ID,
			"session_id", session.ID,
		),
		ctx:           mctx,
		cancel:        cancel,
		initialized:   session.MCPInitialized,
		lastRequestAt: now,
		startedAt:     now,
		done:          make(chan struct{}),
	}

	m.bus = sessionbus.New(mctx, deps.Store, deps.PubSub, deps.Locker, session.ID,
		storage.Participant{Type: storage.ParticipantServer, ID: run.ID},
		sessionbus.Options{Subscribe: true, RunID: run.ID},
		deps.Logger,
	)

	m.unsubs = append(m.unsubs,
		m.adapter.OnMessage(m.handleAdapterMessage),
		m.adapter.OnError(m.handleAdapterError),
		m.adapter.OnClose(func() { m.Close(context.Background()) }),
		m.bus.OnMessage(func() { m.relayPending(m.ctx) }),
		m.bus.OnStop(func() { m.Close(context.Background()) }),
		m.bus.OnClose(func() { m.Close(context.Background()) }),
	)

	m.wg.Add(1)
	go m.storePingLoop()

	m.wg.Add(1)
	go m.repullLoop()

	// A reconnecting session already completed its handshake with the client;
	// satisfy the fresh server's handshake directly so the client never sees
	// a duplicate initialize exchange.
	if session.MCPInitialized {
		if err := m.sendSyntheticInitialize(ctx); err != nil {
			m.logger.WarnContext(ctx, "Failed to replay handshake", "error", err)
		}
	}

	// Drain anything the client persisted before this run came up.
	m.relayPending(ctx)

	m.logger.InfoContext(ctx, "Run manager started",
		"run_type", string(run.Type),
		"reconnect", session.MCPInitialized,
	)
	return m, nil
}

// RunID identifies the run this manager drives
func (m *RunManager) RunID() string { return m.run.ID }

// SessionID identifies the session this manager serves
func (m *RunManager) SessionID() string { return m.session.ID }

// Done is closed once the run has fully torn down
func (m *RunManager) Done() <-chan struct{} { return m.done }

// Expired reports whether the run passed its idle or max-age bound. The idle
// clock is refreshed by client requests only, not by arbitrary traffic.
func (m *RunManager) Expired(now time.Time) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if now.Sub(m.lastRequestAt) > m.cfg.IdleTimeout {
		return true, "idle"
	}
	if now.Sub(m.startedAt) > m.cfg.MaxAge {
		return true, "max_age"
	}
	return false, ""
}

// relayPending pulls relayable client messages and forwards them to the
// adapter with ids rewritten through the unified-id scheme
func (m *RunManager) relayPending(ctx context.Context) {
	msgs, err := m.bus.PullMessages(ctx, sessionbus.PullOptions{Types: protocol.RelayTypes})
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to pull client messages", "error", err)
		return
	}

	for _, msg := range msgs {
		env, err := protocol.Decode(msg.Payload)
		if err != nil {
			// Malformed payloads are dropped, not relayed.
			m.logger.WarnContext(ctx, "Dropping malformed client message", "error", err)
			continue
		}

		if msg.Type == protocol.TypeRequest {
			m.touchIdle()
		}
		if env.IsInitialize() {
			m.recordHandshakeRequest(ctx, env, msg.UnifiedID)
		}
		if msg.UnifiedID != "" {
			env.SetID(msg.UnifiedID)
		}

		if err := m.adapter.Send(ctx, env); err != nil {
			m.logger.ErrorContext(ctx, "Failed to relay client message",
				"method", env.Method,
				"error", err,
			)
		}
	}
}

func (m *RunManager) touchIdle() {
	m.mu.Lock()
	m.lastRequestAt = time.Now()
	m.mu.Unlock()
}

// recordHandshakeRequest captures the client's initialize parameters; they
// are persisted onto the session once the server's response confirms
func (m *RunManager) recordHandshakeRequest(ctx context.Context, env *protocol.Envelope, unifiedID string) {
	var params struct {
		ProtocolVersion string          `json:"protocolVersion"`
		Capabilities    json.RawMessage `json:"capabilities"`
		ClientInfo      json.RawMessage `json:"clientInfo"`
	}
	if err := json.Unmarshal(env.Params, &params); err != nil {
		m.logger.WarnContext(ctx, "Unparseable initialize params", "error", err)
	}

	m.mu.Lock()
	m.pendingInitID = unifiedID
	m.handshake = storage.HandshakeState{
		ProtocolVersion:    params.ProtocolVersion,
		ClientCapabilities: params.Capabilities,
		ClientInfo:         params.ClientInfo,
	}
	m.mu.Unlock()
}

// sendSyntheticInitialize replays the session's recorded handshake to a fresh
// server without involving the client
func (m *RunManager) sendSyntheticInitialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": m.session.ProtocolVersion,
		"capabilities":    m.session.ClientCapabilities,
		"clientInfo":      m.session.ClientInfo,
	}
	if len(m.session.ClientCapabilities) == 0 {
		params["capabilities"] = json.RawMessage(`{}`)
	}
	if len(m.session.ClientInfo) == 0 {
		params["clientInfo"] = json.RawMessage(`{}`)
	}

	initID := protocol.NewInitID()
	env, err := protocol.NewRequest(initID, string(mcp.MethodInitialize), params)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.pendingInitID = initID
	m.mu.Unlock()

	return m.adapter.Send(ctx, env)
}

// handleAdapterMessage routes one server-originated envelope: handshake
// responses are intercepted and normalized, everything else relays unmodified
func (m *RunManager) handleAdapterMessage(env *protocol.Envelope) {
	ctx := m.ctx

	if m.isHandshakeResponse(env) {
		m.completeHandshake(ctx, env)
		return
	}

	if _, err := m.bus.SendMessage(ctx, env); err != nil {
		m.logger.ErrorContext(ctx, "Failed to relay server message", "error", err)
	}
}

// isHandshakeResponse matches the first post-initialize response: either the
// id correlates to the pending initialize, or the session has not completed
// its handshake yet
func (m *RunManager) isHandshakeResponse(env *protocol.Envelope) bool {
	if env.Method != "" || len(env.Result) == 0 {
		return false
	}
	id := env.IDString()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pendingInitID != "" && id == m.pendingInitID {
		return true
	}
	return protocol.HasMarker(id, protocol.MarkerInit) || !m.initialized
}

// completeHandshake finishes the initialize exchange. On a reconnect the
// response is suppressed and the adapter gets the initialized confirmation
// directly; on a first handshake the session is marked initialized, the
// response's protocol version is rewritten to the client's negotiated
// version, and the response relays to the client.
func (m *RunManager) completeHandshake(ctx context.Context, env *protocol.Envelope) {
	m.mu.Lock()
	wasInitialized := m.initialized
	handshake := m.handshake
	m.initialized = true
	m.pendingInitID = ""
	m.mu.Unlock()

	if wasInitialized {
		confirm, err := protocol.NewNotification(methodInitialized, nil)
		if err == nil {
			if err := m.adapter.Send(ctx, confirm); err != nil {
				m.logger.WarnContext(ctx, "Failed to confirm replayed handshake", "error", err)
			}
		}
		m.logger.DebugContext(ctx, "Suppressed duplicate initialize response")
		return
	}

	if err := m.store.MarkInitialized(ctx, m.session.ID, handshake); err != nil {
		m.reporter.Report(ctx, err, "op", "mark_initialized", "session_id", m.session.ID)
	}

	if handshake.ProtocolVersion != "" {
		if err := env.OverrideResultField("protocolVersion", handshake.ProtocolVersion); err != nil {
			m.logger.WarnContext(ctx, "Failed to rewrite protocol version", "error", err)
		}
	}

	if _, err := m.bus.SendMessage(ctx, env); err != nil {
		m.logger.ErrorContext(ctx, "Failed to relay initialize response", "error", err)
	}

	go m.discoverCapabilities(m.ctx, env.Result)
}

// discoverCapabilities runs one-time capability discovery after the first
// successful handshake. Each listing is gated on the server having advertised
// the capability; all failures are best-effort.
func (m *RunManager) discoverCapabilities(ctx context.Context, initResult json.RawMessage) {
	version, err := m.store.GetVersion(ctx, m.variant.VersionID)
	if err != nil {
		m.reporter.Report(ctx, err, "op", "load_version", "version_id", m.variant.VersionID)
		return
	}
	if !version.Capabilities.Empty() {
		return
	}

	var result struct {
		Capabilities mcp.ServerCapabilities `json:"capabilities"`
	}
	if err := json.Unmarshal(initResult, &result); err != nil {
		m.logger.WarnContext(ctx, "Unparseable initialize result", "error", err)
		return
	}

	var caps storage.Capabilities
	if result.Capabilities.Tools != nil {
		if tools, err := m.adapter.ListTools(ctx); err != nil {
			m.logger.WarnContext(ctx, "Tool discovery incomplete", "collected", len(tools), "error", err)
		} else if raw, err := json.Marshal(tools); err == nil {
			caps.Tools = raw
		}
	}
	if result.Capabilities.Prompts != nil {
		if prompts, err := m.adapter.ListPrompts(ctx); err != nil {
			m.logger.WarnContext(ctx, "Prompt discovery incomplete", "collected", len(prompts), "error", err)
		} else if raw, err := json.Marshal(prompts); err == nil {
			caps.Prompts = raw
		}
	}
	if result.Capabilities.Resources != nil {
		if templates, err := m.adapter.ListResourceTemplates(ctx); err != nil {
			m.logger.WarnContext(ctx, "Resource template discovery incomplete", "collected", len(templates), "error", err)
		} else if raw, err := json.Marshal(templates); err == nil {
			caps.ResourceTemplates = raw
		}
	}
	if caps.Empty() {
		return
	}

	if err := m.store.SaveVersionCapabilities(ctx, version.ID, caps); err != nil {
		m.reporter.Report(ctx, err, "op", "save_version_capabilities", "version_id", version.ID)
	}
	if err := m.store.SaveVariantCapabilities(ctx, m.variant.ID, caps); err != nil {
		m.reporter.Report(ctx, err, "op", "save_variant_capabilities", "variant_id", m.variant.ID)
	}
	m.logger.InfoContext(ctx, "Capabilities discovered", "version_id", version.ID)
}

// handleAdapterError surfaces a transport failure to the client side without
// closing anything; liveness failures close via the sweep instead
func (m *RunManager) handleAdapterError(err error) {
	ctx := m.ctx
	m.logger.ErrorContext(ctx, "Adapter transport error", "error", err)
	payload, merr := json.Marshal(map[string]string{"message": err.Error()})
	if merr != nil {
		return
	}
	m.bus.SendServerError(ctx, payload)
}

// repullLoop periodically re-pulls pending client messages. Wake signals are
// best-effort: a subscription can degrade to publish-only and the in-process
// fan-out drops on slow consumers, so the relay cannot depend on them alone.
func (m *RunManager) repullLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.RepullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.relayPending(m.ctx)
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *RunManager) storePingLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.StorePingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.store.TouchRunPing(m.ctx, m.run.ID, time.Now()); err != nil {
				m.reporter.Report(m.ctx, err, "op", "touch_run_ping", "run_id", m.run.ID)
			}
		case <-m.ctx.Done():
			return
		}
	}
}

// Close tears the run down: completes the run record if still active, marks
// the session stopped, and closes the bus and adapter. Idempotent; every
// teardown failure is reported, never escalated.
func (m *RunManager) Close(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	unsubs := m.unsubs
	m.unsubs = nil
	m.mu.Unlock()

	m.cancel()
	for _, unsub := range unsubs {
		unsub()
	}

	now := time.Now()
	completed, err := m.store.CompleteRun(ctx, m.run.ID, now)
	if err != nil {
		m.reporter.Report(ctx, err, "op", "complete_run", "run_id", m.run.ID)
	}
	if err := m.store.MarkSessionStopped(ctx, m.session.ID); err != nil {
		m.reporter.Report(ctx, err, "op", "mark_session_stopped", "session_id", m.session.ID)
	}

	m.bus.Close(ctx)
	m.adapter.Close()
	m.wg.Wait()
	close(m.done)

	m.logger.InfoContext(ctx, "Run manager closed", "completed", completed)
}
