package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/relaylabs/mcp-broker/internal/broker/protocol"
)

// StartParams is the payload of a run/start notification to a runner
type StartParams struct {
	RunID     string `json:"runId"`
	VersionID string `json:"versionId"`
	Token     string `json:"token,omitempty"`
	ServerURL string `json:"serverUrl,omitempty"`
}

// readyParams is the payload of server/ready from a runner
type readyParams struct {
	RunnerID string `json:"runnerId"`
}

// RunnerConn is one runner's multiplexed control channel. Writes are
// serialized; reads happen on the manager's receive goroutine.
type RunnerConn struct {
	runnerID string
	conn     *websocket.Conn
	logger   *slog.Logger

	writeMu sync.Mutex

	mu       sync.RWMutex
	adapters map[string]*Hosted
	ready    bool
}

// Notify sends one fire-and-forget control notification to the runner
func (rc *RunnerConn) Notify(ctx context.Context, method string, params any) error {
	env, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	payload, err := env.Encode()
	if err != nil {
		return err
	}
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	if err := rc.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("write to runner %s: %w", rc.runnerID, err)
	}
	return nil
}

// RunnerID identifies the connected runner
func (rc *RunnerConn) RunnerID() string { return rc.runnerID }

// Ready reports whether the runner announced readiness
func (rc *RunnerConn) Ready() bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.ready
}

func (rc *RunnerConn) adapter(runID string) (*Hosted, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	a, ok := rc.adapters[runID]
	return a, ok
}

func (rc *RunnerConn) addAdapter(a *Hosted) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.adapters[a.RunID()] = a
}

func (rc *RunnerConn) removeAdapter(runID string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.adapters, runID)
}

func (rc *RunnerConn) snapshotAdapters() []*Hosted {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make([]*Hosted, 0, len(rc.adapters))
	for _, a := range rc.adapters {
		out = append(out, a)
	}
	return out
}

// BrokerManager multiplexes hosted server runs over runner control channels.
// Each connected runner gets one receive goroutine; per-run traffic is fanned
// out to hosted adapters keyed by run id.
type BrokerManager struct {
	registry *Registry
	logger   *slog.Logger

	mu      sync.RWMutex
	runners map[string]*RunnerConn
}

// NewBrokerManager creates a manager fanning runner traffic into the
// adapter registry
func NewBrokerManager(registry *Registry, logger *slog.Logger) *BrokerManager {
	return &BrokerManager{
		registry: registry,
		logger:   logger,
		runners:  make(map[string]*RunnerConn),
	}
}

// HandleConn serves one runner connection until it drops, then closes every
// hosted adapter multiplexed over it. Blocks for the connection lifetime.
func (m *BrokerManager) HandleConn(ctx context.Context, runnerID string, conn *websocket.Conn) error {
	rc := &RunnerConn{
		runnerID: runnerID,
		conn:     conn,
		logger:   m.logger.With("runner_id", runnerID),
		adapters: make(map[string]*Hosted),
	}

	m.mu.Lock()
	if prev, ok := m.runners[runnerID]; ok {
		// A reconnecting runner displaces its previous channel.
		prev.conn.Close(websocket.StatusPolicyViolation, "superseded")
	}
	m.runners[runnerID] = rc
	m.mu.Unlock()

	rc.logger.InfoContext(ctx, "Runner connected")

	err := m.recvLoop(ctx, rc)

	m.mu.Lock()
	if m.runners[runnerID] == rc {
		delete(m.runners, runnerID)
	}
	m.mu.Unlock()

	for _, a := range rc.snapshotAdapters() {
		a.HandleClosed()
	}
	rc.logger.InfoContext(ctx, "Runner disconnected", "error", err)
	return err
}

func (m *BrokerManager) recvLoop(ctx context.Context, rc *RunnerConn) error {
	for {
		_, payload, err := rc.conn.Read(ctx)
		if err != nil {
			return err
		}
		env, err := protocol.Decode(payload)
		if err != nil {
			rc.logger.WarnContext(ctx, "Dropping malformed runner frame", "error", err)
			continue
		}
		m.handleFrame(ctx, rc, env)
	}
}

func (m *BrokerManager) handleFrame(ctx context.Context, rc *RunnerConn, env *protocol.Envelope) {
	switch env.Method {
	case MethodReady:
		rc.mu.Lock()
		rc.ready = true
		rc.mu.Unlock()
		rc.logger.InfoContext(ctx, "Runner ready")

	case MethodRunMessage:
		var frame RunFrame
		if err := json.Unmarshal(env.Params, &frame); err != nil {
			rc.logger.WarnContext(ctx, "Invalid run message frame", "error", err)
			return
		}
		a, ok := rc.adapter(frame.RunID)
		if !ok {
			rc.logger.WarnContext(ctx, "Message for unknown run", "run_id", frame.RunID)
			return
		}
		inner, err := protocol.Decode(frame.Payload)
		if err != nil {
			rc.logger.WarnContext(ctx, "Invalid run payload", "run_id", frame.RunID, "error", err)
			return
		}
		a.HandleMessage(inner)

	case MethodRunClosed:
		var frame RunFrame
		if err := json.Unmarshal(env.Params, &frame); err != nil {
			return
		}
		if a, ok := rc.adapter(frame.RunID); ok {
			rc.removeAdapter(frame.RunID)
			a.HandleClosed()
		}

	case MethodRunError:
		var frame RunFrame
		if err := json.Unmarshal(env.Params, &frame); err != nil {
			return
		}
		rc.logger.WarnContext(ctx, "Runner reported run error",
			"run_id", frame.RunID, "reason", frame.Reason)
		if a, ok := rc.adapter(frame.RunID); ok {
			a.HandleError(frame.Reason)
		}

	case MethodRunDebug:
		var frame RunFrame
		if err := json.Unmarshal(env.Params, &frame); err != nil {
			return
		}
		rc.logger.DebugContext(ctx, "Runner debug",
			"run_id", frame.RunID, "payload", string(frame.Payload))

	default:
		rc.logger.DebugContext(ctx, "Ignoring runner frame", "method", env.Method)
	}
}

// StartRun asks a connected runner to start a hosted run and returns the
// adapter for it. Fails if the runner is not connected.
func (m *BrokerManager) StartRun(ctx context.Context, runnerID string, params StartParams) (*Hosted, error) {
	m.mu.RLock()
	rc, ok := m.runners[runnerID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("runner %s not connected", runnerID)
	}

	adapter := NewHosted(params.RunID, rc, m.registry, m.logger)
	rc.addAdapter(adapter)
	adapter.OnClose(func() { rc.removeAdapter(params.RunID) })

	if err := rc.Notify(ctx, MethodRunStart, params); err != nil {
		adapter.HandleClosed()
		return nil, fmt.Errorf("start run %s: %w", params.RunID, err)
	}
	return adapter, nil
}

// Connected reports whether a runner currently has a live channel
func (m *BrokerManager) Connected(runnerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.runners[runnerID]
	return ok
}

// StopAll severs every runner channel; their adapters close via the receive
// loops unwinding
func (m *BrokerManager) StopAll() {
	m.mu.Lock()
	runners := make([]*RunnerConn, 0, len(m.runners))
	for _, rc := range m.runners {
		runners = append(runners, rc)
	}
	m.mu.Unlock()

	for _, rc := range runners {
		rc.conn.Close(websocket.StatusNormalClosure, "broker shutting down")
	}
}
