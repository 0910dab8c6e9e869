package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/relaylabs/mcp-broker/internal/broker/protocol"
)

// Control-plane methods spoken over a runner's multiplexed channel.
const (
	MethodRunStart   = "run/start"
	MethodRunClose   = "run/close"
	MethodRunClosed  = "run/closed"
	MethodRunError   = "run/error"
	MethodRunMessage = "run/mcp/message"
	MethodRunDebug   = "run/mcp/debug"
	MethodReady      = "server/ready"
)

// ControlConn is the slice of a runner connection a hosted adapter needs:
// fire-and-forget named notifications multiplexed by run id.
type ControlConn interface {
	Notify(ctx context.Context, method string, params any) error
}

// RunFrame is the payload shape of per-run control notifications
type RunFrame struct {
	RunID   string          `json:"runId"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// Hosted adapts a server run executing on a connected runner. Traffic is
// relayed as run-scoped notifications over the runner's control channel; the
// runner pings on its own schedule, so the broker's liveness sweep skips
// hosted adapters.
type Hosted struct {
	*core
	conn         ControlConn
	remoteClosed atomic.Bool
}

// NewHosted wraps a run multiplexed over the given runner connection
func NewHosted(runID string, conn ControlConn, registry *Registry, logger *slog.Logger) *Hosted {
	h := &Hosted{
		conn: conn,
		core: newCore(runID, false, registry, logger.With("run_id", runID, "run_type", "hosted")),
	}
	h.core.sendRaw = h.notifyMessage
	h.core.closeConn = h.notifyClose
	registry.Register(h)
	return h
}

func (h *Hosted) notifyMessage(ctx context.Context, payload []byte) error {
	if err := h.conn.Notify(ctx, MethodRunMessage, RunFrame{RunID: h.runID, Payload: payload}); err != nil {
		return fmt.Errorf("relay to runner: %w", err)
	}
	return nil
}

// notifyClose tells the runner to stop the run, unless the runner itself
// reported the run closed first
func (h *Hosted) notifyClose() {
	if h.remoteClosed.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.conn.Notify(ctx, MethodRunClose, RunFrame{RunID: h.runID}); err != nil {
		h.logger.Debug("Failed to notify run close", "error", err)
	}
}

// HandleMessage feeds one server-originated envelope from the runner channel
// into the adapter's inbound path
func (h *Hosted) HandleMessage(env *protocol.Envelope) {
	h.dispatchInbound(env)
}

// HandleError surfaces a runner-reported run error to error subscribers
func (h *Hosted) HandleError(reason string) {
	h.emitError(fmt.Errorf("runner reported error: %s", reason))
}

// HandleClosed tears the adapter down after the runner reported the run
// closed; no close notification is sent back
func (h *Hosted) HandleClosed() {
	h.remoteClosed.Store(true)
	h.Close()
}

var _ Adapter = (*Hosted)(nil)
