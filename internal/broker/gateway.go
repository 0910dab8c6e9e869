package broker

import (
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/relaylabs/mcp-broker/internal/broker/runner"
)

// runnerIDHeader carries the connecting runner's identity
const runnerIDHeader = "X-MCP-Runner-Id"

// RunnerGateway terminates runner websocket connections and hands them to
// the broker manager for multiplexing
type RunnerGateway struct {
	manager *runner.BrokerManager
	logger  *slog.Logger
}

// NewRunnerGateway creates the gateway handler
func NewRunnerGateway(manager *runner.BrokerManager, logger *slog.Logger) *RunnerGateway {
	return &RunnerGateway{manager: manager, logger: logger}
}

// ServeHTTP upgrades a runner connection and serves it for its lifetime
func (g *RunnerGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	runnerID := r.Header.Get(runnerIDHeader)
	if runnerID == "" {
		runnerID = r.URL.Query().Get("runner")
	}
	if runnerID == "" {
		http.Error(w, "runner id is required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		g.logger.Error("Runner upgrade failed", "runner_id", runnerID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	if err := g.manager.HandleConn(r.Context(), runnerID, conn); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "channel error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}
