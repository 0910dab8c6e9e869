// Command runnersim is a development stand-in for a hosted runner: it
// connects to the broker's runner gateway, announces readiness, and serves
// started runs with a minimal in-process MCP server that answers initialize,
// ping, and tools/list.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/coder/websocket"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/relaylabs/mcp-broker/internal/broker/protocol"
	"github.com/relaylabs/mcp-broker/internal/broker/runner"
)

const defaultBrokerURL = "ws://localhost:8080/runners/connect"

var (
	debug    = flag.Bool("debug", false, "Enable debug logging")
	runnerID = flag.String("runner", "runner-1", "Runner id to announce")
)

func main() {
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	brokerURL := os.Getenv("BROKER_URL")
	if brokerURL == "" {
		brokerURL = defaultBrokerURL
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		logger.Info("Shutting down runner simulator")
		cancel()
	}()

	sim := &simulator{
		runnerID: *runnerID,
		logger:   logger,
		runs:     make(map[string]struct{}),
	}
	if err := sim.serve(ctx, brokerURL); err != nil && ctx.Err() == nil {
		log.Fatalf("Runner simulator failed: %v", err)
	}
}

type simulator struct {
	runnerID string
	logger   *slog.Logger
	conn     *websocket.Conn

	writeMu sync.Mutex
	mu      sync.Mutex
	runs    map[string]struct{}
}

func (s *simulator) serve(ctx context.Context, brokerURL string) error {
	conn, _, err := websocket.Dial(ctx, brokerURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"X-MCP-Runner-Id": []string{s.runnerID}},
	})
	if err != nil {
		return fmt.Errorf("dial broker at %s: %w", brokerURL, err)
	}
	s.conn = conn
	defer conn.Close(websocket.StatusNormalClosure, "done")

	if err := s.notify(ctx, runner.MethodReady, map[string]string{"runnerId": s.runnerID}); err != nil {
		return fmt.Errorf("announce ready: %w", err)
	}
	s.logger.InfoContext(ctx, "Connected to broker", "runner_id", s.runnerID)

	for {
		_, payload, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		env, err := protocol.Decode(payload)
		if err != nil {
			s.logger.WarnContext(ctx, "Dropping malformed broker frame", "error", err)
			continue
		}
		s.handleFrame(ctx, env)
	}
}

func (s *simulator) notify(ctx context.Context, method string, params any) error {
	env, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	payload, err := env.Encode()
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, payload)
}

func (s *simulator) handleFrame(ctx context.Context, env *protocol.Envelope) {
	switch env.Method {
	case runner.MethodRunStart:
		var params runner.StartParams
		if err := json.Unmarshal(env.Params, &params); err != nil {
			s.logger.WarnContext(ctx, "Invalid start params", "error", err)
			return
		}
		s.mu.Lock()
		s.runs[params.RunID] = struct{}{}
		s.mu.Unlock()
		s.logger.InfoContext(ctx, "Run started", "run_id", params.RunID)

	case runner.MethodRunClose:
		var frame runner.RunFrame
		if err := json.Unmarshal(env.Params, &frame); err != nil {
			return
		}
		s.mu.Lock()
		delete(s.runs, frame.RunID)
		s.mu.Unlock()
		s.logger.InfoContext(ctx, "Run closed", "run_id", frame.RunID)
		if err := s.notify(ctx, runner.MethodRunClosed, runner.RunFrame{RunID: frame.RunID}); err != nil {
			s.logger.WarnContext(ctx, "Failed to confirm close", "error", err)
		}

	case runner.MethodRunMessage:
		var frame runner.RunFrame
		if err := json.Unmarshal(env.Params, &frame); err != nil {
			return
		}
		s.mu.Lock()
		_, known := s.runs[frame.RunID]
		s.mu.Unlock()
		if !known {
			s.logger.WarnContext(ctx, "Message for unknown run", "run_id", frame.RunID)
			return
		}
		s.handleMCP(ctx, frame.RunID, frame.Payload)

	default:
		s.logger.DebugContext(ctx, "Ignoring broker frame", "method", env.Method)
	}
}

// handleMCP answers the small method surface a broker needs during session
// establishment
func (s *simulator) handleMCP(ctx context.Context, runID string, payload json.RawMessage) {
	env, err := protocol.Decode(payload)
	if err != nil {
		s.logger.WarnContext(ctx, "Dropping malformed run payload", "run_id", runID, "error", err)
		return
	}
	if env.Classify() == protocol.TypeNotification {
		return
	}

	var result any
	switch env.Method {
	case string(mcp.MethodInitialize):
		result = map[string]any{
			"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "runnersim", "version": "0.1.0"},
		}
	case string(mcp.MethodPing):
		result = map[string]any{}
	case string(mcp.MethodToolsList):
		result = map[string]any{
			"tools": []map[string]any{{
				"name":        "echo",
				"description": "Echo the input back",
				"inputSchema": map[string]any{"type": "object"},
			}},
		}
	default:
		s.respond(ctx, runID, &protocol.Envelope{
			JSONRPC: mcp.JSONRPC_VERSION,
			ID:      env.ID,
			Error:   json.RawMessage(`{"code":-32601,"message":"method not found"}`),
		})
		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	s.respond(ctx, runID, &protocol.Envelope{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      env.ID,
		Result:  raw,
	})
}

func (s *simulator) respond(ctx context.Context, runID string, env *protocol.Envelope) {
	payload, err := env.Encode()
	if err != nil {
		return
	}
	if err := s.notify(ctx, runner.MethodRunMessage, runner.RunFrame{RunID: runID, Payload: payload}); err != nil {
		s.logger.WarnContext(ctx, "Failed to send response", "run_id", runID, "error", err)
	}
}
