package runner

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/relaylabs/mcp-broker/internal/broker/protocol"
)

const (
	// RunIDHeader identifies the server run on outbound external requests
	RunIDHeader = "X-MCP-Run-Id"

	// defaultConnectTimeout bounds the wait for the provider's endpoint event
	defaultConnectTimeout = 30 * time.Second

	// sseMaxEventSize bounds one SSE event
	sseMaxEventSize = 4 * 1024 * 1024
)

// ExternalConfig configures an external (streaming HTTP) adapter
type ExternalConfig struct {
	// URL is the SSE connect endpoint of the deployed server
	URL string
	// RunID identifies the server run on the wire
	RunID string
	// UserAgent distinguishes deployment variants to the provider
	UserAgent string
	// Headers carries deployment-configured headers (auth etc.)
	Headers map[string]string
	// ConnectTimeout bounds the wait for the endpoint event
	ConnectTimeout time.Duration
	// HTTPClient posts outgoing messages; defaults to a 30s-timeout client
	HTTPClient *http.Client
}

// External adapts an SSE-connected remote server. The provider announces a
// POST endpoint in an `endpoint` event before any `message` events; outgoing
// traffic is POSTed there.
type External struct {
	*core
	cfg    ExternalConfig
	client *http.Client

	postMu  sync.RWMutex
	postURL string

	cancelRead context.CancelFunc
	body       io.ReadCloser
}

// NewExternal connects the SSE stream and waits for the endpoint event.
// Connection errors before the endpoint is known reject creation; after it,
// they close the adapter.
func NewExternal(ctx context.Context, cfg ExternalConfig, registry *Registry, logger *slog.Logger) (*External, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	e := &External{
		core:   newCore(cfg.RunID, true, registry, logger.With("run_id", cfg.RunID, "run_type", "external")),
		cfg:    cfg,
		client: client,
	}
	e.core.sendRaw = e.post
	e.core.closeConn = e.teardown

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	e.setIdentity(req)

	// The stream request must not use the posting client: its timeout would
	// sever the long-lived connection.
	resp, err := http.DefaultTransport.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("connect stream %s: %w", cfg.URL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("stream returned status %d", resp.StatusCode)
	}
	e.body = resp.Body

	readCtx, cancel := context.WithCancel(context.Background())
	e.cancelRead = cancel

	endpointCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go e.readLoop(readCtx, resp.Body, endpointCh, errCh)

	select {
	case endpoint := <-endpointCh:
		e.postMu.Lock()
		e.postURL = e.resolveURL(endpoint)
		e.postMu.Unlock()
	case err := <-errCh:
		cancel()
		resp.Body.Close()
		return nil, fmt.Errorf("stream failed before endpoint: %w", err)
	case <-ctx.Done():
		cancel()
		resp.Body.Close()
		return nil, ctx.Err()
	case <-time.After(cfg.ConnectTimeout):
		cancel()
		resp.Body.Close()
		return nil, fmt.Errorf("timeout waiting for endpoint event")
	}

	registry.Register(e)
	e.logger.Info("External adapter connected", "endpoint", e.endpoint())
	return e, nil
}

func (e *External) setIdentity(req *http.Request) {
	req.Header.Set(RunIDHeader, e.cfg.RunID)
	if e.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", e.cfg.UserAgent)
	}
	for k, v := range e.cfg.Headers {
		req.Header.Set(k, v)
	}
}

func (e *External) endpoint() string {
	e.postMu.RLock()
	defer e.postMu.RUnlock()
	return e.postURL
}

// post sends one raw JSON-RPC payload to the announced endpoint
func (e *External) post(ctx context.Context, payload []byte) error {
	endpoint := e.endpoint()
	if endpoint == "" {
		return ErrNoEndpoint
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create post request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	e.setIdentity(req)

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("post returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (e *External) teardown() {
	if e.cancelRead != nil {
		e.cancelRead()
	}
	if e.body != nil {
		e.body.Close()
	}
}

// readLoop parses the SSE stream and dispatches events. Before the endpoint
// is known, failures go to errCh; afterwards they close the adapter.
func (e *External) readLoop(ctx context.Context, body io.Reader, endpointCh chan<- string, errCh chan<- error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), sseMaxEventSize)

	eventType := "message"
	var data bytes.Buffer

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()
		if line == "" {
			e.handleEvent(eventType, strings.TrimSuffix(data.String(), "\n"), endpointCh)
			eventType = "message"
			data.Reset()
			continue
		}

		switch {
		case strings.HasPrefix(line, "event:"):
			eventType = sseFieldValue(line, "event:")
		case strings.HasPrefix(line, "data:"):
			data.WriteString(sseFieldValue(line, "data:"))
			data.WriteByte('\n')
		case strings.HasPrefix(line, ":"):
			// Comment, ignore.
		}
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	if e.endpoint() == "" {
		errCh <- err
		return
	}
	if !e.isClosed() {
		e.logger.Warn("External stream lost", "error", err)
		e.Close()
	}
}

// sseFieldValue strips the field name and the single optional space the SSE
// format allows after the colon
func sseFieldValue(line, field string) string {
	return strings.TrimPrefix(strings.TrimPrefix(line, field), " ")
}

func (e *External) handleEvent(eventType, data string, endpointCh chan<- string) {
	switch eventType {
	case "endpoint":
		select {
		case endpointCh <- data:
		default:
		}
	case "message":
		env, err := protocol.Decode([]byte(data))
		if err != nil {
			// Malformed payloads are dropped, not fatal.
			e.logger.Debug("Dropping malformed stream message", "error", err)
			return
		}
		e.dispatchInbound(env)
	default:
		e.logger.Debug("Ignoring stream event", "event", eventType)
	}
}

func (e *External) resolveURL(endpoint string) string {
	base, err := url.Parse(e.cfg.URL)
	if err != nil {
		return endpoint
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	return base.ResolveReference(ref).String()
}

var _ Adapter = (*External)(nil)
