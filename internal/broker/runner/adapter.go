// Package runner normalizes concrete server transports (an external
// streaming-HTTP connection or a hosted multiplexed runner channel) into a
// uniform send/receive/ping/close contract, and owns the liveness sweeps
// over all live adapters.
package runner

import (
	"context"
	"errors"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/relaylabs/mcp-broker/internal/broker/protocol"
)

var (
	// ErrAdapterClosed is returned from operations on a closed adapter
	ErrAdapterClosed = errors.New("adapter closed")
	// ErrNoEndpoint is returned when an external send happens before the
	// provider announced its POST endpoint
	ErrNoEndpoint = errors.New("no endpoint announced yet")
)

// Adapter is the uniform contract a run manager drives a server through
type Adapter interface {
	// RunID identifies the server run this adapter serves
	RunID() string

	// Send relays one message to the server. Failures are emitted to error
	// subscribers as well as returned; they do not close the adapter.
	Send(ctx context.Context, env *protocol.Envelope) error

	// SendAndWait sends a one-off request and resolves with the correlated
	// response. Responses to one-off ids are intercepted and never reach
	// OnMessage subscribers.
	SendAndWait(ctx context.Context, env *protocol.Envelope) (*protocol.Envelope, error)

	// Ping sends a liveness ping
	Ping(ctx context.Context)

	// Close tears the adapter down; idempotent
	Close()

	// OnMessage subscribes to inbound server messages; returns unsubscribe
	OnMessage(handler func(*protocol.Envelope)) func()

	// OnError subscribes to transport errors
	OnError(handler func(error)) func()

	// OnClose subscribes to adapter teardown
	OnClose(handler func()) func()

	// WantsPing reports whether the broker drives this adapter's liveness.
	// Hosted adapters return false; their remote side pings independently.
	WantsPing() bool

	// LastMessageAt is the time of the most recent inbound traffic
	LastMessageAt() time.Time

	// Capability discovery; each paginates until the configured caps and
	// returns whatever was collected on error
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	ListPrompts(ctx context.Context) ([]mcp.Prompt, error)
	ListResourceTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error)
}
