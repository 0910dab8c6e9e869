package storage

import (
	"context"
	"errors"
	"time"

	"github.com/relaylabs/mcp-broker/internal/broker/protocol"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned when creating a record with a taken id
	ErrAlreadyExists = errors.New("record already exists")
)

// SessionStore persists session records and their handshake/usage state
type SessionStore interface {
	// CreateSession stores a new session record
	CreateSession(ctx context.Context, session *Session) error

	// GetSession retrieves a session by id
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// MarkInitialized records the negotiated handshake onto the session and
	// sets mcpInitialized
	MarkInitialized(ctx context.Context, sessionID string, state HandshakeState) error

	// AddUsage atomically bumps the per-direction message counter
	AddUsage(ctx context.Context, sessionID string, sender ParticipantType, n int) error

	// MarkSessionStopped flags the session stopped; sessions are never deleted
	MarkSessionStopped(ctx context.Context, sessionID string) error
}

// RunStore persists server run records. Transitions out of active are
// conditional so a completion can never overwrite an earlier failure marker.
type RunStore interface {
	// CreateRun stores a new run record
	CreateRun(ctx context.Context, run *ServerRun) error

	// GetRun retrieves a run by id
	GetRun(ctx context.Context, runID string) (*ServerRun, error)

	// GetActiveRun returns the session's active run, or ErrNotFound
	GetActiveRun(ctx context.Context, sessionID string) (*ServerRun, error)

	// MarkRunActive records startedAt on a still-active run. Returns false
	// without error when the run was already retired; a retired run is never
	// resurrected.
	MarkRunActive(ctx context.Context, runID string, at time.Time) (bool, error)

	// CompleteRun transitions active→completed and records stoppedAt.
	// Returns false without error when the run was no longer active.
	CompleteRun(ctx context.Context, runID string, at time.Time) (bool, error)

	// FailRun transitions active→failed and records stoppedAt.
	// Returns false without error when the run was no longer active.
	FailRun(ctx context.Context, runID string, at time.Time) (bool, error)

	// TouchRunPing records run liveness
	TouchRunPing(ctx context.Context, runID string, at time.Time) error
}

// MessageFilter selects messages from the per-session log
type MessageFilter struct {
	SessionID string
	// Types restricts to the given logical message types; empty means all
	Types []protocol.MessageType
	// Sender restricts to messages authored by one side; empty means both
	Sender ParticipantType
	// AfterSeq returns only messages with a larger sequence id
	AfterSeq int64
	// IDs matches either the raw original id or the unified id
	IDs []string
	// IncludeHandled also returns messages already marked handled
	IncludeHandled bool
	// Limit caps the result size; zero means no explicit cap
	Limit int
}

// MessageStore is the durable, ordered, at-least-once message log keyed by
// session. Messages are immutable except for the handled flag.
type MessageStore interface {
	// CreateMessages appends a batch and returns the records with their
	// store-assigned sequence ids filled in
	CreateMessages(ctx context.Context, msgs []*Message) ([]*Message, error)

	// ListMessages returns matching messages sorted by sequence id ascending,
	// regardless of which index matched the filter
	ListMessages(ctx context.Context, filter MessageFilter) ([]*Message, error)

	// MarkHandled flips the handled flag on the given message ids
	MarkHandled(ctx context.Context, messageIDs []string) error
}

// CatalogStore persists server versions and deployed variants, including the
// capability listings discovered on first initialize
type CatalogStore interface {
	CreateVersion(ctx context.Context, version *ServerVersion) error
	GetVersion(ctx context.Context, versionID string) (*ServerVersion, error)
	CreateVariant(ctx context.Context, variant *ServerVariant) error
	GetVariant(ctx context.Context, variantID string) (*ServerVariant, error)

	// SaveVersionCapabilities persists discovered capabilities on the version
	SaveVersionCapabilities(ctx context.Context, versionID string, caps Capabilities) error

	// SaveVariantCapabilities persists discovered capabilities on the variant
	SaveVariantCapabilities(ctx context.Context, variantID string, caps Capabilities) error
}

// Store is the full collaborator contract the broker runs against
type Store interface {
	SessionStore
	RunStore
	MessageStore
	CatalogStore
}
