package storage

import (
	"encoding/json"
	"time"

	"github.com/relaylabs/mcp-broker/internal/broker/protocol"
)

// ParticipantType identifies which side of a session authored a message
type ParticipantType string

const (
	// ParticipantClient is the client-facing side of a session
	ParticipantClient ParticipantType = "client"
	// ParticipantServer is the server-run side of a session
	ParticipantServer ParticipantType = "server"
)

// Opponent returns the other side
func (p ParticipantType) Opponent() ParticipantType {
	if p == ParticipantClient {
		return ParticipantServer
	}
	return ParticipantClient
}

// Participant identifies one side of a session bus, a value not an entity
type Participant struct {
	Type ParticipantType
	ID   string
}

// Opponent returns the participant on the other side of the bus
func (p Participant) Opponent() Participant {
	return Participant{Type: p.Type.Opponent(), ID: p.ID}
}

// Session is the durable, client-visible handle for a sequence of
// interactions with a deployed server. Sessions are never deleted, only
// marked stopped.
type Session struct {
	ID      string
	GroupID string // owning top-level session grouping
	// VariantID links the session to the deployed server variant it talks to
	VariantID string

	// Handshake state recorded by the run manager on first initialize
	MCPInitialized     bool
	ProtocolVersion    string
	ClientCapabilities json.RawMessage
	ClientInfo         json.RawMessage

	// Productive message counts per direction
	ClientMessageCount int64
	ServerMessageCount int64

	Stopped   bool
	CreatedAt time.Time
}

// HandshakeState carries the negotiated handshake fields persisted onto a
// session when it first initializes
type HandshakeState struct {
	ProtocolVersion    string
	ClientCapabilities json.RawMessage
	ClientInfo         json.RawMessage
}

// RunStatus is the lifecycle state of a server run
type RunStatus string

const (
	// RunStatusActive indicates the run is live
	RunStatusActive RunStatus = "active"
	// RunStatusCompleted indicates the run stopped cleanly
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed indicates the run stopped on a failure
	RunStatusFailed RunStatus = "failed"
)

// RunType distinguishes where a run executes
type RunType string

const (
	// RunTypeExternal runs on externally-hosted infrastructure reached over SSE
	RunTypeExternal RunType = "external"
	// RunTypeHosted runs on the managed worker fleet reached over the
	// multiplexed runner channel
	RunTypeHosted RunType = "hosted"
)

// ServerRun is one provisioning attempt for a session. At most one run per
// session is active at a time; status transitions out of active happen
// exactly once.
type ServerRun struct {
	ID        string
	SessionID string
	VariantID string
	RunnerID  string // set for hosted runs
	Type      RunType
	Status    RunStatus

	StartedAt  *time.Time
	StoppedAt  *time.Time
	LastPingAt *time.Time
	CreatedAt  time.Time
}

// Message is an immutable append-only record of one relayed JSON-RPC
// message. Seq is the store-assigned total order within the session.
type Message struct {
	ID        string
	SessionID string
	RunID     string

	Type     protocol.MessageType
	Sender   ParticipantType
	SenderID string

	// OriginalID is the correlating id as seen by the message's origin side
	OriginalID string
	// UnifiedID is the cross-participant-stable id derived from OriginalID
	UnifiedID string

	Seq     int64
	Payload json.RawMessage
	Handled bool

	CreatedAt time.Time
}

// Capabilities holds the discovered server capability listings as raw JSON
type Capabilities struct {
	Tools             json.RawMessage
	Prompts           json.RawMessage
	ResourceTemplates json.RawMessage
}

// Empty reports whether all three capability fields are unset
func (c Capabilities) Empty() bool {
	return len(c.Tools) == 0 && len(c.Prompts) == 0 && len(c.ResourceTemplates) == 0
}

// ServerVersion is one published version of a catalog server
type ServerVersion struct {
	ID           string
	Capabilities Capabilities
	UpdatedAt    time.Time
}

// ServerVariant is one deployed variant of a server version. Its type
// decides whether runs are external or hosted.
type ServerVariant struct {
	ID        string
	VersionID string
	Type      RunType

	// URL is the SSE connect endpoint for external variants
	URL string
	// RunnerID is the assigned worker for hosted variants
	RunnerID string

	Capabilities Capabilities
	UpdatedAt    time.Time
}
