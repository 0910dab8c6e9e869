package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Marker strings prefixed onto broker-minted message ids so traffic can be
// classified without a separate field
const (
	// MarkerInit marks the synthesized initialize request of a reconnect handshake
	MarkerInit = "INIT"
	// MarkerPing marks liveness ping requests
	MarkerPing = "PING"
	// MarkerOneOff marks requests sent outside the normal relay, such as
	// capability discovery calls
	MarkerOneOff = "ONE_OFF"
)

const markerSep = "_"

// UnifiedIDPrefix prefixes every derived unified id
const UnifiedIDPrefix = "u_"

// NewInitID mints an id carrying the init marker
func NewInitID() string {
	return MarkerInit + markerSep + ulid.Make().String()
}

// NewPingID mints an id carrying the ping marker
func NewPingID() string {
	return MarkerPing + markerSep + ulid.Make().String()
}

// NewOneOffID mints an id carrying the one-off marker
func NewOneOffID() string {
	return MarkerOneOff + markerSep + ulid.Make().String()
}

// NewMessageID mints an id for a stored message record
func NewMessageID() string {
	return "msg_" + ulid.Make().String()
}

// HasMarker reports whether id carries the given marker prefix
func HasMarker(id, marker string) bool {
	return strings.HasPrefix(id, marker+markerSep)
}

// UnifiedID derives the cross-participant-stable id for a message from the
// session id and the id assigned by the message's origin side. The derivation
// is a pure function, so both sides resolve the same original id to the same
// unified id without coordination.
func UnifiedID(sessionID, originalID string) string {
	if originalID == "" {
		return ""
	}
	if strings.HasPrefix(originalID, UnifiedIDPrefix) {
		return originalID
	}
	sum := sha256.Sum256([]byte(sessionID + "\x00" + originalID))
	return UnifiedIDPrefix + hex.EncodeToString(sum[:8])
}
