// Package memory provides in-memory implementations of the broker storage
// contracts, used by tests and single-process development setups.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/relaylabs/mcp-broker/internal/broker/protocol"
	"github.com/relaylabs/mcp-broker/internal/broker/storage"
)

var (
	errSessionNil = errors.New("session cannot be nil")
	errRunNil     = errors.New("run cannot be nil")
	errEmptyID    = errors.New("id cannot be empty")
)

// Store implements storage.Store using mutex-guarded maps
type Store struct {
	mu sync.RWMutex

	sessions map[string]*storage.Session
	runs     map[string]*storage.ServerRun
	versions map[string]*storage.ServerVersion
	variants map[string]*storage.ServerVariant

	// messages are kept per session in append order; nextSeq assigns the
	// store-wide total order
	messages map[string][]*storage.Message
	byID     map[string]*storage.Message
	nextSeq  int64
}

// NewStore creates an empty in-memory store
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*storage.Session),
		runs:     make(map[string]*storage.ServerRun),
		versions: make(map[string]*storage.ServerVersion),
		variants: make(map[string]*storage.ServerVariant),
		messages: make(map[string][]*storage.Message),
		byID:     make(map[string]*storage.Message),
	}
}

// CreateSession stores a new session record
func (s *Store) CreateSession(ctx context.Context, session *storage.Session) error {
	if session == nil {
		return errSessionNil
	}
	if session.ID == "" {
		return errEmptyID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return storage.ErrAlreadyExists
	}
	cp := *session
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.sessions[session.ID] = &cp
	return nil
}

// GetSession retrieves a session by id
func (s *Store) GetSession(ctx context.Context, sessionID string) (*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	cp := *session
	return &cp, nil
}

// MarkInitialized records the negotiated handshake onto the session
func (s *Store) MarkInitialized(ctx context.Context, sessionID string, state storage.HandshakeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return storage.ErrNotFound
	}
	session.MCPInitialized = true
	session.ProtocolVersion = state.ProtocolVersion
	session.ClientCapabilities = state.ClientCapabilities
	session.ClientInfo = state.ClientInfo
	return nil
}

// AddUsage atomically bumps the per-direction message counter
func (s *Store) AddUsage(ctx context.Context, sessionID string, sender storage.ParticipantType, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return storage.ErrNotFound
	}
	if sender == storage.ParticipantClient {
		session.ClientMessageCount += int64(n)
	} else {
		session.ServerMessageCount += int64(n)
	}
	return nil
}

// MarkSessionStopped flags the session stopped
func (s *Store) MarkSessionStopped(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return storage.ErrNotFound
	}
	session.Stopped = true
	return nil
}

// CreateRun stores a new run record
func (s *Store) CreateRun(ctx context.Context, run *storage.ServerRun) error {
	if run == nil {
		return errRunNil
	}
	if run.ID == "" {
		return errEmptyID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return storage.ErrAlreadyExists
	}
	cp := *run
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.runs[run.ID] = &cp
	return nil
}

// GetRun retrieves a run by id
func (s *Store) GetRun(ctx context.Context, runID string) (*storage.ServerRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.runs[runID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

// GetActiveRun returns the session's active run
func (s *Store) GetActiveRun(ctx context.Context, sessionID string) (*storage.ServerRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, run := range s.runs {
		if run.SessionID == sessionID && run.Status == storage.RunStatusActive {
			cp := *run
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

// MarkRunActive records startedAt on a still-active run; a run already
// retired by a concurrent transition stays retired
func (s *Store) MarkRunActive(ctx context.Context, runID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, exists := s.runs[runID]
	if !exists {
		return false, storage.ErrNotFound
	}
	if run.Status != storage.RunStatusActive {
		return false, nil
	}
	run.StartedAt = &at
	return true, nil
}

// CompleteRun transitions active→completed; returns false if not active
func (s *Store) CompleteRun(ctx context.Context, runID string, at time.Time) (bool, error) {
	return s.transitionRun(runID, storage.RunStatusCompleted, at)
}

// FailRun transitions active→failed; returns false if not active
func (s *Store) FailRun(ctx context.Context, runID string, at time.Time) (bool, error) {
	return s.transitionRun(runID, storage.RunStatusFailed, at)
}

func (s *Store) transitionRun(runID string, to storage.RunStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, exists := s.runs[runID]
	if !exists {
		return false, storage.ErrNotFound
	}
	if run.Status != storage.RunStatusActive {
		return false, nil
	}
	run.Status = to
	run.StoppedAt = &at
	return true, nil
}

// TouchRunPing records run liveness
func (s *Store) TouchRunPing(ctx context.Context, runID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, exists := s.runs[runID]
	if !exists {
		return storage.ErrNotFound
	}
	run.LastPingAt = &at
	return nil
}

// CreateMessages appends a batch and assigns sequence ids
func (s *Store) CreateMessages(ctx context.Context, msgs []*storage.Message) ([]*storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*storage.Message, 0, len(msgs))
	for _, msg := range msgs {
		cp := *msg
		if cp.ID == "" {
			cp.ID = protocol.NewMessageID()
		}
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = time.Now()
		}
		s.nextSeq++
		cp.Seq = s.nextSeq
		s.messages[cp.SessionID] = append(s.messages[cp.SessionID], &cp)
		s.byID[cp.ID] = &cp

		ret := cp
		out = append(out, &ret)
	}
	return out, nil
}

// ListMessages returns matching messages sorted by sequence id ascending
func (s *Store) ListMessages(ctx context.Context, filter storage.MessageFilter) ([]*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var idSet map[string]struct{}
	if len(filter.IDs) > 0 {
		idSet = make(map[string]struct{}, len(filter.IDs))
		for _, id := range filter.IDs {
			idSet[id] = struct{}{}
		}
	}

	var out []*storage.Message
	// Per-session slices are already in sequence order
	for _, msg := range s.messages[filter.SessionID] {
		if !matches(msg, filter, idSet) {
			continue
		}
		cp := *msg
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func matches(msg *storage.Message, filter storage.MessageFilter, idSet map[string]struct{}) bool {
	if msg.Seq <= filter.AfterSeq {
		return false
	}
	if filter.Sender != "" && msg.Sender != filter.Sender {
		return false
	}
	if !filter.IncludeHandled && msg.Handled {
		return false
	}
	if len(filter.Types) > 0 {
		found := false
		for _, t := range filter.Types {
			if msg.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if idSet != nil {
		_, byOriginal := idSet[msg.OriginalID]
		_, byUnified := idSet[msg.UnifiedID]
		if !byOriginal && !byUnified {
			return false
		}
	}
	return true
}

// MarkHandled flips the handled flag on the given message ids
func (s *Store) MarkHandled(ctx context.Context, messageIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range messageIDs {
		if msg, exists := s.byID[id]; exists {
			msg.Handled = true
		}
	}
	return nil
}

// CreateVersion stores a server version record
func (s *Store) CreateVersion(ctx context.Context, version *storage.ServerVersion) error {
	if version == nil || version.ID == "" {
		return errEmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.versions[version.ID]; exists {
		return storage.ErrAlreadyExists
	}
	cp := *version
	s.versions[version.ID] = &cp
	return nil
}

// GetVersion retrieves a server version by id
func (s *Store) GetVersion(ctx context.Context, versionID string) (*storage.ServerVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	version, exists := s.versions[versionID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	cp := *version
	return &cp, nil
}

// CreateVariant stores a server variant record
func (s *Store) CreateVariant(ctx context.Context, variant *storage.ServerVariant) error {
	if variant == nil || variant.ID == "" {
		return errEmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.variants[variant.ID]; exists {
		return storage.ErrAlreadyExists
	}
	cp := *variant
	s.variants[variant.ID] = &cp
	return nil
}

// GetVariant retrieves a server variant by id
func (s *Store) GetVariant(ctx context.Context, variantID string) (*storage.ServerVariant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	variant, exists := s.variants[variantID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	cp := *variant
	return &cp, nil
}

// SaveVersionCapabilities persists discovered capabilities on the version
func (s *Store) SaveVersionCapabilities(ctx context.Context, versionID string, caps storage.Capabilities) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	version, exists := s.versions[versionID]
	if !exists {
		return storage.ErrNotFound
	}
	version.Capabilities = caps
	version.UpdatedAt = time.Now()
	return nil
}

// SaveVariantCapabilities persists discovered capabilities on the variant
func (s *Store) SaveVariantCapabilities(ctx context.Context, variantID string, caps storage.Capabilities) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	variant, exists := s.variants[variantID]
	if !exists {
		return storage.ErrNotFound
	}
	variant.Capabilities = caps
	variant.UpdatedAt = time.Now()
	return nil
}

var _ storage.Store = (*Store)(nil)
