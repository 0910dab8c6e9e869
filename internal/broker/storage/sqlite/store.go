package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/relaylabs/mcp-broker/internal/broker/protocol"
	"github.com/relaylabs/mcp-broker/internal/broker/storage"
)

// Store implements storage.Store on a sqlite database
type Store struct {
	db *sql.DB
}

// NewStore wraps an opened broker database
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateSession stores a new session record
func (s *Store) CreateSession(ctx context.Context, session *storage.Session) error {
	if session == nil || session.ID == "" {
		return errors.New("session id is required")
	}
	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, group_id, variant_id, mcp_initialized, protocol_version,
			client_capabilities, client_info, client_message_count, server_message_count, stopped, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, session.ID, session.GroupID, session.VariantID, boolInt(session.MCPInitialized), session.ProtocolVersion,
		rawString(session.ClientCapabilities), rawString(session.ClientInfo),
		session.ClientMessageCount, session.ServerMessageCount, boolInt(session.Stopped), formatTime(createdAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id
func (s *Store) GetSession(ctx context.Context, sessionID string) (*storage.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, group_id, variant_id, mcp_initialized, protocol_version,
			client_capabilities, client_info, client_message_count, server_message_count, stopped, created_at
		FROM sessions WHERE id = ?
	`, sessionID)

	var session storage.Session
	var initialized, stopped int
	var caps, info sql.NullString
	var createdAt string
	err := row.Scan(&session.ID, &session.GroupID, &session.VariantID, &initialized, &session.ProtocolVersion,
		&caps, &info, &session.ClientMessageCount, &session.ServerMessageCount, &stopped, &createdAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	session.MCPInitialized = initialized != 0
	session.Stopped = stopped != 0
	session.ClientCapabilities = stringRaw(caps)
	session.ClientInfo = stringRaw(info)
	session.CreatedAt = parseTime(createdAt)
	return &session, nil
}

// MarkInitialized records the negotiated handshake onto the session
func (s *Store) MarkInitialized(ctx context.Context, sessionID string, state storage.HandshakeState) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET mcp_initialized = 1, protocol_version = ?, client_capabilities = ?, client_info = ?
		WHERE id = ?
	`, state.ProtocolVersion, rawString(state.ClientCapabilities), rawString(state.ClientInfo), sessionID)
	if err != nil {
		return fmt.Errorf("mark initialized: %w", err)
	}
	return requireRow(res)
}

// AddUsage atomically bumps the per-direction message counter
func (s *Store) AddUsage(ctx context.Context, sessionID string, sender storage.ParticipantType, n int) error {
	column := "server_message_count"
	if sender == storage.ParticipantClient {
		column = "client_message_count"
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE sessions SET %s = %s + ? WHERE id = ?`, column, column), n, sessionID)
	if err != nil {
		return fmt.Errorf("add usage: %w", err)
	}
	return requireRow(res)
}

// MarkSessionStopped flags the session stopped
func (s *Store) MarkSessionStopped(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET stopped = 1 WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("mark session stopped: %w", err)
	}
	return requireRow(res)
}

// CreateRun stores a new run record
func (s *Store) CreateRun(ctx context.Context, run *storage.ServerRun) error {
	if run == nil || run.ID == "" {
		return errors.New("run id is required")
	}
	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_runs (id, session_id, variant_id, runner_id, run_type, status,
			started_at, stopped_at, last_ping_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.SessionID, run.VariantID, run.RunnerID, string(run.Type), string(run.Status),
		formatTimePtr(run.StartedAt), formatTimePtr(run.StoppedAt), formatTimePtr(run.LastPingAt), formatTime(createdAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by id
func (s *Store) GetRun(ctx context.Context, runID string) (*storage.ServerRun, error) {
	return s.scanRun(s.db.QueryRowContext(ctx, `
		SELECT id, session_id, variant_id, runner_id, run_type, status, started_at, stopped_at, last_ping_at, created_at
		FROM server_runs WHERE id = ?
	`, runID))
}

// GetActiveRun returns the session's active run
func (s *Store) GetActiveRun(ctx context.Context, sessionID string) (*storage.ServerRun, error) {
	return s.scanRun(s.db.QueryRowContext(ctx, `
		SELECT id, session_id, variant_id, runner_id, run_type, status, started_at, stopped_at, last_ping_at, created_at
		FROM server_runs WHERE session_id = ? AND status = ? LIMIT 1
	`, sessionID, string(storage.RunStatusActive)))
}

func (s *Store) scanRun(row *sql.Row) (*storage.ServerRun, error) {
	var run storage.ServerRun
	var runType, status, createdAt string
	var startedAt, stoppedAt, lastPingAt sql.NullString
	err := row.Scan(&run.ID, &run.SessionID, &run.VariantID, &run.RunnerID, &runType, &status,
		&startedAt, &stoppedAt, &lastPingAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run.Type = storage.RunType(runType)
	run.Status = storage.RunStatus(status)
	run.StartedAt = parseTimePtr(startedAt)
	run.StoppedAt = parseTimePtr(stoppedAt)
	run.LastPingAt = parseTimePtr(lastPingAt)
	run.CreatedAt = parseTime(createdAt)
	return &run, nil
}

// MarkRunActive records startedAt on a still-active run; a run already
// retired by a concurrent transition stays retired
func (s *Store) MarkRunActive(ctx context.Context, runID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE server_runs SET started_at = ? WHERE id = ? AND status = ?`,
		formatTime(at), runID, string(storage.RunStatusActive))
	if err != nil {
		return false, fmt.Errorf("mark run active: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark run active rows: %w", err)
	}
	return n > 0, nil
}

// CompleteRun transitions active→completed; returns false if not active
func (s *Store) CompleteRun(ctx context.Context, runID string, at time.Time) (bool, error) {
	return s.transitionRun(ctx, runID, storage.RunStatusCompleted, at)
}

// FailRun transitions active→failed; returns false if not active
func (s *Store) FailRun(ctx context.Context, runID string, at time.Time) (bool, error) {
	return s.transitionRun(ctx, runID, storage.RunStatusFailed, at)
}

func (s *Store) transitionRun(ctx context.Context, runID string, to storage.RunStatus, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE server_runs SET status = ?, stopped_at = ? WHERE id = ? AND status = ?
	`, string(to), formatTime(at), runID, string(storage.RunStatusActive))
	if err != nil {
		return false, fmt.Errorf("transition run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition run rows: %w", err)
	}
	return n > 0, nil
}

// TouchRunPing records run liveness
func (s *Store) TouchRunPing(ctx context.Context, runID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE server_runs SET last_ping_at = ? WHERE id = ?`,
		formatTime(at), runID)
	if err != nil {
		return fmt.Errorf("touch run ping: %w", err)
	}
	return requireRow(res)
}

// CreateMessages appends a batch inside one transaction; the AUTOINCREMENT
// rowid is the store-assigned sequence id
func (s *Store) CreateMessages(ctx context.Context, msgs []*storage.Message) ([]*storage.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin message tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	out := make([]*storage.Message, 0, len(msgs))
	for _, msg := range msgs {
		cp := *msg
		if cp.ID == "" {
			cp.ID = protocol.NewMessageID()
		}
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = time.Now().UTC()
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, session_id, run_id, msg_type, sender, sender_id,
				original_id, unified_id, payload, handled, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, cp.ID, cp.SessionID, cp.RunID, string(cp.Type), string(cp.Sender), cp.SenderID,
			cp.OriginalID, cp.UnifiedID, string(cp.Payload), boolInt(cp.Handled), formatTime(cp.CreatedAt))
		if err != nil {
			return nil, fmt.Errorf("insert message: %w", err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("message seq: %w", err)
		}
		cp.Seq = seq
		out = append(out, &cp)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit messages: %w", err)
	}
	return out, nil
}

// ListMessages returns matching messages ordered by sequence id ascending
func (s *Store) ListMessages(ctx context.Context, filter storage.MessageFilter) ([]*storage.Message, error) {
	where := []string{"session_id = ?"}
	args := []any{filter.SessionID}

	if filter.Sender != "" {
		where = append(where, "sender = ?")
		args = append(args, string(filter.Sender))
	}
	if filter.AfterSeq > 0 {
		where = append(where, "seq > ?")
		args = append(args, filter.AfterSeq)
	}
	if !filter.IncludeHandled {
		where = append(where, "handled = 0")
	}
	if len(filter.Types) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(filter.Types)), ",")
		where = append(where, "msg_type IN ("+ph+")")
		for _, t := range filter.Types {
			args = append(args, string(t))
		}
	}
	if len(filter.IDs) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(filter.IDs)), ",")
		where = append(where, "(original_id IN ("+ph+") OR unified_id IN ("+ph+"))")
		for _, id := range filter.IDs {
			args = append(args, id)
		}
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}

	query := `SELECT seq, id, session_id, run_id, msg_type, sender, sender_id,
		original_id, unified_id, payload, handled, created_at
		FROM messages WHERE ` + strings.Join(where, " AND ") + ` ORDER BY seq ASC`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*storage.Message
	for rows.Next() {
		var msg storage.Message
		var msgType, sender, payload, createdAt string
		var handled int
		if err := rows.Scan(&msg.Seq, &msg.ID, &msg.SessionID, &msg.RunID, &msgType, &sender,
			&msg.SenderID, &msg.OriginalID, &msg.UnifiedID, &payload, &handled, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Type = protocol.MessageType(msgType)
		msg.Sender = storage.ParticipantType(sender)
		msg.Payload = json.RawMessage(payload)
		msg.Handled = handled != 0
		msg.CreatedAt = parseTime(createdAt)
		out = append(out, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// MarkHandled flips the handled flag on the given message ids
func (s *Store) MarkHandled(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	ph := strings.TrimSuffix(strings.Repeat("?,", len(messageIDs)), ",")
	args := make([]any, 0, len(messageIDs))
	for _, id := range messageIDs {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET handled = 1 WHERE id IN (`+ph+`)`, args...)
	if err != nil {
		return fmt.Errorf("mark handled: %w", err)
	}
	return nil
}

// CreateVersion stores a server version record
func (s *Store) CreateVersion(ctx context.Context, version *storage.ServerVersion) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_versions (id, tools, prompts, resource_templates, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, version.ID, rawString(version.Capabilities.Tools), rawString(version.Capabilities.Prompts),
		rawString(version.Capabilities.ResourceTemplates), formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

// GetVersion retrieves a server version by id
func (s *Store) GetVersion(ctx context.Context, versionID string) (*storage.ServerVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tools, prompts, resource_templates, updated_at FROM server_versions WHERE id = ?
	`, versionID)
	var version storage.ServerVersion
	var tools, prompts, templates, updatedAt sql.NullString
	err := row.Scan(&version.ID, &tools, &prompts, &templates, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan version: %w", err)
	}
	version.Capabilities = storage.Capabilities{
		Tools:             stringRaw(tools),
		Prompts:           stringRaw(prompts),
		ResourceTemplates: stringRaw(templates),
	}
	version.UpdatedAt = parseTime(updatedAt.String)
	return &version, nil
}

// CreateVariant stores a server variant record
func (s *Store) CreateVariant(ctx context.Context, variant *storage.ServerVariant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_variants (id, version_id, run_type, url, runner_id, tools, prompts, resource_templates, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, variant.ID, variant.VersionID, string(variant.Type), variant.URL, variant.RunnerID,
		rawString(variant.Capabilities.Tools), rawString(variant.Capabilities.Prompts),
		rawString(variant.Capabilities.ResourceTemplates), formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("insert variant: %w", err)
	}
	return nil
}

// GetVariant retrieves a server variant by id
func (s *Store) GetVariant(ctx context.Context, variantID string) (*storage.ServerVariant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, version_id, run_type, url, runner_id, tools, prompts, resource_templates, updated_at
		FROM server_variants WHERE id = ?
	`, variantID)
	var variant storage.ServerVariant
	var runType string
	var tools, prompts, templates, updatedAt sql.NullString
	err := row.Scan(&variant.ID, &variant.VersionID, &runType, &variant.URL, &variant.RunnerID,
		&tools, &prompts, &templates, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan variant: %w", err)
	}
	variant.Type = storage.RunType(runType)
	variant.Capabilities = storage.Capabilities{
		Tools:             stringRaw(tools),
		Prompts:           stringRaw(prompts),
		ResourceTemplates: stringRaw(templates),
	}
	variant.UpdatedAt = parseTime(updatedAt.String)
	return &variant, nil
}

// SaveVersionCapabilities persists discovered capabilities on the version
func (s *Store) SaveVersionCapabilities(ctx context.Context, versionID string, caps storage.Capabilities) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE server_versions SET tools = ?, prompts = ?, resource_templates = ?, updated_at = ? WHERE id = ?
	`, rawString(caps.Tools), rawString(caps.Prompts), rawString(caps.ResourceTemplates),
		formatTime(time.Now().UTC()), versionID)
	if err != nil {
		return fmt.Errorf("save version capabilities: %w", err)
	}
	return requireRow(res)
}

// SaveVariantCapabilities persists discovered capabilities on the variant
func (s *Store) SaveVariantCapabilities(ctx context.Context, variantID string, caps storage.Capabilities) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE server_variants SET tools = ?, prompts = ?, resource_templates = ?, updated_at = ? WHERE id = ?
	`, rawString(caps.Tools), rawString(caps.Prompts), rawString(caps.ResourceTemplates),
		formatTime(time.Now().UTC()), variantID)
	if err != nil {
		return fmt.Errorf("save variant capabilities: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func rawString(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func stringRaw(v sql.NullString) json.RawMessage {
	if !v.Valid || v.String == "" {
		return nil
	}
	return json.RawMessage(v.String)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(v.String)
	return &t
}

var _ storage.Store = (*Store)(nil)
