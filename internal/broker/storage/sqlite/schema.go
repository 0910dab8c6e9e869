package sqlite

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	group_id TEXT NOT NULL DEFAULT '',
	variant_id TEXT NOT NULL DEFAULT '',
	mcp_initialized INTEGER NOT NULL DEFAULT 0,
	protocol_version TEXT NOT NULL DEFAULT '',
	client_capabilities TEXT,
	client_info TEXT,
	client_message_count INTEGER NOT NULL DEFAULT 0,
	server_message_count INTEGER NOT NULL DEFAULT 0,
	stopped INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS server_runs (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	variant_id TEXT NOT NULL DEFAULT '',
	runner_id TEXT NOT NULL DEFAULT '',
	run_type TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TEXT,
	stopped_at TEXT,
	last_ping_at TEXT,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_session_status ON server_runs(session_id, status);

CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	session_id TEXT NOT NULL,
	run_id TEXT NOT NULL DEFAULT '',
	msg_type TEXT NOT NULL,
	sender TEXT NOT NULL,
	sender_id TEXT NOT NULL DEFAULT '',
	original_id TEXT NOT NULL DEFAULT '',
	unified_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	handled INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, seq);
CREATE INDEX IF NOT EXISTS idx_messages_session_original ON messages(session_id, original_id);
CREATE INDEX IF NOT EXISTS idx_messages_session_unified ON messages(session_id, unified_id);

CREATE TABLE IF NOT EXISTS server_versions (
	id TEXT PRIMARY KEY,
	tools TEXT,
	prompts TEXT,
	resource_templates TEXT,
	updated_at TEXT
);

CREATE TABLE IF NOT EXISTS server_variants (
	id TEXT PRIMARY KEY,
	version_id TEXT NOT NULL DEFAULT '',
	run_type TEXT NOT NULL,
	url TEXT NOT NULL DEFAULT '',
	runner_id TEXT NOT NULL DEFAULT '',
	tools TEXT,
	prompts TEXT,
	resource_templates TEXT,
	updated_at TEXT
)
`
