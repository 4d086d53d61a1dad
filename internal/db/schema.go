package db

// SchemaVersion is the current database schema version
const SchemaVersion = 3

const schema = `
CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Local server identity
CREATE TABLE IF NOT EXISTS server_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Peers (parent and children)
CREATE TABLE IF NOT EXISTS peers (
    id TEXT PRIMARY KEY,
    nickname TEXT NOT NULL UNIQUE,
    role TEXT NOT NULL,
    address TEXT NOT NULL DEFAULT '',
    outbound_token TEXT NOT NULL DEFAULT '',
    inbound_token_hash TEXT NOT NULL DEFAULT '',
    disabled INTEGER NOT NULL DEFAULT 0,
    last_sync_ns INTEGER,
    last_sync_state TEXT NOT NULL DEFAULT '',
    cursor_ns INTEGER NOT NULL DEFAULT 0,
    cursor_id TEXT NOT NULL DEFAULT '',
    max_batch_web INTEGER NOT NULL DEFAULT 0,
    max_batch_file INTEGER NOT NULL DEFAULT 0,
    created_ns INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_peers_single_parent ON peers(role) WHERE role = 'parent';

-- Per-peer entity class policy; classes without a row are sent and received
CREATE TABLE IF NOT EXISTS class_policies (
    peer_id TEXT NOT NULL REFERENCES peers(id) ON DELETE CASCADE,
    class TEXT NOT NULL,
    send_to INTEGER NOT NULL DEFAULT 1,
    receive_from INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (peer_id, class)
);

-- Change records (journal). seq is the ordering key.
CREATE TABLE IF NOT EXISTS change_records (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    original_id TEXT NOT NULL,
    created_ns INTEGER NOT NULL,
    state TEXT NOT NULL DEFAULT 'new',
    retry_count INTEGER NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT '',
    classes TEXT NOT NULL DEFAULT '',
    items TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_change_records_position ON change_records(created_ns, seq);
CREATE INDEX IF NOT EXISTS idx_change_records_original ON change_records(original_id);
CREATE INDEX IF NOT EXISTS idx_change_records_state ON change_records(state);

-- Per-peer delivery state
CREATE TABLE IF NOT EXISTS server_records (
    record_seq INTEGER NOT NULL REFERENCES change_records(seq),
    peer_id TEXT NOT NULL REFERENCES peers(id) ON DELETE CASCADE,
    state TEXT NOT NULL DEFAULT 'new',
    retry_count INTEGER NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT '',
    updated_ns INTEGER NOT NULL,
    PRIMARY KEY (record_seq, peer_id)
);

CREATE INDEX IF NOT EXISTS idx_server_records_peer_state ON server_records(peer_id, state);

-- Receiving side idempotency ledger, keyed by the record's original id
CREATE TABLE IF NOT EXISTS import_records (
    original_id TEXT PRIMARY KEY,
    source_peer_id TEXT NOT NULL,
    state TEXT NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT '',
    items TEXT NOT NULL DEFAULT '[]',
    received_ns INTEGER NOT NULL,
    updated_ns INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_import_records_source ON import_records(source_peer_id, state);

-- Generic entity store
CREATE TABLE IF NOT EXISTS entities (
    class TEXT NOT NULL,
    uuid TEXT NOT NULL,
    payload TEXT NOT NULL,
    seq INTEGER NOT NULL,
    updated_ns INTEGER NOT NULL,
    PRIMARY KEY (class, uuid)
);

CREATE INDEX IF NOT EXISTS idx_entities_position ON entities(updated_ns, seq);

-- One row per exchange, export or import
CREATE TABLE IF NOT EXISTS exchange_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    peer_id TEXT NOT NULL,
    direction TEXT NOT NULL,
    transmission_id TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL,
    sent INTEGER NOT NULL DEFAULT 0,
    received INTEGER NOT NULL DEFAULT 0,
    committed INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT '',
    started_ns INTEGER NOT NULL,
    finished_ns INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_exchange_history_peer ON exchange_history(peer_id, id);
`

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations is the list of all migrations in order
var Migrations = []Migration{
	{
		Version:     2,
		Description: "Add import record error messages",
		SQL:         `ALTER TABLE import_records ADD COLUMN error_message TEXT NOT NULL DEFAULT '';`,
	},
	{
		Version:     3,
		Description: "Add per-channel batch sizes to peers",
		SQL: `ALTER TABLE peers ADD COLUMN max_batch_web INTEGER NOT NULL DEFAULT 0;
ALTER TABLE peers ADD COLUMN max_batch_file INTEGER NOT NULL DEFAULT 0;`,
	},
}
