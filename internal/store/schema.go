package store

import "database/sql"

// Schema is the complete tableau schema. Records are keyed by
// (source_id, id) with secondary indexes by source and by the two
// timestamp columns, so unfiltered windows and counts stay index-served.
const Schema = `
-- Source descriptors
CREATE TABLE IF NOT EXISTS sources (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL,
    kind            TEXT NOT NULL DEFAULT 'imported',
    sync_state      TEXT NOT NULL DEFAULT 'never',
    sync_error      TEXT NOT NULL DEFAULT '',
    last_synced_at  INTEGER,
    record_count    INTEGER NOT NULL DEFAULT 0,
    schema_json     TEXT NOT NULL DEFAULT '{}',
    api_config_json TEXT NOT NULL DEFAULT '{}',
    derivation_json TEXT NOT NULL DEFAULT '{}',
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sources_name_unique ON sources(name);

-- Records, keyed by (source_id, id)
CREATE TABLE IF NOT EXISTS records (
    source_id  TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
    id         TEXT NOT NULL,
    payload    TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (source_id, id)
);
CREATE INDEX IF NOT EXISTS idx_records_source  ON records(source_id);
CREATE INDEX IF NOT EXISTS idx_records_created ON records(source_id, created_at);
CREATE INDEX IF NOT EXISTS idx_records_updated ON records(source_id, updated_at);

-- Saved live-query specs
CREATE TABLE IF NOT EXISTS queries (
    id         TEXT PRIMARY KEY,
    source_id  TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
    name       TEXT NOT NULL DEFAULT '',
    spec_json  TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queries_source ON queries(source_id);

-- Refresh log (observability)
CREATE TABLE IF NOT EXISTS refresh_log (
    id            TEXT PRIMARY KEY,
    source_id     TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
    status        TEXT NOT NULL,
    error_message TEXT NOT NULL DEFAULT '',
    added         INTEGER NOT NULL DEFAULT 0,
    updated       INTEGER NOT NULL DEFAULT 0,
    duration_ms   INTEGER NOT NULL DEFAULT 0,
    refreshed_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_refresh_log_source ON refresh_log(source_id, refreshed_at DESC);
`

// Migration001ServerClock adds the origin server clock used for delta
// fetches. NULL-safe default 0 means "never synced, fetch everything".
const Migration001ServerClock = `
ALTER TABLE sources ADD COLUMN server_clock INTEGER NOT NULL DEFAULT 0;
`

// ApplySchema creates all tables and indexes on the given database.
func ApplySchema(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return err
	}
	applyColumnMigration(db, "sources", "server_clock", Migration001ServerClock)
	return nil
}

// applyColumnMigration adds a column if it doesn't exist (idempotent).
func applyColumnMigration(db *sql.DB, table, column, ddl string) {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&count)
	if err != nil || count > 0 {
		return
	}
	db.Exec(ddl)
}
