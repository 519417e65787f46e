package kvstore

// SQL schema for the generic KV table backing every component.

const schemaKVRecords = `
CREATE TABLE IF NOT EXISTS kv_records (
    key TEXT PRIMARY KEY,
    value BLOB NOT NULL,
    version TEXT NOT NULL DEFAULT '',
    kind TEXT NOT NULL DEFAULT '',
    ts INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_kv_records_kind ON kv_records(kind);
CREATE INDEX IF NOT EXISTS idx_kv_records_ts ON kv_records(ts);
`

const schemaMigrations = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);
`

// allSchemas is the ordered list of schema DDL statements forming the
// initial (version-1) database layout.
var allSchemas = []string{
	schemaKVRecords,
	schemaMigrations,
}
