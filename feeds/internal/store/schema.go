package store

import (
	"context"
	"database/sql"
)

// Schema is the procura schema for opportunities, checkpoints and runs.
// The audit_log table is owned by the audit recorder.
const Schema = `
CREATE TABLE IF NOT EXISTS opportunities (
    canonical_id      TEXT PRIMARY KEY,
    connector_id      TEXT NOT NULL,
    source_id         TEXT NOT NULL,
    title             TEXT NOT NULL,
    description       TEXT NOT NULL DEFAULT '',
    url               TEXT NOT NULL DEFAULT '',
    buyer             TEXT NOT NULL DEFAULT '',
    status            TEXT NOT NULL DEFAULT 'open',
    published_at      INTEGER,
    closes_at         INTEGER,
    source_updated_at INTEGER,
    fingerprint       TEXT NOT NULL,
    version           INTEGER NOT NULL DEFAULT 1,
    first_seen_at     INTEGER NOT NULL,
    last_seen_at      INTEGER NOT NULL,
    updated_at        INTEGER NOT NULL,
    UNIQUE(connector_id, source_id)
);
CREATE INDEX IF NOT EXISTS idx_opportunities_status ON opportunities(status, closes_at);
CREATE INDEX IF NOT EXISTS idx_opportunities_seen ON opportunities(connector_id, status, last_seen_at);

CREATE TRIGGER IF NOT EXISTS opportunities_no_delete BEFORE DELETE ON opportunities BEGIN
    SELECT RAISE(ABORT, 'opportunities are never deleted');
END;

CREATE TABLE IF NOT EXISTS checkpoints (
    connector_id TEXT PRIMARY KEY,
    cursor       TEXT NOT NULL DEFAULT '',
    updated_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
    run_id        TEXT PRIMARY KEY,
    connector_id  TEXT NOT NULL,
    trigger_kind  TEXT NOT NULL,
    status        TEXT NOT NULL,
    reason        TEXT NOT NULL DEFAULT '',
    attempts      INTEGER NOT NULL DEFAULT 0,
    fetched       INTEGER NOT NULL DEFAULT 0,
    created       INTEGER NOT NULL DEFAULT 0,
    updated       INTEGER NOT NULL DEFAULT 0,
    closed        INTEGER NOT NULL DEFAULT 0,
    noop          INTEGER NOT NULL DEFAULT 0,
    rejected      INTEGER NOT NULL DEFAULT 0,
    skipped       INTEGER NOT NULL DEFAULT 0,
    cursor_before TEXT NOT NULL DEFAULT '',
    cursor_after  TEXT NOT NULL DEFAULT '',
    started_at    INTEGER NOT NULL,
    finished_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_connector ON runs(connector_id, started_at DESC);
`

// ApplySchema creates all tables and indexes on the given database.
func ApplySchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, Schema)
	return err
}
