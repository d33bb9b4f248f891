// Package audit records every state transition of an opportunity in an
// append-only SQLite table. Entries are written through the caller's
// transaction so an audit row exists if and only if the change it describes
// was committed.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/procura/idgen"
)

// ErrStoreUnavailable wraps every failure to read or append audit entries.
var ErrStoreUnavailable = errors.New("audit: store unavailable")

// Change kinds.
const (
	KindCreated        = "created"
	KindUpdated        = "updated"
	KindClosed         = "closed"
	KindReopenRejected = "reopen_rejected"
)

// FieldChange is one field of a diff.
type FieldChange struct {
	Field  string `json:"field"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// Entry is one audit record.
type Entry struct {
	Seq             int64         `json:"seq"`
	EntryID         string        `json:"entry_id"`
	CanonicalID     string        `json:"canonical_id"`
	ConnectorID     string        `json:"connector_id"`
	RunID           string        `json:"run_id"`
	PreviousVersion int64         `json:"previous_version"`
	NewVersion      int64         `json:"new_version"`
	ChangeKind      string        `json:"change_kind"`
	Diff            []FieldChange `json:"diff"`
	Fingerprint     string        `json:"fingerprint"`
	RecordedAt      int64         `json:"recorded_at"`
}

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
    seq              INTEGER PRIMARY KEY AUTOINCREMENT,
    entry_id         TEXT NOT NULL UNIQUE,
    canonical_id     TEXT NOT NULL,
    connector_id     TEXT NOT NULL,
    run_id           TEXT NOT NULL DEFAULT '',
    previous_version INTEGER NOT NULL,
    new_version      INTEGER NOT NULL,
    change_kind      TEXT NOT NULL,
    diff_json        TEXT NOT NULL DEFAULT '[]',
    fingerprint      TEXT NOT NULL DEFAULT '',
    recorded_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_canonical ON audit_log(canonical_id, seq);
CREATE INDEX IF NOT EXISTS idx_audit_connector ON audit_log(connector_id, seq DESC);

CREATE TRIGGER IF NOT EXISTS audit_log_no_update BEFORE UPDATE ON audit_log BEGIN
    SELECT RAISE(ABORT, 'audit_log is append-only');
END;
CREATE TRIGGER IF NOT EXISTS audit_log_no_delete BEFORE DELETE ON audit_log BEGIN
    SELECT RAISE(ABORT, 'audit_log is append-only');
END;
`

// Recorder appends and reads audit entries.
type Recorder struct {
	db    *sql.DB
	newID idgen.Generator
	now   func() time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithIDGenerator overrides the entry ID generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(r *Recorder) { r.newID = gen }
}

// WithClock overrides the clock used for recorded_at.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder creates a Recorder reading from db. Call Init before use.
func NewRecorder(db *sql.DB, opts ...Option) *Recorder {
	r := &Recorder{db: db, newID: idgen.Audit, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Init creates the audit_log table and its append-only triggers.
func (r *Recorder) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("%w: init: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Record appends e through ex, filling EntryID, RecordedAt and Seq.
func (r *Recorder) Record(ctx context.Context, ex Execer, e *Entry) error {
	if e.EntryID == "" {
		e.EntryID = r.newID()
	}
	if e.RecordedAt == 0 {
		e.RecordedAt = r.now().UnixMilli()
	}
	if e.Diff == nil {
		e.Diff = []FieldChange{}
	}
	diff, err := json.Marshal(e.Diff)
	if err != nil {
		return fmt.Errorf("audit: marshal diff: %w", err)
	}

	res, err := ex.ExecContext(ctx,
		`INSERT INTO audit_log (entry_id, canonical_id, connector_id, run_id,
		previous_version, new_version, change_kind, diff_json, fingerprint, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EntryID, e.CanonicalID, e.ConnectorID, e.RunID,
		e.PreviousVersion, e.NewVersion, e.ChangeKind, string(diff), e.Fingerprint, e.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: append %s for %s: %v", ErrStoreUnavailable, e.ChangeKind, e.CanonicalID, err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		e.Seq = seq
	}
	return nil
}

// Latest returns the newest entry for canonicalID read through ex, or nil.
func (r *Recorder) Latest(ctx context.Context, ex Execer, canonicalID string) (*Entry, error) {
	row := ex.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM audit_log WHERE canonical_id = ?
		ORDER BY seq DESC LIMIT 1`, canonicalID)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: latest: %v", ErrStoreUnavailable, err)
	}
	return e, nil
}

// History returns every entry for canonicalID in insertion order.
func (r *Recorder) History(ctx context.Context, canonicalID string) ([]*Entry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM audit_log WHERE canonical_id = ? ORDER BY seq ASC`,
		canonicalID)
	if err != nil {
		return nil, fmt.Errorf("%w: history: %v", ErrStoreUnavailable, err)
	}
	return collect(rows)
}

// Recent returns the newest entries, optionally for one connector.
func (r *Recorder) Recent(ctx context.Context, connectorID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + entryColumns + ` FROM audit_log`
	args := []any{}
	if connectorID != "" {
		q += ` WHERE connector_id = ?`
		args = append(args, connectorID)
	}
	q += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: recent: %v", ErrStoreUnavailable, err)
	}
	return collect(rows)
}

const entryColumns = `seq, entry_id, canonical_id, connector_id, run_id,
	previous_version, new_version, change_kind, diff_json, fingerprint, recorded_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (*Entry, error) {
	var e Entry
	var diff string
	if err := sc.Scan(&e.Seq, &e.EntryID, &e.CanonicalID, &e.ConnectorID, &e.RunID,
		&e.PreviousVersion, &e.NewVersion, &e.ChangeKind, &diff, &e.Fingerprint, &e.RecordedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(diff), &e.Diff); err != nil {
		return nil, fmt.Errorf("decode diff of %s: %w", e.EntryID, err)
	}
	return &e, nil
}

func collect(rows *sql.Rows) ([]*Entry, error) {
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrStoreUnavailable, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return out, nil
}
