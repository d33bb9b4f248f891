package store

import (
	"context"
	"database/sql"
	"fmt"
)

const runColumns = `run_id, connector_id, trigger_kind, status, reason, attempts,
	fetched, created, updated, closed, noop, rejected, skipped,
	cursor_before, cursor_after, started_at, finished_at`

// InsertRun records a finished run.
func (s *Store) InsertRun(ctx context.Context, r *Run) error {
	c := r.Counters
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.ConnectorID, r.Trigger, r.Status, r.Reason, r.Attempts,
		c.Fetched, c.Created, c.Updated, c.Closed, c.Noop, c.Rejected, c.Skipped,
		r.CursorBefore, r.CursorAfter, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// ListRuns returns the runs of a connector, newest first.
func (s *Store) ListRuns(ctx context.Context, connectorID string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE connector_id = ?
		ORDER BY started_at DESC, rowid DESC LIMIT ?`, connectorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LastRun returns the most recent run of a connector, or nil.
func (s *Store) LastRun(ctx context.Context, connectorID string) (*Run, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE connector_id = ?
		ORDER BY started_at DESC, rowid DESC LIMIT 1`, connectorID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func scanRun(sc scanner) (*Run, error) {
	var r Run
	c := &r.Counters
	err := sc.Scan(&r.RunID, &r.ConnectorID, &r.Trigger, &r.Status, &r.Reason, &r.Attempts,
		&c.Fetched, &c.Created, &c.Updated, &c.Closed, &c.Noop, &c.Rejected, &c.Skipped,
		&r.CursorBefore, &r.CursorAfter, &r.StartedAt, &r.FinishedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	return &r, nil
}
