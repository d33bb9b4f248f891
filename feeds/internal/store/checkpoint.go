package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GetCheckpoint returns the checkpoint of a connector, or nil before its
// first committed run.
func (s *Store) GetCheckpoint(ctx context.Context, connectorID string) (*Checkpoint, error) {
	var cp Checkpoint
	err := s.DB.QueryRowContext(ctx,
		`SELECT connector_id, cursor, updated_at FROM checkpoints WHERE connector_id = ?`,
		connectorID).Scan(&cp.ConnectorID, &cp.Cursor, &cp.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}
	return &cp, nil
}

// UpsertCheckpoint stores the cursor of a connector.
func (s *Store) UpsertCheckpoint(ctx context.Context, connectorID, cursor string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO checkpoints (connector_id, cursor, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(connector_id) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at`,
		connectorID, cursor, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return nil
}
