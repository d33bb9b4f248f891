package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const opportunityColumns = `canonical_id, connector_id, source_id, title, description, url, buyer,
	status, published_at, closes_at, source_updated_at, fingerprint, version,
	first_seen_at, last_seen_at, updated_at`

// GetBySource returns the opportunity for (connectorID, sourceID), or nil.
func (s *Store) GetBySource(ctx context.Context, connectorID, sourceID string) (*Opportunity, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+opportunityColumns+` FROM opportunities
		WHERE connector_id = ? AND source_id = ?`, connectorID, sourceID)
	return scanOpportunity(row)
}

// GetByCanonical returns the opportunity with the given canonical ID, or nil.
func (s *Store) GetByCanonical(ctx context.Context, canonicalID string) (*Opportunity, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+opportunityColumns+` FROM opportunities WHERE canonical_id = ?`, canonicalID)
	return scanOpportunity(row)
}

// Insert adds a new opportunity. Version defaults to 1.
func (s *Store) Insert(ctx context.Context, o *Opportunity) error {
	now := time.Now().UnixMilli()
	if o.Version == 0 {
		o.Version = 1
	}
	if o.FirstSeenAt == 0 {
		o.FirstSeenAt = now
	}
	if o.LastSeenAt == 0 {
		o.LastSeenAt = o.FirstSeenAt
	}
	if o.UpdatedAt == 0 {
		o.UpdatedAt = now
	}
	if o.Status == "" {
		o.Status = StatusOpen
	}

	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO opportunities (`+opportunityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.CanonicalID, o.ConnectorID, o.SourceID, o.Title, o.Description, o.URL, o.Buyer,
		o.Status, o.PublishedAt, o.ClosesAt, o.SourceUpdatedAt, o.Fingerprint, o.Version,
		o.FirstSeenAt, o.LastSeenAt, o.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s/%s", ErrDuplicateSource, o.ConnectorID, o.SourceID)
		}
		return fmt.Errorf("insert opportunity: %w", err)
	}
	return nil
}

// Update writes every mutable field of o, conditional on the stored version
// still being expectedVersion. On success o.Version is expectedVersion+1.
// Identity fields (canonical_id, connector_id, source_id, first_seen_at) are
// never rewritten.
func (s *Store) Update(ctx context.Context, o *Opportunity, expectedVersion int64) error {
	if o.UpdatedAt == 0 {
		o.UpdatedAt = time.Now().UnixMilli()
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE opportunities SET title=?, description=?, url=?, buyer=?, status=?,
		published_at=?, closes_at=?, source_updated_at=?, fingerprint=?,
		version=version+1, last_seen_at=?, updated_at=?
		WHERE canonical_id=? AND version=?`,
		o.Title, o.Description, o.URL, o.Buyer, o.Status,
		o.PublishedAt, o.ClosesAt, o.SourceUpdatedAt, o.Fingerprint,
		o.LastSeenAt, o.UpdatedAt,
		o.CanonicalID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update opportunity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update opportunity: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s expected v%d", ErrVersionConflict, o.CanonicalID, expectedVersion)
	}
	o.Version = expectedVersion + 1
	return nil
}

// Touch records that an opportunity was seen at seenAt without changing its
// version. last_seen_at never moves backwards.
func (s *Store) Touch(ctx context.Context, canonicalID string, seenAt int64) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE opportunities SET last_seen_at = MAX(last_seen_at, ?) WHERE canonical_id = ?`,
		seenAt, canonicalID)
	if err != nil {
		return fmt.Errorf("touch opportunity: %w", err)
	}
	return nil
}

// OpenNotSeenSince returns open opportunities of a connector whose
// last_seen_at is strictly before cutoff.
func (s *Store) OpenNotSeenSince(ctx context.Context, connectorID string, cutoff int64) ([]*Opportunity, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+opportunityColumns+` FROM opportunities
		WHERE connector_id = ? AND status = 'open' AND last_seen_at < ?
		ORDER BY last_seen_at ASC, canonical_id ASC`, connectorID, cutoff)
	if err != nil {
		return nil, err
	}
	return collectOpportunities(rows)
}

// List returns opportunities matching f, most recently updated first.
func (s *Store) List(ctx context.Context, f Filter) ([]*Opportunity, error) {
	var (
		where []string
		args  []any
	)
	if f.ConnectorID != "" {
		where = append(where, "connector_id = ?")
		args = append(args, f.ConnectorID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Query != "" {
		where = append(where, "(title LIKE ? OR buyer LIKE ?)")
		like := "%" + f.Query + "%"
		args = append(args, like, like)
	}
	if f.ClosesBefore > 0 {
		where = append(where, "closes_at IS NOT NULL AND closes_at < ?")
		args = append(args, f.ClosesBefore)
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}

	q := `SELECT ` + opportunityColumns + ` FROM opportunities`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY updated_at DESC, canonical_id ASC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collectOpportunities(rows)
}

// Stats returns opportunity counts, optionally limited to one connector.
func (s *Store) Stats(ctx context.Context, connectorID string) (*Stats, error) {
	q := `SELECT status, COUNT(*) FROM opportunities`
	var args []any
	if connectorID != "" {
		q += ` WHERE connector_id = ?`
		args = append(args, connectorID)
	}
	q += ` GROUP BY status`

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	st := &Stats{ByStatus: map[string]int{}}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		st.ByStatus[status] = n
		st.Total += n
	}
	return st, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOpportunity(row *sql.Row) (*Opportunity, error) {
	o, err := scanOpportunityFrom(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan opportunity: %w", err)
	}
	return o, nil
}

func scanOpportunityFrom(sc scanner) (*Opportunity, error) {
	var o Opportunity
	var published, closes, srcUpdated sql.NullInt64
	err := sc.Scan(
		&o.CanonicalID, &o.ConnectorID, &o.SourceID, &o.Title, &o.Description, &o.URL, &o.Buyer,
		&o.Status, &published, &closes, &srcUpdated, &o.Fingerprint, &o.Version,
		&o.FirstSeenAt, &o.LastSeenAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.PublishedAt = nullInt(published)
	o.ClosesAt = nullInt(closes)
	o.SourceUpdatedAt = nullInt(srcUpdated)
	return &o, nil
}

func collectOpportunities(rows *sql.Rows) ([]*Opportunity, error) {
	defer rows.Close()
	var out []*Opportunity
	for rows.Next() {
		o, err := scanOpportunityFrom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan opportunity: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func nullInt(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
