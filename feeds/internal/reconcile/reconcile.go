// Package reconcile decides, for every normalized listing of a batch,
// whether it creates, updates, closes or leaves alone a canonical
// opportunity, and applies that decision together with its audit entry.
//
// Decisions run inside the caller's batch transaction. Each one is wrapped
// in a savepoint so a version conflict can be undone and re-decided for that
// single record without discarding the rest of the batch.
package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/procura/feeds/internal/audit"
	"github.com/hazyhaar/procura/feeds/internal/normalize"
	"github.com/hazyhaar/procura/feeds/internal/store"
	"github.com/hazyhaar/procura/idgen"
)

// Decision is what reconciliation did with one listing.
type Decision string

const (
	Create         Decision = "create"
	Update         Decision = "update"
	Noop           Decision = "noop"
	Close          Decision = "close"
	ReopenRejected Decision = "reopen_rejected"
	Stale          Decision = "stale"
)

// DefaultMaxConflictRetries bounds re-decisions of one record.
const DefaultMaxConflictRetries = 3

// Repository is the opportunity store as seen from one transaction.
type Repository interface {
	GetBySource(ctx context.Context, connectorID, sourceID string) (*store.Opportunity, error)
	GetByCanonical(ctx context.Context, canonicalID string) (*store.Opportunity, error)
	Insert(ctx context.Context, o *store.Opportunity) error
	Update(ctx context.Context, o *store.Opportunity, expectedVersion int64) error
	Touch(ctx context.Context, canonicalID string, seenAt int64) error
	OpenNotSeenSince(ctx context.Context, connectorID string, cutoff int64) ([]*store.Opportunity, error)
}

// Batch is the input of one reconciliation.
type Batch struct {
	ConnectorID string
	RunID       string
	Listings    []*normalize.Listing
	// Present holds source IDs the provider listed but that failed
	// normalization. They count as seen so the sweep leaves them alone.
	Present   []string
	BatchTime time.Time
	// Snapshot enables the missing-listing sweep.
	Snapshot bool
	// Grace is how long an open opportunity may be absent from snapshots
	// before it expires. Zero disables expiry.
	Grace time.Duration
}

// Applied records one decision.
type Applied struct {
	SourceID    string   `json:"source_id"`
	CanonicalID string   `json:"canonical_id"`
	Decision    Decision `json:"decision"`
}

// Result tallies a reconciliation.
type Result struct {
	Created  int       `json:"created"`
	Updated  int       `json:"updated"`
	Closed   int       `json:"closed"`
	Expired  int       `json:"expired"` // subset of Closed
	Noop     int       `json:"noop"`
	Rejected int       `json:"rejected"`
	Stale    int       `json:"stale"`
	Applied  []Applied `json:"applied"`
}

func (r *Result) add(a Applied) {
	r.Applied = append(r.Applied, a)
	switch a.Decision {
	case Create:
		r.Created++
	case Update:
		r.Updated++
	case Close:
		r.Closed++
	case Noop:
		r.Noop++
	case ReopenRejected:
		r.Rejected++
	case Stale:
		r.Stale++
	}
}

// Reconciler applies batches. It holds no per-batch state and is safe for
// concurrent use by several connector workers.
type Reconciler struct {
	audit      *audit.Recorder
	newID      idgen.Generator
	maxRetries int
	repo       func(*sql.Tx) Repository
	logger     *slog.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithIDGenerator overrides the canonical ID generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(r *Reconciler) { r.newID = gen }
}

// WithMaxConflictRetries sets how many times one record is re-decided
// after a version conflict.
func WithMaxConflictRetries(n int) Option {
	return func(r *Reconciler) { r.maxRetries = n }
}

// WithRepository overrides how the transaction is wrapped into a Repository.
func WithRepository(fn func(*sql.Tx) Repository) Option {
	return func(r *Reconciler) { r.repo = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// New creates a Reconciler writing audit entries through rec.
func New(rec *audit.Recorder, opts ...Option) *Reconciler {
	r := &Reconciler{
		audit:      rec,
		newID:      idgen.Opportunity,
		maxRetries: DefaultMaxConflictRetries,
		repo:       func(tx *sql.Tx) Repository { return store.NewStore(tx) },
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.maxRetries < 0 {
		r.maxRetries = 0
	}
	return r
}

// Reconcile applies b inside tx, listings in received order, then sweeps
// missing listings when b is a snapshot. On error the caller must roll tx
// back; the returned Result is partial.
func (r *Reconciler) Reconcile(ctx context.Context, tx *sql.Tx, b Batch) (*Result, error) {
	repo := r.repo(tx)
	seen := b.BatchTime.UnixMilli()
	res := &Result{}

	for _, l := range b.Listings {
		a, err := r.withSavepoint(ctx, tx, l.SourceID, func() (Applied, error) {
			return r.decide(ctx, tx, repo, b, l, seen)
		})
		if err != nil {
			return res, err
		}
		res.add(a)
	}

	for _, sourceID := range b.Present {
		if err := r.markSeen(ctx, repo, b.ConnectorID, sourceID, seen); err != nil {
			return res, &Error{SourceID: sourceID, Err: err}
		}
	}

	if !b.Snapshot || b.Grace <= 0 {
		return res, nil
	}
	cutoff := b.BatchTime.Add(-b.Grace).UnixMilli()
	missing, err := repo.OpenNotSeenSince(ctx, b.ConnectorID, cutoff)
	if err != nil {
		return res, &Error{SourceID: "*", Err: fmt.Errorf("missing listings: %w", err)}
	}
	for _, m := range missing {
		canonicalID := m.CanonicalID
		a, err := r.withSavepoint(ctx, tx, m.SourceID, func() (Applied, error) {
			return r.expire(ctx, tx, repo, b, canonicalID, cutoff, seen)
		})
		if err != nil {
			return res, err
		}
		if a.Decision == Close {
			res.Expired++
			res.add(a)
		}
	}
	return res, nil
}

// markSeen bumps last_seen_at of a known opportunity without touching its
// content or version.
func (r *Reconciler) markSeen(ctx context.Context, repo Repository, connectorID, sourceID string, seen int64) error {
	cur, err := repo.GetBySource(ctx, connectorID, sourceID)
	if err != nil || cur == nil {
		return err
	}
	if cur.LastSeenAt >= seen {
		return nil
	}
	return repo.Touch(ctx, cur.CanonicalID, seen)
}

// withSavepoint runs fn inside a savepoint, re-running it after a version
// conflict up to maxRetries times.
func (r *Reconciler) withSavepoint(ctx context.Context, tx *sql.Tx, sourceID string, fn func() (Applied, error)) (Applied, error) {
	for attempt := 0; ; attempt++ {
		if _, err := tx.ExecContext(ctx, "SAVEPOINT reconcile_item"); err != nil {
			return Applied{}, &Error{SourceID: sourceID, Err: fmt.Errorf("savepoint: %w", err)}
		}
		a, err := fn()
		if err == nil {
			if _, err := tx.ExecContext(ctx, "RELEASE reconcile_item"); err != nil {
				return Applied{}, &Error{SourceID: sourceID, Err: fmt.Errorf("release savepoint: %w", err)}
			}
			return a, nil
		}

		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO reconcile_item"); rbErr != nil {
			return Applied{}, &Error{SourceID: sourceID, Err: errors.Join(err, rbErr)}
		}
		if _, relErr := tx.ExecContext(ctx, "RELEASE reconcile_item"); relErr != nil {
			return Applied{}, &Error{SourceID: sourceID, Err: errors.Join(err, relErr)}
		}
		if !errors.Is(err, store.ErrVersionConflict) || attempt >= r.maxRetries {
			return Applied{}, &Error{SourceID: sourceID, Err: err}
		}
		r.logger.WarnContext(ctx, "reconcile: version conflict, re-deciding",
			"source_id", sourceID, "attempt", attempt+1, "max_retries", r.maxRetries)
	}
}

func (r *Reconciler) decide(ctx context.Context, tx *sql.Tx, repo Repository, b Batch, l *normalize.Listing, seen int64) (Applied, error) {
	cur, err := repo.GetBySource(ctx, b.ConnectorID, l.SourceID)
	if err != nil {
		return Applied{}, err
	}
	if cur == nil {
		return r.create(ctx, tx, repo, b, l, seen)
	}
	a := Applied{SourceID: l.SourceID, CanonicalID: cur.CanonicalID}

	if !l.ModifiedAt.IsZero() && cur.SourceUpdatedAt != nil && l.ModifiedAt.UnixMilli() < *cur.SourceUpdatedAt {
		a.Decision = Stale
		return a, repo.Touch(ctx, cur.CanonicalID, seen)
	}

	storedTerminal := store.IsTerminal(cur.Status)
	incomingTerminal := store.IsTerminal(l.Status)

	switch {
	case storedTerminal && !incomingTerminal:
		return r.rejectReopen(ctx, tx, repo, b, cur, l, seen)

	case !storedTerminal && incomingTerminal:
		next := merge(cur, l, seen)
		next.Status = l.Status
		a.Decision = Close
		return a, r.write(ctx, tx, repo, b, cur, next, audit.KindClosed, l.Fingerprint)

	case cur.Fingerprint == l.Fingerprint:
		a.Decision = Noop
		return a, repo.Touch(ctx, cur.CanonicalID, seen)

	default:
		// Content changed; status stays as stored (open/open or a
		// terminal record receiving a late correction).
		next := merge(cur, l, seen)
		a.Decision = Update
		return a, r.write(ctx, tx, repo, b, cur, next, audit.KindUpdated, l.Fingerprint)
	}
}

func (r *Reconciler) create(ctx context.Context, tx *sql.Tx, repo Repository, b Batch, l *normalize.Listing, seen int64) (Applied, error) {
	o := &store.Opportunity{
		CanonicalID:     r.newID(),
		ConnectorID:     b.ConnectorID,
		SourceID:        l.SourceID,
		Title:           l.Title,
		Description:     l.Description,
		URL:             l.URL,
		Buyer:           l.Buyer,
		Status:          l.Status,
		PublishedAt:     millis(l.PublishedAt),
		ClosesAt:        millis(l.ClosesAt),
		SourceUpdatedAt: millis(l.ModifiedAt),
		Fingerprint:     l.Fingerprint,
		Version:         1,
		FirstSeenAt:     seen,
		LastSeenAt:      seen,
		UpdatedAt:       seen,
	}
	if err := repo.Insert(ctx, o); err != nil {
		return Applied{}, err
	}
	err := r.audit.Record(ctx, tx, &audit.Entry{
		CanonicalID:     o.CanonicalID,
		ConnectorID:     b.ConnectorID,
		RunID:           b.RunID,
		PreviousVersion: 0,
		NewVersion:      1,
		ChangeKind:      audit.KindCreated,
		Diff:            Diff(nil, o),
		Fingerprint:     l.Fingerprint,
	})
	return Applied{SourceID: l.SourceID, CanonicalID: o.CanonicalID, Decision: Create}, err
}

// rejectReopen records a refused reopening once per distinct incoming
// fingerprint, so replaying the same batch adds no audit entries.
func (r *Reconciler) rejectReopen(ctx context.Context, tx *sql.Tx, repo Repository, b Batch, cur *store.Opportunity, l *normalize.Listing, seen int64) (Applied, error) {
	a := Applied{SourceID: l.SourceID, CanonicalID: cur.CanonicalID, Decision: ReopenRejected}
	if err := repo.Touch(ctx, cur.CanonicalID, seen); err != nil {
		return Applied{}, err
	}

	latest, err := r.audit.Latest(ctx, tx, cur.CanonicalID)
	if err != nil {
		return Applied{}, err
	}
	if latest != nil && latest.ChangeKind == audit.KindReopenRejected && latest.Fingerprint == l.Fingerprint {
		a.Decision = Noop
		return a, nil
	}

	proposed := merge(cur, l, seen)
	proposed.Status = l.Status
	r.logger.InfoContext(ctx, "reconcile: reopen rejected",
		"canonical_id", cur.CanonicalID, "source_id", l.SourceID, "status", cur.Status)
	return a, r.audit.Record(ctx, tx, &audit.Entry{
		CanonicalID:     cur.CanonicalID,
		ConnectorID:     b.ConnectorID,
		RunID:           b.RunID,
		PreviousVersion: cur.Version,
		NewVersion:      cur.Version,
		ChangeKind:      audit.KindReopenRejected,
		Diff:            Diff(cur, proposed),
		Fingerprint:     l.Fingerprint,
	})
}

// expire closes one opportunity that went missing from snapshots. The
// record is re-read so a conflict retry sees the latest state.
func (r *Reconciler) expire(ctx context.Context, tx *sql.Tx, repo Repository, b Batch, canonicalID string, cutoff, seen int64) (Applied, error) {
	cur, err := repo.GetByCanonical(ctx, canonicalID)
	if err != nil {
		return Applied{}, err
	}
	if cur == nil || cur.Status != store.StatusOpen || cur.LastSeenAt >= cutoff {
		a := Applied{CanonicalID: canonicalID, Decision: Noop}
		if cur != nil {
			a.SourceID = cur.SourceID
		}
		return a, nil
	}
	next := *cur
	next.Status = store.StatusExpired
	next.UpdatedAt = seen
	return Applied{SourceID: cur.SourceID, CanonicalID: canonicalID, Decision: Close},
		r.write(ctx, tx, repo, b, cur, &next, audit.KindClosed, cur.Fingerprint)
}

// write stores next conditional on cur's version and appends its audit entry.
func (r *Reconciler) write(ctx context.Context, tx *sql.Tx, repo Repository, b Batch, cur, next *store.Opportunity, kind, fingerprint string) error {
	if err := repo.Update(ctx, next, cur.Version); err != nil {
		return err
	}
	return r.audit.Record(ctx, tx, &audit.Entry{
		CanonicalID:     cur.CanonicalID,
		ConnectorID:     b.ConnectorID,
		RunID:           b.RunID,
		PreviousVersion: cur.Version,
		NewVersion:      next.Version,
		ChangeKind:      kind,
		Diff:            Diff(cur, next),
		Fingerprint:     fingerprint,
	})
}

// merge returns cur with the listing's content applied. Status is left to
// the caller.
func merge(cur *store.Opportunity, l *normalize.Listing, seen int64) *store.Opportunity {
	next := *cur
	next.Title = l.Title
	next.Description = l.Description
	next.URL = l.URL
	next.Buyer = l.Buyer
	next.PublishedAt = millis(l.PublishedAt)
	next.ClosesAt = millis(l.ClosesAt)
	if !l.ModifiedAt.IsZero() {
		next.SourceUpdatedAt = millis(l.ModifiedAt)
	}
	next.Fingerprint = l.Fingerprint
	if seen > next.LastSeenAt {
		next.LastSeenAt = seen
	}
	next.UpdatedAt = seen
	return &next
}
