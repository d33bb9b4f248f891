package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/procura/dbopen"
	"github.com/hazyhaar/procura/feeds/internal/audit"
	"github.com/hazyhaar/procura/feeds/internal/connector"
	"github.com/hazyhaar/procura/feeds/internal/normalize"
	"github.com/hazyhaar/procura/feeds/internal/store"
	"github.com/hazyhaar/procura/idgen"
)

type harness struct {
	t     *testing.T
	db    *sql.DB
	store *store.Store
	audit *audit.Recorder
	rec   *Reconciler
	norm  *normalize.Normalizer
}

func setup(t *testing.T, opts ...Option) *harness {
	t.Helper()
	ctx := context.Background()
	db := dbopen.OpenMemory(t)
	if err := store.ApplySchema(ctx, db); err != nil {
		t.Fatal(err)
	}
	rec := audit.NewRecorder(db)
	if err := rec.Init(ctx); err != nil {
		t.Fatal(err)
	}
	opts = append([]Option{WithIDGenerator(idgen.Sequence("opp-"))}, opts...)
	return &harness{
		t:     t,
		db:    db,
		store: store.NewStore(db),
		audit: rec,
		rec:   New(rec, opts...),
		norm:  normalize.New(),
	}
}

func (h *harness) listing(r connector.RawListing) *normalize.Listing {
	h.t.Helper()
	l, err := h.norm.Normalize(r, "ted")
	if err != nil {
		h.t.Fatalf("normalize: %v", err)
	}
	return l
}

// run reconciles one batch in its own transaction and commits it.
func (h *harness) run(at time.Time, snapshot bool, grace time.Duration, raws ...connector.RawListing) *Result {
	h.t.Helper()
	res, err := h.try(at, snapshot, grace, raws...)
	if err != nil {
		h.t.Fatalf("reconcile: %v", err)
	}
	return res
}

func (h *harness) try(at time.Time, snapshot bool, grace time.Duration, raws ...connector.RawListing) (*Result, error) {
	h.t.Helper()
	b := Batch{ConnectorID: "ted", RunID: "run-1", BatchTime: at, Snapshot: snapshot, Grace: grace}
	for _, r := range raws {
		b.Listings = append(b.Listings, h.listing(r))
	}
	return h.apply(b)
}

func (h *harness) apply(b Batch) (*Result, error) {
	h.t.Helper()
	ctx := context.Background()
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		h.t.Fatal(err)
	}
	res, err := h.rec.Reconcile(ctx, tx, b)
	if err != nil {
		tx.Rollback()
		return res, err
	}
	if err := tx.Commit(); err != nil {
		h.t.Fatal(err)
	}
	return res, nil
}

func (h *harness) get(sourceID string) *store.Opportunity {
	h.t.Helper()
	o, err := h.store.GetBySource(context.Background(), "ted", sourceID)
	if err != nil || o == nil {
		h.t.Fatalf("get %s: %v, %v", sourceID, o, err)
	}
	return o
}

func (h *harness) history(canonicalID string) []*audit.Entry {
	h.t.Helper()
	hist, err := h.audit.History(context.Background(), canonicalID)
	if err != nil {
		h.t.Fatal(err)
	}
	return hist
}

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func tender(id, title string) connector.RawListing {
	return connector.RawListing{
		SourceID:    id,
		Title:       title,
		Description: "Resurfacing of route 9",
		ClosesAt:    "2026-04-30T17:00:00Z",
	}
}

func TestCreateThenReplayIsNoop(t *testing.T) {
	// WHAT: a new listing creates v1 with a created entry; replaying the
	// same batch changes nothing and writes no audit entry.
	// WHY: reconciliation must be idempotent.
	h := setup(t)
	res := h.run(t0, false, 0, tender("A", "Road maintenance"))
	if res.Created != 1 {
		t.Fatalf("created: got %d", res.Created)
	}
	o := h.get("A")
	if o.Version != 1 || o.Status != store.StatusOpen || o.CanonicalID != "opp-000001" {
		t.Fatalf("created record: %+v", o)
	}
	hist := h.history(o.CanonicalID)
	if len(hist) != 1 || hist[0].ChangeKind != audit.KindCreated || hist[0].NewVersion != 1 || hist[0].PreviousVersion != 0 {
		t.Fatalf("created audit: %+v", hist)
	}

	res = h.run(t0.Add(time.Hour), false, 0, tender("A", "  ROAD maintenance "))
	if res.Noop != 1 {
		t.Fatalf("replay should be a noop, got %+v", res)
	}
	o = h.get("A")
	if o.Version != 1 {
		t.Fatalf("version after noop: got %d", o.Version)
	}
	if o.LastSeenAt != t0.Add(time.Hour).UnixMilli() {
		t.Fatalf("noop must touch last_seen_at")
	}
	if n := len(h.history(o.CanonicalID)); n != 1 {
		t.Fatalf("audit entries after replay: got %d, want 1", n)
	}
}

func TestUpdate_BumpsVersionWithDiff(t *testing.T) {
	h := setup(t)
	h.run(t0, false, 0, tender("A", "Road maintenance"))

	changed := tender("A", "Road maintenance")
	changed.Description = "Resurfacing of route 9 and route 12"
	res := h.run(t0.Add(time.Hour), false, 0, changed)
	if res.Updated != 1 {
		t.Fatalf("updated: got %+v", res)
	}

	o := h.get("A")
	if o.Version != 2 {
		t.Fatalf("version: got %d, want 2", o.Version)
	}
	hist := h.history(o.CanonicalID)
	last := hist[len(hist)-1]
	if last.ChangeKind != audit.KindUpdated || last.PreviousVersion != 1 || last.NewVersion != 2 {
		t.Fatalf("update audit: %+v", last)
	}
	if len(last.Diff) != 1 || last.Diff[0].Field != "description" {
		t.Fatalf("diff: %+v", last.Diff)
	}
}

func TestIncomingTerminalCloses(t *testing.T) {
	h := setup(t)
	h.run(t0, false, 0, tender("A", "Road maintenance"))

	awarded := tender("A", "Road maintenance")
	awarded.Status = "awarded"
	res := h.run(t0.Add(time.Hour), false, 0, awarded)
	if res.Closed != 1 {
		t.Fatalf("closed: got %+v", res)
	}
	o := h.get("A")
	if o.Status != store.StatusClosed || o.Version != 2 {
		t.Fatalf("closed record: status=%s version=%d", o.Status, o.Version)
	}
	last := h.history(o.CanonicalID)[1]
	if last.ChangeKind != audit.KindClosed {
		t.Fatalf("kind: got %s", last.ChangeKind)
	}
}

func TestReopenRejected_OncePerFingerprint(t *testing.T) {
	// WHAT: an open listing for a closed opportunity is rejected without a
	// version change, audited once, and audited again only for new content.
	// WHY: status is monotone and replays must not grow the trail.
	h := setup(t)
	cancelled := tender("A", "Road maintenance")
	cancelled.Status = "cancelled"
	h.run(t0, false, 0, cancelled)
	o := h.get("A")

	res := h.run(t0.Add(time.Hour), false, 0, tender("A", "Road maintenance"))
	if res.Rejected != 1 {
		t.Fatalf("rejected: got %+v", res)
	}
	o = h.get("A")
	if o.Status != store.StatusCancelled || o.Version != 1 {
		t.Fatalf("record changed: status=%s version=%d", o.Status, o.Version)
	}
	hist := h.history(o.CanonicalID)
	if len(hist) != 2 {
		t.Fatalf("audit entries: got %d, want 2", len(hist))
	}
	rej := hist[1]
	if rej.ChangeKind != audit.KindReopenRejected || rej.PreviousVersion != rej.NewVersion {
		t.Fatalf("reopen entry: %+v", rej)
	}

	h.run(t0.Add(2*time.Hour), false, 0, tender("A", "Road maintenance"))
	if n := len(h.history(o.CanonicalID)); n != 2 {
		t.Fatalf("replayed reopen must not be audited again, got %d entries", n)
	}

	h.run(t0.Add(3*time.Hour), false, 0, tender("A", "Road maintenance (revised)"))
	if n := len(h.history(o.CanonicalID)); n != 3 {
		t.Fatalf("new reopen content should be audited, got %d entries", n)
	}
}

func TestTerminalContentCorrection(t *testing.T) {
	h := setup(t)
	closed := tender("A", "Road maintenance")
	closed.Status = "closed"
	h.run(t0, false, 0, closed)

	corrected := tender("A", "Road maintenance - award notice")
	corrected.Status = "expired"
	res := h.run(t0.Add(time.Hour), false, 0, corrected)
	if res.Updated != 1 {
		t.Fatalf("updated: got %+v", res)
	}
	o := h.get("A")
	if o.Status != store.StatusClosed {
		t.Fatalf("terminal status must not change, got %s", o.Status)
	}
	if o.Title != "Road maintenance - award notice" || o.Version != 2 {
		t.Fatalf("content not updated: %+v", o)
	}
}

func TestStaleDeliveryIgnored(t *testing.T) {
	h := setup(t)
	newer := tender("A", "Road maintenance v2")
	newer.ModifiedAt = "2026-03-01T10:00:00Z"
	h.run(t0, false, 0, newer)

	older := tender("A", "Road maintenance v1")
	older.ModifiedAt = "2026-03-01T09:00:00Z"
	res := h.run(t0.Add(time.Hour), false, 0, older)
	if res.Stale != 1 {
		t.Fatalf("stale: got %+v", res)
	}
	if o := h.get("A"); o.Title != "Road maintenance v2" || o.Version != 1 {
		t.Fatalf("stale delivery applied: %+v", o)
	}
}

func TestSnapshotExpiresMissing(t *testing.T) {
	// WHAT: an open opportunity absent from snapshots for longer than the
	// grace period expires; deltas and a zero grace never expire anything.
	// WHY: providers delete closed tenders instead of marking them.
	h := setup(t)
	h.run(t0, true, time.Hour, tender("A", "Road maintenance"), tender("B", "School catering"))

	// Delta without B: no sweep.
	h.run(t0.Add(3*time.Hour), false, time.Hour, tender("A", "Road maintenance"))
	if o := h.get("B"); o.Status != store.StatusOpen {
		t.Fatalf("delta batch expired B")
	}

	// Snapshot with grace 0: no sweep.
	h.run(t0.Add(3*time.Hour), true, 0, tender("A", "Road maintenance"))
	if o := h.get("B"); o.Status != store.StatusOpen {
		t.Fatalf("zero grace expired B")
	}

	res := h.run(t0.Add(3*time.Hour), true, time.Hour, tender("A", "Road maintenance"))
	if res.Expired != 1 || res.Closed != 1 {
		t.Fatalf("expired: got %+v", res)
	}
	b := h.get("B")
	if b.Status != store.StatusExpired || b.Version != 2 {
		t.Fatalf("B: status=%s version=%d", b.Status, b.Version)
	}
	last := h.history(b.CanonicalID)[1]
	if last.ChangeKind != audit.KindClosed || last.Diff[0].After != store.StatusExpired {
		t.Fatalf("expiry audit: %+v", last)
	}
	if a := h.get("A"); a.Status != store.StatusOpen {
		t.Fatalf("A expired although listed")
	}
}

func TestPresentButUnparsedNotExpired(t *testing.T) {
	// WHAT: a source ID the provider still lists but that failed
	// normalization is marked seen and survives the sweep.
	// WHY: a malformed sighting is skipped, never treated as a removal.
	h := setup(t)
	h.run(t0, true, time.Hour, tender("A", "Road maintenance"), tender("B", "School catering"))

	at := t0.Add(3 * time.Hour)
	res, err := h.apply(Batch{
		ConnectorID: "ted",
		RunID:       "run-2",
		Listings:    []*normalize.Listing{h.listing(tender("A", "Road maintenance"))},
		Present:     []string{"B", "unknown"},
		BatchTime:   at,
		Snapshot:    true,
		Grace:       time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Closed != 0 || res.Noop != 1 {
		t.Fatalf("result: %+v", res)
	}
	b := h.get("B")
	if b.Status != store.StatusOpen || b.Version != 1 || b.LastSeenAt != at.UnixMilli() {
		t.Fatalf("B: status=%s version=%d last_seen=%d", b.Status, b.Version, b.LastSeenAt)
	}

	// A valid sighting later still updates normally.
	res = h.run(at.Add(time.Hour), true, time.Hour, tender("A", "Road maintenance"), tender("B", "School catering (lot 2)"))
	if res.Updated != 1 || res.Rejected != 0 {
		t.Fatalf("later sighting: %+v", res)
	}
}

// sweepAllRepo reports every open opportunity as missing, whatever its
// last sighting.
type sweepAllRepo struct {
	Repository
}

func (s sweepAllRepo) OpenNotSeenSince(ctx context.Context, connectorID string, cutoff int64) ([]*store.Opportunity, error) {
	return s.Repository.OpenNotSeenSince(ctx, connectorID, 1<<62)
}

func TestSweep_RecheckedRecordsNotCounted(t *testing.T) {
	// WHAT: a swept record found fresh on re-read is left out of the result.
	// WHY: noop counts must only cover listings of the batch.
	h := setup(t, WithRepository(func(tx *sql.Tx) Repository {
		return sweepAllRepo{store.NewStore(tx)}
	}))
	h.run(t0, true, time.Hour, tender("A", "Road maintenance"))

	res := h.run(t0.Add(3*time.Hour), true, time.Hour, tender("A", "Road maintenance"))
	if res.Noop != 1 || res.Closed != 0 || len(res.Applied) != 1 {
		t.Fatalf("result: %+v", res)
	}
	if a := h.get("A"); a.Status != store.StatusOpen {
		t.Fatalf("A: status=%s", a.Status)
	}
}

func TestConcurrentReconcile_SingleRecordPerVersion(t *testing.T) {
	// WHAT: several transactions reconciling the same source at once end
	// with one record and one audit entry per version.
	// WHY: connector runs overlap in production; versions must stay unique.
	ctx := context.Background()
	db := dbopen.OpenTemp(t)
	db.SetMaxOpenConns(8)
	if err := store.ApplySchema(ctx, db); err != nil {
		t.Fatal(err)
	}
	auditRec := audit.NewRecorder(db)
	if err := auditRec.Init(ctx); err != nil {
		t.Fatal(err)
	}
	rec := New(auditRec)
	norm := normalize.New()

	const workers = 8
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := norm.Normalize(tender("A", fmt.Sprintf("Road maintenance (lot %d)", i)), "ted")
			if err != nil {
				errs <- err
				return
			}
			errs <- dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
				_, err := rec.Reconcile(ctx, tx, Batch{
					ConnectorID: "ted",
					RunID:       fmt.Sprintf("run-%d", i),
					Listings:    []*normalize.Listing{l},
					BatchTime:   t0.Add(time.Duration(i) * time.Minute),
				})
				return err
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("reconcile: %v", err)
		}
	}

	var rows int
	db.QueryRow(`SELECT COUNT(*) FROM opportunities WHERE connector_id = 'ted' AND source_id = 'A'`).Scan(&rows)
	if rows != 1 {
		t.Fatalf("records: got %d, want 1", rows)
	}
	var dup int
	db.QueryRow(`SELECT COUNT(*) FROM (
		SELECT canonical_id, new_version FROM audit_log
		GROUP BY canonical_id, new_version HAVING COUNT(*) > 1)`).Scan(&dup)
	if dup != 0 {
		t.Fatalf("duplicate versions in audit_log: %d", dup)
	}
	var maxVersion, entries int64
	db.QueryRow(`SELECT version FROM opportunities WHERE source_id = 'A'`).Scan(&maxVersion)
	db.QueryRow(`SELECT COUNT(*) FROM audit_log`).Scan(&entries)
	if entries != maxVersion {
		t.Fatalf("audit entries %d, final version %d", entries, maxVersion)
	}
}

func TestDuplicateSourceInBatch(t *testing.T) {
	h := setup(t)
	res := h.run(t0, false, 0, tender("A", "First title"), tender("A", "Second title"))
	if res.Created != 1 || res.Updated != 1 {
		t.Fatalf("result: %+v", res)
	}
	if o := h.get("A"); o.Title != "Second title" || o.Version != 2 {
		t.Fatalf("record: %+v", o)
	}
}

// conflictingRepo fails the first n Update calls with a version conflict.
type conflictingRepo struct {
	Repository
	remaining int
}

func (c *conflictingRepo) Update(ctx context.Context, o *store.Opportunity, expected int64) error {
	if c.remaining > 0 {
		c.remaining--
		return store.ErrVersionConflict
	}
	return c.Repository.Update(ctx, o, expected)
}

func TestVersionConflict_RetriedOnce(t *testing.T) {
	// WHAT: a conflict rolls back to the savepoint and re-decides the record.
	// WHY: the retry must not leave a duplicate or orphan audit entry.
	conflicts := &conflictingRepo{}
	h := setup(t, WithRepository(func(tx *sql.Tx) Repository {
		conflicts.Repository = store.NewStore(tx)
		return conflicts
	}))
	h.run(t0, false, 0, tender("A", "Road maintenance"))

	conflicts.remaining = 1
	res := h.run(t0.Add(time.Hour), false, 0, tender("A", "Road maintenance (lot 2)"))
	if res.Updated != 1 {
		t.Fatalf("updated: got %+v", res)
	}
	o := h.get("A")
	if o.Version != 2 {
		t.Fatalf("version: got %d", o.Version)
	}
	if n := len(h.history(o.CanonicalID)); n != 2 {
		t.Fatalf("audit entries: got %d, want 2", n)
	}
}

func TestVersionConflict_ExhaustedFailsBatch(t *testing.T) {
	conflicts := &conflictingRepo{}
	h := setup(t, WithMaxConflictRetries(2), WithRepository(func(tx *sql.Tx) Repository {
		conflicts.Repository = store.NewStore(tx)
		return conflicts
	}))
	h.run(t0, false, 0, tender("A", "Road maintenance"))

	conflicts.remaining = 10
	_, err := h.try(t0.Add(time.Hour), false, 0, tender("B", "School catering"), tender("A", "Road maintenance (lot 2)"))
	var re *Error
	if !errors.As(err, &re) || re.SourceID != "A" {
		t.Fatalf("expected reconcile error for A, got %v", err)
	}
	if !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected version conflict cause, got %v", err)
	}
	if conflicts.remaining != 7 {
		t.Fatalf("attempts: %d updates tried, want 3", 10-conflicts.remaining)
	}

	// The batch was rolled back: B does not exist.
	b, _ := h.store.GetBySource(context.Background(), "ted", "B")
	if b != nil {
		t.Fatal("rolled-back batch left B behind")
	}
}

func TestDiff(t *testing.T) {
	closes := int64(1_777_568_400_000)
	before := &store.Opportunity{Title: "a", Status: "open", ClosesAt: &closes}
	after := &store.Opportunity{Title: "b", Status: "open"}
	d := Diff(before, after)
	if len(d) != 2 || d[0].Field != "title" || d[1].Field != "closes_at" || d[1].After != "" {
		t.Fatalf("diff: %+v", d)
	}
	if len(Diff(before, before)) != 0 {
		t.Fatal("identical records should have an empty diff")
	}
}
