// Package pipeline executes one run of one connector: load the checkpoint,
// fetch with retries, normalize, reconcile inside a single transaction,
// advance the checkpoint and commit. A run either commits entirely or leaves
// nothing behind except its run record.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/procura/connectivity"
	"github.com/hazyhaar/procura/dbopen"
	"github.com/hazyhaar/procura/feeds/internal/connector"
	"github.com/hazyhaar/procura/feeds/internal/metrics"
	"github.com/hazyhaar/procura/feeds/internal/normalize"
	"github.com/hazyhaar/procura/feeds/internal/reconcile"
	"github.com/hazyhaar/procura/feeds/internal/store"
	"github.com/hazyhaar/procura/idgen"
	"github.com/hazyhaar/procura/kit"
)

// Stage is reported to Job.OnStage as a run progresses.
type Stage int

const (
	StageFetching Stage = iota + 1
	StageReconciling
	StageCommitting
)

// Job describes one run.
type Job struct {
	Connector connector.Connector
	Trigger   string // store.TriggerSchedule or store.TriggerManual
	// Grace is the missing-listing expiry window. Zero disables expiry.
	Grace time.Duration
	// Retry bounds the fetch attempts.
	Retry connectivity.Policy
	// OnStage, if set, is called on every stage transition.
	OnStage func(Stage)
}

// Outcome is the acknowledgement of a run.
type Outcome struct {
	RunID       string         `json:"run_id,omitempty"`
	ConnectorID string         `json:"connector_id"`
	Status      string         `json:"status"` // success, partial_skip, failed
	Reason      string         `json:"reason,omitempty"`
	Attempts    int            `json:"attempts"`
	Counters    store.Counters `json:"counters"`
	Duration    time.Duration  `json:"duration_ns"`
}

// Skipped builds the outcome of a run that was not started.
func Skipped(connectorID, reason string) *Outcome {
	return &Outcome{ConnectorID: connectorID, Status: store.RunPartialSkip, Reason: reason}
}

// Pipeline runs jobs against one database.
type Pipeline struct {
	db         *sql.DB
	store      *store.Store
	normalizer *normalize.Normalizer
	reconciler *reconcile.Reconciler
	metrics    *metrics.Metrics
	logger     *slog.Logger
	newRunID   idgen.Generator
	now        func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMetrics records run, decision and fetch metrics.
func WithMetrics(m *metrics.Metrics) Option { return func(p *Pipeline) { p.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

// WithRunIDGenerator overrides the run ID generator.
func WithRunIDGenerator(gen idgen.Generator) Option { return func(p *Pipeline) { p.newRunID = gen } }

// WithClock overrides the clock that stamps batches and runs.
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// New creates a Pipeline.
func New(db *sql.DB, rec *reconcile.Reconciler, opts ...Option) *Pipeline {
	p := &Pipeline{
		db:         db,
		store:      store.NewStore(db),
		normalizer: normalize.New(),
		reconciler: rec,
		logger:     slog.Default(),
		newRunID:   idgen.Run,
		now:        time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run executes job and records its outcome.
func (p *Pipeline) Run(ctx context.Context, job Job) *Outcome {
	id := job.Connector.ID()
	run := &store.Run{
		RunID:       p.newRunID(),
		ConnectorID: id,
		Trigger:     job.Trigger,
		StartedAt:   p.now().UnixMilli(),
	}
	if run.Trigger == "" {
		run.Trigger = store.TriggerSchedule
	}
	ctx = kit.WithRunID(kit.WithConnectorID(ctx, id), run.RunID)
	log := p.logger.With("connector_id", id, "run_id", run.RunID, "trigger", run.Trigger)
	start := time.Now()

	err := p.execute(ctx, job, run, log)
	if err != nil {
		run.Status = store.RunFailed
		run.Reason = err.Error()
		run.FinishedAt = p.now().UnixMilli()
		p.recordFailedRun(ctx, run, log)
		log.ErrorContext(ctx, "pipeline: run failed", "attempts", run.Attempts, "error", err)
	} else {
		log.InfoContext(ctx, "pipeline: run committed",
			"status", run.Status,
			"fetched", run.Counters.Fetched,
			"created", run.Counters.Created,
			"updated", run.Counters.Updated,
			"closed", run.Counters.Closed,
			"skipped", run.Counters.Skipped)
	}

	d := time.Since(start)
	p.metrics.RunFinished(id, run.Status, d)
	return &Outcome{
		RunID:       run.RunID,
		ConnectorID: id,
		Status:      run.Status,
		Reason:      run.Reason,
		Attempts:    run.Attempts,
		Counters:    run.Counters,
		Duration:    d,
	}
}

func (p *Pipeline) execute(ctx context.Context, job Job, run *store.Run, log *slog.Logger) error {
	id := run.ConnectorID
	stage := func(s Stage) {
		if job.OnStage != nil {
			job.OnStage(s)
		}
	}

	cp, err := p.store.GetCheckpoint(ctx, id)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if cp != nil {
		run.CursorBefore = cp.Cursor
	}
	run.CursorAfter = run.CursorBefore

	stage(StageFetching)
	batch, err := p.fetch(ctx, job, run, log)
	if err != nil {
		return err
	}
	run.Counters.Fetched = len(batch.Listings)

	listings := make([]*normalize.Listing, 0, len(batch.Listings))
	var present []string
	for _, raw := range batch.Listings {
		l, err := p.normalizer.Normalize(raw, id)
		if err != nil {
			run.Counters.Skipped++
			kind := "unknown"
			var ne *normalize.Error
			if errors.As(err, &ne) {
				kind = ne.Kind.String()
			}
			p.metrics.NormalizationError(id, kind)
			log.WarnContext(ctx, "pipeline: listing skipped", "source_id", raw.SourceID, "error", err)
			// Still listed by the provider, so it must not expire.
			if sid := strings.TrimSpace(raw.SourceID); sid != "" {
				present = append(present, sid)
			}
			continue
		}
		listings = append(listings, l)
	}

	var res *reconcile.Result
	err = dbopen.RunTx(ctx, p.db, func(tx *sql.Tx) error {
		stage(StageReconciling)
		batchTime := p.now()
		var err error
		res, err = p.reconciler.Reconcile(ctx, tx, reconcile.Batch{
			ConnectorID: id,
			RunID:       run.RunID,
			Listings:    listings,
			Present:     present,
			BatchTime:   batchTime,
			Snapshot:    batch.Snapshot,
			Grace:       job.Grace,
		})
		if err != nil {
			return err
		}
		run.Counters.Created = res.Created
		run.Counters.Updated = res.Updated
		run.Counters.Closed = res.Closed
		run.Counters.Noop = res.Noop + res.Stale
		run.Counters.Rejected = res.Rejected

		stage(StageCommitting)
		txStore := p.store.WithTx(tx)
		if cp == nil || batch.Cursor != cp.Cursor {
			if err := txStore.UpsertCheckpoint(ctx, id, batch.Cursor); err != nil {
				return err
			}
		}
		run.CursorAfter = batch.Cursor

		run.Status = store.RunSuccess
		run.Reason = ""
		if run.Counters.Skipped > 0 {
			run.Status = store.RunPartialSkip
			run.Reason = fmt.Sprintf("%d of %d listings skipped", run.Counters.Skipped, run.Counters.Fetched)
		}
		run.FinishedAt = p.now().UnixMilli()
		return txStore.InsertRun(ctx, run)
	})
	if err != nil {
		run.CursorAfter = run.CursorBefore
		return err
	}

	p.metrics.Decisions(id, string(reconcile.Create), res.Created)
	p.metrics.Decisions(id, string(reconcile.Update), res.Updated)
	p.metrics.Decisions(id, string(reconcile.Close), res.Closed)
	p.metrics.Decisions(id, string(reconcile.Noop), res.Noop)
	p.metrics.Decisions(id, string(reconcile.ReopenRejected), res.Rejected)
	p.metrics.Decisions(id, string(reconcile.Stale), res.Stale)
	return nil
}

// fetch calls the connector under the job's retry policy. Malformed
// responses and non-retryable HTTP answers stop immediately; rate limits
// wait at least the provider's Retry-After.
func (p *Pipeline) fetch(ctx context.Context, job Job, run *store.Run, log *slog.Logger) (*connector.Batch, error) {
	id := run.ConnectorID
	var batch *connector.Batch

	classify := func(err error) connectivity.Verdict {
		ce := connector.AsError(id, err)
		return connectivity.Verdict{Retry: ce.Retryable(), MinWait: ce.RetryAfter}
	}
	attempts, err := connectivity.Retry(ctx, job.Retry, classify, log, func(actx context.Context) error {
		b, err := job.Connector.Fetch(actx, connector.Checkpoint{ConnectorID: id, Cursor: run.CursorBefore})
		if err != nil {
			ce := connector.AsError(id, err)
			p.metrics.FetchAttempt(id, ce.Kind.String())
			return ce
		}
		p.metrics.FetchAttempt(id, "ok")
		batch = b
		return nil
	})
	run.Attempts = attempts
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("fetch cancelled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("fetch: %w", err)
	}
	if batch == nil {
		return nil, fmt.Errorf("fetch: connector %s returned no batch", id)
	}
	return batch, nil
}

// recordFailedRun writes the run row outside the rolled-back transaction.
// It survives a cancelled run context so shutdowns stay observable.
func (p *Pipeline) recordFailedRun(ctx context.Context, run *store.Run, log *slog.Logger) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := dbopen.RunTx(wctx, p.db, func(tx *sql.Tx) error {
		return p.store.WithTx(tx).InsertRun(wctx, run)
	})
	if err != nil {
		log.ErrorContext(ctx, "pipeline: record failed run", "error", err)
	}
}
