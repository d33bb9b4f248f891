package feeds

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/procura/actionlog"
	"github.com/hazyhaar/procura/connectivity"
	"github.com/hazyhaar/procura/feeds/internal/audit"
	"github.com/hazyhaar/procura/feeds/internal/connector"
	"github.com/hazyhaar/procura/feeds/internal/pipeline"
	"github.com/hazyhaar/procura/feeds/internal/reconcile"
	"github.com/hazyhaar/procura/feeds/internal/scheduler"
	"github.com/hazyhaar/procura/feeds/internal/store"
)

// Service is the feeds orchestrator: it owns the store, the connector
// registry, the pipeline and the scheduler.
type Service struct {
	db        *sql.DB
	store     *store.Store
	audit     *audit.Recorder
	registry  *connector.Registry
	pipeline  *pipeline.Pipeline
	scheduler *scheduler.Scheduler
	metrics   *Metrics
	actions   actionlog.Logger
	config    *Config
	kinds     map[string]string
	logger    *slog.Logger
	now       func() time.Time

	client *http.Client
	extra  []connector.Connector
}

// ServiceOption configures a Service during creation.
type ServiceOption func(*Service)

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithActionLog records operator actions made through the HTTP and MCP
// surfaces.
func WithActionLog(l actionlog.Logger) ServiceOption {
	return func(s *Service) { s.actions = l }
}

// WithHTTPClient sets the client used by configured connectors.
func WithHTTPClient(c *http.Client) ServiceOption {
	return func(s *Service) { s.client = c }
}

// WithConnector registers a connector built outside the config file. It is
// scheduled with the default interval and no expiry.
func WithConnector(c connector.Connector) ServiceOption {
	return func(s *Service) { s.extra = append(s.extra, c) }
}

// WithClock overrides the clock used for batch times and submission checks.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// New creates a feeds Service on db. It applies the schema and builds every
// configured connector.
func New(ctx context.Context, db *sql.DB, cfg *Config, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	svc := &Service{
		db:       db,
		store:    store.NewStore(db),
		registry: connector.NewRegistry(),
		config:   cfg,
		kinds:    make(map[string]string),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}

	if err := store.ApplySchema(ctx, db); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	svc.audit = audit.NewRecorder(db, audit.WithClock(svc.now))
	if err := svc.audit.Init(ctx); err != nil {
		return nil, fmt.Errorf("init audit: %w", err)
	}

	retry := connectivity.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseBackoff: cfg.Retry.BaseBackoff,
		MaxBackoff:  cfg.Retry.MaxBackoff,
	}
	var entries []scheduler.Entry
	for _, cc := range cfg.Connectors {
		c, err := connector.New(cc.Spec, svc.client, cc.Timeout)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if err := svc.registry.Register(c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		svc.kinds[cc.ID] = cc.Kind
		p := retry
		p.AttemptTimeout = cc.Timeout
		entries = append(entries, scheduler.Entry{
			Connector: c,
			Interval:  cc.Interval,
			Grace:     cc.MissingGrace,
			Retry:     p,
		})
	}
	for _, c := range svc.extra {
		if err := svc.registry.Register(c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		svc.kinds[c.ID()] = "custom"
		entries = append(entries, scheduler.Entry{Connector: c, Retry: retry})
	}

	rec := reconcile.New(svc.audit,
		reconcile.WithMaxConflictRetries(cfg.MaxConflictRetries),
		reconcile.WithLogger(logger))
	svc.pipeline = pipeline.New(db, rec,
		pipeline.WithMetrics(svc.metrics),
		pipeline.WithLogger(logger),
		pipeline.WithClock(svc.now))

	sched, err := scheduler.New(svc.pipeline, entries, scheduler.Config{
		DefaultInterval:     cfg.Scheduler.DefaultInterval,
		RunOnStart:          cfg.Scheduler.RunOnStart,
		BreakerThreshold:    cfg.Scheduler.BreakerThreshold,
		BreakerResetTimeout: cfg.Scheduler.BreakerResetTimeout,
		Metrics:             svc.metrics,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	svc.scheduler = sched

	logger.Info("feeds: service ready", "connectors", len(entries))
	return svc, nil
}

// Run schedules every connector until ctx is cancelled, then waits for
// in-flight runs to return.
func (s *Service) Run(ctx context.Context) error {
	return s.scheduler.Run(ctx)
}

// RunNow runs a connector immediately. The outcome is partial_skip when a
// run of that connector is already in progress.
func (s *Service) RunNow(ctx context.Context, connectorID string) (*Outcome, error) {
	if _, ok := s.registry.Get(connectorID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnector, connectorID)
	}
	return s.scheduler.Trigger(ctx, connectorID)
}

// List returns opportunities matching f, most recently updated first.
func (s *Service) List(ctx context.Context, f Filter) ([]*Opportunity, error) {
	out, err := s.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*Opportunity{}
	}
	return out, nil
}

// Get returns one opportunity by canonical ID.
func (s *Service) Get(ctx context.Context, canonicalID string) (*Opportunity, error) {
	o, err := s.store.GetByCanonical(ctx, canonicalID)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, fmt.Errorf("%w: %s", ErrOpportunityNotFound, canonicalID)
	}
	return o, nil
}

// History returns the audit entries of an opportunity in recording order.
func (s *Service) History(ctx context.Context, canonicalID string) ([]*AuditEntry, error) {
	if _, err := s.Get(ctx, canonicalID); err != nil {
		return nil, err
	}
	out, err := s.audit.History(ctx, canonicalID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*AuditEntry{}
	}
	return out, nil
}

// RecentChanges returns the latest audit entries of a connector, newest first.
// An empty connectorID covers every connector.
func (s *Service) RecentChanges(ctx context.Context, connectorID string, limit int) ([]*AuditEntry, error) {
	return s.audit.Recent(ctx, connectorID, limit)
}

// CheckSubmittable returns the opportunity when it still accepts
// submissions: status open and closing time not passed.
func (s *Service) CheckSubmittable(ctx context.Context, canonicalID string) (*Opportunity, error) {
	o, err := s.Get(ctx, canonicalID)
	if err != nil {
		return nil, err
	}
	if o.Status != store.StatusOpen {
		return o, fmt.Errorf("%w: status %s", ErrNotAcceptingSubmissions, o.Status)
	}
	if o.ClosesAt != nil && *o.ClosesAt <= s.now().UnixMilli() {
		return o, fmt.Errorf("%w: closed at %s", ErrNotAcceptingSubmissions,
			time.UnixMilli(*o.ClosesAt).UTC().Format(time.RFC3339))
	}
	return o, nil
}

// Runs returns the latest runs of a connector, newest first.
func (s *Service) Runs(ctx context.Context, connectorID string, limit int) ([]*Run, error) {
	if _, ok := s.registry.Get(connectorID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnector, connectorID)
	}
	out, err := s.store.ListRuns(ctx, connectorID, limit)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*Run{}
	}
	return out, nil
}

// Stats counts opportunities per status. An empty connectorID covers every
// connector.
func (s *Service) Stats(ctx context.Context, connectorID string) (*Stats, error) {
	return s.store.Stats(ctx, connectorID)
}

// Connectors describes every connector with its scheduler state, checkpoint
// and last run.
func (s *Service) Connectors(ctx context.Context) ([]*ConnectorInfo, error) {
	intervals := make(map[string]time.Duration, len(s.config.Connectors))
	for _, cc := range s.config.Connectors {
		intervals[cc.ID] = cc.Interval
	}

	out := []*ConnectorInfo{}
	for _, id := range s.registry.IDs() {
		info := &ConnectorInfo{ID: id, Kind: s.kinds[id]}
		iv := intervals[id]
		if iv <= 0 {
			iv = s.config.Scheduler.DefaultInterval
		}
		info.Interval = iv.String()
		if st, ok := s.scheduler.State(id); ok {
			info.State = st.String()
		}
		if b, ok := s.scheduler.Breaker(id); ok {
			info.Breaker = b.String()
		}

		cp, err := s.store.GetCheckpoint(ctx, id)
		if err != nil {
			return nil, err
		}
		if cp != nil {
			info.Cursor = cp.Cursor
		}
		if info.LastRun, err = s.store.LastRun(ctx, id); err != nil {
			return nil, err
		}
		stats, err := s.store.Stats(ctx, id)
		if err != nil {
			return nil, err
		}
		info.Total = stats.Total
		info.Open = stats.ByStatus[store.StatusOpen]
		out = append(out, info)
	}
	return out, nil
}
