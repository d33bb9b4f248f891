// Package scheduler runs one worker per connector and serialises the runs of
// each connector behind an atomic state guard.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/procura/connectivity"
	"github.com/hazyhaar/procura/feeds/internal/connector"
	"github.com/hazyhaar/procura/feeds/internal/metrics"
	"github.com/hazyhaar/procura/feeds/internal/pipeline"
	"github.com/hazyhaar/procura/feeds/internal/store"
)

// State is the lifecycle state of one connector.
type State int32

const (
	Idle State = iota
	Fetching
	Reconciling
	Committing
	Failed
)

func (s State) String() string {
	switch s {
	case Fetching:
		return "fetching"
	case Reconciling:
		return "reconciling"
	case Committing:
		return "committing"
	case Failed:
		return "failed"
	default:
		return "idle"
	}
}

// ErrUnknownConnector is returned by Trigger for an unregistered connector.
var ErrUnknownConnector = errors.New("scheduler: unknown connector")

// Runner executes one pipeline job.
type Runner interface {
	Run(ctx context.Context, job pipeline.Job) *pipeline.Outcome
}

// Entry is one scheduled connector.
type Entry struct {
	Connector connector.Connector
	// Interval between scheduled runs. Default: Config.DefaultInterval.
	Interval time.Duration
	// Grace is the missing-listing expiry window. Zero disables expiry.
	Grace time.Duration
	// Retry bounds fetch attempts.
	Retry connectivity.Policy
}

// Config configures the scheduler.
type Config struct {
	// DefaultInterval applies to entries without an interval. Default: 1 hour.
	DefaultInterval time.Duration
	// RunOnStart fires one scheduled run per connector as soon as Run starts.
	RunOnStart bool
	// BreakerThreshold is the number of consecutive failed runs that opens a
	// connector's circuit. Default: 5.
	BreakerThreshold int
	// BreakerResetTimeout is how long an open circuit skips scheduled runs.
	// Default: 15 minutes.
	BreakerResetTimeout time.Duration
	// Metrics receives connector state changes. Optional.
	Metrics *metrics.Metrics
}

func (c *Config) defaults() {
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = time.Hour
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerResetTimeout <= 0 {
		c.BreakerResetTimeout = 15 * time.Minute
	}
}

type worker struct {
	entry   Entry
	state   atomic.Int32
	breaker *connectivity.CircuitBreaker
}

// Scheduler owns the connector workers.
type Scheduler struct {
	runner  Runner
	workers map[string]*worker
	config  Config
	logger  *slog.Logger

	// Manual runs come from request goroutines; Run waits for them too.
	mu         sync.Mutex
	stopped    bool
	manual     sync.WaitGroup
	stopCtx    context.Context
	stopManual context.CancelFunc
}

// New creates a Scheduler. Connector IDs must be unique.
func New(runner Runner, entries []Entry, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		runner:  runner,
		workers: make(map[string]*worker, len(entries)),
		config:  cfg,
		logger:  logger,
	}
	s.stopCtx, s.stopManual = context.WithCancel(context.Background())
	for _, e := range entries {
		id := e.Connector.ID()
		if _, dup := s.workers[id]; dup {
			return nil, fmt.Errorf("%w: %s", connector.ErrDuplicateConnector, id)
		}
		if e.Interval <= 0 {
			e.Interval = cfg.DefaultInterval
		}
		s.workers[id] = &worker{
			entry: e,
			breaker: connectivity.NewCircuitBreaker(
				connectivity.WithBreakerThreshold(cfg.BreakerThreshold),
				connectivity.WithBreakerResetTimeout(cfg.BreakerResetTimeout),
			),
		}
		cfg.Metrics.ConnectorState(id, int(Idle))
	}
	return s, nil
}

// Run starts one worker per connector and blocks until ctx is cancelled and
// every in-flight run, scheduled or manual, has returned. Cancelling ctx
// also cancels manual runs; triggers after that are skipped.
func (s *Scheduler) Run(ctx context.Context) error {
	defer context.AfterFunc(ctx, s.shutdown)()
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range s.IDs() {
		w := s.workers[id]
		g.Go(func() error {
			s.loop(gctx, w)
			return nil
		})
	}
	s.logger.Info("scheduler: started", "connectors", len(s.workers))
	err := g.Wait()
	s.shutdown()
	s.manual.Wait()
	s.logger.Info("scheduler: drained")
	return err
}

func (s *Scheduler) shutdown() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.stopManual()
}

func (s *Scheduler) loop(ctx context.Context, w *worker) {
	ticker := time.NewTicker(w.entry.Interval)
	defer ticker.Stop()

	if s.config.RunOnStart {
		s.run(ctx, w, store.TriggerSchedule)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(ctx, w, store.TriggerSchedule)
		}
	}
}

// Trigger runs a connector now, bypassing its circuit breaker. It returns a
// partial_skip outcome without running when the connector is busy or the
// scheduler is shutting down.
func (s *Scheduler) Trigger(ctx context.Context, connectorID string) (*pipeline.Outcome, error) {
	w, ok := s.workers[connectorID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnector, connectorID)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return pipeline.Skipped(connectorID, "shutting down"), nil
	}
	s.manual.Add(1)
	s.mu.Unlock()
	defer s.manual.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(s.stopCtx, cancel)()
	return s.run(ctx, w, store.TriggerManual), nil
}

func (s *Scheduler) run(ctx context.Context, w *worker, trigger string) *pipeline.Outcome {
	id := w.entry.Connector.ID()
	log := s.logger.With("connector_id", id, "trigger", trigger)

	if trigger == store.TriggerSchedule && !w.breaker.Allow() {
		log.Warn("scheduler: run skipped", "reason", "circuit open")
		return pipeline.Skipped(id, "circuit open")
	}
	if !s.acquire(w) {
		log.Info("scheduler: run skipped", "reason", "run in progress")
		return pipeline.Skipped(id, "run in progress")
	}

	out := s.runner.Run(ctx, pipeline.Job{
		Connector: w.entry.Connector,
		Trigger:   trigger,
		Grace:     w.entry.Grace,
		Retry:     w.entry.Retry,
		OnStage: func(st pipeline.Stage) {
			switch st {
			case pipeline.StageFetching:
				s.setState(w, Fetching)
			case pipeline.StageReconciling:
				s.setState(w, Reconciling)
			case pipeline.StageCommitting:
				s.setState(w, Committing)
			}
		},
	})

	if out.Status == store.RunFailed {
		w.breaker.RecordFailure()
		s.setState(w, Failed)
		if w.breaker.State() == connectivity.BreakerOpen {
			log.Warn("scheduler: circuit open", "threshold", s.config.BreakerThreshold)
		}
	} else {
		w.breaker.RecordSuccess()
		s.setState(w, Idle)
	}
	return out
}

// acquire moves a resting connector (Idle or Failed) to Fetching.
func (s *Scheduler) acquire(w *worker) bool {
	for _, from := range []State{Idle, Failed} {
		if w.state.CompareAndSwap(int32(from), int32(Fetching)) {
			s.config.Metrics.ConnectorState(w.entry.Connector.ID(), int(Fetching))
			return true
		}
	}
	return false
}

func (s *Scheduler) setState(w *worker, st State) {
	w.state.Store(int32(st))
	s.config.Metrics.ConnectorState(w.entry.Connector.ID(), int(st))
}

// State returns the state of a connector.
func (s *Scheduler) State(connectorID string) (State, bool) {
	w, ok := s.workers[connectorID]
	if !ok {
		return Idle, false
	}
	return State(w.state.Load()), true
}

// Breaker returns the circuit state of a connector.
func (s *Scheduler) Breaker(connectorID string) (connectivity.BreakerState, bool) {
	w, ok := s.workers[connectorID]
	if !ok {
		return connectivity.BreakerClosed, false
	}
	return w.breaker.State(), true
}

// IDs returns the scheduled connector IDs, sorted.
func (s *Scheduler) IDs() []string {
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
