// Package feeds ingests procurement listings from heterogeneous providers and
// reconciles them into one canonical, versioned, audited set of opportunities.
//
// Each configured connector is fetched on its own schedule, its listings are
// normalised and fingerprinted, and every batch is reconciled in a single
// SQLite transaction together with the connector's checkpoint.
package feeds

import (
	"github.com/hazyhaar/procura/feeds/internal/audit"
	"github.com/hazyhaar/procura/feeds/internal/metrics"
	"github.com/hazyhaar/procura/feeds/internal/pipeline"
	"github.com/hazyhaar/procura/feeds/internal/store"
)

// Re-export internal types for the public API.
type (
	Opportunity = store.Opportunity
	Filter      = store.Filter
	Run         = store.Run
	Counters    = store.Counters
	Stats       = store.Stats
	AuditEntry  = audit.Entry
	FieldChange = audit.FieldChange
	Outcome     = pipeline.Outcome
	Metrics     = metrics.Metrics
)

// NewMetrics creates the Prometheus collectors on a dedicated registry.
func NewMetrics() *Metrics { return metrics.New() }

// Opportunity statuses.
const (
	StatusOpen      = store.StatusOpen
	StatusClosed    = store.StatusClosed
	StatusCancelled = store.StatusCancelled
	StatusExpired   = store.StatusExpired
)

// Run outcome statuses.
const (
	RunSuccess     = store.RunSuccess
	RunPartialSkip = store.RunPartialSkip
	RunFailed      = store.RunFailed
)

// ConnectorInfo describes one configured connector and its current state.
type ConnectorInfo struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Interval    string `json:"interval"`
	State       string `json:"state"`
	Breaker     string `json:"breaker"`
	Cursor      string `json:"cursor,omitempty"`
	LastRun     *Run   `json:"last_run,omitempty"`
	Total       int    `json:"total"`
	Open        int    `json:"open"`
}
