package store

// Opportunity statuses. Open is the only non-terminal one.
const (
	StatusOpen      = "open"
	StatusClosed    = "closed"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
)

// IsTerminal reports whether status is closed, cancelled or expired.
func IsTerminal(status string) bool {
	return status == StatusClosed || status == StatusCancelled || status == StatusExpired
}

// Opportunity is the canonical record for one listing of one connector.
// Timestamps are Unix milliseconds.
type Opportunity struct {
	CanonicalID     string `json:"canonical_id"`
	ConnectorID     string `json:"connector_id"`
	SourceID        string `json:"source_id"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	URL             string `json:"url,omitempty"`
	Buyer           string `json:"buyer,omitempty"`
	Status          string `json:"status"`
	PublishedAt     *int64 `json:"published_at,omitempty"`
	ClosesAt        *int64 `json:"closes_at,omitempty"`
	SourceUpdatedAt *int64 `json:"source_updated_at,omitempty"`
	Fingerprint     string `json:"fingerprint"`
	Version         int64  `json:"version"`
	FirstSeenAt     int64  `json:"first_seen_at"`
	LastSeenAt      int64  `json:"last_seen_at"`
	UpdatedAt       int64  `json:"updated_at"`
}

// Filter narrows List. Zero values mean "any".
type Filter struct {
	ConnectorID  string
	Status       string
	Query        string // substring of title or buyer
	ClosesBefore int64
	Limit        int
	Offset       int
}

// Checkpoint is the opaque resume cursor of one connector.
type Checkpoint struct {
	ConnectorID string `json:"connector_id"`
	Cursor      string `json:"cursor"`
	UpdatedAt   int64  `json:"updated_at"`
}

// Run triggers.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// Run statuses.
const (
	RunSuccess     = "success"
	RunPartialSkip = "partial_skip"
	RunFailed      = "failed"
)

// Counters tallies what one run did.
type Counters struct {
	Fetched  int `json:"fetched"`
	Created  int `json:"created"`
	Updated  int `json:"updated"`
	Closed   int `json:"closed"`
	Noop     int `json:"noop"`
	Rejected int `json:"rejected"`
	Skipped  int `json:"skipped"`
}

// Run is one pipeline execution of one connector.
type Run struct {
	RunID        string   `json:"run_id"`
	ConnectorID  string   `json:"connector_id"`
	Trigger      string   `json:"trigger"`
	Status       string   `json:"status"`
	Reason       string   `json:"reason,omitempty"`
	Attempts     int      `json:"attempts"`
	Counters     Counters `json:"counters"`
	CursorBefore string   `json:"cursor_before"`
	CursorAfter  string   `json:"cursor_after"`
	StartedAt    int64    `json:"started_at"`
	FinishedAt   int64    `json:"finished_at"`
}

// Stats holds aggregate counters for the opportunity table.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}
