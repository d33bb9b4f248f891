// Package actionlog records operator actions (manual runs, lookups through
// the HTTP and MCP surfaces) in an append-only SQLite table. It is separate
// from the opportunity audit trail: it answers "who asked for what", not
// "what changed".
package actionlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/procura/idgen"
	"github.com/hazyhaar/procura/kit"
)

// Entry is one operator action.
type Entry struct {
	EntryID      string `json:"entry_id"`
	Timestamp    int64  `json:"timestamp"`
	Transport    string `json:"transport"`
	RequestID    string `json:"request_id,omitempty"`
	Action       string `json:"action"`
	ConnectorID  string `json:"connector_id,omitempty"`
	Parameters   string `json:"parameters,omitempty"`
	Status       string `json:"status"` // success, error
	ErrorMessage string `json:"error,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
}

// Logger writes entries.
type Logger interface {
	Log(ctx context.Context, e *Entry) error
	LogAsync(e *Entry)
	Close() error
}

const schema = `
CREATE TABLE IF NOT EXISTS action_log (
    entry_id      TEXT PRIMARY KEY,
    timestamp     INTEGER NOT NULL,
    transport     TEXT NOT NULL,
    request_id    TEXT NOT NULL DEFAULT '',
    action        TEXT NOT NULL,
    connector_id  TEXT NOT NULL DEFAULT '',
    parameters    TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL,
    error_message TEXT NOT NULL DEFAULT '',
    duration_ms   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_action_log_ts ON action_log(timestamp DESC);
`

// SQLiteLogger is a Logger backed by a SQLite table. Async entries go through
// a buffered channel drained by one writer goroutine.
type SQLiteLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	ch     chan *Entry
	wg     sync.WaitGroup
}

// Option configures a SQLiteLogger.
type Option func(*SQLiteLogger)

// WithIDGenerator overrides the entry ID generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(l *SQLiteLogger) { l.newID = gen }
}

// WithLogger sets the logger used to report dropped or failed async writes.
func WithLogger(lg *slog.Logger) Option {
	return func(l *SQLiteLogger) { l.logger = lg }
}

// WithBuffer sets the async channel capacity. Default: 256.
func WithBuffer(n int) Option {
	return func(l *SQLiteLogger) {
		if n > 0 {
			l.ch = make(chan *Entry, n)
		}
	}
}

// NewSQLiteLogger creates a logger and starts its async writer.
func NewSQLiteLogger(db *sql.DB, opts ...Option) *SQLiteLogger {
	l := &SQLiteLogger{
		db:     db,
		newID:  idgen.Prefixed("act_", idgen.Default),
		logger: slog.Default(),
		ch:     make(chan *Entry, 256),
	}
	for _, o := range opts {
		o(l)
	}
	l.wg.Add(1)
	go l.drain()
	return l
}

// Init creates the action_log table.
func (l *SQLiteLogger) Init() error {
	_, err := l.db.Exec(schema)
	return err
}

// Log writes e synchronously, filling in its defaults.
func (l *SQLiteLogger) Log(ctx context.Context, e *Entry) error {
	l.fillDefaults(e)
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO action_log (entry_id, timestamp, transport, request_id, action,
		connector_id, parameters, status, error_message, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EntryID, e.Timestamp, e.Transport, e.RequestID, e.Action,
		e.ConnectorID, e.Parameters, e.Status, e.ErrorMessage, e.DurationMs)
	return err
}

// LogAsync queues e. It drops the entry when the buffer is full or the
// logger is closed.
func (l *SQLiteLogger) LogAsync(e *Entry) {
	l.fillDefaults(e)
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.logger.Warn("actionlog: closed, entry dropped", "action", e.Action)
		return
	}
	select {
	case l.ch <- e:
	default:
		l.logger.Warn("actionlog: buffer full, entry dropped", "action", e.Action)
	}
}

func (l *SQLiteLogger) drain() {
	defer l.wg.Done()
	for e := range l.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := l.Log(ctx, e); err != nil {
			l.logger.Error("actionlog: write", "action", e.Action, "error", err)
		}
		cancel()
	}
}

// Close flushes queued entries and stops the writer.
func (l *SQLiteLogger) Close() error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.ch)
	}
	l.mu.Unlock()
	l.wg.Wait()
	return nil
}

// Recent returns the latest entries, newest first.
func (l *SQLiteLogger) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT entry_id, timestamp, transport, request_id, action, connector_id,
		parameters, status, error_message, duration_ms
		FROM action_log ORDER BY timestamp DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.EntryID, &e.Timestamp, &e.Transport, &e.RequestID, &e.Action,
			&e.ConnectorID, &e.Parameters, &e.Status, &e.ErrorMessage, &e.DurationMs); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (l *SQLiteLogger) fillDefaults(e *Entry) {
	if e.EntryID == "" {
		e.EntryID = l.newID()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	if e.Transport == "" {
		e.Transport = "http"
	}
	if e.Status == "" {
		e.Status = "success"
		if e.ErrorMessage != "" {
			e.Status = "error"
		}
	}
}

// Middleware records every call of an endpoint as action, asynchronously.
// Transport, request ID and connector ID come from the kit context values.
func Middleware(l Logger, action string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			e := &Entry{
				Transport:   kit.GetTransport(ctx),
				RequestID:   kit.GetRequestID(ctx),
				Action:      action,
				ConnectorID: kit.GetConnectorID(ctx),
				DurationMs:  time.Since(start).Milliseconds(),
			}
			if req != nil {
				if b, merr := json.Marshal(req); merr == nil {
					e.Parameters = string(b)
				}
			}
			if err != nil {
				e.Status = "error"
				e.ErrorMessage = err.Error()
			}
			l.LogAsync(e)
			return resp, err
		}
	}
}
