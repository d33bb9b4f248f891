package actionlog

import (
	"context"
	"errors"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/procura/dbopen"
	"github.com/hazyhaar/procura/idgen"
	"github.com/hazyhaar/procura/kit"
)

func setupLogger(t *testing.T, opts ...Option) *SQLiteLogger {
	t.Helper()
	db := dbopen.OpenMemory(t)
	l := NewSQLiteLogger(db, opts...)
	t.Cleanup(func() { l.Close() })
	if err := l.Init(); err != nil {
		t.Fatal(err)
	}
	return l
}

func TestInit(t *testing.T) {
	l := setupLogger(t)
	var count int
	l.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='action_log'").Scan(&count)
	if count != 1 {
		t.Fatal("action_log table not created")
	}
}

func TestLog_FillsDefaults(t *testing.T) {
	// WHAT: synchronous Log fills ID, timestamp, status and transport.
	// WHY: callers only set what they know.
	l := setupLogger(t)
	e := &Entry{Action: "run_connector", Parameters: `{"connector_id":"ted"}`}
	if err := l.Log(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	if e.EntryID == "" || e.Timestamp == 0 {
		t.Fatalf("defaults not filled: %+v", e)
	}
	if e.Status != "success" || e.Transport != "http" {
		t.Fatalf("status/transport: %q/%q", e.Status, e.Transport)
	}

	var action string
	l.db.QueryRow("SELECT action FROM action_log WHERE entry_id = ?", e.EntryID).Scan(&action)
	if action != "run_connector" {
		t.Fatalf("stored action: got %q", action)
	}
}

func TestLog_ErrorStatus(t *testing.T) {
	l := setupLogger(t)
	e := &Entry{Action: "run_connector", ErrorMessage: "unknown connector"}
	l.Log(context.Background(), e)
	if e.Status != "error" {
		t.Fatalf("status: got %q", e.Status)
	}
}

func TestLogAsync_FlushedOnClose(t *testing.T) {
	// WHAT: async entries are written before Close returns.
	// WHY: shutdown must not lose queued actions.
	l := setupLogger(t, WithIDGenerator(idgen.Sequence("act-")))
	l.LogAsync(&Entry{Action: "a"})
	l.LogAsync(&Entry{Action: "b"})
	l.Close()

	got, err := l.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("entries: got %d, want 2", len(got))
	}

	// After close, entries are dropped instead of panicking.
	l.LogAsync(&Entry{Action: "late"})
}

func TestMiddleware_RecordsContext(t *testing.T) {
	// WHAT: Middleware records transport, request, connector and outcome.
	// WHY: operators trace who triggered which run.
	l := setupLogger(t)
	errFail := errors.New("endpoint failed")

	ok := Middleware(l, "run_connector")(func(ctx context.Context, req any) (any, error) {
		return "done", nil
	})
	fail := Middleware(l, "get_opportunity")(func(ctx context.Context, req any) (any, error) {
		return nil, errFail
	})

	ctx := kit.WithTransport(context.Background(), "mcp")
	ctx = kit.WithRequestID(ctx, "req_1")
	ctx = kit.WithConnectorID(ctx, "ted")
	if resp, err := ok(ctx, map[string]string{"connector_id": "ted"}); err != nil || resp != "done" {
		t.Fatalf("ok endpoint: %v, %v", resp, err)
	}
	if _, err := fail(context.Background(), nil); !errors.Is(err, errFail) {
		t.Fatalf("fail endpoint: %v", err)
	}
	l.Close()

	entries, err := l.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	byAction := map[string]*Entry{}
	for _, e := range entries {
		byAction[e.Action] = e
	}
	run := byAction["run_connector"]
	if run == nil || run.Transport != "mcp" || run.RequestID != "req_1" || run.ConnectorID != "ted" || run.Status != "success" {
		t.Fatalf("run entry: %+v", run)
	}
	if run.Parameters != `{"connector_id":"ted"}` {
		t.Fatalf("parameters: %q", run.Parameters)
	}
	get := byAction["get_opportunity"]
	if get == nil || get.Status != "error" || get.ErrorMessage != "endpoint failed" {
		t.Fatalf("error entry: %+v", get)
	}
}
