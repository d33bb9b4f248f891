package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"
)

const tenderFeed = `<?xml version="1.0"?>
<rss version="2.0" xmlns:proc="https://procura.example/ns">
  <channel>
    <title>Tenders</title>
    <item>
      <guid>T-1</guid>
      <title>Road maintenance</title>
      <link>https://tenders.example.com/T-1</link>
      <description>Resurfacing</description>
      <proc:closes>2026-04-30</proc:closes>
      <proc:buyer>City of Lyon</proc:buyer>
    </item>
  </channel>
</rss>`

func TestRSS_ConditionalGet(t *testing.T) {
	// WHAT: first fetch returns a snapshot and an ETag cursor; the next fetch
	// sends If-None-Match and a 304 yields an empty, non-snapshot batch.
	// WHY: an unchanged feed must not be re-reconciled nor trigger expiry.
	var conditional atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			conditional.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		fmt.Fprint(w, tenderFeed)
	}))
	defer srv.Close()

	c, err := NewRSS(Spec{ID: "tenders", URL: srv.URL}, nil)
	if err != nil {
		t.Fatal(err)
	}

	b, err := c.Fetch(context.Background(), Checkpoint{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !b.Snapshot || len(b.Listings) != 1 {
		t.Fatalf("first batch: snapshot=%v listings=%d", b.Snapshot, len(b.Listings))
	}
	l := b.Listings[0]
	if l.SourceID != "T-1" || l.ClosesAt != "2026-04-30" || l.Buyer != "City of Lyon" {
		t.Fatalf("listing: %+v", l)
	}
	if b.Cursor != `etag:"v1"` {
		t.Fatalf("cursor: got %q", b.Cursor)
	}

	b2, err := c.Fetch(context.Background(), Checkpoint{Cursor: b.Cursor})
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if conditional.Load() != 1 {
		t.Fatal("conditional header not sent")
	}
	if b2.Snapshot || len(b2.Listings) != 0 || b2.Cursor != b.Cursor {
		t.Fatalf("304 batch: %+v", b2)
	}
}

func TestRSS_ContentHashCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, tenderFeed)
	}))
	defer srv.Close()

	c, _ := NewRSS(Spec{ID: "tenders", URL: srv.URL}, nil)
	b, err := c.Fetch(context.Background(), Checkpoint{})
	if err != nil {
		t.Fatal(err)
	}
	b2, err := c.Fetch(context.Background(), Checkpoint{Cursor: b.Cursor})
	if err != nil {
		t.Fatal(err)
	}
	if len(b2.Listings) != 0 || b2.Snapshot {
		t.Fatalf("unchanged body should give an empty delta, got %d listings", len(b2.Listings))
	}
}

func TestHTTPErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		header    map[string]string
		kind      Kind
		retryable bool
	}{
		{"rate limited", 429, "", map[string]string{"Retry-After": "7"}, RateLimited, true},
		{"server error", 503, "", nil, Unavailable, true},
		{"not found", 404, "", nil, Unavailable, false},
		{"malformed", 200, "<html>oops</html>", nil, Malformed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			c, _ := NewRSS(Spec{ID: "x", URL: srv.URL}, nil)
			_, err := c.Fetch(context.Background(), Checkpoint{})
			var ce *Error
			if !errors.As(err, &ce) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if ce.Kind != tt.kind {
				t.Fatalf("kind: got %s, want %s", ce.Kind, tt.kind)
			}
			if ce.Retryable() != tt.retryable {
				t.Fatalf("retryable: got %v", ce.Retryable())
			}
			if tt.kind == RateLimited && ce.RetryAfter != 7*time.Second {
				t.Fatalf("retry after: got %v", ce.RetryAfter)
			}
		})
	}
}

func TestFetch_TimeoutIsUnavailable(t *testing.T) {
	// WHAT: a fetch cut by its deadline is reported as Unavailable.
	// WHY: timeouts are transient and must go through the retry path.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c, _ := NewRSS(Spec{ID: "slow", URL: srv.URL}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Fetch(ctx, Checkpoint{})
	var ce *Error
	if !errors.As(err, &ce) || ce.Kind != Unavailable {
		t.Fatalf("expected Unavailable, got %v", err)
	}
}

func TestJSONAPI_PathFieldsAndCursor(t *testing.T) {
	// WHAT: results are read at result_path, mapped through fields, the
	// cursor travels as a query parameter and comes back from cursor_path.
	// WHY: incremental JSON providers deliver deltas, never snapshots.
	t.Setenv("PROCURA_TEST_TOKEN", "s3cret")
	var gotAuth, gotSince string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotSince = r.URL.Query().Get("since")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":{"notices":[
			{"ref":"N-1","name":"Bridge inspection","state":"open","deadline":"2026-05-01","lot":3},
			{"ref":"N-2","name":"Snow removal","state":"awarded"}
		]},"meta":{"next":"c-2"}}`)
	}))
	defer srv.Close()

	c, err := NewJSONAPI(Spec{
		ID:          "eu",
		URL:         srv.URL,
		Headers:     map[string]string{"Authorization": "Bearer ${PROCURA_TEST_TOKEN}"},
		ResultPath:  "data.notices",
		CursorParam: "since",
		CursorPath:  "meta.next",
		Fields: map[string]string{
			"source_id": "ref", "title": "name", "status": "state", "closes_at": "deadline",
		},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	b, err := c.Fetch(context.Background(), Checkpoint{Cursor: "c-1"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotAuth != "Bearer s3cret" {
		t.Errorf("auth header: got %q", gotAuth)
	}
	if gotSince != "c-1" {
		t.Errorf("cursor param: got %q", gotSince)
	}
	if b.Snapshot {
		t.Error("cursor-based batch must not be a snapshot")
	}
	if b.Cursor != "c-2" {
		t.Errorf("next cursor: got %q", b.Cursor)
	}
	if len(b.Listings) != 2 {
		t.Fatalf("listings: got %d", len(b.Listings))
	}
	first := b.Listings[0]
	if first.SourceID != "N-1" || first.Title != "Bridge inspection" || first.ClosesAt != "2026-05-01" {
		t.Fatalf("mapping: %+v", first)
	}
	if first.Extra["lot"] != "3" {
		t.Errorf("extra: %+v", first.Extra)
	}
}

func TestJSONAPI_BadPathIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items":[]}`)
	}))
	defer srv.Close()

	c, _ := NewJSONAPI(Spec{ID: "eu", URL: srv.URL, ResultPath: "data.notices"}, nil)
	_, err := c.Fetch(context.Background(), Checkpoint{})
	var ce *Error
	if !errors.As(err, &ce) || ce.Kind != Malformed {
		t.Fatalf("expected Malformed, got %v", err)
	}
}

func TestXLSX_ReadsRowsAndHashesContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenders.xlsx")
	f := excelize.NewFile()
	rows := [][]any{
		{"Reference", "Title", "Closing date", "Region"},
		{"X-1", "Office cleaning", "2026-06-01", "Nord"},
		{},
		{"X-2", "Printer leasing", "", "Sud"},
	}
	for i, r := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow("Sheet1", cell, &r); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.SaveAs(path); err != nil {
		t.Fatal(err)
	}
	f.Close()

	c, err := NewXLSX(Spec{
		ID:     "sheet",
		Path:   path,
		Fields: map[string]string{"source_id": "Reference", "closes_at": "Closing date"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	b, err := c.Fetch(context.Background(), Checkpoint{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !b.Snapshot || len(b.Listings) != 2 {
		t.Fatalf("batch: snapshot=%v listings=%d", b.Snapshot, len(b.Listings))
	}
	if b.Listings[0].SourceID != "X-1" || b.Listings[0].Title != "Office cleaning" {
		t.Fatalf("row: %+v", b.Listings[0])
	}
	if b.Listings[1].Extra["Region"] != "Sud" {
		t.Fatalf("extra: %+v", b.Listings[1].Extra)
	}

	b2, err := c.Fetch(context.Background(), Checkpoint{Cursor: b.Cursor})
	if err != nil {
		t.Fatal(err)
	}
	if len(b2.Listings) != 0 || b2.Snapshot {
		t.Fatal("unchanged workbook should give an empty delta")
	}
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	r := NewRegistry()
	a, _ := New(Spec{ID: "a", Kind: "rss", URL: "https://a.example/feed"}, nil, time.Second)
	if err := r.Register(a); err != nil {
		t.Fatal(err)
	}
	dup, _ := New(Spec{ID: "a", Kind: "jsonapi", URL: "https://a.example/api"}, nil, 0)
	if err := r.Register(dup); !errors.Is(err, ErrDuplicateConnector) {
		t.Fatalf("expected ErrDuplicateConnector, got %v", err)
	}
	if ids := r.IDs(); len(ids) != 1 || ids[0] != "a" {
		t.Fatalf("ids: %v", ids)
	}
}

func TestNew_UnknownKind(t *testing.T) {
	_, err := New(Spec{ID: "a", Kind: "ftp"}, nil, 0)
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if got := parseRetryAfter("30", now); got != 30*time.Second {
		t.Fatalf("seconds: got %v", got)
	}
	date := now.Add(time.Minute).Format(http.TimeFormat)
	if got := parseRetryAfter(date, now); got != time.Minute {
		t.Fatalf("date: got %v", got)
	}
	if got := parseRetryAfter("soon", now); got != 0 {
		t.Fatalf("garbage: got %v", got)
	}
}
