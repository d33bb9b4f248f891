package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/xuri/excelize/v2"
)

// XLSX reads listings from a spreadsheet, either a local file or an HTTP
// URL. The cursor is the content hash: an unchanged workbook yields an empty
// delta, a changed one a full snapshot.
type XLSX struct {
	spec Spec
	http *httpClient
}

// NewXLSX creates an xlsx connector.
func NewXLSX(spec Spec, client *http.Client) (*XLSX, error) {
	if spec.Path == "" && spec.URL == "" {
		return nil, fmt.Errorf("connector %s: xlsx requires path or url", spec.ID)
	}
	if err := checkFields(spec); err != nil {
		return nil, err
	}
	if spec.HeaderRow <= 0 {
		spec.HeaderRow = 1
	}
	return &XLSX{spec: spec, http: newHTTPClient(spec.ID, client)}, nil
}

func (c *XLSX) ID() string { return c.spec.ID }

func (c *XLSX) Fetch(ctx context.Context, cp Checkpoint) (*Batch, error) {
	data, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	cursor := cursorHash + contentHash(data)
	if cursor == cp.Cursor {
		return &Batch{Cursor: cp.Cursor}, nil
	}

	listings, err := c.parse(data)
	if err != nil {
		return nil, malformed(c.spec.ID, err)
	}
	return &Batch{Listings: listings, Cursor: cursor, Snapshot: true}, nil
}

func (c *XLSX) load(ctx context.Context) ([]byte, error) {
	if c.spec.Path != "" {
		if err := ctx.Err(); err != nil {
			return nil, AsError(c.spec.ID, err)
		}
		data, err := os.ReadFile(c.spec.Path)
		if err != nil {
			return nil, unavailable(c.spec.ID, err)
		}
		return data, nil
	}
	resp, err := c.http.get(ctx, c.spec.URL, c.spec.Headers)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotModified {
		return nil, unavailable(c.spec.ID, errors.New("unexpected 304 without conditional request"))
	}
	return resp.Body, nil
}

func (c *XLSX) parse(data []byte) ([]RawListing, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheet := c.spec.Sheet
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, errors.New("workbook has no sheets")
		}
		sheet = sheets[0]
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read rows of %q: %w", sheet, err)
	}
	if len(rows) < c.spec.HeaderRow {
		return nil, fmt.Errorf("header row %d out of range (%d rows)", c.spec.HeaderRow, len(rows))
	}

	header := rows[c.spec.HeaderRow-1]
	col := c.columns(header)
	if _, ok := col["source_id"]; !ok {
		return nil, fmt.Errorf("no source_id column in header row %d", c.spec.HeaderRow)
	}

	var listings []RawListing
	for _, row := range rows[c.spec.HeaderRow:] {
		if isBlank(row) {
			continue
		}
		cell := func(field string) string {
			i, ok := col[field]
			if !ok || i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}
		l := RawListing{
			SourceID:    cell("source_id"),
			Title:       cell("title"),
			Description: cell("description"),
			Status:      cell("status"),
			PublishedAt: cell("published_at"),
			ClosesAt:    cell("closes_at"),
			ModifiedAt:  cell("modified_at"),
			URL:         cell("url"),
			Buyer:       cell("buyer"),
		}
		for i, name := range header {
			name = strings.TrimSpace(name)
			if name == "" || i >= len(row) || mappedColumn(col, i) {
				continue
			}
			if l.Extra == nil {
				l.Extra = make(map[string]string)
			}
			l.Extra[name] = strings.TrimSpace(row[i])
		}
		listings = append(listings, l)
	}
	return listings, nil
}

// columns resolves each listing field to a column index. A field maps to
// the header named in spec.Fields, or to a header equal to the field name.
func (c *XLSX) columns(header []string) map[string]int {
	byName := make(map[string]int, len(header))
	for i, h := range header {
		byName[strings.ToLower(strings.TrimSpace(h))] = i
	}
	col := make(map[string]int)
	for _, field := range listingFields {
		name := field
		if mapped, ok := c.spec.Fields[field]; ok {
			name = mapped
		}
		if i, ok := byName[strings.ToLower(name)]; ok {
			col[field] = i
		}
	}
	return col
}

func mappedColumn(col map[string]int, i int) bool {
	for _, j := range col {
		if i == j {
			return true
		}
	}
	return false
}

func isBlank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
