package connector

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/hazyhaar/procura/feeds/internal/feed"
)

// Cursor prefixes for the rss connector. The cursor records which
// validator the provider gave us so the next request sends the matching
// conditional header.
const (
	cursorETag     = "etag:"
	cursorModified = "modified:"
	cursorHash     = "sha256:"
)

// RSS polls an RSS 2.0 / Atom 1.0 feed with conditional GET. Every 200
// response is a full snapshot of the feed.
type RSS struct {
	spec Spec
	http *httpClient
}

// NewRSS creates an rss connector.
func NewRSS(spec Spec, client *http.Client) (*RSS, error) {
	if spec.URL == "" {
		return nil, fmt.Errorf("connector %s: rss requires url", spec.ID)
	}
	return &RSS{spec: spec, http: newHTTPClient(spec.ID, client)}, nil
}

func (c *RSS) ID() string { return c.spec.ID }

func (c *RSS) Fetch(ctx context.Context, cp Checkpoint) (*Batch, error) {
	headers := make(map[string]string, len(c.spec.Headers)+1)
	for k, v := range c.spec.Headers {
		headers[k] = v
	}
	switch {
	case strings.HasPrefix(cp.Cursor, cursorETag):
		headers["If-None-Match"] = strings.TrimPrefix(cp.Cursor, cursorETag)
	case strings.HasPrefix(cp.Cursor, cursorModified):
		headers["If-Modified-Since"] = strings.TrimPrefix(cp.Cursor, cursorModified)
	}

	resp, err := c.http.get(ctx, c.spec.URL, headers)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotModified {
		return &Batch{Cursor: cp.Cursor}, nil
	}

	cursor := rssCursor(resp)
	if cursor == cp.Cursor && strings.HasPrefix(cursor, cursorHash) {
		// Provider without validators, body unchanged.
		return &Batch{Cursor: cp.Cursor}, nil
	}

	f, err := feed.Parse(resp.Body)
	if err != nil {
		return nil, malformed(c.spec.ID, err)
	}

	listings := make([]RawListing, 0, len(f.Items))
	for _, it := range f.Items {
		listings = append(listings, RawListing{
			SourceID:    it.GUID,
			Title:       it.Title,
			Description: it.Description,
			Status:      it.Status,
			PublishedAt: it.Published,
			ClosesAt:    it.Closes,
			ModifiedAt:  it.Updated,
			URL:         it.Link,
			Buyer:       it.Buyer,
		})
	}
	return &Batch{Listings: listings, Cursor: cursor, Snapshot: true}, nil
}

func rssCursor(resp *response) string {
	switch {
	case resp.ETag != "":
		return cursorETag + resp.ETag
	case resp.LastMod != "":
		return cursorModified + resp.LastMod
	default:
		return cursorHash + contentHash(resp.Body)
	}
}
