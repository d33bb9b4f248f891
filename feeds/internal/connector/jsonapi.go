package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// listing fields a jsonapi or xlsx mapping can target.
var listingFields = []string{
	"source_id", "title", "description", "status", "published_at",
	"closes_at", "modified_at", "url", "buyer",
}

var defaultJSONFields = map[string]string{
	"source_id":    "id",
	"title":        "title",
	"description":  "description",
	"status":       "status",
	"published_at": "published_at",
	"closes_at":    "closes_at",
	"modified_at":  "modified_at",
	"url":          "url",
	"buyer":        "buyer",
}

// JSONAPI polls a JSON endpoint. Without a cursor parameter every response
// is a full snapshot; with one, the stored cursor is sent as a query
// parameter and the response is treated as a delta.
type JSONAPI struct {
	spec   Spec
	fields map[string]string
	http   *httpClient
}

// NewJSONAPI creates a jsonapi connector.
func NewJSONAPI(spec Spec, client *http.Client) (*JSONAPI, error) {
	if spec.URL == "" {
		return nil, fmt.Errorf("connector %s: jsonapi requires url", spec.ID)
	}
	if _, err := url.Parse(spec.URL); err != nil {
		return nil, fmt.Errorf("connector %s: bad url: %w", spec.ID, err)
	}
	if err := checkFields(spec); err != nil {
		return nil, err
	}
	fields := make(map[string]string, len(defaultJSONFields))
	for k, v := range defaultJSONFields {
		fields[k] = v
	}
	for k, v := range spec.Fields {
		fields[k] = v
	}
	return &JSONAPI{spec: spec, fields: fields, http: newHTTPClient(spec.ID, client)}, nil
}

func (c *JSONAPI) ID() string { return c.spec.ID }

func (c *JSONAPI) Fetch(ctx context.Context, cp Checkpoint) (*Batch, error) {
	target := c.spec.URL
	if c.spec.CursorParam != "" && cp.Cursor != "" {
		u, _ := url.Parse(target)
		q := u.Query()
		q.Set(c.spec.CursorParam, cp.Cursor)
		u.RawQuery = q.Encode()
		target = u.String()
	}

	headers := map[string]string{"Accept": "application/json"}
	for k, v := range c.spec.Headers {
		headers[k] = v
	}
	resp, err := c.http.get(ctx, target, headers)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotModified {
		return &Batch{Cursor: cp.Cursor}, nil
	}

	var raw any
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return nil, malformed(c.spec.ID, fmt.Errorf("json decode: %w", err))
	}
	items, err := walkArray(raw, c.spec.ResultPath)
	if err != nil {
		return nil, malformed(c.spec.ID, fmt.Errorf("walk path %q: %w", c.spec.ResultPath, err))
	}

	listings := make([]RawListing, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, malformed(c.spec.ID, fmt.Errorf("result item is %T, want object", item))
		}
		listings = append(listings, c.extract(obj))
	}

	b := &Batch{Listings: listings, Cursor: cp.Cursor, Snapshot: c.spec.CursorParam == ""}
	if c.spec.CursorPath != "" {
		if v, err := walk(raw, c.spec.CursorPath); err == nil {
			if next := asString(v); next != "" {
				b.Cursor = next
			}
		}
	}
	return b, nil
}

func (c *JSONAPI) extract(obj map[string]any) RawListing {
	get := func(field string) string {
		v, err := walk(obj, c.fields[field])
		if err != nil {
			return ""
		}
		return asString(v)
	}
	l := RawListing{
		SourceID:    get("source_id"),
		Title:       get("title"),
		Description: get("description"),
		Status:      get("status"),
		PublishedAt: get("published_at"),
		ClosesAt:    get("closes_at"),
		ModifiedAt:  get("modified_at"),
		URL:         get("url"),
		Buyer:       get("buyer"),
	}

	mapped := make(map[string]bool, len(c.fields))
	for _, key := range c.fields {
		mapped[strings.SplitN(key, ".", 2)[0]] = true
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if mapped[k] {
			continue
		}
		switch v := obj[k].(type) {
		case string, float64, bool:
			if l.Extra == nil {
				l.Extra = make(map[string]string)
			}
			l.Extra[k] = asString(v)
		}
	}
	return l
}

func checkFields(spec Spec) error {
	for f := range spec.Fields {
		if !slices.Contains(listingFields, f) {
			return fmt.Errorf("connector %s: unknown listing field %q in fields", spec.ID, f)
		}
	}
	return nil
}

// walk follows a dot-notation path into a decoded JSON value.
func walk(v any, path string) (any, error) {
	if path == "" {
		return v, nil
	}
	current := v
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected object at %q, got %T", part, current)
		}
		current, ok = obj[part]
		if !ok {
			return nil, fmt.Errorf("key %q not found", part)
		}
	}
	return current, nil
}

// walkArray walks path and requires an array there. An empty path means
// the root itself must be an array.
func walkArray(v any, path string) ([]any, error) {
	cur, err := walk(v, path)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, nil
	}
	arr, ok := cur.([]any)
	if !ok {
		return nil, fmt.Errorf("value is %T, not an array", cur)
	}
	return arr, nil
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}
