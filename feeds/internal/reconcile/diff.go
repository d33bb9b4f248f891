package reconcile

import (
	"time"

	"github.com/hazyhaar/procura/feeds/internal/audit"
	"github.com/hazyhaar/procura/feeds/internal/store"
)

// Diff lists the fields that differ between two versions of an
// opportunity, in a fixed field order. A nil before means creation.
func Diff(before, after *store.Opportunity) []audit.FieldChange {
	if before == nil {
		before = &store.Opportunity{}
	}
	var out []audit.FieldChange
	add := func(field, a, b string) {
		if a != b {
			out = append(out, audit.FieldChange{Field: field, Before: a, After: b})
		}
	}
	add("title", before.Title, after.Title)
	add("description", before.Description, after.Description)
	add("status", before.Status, after.Status)
	add("closes_at", formatMillis(before.ClosesAt), formatMillis(after.ClosesAt))
	add("published_at", formatMillis(before.PublishedAt), formatMillis(after.PublishedAt))
	add("url", before.URL, after.URL)
	add("buyer", before.Buyer, after.Buyer)
	return out
}

func formatMillis(ms *int64) string {
	if ms == nil {
		return ""
	}
	return time.UnixMilli(*ms).UTC().Format(time.RFC3339)
}

func millis(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	v := t.UnixMilli()
	return &v
}
