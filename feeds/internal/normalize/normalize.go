// Package normalize turns raw connector listings into canonical listings and
// computes their content fingerprint.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"html"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/hazyhaar/procura/feeds/internal/connector"
)

// Listing is a raw listing mapped onto the canonical schema.
// Zero times mean "not provided".
type Listing struct {
	ConnectorID string
	SourceID    string
	Title       string
	Description string // markdown
	URL         string
	Buyer       string
	Status      string
	PublishedAt time.Time
	ClosesAt    time.Time
	ModifiedAt  time.Time
	Fingerprint string
}

var statusVocabulary = map[string]string{
	"":          "open",
	"open":      "open",
	"active":    "open",
	"published": "open",
	"live":      "open",
	"closed":    "closed",
	"awarded":   "closed",
	"complete":  "closed",
	"cancelled": "cancelled",
	"canceled":  "cancelled",
	"withdrawn": "cancelled",
	"expired":   "expired",
	"lapsed":    "expired",
}

// Normalizer is safe for concurrent use.
type Normalizer struct {
	ugc    *bluemonday.Policy
	strict *bluemonday.Policy
	md     *converter.Converter
}

// New creates a Normalizer.
func New() *Normalizer {
	return &Normalizer{
		ugc:    bluemonday.UGCPolicy(),
		strict: bluemonday.StrictPolicy(),
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Normalize validates raw and maps it onto a Listing.
func (n *Normalizer) Normalize(raw connector.RawListing, connectorID string) (*Listing, error) {
	sourceID := strings.TrimSpace(raw.SourceID)
	if sourceID == "" {
		return nil, &Error{Kind: MissingRequiredField, Field: "source_id"}
	}
	title := collapse(html.UnescapeString(n.strict.Sanitize(raw.Title)))
	if title == "" {
		return nil, &Error{Kind: MissingRequiredField, Field: "title", SourceID: sourceID}
	}

	status, ok := statusVocabulary[strings.ToLower(strings.TrimSpace(raw.Status))]
	if !ok {
		return nil, &Error{Kind: UnsupportedSchema, Field: "status", Value: raw.Status, SourceID: sourceID}
	}

	l := &Listing{
		ConnectorID: connectorID,
		SourceID:    sourceID,
		Title:       title,
		Description: n.description(raw.Description, raw.URL),
		URL:         strings.TrimSpace(raw.URL),
		Buyer:       collapse(html.UnescapeString(n.strict.Sanitize(raw.Buyer))),
		Status:      status,
	}

	var err error
	if l.PublishedAt, err = parseDate(raw.PublishedAt, false); err != nil {
		return nil, &Error{Kind: UnsupportedSchema, Field: "published_at", Value: raw.PublishedAt, SourceID: sourceID}
	}
	if l.ClosesAt, err = parseDate(raw.ClosesAt, true); err != nil {
		return nil, &Error{Kind: UnsupportedSchema, Field: "closes_at", Value: raw.ClosesAt, SourceID: sourceID}
	}
	if l.ModifiedAt, err = parseDate(raw.ModifiedAt, false); err != nil {
		return nil, &Error{Kind: UnsupportedSchema, Field: "modified_at", Value: raw.ModifiedAt, SourceID: sourceID}
	}

	l.Fingerprint = n.Fingerprint(title, raw.Description, l.ClosesAt)
	return l, nil
}

// description sanitises HTML and converts it to markdown. Plain text is
// unescaped and trimmed.
func (n *Normalizer) description(s, sourceURL string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if !looksLikeHTML(s) {
		return html.UnescapeString(s)
	}
	clean := n.ugc.Sanitize(s)
	md, err := n.md.ConvertString(clean, converter.WithDomain(sourceURL))
	if err != nil || strings.TrimSpace(md) == "" {
		return collapse(html.UnescapeString(n.strict.Sanitize(s)))
	}
	return strings.TrimSpace(md)
}

// Fingerprint hashes the content fields that define a change. Markup,
// entity encoding, Unicode compatibility forms, letter case and whitespace
// do not affect the result.
func (n *Normalizer) Fingerprint(title, description string, closesAt time.Time) string {
	closes := ""
	if !closesAt.IsZero() {
		closes = closesAt.UTC().Format(time.RFC3339)
	}
	h := sha256.New()
	for i, part := range []string{n.canonicalText(title), n.canonicalText(description), closes} {
		if i > 0 {
			h.Write([]byte{0x1f})
		}
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (n *Normalizer) canonicalText(s string) string {
	s = html.UnescapeString(n.strict.Sanitize(s))
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	return collapse(s)
}

func looksLikeHTML(s string) bool {
	i := strings.IndexByte(s, '<')
	return i >= 0 && strings.IndexByte(s[i:], '>') > 0
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

var dateLayouts = []string{
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	time.RFC822Z,
	time.RFC822,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"02/01/2006",
}

// parseDate accepts the layouts above; values without a zone are UTC.
// A date-only closing date means the end of that day.
func parseDate(s string, endOfDay bool) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	var lastErr error
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			lastErr = err
			continue
		}
		if endOfDay && (layout == "2006-01-02" || layout == "02/01/2006") {
			t = t.Add(24*time.Hour - time.Second)
		}
		return t.UTC(), nil
	}
	return time.Time{}, lastErr
}
