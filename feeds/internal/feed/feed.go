// Package feed parses RSS 2.0 and Atom 1.0 procurement feeds.
//
// The format is detected from the XML root element (<rss>/<rdf> or <feed>).
// Besides the standard elements, each item may carry procurement extension
// children in any namespace: <closes>, <status>, <buyer> and <updated>.
package feed

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

// Item is one listing in a feed. Values are trimmed but otherwise raw.
type Item struct {
	GUID        string
	Title       string
	Link        string
	Description string
	Published   string
	Updated     string
	Closes      string
	Status      string
	Buyer       string
}

// Feed is a parsed RSS or Atom document.
type Feed struct {
	Title string
	Items []Item
}

// Parse auto-detects and parses RSS 2.0 or Atom 1.0 XML.
func Parse(data []byte) (*Feed, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("feed: empty data")
	}

	switch detectFormat(trimmed) {
	case "rss":
		return parseRSS(trimmed)
	case "atom":
		return parseAtom(trimmed)
	default:
		return nil, fmt.Errorf("feed: unknown format (expected <rss> or <feed>)")
	}
}

func detectFormat(data []byte) string {
	d := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := d.Token()
		if err != nil {
			return ""
		}
		if se, ok := tok.(xml.StartElement); ok {
			switch strings.ToLower(se.Name.Local) {
			case "rss", "rdf":
				return "rss"
			case "feed":
				return "atom"
			}
			return ""
		}
	}
}

// procurement extension elements shared by RSS items and Atom entries.
type extension struct {
	Closes string `xml:"closes"`
	Status string `xml:"status"`
	Buyer  string `xml:"buyer"`
}

// --- RSS 2.0 ---

type rssRoot struct {
	Channel rssChannel `xml:"channel"`
	Items   []rssItem  `xml:"item"` // RSS 1.0 (RDF) puts items at the root
}

type rssChannel struct {
	Title string    `xml:"title"`
	Items []rssItem `xml:"item"`
}

type rssItem struct {
	extension
	GUID        string `xml:"guid"`
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Description string `xml:"description"`
	Content     string `xml:"encoded"` // content:encoded
	PubDate     string `xml:"pubDate"`
	Date        string `xml:"date"` // dc:date
	Updated     string `xml:"updated"`
	Creator     string `xml:"creator"` // dc:creator
}

func parseRSS(data []byte) (*Feed, error) {
	var root rssRoot
	if err := xml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("feed: parse rss: %w", err)
	}

	items := root.Channel.Items
	if len(items) == 0 {
		items = root.Items
	}
	f := &Feed{
		Title: strings.TrimSpace(root.Channel.Title),
		Items: make([]Item, 0, len(items)),
	}
	for _, it := range items {
		guid := first(it.GUID, it.Link)
		desc := first(it.Content, it.Description)
		buyer := first(it.Buyer, it.Creator)

		f.Items = append(f.Items, Item{
			GUID:        guid,
			Title:       strings.TrimSpace(it.Title),
			Link:        strings.TrimSpace(it.Link),
			Description: desc,
			Published:   first(it.PubDate, it.Date),
			Updated:     strings.TrimSpace(it.Updated),
			Closes:      strings.TrimSpace(it.Closes),
			Status:      strings.TrimSpace(it.Status),
			Buyer:       buyer,
		})
	}
	return f, nil
}

// --- Atom 1.0 ---

type atomFeed struct {
	Title   string      `xml:"title"`
	Entries []atomEntry `xml:"entry"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
}

type atomEntry struct {
	extension
	ID        string       `xml:"id"`
	Title     string       `xml:"title"`
	Links     []atomLink   `xml:"link"`
	Summary   string       `xml:"summary"`
	Content   string       `xml:"content"`
	Published string       `xml:"published"`
	Updated   string       `xml:"updated"`
	Authors   []atomAuthor `xml:"author"`
}

type atomAuthor struct {
	Name string `xml:"name"`
}

func parseAtom(data []byte) (*Feed, error) {
	var root atomFeed
	if err := xml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("feed: parse atom: %w", err)
	}

	f := &Feed{
		Title: strings.TrimSpace(root.Title),
		Items: make([]Item, 0, len(root.Entries)),
	}
	for _, e := range root.Entries {
		link := alternateLink(e.Links)
		var author string
		if len(e.Authors) > 0 {
			author = e.Authors[0].Name
		}

		f.Items = append(f.Items, Item{
			GUID:        first(e.ID, link),
			Title:       strings.TrimSpace(e.Title),
			Link:        link,
			Description: first(e.Content, e.Summary),
			Published:   first(e.Published, e.Updated),
			Updated:     strings.TrimSpace(e.Updated),
			Closes:      strings.TrimSpace(e.Closes),
			Status:      strings.TrimSpace(e.Status),
			Buyer:       first(e.Buyer, author),
		})
	}
	return f, nil
}

// alternateLink prefers rel="alternate" (or no rel), then the first href.
func alternateLink(links []atomLink) string {
	for _, l := range links {
		if l.Rel == "alternate" || l.Rel == "" {
			return strings.TrimSpace(l.Href)
		}
	}
	if len(links) > 0 {
		return strings.TrimSpace(links[0].Href)
	}
	return ""
}

// first returns the first non-blank value, trimmed.
func first(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
