// Package connector defines the plugin contract between procura and an
// external listing provider, and ships the rss, jsonapi and xlsx variants.
//
// A connector turns "everything changed since this cursor" into a Batch of
// raw listings. It never touches storage: the pipeline persists the new
// cursor only once the batch has been committed.
package connector

import "context"

// RawListing is one listing as the provider delivered it. Every field is the
// provider's string; parsing and validation belong to the normalizer.
type RawListing struct {
	SourceID    string            `json:"source_id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Status      string            `json:"status"`
	PublishedAt string            `json:"published_at"`
	ClosesAt    string            `json:"closes_at"`
	ModifiedAt  string            `json:"modified_at"`
	URL         string            `json:"url"`
	Buyer       string            `json:"buyer"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// Checkpoint is the resume position handed to Fetch. An empty Cursor means
// "from the beginning".
type Checkpoint struct {
	ConnectorID string
	Cursor      string
}

// Batch is the result of one Fetch.
type Batch struct {
	Listings []RawListing
	// Cursor to persist once the batch is committed.
	Cursor string
	// Snapshot reports that Listings is the complete set of live listings,
	// which lets the reconciler expire the ones that went missing.
	Snapshot bool
}

// Connector fetches listings from one provider.
type Connector interface {
	ID() string
	Fetch(ctx context.Context, cp Checkpoint) (*Batch, error)
}
