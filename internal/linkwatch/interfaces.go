package linkwatch

import (
	"context"
	"time"
)

// Fetcher retrieves raw page content.
type Fetcher interface {
	Fetch(ctx context.Context, target Target) ([]byte, error)
}

// Extractor turns page content into an ordered link list.
type Extractor interface {
	Extract(content []byte, sel Selector) ([]Link, error)
}

// Store owns pages, links, collections and link observations.
// Every method is its own transaction.
type Store interface {
	UpsertPage(ctx context.Context, url, extract string) (int64, error)
	DiffAndUpdateLinks(ctx context.Context, pageID int64, observed []Link) (DiffResult, error)
	OpenCollection(ctx context.Context, start time.Time) (int64, error)
	RecordObservations(ctx context.Context, collectionID int64, linkIDs []int64, at time.Time) error
	CloseCollection(ctx context.Context, collectionID int64, end time.Time, stats CollectionStats) error
	// ApplyPage runs DiffAndUpdateLinks and RecordObservations in one transaction.
	ApplyPage(ctx context.Context, collectionID, pageID int64, observed []Link, at time.Time) (DiffResult, error)
	ActiveLinks(ctx context.Context, pageID int64) ([]Link, error)
	GetCollection(ctx context.Context, collectionID int64) (Collection, error)
	Close()
}

// Emitter accepts new-link events without blocking the caller.
type Emitter interface {
	Emit(evt NewLinkEvent)
}

// CancelSignal is polled by the engine at target boundaries.
type CancelSignal interface {
	Cancelled() bool
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces event IDs.
type IDGenerator interface {
	NewID() (string, error)
}
