package crawler

import (
	"context"
	"io"
	"time"
)

// Gateway persists items, crawl progress, and the change log.
// Uniqueness of item identity and progress source key is enforced by the store.
type Gateway interface {
	EnsureSchema(ctx context.Context) error
	UpsertItem(ctx context.Context, item Item) error
	GetItem(ctx context.Context, identity string) (Item, error)
	MarkItemFailed(ctx context.Context, identity, sourceKey, errText string, at time.Time) error
	SaveProgress(ctx context.Context, progress CrawlProgress) error
	GetProgress(ctx context.Context, sourceKey string) (CrawlProgress, error)
	AppendChangeEvent(ctx context.Context, event ChangeEvent) error
	ListItems(ctx context.Context, filter ItemFilter) (ItemPage, error)
	ListChangeEvents(ctx context.Context, from, to time.Time) ([]ChangeEvent, error)
	Close() error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes change notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Extractor turns raw page bodies into item locators and item records.
type Extractor interface {
	// ListItems returns normalized item locators in document order. An empty
	// result means pagination is exhausted.
	ListItems(page []byte, pageURL string, src SourceDescription) ([]string, error)
	// ParseItem populates every selector-mapped field, leaving unmatched ones empty.
	ParseItem(body []byte, itemURL string, src SourceDescription) (Item, error)
}

// ChangeDetector classifies an observed item against stored state and
// persists the outcome.
type ChangeDetector interface {
	Classify(ctx context.Context, item Item) (Classification, error)
}

// Hasher computes digests for fingerprints and blob paths.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces change event IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
