package harvest

import (
	"context"
	"time"
)

// Fetcher retrieves listing pages and media for a source.
type Fetcher interface {
	FetchPage(ctx context.Context, req PageRequest) (Page, error)
	FetchMedia(ctx context.Context, url string) (MediaPayload, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces identifiers (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Enqueuer accepts sweep requests for asynchronous execution.
type Enqueuer interface {
	Enqueue(ctx context.Context, req SweepRequest) error
}
