package scheduler

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/store"
)

// SourceLister finds sources that can take a new sweep.
type SourceLister interface {
	IdleSources(ctx context.Context, q store.IdleQuery) ([]harvest.Source, error)
}

// Enqueuer publishes sweep requests.
type Enqueuer interface {
	Enqueue(ctx context.Context, req harvest.SweepRequest) error
}
