package progress

import "context"

// Sink receives flushed batches from the Hub. A batch holding a RUN_DONE is
// delivered as soon as the run finishes, after the item events still queued
// for it. Item events may be shed. Consume must respect ctx and may see the
// same run across several calls.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	// Close runs once, after the final batch.
	Close(ctx context.Context) error
}

// Emitter is what the coordinator reports run progress through.
type Emitter interface {
	Emit(evt Event)
}
