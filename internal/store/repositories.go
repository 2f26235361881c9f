package store

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/harvester/internal/harvest"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrLeaseLost means the run was finalized or reaped by someone else
	// while this worker still believed it owned the lease.
	ErrLeaseLost = errors.New("run lease lost")
)

// DefaultLimit is applied when a list filter leaves Limit unset.
const DefaultLimit = 50

// MaxLimit caps list page sizes.
const MaxLimit = 500

// NormalizePage clamps limit/offset to sane values.
func NormalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// SourceFilter narrows source listings. Zero values mean "any".
type SourceFilter struct {
	Status harvest.SourceStatus
	Type   harvest.SourceType
	Limit  int
	Offset int
}

// SourcePatch carries operator edits. Nil fields are left untouched.
// Setting Enabled to true also clears an error status and the failure
// streak, which is how operators re-enable an escalated source.
type SourcePatch struct {
	Name           *string
	URL            *string
	Type           *harvest.SourceType
	Enabled        *bool
	ScrapeInterval *time.Duration
}

// IdleQuery selects runnable sources without an active run.
type IdleQuery struct {
	Now time.Time
	// DueOnly restricts to sources whose next_run_at is unset or not after Now.
	DueOnly bool
	Limit   int
}

// SourceRepository persists configured sources.
type SourceRepository interface {
	CreateSource(ctx context.Context, src harvest.Source) (harvest.Source, error)
	GetSource(ctx context.Context, id string) (harvest.Source, error)
	ListSources(ctx context.Context, filter SourceFilter) ([]harvest.Source, error)
	UpdateSource(ctx context.Context, id string, patch SourcePatch, now time.Time) (harvest.Source, error)
	IdleSources(ctx context.Context, q IdleQuery) ([]harvest.Source, error)
}

// AcquireParams describes one attempt to open a run for a queue delivery.
type AcquireParams struct {
	RunID         string
	SourceID      string
	Kind          harvest.SweepKind
	DeliveryToken string
	Now           time.Time
	// LeaseTTL bounds how long a queued run may wait for StartRun.
	LeaseTTL time.Duration
	// FailureThreshold escalates a source whose stale run is reaped.
	FailureThreshold int
}

// AcquireResult is the run a delivery should drive.
type AcquireResult struct {
	Run    harvest.Run
	Source harvest.Source
	// Duplicate is set when the delivery token already produced this run.
	Duplicate bool
	// Resumed is set when a paused run was adopted.
	Resumed bool
}

// SourceEffect is the side effect a finalized run has on its source.
type SourceEffect int

// Source effects applied atomically with run finalization.
const (
	// EffectNone leaves the source untouched (cancellation).
	EffectNone SourceEffect = iota
	// EffectSuccess resets the failure streak.
	EffectSuccess
	// EffectFailure extends the failure streak and escalates at the threshold.
	EffectFailure
	// EffectFatal marks the source as errored immediately.
	EffectFatal
)

// FinalizeParams moves a run to a terminal state.
type FinalizeParams struct {
	RunID    string
	Status   harvest.RunStatus
	Counters harvest.Counters
	Error    string
	Now      time.Time
	// Cursor, when non-nil, is committed to the source.
	Cursor           *string
	Effect           SourceEffect
	FailureThreshold int
}

// RunFilter narrows run listings. Zero values mean "any".
type RunFilter struct {
	SourceID string
	Status   harvest.RunStatus
	Kind     harvest.SweepKind
	Limit    int
	Offset   int
}

// RunRepository persists runs and the per-source lease they carry.
type RunRepository interface {
	// Acquire reaps expired leases, then resolves the delivery to an existing
	// run (duplicate), a resumable paused run, or a newly inserted queued run.
	// It returns harvest.ErrSourceBusy when another active run holds the lease.
	Acquire(ctx context.Context, p AcquireParams) (AcquireResult, error)
	// StartRun moves a queued or paused run to running and sets its lease.
	StartRun(ctx context.Context, runID string, now, leaseUntil time.Time) (harvest.Run, error)
	// Checkpoint persists counters, extends the lease and returns the pending
	// control signal. It fails with ErrLeaseLost when the run is no longer running.
	Checkpoint(ctx context.Context, runID string, counters harvest.Counters, leaseUntil time.Time) (harvest.RunControl, error)
	// PauseRun parks a running run. The lease is kept without expiry.
	PauseRun(ctx context.Context, runID string, counters harvest.Counters, now time.Time) (harvest.Run, error)
	// InterruptRun parks a running run whose worker is shutting down. The run
	// becomes paused with a pending resume and no delivery token, so the
	// redelivered request adopts it.
	InterruptRun(ctx context.Context, runID string, counters harvest.Counters, now time.Time) (harvest.Run, error)
	// FinalizeRun applies the terminal transition and source side effects in one step.
	FinalizeRun(ctx context.Context, p FinalizeParams) (harvest.Run, error)
	// RequestControl records an operator signal. Cancelling a paused or
	// queued run finalizes it directly since no worker owns it.
	RequestControl(ctx context.Context, runID string, control harvest.RunControl, now time.Time) (harvest.Run, error)
	GetRun(ctx context.Context, id string) (harvest.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]harvest.Run, error)
	// ActiveRun returns the run holding the source lease or ErrNotFound.
	ActiveRun(ctx context.Context, sourceID string) (harvest.Run, error)
}

// BlockFilter narrows block listings.
type BlockFilter struct {
	SourceID string
	Limit    int
	Offset   int
}

// BlockRepository is the idempotent store for ingested content records.
type BlockRepository interface {
	UpsertBlock(ctx context.Context, in harvest.BlockInput) (harvest.UpsertResult, error)
	// BlockFingerprint returns the stored fingerprint for a dedup key.
	BlockFingerprint(ctx context.Context, sourceID, externalID string) (string, bool, error)
	GetBlock(ctx context.Context, id string) (harvest.Block, error)
	// ListBlocks orders by created_at descending.
	ListBlocks(ctx context.Context, filter BlockFilter) ([]harvest.Block, error)
	CountBlocks(ctx context.Context, sourceID string) (int, error)
}

// Repository bundles every persistence contract the service needs.
type Repository interface {
	SourceRepository
	RunRepository
	BlockRepository
	Ping(ctx context.Context) error
	Close()
}

// ApplyEffect returns src with the finalization effect applied. Backends
// call it while holding the source row so the streak update is atomic.
func ApplyEffect(src harvest.Source, effect SourceEffect, threshold int, now time.Time) harvest.Source {
	switch effect {
	case EffectSuccess:
		src.ConsecutiveFailures = 0
	case EffectFailure:
		src.ConsecutiveFailures++
		if threshold > 0 && src.ConsecutiveFailures >= threshold {
			src.Status = harvest.SourceStatusError
		}
	case EffectFatal:
		src.ConsecutiveFailures++
		src.Status = harvest.SourceStatusError
	default:
		return src
	}
	src.UpdatedAt = now
	return src
}
