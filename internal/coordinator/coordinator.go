// Package coordinator drives one sweep delivery through the run life cycle:
// lease acquisition, page iteration, per-item dedup and ingest, operator
// control, and finalization.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/media"
	"github.com/JakeFAU/harvester/internal/metrics"
	"github.com/JakeFAU/harvester/internal/progress"
	"github.com/JakeFAU/harvester/internal/store"
)

var (
	// ErrMalformedRequest marks a delivery that can never be processed.
	ErrMalformedRequest = errors.New("malformed sweep request")
	// ErrInterrupted marks a run parked because the worker stopped mid-sweep.
	// The delivery must be requeued so the next worker resumes the run.
	ErrInterrupted = errors.New("sweep interrupted")
)

// Outcome is how a delivery ended from the queue's point of view.
type Outcome string

// Delivery outcomes.
const (
	OutcomeCompleted Outcome = "completed"
	OutcomePaused    Outcome = "paused"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeNotDue    Outcome = "not_due"
	OutcomeBusy      Outcome = "busy"
	// OutcomeLeaseLost means the run was finalized elsewhere mid-sweep.
	OutcomeLeaseLost Outcome = "lease_lost"
	// OutcomeInterrupted means shutdown parked the run for redelivery.
	OutcomeInterrupted Outcome = "interrupted"
)

const finalizeTimeout = 30 * time.Second

// MediaStore persists media bytes.
type MediaStore interface {
	Store(ctx context.Context, raw []byte, contentType string) (media.Object, error)
}

// Repository is the persistence the coordinator needs.
type Repository interface {
	store.SourceRepository
	store.RunRepository
	store.BlockRepository
}

// Config controls sweep limits and failure handling.
type Config struct {
	TailMaxItems        int
	BackfillMaxItems    int
	ErrorRateThreshold  float64
	ErrorRateMinSamples int
	FailureThreshold    int
	RunTimeout          time.Duration
	LeaseTTL            time.Duration
}

func (c Config) withDefaults() Config {
	if c.TailMaxItems <= 0 {
		c.TailMaxItems = 50
	}
	if c.BackfillMaxItems <= 0 {
		c.BackfillMaxItems = 100
	}
	if c.ErrorRateThreshold <= 0 {
		c.ErrorRateThreshold = 0.5
	}
	if c.ErrorRateMinSamples <= 0 {
		c.ErrorRateMinSamples = 10
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 30 * time.Minute
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 10 * time.Minute
	}
	return c
}

// MaxItems is the discovery cap for a sweep kind.
func (c Config) MaxItems(kind harvest.SweepKind) int {
	if kind == harvest.SweepKindBackfill {
		return c.BackfillMaxItems
	}
	return c.TailMaxItems
}

// Coordinator executes sweeps. It holds no per-run state between calls, so
// any number of instances may share one repository.
type Coordinator struct {
	repo    Repository
	fetcher harvest.Fetcher
	media   MediaStore
	hasher  harvest.Hasher
	clock   harvest.Clock
	ids     harvest.IDGenerator
	retry   harvest.RetryPolicy
	events  progress.Emitter
	cfg     Config
	logger  *zap.Logger
	tracer  trace.Tracer
}

// New constructs a Coordinator. A nil retry policy uses the defaults and a
// nil emitter drops progress events.
func New(
	repo Repository,
	fetcher harvest.Fetcher,
	mediaStore MediaStore,
	hasher harvest.Hasher,
	clock harvest.Clock,
	ids harvest.IDGenerator,
	retry harvest.RetryPolicy,
	events progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retry == nil {
		retry = harvest.NewExponentialRetryPolicy()
	}
	if events == nil {
		events = nopEmitter{}
	}
	return &Coordinator{
		repo:    repo,
		fetcher: fetcher,
		media:   mediaStore,
		hasher:  hasher,
		clock:   clock,
		ids:     ids,
		retry:   retry,
		events:  events,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		tracer:  otel.Tracer("github.com/JakeFAU/harvester/internal/coordinator"),
	}
}

// Handle processes one delivery. A nil error means the delivery can be
// acked; errors wrap ErrMalformedRequest or store.ErrNotFound when the
// request must be rejected, harvest.ErrSourceBusy when another run holds
// the lease, ErrInterrupted when shutdown parked the run, and anything else
// is a storage failure worth redelivering.
func (c *Coordinator) Handle(ctx context.Context, req harvest.SweepRequest) (Outcome, error) {
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	ctx, span := c.tracer.Start(ctx, "coordinator.Handle", trace.WithAttributes(
		attribute.String("source_id", req.SourceID),
		attribute.String("kind", string(req.Kind)),
		attribute.String("delivery_id", req.ID),
	))
	defer span.End()

	outcome, err := c.handle(ctx, req)
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	if err != nil && !errors.Is(err, harvest.ErrSourceBusy) && !errors.Is(err, ErrInterrupted) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return outcome, err
}

func (c *Coordinator) handle(ctx context.Context, req harvest.SweepRequest) (Outcome, error) {
	logger := c.logger.With(zap.String("source_id", req.SourceID), zap.String("kind", string(req.Kind)))

	src, err := c.repo.GetSource(ctx, req.SourceID)
	if err != nil {
		return "", fmt.Errorf("load source %s: %w", req.SourceID, err)
	}
	if !src.Runnable() {
		logger.Info("source not runnable", zap.String("status", string(src.Status)), zap.Bool("enabled", src.Enabled))
		return OutcomeSkipped, nil
	}

	now := c.clock.Now()
	if req.Kind == harvest.SweepKindTail && src.NextRunAt != nil && src.NextRunAt.After(now) {
		resumable, err := c.resumable(ctx, src.ID, req.Kind)
		if err != nil {
			return "", err
		}
		if !resumable {
			logger.Debug("tail sweep not due", zap.Time("next_run_at", *src.NextRunAt))
			return OutcomeNotDue, nil
		}
	}

	runID, err := c.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	acq, err := c.repo.Acquire(ctx, store.AcquireParams{
		RunID:            runID,
		SourceID:         src.ID,
		Kind:             req.Kind,
		DeliveryToken:    req.ID,
		Now:              now,
		LeaseTTL:         c.cfg.LeaseTTL,
		FailureThreshold: c.cfg.FailureThreshold,
	})
	if err != nil {
		if errors.Is(err, harvest.ErrSourceBusy) {
			return OutcomeBusy, err
		}
		return "", fmt.Errorf("acquire lease: %w", err)
	}
	run := acq.Run
	logger = logger.With(zap.String("run_id", run.ID))

	if acq.Duplicate {
		if run.Terminal() {
			logger.Info("duplicate delivery for finished run", zap.String("status", string(run.Status)))
			return OutcomeDuplicate, nil
		}
		return OutcomeBusy, fmt.Errorf("%w: delivery %s already drives run %s", harvest.ErrSourceBusy, req.ID, run.ID)
	}

	run, err = c.repo.StartRun(ctx, run.ID, now, now.Add(c.cfg.LeaseTTL))
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	logger.Info("run started", zap.Bool("resumed", acq.Resumed), zap.String("cursor", acq.Source.Cursor))

	s := &sweep{
		c:        c,
		run:      run,
		src:      acq.Source,
		site:     metrics.SanitizeSite(acq.Source.URL),
		counters: run.Counters,
		logger:   logger,
	}
	s.emit(progress.Event{Stage: progress.StageRunStart})
	return s.execute(ctx)
}

func (c *Coordinator) resumable(ctx context.Context, sourceID string, kind harvest.SweepKind) (bool, error) {
	active, err := c.repo.ActiveRun(ctx, sourceID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load active run: %w", err)
	}
	return active.Status == harvest.RunStatusPaused &&
		active.Control == harvest.RunControlResume &&
		active.Kind == kind, nil
}

// withRetry runs op until it succeeds, fails permanently, or the retry
// budget is spent.
func (c *Coordinator) withRetry(ctx context.Context, op func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if !c.retry.ShouldRetry(err, attempt) {
			return err
		}
		timer := time.NewTimer(c.retry.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

type nopEmitter struct{}

func (nopEmitter) Emit(progress.Event) {}
