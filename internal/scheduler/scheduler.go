// Package scheduler periodically enqueues tail and backfill sweeps for
// idle sources.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/metrics"
	"github.com/JakeFAU/harvester/internal/store"
)

// Config controls tick cadence.
type Config struct {
	TailInterval time.Duration
	// BackfillInterval of zero disables backfill ticks.
	BackfillInterval time.Duration
	BatchSize        int
	TickTimeout      time.Duration
}

// Scheduler turns idle sources into queued sweeps.
type Scheduler struct {
	sources SourceLister
	queue   Enqueuer
	ids     harvest.IDGenerator
	clock   harvest.Clock
	cfg     Config
	logger  *zap.Logger
}

// New creates a Scheduler.
func New(sources SourceLister, queue Enqueuer, ids harvest.IDGenerator, clock harvest.Clock, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.TailInterval <= 0 {
		cfg.TailInterval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = store.MaxLimit
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		sources: sources,
		queue:   queue,
		ids:     ids,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
}

// Start runs a tail tick immediately and then on every interval until ctx
// is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started",
		zap.Duration("tail_interval", s.cfg.TailInterval),
		zap.Duration("backfill_interval", s.cfg.BackfillInterval),
	)

	s.tick(ctx, harvest.SweepKindTail)

	tail := time.NewTicker(s.cfg.TailInterval)
	defer tail.Stop()
	var backfill <-chan time.Time
	if s.cfg.BackfillInterval > 0 {
		t := time.NewTicker(s.cfg.BackfillInterval)
		defer t.Stop()
		backfill = t.C
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-tail.C:
			s.tick(ctx, harvest.SweepKindTail)
		case <-backfill:
			s.tick(ctx, harvest.SweepKindBackfill)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, kind harvest.SweepKind) {
	tickCtx, cancel := context.WithTimeout(ctx, s.cfg.TickTimeout)
	defer cancel()

	n, err := s.Tick(tickCtx, kind)
	if err != nil {
		s.logger.Error("scheduler tick failed", zap.String("kind", string(kind)), zap.Int("enqueued", n), zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("sweeps enqueued", zap.String("kind", string(kind)), zap.Int("enqueued", n))
	}
}

// Tick enqueues one sweep of kind per eligible source. Tail ticks only
// consider sources whose next_run_at has passed. Per-source enqueue
// failures are collected and do not stop the tick.
func (s *Scheduler) Tick(ctx context.Context, kind harvest.SweepKind) (int, error) {
	if kind != harvest.SweepKindTail && kind != harvest.SweepKindBackfill {
		return 0, fmt.Errorf("scheduler cannot tick %q sweeps", kind)
	}
	now := s.clock.Now()
	sources, err := s.sources.IdleSources(ctx, store.IdleQuery{
		Now:     now,
		DueOnly: kind == harvest.SweepKindTail,
		Limit:   s.cfg.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("list idle sources: %w", err)
	}

	var errs []error
	enqueued := 0
	for _, src := range sources {
		id, err := s.ids.NewID()
		if err != nil {
			return enqueued, errors.Join(append(errs, fmt.Errorf("generate delivery id: %w", err))...)
		}
		req := harvest.SweepRequest{ID: id, SourceID: src.ID, Kind: kind, RequestedAt: now}
		if err := s.queue.Enqueue(ctx, req); err != nil {
			s.logger.Warn("enqueue sweep failed", zap.String("source_id", src.ID), zap.String("kind", string(kind)), zap.Error(err))
			errs = append(errs, fmt.Errorf("enqueue %s: %w", src.ID, err))
			continue
		}
		metrics.ObserveSweepEnqueued(string(kind), "scheduler")
		enqueued++
	}
	return enqueued, errors.Join(errs...)
}
