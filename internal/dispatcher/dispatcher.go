// Package dispatcher fans queue deliveries out to the coordinator and
// settles each delivery according to the outcome.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/coordinator"
	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/metrics"
	"github.com/JakeFAU/harvester/internal/queue"
	"github.com/JakeFAU/harvester/internal/store"
)

// Queue settlement actions, also used as metric labels.
const (
	ActionAck     = "ack"
	ActionRequeue = "requeue"
	ActionReject  = "reject"
)

const settleTimeout = 10 * time.Second

// Handler executes one sweep request.
type Handler interface {
	Handle(ctx context.Context, req harvest.SweepRequest) (coordinator.Outcome, error)
}

// Config controls concurrency and redelivery delays.
type Config struct {
	// Slots bounds the number of deliveries handled at once.
	Slots           int
	BusyBackoff     time.Duration
	BusyBackoffMax  time.Duration
	ErrorBackoff    time.Duration
	ErrorBackoffMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.Slots <= 0 {
		c.Slots = 4
	}
	if c.BusyBackoff <= 0 {
		c.BusyBackoff = 5 * time.Second
	}
	if c.BusyBackoffMax <= 0 {
		c.BusyBackoffMax = 5 * time.Minute
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 2 * time.Second
	}
	if c.ErrorBackoffMax <= 0 {
		c.ErrorBackoffMax = time.Minute
	}
	return c
}

// Dispatcher pulls deliveries and runs them on a bounded number of slots.
type Dispatcher struct {
	queue   queue.Queue
	handler Handler
	cfg     Config
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(q queue.Queue, handler Handler, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   q,
		handler: handler,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

// Run consumes deliveries until ctx is done or the queue closes, then waits
// for in-flight deliveries to settle. A queue that closes while ctx is live
// is reported as an error so the worker role fails loudly.
func (d *Dispatcher) Run(ctx context.Context) error {
	slots := make(chan struct{}, d.cfg.Slots)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case slots <- struct{}{}:
		}

		delivery, err := d.queue.Dequeue(ctx)
		if err != nil {
			<-slots
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, queue.ErrClosed) {
				return fmt.Errorf("dispatcher stopped: %w", err)
			}
			d.logger.Error("queue dequeue failed", zap.Error(err))
			if !sleep(ctx, d.cfg.ErrorBackoff) {
				return nil
			}
			continue
		}

		wg.Add(1)
		metrics.IncActiveSlots()
		go func() {
			defer func() {
				metrics.DecActiveSlots()
				<-slots
				wg.Done()
			}()
			d.process(ctx, delivery)
		}()
	}
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, req harvest.SweepRequest) error {
	if err := d.queue.Enqueue(ctx, req); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

func (d *Dispatcher) process(ctx context.Context, delivery queue.Delivery) {
	req := delivery.Request()
	logger := d.logger.With(
		zap.String("delivery_id", req.ID),
		zap.String("source_id", req.SourceID),
		zap.String("kind", string(req.Kind)),
		zap.Int("attempt", delivery.Attempt()),
	)

	outcome, err := d.handler.Handle(ctx, req)
	action, delay := d.settlement(delivery.Attempt(), err)
	label := string(outcome)
	if label == "" {
		label = "error"
	}

	switch {
	case err == nil:
		logger.Debug("delivery handled", zap.String("outcome", label))
	case action == ActionReject:
		logger.Warn("rejecting delivery", zap.Error(err))
	case errors.Is(err, harvest.ErrSourceBusy):
		logger.Info("source busy, requeueing", zap.Duration("delay", delay))
	case errors.Is(err, coordinator.ErrInterrupted):
		logger.Info("run interrupted, requeueing for resume")
	default:
		logger.Error("delivery failed, requeueing", zap.Duration("delay", delay), zap.Error(err))
	}

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	var serr error
	switch action {
	case ActionAck:
		serr = delivery.Ack(settleCtx)
	case ActionReject:
		serr = delivery.Reject(settleCtx)
	default:
		serr = delivery.Requeue(settleCtx, delay)
	}
	if serr != nil {
		logger.Error("settle delivery", zap.String("action", action), zap.Error(serr))
	}
	metrics.ObserveQueueOutcome(label, action)
}

// settlement maps a handler result onto a queue action.
func (d *Dispatcher) settlement(attempt int, err error) (string, time.Duration) {
	switch {
	case err == nil:
		return ActionAck, 0
	case errors.Is(err, coordinator.ErrMalformedRequest), errors.Is(err, store.ErrNotFound):
		return ActionReject, 0
	case errors.Is(err, harvest.ErrSourceBusy):
		return ActionRequeue, queue.Backoff(attempt, d.cfg.BusyBackoff, d.cfg.BusyBackoffMax)
	case errors.Is(err, coordinator.ErrInterrupted):
		return ActionRequeue, 0
	default:
		return ActionRequeue, queue.Backoff(attempt, d.cfg.ErrorBackoff, d.cfg.ErrorBackoffMax)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
