package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config tunes the Hub. Zero values fall back to the defaults below.
type Config struct {
	// BufferSize bounds the lane for page, item and heartbeat events. Events
	// that do not fit are shed.
	BufferSize int
	// LifecycleBuffer bounds the lane for RUN_START and RUN_DONE events.
	LifecycleBuffer int
	// LifecycleWait caps how long Emit waits for room in the lifecycle lane.
	LifecycleWait time.Duration
	// MaxBatchEvents flushes a batch once it holds this many events.
	MaxBatchEvents int
	// MaxBatchWait flushes a partial batch after this long.
	MaxBatchWait time.Duration
	// SinkTimeout bounds each sink call.
	SinkTimeout time.Duration
	// BaseContext is the parent of every sink call.
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultBufferSize      = 4096
	defaultLifecycleBuffer = 256
	defaultLifecycleWait   = 2 * time.Second
	defaultMaxBatchEvents  = 1000
	defaultMaxBatchWait    = 500 * time.Millisecond
	defaultSinkTimeout     = 10 * time.Second
	shedWarnInterval       = 5 * time.Second
)

// Hub batches run progress and fans it out to sinks. Per-item traffic never
// blocks the coordinator and is shed under backpressure. Run start and
// completion travel on their own lane, are read before item traffic and
// flush their batch at once, so sinks that act on RUN_DONE see every run.
type Hub struct {
	cfg       Config
	sinks     []Sink
	items     chan Event
	lifecycle chan Event
	stop      chan struct{}
	done      chan struct{}
	logger    *zap.Logger

	shedWarn  throttle
	shed      atomic.Int64
	shedTotal atomic.Int64
	lost      atomic.Int64
	closing   atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts the batching goroutine for the given sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.LifecycleBuffer <= 0 {
		cfg.LifecycleBuffer = defaultLifecycleBuffer
	}
	if cfg.LifecycleWait <= 0 {
		cfg.LifecycleWait = defaultLifecycleWait
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:       cfg,
		sinks:     append([]Sink(nil), sinks...),
		items:     make(chan Event, cfg.BufferSize),
		lifecycle: make(chan Event, cfg.LifecycleBuffer),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		logger:    logger,
		shedWarn:  throttle{interval: shedWarnInterval},
	}
	go h.run()
	return h
}

// Emit queues evt. Item, page and heartbeat events are shed when their lane is
// full. RUN_START and RUN_DONE wait up to LifecycleWait for room and are only
// lost, with an error log, when the hub stays saturated that long.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closing.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	if evt.Stage.Lifecycle() {
		h.emitLifecycle(evt)
		return
	}
	select {
	case h.items <- evt:
	default:
		h.shedTotal.Add(1)
		h.shed.Add(1)
		if h.shedWarn.Allow(time.Now()) {
			h.logger.Warn("progress events shed under backpressure",
				zap.Int64("shed", h.shed.Swap(0)),
				zap.String("stage", string(evt.Stage)))
		}
	}
}

func (h *Hub) emitLifecycle(evt Event) {
	select {
	case h.lifecycle <- evt:
		return
	default:
	}
	wait := time.NewTimer(h.cfg.LifecycleWait)
	defer wait.Stop()
	select {
	case h.lifecycle <- evt:
		return
	case <-h.stop:
	case <-wait.C:
	}
	h.lost.Add(1)
	h.logger.Error("run lifecycle event lost",
		zap.String("run_id", evt.RunID),
		zap.String("stage", string(evt.Stage)),
		zap.String("status", string(evt.Status)))
}

// Shed reports how many item-lane events were dropped under backpressure.
func (h *Hub) Shed() int64 { return h.shedTotal.Load() }

// Lost reports how many RUN_START or RUN_DONE events never reached the sinks.
func (h *Hub) Lost() int64 { return h.lost.Load() }

// Close drains both lanes, flushes and closes the sinks, and waits for the
// batching goroutine. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closing.Store(true)
		h.closeCtx = ctx
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.done)
	b := &batcher{hub: h, events: make([]Event, 0, h.cfg.MaxBatchEvents)}
	b.timer = time.NewTimer(h.cfg.MaxBatchWait)
	b.timer.Stop()
	for {
		// Lifecycle events jump ahead of whatever item traffic is queued.
		select {
		case evt := <-h.lifecycle:
			b.settle(evt)
			continue
		default:
		}
		select {
		case evt := <-h.lifecycle:
			b.settle(evt)
		case evt := <-h.items:
			b.add(evt)
		case <-b.timer.C:
			b.armed = false
			b.flush()
		case <-h.stop:
			b.drain()
			h.closeSinks()
			return
		}
	}
}

// batcher owns the pending batch on the hub goroutine.
type batcher struct {
	hub    *Hub
	events []Event
	timer  *time.Timer
	armed  bool
}

func (b *batcher) add(evt Event) {
	b.events = append(b.events, evt)
	if len(b.events) >= b.hub.cfg.MaxBatchEvents {
		b.flush()
		return
	}
	if !b.armed {
		b.timer.Reset(b.hub.cfg.MaxBatchWait)
		b.armed = true
	}
}

// settle pulls in the item events already queued so the lifecycle event lands
// after them, then flushes without waiting for the timer.
func (b *batcher) settle(evt Event) {
	for n := len(b.hub.items); n > 0; n-- {
		b.add(<-b.hub.items)
	}
	b.events = append(b.events, evt)
	b.flush()
}

func (b *batcher) drain() {
	for {
		select {
		case evt := <-b.hub.lifecycle:
			b.events = append(b.events, evt)
		case evt := <-b.hub.items:
			b.events = append(b.events, evt)
		default:
			b.flush()
			return
		}
		if len(b.events) >= b.hub.cfg.MaxBatchEvents {
			b.flush()
		}
	}
}

func (b *batcher) flush() {
	if b.armed {
		if !b.timer.Stop() {
			select {
			case <-b.timer.C:
			default:
			}
		}
		b.armed = false
	}
	if len(b.events) == 0 {
		return
	}
	b.hub.deliver(append([]Event(nil), b.events...))
	b.events = b.events[:0]
}

func (h *Hub) deliver(batch []Event) {
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, batch); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Error(err), zap.Int("events", len(batch)))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

// throttle admits at most one call per interval across goroutines.
type throttle struct {
	interval time.Duration
	last     atomic.Int64
}

func (t *throttle) Allow(now time.Time) bool {
	if t.interval <= 0 {
		return true
	}
	prev := t.last.Load()
	if now.UnixNano()-prev < t.interval.Nanoseconds() {
		return false
	}
	return t.last.CompareAndSwap(prev, now.UnixNano())
}
