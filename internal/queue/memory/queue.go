// Package memory provides an in-process sweep queue for local development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/queue"
)

type entry struct {
	req     harvest.SweepRequest
	attempt int
}

// Queue is a bounded in-memory queue with context-aware operations.
// Requeued entries become visible again after their delay.
type Queue struct {
	ch      chan entry
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
	timers  map[*time.Timer]struct{}

	deadMu sync.Mutex
	dead   []harvest.SweepRequest
}

var _ queue.Queue = (*Queue)(nil)

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch:     make(chan entry, capacity),
		done:   make(chan struct{}),
		timers: make(map[*time.Timer]struct{}),
	}
}

// Enqueue pushes a request into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, req harvest.SweepRequest) error {
	return q.push(ctx, entry{req: req, attempt: 1})
}

func (q *Queue) push(ctx context.Context, e entry) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return queue.ErrClosed
	case q.ch <- e:
		return nil
	}
}

// Dequeue pops the next request, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return nil, queue.ErrClosed
	case e := <-q.ch:
		return &delivery{q: q, entry: e}, nil
	}
}

// Close stops delivery and pending requeue timers. Closing twice is safe.
func (q *Queue) Close() error {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)
	for t := range q.timers {
		t.Stop()
	}
	q.timers = nil
	return nil
}

// DeadLetters returns rejected requests.
func (q *Queue) DeadLetters() []harvest.SweepRequest {
	q.deadMu.Lock()
	defer q.deadMu.Unlock()
	return append([]harvest.SweepRequest(nil), q.dead...)
}

// Len reports buffered requests, excluding pending requeues.
func (q *Queue) Len() int {
	return len(q.ch)
}

func (q *Queue) schedule(e entry, delay time.Duration) error {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		q.closeMu.Lock()
		delete(q.timers, t)
		q.closeMu.Unlock()
		_ = q.push(context.Background(), e)
	})
	q.timers[t] = struct{}{}
	return nil
}

type delivery struct {
	q *Queue
	entry
}

func (d *delivery) Request() harvest.SweepRequest { return d.req }

func (d *delivery) Attempt() int { return d.attempt }

func (d *delivery) Ack(context.Context) error { return nil }

func (d *delivery) Requeue(_ context.Context, delay time.Duration) error {
	return d.q.schedule(entry{req: d.req, attempt: d.attempt + 1}, delay)
}

func (d *delivery) Reject(context.Context) error {
	d.q.deadMu.Lock()
	defer d.q.deadMu.Unlock()
	d.q.dead = append(d.q.dead, d.req)
	return nil
}
