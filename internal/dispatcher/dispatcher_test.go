// Package dispatcher contains tests for delivery fan-out and settlement.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/coordinator"
	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/queue"
	"github.com/JakeFAU/harvester/internal/queue/memory"
	"github.com/JakeFAU/harvester/internal/store"
)

type handlerFunc func(ctx context.Context, req harvest.SweepRequest) (coordinator.Outcome, error)

func (f handlerFunc) Handle(ctx context.Context, req harvest.SweepRequest) (coordinator.Outcome, error) {
	return f(ctx, req)
}

func sweepRequest(id string) harvest.SweepRequest {
	return harvest.SweepRequest{ID: id, SourceID: "src-1", Kind: harvest.SweepKindTail}
}

func TestProcessSettlesDelivery(t *testing.T) {
	t.Parallel()

	cfg := Config{BusyBackoff: 5 * time.Second, BusyBackoffMax: 5 * time.Minute, ErrorBackoff: time.Second, ErrorBackoffMax: time.Minute}
	tests := []struct {
		name    string
		attempt int
		outcome coordinator.Outcome
		err     error
		expect  func(d *queue.MockDelivery)
	}{
		{
			name:    "completed is acked",
			attempt: 1,
			outcome: coordinator.OutcomeCompleted,
			expect:  func(d *queue.MockDelivery) { d.On("Ack", mock.Anything).Return(nil) },
		},
		{
			name:    "not due is acked",
			attempt: 1,
			outcome: coordinator.OutcomeNotDue,
			expect:  func(d *queue.MockDelivery) { d.On("Ack", mock.Anything).Return(nil) },
		},
		{
			name:    "busy backs off",
			attempt: 3,
			outcome: coordinator.OutcomeBusy,
			err:     fmt.Errorf("%w: run r1 is running", harvest.ErrSourceBusy),
			expect: func(d *queue.MockDelivery) {
				d.On("Requeue", mock.Anything, 20*time.Second).Return(nil)
			},
		},
		{
			name:    "interrupted is requeued at once",
			attempt: 4,
			outcome: coordinator.OutcomeInterrupted,
			err:     fmt.Errorf("%w: context canceled", coordinator.ErrInterrupted),
			expect: func(d *queue.MockDelivery) {
				d.On("Requeue", mock.Anything, time.Duration(0)).Return(nil)
			},
		},
		{
			name:    "malformed is rejected",
			attempt: 1,
			err:     fmt.Errorf("%w: missing id", coordinator.ErrMalformedRequest),
			expect:  func(d *queue.MockDelivery) { d.On("Reject", mock.Anything).Return(nil) },
		},
		{
			name:    "unknown source is rejected",
			attempt: 1,
			err:     fmt.Errorf("load source: %w", store.ErrNotFound),
			expect:  func(d *queue.MockDelivery) { d.On("Reject", mock.Anything).Return(nil) },
		},
		{
			name:    "storage failure is requeued",
			attempt: 2,
			err:     errors.New("finalize run: connection refused"),
			expect: func(d *queue.MockDelivery) {
				d.On("Requeue", mock.Anything, 2*time.Second).Return(nil)
			},
		},
		{
			name:    "settle error is logged only",
			attempt: 1,
			outcome: coordinator.OutcomeFailed,
			expect:  func(d *queue.MockDelivery) { d.On("Ack", mock.Anything).Return(errors.New("channel closed")) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			delivery := &queue.MockDelivery{}
			delivery.On("Request").Return(sweepRequest("d-1"))
			delivery.On("Attempt").Return(tt.attempt)
			tt.expect(delivery)

			d := New(&queue.MockQueue{}, handlerFunc(func(context.Context, harvest.SweepRequest) (coordinator.Outcome, error) {
				return tt.outcome, tt.err
			}), cfg, zap.NewNop())
			d.process(context.Background(), delivery)

			delivery.AssertExpectations(t)
		})
	}
}

func TestRunStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	q := &queue.MockQueue{}
	q.On("Dequeue", mock.Anything).Return(nil, queue.ErrClosed).Once()
	d := New(q, handlerFunc(func(context.Context, harvest.SweepRequest) (coordinator.Outcome, error) {
		t.Fatal("handler must not be called")
		return "", nil
	}), Config{}, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	select {
	case err := <-done:
		require.ErrorIs(t, err, queue.ErrClosed, "a closed queue under a live context is a failure")
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after queue close")
	}
	q.AssertExpectations(t)
}

func TestRunBoundsConcurrencyAndDrains(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(16)
	for i := range 6 {
		require.NoError(t, q.Enqueue(context.Background(), sweepRequest(fmt.Sprintf("d-%d", i))))
	}

	var (
		running  atomic.Int32
		peak     atomic.Int32
		handled  atomic.Int32
		mu       sync.Mutex
		released = make(chan struct{})
	)
	handler := handlerFunc(func(context.Context, harvest.SweepRequest) (coordinator.Outcome, error) {
		n := running.Add(1)
		mu.Lock()
		if n > peak.Load() {
			peak.Store(n)
		}
		mu.Unlock()
		<-released
		running.Add(-1)
		handled.Add(1)
		return coordinator.OutcomeCompleted, nil
	})
	d := New(q, handler, Config{Slots: 2}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(released)
	require.Eventually(t, func() bool { return handled.Load() == 6 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
	assert.Equal(t, int32(2), peak.Load())
	assert.Equal(t, 0, q.Len())
}

func TestRunRequeuesBusyDelivery(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(4)
	require.NoError(t, q.Enqueue(context.Background(), sweepRequest("d-1")))

	var attempts atomic.Int32
	handler := handlerFunc(func(context.Context, harvest.SweepRequest) (coordinator.Outcome, error) {
		if attempts.Add(1) == 1 {
			return coordinator.OutcomeBusy, harvest.ErrSourceBusy
		}
		return coordinator.OutcomeCompleted, nil
	})
	d := New(q, handler, Config{Slots: 1, BusyBackoff: 10 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	require.Eventually(t, func() bool { return attempts.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	q := &queue.MockQueue{}
	q.On("Enqueue", mock.Anything, sweepRequest("job")).Return(errors.New("boom"))
	d := New(q, nil, Config{}, zap.NewNop())

	err := d.Enqueue(context.Background(), sweepRequest("job"))
	require.EqualError(t, err, "queue enqueue: boom")
}
