package queue

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/JakeFAU/harvester/internal/harvest"
)

// MockQueue is a testify mock of Queue.
type MockQueue struct {
	mock.Mock
}

// Enqueue is the mock implementation of Enqueue.
func (m *MockQueue) Enqueue(ctx context.Context, req harvest.SweepRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

// Dequeue is the mock implementation of Dequeue.
func (m *MockQueue) Dequeue(ctx context.Context) (Delivery, error) {
	args := m.Called(ctx)
	d, _ := args.Get(0).(Delivery)
	return d, args.Error(1)
}

// Close is the mock implementation of Close.
func (m *MockQueue) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockDelivery is a testify mock of Delivery.
type MockDelivery struct {
	mock.Mock
}

// Request is the mock implementation of Request.
func (m *MockDelivery) Request() harvest.SweepRequest {
	args := m.Called()
	return args.Get(0).(harvest.SweepRequest)
}

// Attempt is the mock implementation of Attempt.
func (m *MockDelivery) Attempt() int {
	args := m.Called()
	return args.Int(0)
}

// Ack is the mock implementation of Ack.
func (m *MockDelivery) Ack(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Requeue is the mock implementation of Requeue.
func (m *MockDelivery) Requeue(ctx context.Context, delay time.Duration) error {
	args := m.Called(ctx, delay)
	return args.Error(0)
}

// Reject is the mock implementation of Reject.
func (m *MockDelivery) Reject(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
