// Package queue defines the sweep job queue and its delivery semantics.
// Backends live in subpackages: memory, rabbitmq and pubsub.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/harvester/internal/harvest"
)

// ErrClosed is returned by Dequeue once the queue is shut down.
var ErrClosed = errors.New("queue closed")

// Delivery is one received sweep request. Exactly one of Ack, Requeue or
// Reject must be called.
type Delivery interface {
	Request() harvest.SweepRequest
	// Attempt is 1 for the first delivery.
	Attempt() int
	Ack(ctx context.Context) error
	// Requeue makes the request visible again after delay.
	Requeue(ctx context.Context, delay time.Duration) error
	// Reject drops the request, dead-lettering it where supported.
	Reject(ctx context.Context) error
}

// Queue is an at-least-once sweep queue.
type Queue interface {
	harvest.Enqueuer
	Dequeue(ctx context.Context) (Delivery, error)
	Close() error
}

// Encode serializes a request for broker backends.
func Encode(req harvest.SweepRequest) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode sweep request: %w", err)
	}
	return data, nil
}

// Decode parses a broker payload. Undecodable payloads yield the zero
// request, which fails Validate and is rejected by the dispatcher.
func Decode(data []byte) (harvest.SweepRequest, error) {
	var req harvest.SweepRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return harvest.SweepRequest{}, fmt.Errorf("decode sweep request: %w", err)
	}
	return req, nil
}

// Backoff is the exponential requeue delay for a delivery attempt.
func Backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt && delay < maxDelay; i++ {
		delay *= 2
	}
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
