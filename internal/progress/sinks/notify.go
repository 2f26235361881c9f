package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/progress"
)

// Publisher delivers a payload to a topic and returns the message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RunNotification is published once per run segment that reaches
// RUN_DONE. Paused segments are included so consumers see every stop.
type RunNotification struct {
	RunID           string            `json:"run_id"`
	SourceID        string            `json:"source_id"`
	Kind            harvest.SweepKind `json:"kind"`
	Status          harvest.RunStatus `json:"status"`
	Site            string            `json:"site,omitempty"`
	DurationSeconds float64           `json:"duration_seconds"`
	FinishedAt      time.Time         `json:"finished_at"`
	Note            string            `json:"note,omitempty"`
}

// NotifySink publishes run completions for downstream consumers.
type NotifySink struct {
	publisher Publisher
	topic     string
	logger    *zap.Logger
}

// NewNotifySink creates a sink publishing to topic.
func NewNotifySink(publisher Publisher, topic string, logger *zap.Logger) *NotifySink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotifySink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes one notification per RUN_DONE event in the batch.
func (s *NotifySink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		if evt.Stage != progress.StageRunDone {
			continue
		}
		n := RunNotification{
			RunID:           evt.RunID,
			SourceID:        evt.SourceID,
			Kind:            evt.Kind,
			Status:          evt.Status,
			Site:            evt.Site,
			DurationSeconds: evt.Dur.Seconds(),
			FinishedAt:      evt.TS.UTC(),
			Note:            evt.Note,
		}
		id, err := s.publisher.Publish(ctx, s.topic, n)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish run %s: %w", evt.RunID, err))
			continue
		}
		s.logger.Debug("run notification published", zap.String("run_id", evt.RunID), zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; the publisher is owned by the caller.
func (s *NotifySink) Close(context.Context) error {
	return nil
}
