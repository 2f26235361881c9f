package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. It is useful
// during development or audits where a durable store is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields. Item events
// are logged at debug level since they dominate the stream.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunID),
			zap.String("source_id", evt.SourceID),
			zap.String("kind", string(evt.Kind)),
			zap.String("stage", string(evt.Stage)),
			zap.String("site", evt.Site),
		}
		switch evt.Stage {
		case progress.StageItemDone, progress.StageItemError:
			fields = append(fields, zap.Bool("uploaded", evt.Uploaded), zap.Int64("bytes", evt.Bytes), zap.String("note", evt.Note))
			s.logger.Debug("progress event", fields...)
		default:
			if evt.Status != "" {
				fields = append(fields, zap.String("status", string(evt.Status)))
			}
			fields = append(fields, zap.Int("items", evt.Items), zap.Duration("dur", evt.Dur), zap.String("note", evt.Note))
			s.logger.Info("progress event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
