// Package logging provides zap logger helpers.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/harvester/internal/harvest"
)

// New builds a zap.Logger configured for development or production.
func New(development bool) (*zap.Logger, error) {
	if development {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		logger, err := cfg.Build()
		if err != nil {
			return nil, fmt.Errorf("build dev logger: %w", err)
		}
		return logger, nil
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = false
	cfg.EncoderConfig.TimeKey = "ts"
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build prod logger: %w", err)
	}
	return logger, nil
}

// RequestFields are the structured fields attached to every log line about
// one queue delivery.
func RequestFields(req harvest.SweepRequest) []zap.Field {
	return []zap.Field{
		zap.String("source_id", req.SourceID),
		zap.String("kind", string(req.Kind)),
		zap.String("delivery_id", req.ID),
	}
}

// RunFields identifies a run in log output.
func RunFields(run harvest.Run) []zap.Field {
	return []zap.Field{
		zap.String("run_id", run.ID),
		zap.String("source_id", run.SourceID),
		zap.String("kind", string(run.Kind)),
		zap.String("status", string(run.Status)),
	}
}
