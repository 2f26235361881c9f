// Package fallback fetches listings over plain HTTP and promotes to a
// headless renderer when the response is a script shell.
package fallback

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	collyfetcher "github.com/JakeFAU/harvester/internal/fetcher/colly"
	"github.com/JakeFAU/harvester/internal/harvest"
)

// Detector decides whether a listing body needs rendering.
type Detector interface {
	ShouldPromote(status int, body []byte) bool
}

// Fetcher tries primary first and renders with headless on promotion.
type Fetcher struct {
	primary  harvest.Fetcher
	headless harvest.Fetcher
	detector Detector
	logger   *zap.Logger
}

// New builds a Fetcher.
func New(primary, headless harvest.Fetcher, detector Detector, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{primary: primary, headless: headless, detector: detector, logger: logger}
}

// FetchPage implements harvest.Fetcher.
func (f *Fetcher) FetchPage(ctx context.Context, req harvest.PageRequest) (harvest.Page, error) {
	page, err := f.primary.FetchPage(ctx, req)
	if err == nil {
		return page, nil
	}
	var bodyErr *collyfetcher.BodyError
	if !errors.As(err, &bodyErr) || !f.detector.ShouldPromote(bodyErr.Status, bodyErr.Body) {
		return harvest.Page{}, err
	}
	f.logger.Info("promoting listing to headless",
		zap.String("source_id", req.Source.ID),
		zap.Int("body_bytes", len(bodyErr.Body)),
	)
	page, err = f.headless.FetchPage(ctx, req)
	if err != nil {
		return harvest.Page{}, fmt.Errorf("headless fallback: %w", err)
	}
	return page, nil
}

// FetchMedia implements harvest.Fetcher. Media never needs rendering.
func (f *Fetcher) FetchMedia(ctx context.Context, url string) (harvest.MediaPayload, error) {
	return f.primary.FetchMedia(ctx, url)
}
