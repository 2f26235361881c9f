package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/media"
	"github.com/JakeFAU/harvester/internal/progress"
	"github.com/JakeFAU/harvester/internal/store"
)

// Internal stop signals raised at iteration boundaries.
var (
	errPaused    = errors.New("run paused")
	errCancelled = errors.New("run cancelled")
	errLeaseLost = errors.New("run lease lost")
)

// sweep is the state of one run segment.
type sweep struct {
	c        *Coordinator
	run      harvest.Run
	src      harvest.Source
	site     string
	counters harvest.Counters
	// cursor advances only past fully consumed pages.
	cursor string
	logger *zap.Logger
	wall   time.Time
}

func (s *sweep) execute(ctx context.Context) (Outcome, error) {
	s.wall = time.Now()
	runCtx, cancel := context.WithTimeout(ctx, s.c.cfg.RunTimeout)
	defer cancel()

	err := s.iterate(runCtx)
	return s.finish(ctx, runCtx, err)
}

func (s *sweep) iterate(ctx context.Context) error {
	kind := s.run.Kind
	if kind.UsesCursor() {
		s.cursor = s.src.Cursor
	}
	limit := s.c.cfg.MaxItems(kind)
	pageToken := ""

	for {
		if err := s.checkpoint(ctx, true); err != nil {
			return err
		}
		page, err := s.fetchPage(ctx, pageToken)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			s.counters.Errors++
			return fmt.Errorf("fetch page: %w", err)
		}

		fresh := 0
		for i, item := range page.Items {
			if s.counters.ItemsDiscovered >= limit {
				return nil
			}
			if i > 0 {
				if err := s.checkpoint(ctx, false); err != nil {
					return err
				}
			}
			s.counters.ItemsDiscovered++
			seen, err := s.processItem(ctx, item)
			if !seen {
				fresh++
			}
			if err == nil {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, harvest.ErrFatalConfig) {
				return err
			}
			s.counters.Errors++
			s.logger.Warn("item skipped", zap.String("external_id", item.ExternalID), zap.Error(err))
			s.emit(progress.Event{Stage: progress.StageItemError, Note: err.Error()})
			if err := s.checkErrorRate(err); err != nil {
				return err
			}
		}

		if page.Cursor != "" {
			s.cursor = page.Cursor
		}
		switch {
		case kind.UsesCursor() && fresh == 0:
			return nil
		case page.NextPageToken == "":
			return nil
		case s.counters.ItemsDiscovered >= limit:
			return nil
		}
		pageToken = page.NextPageToken
	}
}

// checkpoint persists counters, extends the lease and surfaces control
// signals. It is the only place a sweep observes pause and cancel.
func (s *sweep) checkpoint(ctx context.Context, heartbeat bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var control harvest.RunControl
	err := s.c.withRetry(ctx, func(ctx context.Context) error {
		var err error
		control, err = s.c.repo.Checkpoint(ctx, s.run.ID, s.counters, s.c.clock.Now().Add(s.c.cfg.LeaseTTL))
		return storageErr(err)
	})
	switch {
	case errors.Is(err, store.ErrLeaseLost), errors.Is(err, store.ErrNotFound):
		return errLeaseLost
	case err != nil:
		return fmt.Errorf("checkpoint: %w", err)
	}
	if heartbeat {
		s.emit(progress.Event{Stage: progress.StageRunHB})
	}
	switch control {
	case harvest.RunControlPause:
		return errPaused
	case harvest.RunControlCancel:
		return errCancelled
	}
	return nil
}

func (s *sweep) fetchPage(ctx context.Context, pageToken string) (harvest.Page, error) {
	req := harvest.PageRequest{Source: s.src, Kind: s.run.Kind, PageToken: pageToken}
	if s.run.Kind.UsesCursor() {
		req.Cursor = s.src.Cursor
	}
	var page harvest.Page
	start := time.Now()
	err := s.c.withRetry(ctx, func(ctx context.Context) error {
		var err error
		page, err = s.c.fetcher.FetchPage(ctx, req)
		return err
	})
	if err != nil {
		return harvest.Page{}, err
	}
	s.emit(progress.Event{Stage: progress.StagePageDone, Items: len(page.Items), Dur: time.Since(start)})
	return page, nil
}

// processItem dedups and ingests one item. seen is true when the stored
// block already carries the same fingerprint.
func (s *sweep) processItem(ctx context.Context, item harvest.Item) (seen bool, err error) {
	if err := item.Validate(); err != nil {
		return false, err
	}
	fingerprint, err := harvest.Fingerprint(s.c.hasher, item)
	if err != nil {
		return false, fmt.Errorf("%w: fingerprint %s: %v", harvest.ErrPermanentItem, item.ExternalID, err)
	}

	var stored string
	var found bool
	err = s.c.withRetry(ctx, func(ctx context.Context) error {
		var err error
		stored, found, err = s.c.repo.BlockFingerprint(ctx, s.src.ID, item.ExternalID)
		return storageErr(err)
	})
	if err != nil {
		return false, fmt.Errorf("lookup block %s: %w", item.ExternalID, err)
	}
	if found && stored == fingerprint {
		return true, nil
	}

	obj, err := s.storeMedia(ctx, item.MediaURL)
	if err != nil {
		return false, fmt.Errorf("media for item %s: %w", item.ExternalID, err)
	}
	var poster media.Object
	if item.MediaType == harvest.MediaTypeVideo && item.PosterURL != "" {
		poster, err = s.storeMedia(ctx, item.PosterURL)
		if err != nil {
			return false, fmt.Errorf("poster for item %s: %w", item.ExternalID, err)
		}
	}

	in := harvest.BlockInput{
		SourceID:   s.src.ID,
		ExternalID: item.ExternalID,
		Fields:     harvest.FieldsFromItem(item, obj.Key, poster.Key, fingerprint),
	}
	err = s.c.withRetry(ctx, func(ctx context.Context) error {
		_, err := s.c.repo.UpsertBlock(ctx, in)
		return storageErr(err)
	})
	if err != nil {
		return false, fmt.Errorf("upsert block %s: %w", item.ExternalID, err)
	}

	s.counters.ItemsProcessed++
	var uploadedBytes int64
	for _, o := range []media.Object{obj, poster} {
		if o.Uploaded {
			s.counters.MediaUploaded++
			uploadedBytes += o.Size
		}
	}
	s.emit(progress.Event{Stage: progress.StageItemDone, Uploaded: uploadedBytes > 0, Bytes: uploadedBytes})
	return false, nil
}

func (s *sweep) storeMedia(ctx context.Context, url string) (media.Object, error) {
	var payload harvest.MediaPayload
	err := s.c.withRetry(ctx, func(ctx context.Context) error {
		var err error
		payload, err = s.c.fetcher.FetchMedia(ctx, url)
		return err
	})
	if err != nil {
		return media.Object{}, err
	}
	var obj media.Object
	err = s.c.withRetry(ctx, func(ctx context.Context) error {
		var err error
		obj, err = s.c.media.Store(ctx, payload.Data, payload.ContentType)
		return err
	})
	return obj, err
}

func (s *sweep) checkErrorRate(cause error) error {
	attempted := s.counters.ItemsProcessed + s.counters.Errors
	if attempted < s.c.cfg.ErrorRateMinSamples {
		return nil
	}
	rate := float64(s.counters.Errors) / float64(attempted)
	if rate < s.c.cfg.ErrorRateThreshold {
		return nil
	}
	return fmt.Errorf("error rate %.2f over %d items reached threshold %.2f: %w",
		rate, attempted, s.c.cfg.ErrorRateThreshold, cause)
}

// finish persists the result of iterate. It runs on a context detached from
// the caller so shutdown still records the terminal state.
func (s *sweep) finish(parent, runCtx context.Context, err error) (Outcome, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), finalizeTimeout)
	defer cancel()
	now := s.c.clock.Now()

	switch {
	case errors.Is(err, errLeaseLost):
		return s.leaseLost(ctx)
	case errors.Is(err, errPaused):
		perr := s.c.withRetry(ctx, func(ctx context.Context) error {
			_, err := s.c.repo.PauseRun(ctx, s.run.ID, s.counters, now)
			return storageErr(err)
		})
		if errors.Is(perr, harvest.ErrInvalidTransition) {
			return s.leaseLost(ctx)
		}
		if perr != nil {
			return "", fmt.Errorf("pause run: %w", perr)
		}
		s.done(harvest.RunStatusPaused, "")
		return OutcomePaused, nil
	case err != nil && parent.Err() != nil && !errors.Is(err, errCancelled):
		return s.interrupt(ctx, now, parent.Err())
	}

	p := store.FinalizeParams{
		RunID:            s.run.ID,
		Counters:         s.counters,
		Now:              now,
		FailureThreshold: s.c.cfg.FailureThreshold,
	}
	switch {
	case err == nil:
		p.Status = harvest.RunStatusCompleted
		p.Effect = store.EffectSuccess
		if s.run.Kind.UsesCursor() && s.cursor != "" {
			cursor := s.cursor
			p.Cursor = &cursor
		}
	case errors.Is(err, errCancelled):
		p.Status = harvest.RunStatusCancelled
		p.Effect = store.EffectNone
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		p.Status = harvest.RunStatusFailed
		p.Error = fmt.Errorf("%w after %s", harvest.ErrRunTimeout, s.c.cfg.RunTimeout).Error()
		p.Effect = store.EffectFailure
	case errors.Is(err, harvest.ErrFatalConfig):
		p.Status = harvest.RunStatusFailed
		p.Error = err.Error()
		p.Effect = store.EffectFatal
	default:
		p.Status = harvest.RunStatusFailed
		p.Error = err.Error()
		p.Effect = store.EffectFailure
	}

	ferr := s.c.withRetry(ctx, func(ctx context.Context) error {
		_, err := s.c.repo.FinalizeRun(ctx, p)
		return storageErr(err)
	})
	if errors.Is(ferr, harvest.ErrInvalidTransition) {
		return s.leaseLost(ctx)
	}
	if ferr != nil {
		return "", fmt.Errorf("finalize run: %w", ferr)
	}
	s.done(p.Status, p.Error)
	return outcomeFor(p.Status), nil
}

// interrupt parks the run for the redelivered request when the worker
// stops mid-sweep. The returned error makes the dispatcher requeue.
func (s *sweep) interrupt(ctx context.Context, now time.Time, cause error) (Outcome, error) {
	err := s.c.withRetry(ctx, func(ctx context.Context) error {
		_, err := s.c.repo.InterruptRun(ctx, s.run.ID, s.counters, now)
		return storageErr(err)
	})
	if errors.Is(err, harvest.ErrInvalidTransition) {
		return s.leaseLost(ctx)
	}
	if err != nil {
		return "", fmt.Errorf("interrupt run: %w", err)
	}
	s.logger.Info("run interrupted, parked for redelivery",
		zap.Int("items_processed", s.counters.ItemsProcessed),
		zap.Error(cause),
	)
	s.emit(progress.Event{Stage: progress.StageRunDone, Status: harvest.RunStatusPaused, Dur: time.Since(s.wall), Note: "interrupted"})
	return OutcomeInterrupted, fmt.Errorf("%w: %v", ErrInterrupted, cause)
}

func (s *sweep) leaseLost(ctx context.Context) (Outcome, error) {
	status := harvest.RunStatus("unknown")
	if run, err := s.c.repo.GetRun(ctx, s.run.ID); err == nil {
		status = run.Status
	}
	s.logger.Warn("run finalized elsewhere", zap.String("status", string(status)))
	if status.Valid() {
		s.emit(progress.Event{Stage: progress.StageRunDone, Status: status, Dur: time.Since(s.wall), Note: "lease lost"})
	}
	return OutcomeLeaseLost, nil
}

func (s *sweep) done(status harvest.RunStatus, errText string) {
	fields := []zap.Field{
		zap.String("status", string(status)),
		zap.Int("items_discovered", s.counters.ItemsDiscovered),
		zap.Int("items_processed", s.counters.ItemsProcessed),
		zap.Int("media_uploaded", s.counters.MediaUploaded),
		zap.Int("errors", s.counters.Errors),
	}
	if errText != "" {
		fields = append(fields, zap.String("error", errText))
	}
	if status == harvest.RunStatusFailed {
		s.logger.Warn("run finished", fields...)
	} else {
		s.logger.Info("run finished", fields...)
	}
	s.emit(progress.Event{Stage: progress.StageRunDone, Status: status, Dur: time.Since(s.wall), Note: errText})
}

func (s *sweep) emit(evt progress.Event) {
	evt.RunID = s.run.ID
	evt.SourceID = s.src.ID
	evt.Kind = s.run.Kind
	evt.Site = s.site
	if evt.TS.IsZero() {
		evt.TS = s.c.clock.Now().UTC()
	}
	s.c.events.Emit(evt)
}

func outcomeFor(status harvest.RunStatus) Outcome {
	switch status {
	case harvest.RunStatusCompleted:
		return OutcomeCompleted
	case harvest.RunStatusCancelled:
		return OutcomeCancelled
	case harvest.RunStatusPaused:
		return OutcomePaused
	default:
		return OutcomeFailed
	}
}

// storageErr marks unexpected repository failures as transient so they
// are retried. Domain sentinels pass through untouched.
func storageErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrLeaseLost),
		errors.Is(err, harvest.ErrInvalidTransition),
		errors.Is(err, harvest.ErrTransientStorage),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %w", harvest.ErrTransientStorage, err)
	}
}
