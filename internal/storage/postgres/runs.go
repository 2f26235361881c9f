package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/store"
)

const runColumns = `id, source_id, kind, status, delivery_token, control, started_at, finished_at,
	lease_expires_at, counters, error, created_at, updated_at`

const activeStatuses = `('queued', 'running', 'paused')`

func scanRun(row pgx.Row) (harvest.Run, error) {
	var (
		run      harvest.Run
		token    *string
		counters []byte
	)
	err := row.Scan(
		&run.ID,
		&run.SourceID,
		&run.Kind,
		&run.Status,
		&token,
		&run.Control,
		&run.StartedAt,
		&run.FinishedAt,
		&run.LeaseExpiresAt,
		&counters,
		&run.Error,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return harvest.Run{}, notFound(err)
	}
	if token != nil {
		run.DeliveryToken = *token
	}
	if len(counters) > 0 {
		if err := json.Unmarshal(counters, &run.Counters); err != nil {
			return harvest.Run{}, fmt.Errorf("decode counters for run %s: %w", run.ID, err)
		}
	}
	return run, nil
}

func encodeCounters(c harvest.Counters) ([]byte, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode counters: %w", err)
	}
	return raw, nil
}

func nullableToken(token string) *string {
	if token == "" {
		return nil
	}
	return &token
}

// Acquire resolves a delivery inside one transaction holding the source row.
func (s *Store) Acquire(ctx context.Context, p store.AcquireParams) (store.AcquireResult, error) {
	var (
		res  store.AcquireResult
		busy *harvest.Run
	)
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		src, err := getSource(ctx, tx, p.SourceID, true)
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
UPDATE runs
SET status = 'failed', error = 'lease expired', delivery_token = NULL, control = '',
	lease_expires_at = NULL, finished_at = $2, updated_at = $2
WHERE source_id = $1 AND status IN ('queued', 'running') AND lease_expires_at < $2`,
			p.SourceID, p.Now)
		if err != nil {
			return fmt.Errorf("reap expired leases: %w", err)
		}
		for range tag.RowsAffected() {
			src = store.ApplyEffect(src, store.EffectFailure, p.FailureThreshold, p.Now)
		}
		if tag.RowsAffected() > 0 {
			if src, err = saveSourceState(ctx, tx, src); err != nil {
				return err
			}
		}
		res.Source = src

		if p.DeliveryToken != "" {
			dup, err := scanRun(tx.QueryRow(ctx, `
SELECT `+runColumns+` FROM runs WHERE source_id = $1 AND kind = $2 AND delivery_token = $3`,
				p.SourceID, p.Kind, p.DeliveryToken))
			switch {
			case err == nil:
				res.Run = dup
				res.Duplicate = true
				return nil
			case !errors.Is(err, store.ErrNotFound):
				return fmt.Errorf("lookup delivery token: %w", err)
			}
		}

		active, err := scanRun(tx.QueryRow(ctx, `
SELECT `+runColumns+` FROM runs WHERE source_id = $1 AND status IN `+activeStatuses,
			p.SourceID))
		switch {
		case err == nil:
			if active.Status == harvest.RunStatusPaused && active.Kind == p.Kind && active.Control == harvest.RunControlResume {
				adopted, err := scanRun(tx.QueryRow(ctx, `
UPDATE runs SET delivery_token = $2, control = '', updated_at = $3
WHERE id = $1
RETURNING `+runColumns,
					active.ID, nullableToken(p.DeliveryToken), p.Now))
				if err != nil {
					return fmt.Errorf("adopt paused run: %w", err)
				}
				res.Run = adopted
				res.Resumed = true
				return nil
			}
			busy = &active
			return nil
		case !errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("lookup active run: %w", err)
		}

		counters, err := encodeCounters(harvest.Counters{})
		if err != nil {
			return err
		}
		run, err := scanRun(tx.QueryRow(ctx, `
INSERT INTO runs (id, source_id, kind, status, delivery_token, control, lease_expires_at, counters, error, created_at, updated_at)
VALUES ($1, $2, $3, 'queued', $4, '', $5, $6, '', $7, $7)
RETURNING `+runColumns,
			p.RunID, p.SourceID, p.Kind, nullableToken(p.DeliveryToken), p.Now.Add(p.LeaseTTL), counters, p.Now))
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		res.Run = run

		if p.Kind.UsesCursor() {
			src.LastRunAt = &p.Now
			next := p.Now.Add(src.ScrapeInterval)
			src.NextRunAt = &next
			src.UpdatedAt = p.Now
			if res.Source, err = saveSourceState(ctx, tx, src); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return store.AcquireResult{}, fmt.Errorf("%w: concurrent acquisition for source %s", harvest.ErrSourceBusy, p.SourceID)
		}
		return store.AcquireResult{}, err
	}
	if busy != nil {
		return store.AcquireResult{}, fmt.Errorf("%w: run %s is %s", harvest.ErrSourceBusy, busy.ID, busy.Status)
	}
	return res, nil
}

// StartRun moves a queued or paused run to running.
func (s *Store) StartRun(ctx context.Context, runID string, now, leaseUntil time.Time) (harvest.Run, error) {
	run, err := scanRun(s.db.QueryRow(ctx, `
UPDATE runs
SET status = 'running', started_at = COALESCE(started_at, $2), lease_expires_at = $3, updated_at = $2
WHERE id = $1 AND status IN ('queued', 'paused')
RETURNING `+runColumns, runID, now, leaseUntil))
	if errors.Is(err, store.ErrNotFound) {
		return harvest.Run{}, s.transitionError(ctx, runID, harvest.RunStatusRunning)
	}
	if err != nil {
		return harvest.Run{}, fmt.Errorf("start run %s: %w", runID, err)
	}
	return run, nil
}

// Checkpoint persists counters and returns the pending control signal.
func (s *Store) Checkpoint(
	ctx context.Context,
	runID string,
	counters harvest.Counters,
	leaseUntil time.Time,
) (harvest.RunControl, error) {
	raw, err := encodeCounters(counters)
	if err != nil {
		return harvest.RunControlNone, err
	}
	var control harvest.RunControl
	err = s.db.QueryRow(ctx, `
UPDATE runs SET counters = $2, lease_expires_at = $3, updated_at = now()
WHERE id = $1 AND status = 'running'
RETURNING control`, runID, raw, leaseUntil).Scan(&control)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetRun(ctx, runID); getErr != nil {
			return harvest.RunControlNone, getErr
		}
		return harvest.RunControlNone, store.ErrLeaseLost
	}
	if err != nil {
		return harvest.RunControlNone, fmt.Errorf("checkpoint run %s: %w", runID, err)
	}
	return control, nil
}

// PauseRun parks a running run and drops the lease expiry.
func (s *Store) PauseRun(ctx context.Context, runID string, counters harvest.Counters, now time.Time) (harvest.Run, error) {
	raw, err := encodeCounters(counters)
	if err != nil {
		return harvest.Run{}, err
	}
	run, err := scanRun(s.db.QueryRow(ctx, `
UPDATE runs
SET status = 'paused', counters = $2, control = '', lease_expires_at = NULL, updated_at = $3
WHERE id = $1 AND status = 'running'
RETURNING `+runColumns, runID, raw, now))
	if errors.Is(err, store.ErrNotFound) {
		return harvest.Run{}, s.transitionError(ctx, runID, harvest.RunStatusPaused)
	}
	if err != nil {
		return harvest.Run{}, fmt.Errorf("pause run %s: %w", runID, err)
	}
	return run, nil
}

// InterruptRun parks a running run with a pending resume and releases its
// delivery token.
func (s *Store) InterruptRun(ctx context.Context, runID string, counters harvest.Counters, now time.Time) (harvest.Run, error) {
	raw, err := encodeCounters(counters)
	if err != nil {
		return harvest.Run{}, err
	}
	run, err := scanRun(s.db.QueryRow(ctx, `
UPDATE runs
SET status = 'paused', counters = $2, control = 'resume', delivery_token = NULL,
    lease_expires_at = NULL, updated_at = $3
WHERE id = $1 AND status = 'running'
RETURNING `+runColumns, runID, raw, now))
	if errors.Is(err, store.ErrNotFound) {
		return harvest.Run{}, s.transitionError(ctx, runID, harvest.RunStatusPaused)
	}
	if err != nil {
		return harvest.Run{}, fmt.Errorf("interrupt run %s: %w", runID, err)
	}
	return run, nil
}

// FinalizeRun applies the terminal transition and the source effect atomically.
func (s *Store) FinalizeRun(ctx context.Context, p store.FinalizeParams) (harvest.Run, error) {
	if !p.Status.Terminal() {
		return harvest.Run{}, fmt.Errorf("%w: %s is not terminal", harvest.ErrInvalidTransition, p.Status)
	}
	raw, err := encodeCounters(p.Counters)
	if err != nil {
		return harvest.Run{}, err
	}
	var out harvest.Run
	err = pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		current, err := scanRun(tx.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1 FOR UPDATE`, p.RunID))
		if err != nil {
			return err
		}
		if err := harvest.ValidateTransition(current.Status, p.Status); err != nil {
			return err
		}
		out, err = scanRun(tx.QueryRow(ctx, `
UPDATE runs
SET status = $2, counters = $3, error = $4, control = '', lease_expires_at = NULL, finished_at = $5, updated_at = $5
WHERE id = $1
RETURNING `+runColumns, p.RunID, p.Status, raw, p.Error, p.Now))
		if err != nil {
			return fmt.Errorf("update run: %w", err)
		}
		if p.Cursor == nil && p.Effect == store.EffectNone {
			return nil
		}
		src, err := getSource(ctx, tx, out.SourceID, true)
		if err != nil {
			return err
		}
		if p.Cursor != nil {
			src.Cursor = *p.Cursor
			src.UpdatedAt = p.Now
		}
		src = store.ApplyEffect(src, p.Effect, p.FailureThreshold, p.Now)
		_, err = saveSourceState(ctx, tx, src)
		return err
	})
	if err != nil {
		return harvest.Run{}, fmt.Errorf("finalize run %s: %w", p.RunID, err)
	}
	return out, nil
}

// RequestControl records an operator signal, finalizing unowned runs directly.
func (s *Store) RequestControl(
	ctx context.Context,
	runID string,
	control harvest.RunControl,
	now time.Time,
) (harvest.Run, error) {
	var out harvest.Run
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		current, err := scanRun(tx.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1 FOR UPDATE`, runID))
		if err != nil {
			return err
		}
		next, direct, err := harvest.ResolveControl(current.Status, control)
		if err != nil {
			return err
		}
		if direct {
			out, err = scanRun(tx.QueryRow(ctx, `
UPDATE runs
SET status = $2, control = '', lease_expires_at = NULL, finished_at = $3, updated_at = $3
WHERE id = $1
RETURNING `+runColumns, runID, next, now))
			return err
		}
		out, err = scanRun(tx.QueryRow(ctx, `
UPDATE runs SET control = $2, updated_at = $3
WHERE id = $1
RETURNING `+runColumns, runID, control, now))
		return err
	})
	if err != nil {
		return harvest.Run{}, fmt.Errorf("control run %s: %w", runID, err)
	}
	return out, nil
}

// GetRun fetches one run.
func (s *Store) GetRun(ctx context.Context, id string) (harvest.Run, error) {
	return scanRun(s.db.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]harvest.Run, error) {
	var w where
	if filter.SourceID != "" {
		w.add("source_id = $%d", filter.SourceID)
	}
	if filter.Status != "" {
		w.add("status = $%d", filter.Status)
	}
	if filter.Kind != "" {
		w.add("kind = $%d", filter.Kind)
	}
	query := `SELECT ` + runColumns + ` FROM runs` + w.String() + ` ORDER BY created_at DESC, id DESC`
	query += w.page(filter.Limit, filter.Offset)
	rows, err := s.db.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	out := []harvest.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// ActiveRun returns the run holding the source lease.
func (s *Store) ActiveRun(ctx context.Context, sourceID string) (harvest.Run, error) {
	return scanRun(s.db.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE source_id = $1 AND status IN `+activeStatuses, sourceID))
}

// transitionError explains why a guarded UPDATE matched no row.
func (s *Store) transitionError(ctx context.Context, runID string, to harvest.RunStatus) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if err := harvest.ValidateTransition(run.Status, to); err != nil {
		return err
	}
	return fmt.Errorf("%w: run %s changed concurrently", store.ErrLeaseLost, runID)
}
