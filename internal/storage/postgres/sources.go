package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/store"
)

const sourceColumns = `id, name, type, url, enabled, scrape_interval_seconds, status,
	next_run_at, last_run_at, cursor, consecutive_failures, created_at, updated_at`

func scanSource(row pgx.Row) (harvest.Source, error) {
	var (
		src      harvest.Source
		interval int
	)
	err := row.Scan(
		&src.ID,
		&src.Name,
		&src.Type,
		&src.URL,
		&src.Enabled,
		&interval,
		&src.Status,
		&src.NextRunAt,
		&src.LastRunAt,
		&src.Cursor,
		&src.ConsecutiveFailures,
		&src.CreatedAt,
		&src.UpdatedAt,
	)
	if err != nil {
		return harvest.Source{}, notFound(err)
	}
	src.ScrapeInterval = time.Duration(interval) * time.Second
	return src, nil
}

func collectSources(rows pgx.Rows) ([]harvest.Source, error) {
	defer rows.Close()
	out := []harvest.Source{}
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	return out, nil
}

// CreateSource inserts a source. An empty ID is generated.
func (s *Store) CreateSource(ctx context.Context, src harvest.Source) (harvest.Source, error) {
	if src.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return harvest.Source{}, fmt.Errorf("generate source id: %w", err)
		}
		src.ID = id
	}
	if src.Status == "" {
		src.Status = harvest.SourceStatusActive
	}
	row := s.db.QueryRow(ctx, `
INSERT INTO sources (id, name, type, url, enabled, scrape_interval_seconds, status)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING `+sourceColumns,
		src.ID,
		src.Name,
		src.Type,
		src.URL,
		src.Enabled,
		int(src.ScrapeInterval/time.Second),
		src.Status,
	)
	created, err := scanSource(row)
	if err != nil {
		return harvest.Source{}, fmt.Errorf("insert source: %w", err)
	}
	return created, nil
}

// GetSource fetches one source.
func (s *Store) GetSource(ctx context.Context, id string) (harvest.Source, error) {
	return getSource(ctx, s.db, id, false)
}

func getSource(ctx context.Context, q querier, id string, forUpdate bool) (harvest.Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	return scanSource(q.QueryRow(ctx, query, id))
}

// ListSources returns sources ordered by creation time.
func (s *Store) ListSources(ctx context.Context, filter store.SourceFilter) ([]harvest.Source, error) {
	var w where
	if filter.Status != "" {
		w.add("status = $%d", filter.Status)
	}
	if filter.Type != "" {
		w.add("type = $%d", filter.Type)
	}
	query := `SELECT ` + sourceColumns + ` FROM sources` + w.String() + ` ORDER BY created_at, id`
	query += w.page(filter.Limit, filter.Offset)
	rows, err := s.db.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return collectSources(rows)
}

// UpdateSource applies operator edits. Enabling a source clears escalation.
func (s *Store) UpdateSource(ctx context.Context, id string, patch store.SourcePatch, now time.Time) (harvest.Source, error) {
	var out harvest.Source
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		src, err := getSource(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if patch.Name != nil {
			src.Name = *patch.Name
		}
		if patch.URL != nil {
			src.URL = *patch.URL
		}
		if patch.Type != nil {
			src.Type = *patch.Type
		}
		if patch.ScrapeInterval != nil {
			src.ScrapeInterval = *patch.ScrapeInterval
		}
		if patch.Enabled != nil {
			src.Enabled = *patch.Enabled
			if src.Enabled {
				src.Status = harvest.SourceStatusActive
				src.ConsecutiveFailures = 0
			} else {
				src.Status = harvest.SourceStatusDisabled
			}
		}
		src.UpdatedAt = now
		out, err = scanSource(tx.QueryRow(ctx, `
UPDATE sources
SET name = $2, url = $3, type = $4, enabled = $5, scrape_interval_seconds = $6,
	status = $7, consecutive_failures = $8, updated_at = $9
WHERE id = $1
RETURNING `+sourceColumns,
			src.ID,
			src.Name,
			src.URL,
			src.Type,
			src.Enabled,
			int(src.ScrapeInterval/time.Second),
			src.Status,
			src.ConsecutiveFailures,
			src.UpdatedAt,
		))
		return err
	})
	if err != nil {
		return harvest.Source{}, fmt.Errorf("update source %s: %w", id, err)
	}
	return out, nil
}

// IdleSources lists runnable sources without an active run.
func (s *Store) IdleSources(ctx context.Context, q store.IdleQuery) ([]harvest.Source, error) {
	limit, _ := store.NormalizePage(q.Limit, 0)
	rows, err := s.db.Query(ctx, `
SELECT `+sourceColumns+`
FROM sources s
WHERE s.enabled AND s.status = 'active'
	AND (NOT $2 OR s.next_run_at IS NULL OR s.next_run_at <= $1)
	AND NOT EXISTS (
		SELECT 1 FROM runs r
		WHERE r.source_id = s.id AND r.status IN ('queued', 'running', 'paused')
	)
ORDER BY s.next_run_at NULLS FIRST, s.id
LIMIT $3`, q.Now, q.DueOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("list idle sources: %w", err)
	}
	return collectSources(rows)
}

// saveSourceState writes the coordinator-owned fields of a locked source.
func saveSourceState(ctx context.Context, tx pgx.Tx, src harvest.Source) (harvest.Source, error) {
	return scanSource(tx.QueryRow(ctx, `
UPDATE sources
SET status = $2, consecutive_failures = $3, cursor = $4, next_run_at = $5, last_run_at = $6, updated_at = $7
WHERE id = $1
RETURNING `+sourceColumns,
		src.ID,
		src.Status,
		src.ConsecutiveFailures,
		src.Cursor,
		src.NextRunAt,
		src.LastRunAt,
		src.UpdatedAt,
	))
}
