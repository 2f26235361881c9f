package stats

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/JakeFAU/harvester/internal/harvest"
)

const (
	sourceCountsSQL = `SELECT status, enabled, COUNT(*) AS n FROM sources GROUP BY status, enabled`
	runCountsSQL    = `SELECT status, COUNT(*) AS n FROM runs GROUP BY status`
	recentRunsSQL   = `
		SELECT
			COUNT(*) FILTER (WHERE status = 'completed') AS completed,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COALESCE(SUM((counters->>'items_processed')::bigint), 0) AS items_processed
		FROM runs
		WHERE finished_at >= $1`
	blockCountsSQL = `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE created_at >= $1) AS recent
		FROM blocks`
	perSourceSQL = `
		SELECT s.id AS source_id, s.name, COUNT(b.id) AS blocks
		FROM sources s
		LEFT JOIN blocks b ON b.source_id = s.id
		GROUP BY s.id, s.name
		ORDER BY blocks DESC, s.id`
)

type sourceCount struct {
	Status  string `db:"status"`
	Enabled bool   `db:"enabled"`
	N       int    `db:"n"`
}

type runCount struct {
	Status string `db:"status"`
	N      int    `db:"n"`
}

type recentRuns struct {
	Completed      int   `db:"completed"`
	Failed         int   `db:"failed"`
	ItemsProcessed int64 `db:"items_processed"`
}

type blockCounts struct {
	Total  int `db:"total"`
	Recent int `db:"recent"`
}

// Postgres aggregates with read-only SQL through sqlx.
type Postgres struct {
	db    *sqlx.DB
	clock harvest.Clock
}

// NewPostgres wraps an sqlx handle.
func NewPostgres(db *sqlx.DB, clock harvest.Clock) *Postgres {
	return &Postgres{db: db, clock: clock}
}

// NewPostgresFromPool opens a database/sql view over an existing pgx pool.
func NewPostgresFromPool(pool *pgxpool.Pool, clock harvest.Clock) *Postgres {
	return NewPostgres(sqlx.NewDb(stdlib.OpenDBFromPool(pool), "pgx"), clock)
}

// Close releases the database/sql handle. The pool stays open.
func (p *Postgres) Close() error {
	if err := p.db.Close(); err != nil {
		return fmt.Errorf("close stats db: %w", err)
	}
	return nil
}

// Overview implements Aggregator.
func (p *Postgres) Overview(ctx context.Context) (Overview, error) {
	now := p.clock.Now()
	since := now.Add(-Window)
	out := Overview{
		Sources:     SourceStats{ByStatus: map[string]int{}},
		Runs:        RunStats{ByStatus: map[string]int{}},
		GeneratedAt: now,
	}

	var sources []sourceCount
	if err := p.db.SelectContext(ctx, &sources, sourceCountsSQL); err != nil {
		return Overview{}, fmt.Errorf("count sources: %w", err)
	}
	for _, row := range sources {
		out.Sources.Total += row.N
		out.Sources.ByStatus[row.Status] += row.N
		if row.Enabled {
			out.Sources.Enabled += row.N
		}
	}

	var runs []runCount
	if err := p.db.SelectContext(ctx, &runs, runCountsSQL); err != nil {
		return Overview{}, fmt.Errorf("count runs: %w", err)
	}
	for _, row := range runs {
		out.Runs.ByStatus[row.Status] = row.N
	}

	var recent recentRuns
	if err := p.db.GetContext(ctx, &recent, recentRunsSQL, since); err != nil {
		return Overview{}, fmt.Errorf("count recent runs: %w", err)
	}
	out.Runs.Completed24h = recent.Completed
	out.Runs.Failed24h = recent.Failed
	out.Runs.ItemsProcessed24h = recent.ItemsProcessed
	out.Runs.SuccessRate24h = SuccessRate(recent.Completed, recent.Failed)

	var blocks blockCounts
	if err := p.db.GetContext(ctx, &blocks, blockCountsSQL, since); err != nil {
		return Overview{}, fmt.Errorf("count blocks: %w", err)
	}
	out.Blocks = BlockStats{Total: blocks.Total, Created24h: blocks.Recent}

	out.PerSource = []SourceBlocks{}
	if err := p.db.SelectContext(ctx, &out.PerSource, perSourceSQL); err != nil {
		return Overview{}, fmt.Errorf("count blocks per source: %w", err)
	}
	return out, nil
}
