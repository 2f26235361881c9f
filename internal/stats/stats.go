// Package stats aggregates dashboard counters over sources, runs and blocks.
package stats

import (
	"context"
	"time"
)

// Window is the trailing period used for the recent counters.
const Window = 24 * time.Hour

// Overview is the dashboard snapshot.
type Overview struct {
	Sources     SourceStats    `json:"sources"`
	Runs        RunStats       `json:"runs"`
	Blocks      BlockStats     `json:"blocks"`
	PerSource   []SourceBlocks `json:"per_source"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// SourceStats counts sources.
type SourceStats struct {
	Total    int            `json:"total"`
	Enabled  int            `json:"enabled"`
	ByStatus map[string]int `json:"by_status"`
}

// RunStats counts runs overall and in the trailing window.
type RunStats struct {
	ByStatus          map[string]int `json:"by_status"`
	Completed24h      int            `json:"completed_24h"`
	Failed24h         int            `json:"failed_24h"`
	SuccessRate24h    float64        `json:"success_rate_24h"`
	ItemsProcessed24h int64          `json:"items_processed_24h"`
}

// BlockStats counts ingested blocks.
type BlockStats struct {
	Total      int `json:"total"`
	Created24h int `json:"created_24h"`
}

// SourceBlocks is the block total of one source.
type SourceBlocks struct {
	SourceID string `json:"source_id" db:"source_id"`
	Name     string `json:"name" db:"name"`
	Blocks   int    `json:"blocks" db:"blocks"`
}

// Aggregator produces an Overview.
type Aggregator interface {
	Overview(ctx context.Context) (Overview, error)
}

// SuccessRate is completed over finished, or zero when nothing finished.
func SuccessRate(completed, failed int) float64 {
	if completed+failed == 0 {
		return 0
	}
	return float64(completed) / float64(completed+failed)
}
