package stats

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/store"
)

// Repository aggregates by paging through a store.Repository. It backs the
// in-memory deployment, where there is no SQL to push the counting into.
type Repository struct {
	repo  store.Repository
	clock harvest.Clock
}

// NewRepository builds a Repository aggregator.
func NewRepository(repo store.Repository, clock harvest.Clock) *Repository {
	return &Repository{repo: repo, clock: clock}
}

// Overview implements Aggregator.
func (r *Repository) Overview(ctx context.Context) (Overview, error) {
	now := r.clock.Now()
	since := now.Add(-Window)
	out := Overview{
		Sources:     SourceStats{ByStatus: map[string]int{}},
		Runs:        RunStats{ByStatus: map[string]int{}},
		PerSource:   []SourceBlocks{},
		GeneratedAt: now,
	}

	var sources []harvest.Source
	for offset := 0; ; offset += store.MaxLimit {
		page, err := r.repo.ListSources(ctx, store.SourceFilter{Limit: store.MaxLimit, Offset: offset})
		if err != nil {
			return Overview{}, fmt.Errorf("list sources: %w", err)
		}
		sources = append(sources, page...)
		if len(page) < store.MaxLimit {
			break
		}
	}
	for _, src := range sources {
		out.Sources.Total++
		out.Sources.ByStatus[string(src.Status)]++
		if src.Enabled {
			out.Sources.Enabled++
		}
		n, err := r.repo.CountBlocks(ctx, src.ID)
		if err != nil {
			return Overview{}, fmt.Errorf("count blocks for %s: %w", src.ID, err)
		}
		out.Blocks.Total += n
		out.PerSource = append(out.PerSource, SourceBlocks{SourceID: src.ID, Name: src.Name, Blocks: n})

		recent, err := r.recentBlocks(ctx, src.ID, since)
		if err != nil {
			return Overview{}, err
		}
		out.Blocks.Created24h += recent
	}
	sort.Slice(out.PerSource, func(i, j int) bool {
		if out.PerSource[i].Blocks == out.PerSource[j].Blocks {
			return out.PerSource[i].SourceID < out.PerSource[j].SourceID
		}
		return out.PerSource[i].Blocks > out.PerSource[j].Blocks
	})

	for offset := 0; ; offset += store.MaxLimit {
		page, err := r.repo.ListRuns(ctx, store.RunFilter{Limit: store.MaxLimit, Offset: offset})
		if err != nil {
			return Overview{}, fmt.Errorf("list runs: %w", err)
		}
		for _, run := range page {
			out.Runs.ByStatus[string(run.Status)]++
			if run.FinishedAt == nil || run.FinishedAt.Before(since) {
				continue
			}
			switch run.Status {
			case harvest.RunStatusCompleted:
				out.Runs.Completed24h++
			case harvest.RunStatusFailed:
				out.Runs.Failed24h++
			}
			out.Runs.ItemsProcessed24h += int64(run.Counters.ItemsProcessed)
		}
		if len(page) < store.MaxLimit {
			break
		}
	}
	out.Runs.SuccessRate24h = SuccessRate(out.Runs.Completed24h, out.Runs.Failed24h)
	return out, nil
}

// recentBlocks walks blocks newest first until it passes since.
func (r *Repository) recentBlocks(ctx context.Context, sourceID string, since time.Time) (int, error) {
	n := 0
	for offset := 0; ; offset += store.MaxLimit {
		page, err := r.repo.ListBlocks(ctx, store.BlockFilter{SourceID: sourceID, Limit: store.MaxLimit, Offset: offset})
		if err != nil {
			return 0, fmt.Errorf("list blocks for %s: %w", sourceID, err)
		}
		for _, b := range page {
			if b.CreatedAt.Before(since) {
				return n, nil
			}
			n++
		}
		if len(page) < store.MaxLimit {
			return n, nil
		}
	}
}
