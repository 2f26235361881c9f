package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/stats"
	"github.com/JakeFAU/harvester/internal/store"
)

type fakeReadRepo struct {
	store.Repository
	runs      []harvest.Run
	blocks    []harvest.Block
	runFilter store.RunFilter
	err       error
}

func (f *fakeReadRepo) ListRuns(_ context.Context, filter store.RunFilter) ([]harvest.Run, error) {
	f.runFilter = filter
	return f.runs, f.err
}

func (f *fakeReadRepo) GetRun(_ context.Context, id string) (harvest.Run, error) {
	for _, r := range f.runs {
		if r.ID == id {
			return r, nil
		}
	}
	if f.err != nil {
		return harvest.Run{}, f.err
	}
	return harvest.Run{}, store.ErrNotFound
}

func (f *fakeReadRepo) ListBlocks(context.Context, store.BlockFilter) ([]harvest.Block, error) {
	return f.blocks, f.err
}

func (f *fakeReadRepo) GetBlock(_ context.Context, id string) (harvest.Block, error) {
	for _, b := range f.blocks {
		if b.ID == id {
			return b, nil
		}
	}
	return harvest.Block{}, store.ErrNotFound
}

type fakeAggregator struct {
	overview stats.Overview
	err      error
}

func (f fakeAggregator) Overview(context.Context) (stats.Overview, error) {
	return f.overview, f.err
}

func serveRead(handler http.HandlerFunc, pattern, target string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Get(pattern, handler)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestListRunsPassesFilter(t *testing.T) {
	t.Parallel()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	finished := started.Add(90 * time.Second)
	repo := &fakeReadRepo{runs: []harvest.Run{{
		ID: "run-1", SourceID: "src-1", Kind: harvest.SweepKindTail, Status: harvest.RunStatusCompleted,
		StartedAt: &started, FinishedAt: &finished,
	}}}
	h := NewReadHandler(repo, nil, zap.NewNop())

	rec := serveRead(h.ListRuns, "/runs", "/runs?source_id=src-1&status=COMPLETED&kind=tail&limit=1000&offset=5")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, store.RunFilter{
		SourceID: "src-1",
		Status:   harvest.RunStatusCompleted,
		Kind:     harvest.SweepKindTail,
		Limit:    store.MaxLimit,
		Offset:   5,
	}, repo.runFilter)
	assert.Contains(t, rec.Body.String(), `"duration_seconds":90`)
}

func TestListRunsRejectsBadQuery(t *testing.T) {
	t.Parallel()
	h := NewReadHandler(&fakeReadRepo{}, nil, zap.NewNop())

	for _, target := range []string{
		"/runs?limit=0",
		"/runs?limit=abc",
		"/runs?offset=-1",
		"/runs?status=done",
		"/runs?kind=sideways",
	} {
		rec := serveRead(h.ListRuns, "/runs", target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestListRunsRepositoryError(t *testing.T) {
	t.Parallel()
	h := NewReadHandler(&fakeReadRepo{err: errors.New("db down")}, nil, zap.NewNop())

	rec := serveRead(h.ListRuns, "/runs", "/runs")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetRunAndBlockNotFound(t *testing.T) {
	t.Parallel()
	h := NewReadHandler(&fakeReadRepo{}, nil, zap.NewNop())

	rec := serveRead(h.GetRun, "/runs/{id}", "/runs/nope")
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = serveRead(h.GetBlock, "/blocks/{id}", "/blocks/nope")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListBlocksEmptyIsArray(t *testing.T) {
	t.Parallel()
	h := NewReadHandler(&fakeReadRepo{}, nil, zap.NewNop())

	rec := serveRead(h.ListBlocks, "/blocks", "/blocks?source_id=src-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"blocks":[]}`, rec.Body.String())
}

func TestReadHandlersWithoutBackends(t *testing.T) {
	t.Parallel()
	h := NewReadHandler(nil, nil, zap.NewNop())

	rec := serveRead(h.ListRuns, "/runs", "/runs")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = serveRead(h.Stats, "/stats", "/stats")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatsHandler(t *testing.T) {
	t.Parallel()
	h := NewReadHandler(nil, fakeAggregator{overview: stats.Overview{
		Blocks: stats.BlockStats{Total: 42},
	}}, zap.NewNop())

	rec := serveRead(h.Stats, "/stats", "/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `42`)

	h = NewReadHandler(nil, fakeAggregator{err: errors.New("boom")}, zap.NewNop())
	rec = serveRead(h.Stats, "/stats", "/stats")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
