package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/stats"
	"github.com/JakeFAU/harvester/internal/store"
)

const readTimeout = 3 * time.Second

// ReadHandler exposes read-only run, block and stats endpoints.
type ReadHandler struct {
	repo    store.Repository
	stats   stats.Aggregator
	timeout time.Duration
	logger  *zap.Logger
}

// NewReadHandler wires the repository, aggregator and logger.
func NewReadHandler(repo store.Repository, agg stats.Aggregator, logger *zap.Logger) *ReadHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReadHandler{
		repo:    repo,
		stats:   agg,
		timeout: readTimeout,
		logger:  logger,
	}
}

// ListRuns handles GET /v1/runs?source_id=&status=&kind=&limit=&offset=. It
// returns {"runs": [...]} newest first, 400 for invalid filters, or 500 if
// the repository call fails.
func (h *ReadHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, store.DefaultLimit, store.MaxLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	filter := store.RunFilter{
		SourceID: strings.TrimSpace(q.Get("source_id")),
		Limit:    limit,
		Offset:   offset,
	}
	if v := strings.TrimSpace(q.Get("status")); v != "" {
		filter.Status = harvest.RunStatus(strings.ToLower(v))
		if !filter.Status.Valid() {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
	}
	if v := strings.TrimSpace(q.Get("kind")); v != "" {
		filter.Kind = harvest.SweepKind(strings.ToLower(v))
		if !filter.Kind.Valid() {
			writeError(w, http.StatusBadRequest, "invalid kind")
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	runs, err := h.repo.ListRuns(ctx, filter)
	if err != nil {
		h.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	out := make([]runDTO, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

// GetRun handles GET /v1/runs/{id}. It returns {"run": {...}}, or 404 when
// the repository reports store.ErrNotFound.
func (h *ReadHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.repo.GetRun(ctx, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error("get run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": toRunDTO(run)})
}

// ListBlocks handles GET /v1/blocks?source_id=&limit=&offset=.
func (h *ReadHandler) ListBlocks(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, store.DefaultLimit, store.MaxLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	blocks, err := h.repo.ListBlocks(ctx, store.BlockFilter{
		SourceID: strings.TrimSpace(r.URL.Query().Get("source_id")),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		h.logger.Error("list blocks failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list blocks")
		return
	}
	if blocks == nil {
		blocks = []harvest.Block{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocks": blocks})
}

// GetBlock handles GET /v1/blocks/{id}.
func (h *ReadHandler) GetBlock(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	block, err := h.repo.GetBlock(ctx, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "block not found")
			return
		}
		h.logger.Error("get block failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load block")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"block": block})
}

// Stats handles GET /v1/stats.
func (h *ReadHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		writeError(w, http.StatusServiceUnavailable, "stats unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	overview, err := h.stats.Overview(ctx)
	if err != nil {
		h.logger.Error("stats overview failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

type sourceDTO struct {
	harvest.Source
	ScrapeIntervalSeconds int64 `json:"scrape_interval_seconds"`
}

func toSourceDTO(src harvest.Source) sourceDTO {
	return sourceDTO{Source: src, ScrapeIntervalSeconds: int64(src.ScrapeInterval / time.Second)}
}

type runDTO struct {
	harvest.Run
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
}

func toRunDTO(run harvest.Run) runDTO {
	dto := runDTO{Run: run}
	if run.StartedAt != nil && run.FinishedAt != nil {
		d := run.FinishedAt.Sub(*run.StartedAt).Seconds()
		dto.DurationSeconds = &d
	}
	return dto
}
