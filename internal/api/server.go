package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/config"
	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/metrics"
	"github.com/JakeFAU/harvester/internal/stats"
	"github.com/JakeFAU/harvester/internal/store"
)

const (
	enqueueTimeout = 5 * time.Second
	maxBodyBytes   = 1 << 20
)

// Presigner issues time-limited media URLs.
type Presigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Dependencies are the collaborators behind the routes.
type Dependencies struct {
	Repo  store.Repository
	Queue harvest.Enqueuer
	Media Presigner
	Stats stats.Aggregator
	IDs   harvest.IDGenerator
	Clock harvest.Clock
}

// Server wires HTTP handlers to the repositories and the job queue.
type Server struct {
	router chi.Router
	deps   Dependencies
	reads  *ReadHandler
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Dependencies, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:   deps,
		reads:  NewReadHandler(deps.Repo, deps.Stats, logger),
		cfg:    cfg,
		logger: logger,
	}
	timeout := time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sources", func(r chi.Router) {
			r.Post("/", s.createSource)
			r.Get("/", s.listSources)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getSource)
				r.Patch("/", s.updateSource)
				r.Post("/sweeps", s.enqueueSweep)
			})
		})
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.reads.ListRuns)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.reads.GetRun)
				r.Post("/pause", s.controlRun(harvest.RunControlPause))
				r.Post("/resume", s.controlRun(harvest.RunControlResume))
				r.Post("/cancel", s.controlRun(harvest.RunControlCancel))
			})
		})
		r.Route("/blocks", func(r chi.Router) {
			r.Get("/", s.reads.ListBlocks)
			r.Get("/{id}", s.reads.GetBlock)
		})
		r.Get("/media/*", s.mediaURL)
		r.Get("/stats", s.reads.Stats)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Repo.Ping(ctx); err != nil {
		s.logger.Warn("readiness ping failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type createSourceRequest struct {
	Name                  string             `json:"name"`
	URL                   string             `json:"url"`
	Type                  harvest.SourceType `json:"type"`
	Enabled               *bool              `json:"enabled"`
	ScrapeIntervalSeconds *int               `json:"scrape_interval_seconds"`
}

func (s *Server) createSource(w http.ResponseWriter, r *http.Request) {
	var req createSourceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	srcType, err := harvest.ClassifySource(req.URL, req.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	interval := valueOrDefault(req.ScrapeIntervalSeconds, s.cfg.Scheduler.DefaultScrapeSeconds)
	if interval < 0 {
		writeError(w, http.StatusBadRequest, "scrape_interval_seconds must be >= 0")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = req.URL
	}
	src, err := s.deps.Repo.CreateSource(r.Context(), harvest.Source{
		Name:           name,
		Type:           srcType,
		URL:            strings.TrimSpace(req.URL),
		Enabled:        valueOrDefault(req.Enabled, true),
		ScrapeInterval: time.Duration(interval) * time.Second,
		Status:         harvest.SourceStatusActive,
	})
	if err != nil {
		s.logger.Error("create source failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create source")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"source": toSourceDTO(src)})
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, store.DefaultLimit, store.MaxLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := store.SourceFilter{Limit: limit, Offset: offset}
	if v := r.URL.Query().Get("status"); v != "" {
		filter.Status = harvest.SourceStatus(v)
		if !filter.Status.Valid() {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
	}
	if v := r.URL.Query().Get("type"); v != "" {
		filter.Type = harvest.SourceType(v)
		if !filter.Type.Valid() {
			writeError(w, http.StatusBadRequest, "invalid type")
			return
		}
	}
	sources, err := s.deps.Repo.ListSources(r.Context(), filter)
	if err != nil {
		s.logger.Error("list sources failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list sources")
		return
	}
	out := make([]sourceDTO, 0, len(sources))
	for _, src := range sources {
		out = append(out, toSourceDTO(src))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": out})
}

func (s *Server) getSource(w http.ResponseWriter, r *http.Request) {
	src, err := s.deps.Repo.GetSource(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeRepoError(w, err, "source")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": toSourceDTO(src)})
}

type updateSourceRequest struct {
	Name                  *string             `json:"name"`
	URL                   *string             `json:"url"`
	Type                  *harvest.SourceType `json:"type"`
	Enabled               *bool               `json:"enabled"`
	ScrapeIntervalSeconds *int                `json:"scrape_interval_seconds"`
}

func (s *Server) updateSource(w http.ResponseWriter, r *http.Request) {
	var req updateSourceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	patch := store.SourcePatch{Name: req.Name, URL: req.URL, Type: req.Type, Enabled: req.Enabled}
	if req.Type != nil && !req.Type.Valid() {
		writeError(w, http.StatusBadRequest, "invalid type")
		return
	}
	if req.ScrapeIntervalSeconds != nil {
		if *req.ScrapeIntervalSeconds < 0 {
			writeError(w, http.StatusBadRequest, "scrape_interval_seconds must be >= 0")
			return
		}
		d := time.Duration(*req.ScrapeIntervalSeconds) * time.Second
		patch.ScrapeInterval = &d
	}
	src, err := s.deps.Repo.UpdateSource(r.Context(), chi.URLParam(r, "id"), patch, s.deps.Clock.Now())
	if err != nil {
		s.writeRepoError(w, err, "source")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": toSourceDTO(src)})
}

type sweepRequest struct {
	Kind harvest.SweepKind `json:"kind"`
}

// enqueueSweep accepts a sweep unless another run already holds the lease.
// The lease itself is taken by the coordinator, so two racing requests
// can both be accepted; the loser is requeued as busy by the dispatcher.
func (s *Server) enqueueSweep(w http.ResponseWriter, r *http.Request) {
	var req sweepRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Kind == "" {
		req.Kind = harvest.SweepKindManual
	}
	if !req.Kind.Valid() {
		writeError(w, http.StatusBadRequest, "invalid kind")
		return
	}
	src, err := s.deps.Repo.GetSource(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeRepoError(w, err, "source")
		return
	}
	if !src.Runnable() {
		writeError(w, http.StatusConflict, fmt.Sprintf("source is %s", describeSource(src)))
		return
	}
	active, err := s.deps.Repo.ActiveRun(r.Context(), src.ID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  harvest.ErrSourceBusy.Error(),
			"run_id": active.ID,
			"status": string(active.Status),
		})
		return
	case !errors.Is(err, store.ErrNotFound):
		s.logger.Error("load active run failed", zap.String("source_id", src.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to check source lease")
		return
	}

	deliveryID, err := s.enqueue(r.Context(), src.ID, req.Kind)
	if err != nil {
		s.logger.Error("enqueue sweep failed", zap.String("source_id", src.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to enqueue sweep")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"delivery_id": deliveryID,
		"source_id":   src.ID,
		"kind":        string(req.Kind),
	})
}

func (s *Server) controlRun(control harvest.RunControl) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := s.deps.Repo.RequestControl(r.Context(), chi.URLParam(r, "id"), control, s.deps.Clock.Now())
		if err != nil {
			s.writeRepoError(w, err, "run")
			return
		}
		resp := map[string]any{"run": toRunDTO(run)}
		if control == harvest.RunControlResume {
			deliveryID, err := s.enqueue(r.Context(), run.SourceID, run.Kind)
			if err != nil {
				s.logger.Error("enqueue resume failed", zap.String("run_id", run.ID), zap.Error(err))
				writeError(w, http.StatusInternalServerError, "failed to enqueue resume")
				return
			}
			resp["delivery_id"] = deliveryID
		}
		writeJSON(w, http.StatusAccepted, resp)
	}
}

func (s *Server) enqueue(ctx context.Context, sourceID string, kind harvest.SweepKind) (string, error) {
	id, err := s.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate delivery id: %w", err)
	}
	queueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	req := harvest.SweepRequest{ID: id, SourceID: sourceID, Kind: kind, RequestedAt: s.deps.Clock.Now()}
	if err := s.deps.Queue.Enqueue(queueCtx, req); err != nil {
		return "", fmt.Errorf("enqueue sweep: %w", err)
	}
	metrics.ObserveSweepEnqueued(string(kind), "api")
	return id, nil
}

// mediaURL handles GET /v1/media/{key}/url. Keys contain slashes, so the
// route is a wildcard with the /url suffix stripped.
func (s *Server) mediaURL(w http.ResponseWriter, r *http.Request) {
	rest := chi.URLParam(r, "*")
	key, ok := strings.CutSuffix(rest, "/url")
	if !ok || key == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if s.deps.Media == nil {
		writeError(w, http.StatusServiceUnavailable, "media store unavailable")
		return
	}
	var ttl time.Duration
	if v := r.URL.Query().Get("ttl"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid ttl")
			return
		}
		ttl = d
	}
	u, err := s.deps.Media.PresignGet(r.Context(), key, ttl)
	if err != nil {
		s.logger.Error("presign failed", zap.String("key", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to presign media")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "url": u})
}

func (s *Server) writeRepoError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, harvest.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("repository call failed", zap.String("entity", what), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load "+what)
	}
}

func describeSource(src harvest.Source) string {
	if !src.Enabled {
		return "disabled"
	}
	return string(src.Status)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
