package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/harvester/internal/progress"
)

// PrometheusSink exports run progress metrics via Prometheus. It owns all
// collectors for runs started/finished/running and per-item counters.
type PrometheusSink struct {
	runsStarted  *prometheus.CounterVec
	runsFinished *prometheus.CounterVec
	runsRunning  prometheus.Gauge
	runDuration  *prometheus.HistogramVec

	pagesFetched   *prometheus.CounterVec
	pageDuration   prometheus.Histogram
	itemsProcessed *prometheus.CounterVec
	itemErrors     *prometheus.CounterVec
	mediaUploaded  *prometheus.CounterVec
	mediaBytes     *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_runs_started_total",
			Help: "Runs that entered the running state, by sweep kind.",
		}, []string{"kind"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_runs_finished_total",
			Help: "Runs that left the running state, by sweep kind and status.",
		}, []string{"kind", "status"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_runs_running",
			Help: "Current number of runs executing in this process.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_run_duration_seconds",
			Help:    "Wall time per run segment, by sweep kind and status.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"kind", "status"}),
		pagesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_pages_fetched_total",
			Help: "Listing pages fetched per site.",
		}, []string{"site"}),
		pageDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvester_page_fetch_duration_seconds",
			Help:    "Listing page fetch latency.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		itemsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_items_processed_total",
			Help: "Items upserted into blocks, by sweep kind.",
		}, []string{"kind"}),
		itemErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_item_errors_total",
			Help: "Items skipped after an error, by sweep kind.",
		}, []string{"kind"}),
		mediaUploaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_media_uploaded_total",
			Help: "Media objects written to the blob store, per site.",
		}, []string{"site"}),
		mediaBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_media_bytes_total",
			Help: "Bytes written to the blob store, per site.",
		}, []string{"site"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsFinished,
		s.runsRunning,
		s.runDuration,
		s.pagesFetched,
		s.pageDuration,
		s.itemsProcessed,
		s.itemErrors,
		s.mediaUploaded,
		s.mediaBytes,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	kind := string(evt.Kind)
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.WithLabelValues(kind).Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.StageRunDone:
		status := string(evt.Status)
		s.runsFinished.WithLabelValues(kind, status).Inc()
		if evt.Dur > 0 {
			s.runDuration.WithLabelValues(kind, status).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.RunID) {
			s.runsRunning.Dec()
		}
	case progress.StagePageDone:
		s.pagesFetched.WithLabelValues(site(evt)).Inc()
		if evt.Dur > 0 {
			s.pageDuration.Observe(evt.Dur.Seconds())
		}
	case progress.StageItemDone:
		s.itemsProcessed.WithLabelValues(kind).Inc()
		if evt.Uploaded {
			s.mediaUploaded.WithLabelValues(site(evt)).Inc()
			if evt.Bytes > 0 {
				s.mediaBytes.WithLabelValues(site(evt)).Add(float64(evt.Bytes))
			}
		}
	case progress.StageItemError:
		s.itemErrors.WithLabelValues(kind).Inc()
	}
}

func site(evt progress.Event) string {
	if evt.Site == "" {
		return "unknown"
	}
	return evt.Site
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]struct{})}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
