package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/instrument-catalog/internal/progress"
)

// PrometheusSink exports run progress via Prometheus. It owns collectors for
// runs started/finished/running and per-source unit counters.
type PrometheusSink struct {
	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	runsRunning  prometheus.Gauge
	runRuntime   *prometheus.HistogramVec

	units        *prometheus.CounterVec
	unitRecords  *prometheus.CounterVec
	unitDuration *prometheus.HistogramVec
	checkpoints  prometheus.Counter

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "catalog_runs_started_total",
			Help: "Total runs that have started or resumed.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalog_runs_finished_total",
			Help: "Total runs that stopped, partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "catalog_runs_running",
			Help: "Current number of running runs.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "catalog_run_runtime_seconds",
			Help:    "Wall time per run, partitioned by result.",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400},
		}, []string{"result"}),
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalog_progress_units_total",
			Help: "Leaf segments finished, partitioned by source and result.",
		}, []string{"source", "result"}),
		unitRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalog_progress_records_total",
			Help: "Records handled by finished units per source.",
		}, []string{"source"}),
		unitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "catalog_unit_duration_seconds",
			Help:    "Unit latency partitioned by source.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"source"}),
		checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "catalog_checkpoints_total",
			Help: "Checkpoints persisted across all runs.",
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsFinished,
		s.runsRunning,
		s.runRuntime,
		s.units,
		s.unitRecords,
		s.unitDuration,
		s.checkpoints,
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
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.StageRunDone:
		s.finish(evt, "completed")
	case progress.StageRunError:
		s.finish(evt, "failed")
	case progress.StageRunPaused:
		s.finish(evt, "paused")
	case progress.StageRunCheckpoint:
		s.checkpoints.Inc()
	case progress.StageUnitDone:
		s.handleUnit(evt, "done")
	case progress.StageUnitFailed:
		s.handleUnit(evt, "failed")
	}
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.runsFinished.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.runRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

func (s *PrometheusSink) handleUnit(evt progress.Event, result string) {
	source := evt.Source
	if source == "" {
		source = "unknown"
	}
	s.units.WithLabelValues(source, result).Inc()
	if evt.Records > 0 {
		s.unitRecords.WithLabelValues(source).Add(float64(evt.Records))
	}
	if evt.Dur > 0 {
		s.unitDuration.WithLabelValues(source).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
