// Package telemetry unifies OpenTelemetry tracing (Google Cloud) and Prometheus metrics.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/JakeFAU/instrument-catalog/internal/config"

	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Outcome labels shared by the unit and merge counters.
const (
	OutcomeSuccess  = "success"
	OutcomeFailed   = "failed"
	OutcomeRetried  = "retried"
	OutcomeSkipped  = "skipped"
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
)

var (
	catalogUnitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_units_total",
			Help: "Total number of leaf segments processed, labeled by source and outcome.",
		},
		[]string{"source", "outcome"},
	)

	catalogRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_records_total",
			Help: "Total number of raw records fetched, labeled by source.",
		},
		[]string{"source"},
	)

	catalogMergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_merges_total",
			Help: "Total number of field contributions merged, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	catalogRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_runs_total",
			Help: "Total number of runs that reached a status, labeled by status.",
		},
		[]string{"status"},
	)

	catalogActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "catalog_active_workers",
			Help: "Number of workers currently processing a segment.",
		},
	)

	catalogRateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "catalog_rate_limit_delay_seconds",
			Help:    "Histogram of rate limit wait durations per source.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"source"},
	)

	catalogFetchRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_fetch_retries_total",
			Help: "Total number of retried source calls, labeled by source.",
		},
		[]string{"source"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

var (
	initOnce  sync.Once
	traceProv *sdktrace.TracerProvider
	meterProv *metric.MeterProvider
	initErr   error
)

// InitTelemetry sets up tracing (Google Cloud Trace when a project is
// configured) and bridges OpenTelemetry metrics onto the Prometheus registry.
func InitTelemetry(ctx context.Context, cfg *config.Config) (*sdktrace.TracerProvider, *metric.MeterProvider, error) {
	initOnce.Do(func() {
		res, err := resource.New(ctx,
			resource.WithAttributes(
				semconv.ServiceName(cfg.Application.ServiceName),
				semconv.ServiceVersion(cfg.Application.Version),
				semconv.CloudAccountID(cfg.Application.ProjectNumber),
				semconv.CloudRegion(cfg.Application.Region),
				semconv.CloudProviderGCP,
			),
		)
		if err != nil {
			initErr = fmt.Errorf("failed to create resource: %w", err)
			return
		}

		var traceExporter sdktrace.SpanExporter
		if cfg.Application.ProjectID != "" {
			traceExporter, err = texporter.New(texporter.WithProjectID(cfg.Application.ProjectID))
			if err != nil {
				initErr = fmt.Errorf("failed to create google trace exporter: %w", err)
				return
			}
		}

		opts := []sdktrace.TracerProviderOption{
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.1))),
		}
		if traceExporter != nil {
			opts = append(opts, sdktrace.WithBatcher(traceExporter))
		}

		tp := sdktrace.NewTracerProvider(opts...)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(
			propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
		)

		// Share the promauto registry so both metric families land on /metrics.
		promExporter, err := otelprom.New(otelprom.WithRegisterer(prometheus.DefaultRegisterer))
		if err != nil {
			initErr = fmt.Errorf("failed to create prometheus exporter: %w", err)
			return
		}

		mp := metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(promExporter),
		)
		otel.SetMeterProvider(mp)
		traceProv = tp
		meterProv = mp
	})
	return traceProv, meterProv, initErr
}

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

// ObserveUnit records the outcome of one leaf segment.
func ObserveUnit(source, outcome string, records int) {
	catalogUnitsTotal.WithLabelValues(source, outcome).Inc()
	if records > 0 {
		catalogRecordsTotal.WithLabelValues(source).Add(float64(records))
	}
}

// ObserveMerge records whether a contribution became the visible value.
func ObserveMerge(accepted bool) {
	outcome := OutcomeRejected
	if accepted {
		outcome = OutcomeAccepted
	}
	catalogMergesTotal.WithLabelValues(outcome).Inc()
}

// ObserveRun records a run reaching status.
func ObserveRun(status string) {
	catalogRunsTotal.WithLabelValues(status).Inc()
}

// ObserveRetry records one retried source call.
func ObserveRetry(source string) {
	catalogFetchRetriesTotal.WithLabelValues(source).Inc()
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active worker count.
func IncActiveWorkers() {
	catalogActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active worker count.
func DecActiveWorkers() {
	catalogActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(source string, duration time.Duration) {
	catalogRateLimitDelaySeconds.WithLabelValues(source).Observe(duration.Seconds())
}
