package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/instrument-catalog/internal/config"
)

func TestObserveUnitCountsRecords(t *testing.T) {
	before := testutil.ToFloat64(catalogRecordsTotal.WithLabelValues("telemetry_test"))
	ObserveUnit("telemetry_test", OutcomeSuccess, 7)
	ObserveUnit("telemetry_test", OutcomeFailed, 0)

	require.Equal(t, before+7, testutil.ToFloat64(catalogRecordsTotal.WithLabelValues("telemetry_test")))
	require.GreaterOrEqual(t, testutil.ToFloat64(catalogUnitsTotal.WithLabelValues("telemetry_test", OutcomeFailed)), 1.0)
}

func TestObserveMergeOutcome(t *testing.T) {
	accepted := testutil.ToFloat64(catalogMergesTotal.WithLabelValues(OutcomeAccepted))
	rejected := testutil.ToFloat64(catalogMergesTotal.WithLabelValues(OutcomeRejected))
	ObserveMerge(true)
	ObserveMerge(false)
	ObserveMerge(false)

	require.Equal(t, accepted+1, testutil.ToFloat64(catalogMergesTotal.WithLabelValues(OutcomeAccepted)))
	require.Equal(t, rejected+2, testutil.ToFloat64(catalogMergesTotal.WithLabelValues(OutcomeRejected)))
}

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/runs/{run_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "418"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/abc", nil))

	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "418")))
}

func TestInitTelemetryWithoutProject(t *testing.T) {
	cfg := config.Config{Application: config.ApplicationConfig{ServiceName: "catalog-test"}}
	tp, mp, err := InitTelemetry(context.Background(), &cfg)
	require.NoError(t, err)
	require.NotNil(t, tp)
	require.NotNil(t, mp)

	ctx, span := StartSpan(context.Background(), "test")
	require.NotNil(t, ctx)
	EndSpan(span, errors.New("boom"))
	ObserveRateLimitDelay("telemetry_test", 10*time.Millisecond)
}
