package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/instrument-catalog/internal/progress"
	"github.com/JakeFAU/instrument-catalog/internal/publisher/memory"
)

func TestPublisherSinkForwardsLifecycleOnly(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink, err := NewPublisherSink(pub, "catalog-runs", nil)
	require.NoError(t, err)

	id := uuid.New()
	runID := progress.UUIDToBytes(id)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, TS: time.Now(), Stage: progress.StageRunStart, Source: "issuer_api"},
		{RunID: runID, TS: time.Now(), Stage: progress.StageUnitDone, Segment: "issuer_api||A"},
		{RunID: runID, TS: time.Now(), Stage: progress.StageRunDone, Completed: 4, Errors: 1, Total: 4},
	}))

	payloads := pub.Topic("catalog-runs")
	require.Len(t, payloads, 2)
	done, ok := payloads[1].(RunNotice)
	require.True(t, ok)
	require.Equal(t, id.String(), done.RunID)
	require.Equal(t, "RUN_DONE", done.Stage)
	require.Equal(t, int64(1), done.Errors)
	require.Equal(t, "RUN_DONE", done.Attributes()["stage"])
}

func TestPublisherSinkReportsFailures(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	pub.FailWith(errors.New("unavailable"))
	sink, err := NewPublisherSink(pub, "catalog-runs", nil)
	require.NoError(t, err)

	err = sink.Consume(context.Background(), []progress.Event{
		{RunID: progress.UUIDToBytes(uuid.New()), TS: time.Now(), Stage: progress.StageRunError, Note: "canceled"},
	})
	require.Error(t, err)

	_, err = NewPublisherSink(nil, "x", nil)
	require.Error(t, err)
}
