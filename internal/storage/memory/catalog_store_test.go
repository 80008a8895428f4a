package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/instrument-catalog/internal/catalog"
)

func TestStoreEntityLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	created, ok, err := s.EnsureEntity(ctx, catalog.CanonicalEntity{
		ID: "e1", SourceKind: "issuer_api", NaturalKey: "CH0012", CreatedAt: now,
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), created.Version)
	require.Equal(t, now, created.UpdatedAt)

	again, ok, err := s.EnsureEntity(ctx, catalog.CanonicalEntity{ID: "e1", NaturalKey: "other"})
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, "CH0012", again.NaturalKey)

	updated, err := s.UpdateEntity(ctx, catalog.EntityUpdate{
		ID:              "e1",
		ExpectedVersion: 1,
		Fields:          map[string]catalog.FieldValue{"currency": {Value: "CHF", Confidence: 0.9}},
		Append:          []catalog.Contribution{{Path: "currency", Accepted: true}},
		UpdatedAt:       now.Add(time.Minute),
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), updated.Version)
	require.Nil(t, updated.History)

	_, err = s.UpdateEntity(ctx, catalog.EntityUpdate{
		ID:              "e1",
		ExpectedVersion: 2,
		Fields:          updated.Fields,
		Append:          []catalog.Contribution{{Path: "currency", Accepted: false}},
		UpdatedAt:       now.Add(2 * time.Minute),
	})
	require.NoError(t, err)
	state, err := s.GetEntityState(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, int64(3), state.Version)
	require.Equal(t, "CHF", state.Fields["currency"].Value)
	require.Nil(t, state.History)
	full, err := s.GetEntity(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, full.History, 2)
	_, err = s.GetEntityState(ctx, "nope")
	require.ErrorIs(t, err, catalog.ErrNotFound)

	_, err = s.UpdateEntity(ctx, catalog.EntityUpdate{ID: "e1", ExpectedVersion: 1})
	var conflict *catalog.StoreConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, int64(3), conflict.Actual)

	_, err = s.UpdateEntity(ctx, catalog.EntityUpdate{ID: "missing", ExpectedVersion: 1})
	require.ErrorIs(t, err, catalog.ErrNotFound)

	got, err := s.GetEntity(ctx, "e1")
	require.NoError(t, err)
	got.Fields["currency"] = catalog.FieldValue{Value: "EUR"}
	fresh, err := s.GetEntity(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, "CHF", fresh.Fields["currency"].Value)

	_, err = s.GetEntity(ctx, "nope")
	require.True(t, errors.Is(err, catalog.ErrNotFound))

	_, _, err = s.EnsureEntity(ctx, catalog.CanonicalEntity{})
	require.Error(t, err)
}

func TestStoreFindAndListEntities(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	for _, e := range []catalog.CanonicalEntity{
		{ID: "c", SourceKind: "html", NaturalKey: "K1"},
		{ID: "a", SourceKind: "api", NaturalKey: "K1"},
		{ID: "b", SourceKind: "api", NaturalKey: "K2"},
	} {
		_, _, err := s.EnsureEntity(ctx, e)
		require.NoError(t, err)
	}

	found, err := s.FindByNaturalKey(ctx, "K1")
	require.NoError(t, err)
	require.Len(t, found, 2)
	require.Equal(t, "a", found[0].ID)
	require.Equal(t, "c", found[1].ID)

	listed, err := s.ListEntities(ctx, catalog.EntityFilter{}, 2, 1)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	require.Equal(t, "b", listed[0].ID)

	listed, err = s.ListEntities(ctx, catalog.EntityFilter{}, 10, 5)
	require.NoError(t, err)
	require.Empty(t, listed)

	listed, err = s.ListEntities(ctx, catalog.EntityFilter{SourceKind: "api"}, 0, 0)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	require.Equal(t, "a", listed[0].ID)
	require.Equal(t, "b", listed[1].ID)

	counts, err := s.CountEntities(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"api": 2, "html": 1}, counts)
}

func TestStoreRunsAndSegments(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ended := base.Add(time.Hour)

	require.NoError(t, s.SaveRun(ctx, catalog.RunRecord{RunID: "r1", Status: catalog.RunCompleted, StartedAt: base, EndedAt: &ended}))
	require.NoError(t, s.SaveRun(ctx, catalog.RunRecord{RunID: "r2", Status: catalog.RunRunning, StartedAt: base.Add(time.Minute)}))
	require.Error(t, s.SaveRun(ctx, catalog.RunRecord{}))

	run, err := s.LoadRun(ctx, "r1")
	require.NoError(t, err)
	*run.EndedAt = base
	reloaded, err := s.LoadRun(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, ended, *reloaded.EndedAt)

	_, err = s.LoadRun(ctx, "r9")
	require.ErrorIs(t, err, catalog.ErrNotFound)

	runs, err := s.ListRuns(ctx, nil, 0, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"r2", "r1"}, []string{runs[0].RunID, runs[1].RunID})

	status := catalog.RunCompleted
	runs, err = s.ListRuns(ctx, &status, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "r1", runs[0].RunID)

	require.NoError(t, s.MarkSegmentsDone(ctx, "r2", []string{"a", "b"}))
	require.NoError(t, s.MarkSegmentsDone(ctx, "r2", []string{"b", "c"}))
	done, err := s.DoneSegments(ctx, "r2")
	require.NoError(t, err)
	require.Len(t, done, 3)

	empty, err := s.DoneSegments(ctx, "r1")
	require.NoError(t, err)
	require.Empty(t, empty)
	require.NoError(t, s.Close())
}
