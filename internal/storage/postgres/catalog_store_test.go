package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/instrument-catalog/internal/catalog"
)

var entityColumns = []string{
	"id", "source_kind", "natural_key", "fields", "underlyings", "version", "created_at", "updated_at", "history",
}

var entityStateColumnNames = entityColumns[:8]

var runColumns = []string{
	"run_id", "name", "source", "root", "status", "total", "completed", "errors_count", "last_error",
	"checkpoint_offset", "started_at", "updated_at", "ended_at",
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func entityRow(now time.Time, version int64, history string) *pgxmock.Rows {
	return pgxmock.NewRows(entityColumns).AddRow(
		"ent-1", "issuer_api", "CH0012345678",
		[]byte(`{"currency":{"value":"CHF","confidence":0.9,"source_kind":"issuer_api","captured_at":"2024-03-01T10:00:00Z"}}`),
		[]byte(`[{"isin":{"value":"CH0038863350","confidence":0.9,"source_kind":"issuer_api","captured_at":"2024-03-01T10:00:00Z"}}]`),
		version, now, now, []byte(history),
	)
}

func entityStateRow(now time.Time, version int64) *pgxmock.Rows {
	return pgxmock.NewRows(entityStateColumnNames).AddRow(
		"ent-1", "issuer_api", "CH0012345678",
		[]byte(`{"currency":{"value":"CHF","confidence":0.9,"source_kind":"issuer_api","captured_at":"2024-03-01T10:00:00Z"}}`),
		[]byte(`[]`),
		version, now, now,
	)
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil)
	require.Error(t, err)

	_, err = New(context.Background(), Config{})
	require.ErrorContains(t, err, "database.dsn")
}

func TestMigrateExecutesSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS catalog_entities`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureEntityCreates(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO catalog_entities`).
		WithArgs("ent-1", "issuer_api", "CH0012345678", []byte(`{}`), []byte(`[]`), now, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	got, created, err := store.EnsureEntity(context.Background(), catalog.CanonicalEntity{
		ID:         "ent-1",
		SourceKind: "issuer_api",
		NaturalKey: "CH0012345678",
		CreatedAt:  now,
	})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, int64(1), got.Version)
	require.Equal(t, now, got.UpdatedAt)
	require.NotNil(t, got.Fields)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureEntityReturnsExisting(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO catalog_entities`).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`SELECT id, source_kind, .* FROM catalog_entities WHERE id = \$1`).
		WithArgs("ent-1").
		WillReturnRows(pgxmock.NewRows(entityStateColumnNames).AddRow(
			"ent-1", "issuer_api", "CH0012345678",
			[]byte(`{"currency":{"value":"CHF","confidence":0.9,"source_kind":"issuer_api","captured_at":"2024-03-01T10:00:00Z"}}`),
			[]byte(`[{"isin":{"value":"CH0038863350","confidence":0.9,"source_kind":"issuer_api","captured_at":"2024-03-01T10:00:00Z"}}]`),
			int64(4), now, now,
		))

	got, created, err := store.EnsureEntity(context.Background(), catalog.CanonicalEntity{
		ID:         "ent-1",
		SourceKind: "issuer_api",
		NaturalKey: "CH0012345678",
		CreatedAt:  now,
	})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, int64(4), got.Version)
	require.Equal(t, "CHF", got.Fields["currency"].Value)
	require.Len(t, got.Underlyings, 1)
	require.Nil(t, got.History)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEntityDecodesHistory(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	history := `[{"path":"currency","value":{"value":"CHF","confidence":0.9,"source_kind":"issuer_api",` +
		`"captured_at":"2024-03-01T10:00:00+00:00"},"run_id":"run-1","accepted":true,` +
		`"recorded_at":"2024-03-01T10:00:01.5+00:00"}]`

	mock.ExpectQuery(`SELECT e.id, e.source_kind`).
		WithArgs("ent-1").
		WillReturnRows(entityRow(now, 2, history))

	got, err := store.GetEntity(context.Background(), "ent-1")
	require.NoError(t, err)
	require.Len(t, got.History, 1)
	require.Equal(t, catalog.FieldPath("currency"), got.History[0].Path)
	require.Equal(t, "run-1", got.History[0].RunID)
	require.True(t, got.History[0].Accepted)
	require.Equal(t, 0.9, got.History[0].Value.Confidence)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEntityNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT e.id, e.source_kind`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetEntity(context.Background(), "missing")
	require.ErrorIs(t, err, catalog.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateEntityAppliesAndAppendsHistory(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	value := catalog.NewFieldValue("CHF", 0.9, "issuer_api", now)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE catalog_entities[\s\S]*RETURNING id, source_kind`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), now, "ent-1", int64(1)).
		WillReturnRows(entityStateRow(now, 2))
	mock.ExpectExec(`INSERT INTO catalog_history`).
		WithArgs("ent-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	got, err := store.UpdateEntity(context.Background(), catalog.EntityUpdate{
		ID:              "ent-1",
		ExpectedVersion: 1,
		Fields:          map[string]catalog.FieldValue{"currency": value},
		Append:          []catalog.Contribution{{Path: "currency", Value: value, Accepted: true, RecordedAt: now}},
		UpdatedAt:       now,
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), got.Version)
	require.Equal(t, "CHF", got.Fields["currency"].Value)
	require.Nil(t, got.History)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEntityStateSkipsHistory(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT id, source_kind, .* FROM catalog_entities WHERE id = \$1`).
		WithArgs("ent-1").
		WillReturnRows(entityStateRow(now, 7))
	mock.ExpectQuery(`SELECT id, source_kind, .* FROM catalog_entities WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	got, err := store.GetEntityState(context.Background(), "ent-1")
	require.NoError(t, err)
	require.Equal(t, int64(7), got.Version)
	require.Equal(t, "CHF", got.Fields["currency"].Value)
	require.Nil(t, got.History)

	_, err = store.GetEntityState(context.Background(), "missing")
	require.ErrorIs(t, err, catalog.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateEntityConflict(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE catalog_entities`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), now, "ent-1", int64(1)).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT version FROM catalog_entities`).
		WithArgs("ent-1").
		WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(int64(3)))
	mock.ExpectRollback()

	_, err := store.UpdateEntity(context.Background(), catalog.EntityUpdate{
		ID:              "ent-1",
		ExpectedVersion: 1,
		UpdatedAt:       now,
	})
	var conflict *catalog.StoreConflictError
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, int64(1), conflict.Expected)
	require.Equal(t, int64(3), conflict.Actual)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateEntityMissing(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE catalog_entities`).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT version FROM catalog_entities`).
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := store.UpdateEntity(context.Background(), catalog.EntityUpdate{ID: "ghost", ExpectedVersion: 1})
	require.ErrorIs(t, err, catalog.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByNaturalKey(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`WHERE e.natural_key = \$1 ORDER BY e.id`).
		WithArgs("CH0012345678").
		WillReturnRows(entityRow(now, 1, `[]`))

	got, err := store.FindByNaturalKey(context.Background(), "CH0012345678")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "ent-1", got[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListEntitiesFiltersBySource(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`WHERE \(\$1::text = '' OR e.source_kind = \$1\) ORDER BY e.id LIMIT \$2 OFFSET \$3`).
		WithArgs("issuer_api", pgxmock.AnyArg(), 20).
		WillReturnRows(entityRow(now, 1, `[]`))

	got, err := store.ListEntities(context.Background(), catalog.EntityFilter{SourceKind: "issuer_api"}, 10, 20)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "issuer_api", got[0].SourceKind)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountEntities(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT source_kind, COUNT\(\*\) FROM catalog_entities GROUP BY source_kind`).
		WillReturnRows(pgxmock.NewRows([]string{"source_kind", "count"}).
			AddRow("issuer_api", int64(12)).
			AddRow("exchange", int64(3)))

	counts, err := store.CountEntities(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[string]int{"issuer_api": 12, "exchange": 3}, counts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveAndLoadRun(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	started := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	ended := started.Add(time.Hour)
	run := catalog.RunRecord{
		RunID:       "run-1",
		Name:        "nightly",
		Source:      "issuer_api",
		Root:        catalog.Segment{Source: "issuer_api", Filter: catalog.Predicate{Base: map[string]string{"ccy": "CHF"}}},
		Status:      catalog.RunCompleted,
		Total:       10,
		Completed:   10,
		StartedAt:   started,
		UpdatedAt:   ended,
		EndedAt:     &ended,
		ErrorsCount: 1,
		LastError:   "parse issuer_api record: bad json",
	}

	mock.ExpectExec(`INSERT INTO catalog_runs`).
		WithArgs("run-1", "nightly", "issuer_api", pgxmock.AnyArg(), "completed", 10, 10, 1,
			"parse issuer_api record: bad json", 0, started, ended, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.SaveRun(context.Background(), run))

	mock.ExpectQuery(`FROM catalog_runs\s+WHERE run_id = \$1`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows(runColumns).AddRow(
			"run-1", "nightly", "issuer_api",
			[]byte(`{"source":"issuer_api","filter":{"base":{"ccy":"CHF"},"prefix":""},"estimated_count":0,"depth":0}`),
			"completed", 10, 10, 1, "parse issuer_api record: bad json", 0, started, ended, &ended,
		))

	got, err := store.LoadRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, run.Root.Key(), got.Root.Key())
	require.Equal(t, catalog.RunCompleted, got.Status)
	require.NotNil(t, got.EndedAt)
	require.Equal(t, ended, *got.EndedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadRunNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`FROM catalog_runs`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.LoadRun(context.Background(), "missing")
	require.ErrorIs(t, err, catalog.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRunsFiltersByStatus(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	started := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	paused := catalog.RunPaused

	mock.ExpectQuery(`ORDER BY started_at DESC, run_id DESC`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), 5).
		WillReturnRows(pgxmock.NewRows(runColumns).AddRow(
			"run-2", "", "issuer_api", []byte(`{"source":"issuer_api","filter":{"prefix":""}}`),
			"paused", 40, 12, 0, "", 12, started, started, (*time.Time)(nil),
		))

	runs, err := store.ListRuns(context.Background(), &paused, 10, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, catalog.RunPaused, runs[0].Status)
	require.Nil(t, runs[0].EndedAt)
	require.Equal(t, 12, runs[0].CheckpointOffset)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSegmentsRoundTrip(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	require.NoError(t, store.MarkSegmentsDone(context.Background(), "run-1", nil))

	keys := []string{"issuer_api||A", "issuer_api||B"}
	mock.ExpectExec(`INSERT INTO catalog_run_segments`).
		WithArgs("run-1", keys).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	require.NoError(t, store.MarkSegmentsDone(context.Background(), "run-1", keys))

	mock.ExpectQuery(`SELECT segment_key FROM catalog_run_segments`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"segment_key"}).AddRow(keys[0]).AddRow(keys[1]))
	done, err := store.DoneSegments(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, done, 2)
	require.Contains(t, done, "issuer_api||B")
	require.NoError(t, mock.ExpectationsWereMet())
}
