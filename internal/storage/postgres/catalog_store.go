// Package postgres provides the Postgres-backed catalog store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/instrument-catalog/internal/catalog"
)

// Schema creates the catalog tables. Migrate applies it; it is safe to run
// repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS catalog_entities (
	id          TEXT PRIMARY KEY,
	source_kind TEXT NOT NULL,
	natural_key TEXT NOT NULL,
	fields      JSONB NOT NULL DEFAULT '{}'::jsonb,
	underlyings JSONB NOT NULL DEFAULT '[]'::jsonb,
	version     BIGINT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_catalog_entities_natural_key ON catalog_entities (natural_key);
CREATE INDEX IF NOT EXISTS idx_catalog_entities_source_kind ON catalog_entities (source_kind, id);

CREATE TABLE IF NOT EXISTS catalog_history (
	seq         BIGSERIAL PRIMARY KEY,
	entity_id   TEXT NOT NULL REFERENCES catalog_entities (id),
	path        TEXT NOT NULL,
	value       JSONB NOT NULL,
	run_id      TEXT NOT NULL DEFAULT '',
	accepted    BOOLEAN NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_catalog_history_entity ON catalog_history (entity_id, seq);

CREATE TABLE IF NOT EXISTS catalog_runs (
	run_id            TEXT PRIMARY KEY,
	name              TEXT NOT NULL DEFAULT '',
	source            TEXT NOT NULL,
	root              JSONB NOT NULL,
	status            TEXT NOT NULL,
	total             INTEGER NOT NULL DEFAULT 0,
	completed         INTEGER NOT NULL DEFAULT 0,
	errors_count      INTEGER NOT NULL DEFAULT 0,
	last_error        TEXT NOT NULL DEFAULT '',
	checkpoint_offset INTEGER NOT NULL DEFAULT 0,
	started_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL,
	ended_at          TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_catalog_runs_status ON catalog_runs (status, started_at DESC);

CREATE TABLE IF NOT EXISTS catalog_run_segments (
	run_id      TEXT NOT NULL REFERENCES catalog_runs (run_id),
	segment_key TEXT NOT NULL,
	PRIMARY KEY (run_id, segment_key)
);
`

const selectEntity = `
SELECT e.id, e.source_kind, e.natural_key, e.fields, e.underlyings, e.version, e.created_at, e.updated_at,
	COALESCE((
		SELECT jsonb_agg(jsonb_build_object(
			'path', h.path, 'value', h.value, 'run_id', h.run_id,
			'accepted', h.accepted, 'recorded_at', h.recorded_at) ORDER BY h.seq)
		FROM catalog_history h WHERE h.entity_id = e.id), '[]'::jsonb)
FROM catalog_entities e`

const entityStateColumns = `id, source_kind, natural_key, fields, underlyings, version, created_at, updated_at`

const selectRun = `
SELECT run_id, name, source, root, status, total, completed, errors_count, last_error,
	checkpoint_offset, started_at, updated_at, ended_at
FROM catalog_runs`

// Pool is the subset of pgxpool.Pool the store relies on.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Store implements catalog.Store on Postgres.
type Store struct {
	pool Pool
}

var _ catalog.Store = (*Store)(nil)

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool (primarily for testing).
func NewWithPool(pool Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate catalog schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// EnsureEntity inserts entity at version 1 unless its ID already exists.
func (s *Store) EnsureEntity(ctx context.Context, entity catalog.CanonicalEntity) (catalog.CanonicalEntity, bool, error) {
	if entity.ID == "" {
		return catalog.CanonicalEntity{}, false, fmt.Errorf("ensure entity: id is required")
	}
	fields, underlyings, err := encodeFields(entity.Fields, entity.Underlyings)
	if err != nil {
		return catalog.CanonicalEntity{}, false, fmt.Errorf("ensure entity %s: %w", entity.ID, err)
	}
	updatedAt := entity.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = entity.CreatedAt
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO catalog_entities (id, source_kind, natural_key, fields, underlyings, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $7)
		ON CONFLICT (id) DO NOTHING;`,
		entity.ID, entity.SourceKind, entity.NaturalKey, fields, underlyings, entity.CreatedAt.UTC(), updatedAt.UTC())
	if err != nil {
		return catalog.CanonicalEntity{}, false, fmt.Errorf("ensure entity %s: %w", entity.ID, err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.GetEntityState(ctx, entity.ID)
		return existing, false, err
	}
	stored := entity.Clone()
	if stored.Fields == nil {
		stored.Fields = map[string]catalog.FieldValue{}
	}
	stored.History = nil
	stored.Version = 1
	stored.CreatedAt = entity.CreatedAt.UTC()
	stored.UpdatedAt = updatedAt.UTC()
	return stored, true, nil
}

// GetEntity fetches an entity and its history.
func (s *Store) GetEntity(ctx context.Context, id string) (catalog.CanonicalEntity, error) {
	return getEntity(ctx, s.pool, id)
}

// GetEntityState fetches an entity without aggregating its history.
func (s *Store) GetEntityState(ctx context.Context, id string) (catalog.CanonicalEntity, error) {
	e, err := scanEntityState(s.pool.QueryRow(ctx,
		`SELECT `+entityStateColumns+` FROM catalog_entities WHERE id = $1;`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.CanonicalEntity{}, fmt.Errorf("get entity %s: %w", id, catalog.ErrNotFound)
	}
	if err != nil {
		return catalog.CanonicalEntity{}, fmt.Errorf("get entity %s: %w", id, err)
	}
	return e, nil
}

// UpdateEntity applies update in a transaction guarded by the version column.
func (s *Store) UpdateEntity(ctx context.Context, update catalog.EntityUpdate) (catalog.CanonicalEntity, error) {
	fields, underlyings, err := encodeFields(update.Fields, update.Underlyings)
	if err != nil {
		return catalog.CanonicalEntity{}, fmt.Errorf("update entity %s: %w", update.ID, err)
	}
	history, err := json.Marshal(update.Append)
	if err != nil {
		return catalog.CanonicalEntity{}, fmt.Errorf("update entity %s: encode history: %w", update.ID, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return catalog.CanonicalEntity{}, fmt.Errorf("update entity %s: begin: %w", update.ID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	entity, err := scanEntityState(tx.QueryRow(ctx, `
		UPDATE catalog_entities
		SET fields = $1, underlyings = $2, version = version + 1, updated_at = $3
		WHERE id = $4 AND version = $5
		RETURNING `+entityStateColumns+`;`,
		fields, underlyings, update.UpdatedAt.UTC(), update.ID, update.ExpectedVersion))
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.CanonicalEntity{}, s.conflictOrMissing(ctx, tx, update)
	}
	if err != nil {
		return catalog.CanonicalEntity{}, fmt.Errorf("update entity %s: %w", update.ID, err)
	}

	if len(update.Append) > 0 {
		_, err = tx.Exec(ctx, `
			INSERT INTO catalog_history (entity_id, path, value, run_id, accepted, recorded_at)
			SELECT $1, h.path, h.value, COALESCE(h.run_id, ''), h.accepted, h.recorded_at
			FROM jsonb_to_recordset($2::jsonb)
				AS h(path TEXT, value JSONB, run_id TEXT, accepted BOOLEAN, recorded_at TIMESTAMPTZ);`,
			update.ID, history)
		if err != nil {
			return catalog.CanonicalEntity{}, fmt.Errorf("update entity %s: append history: %w", update.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return catalog.CanonicalEntity{}, fmt.Errorf("update entity %s: commit: %w", update.ID, err)
	}
	return entity, nil
}

func (s *Store) conflictOrMissing(ctx context.Context, tx pgx.Tx, update catalog.EntityUpdate) error {
	var actual int64
	err := tx.QueryRow(ctx, `SELECT version FROM catalog_entities WHERE id = $1;`, update.ID).Scan(&actual)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("update entity %s: %w", update.ID, catalog.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update entity %s: read version: %w", update.ID, err)
	}
	return &catalog.StoreConflictError{EntityID: update.ID, Expected: update.ExpectedVersion, Actual: actual}
}

// FindByNaturalKey returns every entity sharing naturalKey, ordered by ID.
func (s *Store) FindByNaturalKey(ctx context.Context, naturalKey string) ([]catalog.CanonicalEntity, error) {
	rows, err := s.pool.Query(ctx, selectEntity+` WHERE e.natural_key = $1 ORDER BY e.id;`, naturalKey)
	if err != nil {
		return nil, fmt.Errorf("find entities by natural key: %w", err)
	}
	return collectEntities(rows)
}

// ListEntities pages through entities matching filter, ordered by ID.
func (s *Store) ListEntities(ctx context.Context, filter catalog.EntityFilter, limit, offset int) ([]catalog.CanonicalEntity, error) {
	rows, err := s.pool.Query(ctx,
		selectEntity+` WHERE ($1::text = '' OR e.source_kind = $1) ORDER BY e.id LIMIT $2 OFFSET $3;`,
		filter.SourceKind, limitArg(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	return collectEntities(rows)
}

// CountEntities returns the number of entities per source kind.
func (s *Store) CountEntities(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT source_kind, COUNT(*) FROM catalog_entities GROUP BY source_kind;`)
	if err != nil {
		return nil, fmt.Errorf("count entities: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			kind string
			n    int64
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan entity count: %w", err)
		}
		out[kind] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count entities: %w", err)
	}
	return out, nil
}

// SaveRun upserts the run record.
func (s *Store) SaveRun(ctx context.Context, run catalog.RunRecord) error {
	if run.RunID == "" {
		return fmt.Errorf("save run: id is required")
	}
	root, err := json.Marshal(run.Root)
	if err != nil {
		return fmt.Errorf("save run %s: encode root: %w", run.RunID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO catalog_runs (run_id, name, source, root, status, total, completed, errors_count,
			last_error, checkpoint_offset, started_at, updated_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (run_id) DO UPDATE SET
			status = EXCLUDED.status,
			total = EXCLUDED.total,
			completed = EXCLUDED.completed,
			errors_count = EXCLUDED.errors_count,
			last_error = EXCLUDED.last_error,
			checkpoint_offset = EXCLUDED.checkpoint_offset,
			updated_at = EXCLUDED.updated_at,
			ended_at = EXCLUDED.ended_at;`,
		run.RunID, run.Name, run.Source, root, string(run.Status), run.Total, run.Completed,
		run.ErrorsCount, run.LastError, run.CheckpointOffset, run.StartedAt.UTC(), run.UpdatedAt.UTC(),
		utcPtr(run.EndedAt))
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.RunID, err)
	}
	return nil
}

// LoadRun fetches a run by ID.
func (s *Store) LoadRun(ctx context.Context, runID string) (catalog.RunRecord, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, selectRun+` WHERE run_id = $1;`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.RunRecord{}, fmt.Errorf("load run %s: %w", runID, catalog.ErrNotFound)
	}
	if err != nil {
		return catalog.RunRecord{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns returns runs newest first, optionally filtered by status.
func (s *Store) ListRuns(ctx context.Context, status *catalog.RunStatus, limit, offset int) ([]catalog.RunRecord, error) {
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	rows, err := s.pool.Query(ctx, selectRun+`
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC, run_id DESC
		LIMIT $2 OFFSET $3;`, filter, limitArg(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []catalog.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// MarkSegmentsDone records processed segment keys for runID.
func (s *Store) MarkSegmentsDone(ctx context.Context, runID string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO catalog_run_segments (run_id, segment_key)
		SELECT $1, unnest($2::text[])
		ON CONFLICT DO NOTHING;`, runID, keys)
	if err != nil {
		return fmt.Errorf("mark segments done for %s: %w", runID, err)
	}
	return nil
}

// DoneSegments returns the processed segment keys for runID.
func (s *Store) DoneSegments(ctx context.Context, runID string) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx, `SELECT segment_key FROM catalog_run_segments WHERE run_id = $1;`, runID)
	if err != nil {
		return nil, fmt.Errorf("load done segments for %s: %w", runID, err)
	}
	defer rows.Close()

	done := make(map[string]struct{})
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan segment key: %w", err)
		}
		done[key] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load done segments for %s: %w", runID, err)
	}
	return done, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getEntity(ctx context.Context, q querier, id string) (catalog.CanonicalEntity, error) {
	e, err := scanEntity(q.QueryRow(ctx, selectEntity+` WHERE e.id = $1;`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.CanonicalEntity{}, fmt.Errorf("get entity %s: %w", id, catalog.ErrNotFound)
	}
	if err != nil {
		return catalog.CanonicalEntity{}, fmt.Errorf("get entity %s: %w", id, err)
	}
	return e, nil
}

func collectEntities(rows pgx.Rows) ([]catalog.CanonicalEntity, error) {
	defer rows.Close()
	var out []catalog.CanonicalEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read entities: %w", err)
	}
	return out, nil
}

func scanEntity(row pgx.Row) (catalog.CanonicalEntity, error) {
	var (
		e                            catalog.CanonicalEntity
		fields, underlyings, history []byte
	)
	if err := row.Scan(&e.ID, &e.SourceKind, &e.NaturalKey, &fields, &underlyings,
		&e.Version, &e.CreatedAt, &e.UpdatedAt, &history); err != nil {
		return catalog.CanonicalEntity{}, err
	}
	if err := decodeEntity(&e, fields, underlyings); err != nil {
		return catalog.CanonicalEntity{}, err
	}
	if err := json.Unmarshal(history, &e.History); err != nil {
		return catalog.CanonicalEntity{}, fmt.Errorf("decode history: %w", err)
	}
	if len(e.History) == 0 {
		e.History = nil
	}
	return e, nil
}

func scanEntityState(row pgx.Row) (catalog.CanonicalEntity, error) {
	var (
		e                   catalog.CanonicalEntity
		fields, underlyings []byte
	)
	if err := row.Scan(&e.ID, &e.SourceKind, &e.NaturalKey, &fields, &underlyings,
		&e.Version, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return catalog.CanonicalEntity{}, err
	}
	if err := decodeEntity(&e, fields, underlyings); err != nil {
		return catalog.CanonicalEntity{}, err
	}
	return e, nil
}

func decodeEntity(e *catalog.CanonicalEntity, fields, underlyings []byte) error {
	if err := json.Unmarshal(fields, &e.Fields); err != nil {
		return fmt.Errorf("decode fields: %w", err)
	}
	if err := json.Unmarshal(underlyings, &e.Underlyings); err != nil {
		return fmt.Errorf("decode underlyings: %w", err)
	}
	if e.Fields == nil {
		e.Fields = map[string]catalog.FieldValue{}
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return nil
}

func scanRun(row pgx.Row) (catalog.RunRecord, error) {
	var (
		run     catalog.RunRecord
		root    []byte
		status  string
		endedAt *time.Time
	)
	if err := row.Scan(&run.RunID, &run.Name, &run.Source, &root, &status, &run.Total, &run.Completed,
		&run.ErrorsCount, &run.LastError, &run.CheckpointOffset, &run.StartedAt, &run.UpdatedAt, &endedAt); err != nil {
		return catalog.RunRecord{}, err
	}
	if err := json.Unmarshal(root, &run.Root); err != nil {
		return catalog.RunRecord{}, fmt.Errorf("decode root segment: %w", err)
	}
	run.Status = catalog.RunStatus(status)
	run.StartedAt = run.StartedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()
	run.EndedAt = utcPtr(endedAt)
	return run, nil
}

func encodeFields(fields map[string]catalog.FieldValue, underlyings []map[string]catalog.FieldValue) ([]byte, []byte, error) {
	if fields == nil {
		fields = map[string]catalog.FieldValue{}
	}
	if underlyings == nil {
		underlyings = []map[string]catalog.FieldValue{}
	}
	f, err := json.Marshal(fields)
	if err != nil {
		return nil, nil, fmt.Errorf("encode fields: %w", err)
	}
	u, err := json.Marshal(underlyings)
	if err != nil {
		return nil, nil, fmt.Errorf("encode underlyings: %w", err)
	}
	return f, u, nil
}

// limitArg maps a non-positive limit to NULL, which Postgres reads as no limit.
func limitArg(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
