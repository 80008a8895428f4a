// Package sqlite provides a single-node catalog store on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/instrument-catalog/internal/catalog"
)

const schema = `
CREATE TABLE IF NOT EXISTS catalog_entities (
	id          TEXT PRIMARY KEY,
	source_kind TEXT NOT NULL,
	natural_key TEXT NOT NULL,
	fields      TEXT NOT NULL DEFAULT '{}',
	underlyings TEXT NOT NULL DEFAULT '[]',
	version     INTEGER NOT NULL,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_catalog_entities_natural_key ON catalog_entities(natural_key);

CREATE TABLE IF NOT EXISTS catalog_history (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_id    TEXT NOT NULL REFERENCES catalog_entities(id),
	contribution TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_catalog_history_entity ON catalog_history(entity_id, seq);

CREATE TABLE IF NOT EXISTS catalog_runs (
	run_id            TEXT PRIMARY KEY,
	name              TEXT NOT NULL DEFAULT '',
	source            TEXT NOT NULL,
	root              TEXT NOT NULL,
	status            TEXT NOT NULL,
	total             INTEGER NOT NULL DEFAULT 0,
	completed         INTEGER NOT NULL DEFAULT 0,
	errors_count      INTEGER NOT NULL DEFAULT 0,
	last_error        TEXT NOT NULL DEFAULT '',
	checkpoint_offset INTEGER NOT NULL DEFAULT 0,
	started_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL,
	ended_at          TEXT
);
CREATE INDEX IF NOT EXISTS idx_catalog_runs_status ON catalog_runs(status);

CREATE TABLE IF NOT EXISTS catalog_run_segments (
	run_id      TEXT NOT NULL,
	segment_key TEXT NOT NULL,
	PRIMARY KEY (run_id, segment_key)
);
`

const selectEntity = `SELECT id, source_kind, natural_key, fields, underlyings, version, created_at, updated_at
FROM catalog_entities`

const selectRun = `SELECT run_id, name, source, root, status, total, completed, errors_count, last_error,
	checkpoint_offset, started_at, updated_at, ended_at
FROM catalog_runs`

// Store implements catalog.Store on a SQLite file. All access goes through a
// single connection, so writers never contend for the database lock.
type Store struct {
	db *sql.DB
}

var _ catalog.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func dsn(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
}

// Migrate creates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
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
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO catalog_entities (id, source_kind, natural_key, fields, underlyings, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		entity.ID, entity.SourceKind, entity.NaturalKey, fields, underlyings,
		formatTime(entity.CreatedAt), formatTime(updatedAt))
	if err != nil {
		return catalog.CanonicalEntity{}, false, fmt.Errorf("ensure entity %s: %w", entity.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return catalog.CanonicalEntity{}, false, fmt.Errorf("ensure entity %s: %w", entity.ID, err)
	}
	if n == 0 {
		existing, err := s.GetEntity(ctx, entity.ID)
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return catalog.CanonicalEntity{}, fmt.Errorf("get entity %s: begin: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()
	return getEntity(ctx, tx, id)
}

// GetEntityState fetches an entity without reading its history.
func (s *Store) GetEntityState(ctx context.Context, id string) (catalog.CanonicalEntity, error) {
	return getEntityState(ctx, s.db, id)
}

// UpdateEntity applies update when the stored version matches.
func (s *Store) UpdateEntity(ctx context.Context, update catalog.EntityUpdate) (catalog.CanonicalEntity, error) {
	fields, underlyings, err := encodeFields(update.Fields, update.Underlyings)
	if err != nil {
		return catalog.CanonicalEntity{}, fmt.Errorf("update entity %s: %w", update.ID, err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return catalog.CanonicalEntity{}, fmt.Errorf("update entity %s: begin: %w", update.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE catalog_entities SET fields = ?, underlyings = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		fields, underlyings, formatTime(update.UpdatedAt), update.ID, update.ExpectedVersion)
	if err != nil {
		return catalog.CanonicalEntity{}, fmt.Errorf("update entity %s: %w", update.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return catalog.CanonicalEntity{}, fmt.Errorf("update entity %s: %w", update.ID, err)
	}
	if n == 0 {
		var actual int64
		err := tx.QueryRowContext(ctx, `SELECT version FROM catalog_entities WHERE id = ?`, update.ID).Scan(&actual)
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.CanonicalEntity{}, fmt.Errorf("update entity %s: %w", update.ID, catalog.ErrNotFound)
		}
		if err != nil {
			return catalog.CanonicalEntity{}, fmt.Errorf("update entity %s: read version: %w", update.ID, err)
		}
		return catalog.CanonicalEntity{}, &catalog.StoreConflictError{
			EntityID: update.ID,
			Expected: update.ExpectedVersion,
			Actual:   actual,
		}
	}

	for _, c := range update.Append {
		raw, err := json.Marshal(c)
		if err != nil {
			return catalog.CanonicalEntity{}, fmt.Errorf("update entity %s: encode history: %w", update.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO catalog_history (entity_id, contribution) VALUES (?, ?)`, update.ID, string(raw)); err != nil {
			return catalog.CanonicalEntity{}, fmt.Errorf("update entity %s: append history: %w", update.ID, err)
		}
	}

	entity, err := getEntityState(ctx, tx, update.ID)
	if err != nil {
		return catalog.CanonicalEntity{}, err
	}
	if err := tx.Commit(); err != nil {
		return catalog.CanonicalEntity{}, fmt.Errorf("update entity %s: commit: %w", update.ID, err)
	}
	return entity, nil
}

// FindByNaturalKey returns every entity sharing naturalKey, ordered by ID.
func (s *Store) FindByNaturalKey(ctx context.Context, naturalKey string) ([]catalog.CanonicalEntity, error) {
	return s.listEntities(ctx, selectEntity+` WHERE natural_key = ? ORDER BY id`, naturalKey)
}

// ListEntities pages through entities matching filter, ordered by ID.
func (s *Store) ListEntities(ctx context.Context, filter catalog.EntityFilter, limit, offset int) ([]catalog.CanonicalEntity, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.listEntities(ctx, selectEntity+` WHERE (? = '' OR source_kind = ?) ORDER BY id LIMIT ? OFFSET ?`,
		filter.SourceKind, filter.SourceKind, limit, offset)
}

// CountEntities returns the number of entities per source kind.
func (s *Store) CountEntities(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_kind, COUNT(*) FROM catalog_entities GROUP BY source_kind`)
	if err != nil {
		return nil, fmt.Errorf("count entities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int)
	for rows.Next() {
		var (
			kind string
			n    int
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan entity count: %w", err)
		}
		out[kind] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count entities: %w", err)
	}
	return out, nil
}

func (s *Store) listEntities(ctx context.Context, query string, args ...any) ([]catalog.CanonicalEntity, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("list entities: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	var out []catalog.CanonicalEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("list entities: %w", err)
	}
	_ = rows.Close()

	for i := range out {
		if out[i].History, err = loadHistory(ctx, tx, out[i].ID); err != nil {
			return nil, err
		}
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
	var endedAt any
	if run.EndedAt != nil {
		endedAt = formatTime(*run.EndedAt)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO catalog_runs (run_id, name, source, root, status, total, completed, errors_count,
			last_error, checkpoint_offset, started_at, updated_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			status = excluded.status,
			total = excluded.total,
			completed = excluded.completed,
			errors_count = excluded.errors_count,
			last_error = excluded.last_error,
			checkpoint_offset = excluded.checkpoint_offset,
			updated_at = excluded.updated_at,
			ended_at = excluded.ended_at`,
		run.RunID, run.Name, run.Source, string(root), string(run.Status), run.Total, run.Completed,
		run.ErrorsCount, run.LastError, run.CheckpointOffset, formatTime(run.StartedAt), formatTime(run.UpdatedAt),
		endedAt)
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.RunID, err)
	}
	return nil
}

// LoadRun fetches a run by ID.
func (s *Store) LoadRun(ctx context.Context, runID string) (catalog.RunRecord, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, selectRun+` WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.RunRecord{}, fmt.Errorf("load run %s: %w", runID, catalog.ErrNotFound)
	}
	if err != nil {
		return catalog.RunRecord{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns returns runs newest first, optionally filtered by status.
func (s *Store) ListRuns(ctx context.Context, status *catalog.RunStatus, limit, offset int) ([]catalog.RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	var filter any
	if status != nil {
		filter = string(*status)
	}
	rows, err := s.db.QueryContext(ctx, selectRun+`
		WHERE (? IS NULL OR status = ?)
		ORDER BY started_at DESC, run_id DESC
		LIMIT ? OFFSET ?`, filter, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark segments done for %s: begin: %w", runID, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO catalog_run_segments (run_id, segment_key) VALUES (?, ?) ON CONFLICT DO NOTHING`)
	if err != nil {
		return fmt.Errorf("mark segments done for %s: prepare: %w", runID, err)
	}
	defer func() { _ = stmt.Close() }()
	for _, key := range keys {
		if _, err := stmt.ExecContext(ctx, runID, key); err != nil {
			return fmt.Errorf("mark segment %s done: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mark segments done for %s: commit: %w", runID, err)
	}
	return nil
}

// DoneSegments returns the processed segment keys for runID.
func (s *Store) DoneSegments(ctx context.Context, runID string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT segment_key FROM catalog_run_segments WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("load done segments for %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

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

type scanner interface {
	Scan(dest ...any) error
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getEntityState(ctx context.Context, q rowQuerier, id string) (catalog.CanonicalEntity, error) {
	e, err := scanEntity(q.QueryRowContext(ctx, selectEntity+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.CanonicalEntity{}, fmt.Errorf("get entity %s: %w", id, catalog.ErrNotFound)
	}
	if err != nil {
		return catalog.CanonicalEntity{}, fmt.Errorf("get entity %s: %w", id, err)
	}
	return e, nil
}

func getEntity(ctx context.Context, tx *sql.Tx, id string) (catalog.CanonicalEntity, error) {
	e, err := getEntityState(ctx, tx, id)
	if err != nil {
		return catalog.CanonicalEntity{}, err
	}
	if e.History, err = loadHistory(ctx, tx, id); err != nil {
		return catalog.CanonicalEntity{}, err
	}
	return e, nil
}

func loadHistory(ctx context.Context, tx *sql.Tx, id string) ([]catalog.Contribution, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT contribution FROM catalog_history WHERE entity_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("load history for %s: %w", id, err)
	}
	defer func() { _ = rows.Close() }()

	var out []catalog.Contribution
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan history for %s: %w", id, err)
		}
		var c catalog.Contribution
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("decode history for %s: %w", id, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load history for %s: %w", id, err)
	}
	return out, nil
}

func scanEntity(row scanner) (catalog.CanonicalEntity, error) {
	var (
		e                    catalog.CanonicalEntity
		fields, underlyings  string
		createdAt, updatedAt string
	)
	if err := row.Scan(&e.ID, &e.SourceKind, &e.NaturalKey, &fields, &underlyings,
		&e.Version, &createdAt, &updatedAt); err != nil {
		return catalog.CanonicalEntity{}, err
	}
	if err := json.Unmarshal([]byte(fields), &e.Fields); err != nil {
		return catalog.CanonicalEntity{}, fmt.Errorf("decode fields: %w", err)
	}
	if err := json.Unmarshal([]byte(underlyings), &e.Underlyings); err != nil {
		return catalog.CanonicalEntity{}, fmt.Errorf("decode underlyings: %w", err)
	}
	if e.Fields == nil {
		e.Fields = map[string]catalog.FieldValue{}
	}
	var err error
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return catalog.CanonicalEntity{}, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return catalog.CanonicalEntity{}, err
	}
	return e, nil
}

func scanRun(row scanner) (catalog.RunRecord, error) {
	var (
		run                  catalog.RunRecord
		root, status         string
		startedAt, updatedAt string
		endedAt              sql.NullString
	)
	if err := row.Scan(&run.RunID, &run.Name, &run.Source, &root, &status, &run.Total, &run.Completed,
		&run.ErrorsCount, &run.LastError, &run.CheckpointOffset, &startedAt, &updatedAt, &endedAt); err != nil {
		return catalog.RunRecord{}, err
	}
	if err := json.Unmarshal([]byte(root), &run.Root); err != nil {
		return catalog.RunRecord{}, fmt.Errorf("decode root segment: %w", err)
	}
	run.Status = catalog.RunStatus(status)
	var err error
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return catalog.RunRecord{}, err
	}
	if run.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return catalog.RunRecord{}, err
	}
	if endedAt.Valid {
		t, err := parseTime(endedAt.String)
		if err != nil {
			return catalog.RunRecord{}, err
		}
		run.EndedAt = &t
	}
	return run, nil
}

func encodeFields(fields map[string]catalog.FieldValue, underlyings []map[string]catalog.FieldValue) (string, string, error) {
	if fields == nil {
		fields = map[string]catalog.FieldValue{}
	}
	if underlyings == nil {
		underlyings = []map[string]catalog.FieldValue{}
	}
	f, err := json.Marshal(fields)
	if err != nil {
		return "", "", fmt.Errorf("encode fields: %w", err)
	}
	u, err := json.Marshal(underlyings)
	if err != nil {
		return "", "", fmt.Errorf("encode underlyings: %w", err)
	}
	return string(f), string(u), nil
}

// timeLayout is RFC3339 with a fixed-width fraction so stored values sort
// lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
