// Package memory provides in-process implementations of the catalog store and
// blob store for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/instrument-catalog/internal/catalog"
)

// Store keeps entities, runs, and processed segment keys in maps. Reads return
// copies so callers cannot mutate stored state.
type Store struct {
	mu       sync.RWMutex
	entities map[string]catalog.CanonicalEntity
	runs     map[string]catalog.RunRecord
	segments map[string]map[string]struct{}
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		entities: make(map[string]catalog.CanonicalEntity),
		runs:     make(map[string]catalog.RunRecord),
		segments: make(map[string]map[string]struct{}),
	}
}

// EnsureEntity inserts entity at version 1 unless its ID already exists.
func (s *Store) EnsureEntity(_ context.Context, entity catalog.CanonicalEntity) (catalog.CanonicalEntity, bool, error) {
	if entity.ID == "" {
		return catalog.CanonicalEntity{}, false, fmt.Errorf("ensure entity: id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entities[entity.ID]; ok {
		return existing.Clone(), false, nil
	}
	stored := entity.Clone()
	if stored.Fields == nil {
		stored.Fields = map[string]catalog.FieldValue{}
	}
	stored.Version = 1
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	s.entities[entity.ID] = stored
	return stored.Clone(), true, nil
}

// GetEntity fetches an entity by ID.
func (s *Store) GetEntity(_ context.Context, id string) (catalog.CanonicalEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return catalog.CanonicalEntity{}, fmt.Errorf("get entity %s: %w", id, catalog.ErrNotFound)
	}
	return e.Clone(), nil
}

// GetEntityState fetches an entity by ID without its history.
func (s *Store) GetEntityState(_ context.Context, id string) (catalog.CanonicalEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return catalog.CanonicalEntity{}, fmt.Errorf("get entity %s: %w", id, catalog.ErrNotFound)
	}
	return withoutHistory(e), nil
}

// UpdateEntity applies update when the stored version matches.
func (s *Store) UpdateEntity(_ context.Context, update catalog.EntityUpdate) (catalog.CanonicalEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[update.ID]
	if !ok {
		return catalog.CanonicalEntity{}, fmt.Errorf("update entity %s: %w", update.ID, catalog.ErrNotFound)
	}
	if e.Version != update.ExpectedVersion {
		return catalog.CanonicalEntity{}, &catalog.StoreConflictError{
			EntityID: update.ID,
			Expected: update.ExpectedVersion,
			Actual:   e.Version,
		}
	}
	next := catalog.CanonicalEntity{
		ID:          e.ID,
		SourceKind:  e.SourceKind,
		NaturalKey:  e.NaturalKey,
		Fields:      update.Fields,
		Underlyings: update.Underlyings,
		Version:     e.Version + 1,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   update.UpdatedAt,
	}.Clone()
	// Reads hand out copies, so the stored history can grow in place.
	next.History = append(e.History, update.Append...)
	s.entities[update.ID] = next
	return withoutHistory(next), nil
}

func withoutHistory(e catalog.CanonicalEntity) catalog.CanonicalEntity {
	e.History = nil
	return e.Clone()
}

// FindByNaturalKey returns every entity sharing naturalKey across sources,
// ordered by ID.
func (s *Store) FindByNaturalKey(_ context.Context, naturalKey string) ([]catalog.CanonicalEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []catalog.CanonicalEntity
	for _, e := range s.entities {
		if e.NaturalKey == naturalKey {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListEntities pages through entities matching filter, ordered by ID.
func (s *Store) ListEntities(_ context.Context, filter catalog.EntityFilter, limit, offset int) ([]catalog.CanonicalEntity, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.entities))
	for id, e := range s.entities {
		if filter.SourceKind != "" && e.SourceKind != filter.SourceKind {
			continue
		}
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	ids = page(ids, limit, offset)

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]catalog.CanonicalEntity, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.entities[id]; ok {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

// CountEntities returns the number of entities per source kind.
func (s *Store) CountEntities(_ context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int)
	for _, e := range s.entities {
		out[e.SourceKind]++
	}
	return out, nil
}

// SaveRun upserts the run record.
func (s *Store) SaveRun(_ context.Context, run catalog.RunRecord) error {
	if run.RunID == "" {
		return fmt.Errorf("save run: id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.RunID] = copyRun(run)
	return nil
}

// LoadRun fetches a run by ID.
func (s *Store) LoadRun(_ context.Context, runID string) (catalog.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return catalog.RunRecord{}, fmt.Errorf("load run %s: %w", runID, catalog.ErrNotFound)
	}
	return copyRun(run), nil
}

// ListRuns returns runs newest first, optionally filtered by status.
func (s *Store) ListRuns(_ context.Context, status *catalog.RunStatus, limit, offset int) ([]catalog.RunRecord, error) {
	s.mu.RLock()
	out := make([]catalog.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		out = append(out, copyRun(run))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].RunID > out[j].RunID
	})
	return page(out, limit, offset), nil
}

// MarkSegmentsDone records processed segment keys for runID.
func (s *Store) MarkSegmentsDone(_ context.Context, runID string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.segments[runID]
	if !ok {
		set = make(map[string]struct{}, len(keys))
		s.segments[runID] = set
	}
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return nil
}

// DoneSegments returns the processed segment keys for runID.
func (s *Store) DoneSegments(_ context.Context, runID string) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{}, len(s.segments[runID]))
	for k := range s.segments[runID] {
		out[k] = struct{}{}
	}
	return out, nil
}

// Close implements catalog.Store.
func (s *Store) Close() error {
	return nil
}

func copyRun(r catalog.RunRecord) catalog.RunRecord {
	cp := r
	if r.EndedAt != nil {
		t := *r.EndedAt
		cp.EndedAt = &t
	}
	if r.Root.Filter.Base != nil {
		cp.Root.Filter.Base = make(map[string]string, len(r.Root.Filter.Base))
		for k, v := range r.Root.Filter.Base {
			cp.Root.Filter.Base[k] = v
		}
	}
	return cp
}

func page[T any](in []T, limit, offset int) []T {
	if offset >= len(in) {
		return in[:0]
	}
	if offset > 0 {
		in = in[offset:]
	}
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}
