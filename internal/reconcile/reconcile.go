// Package reconcile merges field values contributed by different sources into
// canonical entities and projects best-of-each-field views across entities.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/instrument-catalog/internal/catalog"
	"github.com/JakeFAU/instrument-catalog/internal/telemetry"
)

const (
	defaultStripes       = 64
	defaultConflictTries = 16
)

// Config tunes a Reconciler.
type Config struct {
	// SourcePriority breaks exact confidence and capture-time ties, highest
	// priority first.
	SourcePriority []string
	Stripes        int
	ConflictTries  int
	Clock          catalog.Clock
	Logger         *zap.Logger
}

// Reconciler applies candidates to stored entities. Merges to the same entity
// are serialized by a striped lock in-process and by the store's version
// check across processes.
type Reconciler struct {
	store      catalog.EntityStore
	precedence Precedence
	locks      []sync.Mutex
	tries      int
	clock      catalog.Clock
	logger     *zap.Logger
}

// Result summarizes one MergeAll call.
type Result struct {
	Accepted int
	Rejected int
}

// New constructs a Reconciler.
func New(store catalog.EntityStore, cfg Config) (*Reconciler, error) {
	if store == nil {
		return nil, errors.New("reconcile: entity store is required")
	}
	if cfg.Stripes <= 0 {
		cfg.Stripes = defaultStripes
	}
	if cfg.ConflictTries <= 0 {
		cfg.ConflictTries = defaultConflictTries
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Reconciler{
		store:      store,
		precedence: NewPrecedence(cfg.SourcePriority),
		locks:      make([]sync.Mutex, cfg.Stripes),
		tries:      cfg.ConflictTries,
		clock:      cfg.Clock,
		logger:     cfg.Logger.Named("reconcile"),
	}, nil
}

// Precedence exposes the ordering used for merges.
func (r *Reconciler) Precedence() Precedence {
	return r.precedence
}

// Merge offers candidate for one field of entityID and reports whether it
// became the visible value. The contribution is recorded in the entity's
// history either way.
func (r *Reconciler) Merge(ctx context.Context, entityID string, path catalog.FieldPath, candidate catalog.FieldValue) (bool, error) {
	res, err := r.merge(ctx, entityID, map[catalog.FieldPath]catalog.FieldValue{path: candidate})
	if err != nil {
		return false, err
	}
	return res.Accepted == 1, nil
}

// MergeAll offers every field of rec to entityID in one versioned write.
func (r *Reconciler) MergeAll(ctx context.Context, entityID string, rec catalog.ParsedRecord) (Result, error) {
	if len(rec.Fields) == 0 {
		return Result{}, nil
	}
	return r.merge(ctx, entityID, rec.Fields)
}

func (r *Reconciler) merge(ctx context.Context, entityID string, fields map[catalog.FieldPath]catalog.FieldValue) (Result, error) {
	paths := make([]catalog.FieldPath, 0, len(fields))
	for path := range fields {
		if err := path.Validate(); err != nil {
			return Result{}, fmt.Errorf("merge entity %s: %w", entityID, err)
		}
		paths = append(paths, path)
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })

	mu := r.lockFor(entityID)
	mu.Lock()
	defer mu.Unlock()

	runID := catalog.RunIDFromContext(ctx)
	var lastConflict error
	for attempt := 0; attempt < r.tries; attempt++ {
		entity, err := r.store.GetEntityState(ctx, entityID)
		if err != nil {
			return Result{}, fmt.Errorf("load entity: %w", err)
		}
		now := r.now()
		next := entity.Clone()
		res := Result{}
		history := make([]catalog.Contribution, 0, len(paths))
		for _, path := range paths {
			candidate := fields[path]
			candidate.Confidence = catalog.ClampConfidence(candidate.Confidence)
			current, exists := next.Field(path)
			accepted := !exists || r.precedence.Better(candidate, current)
			if accepted {
				if err := next.SetField(path, candidate); err != nil {
					return Result{}, fmt.Errorf("set field %s: %w", path, err)
				}
				res.Accepted++
			} else {
				res.Rejected++
			}
			history = append(history, catalog.Contribution{
				Path:       path,
				Value:      candidate,
				RunID:      runID,
				Accepted:   accepted,
				RecordedAt: now,
			})
		}

		_, err = r.store.UpdateEntity(ctx, catalog.EntityUpdate{
			ID:              entityID,
			ExpectedVersion: entity.Version,
			Fields:          next.Fields,
			Underlyings:     next.Underlyings,
			Append:          history,
			UpdatedAt:       now,
		})
		var conflict *catalog.StoreConflictError
		if errors.As(err, &conflict) {
			lastConflict = err
			r.logger.Debug("version conflict, retrying merge",
				zap.String("entity_id", entityID),
				zap.Int64("expected", conflict.Expected),
				zap.Int64("actual", conflict.Actual),
			)
			continue
		}
		if err != nil {
			return Result{}, fmt.Errorf("update entity: %w", err)
		}
		for i := 0; i < res.Accepted; i++ {
			telemetry.ObserveMerge(true)
		}
		for i := 0; i < res.Rejected; i++ {
			telemetry.ObserveMerge(false)
		}
		return res, nil
	}
	return Result{}, fmt.Errorf("merge entity %s after %d attempts: %w", entityID, r.tries, lastConflict)
}

func (r *Reconciler) lockFor(entityID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(entityID))
	return &r.locks[h.Sum32()%uint32(len(r.locks))]
}

func (r *Reconciler) now() time.Time {
	if r.clock != nil {
		return r.clock.Now()
	}
	return time.Now().UTC()
}
