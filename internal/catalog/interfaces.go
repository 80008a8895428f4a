package catalog

import (
	"context"
	"io"
	"time"
)

// SourceFetcher retrieves records and result-count estimates from one
// external source. Implementations own their request timeouts and classify
// failures as TransientFetchError or PermanentFetchError.
type SourceFetcher interface {
	Kind() string
	Estimate(ctx context.Context, seg Segment) (int, error)
	Fetch(ctx context.Context, seg Segment) ([]RawRecord, error)
}

// Parser turns a RawRecord into tagged field values. It must be pure and
// return a *ParseError for malformed input.
type Parser interface {
	Parse(raw RawRecord) (ParsedRecord, error)
}

// EntityUpdate is an optimistic write against one entity: it applies only if
// the stored version still equals ExpectedVersion.
type EntityUpdate struct {
	ID              string
	ExpectedVersion int64
	Fields          map[string]FieldValue
	Underlyings     []map[string]FieldValue
	Append          []Contribution
	UpdatedAt       time.Time
}

// EntityStore persists canonical entities and their audit history.
type EntityStore interface {
	// EnsureEntity inserts the entity unless one with the same ID exists and
	// returns the stored row along with whether it was created.
	EnsureEntity(ctx context.Context, entity CanonicalEntity) (CanonicalEntity, bool, error)
	GetEntity(ctx context.Context, id string) (CanonicalEntity, error)
	// GetEntityState is GetEntity without History.
	GetEntityState(ctx context.Context, id string) (CanonicalEntity, error)
	// UpdateEntity returns a *StoreConflictError when the version moved. The
	// returned entity carries no History.
	UpdateEntity(ctx context.Context, update EntityUpdate) (CanonicalEntity, error)
	FindByNaturalKey(ctx context.Context, naturalKey string) ([]CanonicalEntity, error)
	ListEntities(ctx context.Context, filter EntityFilter, limit, offset int) ([]CanonicalEntity, error)
	// CountEntities returns the number of entities per source kind.
	CountEntities(ctx context.Context) (map[string]int, error)
}

// EntityFilter narrows ListEntities. The zero value matches everything.
type EntityFilter struct {
	SourceKind string
}

// RunStore persists run records and the set of processed segment keys.
type RunStore interface {
	SaveRun(ctx context.Context, run RunRecord) error
	LoadRun(ctx context.Context, runID string) (RunRecord, error)
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]RunRecord, error)
	MarkSegmentsDone(ctx context.Context, runID string, keys []string) error
	DoneSegments(ctx context.Context, runID string) (map[string]struct{}, error)
}

// Store is the single persistence target of the engine.
type Store interface {
	EntityStore
	RunStore
	Close() error
}

// Limiter spaces requests to the same source.
type Limiter interface {
	Wait(ctx context.Context, source string) error
}

// BlobStore archives raw payloads. PutObject returns a URI; GetObject
// accepts either that URI or the original path.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, string, error)
}

// Publisher pushes run notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

type runIDKey struct{}

// WithRunID tags ctx with the run responsible for downstream writes.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFromContext returns the run tagged by WithRunID, if any.
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}
