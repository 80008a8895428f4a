// Package dedup derives the stable identity of catalog entities and creates
// them on first sight.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/instrument-catalog/internal/catalog"
	"github.com/JakeFAU/instrument-catalog/internal/hash/sha256"
)

// ErrMissingKey is returned for records without a natural key.
var ErrMissingKey = errors.New("record has no natural key")

// Deduplicator maps (entity kind, natural key) to a DedupKey and makes sure
// exactly one CanonicalEntity exists per key.
type Deduplicator struct {
	store  catalog.EntityStore
	hasher *sha256.Hasher
	clock  catalog.Clock
	kinds  map[string]string
	logger *zap.Logger
}

// Config tunes a Deduplicator. Kinds maps an enriching source to the kind
// whose entities it contributes to.
type Config struct {
	Kinds  map[string]string
	Clock  catalog.Clock
	Logger *zap.Logger
}

// New constructs a Deduplicator backed by store.
func New(store catalog.EntityStore, cfg Config) (*Deduplicator, error) {
	if store == nil {
		return nil, errors.New("dedup: entity store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	kinds := make(map[string]string, len(cfg.Kinds))
	for from, to := range cfg.Kinds {
		kinds[from] = to
	}
	return &Deduplicator{
		store:  store,
		hasher: sha256.New(),
		clock:  cfg.Clock,
		kinds:  kinds,
		logger: cfg.Logger.Named("dedup"),
	}, nil
}

// EntityKind returns the kind a source's records are identified under.
func (d *Deduplicator) EntityKind(source string) string {
	if kind, ok := d.kinds[source]; ok {
		return kind
	}
	return source
}

// Identify computes the DedupKey of raw. It is deterministic and ignores
// surrounding whitespace in the natural key.
func (d *Deduplicator) Identify(raw catalog.RawRecord) (catalog.DedupKey, error) {
	key := strings.TrimSpace(raw.NaturalKey)
	if key == "" {
		return "", fmt.Errorf("identify %s record: %w", raw.SourceKind, ErrMissingKey)
	}
	return catalog.DedupKey(d.hasher.HashParts(d.EntityKind(raw.SourceKind), key)), nil
}

// Resolve reports whether an entity exists for key.
func (d *Deduplicator) Resolve(ctx context.Context, key catalog.DedupKey) (string, bool, error) {
	_, err := d.store.GetEntityState(ctx, string(key))
	if errors.Is(err, catalog.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resolve entity: %w", err)
	}
	return string(key), true, nil
}

// Ensure returns the entity ID for raw, creating the entity when it does not
// exist yet. Concurrent calls for the same key converge on one entity.
func (d *Deduplicator) Ensure(ctx context.Context, raw catalog.RawRecord) (string, bool, error) {
	key, err := d.Identify(raw)
	if err != nil {
		return "", false, err
	}
	now := raw.FetchedAt
	if d.clock != nil {
		now = d.clock.Now()
	}
	entity, created, err := d.store.EnsureEntity(ctx, catalog.CanonicalEntity{
		ID:         string(key),
		SourceKind: d.EntityKind(raw.SourceKind),
		NaturalKey: strings.TrimSpace(raw.NaturalKey),
		Fields:     map[string]catalog.FieldValue{},
		CreatedAt:  now.UTC(),
		UpdatedAt:  now.UTC(),
	})
	if err != nil {
		return "", false, fmt.Errorf("ensure entity: %w", err)
	}
	if created {
		d.logger.Debug("entity created",
			zap.String("entity_id", entity.ID),
			zap.String("natural_key", entity.NaturalKey),
			zap.String("source", raw.SourceKind),
		)
	}
	return entity.ID, created, nil
}
