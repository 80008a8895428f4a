// Package engine orchestrates crawl runs: it partitions a source's result
// set, feeds the leaf segments to a rate-limited worker pool, and runs every
// fetched record through parsing, deduplication, and reconciliation while a
// tracker owns the run's lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/instrument-catalog/internal/catalog"
	"github.com/JakeFAU/instrument-catalog/internal/dedup"
	"github.com/JakeFAU/instrument-catalog/internal/progress"
	"github.com/JakeFAU/instrument-catalog/internal/ratelimit"
	"github.com/JakeFAU/instrument-catalog/internal/reconcile"
	"github.com/JakeFAU/instrument-catalog/internal/tracker"
)

// ErrShuttingDown is returned when a run is started or resumed after
// Shutdown began.
var ErrShuttingDown = errors.New("engine is shutting down")

const (
	defaultWorkers    = 12
	defaultQueueDepth = 256
	defaultCap        = 10000
	defaultMaxDepth   = 4
	defaultPrefix     = "raw"
)

// Source binds a configured source name to the fetcher and parser that serve
// it, plus its partitioning limits. A zero Cap or a nil MaxDepth falls back
// to the engine defaults; a MaxDepth of 0 fetches the root segment only.
type Source struct {
	Name     string
	Fetcher  catalog.SourceFetcher
	Parser   catalog.Parser
	Cap      int
	MaxDepth *int
	Alphabet []string
}

// Config tunes the engine.
type Config struct {
	Workers         int
	QueueDepth      int
	CheckpointEvery int
	DefaultCap      int
	// DefaultMaxDepth is used by sources without their own limit. Nil means
	// 4.
	DefaultMaxDepth *int
	Policy          catalog.RetryPolicy
	// ArchiveRaw stores every fetched payload in the blob store under
	// ArchivePrefix/<run_id>/<source>/<sha256>.json.
	ArchiveRaw    bool
	ArchivePrefix string
	Clock         catalog.Clock
	IDs           catalog.IDGenerator
	Emitter       progress.Emitter
	Logger        *zap.Logger
}

// Deps are the collaborators the engine drives. Dedup and Reconciler default
// to instances over Store; Limiter defaults to no spacing.
type Deps struct {
	Store      catalog.Store
	Sources    []Source
	Limiter    catalog.Limiter
	Dedup      *dedup.Deduplicator
	Reconciler *reconcile.Reconciler
	Blobs      catalog.BlobStore
	Hasher     catalog.Hasher
}

// RunOptions adjusts a single run.
type RunOptions struct {
	// Workers overrides the configured pool size for this run.
	Workers int
}

// Engine runs crawls. Live runs are tracked in an explicit registry; the
// persisted RunRecord is the source of truth for everything else.
type Engine struct {
	store      catalog.Store
	sources    map[string]Source
	limiter    catalog.Limiter
	dedup      *dedup.Deduplicator
	reconciler *reconcile.Reconciler
	blobs      catalog.BlobStore
	hasher     catalog.Hasher
	cfg        Config
	logger     *zap.Logger
	registry   *tracker.Registry

	baseCtx context.Context
	abort   context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	closing bool
	done    map[string]chan struct{}
}

// New validates deps and builds an Engine.
func New(deps Deps, cfg Config) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if cfg.IDs == nil {
		return nil, errors.New("engine: id generator is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if cfg.DefaultCap <= 0 {
		cfg.DefaultCap = defaultCap
	}
	if cfg.DefaultMaxDepth == nil {
		cfg.DefaultMaxDepth = Depth(defaultMaxDepth)
	}
	if *cfg.DefaultMaxDepth < 0 {
		return nil, fmt.Errorf("engine: default max depth must be >= 0, got %d", *cfg.DefaultMaxDepth)
	}
	if cfg.Policy == nil {
		cfg.Policy = catalog.NewFixedRetryPolicy(0, -1)
	}
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = defaultPrefix
	}
	if cfg.ArchiveRaw && (deps.Blobs == nil || deps.Hasher == nil) {
		return nil, errors.New("engine: archiving raw payloads needs a blob store and a hasher")
	}

	sources := make(map[string]Source, len(deps.Sources))
	for _, src := range deps.Sources {
		if src.Name == "" || src.Fetcher == nil || src.Parser == nil {
			return nil, fmt.Errorf("engine: source %q needs a name, fetcher and parser", src.Name)
		}
		if src.MaxDepth != nil && *src.MaxDepth < 0 {
			return nil, fmt.Errorf("engine: source %q max depth must be >= 0", src.Name)
		}
		if _, dup := sources[src.Name]; dup {
			return nil, fmt.Errorf("engine: source %q registered twice", src.Name)
		}
		sources[src.Name] = src
	}

	var err error
	if deps.Dedup == nil {
		if deps.Dedup, err = dedup.New(deps.Store, dedup.Config{Clock: cfg.Clock, Logger: cfg.Logger}); err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
	}
	if deps.Reconciler == nil {
		if deps.Reconciler, err = reconcile.New(deps.Store, reconcile.Config{Clock: cfg.Clock, Logger: cfg.Logger}); err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.New(ratelimit.Config{})
	}

	baseCtx, abort := context.WithCancel(context.Background())
	return &Engine{
		store:      deps.Store,
		sources:    sources,
		limiter:    deps.Limiter,
		dedup:      deps.Dedup,
		reconciler: deps.Reconciler,
		blobs:      deps.Blobs,
		hasher:     deps.Hasher,
		cfg:        cfg,
		logger:     cfg.Logger.Named("engine"),
		registry:   tracker.NewRegistry(),
		baseCtx:    baseCtx,
		abort:      abort,
		done:       make(map[string]chan struct{}),
	}, nil
}

// Depth returns a pointer to n, for Config.DefaultMaxDepth and
// Source.MaxDepth.
func Depth(n int) *int {
	return &n
}

// Sources lists the configured source names in order.
func (e *Engine) Sources() []string {
	out := make([]string, 0, len(e.sources))
	for name := range e.sources {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// StartRun persists a pending run over root and starts crawling it in the
// background. It returns once the run is recorded.
func (e *Engine) StartRun(ctx context.Context, name string, root catalog.Segment, opts RunOptions) (string, error) {
	if _, ok := e.sources[root.Source]; !ok {
		return "", fmt.Errorf("start run for %q: %w", root.Source, catalog.ErrUnknownSource)
	}
	root.Depth = 0
	root.EstimatedCount = 0
	runID, err := e.cfg.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	now := e.now()
	run := catalog.RunRecord{
		RunID:     runID,
		Name:      name,
		Source:    root.Source,
		Root:      root,
		Status:    catalog.RunPending,
		StartedAt: now,
		UpdatedAt: now,
	}
	t, err := e.newTracker(run, nil)
	if err != nil {
		return "", err
	}
	if err := t.Create(ctx); err != nil {
		return "", err
	}
	if err := e.launch(t, opts); err != nil {
		return "", err
	}
	e.logger.Info("run submitted",
		zap.String("run_id", runID),
		zap.String("source", root.Source),
		zap.String("segment", root.Key()),
	)
	return runID, nil
}

// ResumeRun restarts a paused run, or a run a crashed process left running,
// skipping every segment its last checkpoint recorded as processed.
func (e *Engine) ResumeRun(ctx context.Context, runID string, opts RunOptions) error {
	if _, live := e.registry.Get(runID); live {
		return fmt.Errorf("resume run %s: already active", runID)
	}
	run, err := e.store.LoadRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("resume run: %w", err)
	}
	if run.Status.Terminal() {
		return fmt.Errorf("resume run %s (%s): %w", runID, run.Status, catalog.ErrRunTerminal)
	}
	if _, ok := e.sources[run.Source]; !ok {
		return fmt.Errorf("resume run %s for %q: %w", runID, run.Source, catalog.ErrUnknownSource)
	}
	done, err := e.store.DoneSegments(ctx, runID)
	if err != nil {
		return fmt.Errorf("resume run: %w", err)
	}
	// The walk rediscovers every leaf, processed or not.
	run.Total = 0
	run.Completed = len(done)

	t, err := e.newTracker(run, done)
	if err != nil {
		return err
	}
	if err := e.launch(t, opts); err != nil {
		return err
	}
	e.logger.Info("run resumed",
		zap.String("run_id", runID),
		zap.Int("done_segments", len(done)),
	)
	return nil
}

// GetRunStatus returns a live snapshot for active runs and the stored record
// otherwise.
func (e *Engine) GetRunStatus(ctx context.Context, runID string) (catalog.RunRecord, error) {
	if t, ok := e.registry.Get(runID); ok {
		return t.Snapshot(), nil
	}
	run, err := e.store.LoadRun(ctx, runID)
	if err != nil {
		return catalog.RunRecord{}, fmt.Errorf("get run status: %w", err)
	}
	return run, nil
}

// CancelRun stops a run for good. Active runs finish their in-flight units
// first; pending or paused runs are failed immediately.
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	if t, ok := e.registry.Get(runID); ok {
		if status := t.Snapshot().Status; status.Terminal() {
			return fmt.Errorf("cancel run %s (%s): %w", runID, status, catalog.ErrRunTerminal)
		}
		t.Cancel()
		return nil
	}
	run, err := e.store.LoadRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}
	if run.Status.Terminal() {
		return fmt.Errorf("cancel run %s (%s): %w", runID, run.Status, catalog.ErrRunTerminal)
	}
	t, err := e.newTracker(run, nil)
	if err != nil {
		return err
	}
	return t.Fail(ctx, tracker.CancelReason)
}

// PauseRun asks an active run to stop after its in-flight units and park in
// the paused state.
func (e *Engine) PauseRun(ctx context.Context, runID string) error {
	if t, ok := e.registry.Get(runID); ok {
		if status := t.Snapshot().Status; status.Terminal() {
			return fmt.Errorf("pause run %s (%s): %w", runID, status, catalog.ErrRunTerminal)
		}
		t.RequestPause()
		return nil
	}
	run, err := e.store.LoadRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("pause run: %w", err)
	}
	if run.Status.Terminal() {
		return fmt.Errorf("pause run %s (%s): %w", runID, run.Status, catalog.ErrRunTerminal)
	}
	return fmt.Errorf("pause run %s: %w", runID, catalog.ErrRunNotActive)
}

// ListRuns lists stored runs newest first, replacing active runs with their
// live snapshots.
func (e *Engine) ListRuns(ctx context.Context, status *catalog.RunStatus, limit, offset int) ([]catalog.RunRecord, error) {
	runs, err := e.store.ListRuns(ctx, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	for i, run := range runs {
		if t, ok := e.registry.Get(run.RunID); ok {
			runs[i] = t.Snapshot()
		}
	}
	return runs, nil
}

// ActiveRuns returns snapshots of the runs executing in this process.
func (e *Engine) ActiveRuns() []catalog.RunRecord {
	live := e.registry.List()
	out := make([]catalog.RunRecord, 0, len(live))
	for _, t := range live {
		out = append(out, t.Snapshot())
	}
	return out
}

// WaitRun blocks until runID is no longer active in this process and returns
// its stored record.
func (e *Engine) WaitRun(ctx context.Context, runID string) (catalog.RunRecord, error) {
	e.mu.Lock()
	done, ok := e.done[runID]
	e.mu.Unlock()
	if ok {
		select {
		case <-done:
		case <-ctx.Done():
			return catalog.RunRecord{}, fmt.Errorf("wait run %s: %w", runID, ctx.Err())
		}
	}
	return e.GetRunStatus(ctx, runID)
}

// Entity returns one canonical entity with its history.
func (e *Engine) Entity(ctx context.Context, entityID string) (catalog.CanonicalEntity, error) {
	entity, err := e.store.GetEntity(ctx, entityID)
	if err != nil {
		return catalog.CanonicalEntity{}, fmt.Errorf("get entity: %w", err)
	}
	return entity, nil
}

// Entities pages through the catalog entities matching filter.
func (e *Engine) Entities(ctx context.Context, filter catalog.EntityFilter, limit, offset int) ([]catalog.CanonicalEntity, error) {
	entities, err := e.store.ListEntities(ctx, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	return entities, nil
}

// EntityCounts returns the number of catalog entities per source kind.
func (e *Engine) EntityCounts(ctx context.Context) (map[string]int, error) {
	counts, err := e.store.CountEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("count entities: %w", err)
	}
	return counts, nil
}

// Compare builds the best-of view over every entity sharing naturalKey.
func (e *Engine) Compare(ctx context.Context, naturalKey string) (reconcile.View, error) {
	entities, err := e.store.FindByNaturalKey(ctx, naturalKey)
	if err != nil {
		return reconcile.View{}, fmt.Errorf("compare %s: %w", naturalKey, err)
	}
	if len(entities) == 0 {
		return reconcile.View{}, fmt.Errorf("compare %s: %w", naturalKey, catalog.ErrNotFound)
	}
	return e.reconciler.BestView(entities...), nil
}

// ArchivedPayload reads back a raw payload stored during a run.
func (e *Engine) ArchivedPayload(ctx context.Context, path string) ([]byte, string, error) {
	if e.blobs == nil {
		return nil, "", fmt.Errorf("archived payload %s: %w", path, catalog.ErrNotFound)
	}
	body, contentType, err := e.blobs.GetObject(ctx, path)
	if err != nil {
		return nil, "", fmt.Errorf("archived payload: %w", err)
	}
	return body, contentType, nil
}

// Shutdown pauses every active run and waits for them to checkpoint. When
// ctx ends first the runs are interrupted; they stay resumable.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()

	for _, t := range e.registry.List() {
		t.RequestPause()
	}
	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		e.abort()
		return nil
	case <-ctx.Done():
		e.abort()
		<-finished
		return fmt.Errorf("engine shutdown: %w", ctx.Err())
	}
}

func (e *Engine) newTracker(run catalog.RunRecord, done map[string]struct{}) (*tracker.Tracker, error) {
	t, err := tracker.New(e.store, run, done, tracker.Config{
		CheckpointEvery: e.cfg.CheckpointEvery,
		Clock:           e.cfg.Clock,
		Emitter:         e.cfg.Emitter,
		Logger:          e.cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	return t, nil
}

func (e *Engine) launch(t *tracker.Tracker, opts RunOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closing {
		return ErrShuttingDown
	}
	if err := e.registry.Register(t); err != nil {
		return err
	}
	done := make(chan struct{})
	e.done[t.RunID()] = done

	workers := e.cfg.Workers
	if opts.Workers > 0 {
		workers = opts.Workers
	}
	src := e.sources[t.Snapshot().Source]

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.done, t.RunID())
			e.mu.Unlock()
			close(done)
		}()
		defer e.registry.Remove(t.RunID())
		e.execute(e.baseCtx, t, src, workers)
	}()
	return nil
}

func (e *Engine) now() time.Time {
	if e.cfg.Clock != nil {
		return e.cfg.Clock.Now().UTC()
	}
	return time.Now().UTC()
}
