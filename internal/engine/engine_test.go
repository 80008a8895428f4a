package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/instrument-catalog/internal/catalog"
	"github.com/JakeFAU/instrument-catalog/internal/hash/sha256"
	"github.com/JakeFAU/instrument-catalog/internal/id/uuid"
	"github.com/JakeFAU/instrument-catalog/internal/parser/mapping"
	"github.com/JakeFAU/instrument-catalog/internal/storage/memory"
)

var fetchedAt = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// fakeFetcher serves a fixed key set filtered by prefix. When gate is set,
// every Fetch announces itself on entered and blocks until gate closes.
type fakeFetcher struct {
	kind    string
	keys    []string
	bad     map[string]bool
	failOn  map[string]error
	gate    chan struct{}
	entered chan string

	mu      sync.Mutex
	fetched map[string]int
}

func newFakeFetcher(kind string, keys []string) *fakeFetcher {
	return &fakeFetcher{kind: kind, keys: keys, fetched: map[string]int{}}
}

func (f *fakeFetcher) Kind() string { return f.kind }

func (f *fakeFetcher) Estimate(_ context.Context, seg catalog.Segment) (int, error) {
	return len(f.matching(seg.Filter.Prefix)), nil
}

func (f *fakeFetcher) Fetch(ctx context.Context, seg catalog.Segment) ([]catalog.RawRecord, error) {
	prefix := seg.Filter.Prefix
	f.mu.Lock()
	f.fetched[prefix]++
	f.mu.Unlock()

	if f.gate != nil {
		if f.entered != nil {
			f.entered <- prefix
		}
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err, ok := f.failOn[prefix]; ok {
		return nil, err
	}
	keys := f.matching(prefix)
	out := make([]catalog.RawRecord, 0, len(keys))
	for _, k := range keys {
		payload := fmt.Sprintf(`{"isin":%q,"name":"%s %s"}`, k, f.kind, k)
		if f.bad[k] {
			payload = `{"isin":`
		}
		out = append(out, catalog.RawRecord{
			SourceKind: f.kind,
			NaturalKey: k,
			Payload:    []byte(payload),
			FetchedAt:  fetchedAt,
		})
	}
	return out, nil
}

func (f *fakeFetcher) matching(prefix string) []string {
	var out []string
	for _, k := range f.keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}

func (f *fakeFetcher) fetchCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetched[prefix]
}

// datasetKeys returns 100 keys under each of A, B and C.
func datasetKeys() []string {
	keys := make([]string, 0, 300)
	for _, first := range []string{"A", "B", "C"} {
		for i := 0; i < 100; i++ {
			keys = append(keys, fmt.Sprintf("%s%03d", first, i))
		}
	}
	return keys
}

// flakySegmentsStore fails MarkSegmentsDone while failMarks is set.
type flakySegmentsStore struct {
	*memory.Store
	failMarks atomic.Bool
}

func (s *flakySegmentsStore) MarkSegmentsDone(ctx context.Context, runID string, keys []string) error {
	if s.failMarks.Load() {
		return errors.New("segments table unavailable")
	}
	return s.Store.MarkSegmentsDone(ctx, runID, keys)
}

func newSource(t *testing.T, f *fakeFetcher, confidence float64) Source {
	t.Helper()
	p, err := mapping.New(f.kind, mapping.Rules{
		KeyPath:    "isin",
		Confidence: confidence,
		Fields:     map[string]string{"name": "name"},
	})
	require.NoError(t, err)
	return Source{
		Name:     f.kind,
		Fetcher:  f,
		Parser:   p,
		Cap:      150,
		MaxDepth: Depth(3),
		Alphabet: []string{"A", "B", "C", "D"},
	}
}

func newEngine(t *testing.T, store catalog.Store, cfg Config, sources ...Source) *Engine {
	t.Helper()
	cfg.IDs = uuid.NewUUIDGenerator()
	cfg.Policy = catalog.NewFixedRetryPolicy(3, 0)
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	eng, err := New(Deps{
		Store:   store,
		Sources: sources,
		Blobs:   memory.NewBlobStore(),
		Hasher:  sha256.New(),
	}, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})
	return eng
}

func rootFor(source string) catalog.Segment {
	return catalog.Segment{Source: source}
}

func waitRun(t *testing.T, eng *Engine, runID string) catalog.RunRecord {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	run, err := eng.WaitRun(ctx, runID)
	require.NoError(t, err)
	return run
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{IDs: uuid.NewUUIDGenerator()})
	require.Error(t, err)

	store := memory.NewStore()
	_, err = New(Deps{Store: store}, Config{})
	require.Error(t, err)

	_, err = New(Deps{Store: store}, Config{IDs: uuid.NewUUIDGenerator(), ArchiveRaw: true})
	require.Error(t, err)

	f := newFakeFetcher("issuer", nil)
	src := newSource(t, f, 0.9)
	_, err = New(Deps{Store: store, Sources: []Source{src, src}}, Config{IDs: uuid.NewUUIDGenerator()})
	require.Error(t, err)

	eng, err := New(Deps{Store: store, Sources: []Source{src}}, Config{IDs: uuid.NewUUIDGenerator()})
	require.NoError(t, err)
	require.Equal(t, []string{"issuer"}, eng.Sources())
}

func TestRunCrawlsEveryLeaf(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	f := newFakeFetcher("issuer", datasetKeys())
	eng := newEngine(t, store, Config{}, newSource(t, f, 0.9))

	runID, err := eng.StartRun(context.Background(), "nightly", rootFor("issuer"), RunOptions{})
	require.NoError(t, err)

	run := waitRun(t, eng, runID)
	require.Equal(t, catalog.RunCompleted, run.Status)
	require.Equal(t, "nightly", run.Name)
	require.Equal(t, 3, run.Total)
	require.Equal(t, 3, run.Completed)
	require.Equal(t, 3, run.CheckpointOffset)
	require.Zero(t, run.ErrorsCount)
	require.NotNil(t, run.EndedAt)

	for _, prefix := range []string{"A", "B", "C"} {
		require.Equal(t, 1, f.fetchCount(prefix))
	}
	require.Zero(t, f.fetchCount("D"))

	entities, err := eng.Entities(context.Background(), catalog.EntityFilter{}, 0, 0)
	require.NoError(t, err)
	require.Len(t, entities, 300)

	found, err := store.FindByNaturalKey(context.Background(), "B042")
	require.NoError(t, err)
	require.Len(t, found, 1)
	entity, err := eng.Entity(context.Background(), found[0].ID)
	require.NoError(t, err)
	require.Equal(t, "issuer B042", entity.Fields["name"].Value)
	require.Len(t, entity.History, 1)
	require.Equal(t, runID, entity.History[0].RunID)

	done, err := store.DoneSegments(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, done, 3)
}

func TestRunCountsParseErrors(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	f := newFakeFetcher("issuer", datasetKeys())
	f.bad = map[string]bool{"A001": true, "C099": true}
	eng := newEngine(t, store, Config{}, newSource(t, f, 0.9))

	runID, err := eng.StartRun(context.Background(), "", rootFor("issuer"), RunOptions{})
	require.NoError(t, err)

	run := waitRun(t, eng, runID)
	require.Equal(t, catalog.RunCompleted, run.Status)
	require.Equal(t, 2, run.ErrorsCount)
	require.Contains(t, run.LastError, "JSON")

	entities, err := eng.Entities(context.Background(), catalog.EntityFilter{}, 0, 0)
	require.NoError(t, err)
	require.Len(t, entities, 298)
}

func TestPermanentErrorFailsRun(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	f := newFakeFetcher("issuer", datasetKeys())
	f.failOn = map[string]error{
		"B": &catalog.PermanentFetchError{Source: "issuer", StatusCode: 403, Err: errors.New("forbidden")},
	}
	eng := newEngine(t, store, Config{Workers: 1}, newSource(t, f, 0.9))

	runID, err := eng.StartRun(context.Background(), "", rootFor("issuer"), RunOptions{})
	require.NoError(t, err)

	run := waitRun(t, eng, runID)
	require.Equal(t, catalog.RunFailed, run.Status)
	require.Contains(t, run.LastError, "status 403")
	require.Equal(t, 1, f.fetchCount("B"))
	require.Less(t, run.Completed, 3)
}

func TestTransientFailureLeavesUnitUnprocessed(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	f := newFakeFetcher("issuer", datasetKeys())
	f.failOn = map[string]error{
		"C": &catalog.TransientFetchError{Source: "issuer", StatusCode: 503, Err: errors.New("unavailable")},
	}
	eng := newEngine(t, store, Config{}, newSource(t, f, 0.9))

	runID, err := eng.StartRun(context.Background(), "", rootFor("issuer"), RunOptions{})
	require.NoError(t, err)

	run := waitRun(t, eng, runID)
	require.Equal(t, catalog.RunCompleted, run.Status)
	require.Equal(t, 3, run.Total)
	require.Equal(t, 2, run.Completed)
	require.Equal(t, 1, run.ErrorsCount)
	require.Equal(t, 3, f.fetchCount("C"))
}

func TestCancelRun(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	f := newFakeFetcher("issuer", datasetKeys())
	f.gate = make(chan struct{})
	f.entered = make(chan string, 8)
	eng := newEngine(t, store, Config{Workers: 1}, newSource(t, f, 0.9))

	ctx := context.Background()
	runID, err := eng.StartRun(ctx, "", rootFor("issuer"), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, "A", <-f.entered)

	live, err := eng.GetRunStatus(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, catalog.RunRunning, live.Status)
	require.Len(t, eng.ActiveRuns(), 1)

	require.NoError(t, eng.CancelRun(ctx, runID))
	close(f.gate)

	run := waitRun(t, eng, runID)
	require.Equal(t, catalog.RunFailed, run.Status)
	require.Equal(t, "canceled", run.LastError)
	require.Equal(t, 1, run.Completed)
	require.Zero(t, f.fetchCount("B"))

	require.ErrorIs(t, eng.CancelRun(ctx, runID), catalog.ErrRunTerminal)
	require.ErrorIs(t, eng.PauseRun(ctx, runID), catalog.ErrRunTerminal)
	require.Empty(t, eng.ActiveRuns())
}

func TestPauseAndResume(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	f := newFakeFetcher("issuer", datasetKeys())
	f.gate = make(chan struct{})
	f.entered = make(chan string, 8)
	eng := newEngine(t, store, Config{Workers: 1, CheckpointEvery: 1}, newSource(t, f, 0.9))

	ctx := context.Background()
	runID, err := eng.StartRun(ctx, "", rootFor("issuer"), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, "A", <-f.entered)

	require.NoError(t, eng.PauseRun(ctx, runID))
	close(f.gate)

	paused := waitRun(t, eng, runID)
	require.Equal(t, catalog.RunPaused, paused.Status)
	require.Equal(t, 1, paused.Completed)
	require.Nil(t, paused.EndedAt)
	require.ErrorIs(t, eng.PauseRun(ctx, runID), catalog.ErrRunNotActive)

	require.NoError(t, eng.ResumeRun(ctx, runID, RunOptions{}))
	run := waitRun(t, eng, runID)
	require.Equal(t, catalog.RunCompleted, run.Status)
	require.Equal(t, 3, run.Total)
	require.Equal(t, 3, run.Completed)
	for _, prefix := range []string{"A", "B", "C"} {
		require.Equal(t, 1, f.fetchCount(prefix), "prefix %s", prefix)
	}

	entities, err := eng.Entities(ctx, catalog.EntityFilter{}, 0, 0)
	require.NoError(t, err)
	require.Len(t, entities, 300)

	require.ErrorIs(t, eng.ResumeRun(ctx, runID, RunOptions{}), catalog.ErrRunTerminal)
}

func TestCancelPausedRun(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	f := newFakeFetcher("issuer", datasetKeys())
	eng := newEngine(t, store, Config{}, newSource(t, f, 0.9))

	ctx := context.Background()
	require.NoError(t, store.SaveRun(ctx, catalog.RunRecord{
		RunID:     "0190c6f0-0000-7000-8000-000000000001",
		Source:    "issuer",
		Root:      rootFor("issuer"),
		Status:    catalog.RunPaused,
		StartedAt: fetchedAt,
		UpdatedAt: fetchedAt,
	}))

	require.NoError(t, eng.CancelRun(ctx, "0190c6f0-0000-7000-8000-000000000001"))
	run, err := eng.GetRunStatus(ctx, "0190c6f0-0000-7000-8000-000000000001")
	require.NoError(t, err)
	require.Equal(t, catalog.RunFailed, run.Status)
	require.Equal(t, "canceled", run.LastError)

	_, err = eng.GetRunStatus(ctx, "missing")
	require.ErrorIs(t, err, catalog.ErrNotFound)
	require.ErrorIs(t, eng.ResumeRun(ctx, "missing", RunOptions{}), catalog.ErrNotFound)
}

func TestStartRunUnknownSource(t *testing.T) {
	t.Parallel()

	eng := newEngine(t, memory.NewStore(), Config{})
	_, err := eng.StartRun(context.Background(), "", rootFor("nope"), RunOptions{})
	require.ErrorIs(t, err, catalog.ErrUnknownSource)
}

func TestCompareAcrossSources(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	keys := []string{"A001", "A002"}
	issuer := newFakeFetcher("issuer", keys)
	exchange := newFakeFetcher("exchange", keys)
	eng := newEngine(t, store, Config{},
		newSource(t, issuer, 0.6),
		newSource(t, exchange, 0.95),
	)

	ctx := context.Background()
	for _, name := range []string{"issuer", "exchange"} {
		runID, err := eng.StartRun(ctx, "", rootFor(name), RunOptions{})
		require.NoError(t, err)
		require.Equal(t, catalog.RunCompleted, waitRun(t, eng, runID).Status)
	}

	view, err := eng.Compare(ctx, "A002")
	require.NoError(t, err)
	require.Len(t, view.EntityIDs, 2)
	require.Equal(t, "exchange A002", view.Fields["name"].Value)
	require.Equal(t, "exchange", view.Fields["name"].SourceKind)

	_, err = eng.Compare(ctx, "Z999")
	require.ErrorIs(t, err, catalog.ErrNotFound)

	runs, err := eng.ListRuns(ctx, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	fromExchange, err := eng.Entities(ctx, catalog.EntityFilter{SourceKind: "exchange"}, 0, 0)
	require.NoError(t, err)
	require.Len(t, fromExchange, 2)
	for _, entity := range fromExchange {
		require.Equal(t, "exchange", entity.SourceKind)
	}
	counts, err := eng.EntityCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"issuer": 2, "exchange": 2}, counts)
}

func TestArchiveRawPayloads(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	blobs := memory.NewBlobStore()
	f := newFakeFetcher("issuer", []string{"A001", "B001"})
	src := newSource(t, f, 0.9)
	eng, err := New(Deps{
		Store:   store,
		Sources: []Source{src},
		Blobs:   blobs,
		Hasher:  sha256.New(),
	}, Config{
		IDs:        uuid.NewUUIDGenerator(),
		Policy:     catalog.NewFixedRetryPolicy(3, 0),
		ArchiveRaw: true,
	})
	require.NoError(t, err)

	ctx := context.Background()
	runID, err := eng.StartRun(ctx, "", rootFor("issuer"), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, catalog.RunCompleted, waitRun(t, eng, runID).Status)

	paths := blobs.Paths("raw/" + runID + "/issuer/")
	require.Len(t, paths, 2)

	sum, err := sha256.New().Hash([]byte(`{"isin":"A001","name":"issuer A001"}`))
	require.NoError(t, err)
	body, contentType, err := eng.ArchivedPayload(ctx, ArchivePath("raw", runID, "issuer", sum))
	require.NoError(t, err)
	require.Equal(t, "application/json", contentType)
	require.JSONEq(t, `{"isin":"A001","name":"issuer A001"}`, string(body))
}

func TestShutdownPausesActiveRuns(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	f := newFakeFetcher("issuer", datasetKeys())
	f.gate = make(chan struct{})
	f.entered = make(chan string, 8)
	eng := newEngine(t, store, Config{Workers: 1}, newSource(t, f, 0.9))

	ctx := context.Background()
	runID, err := eng.StartRun(ctx, "", rootFor("issuer"), RunOptions{})
	require.NoError(t, err)
	<-f.entered

	shutdownErr := make(chan error, 1)
	go func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownErr <- eng.Shutdown(sctx)
	}()
	require.Eventually(t, func() bool {
		live, ok := eng.registry.Get(runID)
		return ok && live.StopRequested()
	}, time.Second, 10*time.Millisecond)
	close(f.gate)
	require.NoError(t, <-shutdownErr)

	run, err := store.LoadRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, catalog.RunPaused, run.Status)

	_, err = eng.StartRun(ctx, "", rootFor("issuer"), RunOptions{})
	require.ErrorIs(t, err, ErrShuttingDown)
}

func TestFailedCheckpointNeverRunsAheadOfStore(t *testing.T) {
	t.Parallel()

	store := &flakySegmentsStore{Store: memory.NewStore()}
	store.failMarks.Store(true)
	f := newFakeFetcher("issuer", datasetKeys())
	f.gate = make(chan struct{})
	f.entered = make(chan string, 8)
	eng := newEngine(t, store, Config{Workers: 1, CheckpointEvery: 100}, newSource(t, f, 0.9))

	ctx := context.Background()
	runID, err := eng.StartRun(ctx, "", rootFor("issuer"), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, "A", <-f.entered)
	require.NoError(t, eng.PauseRun(ctx, runID))
	close(f.gate)

	paused := waitRun(t, eng, runID)
	require.Equal(t, catalog.RunPaused, paused.Status)
	done, err := store.DoneSegments(ctx, runID)
	require.NoError(t, err)
	require.Empty(t, done)
	require.Zero(t, paused.Completed)
	require.Zero(t, paused.CheckpointOffset)

	store.failMarks.Store(false)
	require.NoError(t, eng.ResumeRun(ctx, runID, RunOptions{}))
	resumed, err := eng.GetRunStatus(ctx, runID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, resumed.Completed, paused.Completed)

	run := waitRun(t, eng, runID)
	require.Equal(t, catalog.RunCompleted, run.Status)
	require.Equal(t, 3, run.Completed)
	require.Equal(t, 3, run.CheckpointOffset)
	// A was never stored as done, so the resumed run fetched it again.
	require.Equal(t, 2, f.fetchCount("A"))
}

func TestFailedFinalCheckpointParksRun(t *testing.T) {
	t.Parallel()

	store := &flakySegmentsStore{Store: memory.NewStore()}
	store.failMarks.Store(true)
	f := newFakeFetcher("issuer", datasetKeys())
	eng := newEngine(t, store, Config{CheckpointEvery: 100}, newSource(t, f, 0.9))

	ctx := context.Background()
	runID, err := eng.StartRun(ctx, "", rootFor("issuer"), RunOptions{})
	require.NoError(t, err)

	parked := waitRun(t, eng, runID)
	require.Equal(t, catalog.RunPaused, parked.Status)
	require.Contains(t, parked.LastError, "segments table unavailable")
	require.Zero(t, parked.Completed)

	store.failMarks.Store(false)
	require.NoError(t, eng.ResumeRun(ctx, runID, RunOptions{}))
	run := waitRun(t, eng, runID)
	require.Equal(t, catalog.RunCompleted, run.Status)
	require.Equal(t, 3, run.Completed)
}

func TestRootOverflowFailsRun(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	f := newFakeFetcher("issuer", datasetKeys())
	src := newSource(t, f, 0.9)
	src.Cap = 50
	src.MaxDepth = Depth(0)
	eng := newEngine(t, store, Config{}, src)

	runID, err := eng.StartRun(context.Background(), "", rootFor("issuer"), RunOptions{})
	require.NoError(t, err)

	run := waitRun(t, eng, runID)
	require.Equal(t, catalog.RunFailed, run.Status)
	require.Contains(t, run.LastError, "overflows cap 50 at depth 0")
	require.Zero(t, run.Completed)
	require.Zero(t, f.fetchCount(""))
	require.NotNil(t, run.EndedAt)
}

func TestZeroDefaultMaxDepthFetchesRootOnly(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	f := newFakeFetcher("issuer", []string{"A001", "B001", "C001"})
	src := newSource(t, f, 0.9)
	src.MaxDepth = nil
	eng := newEngine(t, store, Config{DefaultMaxDepth: Depth(0)}, src)

	runID, err := eng.StartRun(context.Background(), "", rootFor("issuer"), RunOptions{})
	require.NoError(t, err)

	run := waitRun(t, eng, runID)
	require.Equal(t, catalog.RunCompleted, run.Status)
	require.Equal(t, 1, run.Total)
	require.Equal(t, 1, run.Completed)
	require.Equal(t, 1, f.fetchCount(""))
	require.Zero(t, f.fetchCount("A"))
}

func TestOverflowBelowRootIsCountedAndFetched(t *testing.T) {
	t.Parallel()

	keys := make([]string, 0, 250)
	for i := 0; i < 200; i++ {
		keys = append(keys, fmt.Sprintf("A%03d", i))
	}
	for i := 0; i < 50; i++ {
		keys = append(keys, fmt.Sprintf("B%03d", i))
	}
	store := memory.NewStore()
	f := newFakeFetcher("issuer", keys)
	src := newSource(t, f, 0.9)
	src.MaxDepth = Depth(1)
	eng := newEngine(t, store, Config{}, src)

	runID, err := eng.StartRun(context.Background(), "", rootFor("issuer"), RunOptions{})
	require.NoError(t, err)

	run := waitRun(t, eng, runID)
	require.Equal(t, catalog.RunCompleted, run.Status)
	require.Equal(t, 1, run.ErrorsCount)
	require.Contains(t, run.LastError, "overflows cap 150 at depth 1")
	require.Equal(t, 2, run.Total)
	require.Equal(t, 2, run.Completed)
	require.Equal(t, 1, f.fetchCount("A"))
	require.Equal(t, 1, f.fetchCount("B"))

	entities, err := eng.Entities(context.Background(), catalog.EntityFilter{}, 0, 0)
	require.NoError(t, err)
	require.Len(t, entities, 250)
}

func TestCancelFinishedRunStillRegistered(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	eng := newEngine(t, store, Config{}, newSource(t, newFakeFetcher("issuer", nil), 0.9))

	now := fetchedAt
	tr, err := eng.newTracker(catalog.RunRecord{
		RunID:     "0190c6f0-0000-7000-8000-000000000002",
		Source:    "issuer",
		Status:    catalog.RunCompleted,
		StartedAt: now,
		UpdatedAt: now,
		EndedAt:   &now,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, eng.registry.Register(tr))
	defer eng.registry.Remove(tr.RunID())

	ctx := context.Background()
	require.ErrorIs(t, eng.CancelRun(ctx, tr.RunID()), catalog.ErrRunTerminal)
	require.ErrorIs(t, eng.PauseRun(ctx, tr.RunID()), catalog.ErrRunTerminal)
	require.False(t, tr.StopRequested())
}
