package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/instrument-catalog/internal/catalog"
	"github.com/JakeFAU/instrument-catalog/internal/dedup"
	"github.com/JakeFAU/instrument-catalog/internal/partition"
	"github.com/JakeFAU/instrument-catalog/internal/pool"
	"github.com/JakeFAU/instrument-catalog/internal/queue/memory"
	"github.com/JakeFAU/instrument-catalog/internal/telemetry"
	"github.com/JakeFAU/instrument-catalog/internal/tracker"
)

const archiveContentType = "application/json"

func (e *Engine) execute(ctx context.Context, t *tracker.Tracker, src Source, workers int) {
	runID := t.RunID()
	ctx = catalog.WithRunID(ctx, runID)
	ctx, span := telemetry.StartSpan(ctx, "engine.run",
		telemetry.RunAttr(runID),
		telemetry.SourceAttr(src.Name),
	)
	logger := e.logger.With(zap.String("run_id", runID), zap.String("source", src.Name))

	interrupted, err := e.crawl(ctx, t, src, workers, logger)
	telemetry.EndSpan(span, err)

	// The run context may already be gone; the final state still has to land.
	e.finish(context.WithoutCancel(ctx), t, interrupted, err, logger)
}

// crawl walks the root segment and drains the leaves through the pool. It
// reports whether the run was interrupted by the engine shutting down and
// any error that should fail the run.
func (e *Engine) crawl(ctx context.Context, t *tracker.Tracker, src Source, workers int, logger *zap.Logger) (bool, error) {
	if err := t.Begin(ctx); err != nil {
		return false, err
	}
	root := t.Snapshot().Root

	limit := src.Cap
	if limit <= 0 {
		limit = e.cfg.DefaultCap
	}
	maxDepth := *e.cfg.DefaultMaxDepth
	if src.MaxDepth != nil {
		maxDepth = *src.MaxDepth
	}
	walker, err := partition.New(src.Fetcher, e.limiter, partition.Config{
		Cap:      limit,
		MaxDepth: maxDepth,
		Alphabet: src.Alphabet,
		Policy:   e.cfg.Policy,
	}, e.logger)
	if err != nil {
		return false, err
	}
	q := memory.NewQueue(e.cfg.QueueDepth)
	workerPool := pool.New(pool.Config{
		Workers:  workers,
		Limiter:  e.limiter,
		Policy:   e.cfg.Policy,
		Progress: t,
		Logger:   e.logger,
	})

	g, gctx := errgroup.WithContext(ctx)

	walkCtx, stopWalk := context.WithCancel(gctx)
	defer stopWalk()
	go func() {
		select {
		case <-t.Stopped():
			stopWalk()
		case <-walkCtx.Done():
		}
	}()

	g.Go(func() error {
		defer q.Close()
		err := walker.Walk(walkCtx, root, func(ctx context.Context, seg catalog.Segment) error {
			t.AddTotal(1)
			if t.IsDone(seg.Key()) {
				return nil
			}
			return q.Enqueue(ctx, seg)
		}, t.RecordError)
		if err != nil && t.StopRequested() && walkCtx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("partition %s: %w", root.Key(), err)
		}
		return nil
	})

	g.Go(func() error {
		errs := workerPool.Run(gctx, q, func(ctx context.Context, seg catalog.Segment) (int, error) {
			return e.handle(ctx, t, src, seg, logger)
		})
		if len(errs) > 0 && catalog.IsPermanent(errs[0]) {
			return errs[0]
		}
		if len(errs) > 0 {
			logger.Warn("segments failed", zap.Int("count", len(errs)))
		}
		return nil
	})

	err = g.Wait()
	if ctx.Err() != nil && (err == nil || errors.Is(err, ctx.Err())) {
		return true, nil
	}
	return false, err
}

func (e *Engine) finish(ctx context.Context, t *tracker.Tracker, interrupted bool, runErr error, logger *zap.Logger) {
	var err error
	switch {
	case t.StopReason() == tracker.StopCancel:
		err = t.Fail(ctx, tracker.CancelReason)
	case runErr != nil:
		logger.Error("run failed", zap.Error(runErr))
		err = t.Fail(ctx, runErr.Error())
	case t.StopReason() == tracker.StopPause || interrupted:
		err = t.Pause(ctx)
	default:
		err = t.Complete(ctx)
	}
	if err != nil {
		logger.Error("record final run state", zap.Error(err))
	}
}

// handle fetches one leaf segment and ingests every record it returned.
func (e *Engine) handle(ctx context.Context, t *tracker.Tracker, src Source, seg catalog.Segment, logger *zap.Logger) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "engine.segment", telemetry.SegmentAttr(seg.Key()))
	records, err := src.Fetcher.Fetch(ctx, seg)
	if err != nil {
		telemetry.EndSpan(span, err)
		return 0, err
	}
	for _, raw := range records {
		if err := e.ingest(ctx, t, src, raw, logger); err != nil {
			telemetry.EndSpan(span, err)
			return 0, err
		}
	}
	telemetry.EndSpan(span, nil)
	return len(records), nil
}

// ingest runs one record through parse, dedup, and merge. Record-level
// problems are counted against the run; only store failures are returned.
func (e *Engine) ingest(ctx context.Context, t *tracker.Tracker, src Source, raw catalog.RawRecord, logger *zap.Logger) error {
	if raw.SourceKind == "" {
		raw.SourceKind = src.Name
	}
	if e.cfg.ArchiveRaw {
		e.archive(ctx, t.RunID(), raw, logger)
	}

	parsed, err := src.Parser.Parse(raw)
	if err != nil {
		var perr *catalog.ParseError
		if errors.As(err, &perr) {
			logger.Warn("skipping unparseable record",
				zap.String("natural_key", raw.NaturalKey), zap.Error(err))
			t.RecordError(err)
			return nil
		}
		return fmt.Errorf("parse %s record: %w", raw.SourceKind, err)
	}
	if raw.NaturalKey == "" {
		raw.NaturalKey = parsed.NaturalKey
	}

	entityID, _, err := e.dedup.Ensure(ctx, raw)
	if errors.Is(err, dedup.ErrMissingKey) {
		t.RecordError(err)
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := e.reconciler.MergeAll(ctx, entityID, parsed); err != nil {
		return fmt.Errorf("merge into %s: %w", entityID, err)
	}
	return nil
}

func (e *Engine) archive(ctx context.Context, runID string, raw catalog.RawRecord, logger *zap.Logger) {
	sum, err := e.hasher.Hash(raw.Payload)
	if err != nil {
		logger.Warn("hash raw payload", zap.Error(err))
		return
	}
	contentType := raw.ContentType
	if contentType == "" {
		contentType = archiveContentType
	}
	key := ArchivePath(e.cfg.ArchivePrefix, runID, raw.SourceKind, sum)
	if _, err := e.blobs.PutObject(ctx, key, contentType, bytes.NewReader(raw.Payload)); err != nil {
		logger.Warn("archive raw payload", zap.String("path", key), zap.Error(err))
	}
}

// ArchivePath is where a raw payload with digest sum is stored.
func ArchivePath(prefix, runID, source, sum string) string {
	return path.Join(prefix, runID, source, sum+".json")
}
