// Package pool runs a bounded set of workers over a segment queue. Every
// attempt waits on the shared per-source limiter, transient failures are
// retried with the configured policy, and a permanent failure cancels the
// remaining work.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/instrument-catalog/internal/catalog"
	"github.com/JakeFAU/instrument-catalog/internal/queue/memory"
	"github.com/JakeFAU/instrument-catalog/internal/telemetry"
)

const defaultWorkers = 12

// Queue is the segment source drained by the workers. Dequeue returns
// memory.ErrClosed once no more work will arrive.
type Queue interface {
	Dequeue(ctx context.Context) (catalog.Segment, error)
}

// Handler processes one segment and reports how many records it produced.
type Handler func(ctx context.Context, seg catalog.Segment) (int, error)

// Progress receives unit outcomes and exposes the cooperative stop flag.
// *tracker.Tracker satisfies it.
type Progress interface {
	Stopped() <-chan struct{}
	StopRequested() bool
	UnitDone(ctx context.Context, key string, records int, dur time.Duration)
	UnitFailed(key string, err error)
}

// Config tunes a Pool.
type Config struct {
	Workers  int
	Limiter  catalog.Limiter
	Policy   catalog.RetryPolicy
	Progress Progress
	Logger   *zap.Logger
}

// Pool is a reusable worker pool; each Run call starts its own workers.
type Pool struct {
	workers  int
	limiter  catalog.Limiter
	policy   catalog.RetryPolicy
	progress Progress
	logger   *zap.Logger
}

// New constructs a Pool. A nil Limiter means no spacing and a nil Policy
// falls back to the fixed three-attempt policy.
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Policy == nil {
		cfg.Policy = catalog.NewFixedRetryPolicy(0, -1)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Pool{
		workers:  cfg.Workers,
		limiter:  cfg.Limiter,
		policy:   cfg.Policy,
		progress: cfg.Progress,
		logger:   cfg.Logger.Named("pool"),
	}
}

// Run drains q with the configured number of workers and blocks until the
// queue is closed and empty, a stop is requested, a permanent error
// escalates, or ctx ends. The returned slice holds the escalating error
// first (if any) followed by every unit that exhausted its retries.
func (p *Pool) Run(ctx context.Context, q Queue, handler Handler) []error {
	if handler == nil {
		return []error{errors.New("pool: handler is required")}
	}
	g, gctx := errgroup.WithContext(ctx)

	// Workers stop pulling once a stop is requested but finish the unit in
	// hand, so dequeues use a context that also ends on the stop flag.
	pullCtx, cancelPull := context.WithCancel(gctx)
	defer cancelPull()
	if p.progress != nil {
		go func() {
			select {
			case <-p.progress.Stopped():
				cancelPull()
			case <-pullCtx.Done():
			}
		}()
	}

	var (
		mu     sync.Mutex
		failed []error
	)
	record := func(err error) {
		mu.Lock()
		failed = append(failed, err)
		mu.Unlock()
	}

	for i := 0; i < p.workers; i++ {
		id := i
		g.Go(func() error {
			return p.work(gctx, pullCtx, id, q, handler, record)
		})
	}

	errs := make([]error, 0, 1)
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}
	mu.Lock()
	defer mu.Unlock()
	errs = append(errs, failed...)
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func (p *Pool) work(ctx, pullCtx context.Context, id int, q Queue, handler Handler, record func(error)) error {
	logger := p.logger.With(zap.Int("worker", id))
	for {
		if p.stopRequested() {
			logger.Debug("stop requested, worker exiting")
			return nil
		}
		seg, err := q.Dequeue(pullCtx)
		if err != nil {
			if errors.Is(err, memory.ErrClosed) || pullCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("dequeue segment: %w", err)
		}
		if err := p.process(ctx, logger, seg, handler, record); err != nil {
			return err
		}
	}
}

func (p *Pool) process(
	ctx context.Context,
	logger *zap.Logger,
	seg catalog.Segment,
	handler Handler,
	record func(error),
) error {
	telemetry.IncActiveWorkers()
	defer telemetry.DecActiveWorkers()

	key := seg.Key()
	ctx, span := telemetry.StartSpan(ctx, "pool.unit",
		telemetry.SourceAttr(seg.Source), telemetry.SegmentAttr(key))
	start := time.Now()
	records := 0
	err := catalog.Retry(ctx, p.policy, func(int) error {
		if p.limiter != nil {
			if werr := p.limiter.Wait(ctx, seg.Source); werr != nil {
				return fmt.Errorf("wait for limiter: %w", werr)
			}
		}
		n, herr := handler(ctx, seg)
		records = n
		return herr
	}, func(attempt int, rerr error) {
		telemetry.ObserveRetry(seg.Source)
		logger.Debug("retrying segment",
			zap.String("segment", key),
			zap.Int("attempt", attempt),
			zap.Error(rerr),
		)
	})
	telemetry.EndSpan(span, err)

	switch {
	case err == nil:
		telemetry.ObserveUnit(seg.Source, telemetry.OutcomeSuccess, records)
		if p.progress != nil {
			p.progress.UnitDone(ctx, key, records, time.Since(start))
		}
		return nil
	case ctx.Err() != nil:
		// Unit interrupted by shutdown or escalation; it stays unprocessed.
		return nil
	case catalog.IsPermanent(err):
		telemetry.ObserveUnit(seg.Source, telemetry.OutcomeFailed, 0)
		if p.progress != nil {
			p.progress.UnitFailed(key, err)
		}
		logger.Error("permanent failure, stopping pool", zap.String("segment", key), zap.Error(err))
		return fmt.Errorf("segment %s: %w", key, err)
	default:
		telemetry.ObserveUnit(seg.Source, telemetry.OutcomeFailed, 0)
		if p.progress != nil {
			p.progress.UnitFailed(key, err)
		}
		record(fmt.Errorf("segment %s: %w", key, err))
		logger.Warn("segment failed", zap.String("segment", key), zap.Error(err))
		return nil
	}
}

func (p *Pool) stopRequested() bool {
	return p.progress != nil && p.progress.StopRequested()
}
