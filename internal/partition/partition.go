// Package partition splits a source's result set into segments that each fit
// under the source's hard result cap.
//
// A segment is estimated with a count-only probe. Empty segments are pruned,
// segments under the cap become leaves, and everything else is narrowed by
// appending each symbol of the partition alphabet to the segment's prefix.
// Walk drives the expansion with an explicit stack so the depth bound is
// enforced structurally.
package partition

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/instrument-catalog/internal/catalog"
	"github.com/JakeFAU/instrument-catalog/internal/telemetry"
)

// DefaultAlphabet is A-Z followed by 0-9.
var DefaultAlphabet = func() []string {
	out := make([]string, 0, 36)
	for c := 'A'; c <= 'Z'; c++ {
		out = append(out, string(c))
	}
	for c := '0'; c <= '9'; c++ {
		out = append(out, string(c))
	}
	return out
}()

// Config tunes the partitioner for one source.
type Config struct {
	Cap      int
	MaxDepth int
	Alphabet []string
	Policy   catalog.RetryPolicy
}

// Expansion is the outcome of one Expand step.
type Expansion struct {
	Segment  catalog.Segment
	Estimate int
	Pruned   bool
	Leaf     bool
	Children []catalog.Segment
}

// Partitioner expands segments for one source.
type Partitioner struct {
	fetcher catalog.SourceFetcher
	limiter catalog.Limiter
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Partitioner. limiter may be nil.
func New(fetcher catalog.SourceFetcher, limiter catalog.Limiter, cfg Config, logger *zap.Logger) (*Partitioner, error) {
	if fetcher == nil {
		return nil, errors.New("partition: fetcher is required")
	}
	if cfg.Cap <= 0 {
		return nil, fmt.Errorf("partition: cap must be > 0, got %d", cfg.Cap)
	}
	if cfg.MaxDepth < 0 {
		return nil, fmt.Errorf("partition: max depth must be >= 0, got %d", cfg.MaxDepth)
	}
	if len(cfg.Alphabet) == 0 {
		cfg.Alphabet = DefaultAlphabet
	}
	seen := make(map[string]struct{}, len(cfg.Alphabet))
	for _, sym := range cfg.Alphabet {
		if sym == "" {
			return nil, errors.New("partition: alphabet contains an empty symbol")
		}
		if _, dup := seen[sym]; dup {
			return nil, fmt.Errorf("partition: alphabet repeats symbol %q", sym)
		}
		seen[sym] = struct{}{}
	}
	if cfg.Policy == nil {
		cfg.Policy = catalog.NewFixedRetryPolicy(0, -1)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Partitioner{
		fetcher: fetcher,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger.Named("partition"),
	}, nil
}

// Expand runs one estimate and classifies seg. A segment at MaxDepth that is
// still at or above the cap returns a *catalog.SegmentOverflowError together
// with a leaf expansion, so callers may still fetch the capped slice.
func (p *Partitioner) Expand(ctx context.Context, seg catalog.Segment) (Expansion, error) {
	estimate, err := p.estimate(ctx, seg)
	if err != nil {
		return Expansion{Segment: seg}, err
	}
	seg.EstimatedCount = estimate
	exp := Expansion{Segment: seg, Estimate: estimate}

	switch {
	case estimate <= 0:
		exp.Pruned = true
		return exp, nil
	case estimate < p.cfg.Cap:
		exp.Leaf = true
		return exp, nil
	case seg.Depth >= p.cfg.MaxDepth:
		exp.Leaf = true
		return exp, &catalog.SegmentOverflowError{Segment: seg, Estimate: estimate, Cap: p.cfg.Cap}
	}

	exp.Children = make([]catalog.Segment, 0, len(p.cfg.Alphabet))
	for _, sym := range p.cfg.Alphabet {
		exp.Children = append(exp.Children, seg.Child(sym))
	}
	return exp, nil
}

// Walk expands root depth-first and calls emit for every leaf, in alphabet
// order. report receives errors that cost coverage without stopping the
// walk: overflow below the root and estimates that kept failing
// transiently. Walk returns early on a permanent error, an overflowing root,
// an emit error, or ctx cancellation.
func (p *Partitioner) Walk(
	ctx context.Context,
	root catalog.Segment,
	emit func(context.Context, catalog.Segment) error,
	report func(error),
) error {
	if report == nil {
		report = func(error) {}
	}
	stack := []catalog.Segment{root}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("walk segments: %w", err)
		}
		seg := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		exp, err := p.Expand(ctx, seg)
		if err != nil {
			var overflow *catalog.SegmentOverflowError
			switch {
			case errors.As(err, &overflow):
				if seg.Depth == root.Depth {
					return err
				}
				p.logger.Warn("segment overflow",
					zap.String("segment", seg.Key()),
					zap.Int("estimate", overflow.Estimate),
					zap.Int("cap", overflow.Cap),
				)
				report(err)
			case catalog.IsPermanent(err):
				return err
			case ctx.Err() != nil:
				return fmt.Errorf("walk segments: %w", ctx.Err())
			default:
				p.logger.Warn("estimate failed, skipping segment",
					zap.String("segment", seg.Key()), zap.Error(err))
				report(fmt.Errorf("estimate %s: %w", seg.Key(), err))
				continue
			}
		}

		if exp.Pruned {
			continue
		}
		if exp.Leaf {
			if err := emit(ctx, exp.Segment); err != nil {
				return err
			}
			continue
		}
		for i := len(exp.Children) - 1; i >= 0; i-- {
			stack = append(stack, exp.Children[i])
		}
	}
	return nil
}

func (p *Partitioner) estimate(ctx context.Context, seg catalog.Segment) (int, error) {
	var n int
	err := catalog.Retry(ctx, p.cfg.Policy, func(int) error {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx, seg.Source); err != nil {
				return err
			}
		}
		var err error
		n, err = p.fetcher.Estimate(ctx, seg)
		return err
	}, func(attempt int, err error) {
		telemetry.ObserveRetry(seg.Source)
		p.logger.Debug("retrying estimate",
			zap.String("segment", seg.Key()), zap.Int("attempt", attempt), zap.Error(err))
	})
	if err != nil {
		return 0, fmt.Errorf("estimate segment: %w", err)
	}
	return n, nil
}
