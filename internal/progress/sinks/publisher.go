package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/instrument-catalog/internal/catalog"
	"github.com/JakeFAU/instrument-catalog/internal/progress"
)

// RunNotice is the message published for run lifecycle events.
type RunNotice struct {
	RunID     string    `json:"run_id"`
	Stage     string    `json:"stage"`
	Source    string    `json:"source,omitempty"`
	Total     int64     `json:"total"`
	Completed int64     `json:"completed"`
	Errors    int64     `json:"errors"`
	Note      string    `json:"note,omitempty"`
	TS        time.Time `json:"ts"`
}

// Attributes exposes filterable message attributes.
func (n RunNotice) Attributes() map[string]string {
	return map[string]string{"run_id": n.RunID, "stage": n.Stage}
}

// PublisherSink forwards run lifecycle events (not per-unit events) to a
// publisher topic so downstream systems learn when catalog data changed.
type PublisherSink struct {
	publisher catalog.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublisherSink wires a publisher to the sink interface.
func NewPublisherSink(publisher catalog.Publisher, topic string, logger *zap.Logger) (*PublisherSink, error) {
	if publisher == nil {
		return nil, errors.New("publisher sink requires a publisher")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{publisher: publisher, topic: topic, logger: logger}, nil
}

// Consume publishes one notice per lifecycle event. It keeps going after a
// failed publish and returns the first error.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	var firstErr error
	for _, evt := range batch {
		if evt.Stage == progress.StageUnitDone || evt.Stage == progress.StageUnitFailed {
			continue
		}
		notice := RunNotice{
			RunID:     evt.RunUUID().String(),
			Stage:     string(evt.Stage),
			Source:    evt.Source,
			Total:     evt.Total,
			Completed: evt.Completed,
			Errors:    evt.Errors,
			Note:      evt.Note,
			TS:        evt.TS,
		}
		if _, err := s.publisher.Publish(ctx, s.topic, notice); err != nil {
			s.logger.Warn("publish run notice failed",
				zap.String("run_id", notice.RunID), zap.String("stage", notice.Stage), zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("publish run notice: %w", err)
			}
		}
	}
	return firstErr
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
