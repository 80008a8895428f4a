// Package tracker owns the lifecycle state of crawl runs: counters, error
// accounting, checkpoints, and the cooperative stop flag workers poll between
// units.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/instrument-catalog/internal/catalog"
	"github.com/JakeFAU/instrument-catalog/internal/progress"
	"github.com/JakeFAU/instrument-catalog/internal/telemetry"
)

// StopReason explains why workers were asked to stop pulling work.
type StopReason int

// Stop reasons, in increasing precedence. A cancel overrides a pending pause.
const (
	StopNone StopReason = iota
	StopPause
	StopCancel
)

// CancelReason is recorded as last_error when a run is canceled.
const CancelReason = "canceled"

const defaultCheckpointEvery = 25

// Config tunes a Tracker.
type Config struct {
	CheckpointEvery int
	Clock           catalog.Clock
	Emitter         progress.Emitter
	Logger          *zap.Logger
}

// Tracker is the single writer of one RunRecord. All counter updates happen
// under its mutex; store writes are serialized separately so a checkpoint
// never blocks status reads.
type Tracker struct {
	store   catalog.RunStore
	clock   catalog.Clock
	emitter progress.Emitter
	logger  *zap.Logger
	every   int
	eventID [16]byte

	mu              sync.Mutex
	run             catalog.RunRecord
	done            map[string]struct{}
	pending         []string
	sinceCheckpoint int
	reason          StopReason
	// durable counts units whose segment keys reached the store. Persisted
	// records report it as Completed.
	durable int

	// saveMu orders every SaveRun so persisted snapshots never go backwards.
	saveMu sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// New wraps run. done holds segment keys already processed by an earlier
// attempt of the same run and may be nil.
func New(store catalog.RunStore, run catalog.RunRecord, done map[string]struct{}, cfg Config) (*Tracker, error) {
	if store == nil {
		return nil, errors.New("tracker: run store is required")
	}
	if run.RunID == "" {
		return nil, errors.New("tracker: run id is required")
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = defaultCheckpointEvery
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	copied := make(map[string]struct{}, len(done))
	for k := range done {
		copied[k] = struct{}{}
	}
	durable := len(copied)
	if run.Completed > durable {
		durable = run.Completed
	}
	eventID, _ := progress.ParseRunID(run.RunID)
	return &Tracker{
		store:   store,
		clock:   cfg.Clock,
		emitter: cfg.Emitter,
		logger:  cfg.Logger.Named("tracker").With(zap.String("run_id", run.RunID)),
		every:   cfg.CheckpointEvery,
		eventID: eventID,
		run:     run,
		done:    copied,
		durable: durable,
		stopCh:  make(chan struct{}),
	}, nil
}

// RunID returns the tracked run's ID.
func (t *Tracker) RunID() string {
	return t.run.RunID
}

// Snapshot returns a consistent copy of the run record.
func (t *Tracker) Snapshot() catalog.RunRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copyRun(t.run)
}

// Create persists the run in its current (pending) state.
func (t *Tracker) Create(ctx context.Context) error {
	t.saveMu.Lock()
	defer t.saveMu.Unlock()
	if err := t.store.SaveRun(ctx, t.persisted()); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// Begin moves the run to running and persists it. Resuming a run that was
// left running by a crashed process is allowed.
func (t *Tracker) Begin(ctx context.Context) error {
	t.mu.Lock()
	if t.run.Status != catalog.RunRunning {
		if !t.run.Status.CanTransition(catalog.RunRunning) {
			status := t.run.Status
			t.mu.Unlock()
			return fmt.Errorf("begin run from %s: %w", status, catalog.ErrRunTerminal)
		}
		t.run.Status = catalog.RunRunning
	}
	now := t.clock.Now()
	if t.run.StartedAt.IsZero() {
		t.run.StartedAt = now
	}
	t.run.UpdatedAt = now
	t.run.EndedAt = nil
	t.mu.Unlock()

	if err := t.save(ctx); err != nil {
		return err
	}
	telemetry.ObserveRun(string(catalog.RunRunning))
	t.emit(progress.StageRunStart, "", 0, 0, "")
	t.logger.Info("run started")
	return nil
}

// AddTotal grows the number of known leaf segments.
func (t *Tracker) AddTotal(n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	t.run.Total += n
	t.run.UpdatedAt = t.clock.Now()
	t.mu.Unlock()
}

// IsDone reports whether key was processed by this run already.
func (t *Tracker) IsDone(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.done[key]
	return ok
}

// UnitDone marks a segment processed and checkpoints on cadence.
func (t *Tracker) UnitDone(ctx context.Context, key string, records int, dur time.Duration) {
	t.mu.Lock()
	if _, seen := t.done[key]; seen {
		t.mu.Unlock()
		return
	}
	t.done[key] = struct{}{}
	t.pending = append(t.pending, key)
	t.run.Completed++
	t.run.UpdatedAt = t.clock.Now()
	t.sinceCheckpoint++
	due := t.sinceCheckpoint >= t.every
	t.mu.Unlock()

	t.emit(progress.StageUnitDone, key, int64(records), dur, "")
	if due {
		if err := t.Checkpoint(ctx); err != nil {
			t.logger.Warn("checkpoint failed", zap.Error(err))
		}
	}
}

// UnitFailed records a segment that exhausted its retries. The segment is
// not marked processed, so a resumed run tries it again.
func (t *Tracker) UnitFailed(key string, err error) {
	t.recordError(err)
	t.emit(progress.StageUnitFailed, key, 0, 0, errText(err))
}

// RecordError counts a failure that did not cost a whole unit, such as a
// parse error or a segment overflow.
func (t *Tracker) RecordError(err error) {
	t.recordError(err)
}

func (t *Tracker) recordError(err error) {
	t.mu.Lock()
	t.run.ErrorsCount++
	t.run.LastError = errText(err)
	t.run.UpdatedAt = t.clock.Now()
	t.mu.Unlock()
}

// Checkpoint flushes processed segment keys and persists the run record.
// CheckpointOffset only advances once the keys are stored, and never
// decreases.
func (t *Tracker) Checkpoint(ctx context.Context) error {
	t.saveMu.Lock()
	defer t.saveMu.Unlock()

	t.mu.Lock()
	keys := t.pending
	t.pending = nil
	t.sinceCheckpoint = 0
	t.mu.Unlock()

	if len(keys) > 0 {
		sort.Strings(keys)
		if err := t.store.MarkSegmentsDone(ctx, t.run.RunID, keys); err != nil {
			t.mu.Lock()
			t.pending = append(keys, t.pending...)
			t.mu.Unlock()
			return fmt.Errorf("mark segments done: %w", err)
		}
	}

	t.mu.Lock()
	t.durable += len(keys)
	if t.durable > t.run.CheckpointOffset {
		t.run.CheckpointOffset = t.durable
	}
	snap := t.persistedLocked()
	t.mu.Unlock()

	if err := t.store.SaveRun(ctx, snap); err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	t.emit(progress.StageRunCheckpoint, "", 0, 0, "")
	return nil
}

// Complete marks the run completed after a final checkpoint.
func (t *Tracker) Complete(ctx context.Context) error {
	return t.finish(ctx, catalog.RunCompleted, "")
}

// Fail marks the run failed with reason.
func (t *Tracker) Fail(ctx context.Context, reason string) error {
	return t.finish(ctx, catalog.RunFailed, reason)
}

// Pause checkpoints and parks the run so it can be resumed later.
func (t *Tracker) Pause(ctx context.Context) error {
	return t.finish(ctx, catalog.RunPaused, "")
}

// finish records the final state. When the last checkpoint cannot be stored
// a run that would have completed is paused instead, so the units missing
// from the store are fetched again on resume.
func (t *Tracker) finish(ctx context.Context, status catalog.RunStatus, reason string) error {
	if err := t.Checkpoint(ctx); err != nil {
		t.logger.Warn("final checkpoint failed", zap.Error(err))
		if status == catalog.RunCompleted {
			status = catalog.RunPaused
			reason = "checkpoint: " + err.Error()
		}
	}

	t.mu.Lock()
	if !t.run.Status.CanTransition(status) {
		from := t.run.Status
		t.mu.Unlock()
		return fmt.Errorf("move run from %s to %s: %w", from, status, catalog.ErrRunTerminal)
	}
	now := t.clock.Now()
	t.run.Status = status
	t.run.UpdatedAt = now
	if reason != "" {
		t.run.LastError = reason
	}
	if status.Terminal() {
		t.run.EndedAt = &now
	}
	dur := now.Sub(t.run.StartedAt)
	t.mu.Unlock()

	if err := t.save(ctx); err != nil {
		return err
	}
	telemetry.ObserveRun(string(status))

	stage := progress.StageRunDone
	switch status {
	case catalog.RunFailed:
		stage = progress.StageRunError
	case catalog.RunPaused:
		stage = progress.StageRunPaused
	}
	t.emit(stage, "", 0, dur, reason)
	snap := t.Snapshot()
	t.logger.Info("run finished",
		zap.String("status", string(status)),
		zap.Int("completed", snap.Completed),
		zap.Int("errors", snap.ErrorsCount),
		zap.Int("total", snap.Total),
	)
	return nil
}

// Cancel asks workers to stop after their in-flight unit; the run is then
// failed with CancelReason.
func (t *Tracker) Cancel() {
	t.requestStop(StopCancel)
}

// RequestPause asks workers to stop after their in-flight unit; the run is
// then paused.
func (t *Tracker) RequestPause() {
	t.requestStop(StopPause)
}

func (t *Tracker) requestStop(reason StopReason) {
	t.mu.Lock()
	if reason > t.reason {
		t.reason = reason
	}
	t.mu.Unlock()
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// Stopped is closed once a cancel or pause was requested.
func (t *Tracker) Stopped() <-chan struct{} {
	return t.stopCh
}

// StopRequested reports whether workers should stop pulling work.
func (t *Tracker) StopRequested() bool {
	select {
	case <-t.stopCh:
		return true
	default:
		return false
	}
}

// StopReason returns the strongest stop requested so far.
func (t *Tracker) StopReason() StopReason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

func (t *Tracker) save(ctx context.Context) error {
	t.saveMu.Lock()
	defer t.saveMu.Unlock()
	if err := t.store.SaveRun(ctx, t.persisted()); err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// persisted is the record as the store may see it: Completed counts only
// units whose keys were stored.
func (t *Tracker) persisted() catalog.RunRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.persistedLocked()
}

func (t *Tracker) persistedLocked() catalog.RunRecord {
	cp := copyRun(t.run)
	cp.Completed = t.durable
	return cp
}

func (t *Tracker) emit(stage progress.Stage, segment string, records int64, dur time.Duration, note string) {
	if t.emitter == nil {
		return
	}
	snap := t.Snapshot()
	t.emitter.Emit(progress.Event{
		RunID:     t.eventID,
		TS:        t.clock.Now(),
		Stage:     stage,
		Source:    snap.Source,
		Segment:   segment,
		Records:   records,
		Completed: int64(snap.Completed),
		Errors:    int64(snap.ErrorsCount),
		Total:     int64(snap.Total),
		Dur:       dur,
		Note:      note,
	})
}

func copyRun(r catalog.RunRecord) catalog.RunRecord {
	cp := r
	if r.EndedAt != nil {
		ended := *r.EndedAt
		cp.EndedAt = &ended
	}
	if r.Root.Filter.Base != nil {
		cp.Root.Filter.Base = make(map[string]string, len(r.Root.Filter.Base))
		for k, v := range r.Root.Filter.Base {
			cp.Root.Filter.Base[k] = v
		}
	}
	return cp
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
