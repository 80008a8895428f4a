package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart      Stage = "RUN_START"
	StageRunCheckpoint Stage = "RUN_CHECKPOINT"
	StageRunPaused     Stage = "RUN_PAUSED"
	StageRunDone       Stage = "RUN_DONE"
	StageRunError      Stage = "RUN_ERROR"
	StageUnitDone      Stage = "UNIT_DONE"
	StageUnitFailed    Stage = "UNIT_FAILED"
)

// Terminal reports whether no further events follow for the run.
func (s Stage) Terminal() bool {
	return s == StageRunDone || s == StageRunError || s == StageRunPaused
}

// Event captures a single step of run progress.
type Event struct {
	// RunID identifies the run using the 16-byte UUID form.
	RunID [16]byte `json:"-"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Stage denotes which lifecycle or unit milestone occurred.
	Stage Stage `json:"stage"`
	// Source is the source kind the run crawls.
	Source string `json:"source,omitempty"`
	// Segment is the key of the leaf segment for unit events.
	Segment string `json:"segment,omitempty"`
	// Records counts raw records handled by the unit.
	Records int64 `json:"records,omitempty"`
	// Completed and Errors carry the run counters after the event.
	Completed int64 `json:"completed"`
	Errors    int64 `json:"errors"`
	// Total is the number of leaf segments discovered so far.
	Total int64 `json:"total"`
	// Dur captures unit latency or run wall time.
	Dur time.Duration `json:"dur,omitempty"`
	// Note carries low-volume context such as error text.
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunCheckpoint, StageRunPaused, StageRunDone, StageRunError:
	case StageUnitDone, StageUnitFailed:
		if e.Segment == "" {
			return fmt.Errorf("%s requires segment", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Completed < 0 || e.Errors < 0 || e.Total < 0 {
		return errors.New("counters must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ParseRunID converts a textual run ID into the Event form.
func ParseRunID(runID string) ([16]byte, error) {
	id, err := uuid.Parse(runID)
	if err != nil {
		return [16]byte{}, fmt.Errorf("parse run id: %w", err)
	}
	return UUIDToBytes(id), nil
}
