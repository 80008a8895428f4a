package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type exampleCountingSink struct {
	total int
}

func (s *exampleCountingSink) Consume(_ context.Context, batch []Event) error {
	s.total += len(batch)
	return nil
}

func (s *exampleCountingSink) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit demonstrates emitting an event and flushing via Close.
func ExampleHub_Emit() {
	sink := &exampleCountingSink{}
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Second,
	}, sink)

	hub.Emit(Event{
		RunID: UUIDToBytes(uuid.MustParse("00000000-0000-0000-0000-000000000001")),
		TS:    time.Unix(0, 0),
		Stage: StageRunStart,
	})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("events forwarded: %d\n", sink.total)
	// Output:
	// events forwarded: 1
}

// ExampleSink implements a custom Sink that totals fetched records.
func ExampleSink() {
	var records int64
	capture := sinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			records += evt.Records
		}
		return nil
	})
	hub := NewHub(Config{
		BufferSize:     2,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Second,
	}, capture)

	hub.Emit(Event{
		RunID:   UUIDToBytes(uuid.MustParse("00000000-0000-0000-0000-000000000002")),
		TS:      time.Unix(0, 0),
		Stage:   StageUnitDone,
		Source:  "issuer_api",
		Segment: "issuer_api||AB",
		Records: 250,
	})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("records fetched: %d\n", records)
	// Output:
	// records fetched: 250
}

// ExampleHub_Subscribe follows one run until it finishes.
func ExampleHub_Subscribe() {
	hub := NewHub(Config{BufferSize: 4})
	runID := UUIDToBytes(uuid.MustParse("00000000-0000-0000-0000-000000000003"))
	events, cancel := hub.Subscribe(runID, 4)
	defer cancel()

	hub.Emit(Event{RunID: runID, TS: time.Unix(0, 0), Stage: StageRunStart})
	hub.Emit(Event{RunID: runID, TS: time.Unix(1, 0), Stage: StageRunDone, Completed: 3})

	for evt := range events {
		fmt.Println(evt.Stage, evt.Completed)
	}
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}
	// Output:
	// RUN_START 0
	// RUN_DONE 3
}

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

func (sinkFunc) Close(context.Context) error {
	return nil
}
