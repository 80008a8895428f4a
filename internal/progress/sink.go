package progress

import "context"

// Sink consumes batches of run and unit events. The hub calls each sink from
// its own goroutine with a deadline of Config.SinkTimeout; a failed batch is
// logged and dropped.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter accepts single events without blocking. The engine and the run
// trackers only see this side of the Hub.
type Emitter interface {
	Emit(evt Event)
}
