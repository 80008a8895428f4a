// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces that run trackers use to report crawl progress. The hub batches
// events on a background goroutine, fans them out to pluggable sinks such as
// Prometheus metrics or Pub/Sub, and delivers them to per-run subscriber
// channels for live status streams.
package progress
