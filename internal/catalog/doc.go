// Package catalog defines the core types shared across the crawl and
// reconciliation subsystems: tagged field values, canonical entities, raw
// records, crawl segments, run records, the interfaces the engine consumes,
// and the error taxonomy used to decide what is retried, recorded, or fatal.
package catalog
