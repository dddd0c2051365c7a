// Package progress provides the event primitives, non-blocking hub, and
// emitter interfaces the crawl engine uses to report run milestones. Events
// are batched on a background goroutine and fanned out to pluggable sinks
// such as Prometheus metrics, persistent run stores, or structured logging.
package progress
