// Package events provides the event primitives, non-blocking hub, and
// emitter interfaces the coordinator uses to report crawl activity. Events
// are batched on a background goroutine and fanned out to pluggable sinks
// such as Prometheus collectors, structured logs, or a Pub/Sub topic.
package events
