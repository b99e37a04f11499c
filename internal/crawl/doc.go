// Package crawl defines the domain types shared across subsystems: the
// platform enum and its per-platform rules, the discovery unit / keyword /
// seed / profile records tracked in the record store, the status lifecycle
// used by the work queue, and the interfaces the coordinator is wired
// against. It contains no I/O.
package crawl
