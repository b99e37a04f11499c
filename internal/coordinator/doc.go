// Package coordinator implements the work-queue protocol the browser
// extensions drive: leasing claimable discovery units, the
// claim/complete/release state machine, profile ingest with frontier
// expansion, and the keyword and seed variants of the same lifecycle.
//
// Lease and claim are separate round-trips with no compare-and-swap; two
// extensions may both observe a pending unit before either claims it.
// Mutual exclusion is therefore eventual, not immediate, and the rare
// double crawl is tolerated because profile upserts merge on the natural
// key. All multi-step flows are best-effort across store calls and rely on
// idempotent writes rather than transactions.
package coordinator
