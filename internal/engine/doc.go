// Package engine implements the depth-bounded image crawl: recursive page
// traversal with per-run URI dedup, the claim-before-download cache protocol,
// transform dispatch, and run lifecycle control. Scheduling is delegated to a
// pluggable executor so sequential, pooled, and cooperative runs share one
// orchestration path and produce identical cache contents.
package engine
