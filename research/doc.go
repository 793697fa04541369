// Package research implements the concurrent research batch executor.
//
// A Batch names a set of independent keywords plus shared focus areas and
// project context. The BatchExecutor fans the batch out to one fresh,
// isolated Pipeline per keyword, joins all results while tolerating
// per-keyword failure, and assembles consolidated Findings with aggregate
// statistics and a deterministic summary. Only batch validation rejects a
// run as a whole; a batch whose every keyword fails still completes with a
// success rate of zero.
package research
