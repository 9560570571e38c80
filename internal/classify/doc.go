// Package classify holds the per-buffer classification table produced by the
// external analyzer.
//
// A Store is an ordered, non-overlapping sequence of Blocks. Each Block tags a
// contiguous run of lines with a Kind. The store is always consistent with the
// last fully applied generation: a Patch either lands completely or not at all.
//
// Raw buffer edits reach the store before the analyzer has replied. Invalidate
// removes the blocks that own the edited lines, shifts the blocks after the
// edit and records the affected lines as stale until a fresh patch covers them.
//
// A Store is not safe for concurrent use. It is owned by exactly one session
// actor.
package classify
