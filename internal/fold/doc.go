// Package fold derives fold ranges from classified blocks.
//
// Compute is the full derivation and Refresh the incremental one; for the
// same blocks they produce the same sequence. Engine keeps the derived
// sequence of one buffer together with the folds frozen by stale lines and
// exposes the sequence the editor should display. Nest groups touching level 1
// folds into level 2 folds that the editor shows around them.
package fold
