package classify

import (
	"errors"
	"fmt"
)

// ErrStaleGeneration indicates a patch older than the state it would replace.
var ErrStaleGeneration = errors.New("stale classification generation")

// PatchError describes a malformed patch. The store is left untouched.
type PatchError struct {
	Generation uint64
	Index      int
	Reason     string
}

// Error implements the error interface.
func (e *PatchError) Error() string {
	return fmt.Sprintf("invalid patch (generation %d, block %d): %s", e.Generation, e.Index, e.Reason)
}
