package session

import (
	"github.com/dshills/deckfold/internal/fold"
	"github.com/dshills/deckfold/internal/highlight"
)

// BufferID identifies an editor buffer.
type BufferID int

// View is the editor side of a session. Sessions call it only from their own
// goroutine, one call at a time per session. Implementations shared between
// sessions must be safe for concurrent use.
type View interface {
	// SetFolds replaces the folds of the buffer. The level 1 folds come
	// first, followed by the level 2 folds that group them.
	SetFolds(buf BufferID, folds []fold.Range)
	// SetHighlights clears delta.Lines and then adds delta.Regions.
	SetHighlights(buf BufferID, delta highlight.Delta)
	// ClearDecorations removes every fold and highlight deckfold added.
	ClearDecorations(buf BufferID)
	// Notify shows a message to the user.
	Notify(buf BufferID, msg string)
}

// NopView discards everything.
type NopView struct{}

func (NopView) SetFolds(BufferID, []fold.Range)          {}
func (NopView) SetHighlights(BufferID, highlight.Delta) {}
func (NopView) ClearDecorations(BufferID)               {}
func (NopView) Notify(BufferID, string)                 {}
