package fold

import "github.com/dshills/deckfold/internal/classify"

// Engine holds the fold state of one buffer. It is not safe for concurrent
// use.
type Engine struct {
	derived []Range
	frozen  []Range
	folds   []Range
	nested  []Range
}

// NewEngine returns an engine with no folds.
func NewEngine() *Engine {
	return &Engine{}
}

// Folds returns a copy of the displayed sequence.
func (e *Engine) Folds() []Range {
	out := make([]Range, len(e.folds))
	copy(out, e.folds)
	return out
}

// Nested returns a copy of the level 2 folds over the displayed sequence.
func (e *Engine) Nested() []Range {
	out := make([]Range, len(e.nested))
	copy(out, e.nested)
	return out
}

// Display returns the displayed sequence followed by its level 2 folds.
func (e *Engine) Display() []Range {
	out := make([]Range, 0, len(e.folds)+len(e.nested))
	out = append(out, e.folds...)
	return append(out, e.nested...)
}

// Derived returns a copy of the sequence derived from the blocks alone.
func (e *Engine) Derived() []Range {
	out := make([]Range, len(e.derived))
	copy(out, e.derived)
	return out
}

// Frozen returns a copy of the folds currently held by stale lines.
func (e *Engine) Frozen() []Range {
	out := make([]Range, len(e.frozen))
	copy(out, e.frozen)
	return out
}

// Edit maps every sequence across a raw buffer edit and freezes the displayed
// folds that now intersect the stale intervals of the store.
func (e *Engine) Edit(start, oldEnd, newEnd int, stale []classify.Range) {
	e.derived = Shift(e.derived, start, oldEnd, newEnd)
	e.folds = Shift(e.folds, start, oldEnd, newEnd)
	e.frozen = Freeze(e.folds, stale)
	e.nested = Nest(e.folds)
}

// Update recomputes the whole sequence from the store.
func (e *Engine) Update(s *classify.Store) []Range {
	e.derived = Compute(s.Blocks())
	return e.settle(s.Stale())
}

// Refresh recomputes the sequence around the lines r, which must cover every
// line where the store changed since the last Update, Refresh or Edit.
func (e *Engine) Refresh(s *classify.Store, r classify.Range) []Range {
	e.derived = Refresh(e.derived, s.Blocks(), r)
	return e.settle(s.Stale())
}

// Reset drops all folds.
func (e *Engine) Reset() {
	e.derived, e.frozen, e.folds, e.nested = nil, nil, nil, nil
}

// settle releases frozen folds whose lines are no longer stale and rebuilds
// the displayed sequence.
func (e *Engine) settle(stale []classify.Range) []Range {
	e.frozen = Freeze(e.frozen, stale)
	e.folds = Overlay(e.derived, e.frozen)
	e.nested = Nest(e.folds)
	return e.Folds()
}
