package fold

import (
	"fmt"

	"github.com/dshills/deckfold/internal/classify"
)

// Range is one fold over the lines [Start, End).
type Range struct {
	Start int           `json:"start" yaml:"start"`
	End   int           `json:"end" yaml:"end"`
	Level int           `json:"level" yaml:"level"`
	Kind  classify.Kind `json:"kind" yaml:"kind"`
	Label string        `json:"label,omitempty" yaml:"label,omitempty"`
	// Blocks is the number of classifications merged into the fold.
	Blocks int `json:"blocks" yaml:"blocks"`
	// Cards is the number of keyword blocks merged into the fold.
	Cards int `json:"cards,omitempty" yaml:"cards,omitempty"`
}

// Lines returns the line range of the fold.
func (r Range) Lines() classify.Range {
	return classify.Range{Start: r.Start, End: r.End}
}

// Len returns the number of lines in the fold.
func (r Range) Len() int {
	return r.Lines().Len()
}

func (r Range) String() string {
	if r.Label != "" {
		return fmt.Sprintf("%s %s %s", r.Lines(), r.Kind, r.Label)
	}
	return fmt.Sprintf("%s %s", r.Lines(), r.Kind)
}

func newRange(b classify.Block) Range {
	r := Range{Start: b.Start, End: b.End, Level: 1, Kind: b.Kind, Label: b.Label, Blocks: 1}
	if b.Kind == classify.KindKeyword {
		r.Cards = 1
	}
	return r
}

func (r *Range) absorb(b classify.Block) {
	r.End = b.End
	r.Blocks++
	if b.Kind == classify.KindKeyword {
		r.Cards++
	}
}
