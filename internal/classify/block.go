package classify

import "fmt"

// Block is an immutable classification of the lines [Start, End).
type Block struct {
	Start int  `msgpack:"start" json:"start" yaml:"start"`
	End   int  `msgpack:"end" json:"end" yaml:"end"`
	Kind  Kind `msgpack:"kind" json:"kind" yaml:"kind"`
	// Label is the card name for keyword blocks, empty otherwise.
	Label string `msgpack:"label,omitempty" json:"label,omitempty" yaml:"label,omitempty"`
	// Generation is the edit generation the analyzer classified against.
	Generation uint64 `msgpack:"generation" json:"generation" yaml:"generation"`
}

// Range returns the lines covered by the block.
func (b Block) Range() Range {
	return Range{Start: b.Start, End: b.End}
}

// Len returns the number of lines in the block.
func (b Block) Len() int {
	return b.Range().Len()
}

// String formats the block for logs and dumps.
func (b Block) String() string {
	if b.Label != "" {
		return fmt.Sprintf("%s %s %s@%d", b.Range(), b.Kind, b.Label, b.Generation)
	}
	return fmt.Sprintf("%s %s@%d", b.Range(), b.Kind, b.Generation)
}

// Patch replaces a line range of a Store with fresh blocks.
type Patch struct {
	Generation uint64
	// Full replaces the whole store. Range is ignored.
	Full   bool
	Range  Range
	Blocks []Block
}

// Covered returns the lines the patch replaces. A full patch covers every
// line, which is represented by the hull of its blocks extended to zero.
func (p Patch) Covered() Range {
	if !p.Full {
		return p.Range
	}
	end := 0
	if n := len(p.Blocks); n > 0 {
		end = p.Blocks[n-1].End
	}
	return Range{Start: 0, End: end}
}

// Validate checks that the patch blocks are well formed: valid kinds,
// non-empty, sorted, non-overlapping and inside the patch range.
func (p Patch) Validate() error {
	if !p.Full && (p.Range.Start < 0 || p.Range.End < p.Range.Start) {
		return &PatchError{Generation: p.Generation, Reason: fmt.Sprintf("bad range %s", p.Range)}
	}
	prevEnd := 0
	if !p.Full {
		prevEnd = p.Range.Start
	}
	for i, b := range p.Blocks {
		switch {
		case !b.Kind.Valid():
			return &PatchError{Generation: p.Generation, Index: i, Reason: fmt.Sprintf("invalid kind %d", uint8(b.Kind))}
		case b.Start < 0 || b.End <= b.Start:
			return &PatchError{Generation: p.Generation, Index: i, Reason: fmt.Sprintf("empty block %s", b.Range())}
		case b.Start < prevEnd:
			return &PatchError{Generation: p.Generation, Index: i, Reason: fmt.Sprintf("block %s overlaps or is out of order", b.Range())}
		case !p.Full && b.End > p.Range.End:
			return &PatchError{Generation: p.Generation, Index: i, Reason: fmt.Sprintf("block %s outside %s", b.Range(), p.Range)}
		}
		prevEnd = b.End
	}
	return nil
}
