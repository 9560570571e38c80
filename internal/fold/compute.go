package fold

import (
	"sort"

	"github.com/dshills/deckfold/internal/classify"
)

// Compute derives the fold sequence of a sorted, non-overlapping block list.
// A fold starts at a block and absorbs the following touching blocks its head
// kind accepts (see Joins). A gap between blocks always ends the fold.
func Compute(blocks []classify.Block) []Range {
	out := make([]Range, 0, len(blocks))
	for _, b := range blocks {
		out = step(out, b)
	}
	return out
}

// step extends the last fold of seq with b or starts a new fold.
func step(seq []Range, b classify.Block) []Range {
	if n := len(seq); n > 0 && seq[n-1].End == b.Start && Joins(seq[n-1], b) {
		seq[n-1].absorb(b)
		return seq
	}
	return append(seq, newRange(b))
}

// Joins reports whether block b, touching the end of fold f, merges into it.
func Joins(f Range, b classify.Block) bool {
	switch b.Kind {
	case classify.KindContinuation:
		return f.Kind != classify.KindComment
	case classify.KindData:
		return f.Kind == classify.KindData || f.Kind == classify.KindKeyword
	case classify.KindComment:
		return f.Kind == classify.KindComment
	case classify.KindKeyword:
		return f.Kind == classify.KindKeyword && f.Label == b.Label
	default:
		return false
	}
}

// Refresh recomputes the folds of blocks around the changed lines r and
// splices them into prev. prev must be the sequence Compute returned for a
// block list that agrees with blocks outside r, mapped to the current line
// numbers (see Shift). The result equals Compute(blocks).
//
// Recomputation starts at the fold of prev that holds the line just before r
// and runs past r until it starts a fold where prev also starts one; from
// there on the two sequences coincide. A fold of prev starting exactly at
// r.End may have been clamped there by Shift, so convergence needs a start
// strictly after r.
func Refresh(prev []Range, blocks []classify.Block, r classify.Range) []Range {
	// first fold ending after the line before r
	i := sort.Search(len(prev), func(k int) bool { return prev[k].End > r.Start-1 })
	from := r.Start
	if i < len(prev) && prev[i].Start <= r.Start-1 {
		from = prev[i].Start
	}

	bi := sort.Search(len(blocks), func(k int) bool { return blocks[k].Start >= from })
	j := sort.Search(len(prev), func(k int) bool { return prev[k].Start > r.End })

	var mid, tail []Range
	for ; bi < len(blocks); bi++ {
		b := blocks[bi]
		if n := len(mid); n > 0 && mid[n-1].End == b.Start && Joins(mid[n-1], b) {
			mid[n-1].absorb(b)
			continue
		}
		if b.Start > r.End {
			for j < len(prev) && prev[j].Start < b.Start {
				j++
			}
			if j < len(prev) && prev[j].Start == b.Start {
				tail = prev[j:]
				break
			}
		}
		mid = append(mid, newRange(b))
	}

	out := make([]Range, 0, i+len(mid)+len(tail))
	out = append(out, prev[:i]...)
	out = append(out, mid...)
	out = append(out, tail...)
	return out
}

// Shift maps a fold sequence across an edit that replaced old lines
// [start, oldEnd) with new lines [start, newEnd). Folds emptied by the edit are
// dropped.
func Shift(seq []Range, start, oldEnd, newEnd int) []Range {
	out := make([]Range, 0, len(seq))
	for _, f := range seq {
		lines := f.Lines().Shift(start, oldEnd, newEnd)
		if lines.Empty() {
			continue
		}
		f.Start, f.End = lines.Start, lines.End
		out = append(out, f)
	}
	return out
}

// Freeze returns the folds of seq that intersect a stale interval. Both lists
// must be sorted.
func Freeze(seq []Range, stale []classify.Range) []Range {
	var out []Range
	k := 0
	for _, f := range seq {
		for k < len(stale) && stale[k].End <= f.Start {
			k++
		}
		if k < len(stale) && stale[k].Overlaps(f.Lines()) {
			out = append(out, f)
		}
	}
	return out
}

// Overlay merges the frozen folds into the derived sequence. Derived folds
// overlapping a frozen fold are dropped so the result stays sorted and
// non-overlapping.
func Overlay(derived, frozen []Range) []Range {
	if len(frozen) == 0 {
		out := make([]Range, len(derived))
		copy(out, derived)
		return out
	}
	out := make([]Range, 0, len(derived)+len(frozen))
	k := 0
	for _, d := range derived {
		for k < len(frozen) && frozen[k].End <= d.Start {
			out = append(out, frozen[k])
			k++
		}
		if k < len(frozen) && frozen[k].Lines().Overlaps(d.Lines()) {
			continue
		}
		out = append(out, d)
	}
	return append(out, frozen[k:]...)
}

// Nest derives the level 2 folds of a level 1 sequence. A level 2 fold covers
// a maximal run of at least two touching level 1 folds, none of them a
// comment. It keeps the label only when every fold of the run shares it.
func Nest(seq []Range) []Range {
	var out []Range
	for i := 0; i < len(seq); {
		j := i + 1
		if seq[i].Kind != classify.KindComment {
			for j < len(seq) && seq[j].Start == seq[j-1].End && seq[j].Kind != classify.KindComment {
				j++
			}
		}
		if j-i >= 2 {
			out = append(out, group(seq[i:j]))
		}
		i = j
	}
	return out
}

func group(run []Range) Range {
	g := Range{Start: run[0].Start, End: run[len(run)-1].End, Level: 2, Kind: run[0].Kind, Label: run[0].Label}
	for _, f := range run {
		if f.Label != g.Label {
			g.Label = ""
		}
		g.Blocks += f.Blocks
		g.Cards += f.Cards
	}
	return g
}
