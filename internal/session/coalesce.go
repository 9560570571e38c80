package session

import (
	"slices"

	"github.com/dshills/deckfold/internal/classify"
	"github.com/dshills/deckfold/internal/protocol"
)

// diffLines returns the single replacement that turns old into cur: old lines
// [start, oldEnd) become repl. The common prefix and suffix are left out.
func diffLines(old, cur []string) (start, oldEnd int, repl []string) {
	for start < len(old) && start < len(cur) && old[start] == cur[start] {
		start++
	}
	suffix := 0
	for suffix < len(old)-start && suffix < len(cur)-start &&
		old[len(old)-1-suffix] == cur[len(cur)-1-suffix] {
		suffix++
	}
	return start, len(old) - suffix, cur[start : len(cur)-suffix]
}

// coalesce builds one edit taking the analyzer from the last text it was sent
// to the current one. dirty lists the stale intervals the analyzer must
// reclassify; the edited lines themselves are always included.
func coalesce(gen uint64, sent, cur []string, dirty []classify.Range) *protocol.Edit {
	start, oldEnd, repl := diffLines(sent, cur)
	d := classify.Range{Start: start, End: start + len(repl)}
	for _, st := range dirty {
		d = d.Hull(st)
	}
	return &protocol.Edit{
		Generation: gen,
		Start:      start,
		End:        oldEnd,
		Lines:      slices.Clone(repl),
		Dirty:      d,
	}
}

// fullEdit sends the whole buffer.
func fullEdit(gen uint64, lines []string) *protocol.Edit {
	return &protocol.Edit{
		Generation: gen,
		Start:      0,
		End:        protocol.FullBuffer,
		Lines:      slices.Clone(lines),
		Dirty:      classify.Range{Start: 0, End: len(lines)},
	}
}

// applyEdit applies e to lines the way an analyzer does.
func applyEdit(lines []string, e *protocol.Edit) []string {
	if e.Full() {
		return slices.Clone(e.Lines)
	}
	out := make([]string, 0, len(lines)-(e.End-e.Start)+len(e.Lines))
	out = append(out, lines[:e.Start]...)
	out = append(out, e.Lines...)
	out = append(out, lines[e.End:]...)
	return out
}
