package classify

import "fmt"

// Range is a half-open line interval [Start, End).
type Range struct {
	Start int `msgpack:"start" json:"start" yaml:"start"`
	End   int `msgpack:"end" json:"end" yaml:"end"`
}

// Len returns the number of lines in the range.
func (r Range) Len() int {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Empty reports whether the range holds no lines.
func (r Range) Empty() bool {
	return r.End <= r.Start
}

// Contains reports whether line lies inside the range.
func (r Range) Contains(line int) bool {
	return line >= r.Start && line < r.End
}

// Overlaps reports whether r and o share at least one line. An empty range
// overlaps nothing.
func (r Range) Overlaps(o Range) bool {
	if r.Empty() || o.Empty() {
		return false
	}
	return r.Start < o.End && o.Start < r.End
}

// Covers reports whether o lies completely inside r.
func (r Range) Covers(o Range) bool {
	return o.Start >= r.Start && o.End <= r.End
}

// Hull returns the smallest range containing both r and o.
func (r Range) Hull(o Range) Range {
	if r.Empty() {
		return o
	}
	if o.Empty() {
		return r
	}
	return Range{Start: min(r.Start, o.Start), End: max(r.End, o.End)}
}

// Intersect returns the lines shared by r and o.
func (r Range) Intersect(o Range) Range {
	s, e := max(r.Start, o.Start), min(r.End, o.End)
	if e < s {
		e = s
	}
	return Range{Start: s, End: e}
}

// String formats the range as [start,end).
func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// Shift maps the range across an edit that replaced old lines [start, oldEnd)
// with new lines [start, newEnd). A range ending at the edit start keeps its
// end, a range containing the edit grows or shrinks with it, and a range
// inside deleted lines becomes empty.
func (r Range) Shift(start, oldEnd, newEnd int) Range {
	s := ShiftLine(r.Start, start, oldEnd, newEnd)
	e := r.End
	if e > start {
		e = ShiftLine(e, start, oldEnd, newEnd)
	}
	if e < s {
		e = s
	}
	return Range{Start: s, End: e}
}

// ShiftLine maps a line number across an edit that replaced old lines
// [start, oldEnd) with new lines [start, newEnd). Lines inside the replaced
// region are clamped to its new bounds.
func ShiftLine(line, start, oldEnd, newEnd int) int {
	switch {
	case line < start:
		return line
	case line >= oldEnd:
		return line + newEnd - oldEnd
	default:
		return min(line, newEnd)
	}
}
