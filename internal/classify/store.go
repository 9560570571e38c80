package classify

import (
	"fmt"
	"sort"
)

// Store is the ordered classification table of one buffer.
type Store struct {
	blocks     []Block
	stale      []Range
	generation uint64
}

// NewStore creates an empty store at generation zero.
func NewStore() *Store {
	return &Store{}
}

// Generation returns the generation of the last applied patch.
func (s *Store) Generation() uint64 {
	return s.generation
}

// Len returns the number of blocks.
func (s *Store) Len() int {
	return len(s.blocks)
}

// Blocks returns a copy of all blocks in line order.
func (s *Store) Blocks() []Block {
	out := make([]Block, len(s.blocks))
	copy(out, s.blocks)
	return out
}

// Stale returns a copy of the stale intervals in line order.
func (s *Store) Stale() []Range {
	out := make([]Range, len(s.stale))
	copy(out, s.stale)
	return out
}

// IsStale reports whether any line of r is waiting for a fresh patch.
func (s *Store) IsStale(r Range) bool {
	for _, st := range s.stale {
		if st.Overlaps(r) {
			return true
		}
		if st.Start >= r.End {
			return false
		}
	}
	return false
}

// Query returns the blocks overlapping r in line order.
func (s *Store) Query(r Range) []Block {
	if r.Empty() {
		return nil
	}
	i := s.search(r.Start)
	var out []Block
	for ; i < len(s.blocks) && s.blocks[i].Start < r.End; i++ {
		out = append(out, s.blocks[i])
	}
	return out
}

// Before returns the last block ending at or before line.
func (s *Store) Before(line int) (Block, bool) {
	i := s.search(line)
	// blocks[i] is the first block with End > line
	if i > 0 {
		return s.blocks[i-1], true
	}
	return Block{}, false
}

// After returns the first block starting at or after line.
func (s *Store) After(line int) (Block, bool) {
	i := sort.Search(len(s.blocks), func(i int) bool { return s.blocks[i].Start >= line })
	if i < len(s.blocks) {
		return s.blocks[i], true
	}
	return Block{}, false
}

// search returns the index of the first block with End > line.
func (s *Store) search(line int) int {
	return sort.Search(len(s.blocks), func(i int) bool { return s.blocks[i].End > line })
}

// Apply replaces the patch range with the patch blocks. The store is
// unchanged when the patch is stale or malformed.
func (s *Store) Apply(p Patch) error {
	if p.Generation < s.generation {
		return fmt.Errorf("%w: patch %d, store %d", ErrStaleGeneration, p.Generation, s.generation)
	}
	if err := p.Validate(); err != nil {
		return err
	}

	fresh := make([]Block, len(p.Blocks))
	for i, b := range p.Blocks {
		b.Generation = p.Generation
		fresh[i] = b
	}

	if p.Full {
		s.blocks = fresh
		s.stale = nil
		s.generation = p.Generation
		return nil
	}

	r := p.Range
	if r.Empty() {
		s.generation = p.Generation
		return nil
	}

	next := make([]Block, 0, len(s.blocks)+len(fresh))
	var tail []Block
	for _, b := range s.blocks {
		switch {
		case b.End <= r.Start:
			next = append(next, b)
		case b.Start >= r.End:
			tail = append(tail, b)
		default:
			if b.Start < r.Start {
				left := b
				left.End = r.Start
				next = append(next, left)
			}
			if b.End > r.End {
				right := b
				right.Start = r.End
				tail = append(tail, right)
			}
		}
	}
	next = append(next, fresh...)
	next = append(next, tail...)

	s.blocks = next
	s.stale = subtract(s.stale, r)
	s.generation = p.Generation
	return nil
}

// Invalidate records a raw edit that replaced old lines [start, oldEnd) with
// new lines [start, newEnd). Blocks owning the edited lines are dropped, later
// blocks are shifted, and the affected lines become stale. It returns the new
// stale interval, which is empty when nothing needs reclassification.
func (s *Store) Invalidate(start, oldEnd, newEnd int) Range {
	if start < 0 {
		start = 0
	}
	if oldEnd < start {
		oldEnd = start
	}
	if newEnd < start {
		newEnd = start
	}
	delta := newEnd - oldEnd
	edit := Range{Start: start, End: oldEnd}

	lo, hi := start, oldEnd
	for _, b := range s.blocks {
		if owns(b, edit) {
			lo, hi = min(lo, b.Start), max(hi, b.End)
		}
	}

	var before, after []Range
	for _, st := range s.stale {
		switch {
		case st.End < lo:
			before = append(before, st)
		case st.Start > hi:
			after = append(after, Range{Start: st.Start + delta, End: st.End + delta})
		default:
			lo, hi = min(lo, st.Start), max(hi, st.End)
		}
	}

	blocks := s.blocks[:0:0]
	for _, b := range s.blocks {
		switch {
		case b.End <= lo:
			blocks = append(blocks, b)
		case b.Start >= hi:
			b.Start += delta
			b.End += delta
			blocks = append(blocks, b)
		}
	}
	s.blocks = blocks

	stale := Range{Start: lo, End: hi + delta}
	s.stale = before
	if !stale.Empty() {
		s.stale = append(s.stale, stale)
	}
	s.stale = append(s.stale, after...)
	return stale
}

// Reset drops every block and stale interval.
func (s *Store) Reset() {
	s.blocks = nil
	s.stale = nil
	s.generation = 0
}

// owns reports whether block b is invalidated by an edit of the old lines in
// edit. A pure insertion only invalidates a block it splits.
func owns(b Block, edit Range) bool {
	if edit.Empty() {
		return b.Start < edit.Start && edit.Start < b.End
	}
	return b.Range().Overlaps(edit)
}

// subtract removes r from a sorted interval list.
func subtract(list []Range, r Range) []Range {
	if len(list) == 0 || r.Empty() {
		return list
	}
	out := make([]Range, 0, len(list)+1)
	for _, st := range list {
		if !st.Overlaps(r) {
			out = append(out, st)
			continue
		}
		if st.Start < r.Start {
			out = append(out, Range{Start: st.Start, End: r.Start})
		}
		if st.End > r.End {
			out = append(out, Range{Start: r.End, End: st.End})
		}
	}
	return out
}
