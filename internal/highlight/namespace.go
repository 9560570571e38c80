package highlight

import (
	"sort"

	"github.com/dshills/deckfold/internal/classify"
)

// Delta is a change to push to the editor: clear the highlights of Lines and
// set Regions, which all lie inside Lines.
type Delta struct {
	Lines   classify.Range `json:"lines" yaml:"lines"`
	Regions []Region       `json:"regions" yaml:"regions"`
}

// Empty reports whether the delta changes nothing.
func (d Delta) Empty() bool {
	return d.Lines.Empty() && len(d.Regions) == 0
}

// Namespace holds the sorted, non-overlapping regions of one buffer. Touching
// regions of the same group are kept merged. It is not safe for concurrent
// use.
type Namespace struct {
	regions []Region
}

// NewNamespace returns an empty namespace.
func NewNamespace() *Namespace {
	return &Namespace{}
}

// Regions returns a copy of all regions in line order.
func (n *Namespace) Regions() []Region {
	out := make([]Region, len(n.regions))
	copy(out, n.regions)
	return out
}

// Len returns the number of regions.
func (n *Namespace) Len() int {
	return len(n.regions)
}

// Query returns the regions overlapping lines.
func (n *Namespace) Query(lines classify.Range) []Region {
	i := sort.Search(len(n.regions), func(k int) bool { return n.regions[k].End > lines.Start })
	var out []Region
	for ; i < len(n.regions) && n.regions[i].Start < lines.End; i++ {
		out = append(out, n.regions[i])
	}
	return out
}

// Apply highlights the lines of r with its group, replacing whatever overlaps
// them. Applying the same region twice leaves the namespace unchanged.
func (n *Namespace) Apply(r Region) Delta {
	return n.Replace(r.Lines(), []Region{r})
}

// Replace sets the highlights of lines to regions. Regions are clipped to
// lines; overlapping input regions keep the first one.
func (n *Namespace) Replace(lines classify.Range, regions []Region) Delta {
	if lines.Empty() {
		return Delta{Lines: lines}
	}

	fresh := make([]Region, 0, len(regions))
	for _, r := range regions {
		clipped := r.Lines().Intersect(lines)
		if clipped.Empty() || r.Group == "" {
			continue
		}
		fresh = append(fresh, Region{Start: clipped.Start, End: clipped.End, Group: r.Group})
	}
	sort.SliceStable(fresh, func(a, b int) bool { return fresh[a].Start < fresh[b].Start })

	next := make([]Region, 0, len(n.regions)+len(fresh))
	var tail []Region
	for _, old := range n.regions {
		switch {
		case old.End <= lines.Start:
			next = append(next, old)
		case old.Start >= lines.End:
			tail = append(tail, old)
		default:
			if old.Start < lines.Start {
				left := old
				left.End = lines.Start
				next = append(next, left)
			}
			if old.End > lines.End {
				right := old
				right.Start = lines.End
				tail = append(tail, right)
			}
		}
	}
	end := lines.Start
	for _, r := range fresh {
		if r.Start < end {
			continue
		}
		next = append(next, r)
		end = r.End
	}
	next = append(next, tail...)
	n.regions = merge(next)
	return n.delta(lines)
}

// Shift maps every region across an edit that replaced old lines
// [start, oldEnd) with new lines [start, newEnd).
func (n *Namespace) Shift(start, oldEnd, newEnd int) {
	out := n.regions[:0:0]
	for _, r := range n.regions {
		lines := r.Lines().Shift(start, oldEnd, newEnd)
		if lines.Empty() {
			continue
		}
		out = append(out, Region{Start: lines.Start, End: lines.End, Group: r.Group})
	}
	n.regions = merge(out)
}

// Clear drops every region.
func (n *Namespace) Clear() {
	n.regions = nil
}

// delta returns the regions overlapping or touching lines, with the line hull
// the editor must clear first.
func (n *Namespace) delta(lines classify.Range) Delta {
	d := Delta{Lines: lines}
	i := sort.Search(len(n.regions), func(k int) bool { return n.regions[k].End >= lines.Start })
	for ; i < len(n.regions) && n.regions[i].Start <= lines.End; i++ {
		r := n.regions[i]
		d.Lines = d.Lines.Hull(r.Lines())
		d.Regions = append(d.Regions, r)
	}
	return d
}

func merge(regions []Region) []Region {
	out := regions[:0]
	for _, r := range regions {
		if k := len(out); k > 0 && out[k-1].End == r.Start && out[k-1].Group == r.Group {
			out[k-1].End = r.End
			continue
		}
		out = append(out, r)
	}
	return out
}
