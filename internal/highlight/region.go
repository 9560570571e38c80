// Package highlight derives highlight regions from classified blocks and keeps
// the highlight namespace of a buffer.
package highlight

import (
	"fmt"

	"github.com/dshills/deckfold/internal/classify"
)

// Group is an editor highlight group name.
type Group string

// Highlight groups, one per block kind.
const (
	GroupComment      Group = "DeckfoldComment"
	GroupKeyword      Group = "DeckfoldKeyword"
	GroupData         Group = "DeckfoldData"
	GroupContinuation Group = "DeckfoldContinuation"
)

// Groups lists every group in kind order.
var Groups = []Group{GroupComment, GroupKeyword, GroupData, GroupContinuation}

// DefaultLinks maps each group to the standard editor group it links to when
// the user has not defined it.
var DefaultLinks = map[Group]string{
	GroupComment:      "Comment",
	GroupKeyword:      "Keyword",
	GroupData:         "Normal",
	GroupContinuation: "Special",
}

// GroupFor returns the group of a block kind.
func GroupFor(k classify.Kind) Group {
	switch k {
	case classify.KindComment:
		return GroupComment
	case classify.KindKeyword:
		return GroupKeyword
	case classify.KindData:
		return GroupData
	case classify.KindContinuation:
		return GroupContinuation
	default:
		return ""
	}
}

// Region highlights the whole lines [Start, End) with Group.
type Region struct {
	Start int   `json:"start" yaml:"start"`
	End   int   `json:"end" yaml:"end"`
	Group Group `json:"group" yaml:"group"`
}

// Lines returns the line range of the region.
func (r Region) Lines() classify.Range {
	return classify.Range{Start: r.Start, End: r.End}
}

func (r Region) String() string {
	return fmt.Sprintf("%s %s", r.Lines(), r.Group)
}

// Regions derives one region per block and merges touching regions of the same
// group.
func Regions(blocks []classify.Block) []Region {
	out := make([]Region, 0, len(blocks))
	for _, b := range blocks {
		g := GroupFor(b.Kind)
		if g == "" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].End == b.Start && out[n-1].Group == g {
			out[n-1].End = b.End
			continue
		}
		out = append(out, Region{Start: b.Start, End: b.End, Group: g})
	}
	return out
}
