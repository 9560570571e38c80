package analyzer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dshills/deckfold/internal/classify"
)

func TestClassifyLine(t *testing.T) {
	tests := []struct {
		line  string
		kind  classify.Kind
		label string
	}{
		{"$ a comment", classify.KindComment, ""},
		{"# another", classify.KindComment, ""},
		{"NODE  /        1              0.             0.             0.", classify.KindKeyword, "NODE"},
		{"SHELL /        1        1        1        2        3        4", classify.KindKeyword, "SHELL"},
		{"MAT_01/", classify.KindKeyword, "MAT_01"},
		{"&        2       17", classify.KindContinuation, ""},
		{"+ more", classify.KindContinuation, ""},
		{"         1       0.5", classify.KindData, ""},
		{"", classify.KindData, ""},
		{"node  /", classify.KindData, ""},
		{"/NODE", classify.KindData, ""},
		{"NO DE /", classify.KindData, ""},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			kind, label := ClassifyLine(tt.line)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.label, label)
		})
	}
}

func TestBlocks(t *testing.T) {
	lines := []string{
		"$ header",
		"$ more",
		"NODE  /  1",
		"NODE  /  2",
		"   data",
		"   data",
		"& cont",
		"# trailing",
	}
	assert.Equal(t, []classify.Block{
		{Start: 0, End: 2, Kind: classify.KindComment},
		{Start: 2, End: 3, Kind: classify.KindKeyword, Label: "NODE"},
		{Start: 3, End: 4, Kind: classify.KindKeyword, Label: "NODE"},
		{Start: 4, End: 6, Kind: classify.KindData},
		{Start: 6, End: 7, Kind: classify.KindContinuation},
		{Start: 7, End: 8, Kind: classify.KindComment},
	}, Blocks(lines))
	assert.Empty(t, Blocks(nil))
}

func TestWidenAndWithin(t *testing.T) {
	blocks := []classify.Block{
		{Start: 0, End: 3, Kind: classify.KindComment},
		{Start: 3, End: 10, Kind: classify.KindData},
		{Start: 10, End: 11, Kind: classify.KindContinuation},
	}

	r := Widen(blocks, classify.Range{Start: 5, End: 6})
	assert.Equal(t, classify.Range{Start: 3, End: 10}, r)
	assert.Equal(t, blocks[1:2], Within(blocks, r))

	r = Widen(blocks, classify.Range{Start: 2, End: 4})
	assert.Equal(t, classify.Range{Start: 0, End: 10}, r)
	assert.Equal(t, blocks[:2], Within(blocks, r))
}

func TestOverlong(t *testing.T) {
	lines := []string{"short", strings.Repeat("x", CardWidth), strings.Repeat("é", CardWidth+1)}
	assert.Equal(t, []int{2}, Overlong(lines, classify.Range{Start: 0, End: 10}))
	assert.Empty(t, Overlong(lines, classify.Range{Start: 0, End: 2}))
}
