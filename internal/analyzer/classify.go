// Package analyzer is the reference deck analyzer. It classifies the lines
// of a Pamcrash-style input deck and serves the classification protocol on a
// pair of streams.
package analyzer

import (
	"strings"
	"unicode/utf8"

	"github.com/dshills/deckfold/internal/classify"
)

// CardWidth is the width of a fixed-column card line.
const CardWidth = 80

// ClassifyLine returns the kind of one line and, for keyword lines, the card
// name.
//
//   - comments start with '$' or '#'
//   - keyword lines start with an upper-case card name in column 1 followed,
//     after optional blanks, by '/'
//   - continuation lines start with '&' or '+'
//   - everything else is data
func ClassifyLine(line string) (classify.Kind, string) {
	if line == "" {
		return classify.KindData, ""
	}
	switch line[0] {
	case '$', '#':
		return classify.KindComment, ""
	case '&', '+':
		return classify.KindContinuation, ""
	}
	if name, ok := keyword(line); ok {
		return classify.KindKeyword, name
	}
	return classify.KindData, ""
}

// keyword extracts the card name of a keyword line.
func keyword(line string) (string, bool) {
	slash := strings.IndexByte(line, '/')
	if slash <= 0 {
		return "", false
	}
	name := strings.TrimRight(line[:slash], " ")
	if name == "" || name[0] < 'A' || name[0] > 'Z' {
		return "", false
	}
	for i := 1; i < len(name); i++ {
		c := name[i]
		if !(c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-') {
			return "", false
		}
	}
	return name, true
}

// Blocks classifies lines into blocks. Runs of comment, data or continuation
// lines form one block each; every keyword line is a block of its own.
func Blocks(lines []string) []classify.Block {
	var out []classify.Block
	for i, line := range lines {
		kind, label := ClassifyLine(line)
		if n := len(out); n > 0 && kind != classify.KindKeyword && out[n-1].Kind == kind && out[n-1].End == i {
			out[n-1].End = i + 1
			continue
		}
		out = append(out, classify.Block{Start: i, End: i + 1, Kind: kind, Label: label})
	}
	return out
}

// Widen extends r to the boundaries of the blocks it touches, so a patch over
// the result never splits a block.
func Widen(blocks []classify.Block, r classify.Range) classify.Range {
	for _, b := range blocks {
		if b.End <= r.Start {
			continue
		}
		if b.Start >= r.End {
			break
		}
		r = r.Hull(b.Range())
	}
	return r
}

// Within returns the blocks lying inside r.
func Within(blocks []classify.Block, r classify.Range) []classify.Block {
	var out []classify.Block
	for _, b := range blocks {
		if r.Covers(b.Range()) {
			out = append(out, b)
		}
	}
	return out
}

// Overlong returns the indexes of lines wider than a card.
func Overlong(lines []string, r classify.Range) []int {
	var out []int
	for i := max(r.Start, 0); i < min(r.End, len(lines)); i++ {
		if utf8.RuneCountInString(lines[i]) > CardWidth {
			out = append(out, i)
		}
	}
	return out
}
