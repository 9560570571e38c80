// Package viewer is a read-only terminal view of one deck. It implements
// session.View, so folds and highlights arrive straight from a session.
package viewer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/mattn/go-runewidth"

	"github.com/dshills/deckfold/internal/classify"
	"github.com/dshills/deckfold/internal/fold"
	"github.com/dshills/deckfold/internal/highlight"
	"github.com/dshills/deckfold/internal/session"
)

// Styles per highlight group.
var groupStyles = map[highlight.Group]tcell.Style{
	highlight.GroupComment:      tcell.StyleDefault.Foreground(tcell.ColorGray).Italic(true),
	highlight.GroupKeyword:      tcell.StyleDefault.Foreground(tcell.ColorYellow).Bold(true),
	highlight.GroupData:         tcell.StyleDefault,
	highlight.GroupContinuation: tcell.StyleDefault.Foreground(tcell.ColorTeal),
}

var (
	foldStyle   = tcell.StyleDefault.Foreground(tcell.ColorAqua).Background(tcell.ColorNavy)
	statusStyle = tcell.StyleDefault.Reverse(true)
)

// Row is one screen row: a buffer line or a collapsed fold.
type Row struct {
	Line int
	// Fold is the collapsed fold shown on this row, nil for a plain line.
	Fold *fold.Range
}

// foldKey names a fold by its first line and level, since a level 2 fold
// starts on the same line as its first level 1 fold.
type foldKey struct{ start, level int }

func keyOf(f fold.Range) foldKey { return foldKey{f.Start, f.Level} }

// Viewer draws a deck with its folds collapsed.
type Viewer struct {
	screen tcell.Screen
	title  string
	format fold.Formatter

	mu     sync.Mutex
	lines  []string
	folds  []fold.Range
	hl     *highlight.Namespace
	open   map[foldKey]bool // expanded folds
	top    int
	cursor int // index into rows
	status string
}

// New returns a viewer of lines on screen. screen must be initialised.
func New(screen tcell.Screen, title string, lines []string, format fold.Formatter) *Viewer {
	return &Viewer{
		screen: screen,
		title:  title,
		format: format,
		lines:  lines,
		hl:     highlight.NewNamespace(),
		open:   make(map[foldKey]bool),
	}
}

// SetFolds keeps folds ordered by first line, outer folds first.
func (v *Viewer) SetFolds(_ session.BufferID, folds []fold.Range) {
	sorted := make([]fold.Range, len(folds))
	copy(sorted, folds)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].Level > sorted[j].Level
	})
	v.mu.Lock()
	v.folds = sorted
	v.mu.Unlock()
	v.redraw()
}

func (v *Viewer) SetHighlights(_ session.BufferID, d highlight.Delta) {
	v.mu.Lock()
	v.hl.Replace(d.Lines, d.Regions)
	v.mu.Unlock()
	v.redraw()
}

func (v *Viewer) ClearDecorations(session.BufferID) {
	v.mu.Lock()
	v.folds = nil
	v.hl.Clear()
	v.mu.Unlock()
	v.redraw()
}

func (v *Viewer) Notify(_ session.BufferID, msg string) {
	v.mu.Lock()
	v.status = msg
	v.mu.Unlock()
	v.redraw()
}

// redraw asks the event loop to draw.
func (v *Viewer) redraw() {
	_ = v.screen.PostEvent(tcell.NewEventInterrupt(nil))
}

// Rows returns the rows currently shown.
func (v *Viewer) Rows() []Row {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rows()
}

func (v *Viewer) rows() []Row {
	out := make([]Row, 0, len(v.lines))
	fi := 0
	for line := 0; line < len(v.lines); line++ {
		for fi < len(v.folds) && v.folds[fi].Start < line {
			fi++
		}
		var closed *fold.Range
		for k := fi; k < len(v.folds) && v.folds[k].Start == line; k++ {
			if f := v.folds[k]; f.Len() > 1 && !v.open[keyOf(f)] {
				closed = &f
				break
			}
		}
		if closed != nil {
			out = append(out, Row{Line: line, Fold: closed})
			line = closed.End - 1
			continue
		}
		out = append(out, Row{Line: line})
	}
	return out
}

// Run draws and handles keys until q, Escape or ctx is done.
func (v *Viewer) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = v.screen.PostEvent(tcell.NewEventInterrupt(ctx))
		case <-stop:
		}
	}()
	v.Draw()
	for {
		ev := v.screen.PollEvent()
		if ev == nil {
			return nil
		}
		switch e := ev.(type) {
		case *tcell.EventKey:
			if v.HandleKey(e) {
				return nil
			}
		case *tcell.EventResize:
			v.screen.Sync()
		case *tcell.EventInterrupt:
			if e.Data() == ctx {
				return ctx.Err()
			}
		}
		v.Draw()
	}
}

// HandleKey applies one key press and reports whether the viewer should quit.
func (v *Viewer) HandleKey(e *tcell.EventKey) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	rows := v.rows()
	_, h := v.screen.Size()
	page := max(h-2, 1)

	switch e.Key() {
	case tcell.KeyEscape, tcell.KeyCtrlC:
		return true
	case tcell.KeyDown:
		v.cursor++
	case tcell.KeyUp:
		v.cursor--
	case tcell.KeyPgDn:
		v.cursor += page
	case tcell.KeyPgUp:
		v.cursor -= page
	case tcell.KeyHome:
		v.cursor = 0
	case tcell.KeyEnd:
		v.cursor = len(rows) - 1
	case tcell.KeyEnter:
		v.toggle(rows)
	case tcell.KeyRune:
		switch e.Rune() {
		case 'q':
			return true
		case 'j':
			v.cursor++
		case 'k':
			v.cursor--
		case ' ':
			v.toggle(rows)
		case 'R':
			for _, f := range v.folds {
				v.open[keyOf(f)] = true
			}
		case 'M':
			clear(v.open)
		}
	}

	rows = v.rows()
	v.cursor = min(max(v.cursor, 0), max(len(rows)-1, 0))
	if v.cursor < v.top {
		v.top = v.cursor
	}
	if v.cursor >= v.top+page {
		v.top = v.cursor - page + 1
	}
	return false
}

// toggle opens the fold under the cursor or closes the fold containing it.
func (v *Viewer) toggle(rows []Row) {
	if v.cursor >= len(rows) {
		return
	}
	r := rows[v.cursor]
	if r.Fold != nil {
		v.open[keyOf(*r.Fold)] = true
		return
	}
	// close the innermost open fold holding the line
	var inner *fold.Range
	for i := range v.folds {
		if f := v.folds[i]; f.Lines().Contains(r.Line) && f.Len() > 1 && v.open[keyOf(f)] {
			inner = &v.folds[i]
		}
	}
	if inner == nil {
		return
	}
	delete(v.open, keyOf(*inner))
	for i, row := range v.rows() {
		if row.Line == inner.Start {
			v.cursor = i
			return
		}
	}
}

// Draw renders the visible rows and the status line.
func (v *Viewer) Draw() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.screen.Clear()
	w, h := v.screen.Size()
	rows := v.rows()
	body := max(h-1, 0)
	regions := v.hl.Query(classify.Range{Start: 0, End: len(v.lines)})

	for y := 0; y < body && v.top+y < len(rows); y++ {
		i := v.top + y
		row := rows[i]
		var text string
		var style tcell.Style
		if row.Fold != nil {
			text = fmt.Sprintf("+--%3d lines: %s ", row.Fold.Len(), fold.TextWith(v.format, *row.Fold))
			style = foldStyle
		} else {
			text = v.lines[row.Line]
			style = styleAt(regions, row.Line)
		}
		if i == v.cursor {
			style = style.Underline(true)
		}
		gutter := fmt.Sprintf("%5d ", row.Line+1)
		x := drawString(v.screen, 0, y, w, gutter, tcell.StyleDefault.Foreground(tcell.ColorGray))
		drawString(v.screen, x, y, w, text, style)
	}

	status := fmt.Sprintf(" %s  %d lines  %d folds", v.title, len(v.lines), len(v.folds))
	if v.status != "" {
		status += "  | " + v.status
	}
	status = runewidth.FillRight(runewidth.Truncate(status, w, "…"), w)
	drawString(v.screen, 0, h-1, w, status, statusStyle)
	v.screen.Show()
}

func styleAt(regions []highlight.Region, line int) tcell.Style {
	for _, r := range regions {
		if r.Lines().Contains(line) {
			if s, ok := groupStyles[r.Group]; ok {
				return s
			}
		}
	}
	return tcell.StyleDefault
}

// drawString writes s from column x, clipped at width w, and returns the
// column after the last cell written.
func drawString(s tcell.Screen, x, y, w int, str string, style tcell.Style) int {
	for _, r := range str {
		rw := runewidth.RuneWidth(r)
		if rw == 0 {
			continue
		}
		if x+rw > w {
			break
		}
		s.SetContent(x, y, r, nil, style)
		x += rw
	}
	return x
}
