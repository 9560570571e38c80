package session_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/deckfold/internal/analyzer"
	"github.com/dshills/deckfold/internal/classify"
	"github.com/dshills/deckfold/internal/diagnostics"
	"github.com/dshills/deckfold/internal/fold"
	"github.com/dshills/deckfold/internal/highlight"
	"github.com/dshills/deckfold/internal/protocol"
	"github.com/dshills/deckfold/internal/session"
)

func deckFolds() []fold.Range {
	return []fold.Range{
		{Start: 0, End: 3, Level: 1, Kind: classify.KindComment, Blocks: 1},
		{Start: 3, End: 11, Level: 1, Kind: classify.KindData, Blocks: 2},
	}
}

func TestSession_FoldsFromReferenceAnalyzer(t *testing.T) {
	for _, codec := range []string{"msgpack", "json"} {
		t.Run(codec, func(t *testing.T) {
			view := newRecView()
			cfg := testConfig()
			cfg.Analyzer.Codec = codec
			sp := analyzer.NewInProcess()
			reg, err := session.NewRegistry(cfg, view, session.WithSpawner(sp), session.WithLocator(func(c session.AnalyzerConfig) (session.Binary, error) {
				return session.Binary{Path: "self", Args: []string{"analyze", "--codec", c.Codec}}, nil
			}))
			require.NoError(t, err)
			defer reg.DetachAll(context.Background())

			s, err := reg.Attach(ctxT(t), 7, deck())
			require.NoError(t, err)
			require.NoError(t, s.WaitIdle(ctxT(t)))

			snap, err := s.Snapshot(ctxT(t))
			require.NoError(t, err)
			// the keyword line is its own block and heads the data fold
			require.Len(t, snap.Folds, 2)
			assert.Equal(t, classify.Range{Start: 0, End: 3}, snap.Folds[0].Lines())
			assert.Equal(t, classify.KindComment, snap.Folds[0].Kind)
			assert.Equal(t, classify.Range{Start: 3, End: 11}, snap.Folds[1].Lines())
			assert.Equal(t, "NODE", snap.Folds[1].Label)
			assert.Equal(t, snap.Folds, view.Folds(7))
			assert.Empty(t, snap.Stale)
			assert.NotEmpty(t, snap.Highlights)

			text, err := s.Foldtext(ctxT(t), 5)
			require.NoError(t, err)
			assert.Equal(t, "keyword NODE (8 lines)", text)
		})
	}
}

func TestSession_UpdateFolds(t *testing.T) {
	view := newRecView()
	_, s, _ := attachScripted(t, view)

	folds, err := s.UpdateFolds(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, deckFolds(), folds)
	assert.Equal(t, deckFolds(), view.Folds(1))

	refreshed, err := s.RefreshFolds(ctxT(t), classify.Range{Start: 2, End: 5})
	require.NoError(t, err)
	assert.Equal(t, folds, refreshed)
}

func TestSession_EditFreezesFoldUntilPatchLands(t *testing.T) {
	view := newRecView()
	_, s, f := attachScripted(t, view)

	// Replace lines 4 and 5 of the data block.
	require.NoError(t, s.Edit(ctxT(t), 4, 6, []string{"        20", "        30"}))

	got := view.Folds(1)
	assert.Equal(t, deckFolds(), got, "the data fold stays frozen")
	for _, r := range got {
		assert.NotEqual(t, classify.Range{Start: 4, End: 6}, r.Lines())
	}
	snap, err := s.Snapshot(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, []classify.Range{{Start: 3, End: 10}}, snap.Stale)

	e := f.edit(t)
	assert.Equal(t, uint64(2), e.Generation)
	assert.Equal(t, 4, e.Start)
	assert.Equal(t, 6, e.End)
	assert.Equal(t, []string{"        20", "        30"}, e.Lines)
	assert.Equal(t, classify.Range{Start: 3, End: 10}, e.Dirty)

	f.reply(t, &protocol.Classification{
		Generation: 2,
		Range:      classify.Range{Start: 3, End: 10},
		Blocks:     []classify.Block{{Start: 3, End: 10, Kind: classify.KindData}},
	})
	require.NoError(t, s.WaitIdle(ctxT(t)))

	folds, err := s.Folds(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, deckFolds(), folds)
	snap, err = s.Snapshot(ctxT(t))
	require.NoError(t, err)
	assert.Empty(t, snap.Stale)
	assert.Equal(t, uint64(2), snap.Generation)
}

func TestSession_EditsAreCoalesced(t *testing.T) {
	view := newRecView()
	reg, s, f := attachScripted(t, view)

	// a window long enough for all three edits
	cfg := testConfig()
	cfg.Debounce = 200 * time.Millisecond
	require.NoError(t, reg.Reconfigure(cfg))

	ctx := ctxT(t)
	require.NoError(t, s.Edit(ctx, 11, 11, []string{"$ appended"}))
	require.NoError(t, s.Edit(ctx, 11, 12, []string{"$ replaced"}))
	require.NoError(t, s.Edit(ctx, 0, 1, nil))

	e := f.edit(t)
	assert.Equal(t, uint64(4), e.Generation)
	// old text with the first line removed and one line appended
	assert.Equal(t, 0, e.Start)
	assert.Equal(t, 11, e.End)
	assert.Equal(t, append(deck()[1:], "$ replaced"), e.Lines)

	select {
	case extra := <-f.edits:
		t.Fatalf("unexpected second edit %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSession_StaleReplyIsDropped(t *testing.T) {
	view := newRecView()
	_, s, f := attachScripted(t, view)

	require.NoError(t, s.Edit(ctxT(t), 3, 4, []string{"SHELL /        1"}))
	before, err := s.Snapshot(ctxT(t))
	require.NoError(t, err)

	// A late answer for generation 1 arrives after the edit.
	f.reply(t, &protocol.Classification{Generation: 1, Full: true, Blocks: []classify.Block{{Start: 0, End: 11, Kind: classify.KindData}}})
	require.Eventually(t, func() bool { return s.Stats().StaleReplies == 1 }, wait, 5*time.Millisecond)

	after, err := s.Snapshot(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, session.StateActive, s.State())

	e := f.edit(t)
	f.reply(t, &protocol.Classification{
		Generation: e.Generation,
		Range:      e.Dirty,
		Blocks: []classify.Block{
			{Start: 3, End: 4, Kind: classify.KindKeyword, Label: "SHELL"},
			{Start: 4, End: 10, Kind: classify.KindData},
		},
	})
	require.NoError(t, s.WaitIdle(ctxT(t)))
	folds, err := s.Folds(ctxT(t))
	require.NoError(t, err)
	require.Len(t, folds, 2)
	assert.Equal(t, "SHELL", folds[1].Label)
}

func TestSession_InvalidReplyIsRejected(t *testing.T) {
	_, s, f := attachScripted(t, newRecView())

	f.reply(t, &protocol.Classification{Generation: 9, Full: true})
	f.reply(t, &protocol.Classification{Generation: 1, Range: classify.Range{Start: 20, End: 30}})
	require.Eventually(t, func() bool { return s.Stats().InvalidReplies == 2 }, wait, 5*time.Millisecond)

	folds, err := s.Folds(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, deckFolds(), folds)
}

func TestSession_DecodeErrorsAreCounted(t *testing.T) {
	_, s, f := attachScripted(t, newRecView())

	_, err := f.conn.stdoutW.Write([]byte{0xc1}) // never used in msgpack
	require.NoError(t, err)
	f.reply(t, &protocol.Classification{Generation: 1, Range: classify.Range{Start: 0, End: 0}})

	require.Eventually(t, func() bool { return s.Stats().DecodeErrors >= 1 }, wait, 5*time.Millisecond)
	assert.Equal(t, session.StateActive, s.State())
}

func TestSession_CrashDegradesAndFreezes(t *testing.T) {
	view := newRecView()
	sp := analyzer.NewInProcess()
	reg, err := session.NewRegistry(testConfig(), view, session.WithSpawner(sp), session.WithLocator(staticLocator))
	require.NoError(t, err)
	defer reg.DetachAll(context.Background())

	s, err := reg.Attach(ctxT(t), 3, deck())
	require.NoError(t, err)
	require.NoError(t, s.WaitIdle(ctxT(t)))
	before, err := s.Snapshot(ctxT(t))
	require.NoError(t, err)

	sp.Conns()[0].Crash(139)
	require.Eventually(t, func() bool { return s.State() == session.StateDegraded }, wait, 5*time.Millisecond)
	assert.False(t, s.Healthy())

	// A second exit report is ignored.
	s.OnExit(diagnostics.Exit{Code: 1})

	after, err := s.Snapshot(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, before, after, "derived state is unchanged")

	notices := view.Notices()
	require.Len(t, notices, 1)
	assert.Contains(t, notices[0], "exit code 139")
	assert.Contains(t, s.PrintStderr(), "exit code 139")
	assert.ErrorIs(t, s.WaitIdle(ctxT(t)), session.ErrProcessCrashed)

	// Edits still move decorations but are not sent anywhere.
	require.NoError(t, s.Edit(ctxT(t), 0, 0, []string{"$ new"}))
	folds, err := s.Folds(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, 4, folds[1].Start)

	// Re-attaching replaces the degraded session.
	fresh, err := reg.Attach(ctxT(t), 3, deck())
	require.NoError(t, err)
	assert.NotEqual(t, s.ID(), fresh.ID())
	assert.Equal(t, session.StateDetached, s.State())
	require.NoError(t, fresh.WaitIdle(ctxT(t)))
	assert.Equal(t, 1, reg.Len())
}

func TestSession_StderrNotices(t *testing.T) {
	view := newRecView()
	sp := analyzer.NewInProcess()
	reg, err := session.NewRegistry(testConfig(), view, session.WithSpawner(sp), session.WithLocator(staticLocator))
	require.NoError(t, err)
	defer reg.DetachAll(context.Background())

	s, err := reg.Attach(ctxT(t), 1, append(deck(), strings.Repeat("9", 90)))
	require.NoError(t, err)
	require.NoError(t, s.WaitIdle(ctxT(t)))

	require.NoError(t, sp.Conns()[0].WriteStderr("warning: "))
	require.NoError(t, sp.Conns()[0].WriteStderr("unknown card\n"))

	require.Eventually(t, func() bool { return len(view.Notices()) == 2 }, wait, 5*time.Millisecond)
	assert.Contains(t, view.Notices()[0], "line 12 is wider than 80 columns")
	assert.Contains(t, view.Notices()[1], "warning: unknown card")
	assert.Contains(t, s.PrintStderr(), "warning: unknown card")

	lines := s.StderrLines()
	assert.Contains(t, lines, "warning: unknown card")
	for _, l := range lines {
		assert.NotContains(t, l, "stderr (", "no report header among the raw lines")
		assert.NotContains(t, l, "session "+s.ID())
	}
}

func TestSession_HighlightRegionIsIdempotent(t *testing.T) {
	_, s, _ := attachScripted(t, newRecView())

	r := highlight.Region{Start: 4, End: 6, Group: highlight.GroupComment}
	_, err := s.HighlightRegion(ctxT(t), r)
	require.NoError(t, err)
	once, err := s.Snapshot(ctxT(t))
	require.NoError(t, err)

	_, err = s.HighlightRegion(ctxT(t), r)
	require.NoError(t, err)
	twice, err := s.Snapshot(ctxT(t))
	require.NoError(t, err)

	assert.Equal(t, once.Highlights, twice.Highlights)
	assert.Contains(t, twice.Highlights, r)
}

func TestSession_FoldtextAndPrintFolds(t *testing.T) {
	_, s, _ := attachScripted(t, newRecView())

	text, err := s.Foldtext(ctxT(t), 1)
	require.NoError(t, err)
	assert.Equal(t, "comment (3 lines)", text)

	_, err = s.Foldtext(ctxT(t), 40)
	assert.ErrorIs(t, err, session.ErrNoFold)

	out, err := s.PrintFolds(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "\n"))
	assert.Contains(t, out, "data")
}

func TestSession_EditOutOfRange(t *testing.T) {
	_, s, _ := attachScripted(t, newRecView())
	assert.Error(t, s.Edit(ctxT(t), 5, 40, nil))
	assert.Error(t, s.Edit(ctxT(t), 6, 5, nil))
}

func TestRegistry_AttachIsIdempotent(t *testing.T) {
	reg, s, _ := attachScripted(t, newRecView())

	again, err := reg.Attach(ctxT(t), 1, []string{"ignored"})
	require.NoError(t, err)
	assert.Same(t, s, again)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_Detach(t *testing.T) {
	view := newRecView()
	reg, s, _ := attachScripted(t, view)

	require.NoError(t, reg.Detach(ctxT(t), 1))
	assert.Equal(t, session.StateDetached, s.State())
	assert.Equal(t, []session.BufferID{1}, view.Cleared())
	assert.Empty(t, view.Notices(), "a requested exit is not a crash")

	_, err := s.Folds(ctxT(t))
	assert.ErrorIs(t, err, session.ErrSessionClosed)
	assert.ErrorIs(t, s.Edit(ctxT(t), 0, 0, nil), session.ErrSessionClosed)

	_, err = reg.Get(1)
	assert.ErrorIs(t, err, session.ErrNotAttached)
	assert.NoError(t, reg.Detach(ctxT(t), 1))
}

func TestRegistry_DetachAll(t *testing.T) {
	view := newRecView()
	sp := analyzer.NewInProcess()
	reg, err := session.NewRegistry(testConfig(), view, session.WithSpawner(sp), session.WithLocator(staticLocator))
	require.NoError(t, err)

	var all []*session.Session
	for buf := session.BufferID(1); buf <= 5; buf++ {
		s, err := reg.Attach(ctxT(t), buf, deck())
		require.NoError(t, err)
		all = append(all, s)
	}
	stats := reg.Stats()
	require.Len(t, stats, 5)
	assert.Equal(t, session.BufferID(1), stats[0].Buffer)

	reg.DetachAll(ctxT(t))
	assert.Zero(t, reg.Len())
	for _, s := range all {
		assert.Equal(t, session.StateDetached, s.State())
	}
	assert.Len(t, view.Cleared(), 5)
	assert.Empty(t, view.Notices())
}

func TestRegistry_AttachErrors(t *testing.T) {
	t.Run("binary not found", func(t *testing.T) {
		reg, err := session.NewRegistry(testConfig(), nil, session.WithSpawner(newScripted()),
			session.WithLocator(func(session.AnalyzerConfig) (session.Binary, error) {
				return session.Binary{}, errors.New("nothing on PATH")
			}))
		require.NoError(t, err)

		_, err = reg.Attach(ctxT(t), 2, nil)
		assert.ErrorIs(t, err, session.ErrBinaryNotFound)
		var ae *session.AttachError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, session.BufferID(2), ae.Buffer)
	})

	t.Run("spawn failed", func(t *testing.T) {
		sp := newScripted()
		sp.err = errors.New("exec format error")
		reg, err := session.NewRegistry(testConfig(), nil, session.WithSpawner(sp), session.WithLocator(staticLocator))
		require.NoError(t, err)

		_, err = reg.Attach(ctxT(t), 2, nil)
		assert.ErrorIs(t, err, session.ErrSpawnFailed)
		assert.Zero(t, reg.Len())
	})

	t.Run("bad config", func(t *testing.T) {
		cfg := testConfig()
		cfg.Outbox = 0
		_, err := session.NewRegistry(cfg, nil)
		assert.Error(t, err)
	})
}

func TestRegistry_Reconfigure(t *testing.T) {
	reg, s, f := attachScripted(t, newRecView())

	cfg := testConfig()
	cfg.Debounce = time.Millisecond
	require.NoError(t, reg.Reconfigure(cfg))

	require.NoError(t, s.Edit(ctxT(t), 0, 0, []string{"$"}))
	e := f.edit(t)
	assert.Equal(t, uint64(2), e.Generation)

	cfg.Outbox = -1
	assert.Error(t, reg.Reconfigure(cfg))
}

func TestRegistry_DetachDoesNotHangOnStuckAnalyzer(t *testing.T) {
	view := newRecView()
	reg, err := session.NewRegistry(testConfig(), view, session.WithSpawner(silentSpawner{}), session.WithLocator(staticLocator))
	require.NoError(t, err)

	// the first full edit is stuck in the analyzer's unread stdin
	s, err := reg.Attach(ctxT(t), 1, deck())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = reg.Detach(ctx, 1)
	}()
	select {
	case <-done:
	case <-time.After(wait):
		t.Fatal("detach hung on an analyzer that stopped reading")
	}
	assert.Equal(t, session.StateDetached, s.State())
	assert.Equal(t, []session.BufferID{1}, view.Cleared())
	assert.Zero(t, reg.Len())
}

func TestRegistry_DetachWithExpiredContextClears(t *testing.T) {
	view := newRecView()
	reg, s, _ := attachScripted(t, view)
	require.NotEmpty(t, view.Folds(1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = reg.Detach(ctx, 1)

	assert.Equal(t, session.StateDetached, s.State())
	assert.Contains(t, view.Cleared(), session.BufferID(1))
	assert.Empty(t, view.Folds(1))
}

func TestRegistry_ReattachAfterDetachIsFresh(t *testing.T) {
	reg, sp := newScriptedRegistry(t, newRecView())

	first, err := reg.Attach(ctxT(t), 1, deck())
	require.NoError(t, err)
	f := sp.next(t)
	f.edit(t)
	f.reply(t, &protocol.Classification{Generation: 1, Full: true, Blocks: deckBlocks()})
	require.NoError(t, first.WaitIdle(ctxT(t)))
	require.NoError(t, first.Edit(ctxT(t), 0, 0, []string{"$ more"}))
	require.Equal(t, uint64(2), first.Generation())
	require.NoError(t, reg.Detach(ctxT(t), 1))

	second, err := reg.Attach(ctxT(t), 1, []string{"$ only", "$ comments"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, uint64(1), second.Generation())

	snap, err := second.Snapshot(ctxT(t))
	require.NoError(t, err)
	assert.Empty(t, snap.Blocks, "nothing carried over from the first session")
	assert.Empty(t, snap.Folds)

	g := sp.next(t)
	e := g.edit(t)
	require.True(t, e.Full())
	assert.Equal(t, uint64(1), e.Generation)

	blocks := []classify.Block{{Start: 0, End: 2, Kind: classify.KindComment}}
	g.reply(t, &protocol.Classification{Generation: 1, Full: true, Blocks: blocks})
	require.NoError(t, second.WaitIdle(ctxT(t)))

	snap, err = second.Snapshot(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, blocks, snap.Blocks)
	require.Len(t, snap.Folds, 1)
	assert.Equal(t, classify.Range{Start: 0, End: 2}, snap.Folds[0].Lines())
}

func TestRegistry_AttachReplacesDegradedSession(t *testing.T) {
	view := newRecView()
	reg, sp := newScriptedRegistry(t, view)

	old, err := reg.Attach(ctxT(t), 1, deck())
	require.NoError(t, err)
	f := sp.next(t)
	f.edit(t)
	f.reply(t, &protocol.Classification{Generation: 1, Full: true, Blocks: deckBlocks()})
	require.NoError(t, old.WaitIdle(ctxT(t)))

	f.conn.exit(139)
	require.Eventually(t, func() bool { return old.State() == session.StateDegraded }, wait, 5*time.Millisecond)

	fresh, err := reg.Attach(ctxT(t), 1, deck())
	require.NoError(t, err)
	assert.NotSame(t, old, fresh)
	assert.NotEqual(t, old.ID(), fresh.ID())
	assert.Equal(t, session.StateDetached, old.State())
	assert.Equal(t, session.StateActive, fresh.State())
	assert.Equal(t, uint64(1), fresh.Generation())
	assert.Contains(t, view.Cleared(), session.BufferID(1))

	got, err := reg.Get(1)
	require.NoError(t, err)
	assert.Same(t, fresh, got)
	assert.Equal(t, 1, reg.Len())

	g := sp.next(t)
	e := g.edit(t)
	require.True(t, e.Full())
	assert.Equal(t, uint64(1), e.Generation)
	g.reply(t, &protocol.Classification{Generation: 1, Full: true, Blocks: deckBlocks()})
	require.NoError(t, fresh.WaitIdle(ctxT(t)))

	folds, err := fresh.Folds(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, deckFolds(), folds)
}

func TestRegistry_SpawnDoesNotHoldLock(t *testing.T) {
	sp := newGatedSpawner()
	reg, err := session.NewRegistry(testConfig(), nil, session.WithSpawner(sp), session.WithLocator(staticLocator))
	require.NoError(t, err)
	t.Cleanup(func() { reg.DetachAll(context.Background()) })

	type result struct {
		s   *session.Session
		err error
	}
	results := make(chan result, 2)
	attach := func() {
		s, err := reg.Attach(context.Background(), 1, deck())
		results <- result{s, err}
	}
	go attach()
	select {
	case <-sp.entered:
	case <-time.After(wait):
		t.Fatal("spawn did not start")
	}
	go attach()

	// other buffers stay usable while buffer 1 spawns
	_, err = reg.Get(1)
	assert.ErrorIs(t, err, session.ErrNotAttached)
	_, err = reg.Attach(ctxT(t), 2, deck())
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Len())

	close(sp.gate)
	a, b := <-results, <-results
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	assert.Same(t, a.s, b.s)
	assert.Equal(t, int32(2), sp.spawns.Load(), "buffer 1 spawned once")
	assert.Equal(t, 2, reg.Len())
}

func TestSession_PushesNestedFolds(t *testing.T) {
	view := newRecView()
	reg, sp := newScriptedRegistry(t, view)

	s, err := reg.Attach(ctxT(t), 1, []string{"NODE  /  1", "  2", "  3", "SHELL /  4", "  5", "  6"})
	require.NoError(t, err)
	f := sp.next(t)
	f.edit(t)
	f.reply(t, &protocol.Classification{Generation: 1, Full: true, Blocks: []classify.Block{
		{Start: 0, End: 3, Kind: classify.KindKeyword, Label: "NODE"},
		{Start: 3, End: 6, Kind: classify.KindKeyword, Label: "SHELL"},
	}})
	require.NoError(t, s.WaitIdle(ctxT(t)))

	snap, err := s.Snapshot(ctxT(t))
	require.NoError(t, err)
	require.Len(t, snap.Folds, 2)
	require.Len(t, snap.Nested, 1)
	assert.Equal(t, classify.Range{Start: 0, End: 6}, snap.Nested[0].Lines())
	assert.Equal(t, 2, snap.Nested[0].Level)

	pushed := view.Folds(1)
	require.Len(t, pushed, 3)
	assert.Equal(t, snap.Folds, pushed[:2])
	assert.Equal(t, snap.Nested, pushed[2:])

	text, err := s.Foldtext(ctxT(t), 4)
	require.NoError(t, err)
	assert.Equal(t, "keyword SHELL (3 lines)", text, "foldtext names the innermost fold")
}
