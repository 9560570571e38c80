package nvimhost

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/neovim/go-client/nvim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/deckfold/internal/analyzer"
	"github.com/dshills/deckfold/internal/highlight"
	"github.com/dshills/deckfold/internal/session"
)

type luaCall struct {
	code string
	args []any
}

// fakeClient records what the host asks of Neovim.
type fakeClient struct {
	mu        sync.Mutex
	lines     map[nvim.Buffer][]string
	attached  map[nvim.Buffer]bool
	calls     []luaCall
	attachErr error
}

func newFakeClient() *fakeClient {
	return &fakeClient{lines: make(map[nvim.Buffer][]string), attached: make(map[nvim.Buffer]bool)}
}

func (c *fakeClient) BufferLines(buf nvim.Buffer, _, _ int, _ bool) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lines, ok := c.lines[buf]
	if !ok {
		return nil, errors.New("Invalid buffer id")
	}
	out := make([][]byte, len(lines))
	for i, l := range lines {
		out[i] = []byte(l)
	}
	return out, nil
}

func (c *fakeClient) AttachBuffer(buf nvim.Buffer, _ bool, _ map[string]any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attachErr != nil {
		return false, c.attachErr
	}
	c.attached[buf] = true
	return true, nil
}

func (c *fakeClient) DetachBuffer(buf nvim.Buffer) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.attached, buf)
	return true, nil
}

func (c *fakeClient) ExecLua(code string, result any, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, luaCall{code: code, args: args})
	if ns, ok := result.(*int); ok && code == luaNamespace {
		*ns = 11
	}
	return nil
}

func (c *fakeClient) callsOf(code string) []luaCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []luaCall
	for _, call := range c.calls {
		if call.code == code {
			out = append(out, call)
		}
	}
	return out
}

func (c *fakeClient) isAttached(buf nvim.Buffer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached[buf]
}

func deck() []string {
	return []string{
		"$ title",
		"$ units",
		"$ ----",
		"NODE  /        1",
		"         2",
		"         3",
		"         4",
		"         5",
		"         6",
		"         7",
		"&        8",
	}
}

func locate(session.AnalyzerConfig) (session.Binary, error) {
	return session.Binary{Path: analyzer.Name}, nil
}

func newTestHost(t *testing.T) (*Host, *fakeClient, *View, *session.Registry) {
	t.Helper()
	client := newFakeClient()
	client.lines[3] = deck()

	view := NewView(client, 7, nil, nil)
	cfg := session.DefaultConfig()
	cfg.Debounce = 5 * time.Millisecond
	reg, err := session.NewRegistry(cfg, view,
		session.WithSpawner(analyzer.NewInProcess()), session.WithLocator(locate))
	require.NoError(t, err)
	t.Cleanup(func() {
		reg.DetachAll(context.Background())
		view.Close()
	})
	return NewHost(client, reg, nil), client, view, reg
}

func highlightAt(start, end int, group string) highlight.Region {
	return highlight.Region{Start: start, End: end, Group: highlight.Group(group)}
}

func waitIdle(t *testing.T, reg *session.Registry, buf int) *session.Session {
	t.Helper()
	s, err := reg.Get(session.BufferID(buf))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.WaitIdle(ctx))
	return s
}

func TestHost_AttachRendersFolds(t *testing.T) {
	h, client, view, reg := newTestHost(t)

	id, err := h.Attach(3)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.True(t, client.isAttached(3))

	waitIdle(t, reg, 3)
	view.Flush()

	calls := client.callsOf(luaSetFolds)
	require.NotEmpty(t, calls)
	last := calls[len(calls)-1]
	assert.Equal(t, 3, last.args[0])
	assert.Equal(t, [][2]int{{0, 3}, {3, 11}}, last.args[1])
	assert.Equal(t, []string{"comment (3 lines)", "keyword NODE (8 lines)"}, last.args[2])

	assert.NotEmpty(t, client.callsOf(luaSetHighlights))

	again, err := h.Attach(3)
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestHost_AttachErrors(t *testing.T) {
	h, client, _, reg := newTestHost(t)

	_, err := h.Attach(99)
	assert.Error(t, err)

	client.attachErr = errors.New("no such buffer")
	_, err = h.Attach(3)
	assert.Error(t, err)
	assert.Zero(t, reg.Len())
}

func TestHost_LinesEventEditsSession(t *testing.T) {
	h, _, _, reg := newTestHost(t)
	_, err := h.Attach(3)
	require.NoError(t, err)
	waitIdle(t, reg, 3)

	// Insert a comment line at the top: lines [0,0) become one line.
	h.OnLines([]any{nvim.Buffer(3), int64(5), int64(0), int64(0), []any{"$ new"}, false})

	s := waitIdle(t, reg, 3)
	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Lines, 12)
	require.NotEmpty(t, snap.Folds)
	assert.Equal(t, 0, snap.Folds[0].Start)
	assert.Equal(t, 4, snap.Folds[0].End)

	n, err := h.UpdateFolds(3)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	text, err := h.Foldtext(3, 1)
	require.NoError(t, err)
	assert.Equal(t, "comment (4 lines)", text)

	out, err := h.PrintFolds(3)
	require.NoError(t, err)
	assert.Contains(t, out, "keyword NODE")
}

func TestHost_RefreshAndHighlightArguments(t *testing.T) {
	h, _, _, reg := newTestHost(t)
	_, err := h.Attach(3)
	require.NoError(t, err)
	waitIdle(t, reg, 3)

	n, err := h.RefreshFolds(3, []any{int64(2), int64(5)})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = h.RefreshFolds(3, []any{int64(5), int64(2)})
	assert.Error(t, err)
	_, err = h.RefreshFolds(3, []any{"x", int64(2)})
	assert.Error(t, err)
	_, err = h.RefreshFolds(4, []any{int64(1), int64(2)})
	assert.ErrorIs(t, err, session.ErrNotAttached)

	require.NoError(t, h.HighlightRegion(3, []any{int64(5), int64(6), "DeckfoldComment"}))
	assert.Error(t, h.HighlightRegion(3, []any{int64(5), int64(6)}))
	assert.Error(t, h.HighlightRegion(3, []any{int64(0), int64(6), "DeckfoldComment"}))

	s, err := reg.Get(3)
	require.NoError(t, err)
	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Contains(t, snap.Highlights, highlightAt(4, 6, "DeckfoldComment"))
}

func TestHost_DetachEvents(t *testing.T) {
	h, client, view, reg := newTestHost(t)
	_, err := h.Attach(3)
	require.NoError(t, err)
	waitIdle(t, reg, 3)

	h.OnDetach([]any{nvim.Buffer(3)})
	assert.Zero(t, reg.Len())
	view.Flush()
	assert.NotEmpty(t, client.callsOf(luaClear))

	_, err = h.PrintStderr(3)
	assert.ErrorIs(t, err, session.ErrNotAttached)

	_, err = h.Attach(3)
	require.NoError(t, err)
	h.DetachAll()
	assert.Zero(t, reg.Len())
	assert.False(t, client.isAttached(3))
}
