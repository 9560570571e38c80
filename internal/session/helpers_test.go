package session_test

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dshills/deckfold/internal/classify"
	"github.com/dshills/deckfold/internal/diagnostics"
	"github.com/dshills/deckfold/internal/fold"
	"github.com/dshills/deckfold/internal/highlight"
	"github.com/dshills/deckfold/internal/protocol"
	"github.com/dshills/deckfold/internal/session"
)

const wait = 3 * time.Second

// deck has comment lines [0,3), data [3,10) and a continuation at 10.
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

func deckBlocks() []classify.Block {
	return []classify.Block{
		{Start: 0, End: 3, Kind: classify.KindComment},
		{Start: 3, End: 10, Kind: classify.KindData},
		{Start: 10, End: 11, Kind: classify.KindContinuation},
	}
}

func testConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.Debounce = 5 * time.Millisecond
	cfg.GracePeriod = time.Second
	return cfg
}

func staticLocator(session.AnalyzerConfig) (session.Binary, error) {
	return session.Binary{Path: "deckfold-analyzer"}, nil
}

// recView records what sessions push to the editor.
type recView struct {
	mu         sync.Mutex
	folds      map[session.BufferID][]fold.Range
	foldCalls  int
	highlights []highlight.Delta
	cleared    []session.BufferID
	notices    []string
}

func newRecView() *recView {
	return &recView{folds: make(map[session.BufferID][]fold.Range)}
}

func (v *recView) SetFolds(buf session.BufferID, folds []fold.Range) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.folds[buf] = folds
	v.foldCalls++
}

func (v *recView) SetHighlights(_ session.BufferID, d highlight.Delta) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.highlights = append(v.highlights, d)
}

func (v *recView) ClearDecorations(buf session.BufferID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cleared = append(v.cleared, buf)
	delete(v.folds, buf)
}

func (v *recView) Notify(_ session.BufferID, msg string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.notices = append(v.notices, msg)
}

func (v *recView) Folds(buf session.BufferID) []fold.Range {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.folds[buf]
}

func (v *recView) Notices() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.notices...)
}

func (v *recView) Cleared() []session.BufferID {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]session.BufferID(nil), v.cleared...)
}

// scripted is a spawner whose analyzers are driven by the test.
type scripted struct {
	codec protocol.Codec
	fars  chan *far
	err   error
}

func newScripted() *scripted {
	return &scripted{codec: protocol.Msgpack, fars: make(chan *far, 8)}
}

func (s *scripted) Spawn(ctx context.Context, _ string, _ session.Binary) (session.Conn, error) {
	if s.err != nil {
		return nil, s.err
	}
	c := newPipeConn()
	f := &far{
		conn:  c,
		tr:    protocol.NewTransport(s.codec, c.stdinR, c.stdoutW, c.stdoutW),
		edits: make(chan *protocol.Edit, 16),
	}
	go func() {
		_ = f.tr.Run(context.Background(), func(m protocol.Message) {
			if e, ok := m.(*protocol.Edit); ok {
				f.edits <- e
			}
		}, nil)
		c.exit(0)
	}()
	s.fars <- f
	return c, nil
}

func (s *scripted) next(t *testing.T) *far {
	t.Helper()
	select {
	case f := <-s.fars:
		return f
	case <-time.After(wait):
		t.Fatal("no analyzer spawned")
		return nil
	}
}

// far is the analyzer end of a scripted connection.
type far struct {
	conn  *pipeConn
	tr    *protocol.Transport
	edits chan *protocol.Edit
}

func (f *far) edit(t *testing.T) *protocol.Edit {
	t.Helper()
	select {
	case e := <-f.edits:
		return e
	case <-time.After(wait):
		t.Fatal("no edit received")
		return nil
	}
}

func (f *far) reply(t *testing.T, c *protocol.Classification) {
	t.Helper()
	require.NoError(t, f.tr.Send(c))
}

// pipeConn is a session.Conn over in-memory pipes.
type pipeConn struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	stopping atomic.Bool
	once     sync.Once
	done     chan struct{}
	mu       sync.Mutex
	status   diagnostics.Exit
}

func newPipeConn() *pipeConn {
	c := &pipeConn{done: make(chan struct{})}
	c.stdinR, c.stdinW = io.Pipe()
	c.stdoutR, c.stdoutW = io.Pipe()
	c.stderrR, c.stderrW = io.Pipe()
	return c
}

// exit ends the fake process.
func (c *pipeConn) exit(code int) {
	c.once.Do(func() {
		c.mu.Lock()
		c.status = diagnostics.Exit{Code: code, Expected: c.stopping.Load()}
		c.mu.Unlock()
		_ = c.stdoutW.Close()
		_ = c.stderrW.Close()
		_ = c.stdinR.CloseWithError(io.ErrClosedPipe)
		close(c.done)
	})
}

func (c *pipeConn) Stdin() io.WriteCloser { return c.stdinW }
func (c *pipeConn) Stdout() io.Reader     { return c.stdoutR }
func (c *pipeConn) Stderr() io.Reader     { return c.stderrR }
func (c *pipeConn) Done() <-chan struct{} { return c.done }
func (c *pipeConn) PID() int              { return 4242 }

func (c *pipeConn) Exit() diagnostics.Exit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *pipeConn) Terminate(context.Context, time.Duration) error {
	c.stopping.Store(true)
	_ = c.stdinW.Close()
	c.exit(0)
	return nil
}

func (c *pipeConn) Close() error {
	_ = c.stdoutR.Close()
	_ = c.stderrR.Close()
	return nil
}

// newScriptedRegistry returns a registry whose analyzers are driven by the
// test through the returned spawner.
func newScriptedRegistry(t *testing.T, view session.View) (*session.Registry, *scripted) {
	t.Helper()
	sp := newScripted()
	reg, err := session.NewRegistry(testConfig(), view, session.WithSpawner(sp), session.WithLocator(staticLocator))
	require.NoError(t, err)
	t.Cleanup(func() { reg.DetachAll(context.Background()) })
	return reg, sp
}

// attachScripted attaches deck() and answers generation 1 with deckBlocks.
func attachScripted(t *testing.T, view session.View) (*session.Registry, *session.Session, *far) {
	t.Helper()
	reg, sp := newScriptedRegistry(t, view)

	s, err := reg.Attach(context.Background(), 1, deck())
	require.NoError(t, err)
	f := sp.next(t)

	e := f.edit(t)
	require.True(t, e.Full())
	require.Equal(t, uint64(1), e.Generation)
	f.reply(t, &protocol.Classification{Generation: 1, Full: true, Blocks: deckBlocks()})

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	require.NoError(t, s.WaitIdle(ctx))
	return reg, s, f
}

// silentSpawner starts analyzers that never read their input, so every write
// to them blocks.
type silentSpawner struct{}

func (silentSpawner) Spawn(context.Context, string, session.Binary) (session.Conn, error) {
	return newPipeConn(), nil
}

// gatedSpawner holds the spawn of buffer 1 until gate is closed.
type gatedSpawner struct {
	*scripted
	entered chan struct{}
	gate    chan struct{}
	spawns  atomic.Int32
}

func newGatedSpawner() *gatedSpawner {
	return &gatedSpawner{scripted: newScripted(), entered: make(chan struct{}, 4), gate: make(chan struct{})}
}

func (g *gatedSpawner) Spawn(ctx context.Context, name string, bin session.Binary) (session.Conn, error) {
	g.spawns.Add(1)
	if name == "analyzer[1]" {
		g.entered <- struct{}{}
		<-g.gate
	}
	return g.scripted.Spawn(ctx, name, bin)
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	t.Cleanup(cancel)
	return ctx
}
