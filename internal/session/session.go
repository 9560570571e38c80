package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/deckfold/internal/classify"
	"github.com/dshills/deckfold/internal/diagnostics"
	"github.com/dshills/deckfold/internal/fold"
	"github.com/dshills/deckfold/internal/highlight"
	"github.com/dshills/deckfold/internal/logging"
	"github.com/dshills/deckfold/internal/metrics"
	"github.com/dshills/deckfold/internal/protocol"
)

// State is the lifecycle state of a session.
type State int32

const (
	// StateActive means the analyzer is running and edits are forwarded.
	StateActive State = iota
	// StateDegraded means the analyzer died. Decorations are frozen until
	// the buffer is attached again.
	StateDegraded
	// StateDetached means the session has been released.
	StateDetached
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateDetached:
		return "detached"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// inboxSize bounds the requests and events waiting for the actor.
const inboxSize = 256

// stderrWait bounds how long an exit waits for the last stderr output.
const stderrWait = 200 * time.Millisecond

// Session synchronizes one buffer with its analyzer. All state is owned by a
// single goroutine; exported methods post to it and wait for the result.
type Session struct {
	id     string
	buf    BufferID
	cfg    Config
	conn   Conn
	tr     *protocol.Transport
	view   View
	format fold.Formatter
	logger *logging.Logger
	met    *metrics.Metrics
	sink   *diagnostics.Sink

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan func()
	outbox chan protocol.Message
	done   chan struct{} // closed when the actor exits
	io     sync.WaitGroup
	stderr chan struct{} // closed when stderr reaches EOF

	state      atomic.Int32
	generation atomic.Uint64
	stale      atomic.Int64
	invalid    atomic.Int64
	decodeErrs atomic.Int64
	closeOnce  sync.Once
	closeErr   error

	// owned by the actor
	lines    []string
	sent     []string
	pending  bool
	store    *classify.Store
	folds    *fold.Engine
	hl       *highlight.Namespace
	debounce *debouncer
	waiters  []chan error
	analyzer string
}

// newSession starts the goroutines of a session over conn and queues the
// whole buffer as generation 1.
func newSession(buf BufferID, lines []string, conn Conn, cfg Config, view View, opts options) (*Session, error) {
	codec, err := protocol.Lookup(cfg.Analyzer.Codec)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	logger := opts.logger.With(zap.Int("buffer", int(buf)), zap.String("session", id[:8]))
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:     id,
		buf:    buf,
		cfg:    cfg,
		conn:   conn,
		tr:     protocol.NewTransport(codec, conn.Stdout(), conn.Stdin(), nil),
		view:   view,
		format: opts.formatter,
		logger: logger,
		met:    opts.metrics,
		ctx:    ctx,
		cancel: cancel,
		inbox:  make(chan func(), inboxSize),
		outbox: make(chan protocol.Message, cfg.Outbox),
		done:   make(chan struct{}),
		stderr: make(chan struct{}),
		store:  classify.NewStore(),
		folds:  fold.NewEngine(),
		hl:     highlight.NewNamespace(),
	}
	s.sink = diagnostics.New(cfg.Diagnostics, fmt.Sprintf("deckfold[%d]", buf), s.notify, logger)
	s.debounce = newDebouncer(cfg.Debounce, func() { s.post(s.flush) })
	s.state.Store(int32(StateActive))

	s.lines = slices.Clone(lines)
	s.sent = slices.Clone(lines)
	s.generation.Store(1)
	s.store.Invalidate(0, 0, len(lines))
	s.outbox <- fullEdit(1, lines)

	s.io.Add(3)
	go s.run()
	go s.write()
	go s.read()
	go s.readStderr()
	go s.watchExit()
	return s, nil
}

// ID returns the session UUID.
func (s *Session) ID() string { return s.id }

// Buffer returns the buffer the session serves.
func (s *Session) Buffer() BufferID { return s.buf }

// State returns the current state.
func (s *Session) State() State { return State(s.state.Load()) }

// Generation returns the current edit generation.
func (s *Session) Generation() uint64 { return s.generation.Load() }

// Healthy reports whether the analyzer is running and the session active.
func (s *Session) Healthy() bool {
	if s.State() != StateActive {
		return false
	}
	select {
	case <-s.conn.Done():
		return false
	default:
		return true
	}
}

// run is the actor loop.
func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.inbox:
			s.guard(fn)
		case <-s.ctx.Done():
			return
		}
	}
}

// guard runs fn and logs a panic instead of killing the host.
func (s *Session) guard(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in session", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

// post hands fn to the actor. It gives up once the session is closed.
func (s *Session) post(fn func()) {
	select {
	case s.inbox <- fn:
	case <-s.ctx.Done():
	}
}

// call runs fn on the actor and waits for it.
func (s *Session) call(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	select {
	case s.inbox <- func() { defer close(ran); fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrSessionClosed
	}
	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

// write drains the outbox into the analyzer.
func (s *Session) write() {
	defer s.io.Done()
	for {
		select {
		case m := <-s.outbox:
			if err := s.tr.Send(m); err != nil {
				if !errors.Is(err, protocol.ErrClosed) {
					s.logger.Warn("write to analyzer failed", zap.Error(err))
				}
				continue
			}
			s.met.MessageSent()
		case <-s.ctx.Done():
			return
		}
	}
}

// read decodes replies until the analyzer's stdout ends.
func (s *Session) read() {
	defer s.io.Done()
	err := s.tr.Run(s.ctx, func(m protocol.Message) {
		s.post(func() { s.handle(m) })
	}, func(err error) {
		s.post(func() { s.decodeError(err) })
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("analyzer read loop ended", zap.Error(err))
	}
}

// readStderr forwards stderr chunks until EOF.
func (s *Session) readStderr() {
	defer s.io.Done()
	defer close(s.stderr)
	buf := make([]byte, 4096)
	for {
		n, err := s.conn.Stderr().Read(buf)
		if n > 0 {
			s.OnStderr(slices.Clone(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

// watchExit reports the analyzer exit once its last stderr has been seen.
func (s *Session) watchExit() {
	select {
	case <-s.conn.Done():
	case <-s.ctx.Done():
		return
	}
	timer := time.NewTimer(stderrWait)
	defer timer.Stop()
	select {
	case <-s.stderr:
	case <-timer.C:
	}
	s.OnExit(s.conn.Exit())
}

// OnStderr records a chunk of analyzer stderr.
func (s *Session) OnStderr(chunk []byte) {
	s.post(func() { s.sink.OnStderr(chunk) })
}

// OnExit records the analyzer exit. Only the first exit counts. An
// unexpected exit degrades the session; an exit after Detach is ignored.
func (s *Session) OnExit(e diagnostics.Exit) {
	s.post(func() { s.exit(e) })
}

func (s *Session) exit(e diagnostics.Exit) {
	if s.State() == StateDetached {
		return
	}
	s.sink.Flush()
	if !s.sink.OnExit(e) {
		return
	}
	s.met.ProcessExit(e.Expected)
	if e.Expected {
		return
	}
	s.state.Store(int32(StateDegraded))
	s.debounce.cancel()
	s.release(fmt.Errorf("%w: %s", ErrProcessCrashed, e))
}

// notify is the sink's notifier. It runs on the actor.
func (s *Session) notify(msg string) {
	s.view.Notify(s.buf, msg)
}

// release wakes every WaitIdle caller with err.
func (s *Session) release(err error) {
	for _, w := range s.waiters {
		w <- err
	}
	s.waiters = nil
}

// idle reports whether the store reflects the current text.
func (s *Session) idle() bool {
	return !s.pending && !s.debounce.pending() &&
		s.store.Generation() == s.Generation() && len(s.store.Stale()) == 0
}

// Edit records that old lines [start, oldEnd) of the buffer were replaced by
// lines. Folds and highlights move with the text at once; the analyzer hears
// about it after the debounce period.
func (s *Session) Edit(ctx context.Context, start, oldEnd int, lines []string) error {
	var err error
	if cerr := s.call(ctx, func() { err = s.edit(start, oldEnd, lines) }); cerr != nil {
		return cerr
	}
	return err
}

func (s *Session) edit(start, oldEnd int, lines []string) error {
	if s.State() == StateDetached {
		return ErrSessionClosed
	}
	if start < 0 || oldEnd < start || oldEnd > len(s.lines) {
		return fmt.Errorf("edit [%d,%d) outside buffer of %d lines", start, oldEnd, len(s.lines))
	}
	newEnd := start + len(lines)

	next := make([]string, 0, len(s.lines)-(oldEnd-start)+len(lines))
	next = append(next, s.lines[:start]...)
	next = append(next, lines...)
	next = append(next, s.lines[oldEnd:]...)
	s.lines = next
	s.generation.Add(1)

	stale := s.store.Invalidate(start, oldEnd, newEnd)
	s.folds.Edit(start, oldEnd, newEnd, s.store.Stale())
	s.hl.Shift(start, oldEnd, newEnd)
	s.folds.Refresh(s.store, stale)
	s.view.SetFolds(s.buf, s.folds.Display())

	if s.State() == StateActive {
		s.pending = true
		s.debounce.call()
	}
	return nil
}

// flush sends the coalesced edit. A full outbox is retried after another
// quiet period.
func (s *Session) flush() {
	if !s.pending || s.State() != StateActive {
		return
	}
	e := coalesce(s.Generation(), s.sent, s.lines, s.store.Stale())
	select {
	case s.outbox <- e:
		s.sent = slices.Clone(s.lines)
		s.pending = false
		s.logger.Debug("edit queued",
			zap.Uint64("generation", e.Generation),
			zap.Int("start", e.Start), zap.Int("end", e.End),
			zap.Int("lines", len(e.Lines)), zap.Stringer("dirty", e.Dirty))
	default:
		s.logger.Debug("outbox full, retrying")
		s.debounce.call()
	}
}

// handle applies one decoded message.
func (s *Session) handle(m protocol.Message) {
	if s.State() == StateDetached {
		return
	}
	switch m := m.(type) {
	case *protocol.Hello:
		s.analyzer = m.Name
		if m.Version != protocol.Version {
			s.logger.Warn("analyzer speaks another protocol version",
				zap.String("analyzer", m.Name), zap.Int("version", m.Version))
			return
		}
		s.logger.Info("analyzer ready", zap.String("analyzer", m.Name))
	case *protocol.Classification:
		if err := s.classify(m); err != nil {
			if errors.Is(err, classify.ErrStaleGeneration) {
				s.stale.Add(1)
				s.met.Reply(metrics.ReplyStale)
				s.logger.Debug("reply dropped", zap.Error(err))
				return
			}
			s.invalid.Add(1)
			s.met.Reply(metrics.ReplyInvalid)
			s.logger.Warn("reply rejected", zap.Error(err))
			return
		}
		s.met.Reply(metrics.ReplyApplied)
	default:
		s.logger.Warn("unexpected message from analyzer", zap.String("type", string(m.MessageType())))
	}
}

// classify applies a classification reply and pushes the fold and highlight
// changes it causes in one pass.
func (s *Session) classify(m *protocol.Classification) error {
	gen := s.Generation()
	switch {
	case m.Generation < gen:
		return fmt.Errorf("%w: reply %d, current %d", classify.ErrStaleGeneration, m.Generation, gen)
	case m.Generation > gen:
		return fmt.Errorf("reply generation %d is ahead of %d", m.Generation, gen)
	}

	p := m.Patch()
	if end := p.Covered().End; end > len(s.lines) {
		return fmt.Errorf("reply covers line %d of a %d line buffer", end, len(s.lines))
	}

	started := time.Now()
	if err := s.store.Apply(p); err != nil {
		return err
	}

	var delta highlight.Delta
	if p.Full {
		s.folds.Update(s.store)
		all := classify.Range{Start: 0, End: len(s.lines)}
		delta = s.hl.Replace(all, highlight.Regions(s.store.Blocks()))
	} else {
		s.folds.Refresh(s.store, p.Range)
		delta = s.hl.Replace(p.Range, highlight.Regions(s.store.Query(p.Range)))
	}
	s.met.ObserveRefresh(time.Since(started))

	s.view.SetFolds(s.buf, s.folds.Display())
	if !delta.Empty() {
		s.view.SetHighlights(s.buf, delta)
	}
	if s.idle() {
		s.release(nil)
	}
	return nil
}

func (s *Session) decodeError(err error) {
	s.decodeErrs.Add(1)
	s.met.DecodeError()
	s.logger.Warn("malformed frame from analyzer", zap.Error(err))
}

// WaitIdle blocks until the analyzer has classified the current text. It
// fails with ErrProcessCrashed when the analyzer dies first.
func (s *Session) WaitIdle(ctx context.Context) error {
	w := make(chan error, 1)
	if err := s.call(ctx, func() {
		switch {
		case s.State() == StateDegraded:
			w <- ErrProcessCrashed
		case s.idle():
			w <- nil
		default:
			s.waiters = append(s.waiters, w)
		}
	}); err != nil {
		return err
	}
	select {
	case err := <-w:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

// UpdateFolds recomputes every fold from the store and pushes them.
func (s *Session) UpdateFolds(ctx context.Context) ([]fold.Range, error) {
	var out []fold.Range
	err := s.call(ctx, func() {
		out = s.folds.Update(s.store)
		s.view.SetFolds(s.buf, s.folds.Display())
	})
	return out, err
}

// RefreshFolds recomputes the folds around r and pushes them.
func (s *Session) RefreshFolds(ctx context.Context, r classify.Range) ([]fold.Range, error) {
	var out []fold.Range
	err := s.call(ctx, func() {
		out = s.folds.Refresh(s.store, r)
		s.view.SetFolds(s.buf, s.folds.Display())
	})
	return out, err
}

// Folds returns the displayed folds.
func (s *Session) Folds(ctx context.Context) ([]fold.Range, error) {
	var out []fold.Range
	err := s.call(ctx, func() { out = s.folds.Folds() })
	return out, err
}

// Foldtext returns the summary of the fold containing line.
func (s *Session) Foldtext(ctx context.Context, line int) (string, error) {
	var text string
	var found bool
	err := s.call(ctx, func() {
		for _, f := range s.folds.Folds() {
			if f.Lines().Contains(line) {
				text, found = fold.TextWith(s.format, f), true
				return
			}
		}
	})
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("%w %d", ErrNoFold, line)
	}
	return text, nil
}

// PrintFolds dumps the displayed folds.
func (s *Session) PrintFolds(ctx context.Context) (string, error) {
	var out string
	err := s.call(ctx, func() { out = fold.Print(s.folds.Folds(), s.format) })
	return out, err
}

// HighlightRegion highlights one region and pushes the change.
func (s *Session) HighlightRegion(ctx context.Context, r highlight.Region) (highlight.Delta, error) {
	var delta highlight.Delta
	err := s.call(ctx, func() {
		delta = s.hl.Apply(r)
		if !delta.Empty() {
			s.view.SetHighlights(s.buf, delta)
		}
	})
	return delta, err
}

// PrintStderr dumps the analyzer's stderr and session status.
func (s *Session) PrintStderr() string {
	st := s.Stats()
	var sb strings.Builder
	fmt.Fprintf(&sb, "session %s buffer %d: %s, generation %d, pid %d\n", st.ID, st.Buffer, st.State, st.Generation, st.PID)
	fmt.Fprintf(&sb, "sent %d, decoded %d, stale %d, invalid %d, malformed %d\n",
		st.Sent, st.Decoded, st.StaleReplies, st.InvalidReplies, st.DecodeErrors)
	sb.WriteString(s.sink.Print())
	return sb.String()
}

// StderrLines returns the retained stderr lines of the analyzer, oldest
// first.
func (s *Session) StderrLines() []string {
	return s.sink.Lines()
}

// Snapshot is a consistent copy of the derived state.
type Snapshot struct {
	Generation uint64             `json:"generation" yaml:"generation"`
	Lines      []string           `json:"-" yaml:"-"`
	Blocks     []classify.Block   `json:"blocks" yaml:"blocks"`
	Stale      []classify.Range   `json:"stale,omitempty" yaml:"stale,omitempty"`
	Folds      []fold.Range       `json:"folds" yaml:"folds"`
	Nested     []fold.Range       `json:"nested,omitempty" yaml:"nested,omitempty"`
	Highlights []highlight.Region `json:"highlights" yaml:"highlights"`
}

// Snapshot copies the session state.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.call(ctx, func() {
		snap = Snapshot{
			Generation: s.Generation(),
			Lines:      slices.Clone(s.lines),
			Blocks:     s.store.Blocks(),
			Stale:      s.store.Stale(),
			Folds:      s.folds.Folds(),
			Nested:     s.folds.Nested(),
			Highlights: s.hl.Regions(),
		}
	})
	return snap, err
}

// Stats describes a session.
type Stats struct {
	ID             string
	Buffer         BufferID
	State          State
	Generation     uint64
	PID            int
	Sent           int64
	Decoded        int64
	StaleReplies   int64
	InvalidReplies int64
	DecodeErrors   int64
}

// Stats returns counters without waiting for the actor.
func (s *Session) Stats() Stats {
	sent, decoded := s.tr.Stats()
	return Stats{
		ID:             s.id,
		Buffer:         s.buf,
		State:          s.State(),
		Generation:     s.Generation(),
		PID:            s.conn.PID(),
		Sent:           sent,
		Decoded:        decoded,
		StaleReplies:   s.stale.Load(),
		InvalidReplies: s.invalid.Load(),
		DecodeErrors:   s.decodeErrs.Load(),
	}
}

// setDebounce changes the quiet period of later edits.
func (s *Session) setDebounce(d time.Duration) {
	s.debounce.setDelay(d)
}

// shutdownWait bounds how long close waits to hand the analyzer a shutdown
// message before terminating it.
const shutdownWait = 250 * time.Millisecond

// close detaches the session: decorations are cleared, the analyzer is asked
// to shut down and then terminated, and every goroutine is stopped. No
// callback touches the session once close returns.
func (s *Session) close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		var cleared atomic.Bool
		err := s.call(ctx, func() {
			s.state.Store(int32(StateDetached))
			s.debounce.cancel()
			s.view.ClearDecorations(s.buf)
			cleared.Store(true)
			s.release(ErrSessionClosed)
		})
		if err != nil && !errors.Is(err, ErrSessionClosed) {
			s.logger.Warn("detach: session did not respond", zap.Error(err))
			s.state.Store(int32(StateDetached))
		}

		// The writer may be stuck on an analyzer that stopped reading, so the
		// shutdown message gets a bounded wait and Terminate unblocks it.
		sent := make(chan struct{})
		go func() {
			defer close(sent)
			if err := s.tr.Send(&protocol.Shutdown{Reason: "detach"}); err != nil && !errors.Is(err, protocol.ErrClosed) {
				s.logger.Debug("shutdown message not sent", zap.Error(err))
			}
		}()
		select {
		case <-sent:
		case <-time.After(shutdownWait):
		case <-ctx.Done():
		}
		termErr := s.conn.Terminate(ctx, s.cfg.GracePeriod)

		s.cancel()
		<-s.done
		if !cleared.Load() {
			s.view.ClearDecorations(s.buf)
		}
		s.debounce.cancel()
		s.closeErr = errors.Join(termErr, s.tr.Close(), s.conn.Close())
		<-sent
		s.io.Wait()
		s.logger.Debug("session closed")
	})
	return s.closeErr
}
