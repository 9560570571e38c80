package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/deckfold/internal/fold"
	"github.com/dshills/deckfold/internal/logging"
	"github.com/dshills/deckfold/internal/metrics"
)

// detachFanOut bounds concurrent detaches in DetachAll.
const detachFanOut = 8

type options struct {
	spawner   Spawner
	locate    func(AnalyzerConfig) (Binary, error)
	logger    *logging.Logger
	metrics   *metrics.Metrics
	formatter fold.Formatter
}

// Option configures a Registry.
type Option func(*options)

// WithSpawner sets how analyzers are started.
func WithSpawner(sp Spawner) Option {
	return func(o *options) { o.spawner = sp }
}

// WithLocator replaces LocateBinary.
func WithLocator(fn func(AnalyzerConfig) (Binary, error)) Option {
	return func(o *options) { o.locate = fn }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithFormatter sets the fold text formatter.
func WithFormatter(f fold.Formatter) Option {
	return func(o *options) { o.formatter = f }
}

// Registry maps buffers to their sessions. It is safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	sessions  map[BufferID]*Session
	attaching map[BufferID]chan struct{} // closed when the attach finishes
	cfg       Config
	view      View
	opts      options
}

// NewRegistry creates an empty registry. Without WithSpawner, Attach fails
// with ErrSpawnFailed.
func NewRegistry(cfg Config, view View, opts ...Option) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if view == nil {
		view = NopView{}
	}
	o := options{locate: LocateBinary}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.Nop()
	}
	o.logger = o.logger.WithComponent("session")
	return &Registry{
		sessions:  make(map[BufferID]*Session),
		attaching: make(map[BufferID]chan struct{}),
		cfg:       cfg,
		view:      view,
		opts:      o,
	}, nil
}

// Attach starts a session for buf with the given contents. Attaching an
// active buffer returns its session unchanged. Attaching a degraded buffer
// replaces its session with a fresh one. The analyzer is spawned without
// holding the registry lock; a second Attach of the same buffer waits for the
// first.
func (r *Registry) Attach(ctx context.Context, buf BufferID, lines []string) (*Session, error) {
	for {
		r.mu.Lock()
		if pending, ok := r.attaching[buf]; ok {
			r.mu.Unlock()
			select {
			case <-pending:
				continue
			case <-ctx.Done():
				return nil, &AttachError{Buffer: buf, Err: ctx.Err()}
			}
		}
		old, ok := r.sessions[buf]
		if ok && old.State() == StateActive {
			r.mu.Unlock()
			return old, nil
		}
		delete(r.sessions, buf)
		cfg := r.cfg
		pending := make(chan struct{})
		r.attaching[buf] = pending
		r.mu.Unlock()

		s, err := r.start(ctx, buf, lines, cfg, old)

		r.mu.Lock()
		delete(r.attaching, buf)
		if err == nil {
			r.sessions[buf] = s
		}
		r.mu.Unlock()
		close(pending)
		return s, err
	}
}

// start releases a degraded predecessor and spawns the session of buf.
func (r *Registry) start(ctx context.Context, buf BufferID, lines []string, cfg Config, old *Session) (*Session, error) {
	if old != nil {
		r.opts.logger.Info("replacing degraded session", zap.Int("buffer", int(buf)))
		_ = r.release(ctx, old)
	}

	bin, err := r.opts.locate(cfg.Analyzer)
	if err != nil {
		if !errors.Is(err, ErrBinaryNotFound) {
			err = fmt.Errorf("%w: %w", ErrBinaryNotFound, err)
		}
		return nil, &AttachError{Buffer: buf, Err: err}
	}
	if r.opts.spawner == nil {
		return nil, &AttachError{Buffer: buf, Err: fmt.Errorf("%w: no spawner configured", ErrSpawnFailed)}
	}
	conn, err := r.opts.spawner.Spawn(ctx, fmt.Sprintf("analyzer[%d]", buf), bin)
	if err != nil {
		return nil, &AttachError{Buffer: buf, Err: fmt.Errorf("%w: %s: %w", ErrSpawnFailed, bin, err)}
	}

	s, err := newSession(buf, lines, conn, cfg, r.view, r.opts)
	if err != nil {
		_ = conn.Terminate(ctx, cfg.GracePeriod)
		_ = conn.Close()
		return nil, &AttachError{Buffer: buf, Err: err}
	}
	r.opts.metrics.SessionAttached()
	r.opts.logger.Info("attached",
		zap.Int("buffer", int(buf)), zap.String("session", s.ID()),
		zap.Stringer("analyzer", bin), zap.Int("pid", conn.PID()))
	return s, nil
}

// Detach releases the session of buf. Detaching an unknown buffer is a no-op.
func (r *Registry) Detach(ctx context.Context, buf BufferID) error {
	r.mu.Lock()
	s, ok := r.sessions[buf]
	delete(r.sessions, buf)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return r.release(ctx, s)
}

// DetachAll releases every session concurrently. Failures are logged, not
// returned.
func (r *Registry) DetachAll(ctx context.Context) {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	clear(r.sessions)
	r.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(detachFanOut)
	for _, s := range all {
		s := s
		g.Go(func() error {
			if err := r.release(ctx, s); err != nil {
				r.opts.logger.Warn("detach failed", zap.Int("buffer", int(s.Buffer())), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Registry) release(ctx context.Context, s *Session) error {
	err := s.close(ctx)
	r.opts.metrics.SessionDetached()
	r.opts.logger.Info("detached", zap.Int("buffer", int(s.Buffer())), zap.String("session", s.ID()))
	return err
}

// Get returns the session of buf.
func (r *Registry) Get(buf BufferID) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[buf]
	if !ok {
		return nil, fmt.Errorf("%w: buffer %d", ErrNotAttached, buf)
	}
	return s, nil
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Stats returns the stats of every session, ordered by buffer.
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	out := make([]Stats, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Stats())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Buffer < out[j].Buffer })
	return out
}

// Reconfigure applies cfg to later sessions and its debounce to the current
// ones.
func (r *Registry) Reconfigure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
	for _, s := range r.sessions {
		s.setDebounce(cfg.Debounce)
	}
	return nil
}
