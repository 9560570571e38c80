package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Supervisor starts analyzer processes and tracks them until they exit.
//
// Supervisor is safe for concurrent use.
type Supervisor struct {
	mu        sync.RWMutex
	processes map[string]*Process
	closed    atomic.Bool

	// maxProcesses limits concurrent processes (0 = unlimited)
	maxProcesses int

	onExit func(p *Process)
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithMaxProcesses sets the maximum number of concurrent processes.
// A value of 0 (default) means unlimited.
func WithMaxProcesses(limit int) Option {
	return func(s *Supervisor) {
		s.maxProcesses = limit
	}
}

// WithExitCallback sets a callback run after a process exits and has been
// removed from the supervisor.
func WithExitCallback(fn func(p *Process)) Option {
	return func(s *Supervisor) {
		s.onExit = fn
	}
}

// NewSupervisor creates a process supervisor.
func NewSupervisor(opts ...Option) *Supervisor {
	s := &Supervisor{
		processes: make(map[string]*Process),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs cmd with stdin, stdout and stderr piped and tracks it under a
// fresh UUID. cmd must not have its stdio configured.
func (s *Supervisor) Start(name string, cmd *exec.Cmd) (*Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return nil, ErrSupervisorShutdown
	}
	if s.maxProcesses > 0 && len(s.processes) >= s.maxProcesses {
		return nil, fmt.Errorf("%w: %d", ErrProcessLimit, s.maxProcesses)
	}
	if cmd.Stdin != nil || cmd.Stdout != nil || cmd.Stderr != nil {
		return nil, fmt.Errorf("start %s: stdio already configured", name)
	}

	proc := newProcess(uuid.New().String(), name, cmd)

	// Unlike cmd.StdoutPipe, these stay readable after Wait returns.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = stdinR, stdoutW, stderrW
	proc.stdin, proc.stdout, proc.stderr = stdinW, stdoutR, stderrR

	err = proc.start()
	// The child holds its own copies of these ends now.
	closeAll(stdinR, stdoutW, stderrW)
	if err != nil {
		closeAll(stdinW, stdoutR, stderrR)
		return nil, err
	}

	s.processes[proc.id] = proc
	go s.monitor(proc)
	return proc, nil
}

// monitor drops a process from tracking once it exits.
func (s *Supervisor) monitor(p *Process) {
	<-p.Done()

	s.mu.Lock()
	delete(s.processes, p.id)
	s.mu.Unlock()

	if s.onExit != nil {
		s.onExit(p)
	}
}

// Get returns the running process with the given id.
func (s *Supervisor) Get(id string) (*Process, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.processes[id]
	return p, ok
}

// List returns all tracked processes.
func (s *Supervisor) List() []*Process {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Process, 0, len(s.processes))
	for _, p := range s.processes {
		out = append(out, p)
	}
	return out
}

// Count returns the number of tracked processes.
func (s *Supervisor) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.processes)
}

// Shutdown stops every tracked process concurrently, each with the given
// grace period, and refuses new starts. It waits until all processes have
// exited or ctx is done.
func (s *Supervisor) Shutdown(ctx context.Context, grace time.Duration) error {
	s.mu.Lock()
	already := s.closed.Swap(true)
	s.mu.Unlock()
	if already {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range s.List() {
		p := p
		g.Go(func() error {
			if err := p.Stop(gctx, grace); err != nil && !errors.Is(err, ErrProcessNotRunning) {
				return fmt.Errorf("stop %s (%s): %w", p.name, p.id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// IsShutdown reports whether Shutdown has been called.
func (s *Supervisor) IsShutdown() bool {
	return s.closed.Load()
}

func closeAll(cs ...io.Closer) {
	for _, c := range cs {
		_ = c.Close()
	}
}

// Supervisor errors.
var (
	// ErrSupervisorShutdown is returned when starting after Shutdown.
	ErrSupervisorShutdown = errors.New("supervisor is shut down")

	// ErrProcessLimit is returned when the process limit is reached.
	ErrProcessLimit = errors.New("process limit reached")
)
