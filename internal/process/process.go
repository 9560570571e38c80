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
	"syscall"
	"time"
)

// State represents the state of an analyzer process.
type State int32

const (
	// StateCreated indicates the process has been created but not started.
	StateCreated State = iota
	// StateRunning indicates the process is currently running.
	StateRunning
	// StateExited indicates the process has exited on its own or with an error.
	StateExited
	// StateKilled indicates the process was killed by a signal.
	StateKilled
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Process is one running analyzer with piped stdio. It is safe for
// concurrent use.
type Process struct {
	id   string
	name string
	cmd  *exec.Cmd

	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	started time.Time
	done    chan struct{}

	state    atomic.Int32
	exitCode atomic.Int32
	stopping atomic.Bool

	mu      sync.RWMutex
	signal  string
	exitErr error

	waitOnce sync.Once
	stopOnce sync.Once
	stopErr  error
}

// newProcess wraps a command that has not been started yet.
func newProcess(id, name string, cmd *exec.Cmd) *Process {
	p := &Process{
		id:   id,
		name: name,
		cmd:  cmd,
		done: make(chan struct{}),
	}
	p.state.Store(int32(StateCreated))
	p.exitCode.Store(-1)
	return p
}

// ID returns the unique identifier of the process.
func (p *Process) ID() string { return p.id }

// Name returns the human-readable name of the process.
func (p *Process) Name() string { return p.name }

// Stdin returns the write end of the process stdin.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Stdout returns the read end of the process stdout.
func (p *Process) Stdout() io.Reader { return p.stdout }

// Stderr returns the read end of the process stderr.
func (p *Process) Stderr() io.Reader { return p.stderr }

// State returns the current process state.
func (p *Process) State() State {
	return State(p.state.Load())
}

// Done returns a channel that is closed when the process exits.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// IsRunning returns true if the process is currently running.
func (p *Process) IsRunning() bool {
	return p.State() == StateRunning
}

// PID returns the process ID, or -1 if not started.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

// ExitStatus returns the exit code and, when the process was killed, the
// signal name. The code is -1 until the process exits.
func (p *Process) ExitStatus() (code int, signal string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return int(p.exitCode.Load()), p.signal
}

// ExitError returns the error from waiting on the process, if any.
func (p *Process) ExitError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitErr
}

// Stopping reports whether Stop was called. An exit after Stop is expected.
func (p *Process) Stopping() bool {
	return p.stopping.Load()
}

// Runtime returns how long the process has been running.
func (p *Process) Runtime() time.Duration {
	if p.started.IsZero() {
		return 0
	}
	return time.Since(p.started)
}

// Signal sends a signal to the process.
func (p *Process) Signal(sig os.Signal) error {
	if !p.IsRunning() || p.cmd.Process == nil {
		return ErrProcessNotRunning
	}
	return p.cmd.Process.Signal(sig)
}

// Stop ends the process: stdin is closed so a well-behaved analyzer exits on
// its own, then SIGTERM is sent, and SIGKILL follows when the process is
// still alive after grace. Stop blocks until the process has exited or ctx is
// done. Calling Stop again returns the first result.
func (p *Process) Stop(ctx context.Context, grace time.Duration) error {
	p.stopOnce.Do(func() {
		p.stopping.Store(true)
		p.stopErr = p.stop(ctx, grace)
	})
	return p.stopErr
}

// maxEOFWait caps how long Stop waits for an exit on EOF before SIGTERM.
const maxEOFWait = time.Second

func (p *Process) stop(ctx context.Context, grace time.Duration) error {
	if p.State() == StateCreated {
		return ErrProcessNotRunning
	}
	if p.stdin != nil {
		_ = p.stdin.Close()
	}
	// Part of the grace period is spent waiting for an exit on EOF.
	eof := min(grace/2, maxEOFWait)
	eofTimer := time.NewTimer(eof)
	defer eofTimer.Stop()
	select {
	case <-p.done:
		return nil
	case <-eofTimer.C:
	case <-ctx.Done():
	}
	grace -= eof

	if err := p.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, ErrProcessNotRunning) && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("terminate %s: %w", p.name, err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	if err := p.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, ErrProcessNotRunning) && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill %s: %w", p.name, err)
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the parent's ends of the stdio pipes. Call it once the
// output has been read to the end.
func (p *Process) Close() error {
	var errs []error
	for _, c := range []io.Closer{p.stdin, p.stdout, p.stderr} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// start starts the process and begins tracking its exit.
func (p *Process) start() error {
	if p.State() != StateCreated {
		return ErrProcessAlreadyStarted
	}
	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.name, err)
	}
	p.started = time.Now()
	p.state.Store(int32(StateRunning))
	go p.waitLoop()
	return nil
}

// waitLoop waits for the process to exit and records how it ended.
func (p *Process) waitLoop() {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()

		exitCode := 0
		state := StateExited
		signal := ""
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitCode()
				if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
					state = StateKilled
					signal = status.Signal().String()
				}
			} else {
				exitCode = -1
			}
		}

		p.mu.Lock()
		p.exitErr = err
		p.signal = signal
		p.exitCode.Store(int32(exitCode))
		p.mu.Unlock()
		p.state.Store(int32(state))
		close(p.done)
	})
}

// Sentinel errors for the process package.
var (
	// ErrProcessNotRunning is returned when an operation needs a running process.
	ErrProcessNotRunning = errors.New("process not running")

	// ErrProcessAlreadyStarted is returned when starting a process twice.
	ErrProcessAlreadyStarted = errors.New("process already started")
)
