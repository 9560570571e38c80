package session

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/dshills/deckfold/internal/diagnostics"
	"github.com/dshills/deckfold/internal/process"
)

// Binary is a located analyzer command.
type Binary struct {
	Path string
	Args []string
}

// String formats the command line for logs.
func (b Binary) String() string {
	return fmt.Sprintf("%s %v", b.Path, b.Args)
}

// Conn is a running analyzer owned by one session.
type Conn interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Done is closed when the analyzer has exited.
	Done() <-chan struct{}
	// Exit describes how the analyzer ended. Valid once Done is closed.
	Exit() diagnostics.Exit
	// Terminate stops the analyzer: close stdin, SIGTERM, then SIGKILL after
	// grace. An exit caused by Terminate is expected.
	Terminate(ctx context.Context, grace time.Duration) error
	// Close releases the stdio pipes.
	Close() error
	PID() int
}

// Spawner starts analyzers.
type Spawner interface {
	Spawn(ctx context.Context, name string, bin Binary) (Conn, error)
}

// OSSpawner runs analyzers as child processes under a supervisor.
type OSSpawner struct {
	sup *process.Supervisor
}

// NewOSSpawner returns a spawner backed by sup.
func NewOSSpawner(sup *process.Supervisor) *OSSpawner {
	return &OSSpawner{sup: sup}
}

// Spawn starts bin.
func (o *OSSpawner) Spawn(ctx context.Context, name string, bin Binary) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := o.sup.Start(name, exec.Command(bin.Path, bin.Args...))
	if err != nil {
		return nil, err
	}
	return &procConn{p: p}, nil
}

// procConn adapts a supervised process to Conn.
type procConn struct {
	p *process.Process
}

func (c *procConn) Stdin() io.WriteCloser { return c.p.Stdin() }
func (c *procConn) Stdout() io.Reader     { return c.p.Stdout() }
func (c *procConn) Stderr() io.Reader     { return c.p.Stderr() }
func (c *procConn) Done() <-chan struct{} { return c.p.Done() }
func (c *procConn) Close() error          { return c.p.Close() }
func (c *procConn) PID() int              { return c.p.PID() }

func (c *procConn) Exit() diagnostics.Exit {
	code, signal := c.p.ExitStatus()
	return diagnostics.Exit{Code: code, Signal: signal, Expected: c.p.Stopping()}
}

func (c *procConn) Terminate(ctx context.Context, grace time.Duration) error {
	return c.p.Stop(ctx, grace)
}
