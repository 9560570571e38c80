package analyzer

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/deckfold/internal/diagnostics"
	"github.com/dshills/deckfold/internal/protocol"
	"github.com/dshills/deckfold/internal/session"
)

// InProcess runs analyzers as goroutines over in-memory pipes. It satisfies
// session.Spawner and lets the engine run without a child process.
type InProcess struct {
	mu    sync.Mutex
	conns []*Conn
	pid   atomic.Int64
}

// NewInProcess returns an in-process spawner.
func NewInProcess() *InProcess {
	return &InProcess{}
}

// Spawn starts a server speaking the codec named by the "--codec" argument,
// msgpack by default.
func (p *InProcess) Spawn(ctx context.Context, name string, bin session.Binary) (session.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	codec := protocol.Msgpack
	for i := 0; i+1 < len(bin.Args); i++ {
		if bin.Args[i] == "--codec" {
			c, err := protocol.Lookup(bin.Args[i+1])
			if err != nil {
				return nil, err
			}
			codec = c
		}
	}

	c := newConn(int(p.pid.Add(1)), codec)
	p.mu.Lock()
	p.conns = append(p.conns, c)
	p.mu.Unlock()
	return c, nil
}

// Conns returns every connection spawned so far.
func (p *InProcess) Conns() []*Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Conn(nil), p.conns...)
}

// Conn is one in-process analyzer.
type Conn struct {
	pid int

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	cancel   context.CancelFunc
	done     chan struct{}
	stopping atomic.Bool

	mu   sync.Mutex
	exit diagnostics.Exit
	// code, when set, replaces the server's own exit code
	crash *int
}

func newConn(pid int, codec protocol.Codec) *Conn {
	c := &Conn{pid: pid, done: make(chan struct{})}
	c.stdinR, c.stdinW = io.Pipe()
	c.stdoutR, c.stdoutW = io.Pipe()
	c.stderrR, c.stderrW = io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	srv := NewServer(codec, c.stderrW)
	go func() {
		err := srv.Serve(ctx, c.stdinR, c.stdoutW)
		code := 0
		if err != nil {
			code = 1
			_, _ = io.WriteString(c.stderrW, Name+": "+err.Error()+"\n")
		}
		_ = c.stdoutW.Close()
		_ = c.stderrW.Close()

		c.mu.Lock()
		if c.crash != nil {
			code = *c.crash
		}
		c.exit = diagnostics.Exit{Code: code, Expected: c.stopping.Load(), At: time.Now()}
		c.mu.Unlock()
		close(c.done)
	}()
	return c
}

func (c *Conn) Stdin() io.WriteCloser { return c.stdinW }
func (c *Conn) Stdout() io.Reader     { return c.stdoutR }
func (c *Conn) Stderr() io.Reader     { return c.stderrR }
func (c *Conn) Done() <-chan struct{} { return c.done }
func (c *Conn) PID() int              { return c.pid }

// Exit returns how the analyzer ended.
func (c *Conn) Exit() diagnostics.Exit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exit
}

// Terminate closes stdin and waits for the server to finish. grace is
// ignored; the server always stops at end of input.
func (c *Conn) Terminate(ctx context.Context, _ time.Duration) error {
	c.stopping.Store(true)
	_ = c.stdinW.Close()
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		c.cancel()
		_ = c.stdinR.CloseWithError(io.ErrClosedPipe)
		<-c.done
		return ctx.Err()
	}
}

// Crash makes the analyzer die with code, as if it had failed on its own.
func (c *Conn) Crash(code int) {
	c.mu.Lock()
	c.crash = &code
	c.mu.Unlock()
	c.cancel()
	_ = c.stdinR.CloseWithError(io.ErrClosedPipe)
	<-c.done
}

// WriteStderr writes to the analyzer's stderr as the server would.
func (c *Conn) WriteStderr(s string) error {
	_, err := io.WriteString(c.stderrW, s)
	return err
}

// Close releases the engine's ends of the pipes.
func (c *Conn) Close() error {
	_ = c.stdinW.Close()
	_ = c.stdoutR.Close()
	_ = c.stderrR.Close()
	return nil
}
