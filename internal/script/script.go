// Package script runs user Lua that formats fold summaries.
//
// A script defines a global function:
//
//	function foldtext(fold)
//	  return string.format("%s %s [%d]", fold.kind, fold.label, fold.lines)
//	end
//
// fold carries start and end (zero-based, end exclusive), lines, level, kind,
// label, blocks, cards and default, the built-in summary. Only the base,
// string, table and math libraries are available.
package script

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/dshills/deckfold/internal/fold"
	"github.com/dshills/deckfold/internal/logging"
)

// FuncName is the global a script must define.
const FuncName = "foldtext"

// DefaultTimeout bounds one call into the script.
const DefaultTimeout = 100 * time.Millisecond

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("script closed")
	// ErrNoFunction means the script does not define foldtext.
	ErrNoFunction = errors.New("script does not define " + FuncName)
	// ErrBadResult means foldtext returned something other than a string.
	ErrBadResult = errors.New(FuncName + " must return a string")
)

// Formatter is a fold.Formatter backed by a Lua script. It is safe for
// concurrent use; calls are serialized.
type Formatter struct {
	mu      sync.Mutex
	L       *lua.LState
	name    string
	timeout time.Duration
	logger  *logging.Logger
	closed  bool
}

// Option configures a Formatter.
type Option func(*Formatter)

// WithTimeout bounds each call.
func WithTimeout(d time.Duration) Option {
	return func(f *Formatter) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithLogger receives print output and script failures.
func WithLogger(l *logging.Logger) Option {
	return func(f *Formatter) {
		if l != nil {
			f.logger = l
		}
	}
}

// LoadFile compiles the script at path.
func LoadFile(path string, opts ...Option) (*Formatter, error) {
	return load(path, func(L *lua.LState) error { return L.DoFile(path) }, opts)
}

// LoadString compiles src. name appears in error messages.
func LoadString(name, src string, opts ...Option) (*Formatter, error) {
	return load(name, func(L *lua.LState) error {
		fn, err := L.Load(strings.NewReader(src), name)
		if err != nil {
			return err
		}
		L.Push(fn)
		return L.PCall(0, lua.MultRet, nil)
	}, opts)
}

func load(name string, run func(*lua.LState) error, opts []Option) (*Formatter, error) {
	f := &Formatter{name: name, timeout: DefaultTimeout, logger: logging.Nop()}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.WithComponent("script").With(zap.String("script", name))
	f.L = newSandbox(f.logger)

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	f.L.SetContext(ctx)
	err := recovered(func() error { return run(f.L) })
	f.L.RemoveContext()
	if err != nil {
		f.L.Close()
		return nil, fmt.Errorf("loading %s: %w", name, err)
	}
	if f.L.GetGlobal(FuncName).Type() != lua.LTFunction {
		f.L.Close()
		return nil, fmt.Errorf("%s: %w", name, ErrNoFunction)
	}
	return f, nil
}

// Format calls foldtext for r.
func (f *Formatter) Format(r fold.Range) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return "", ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	f.L.SetContext(ctx)
	defer f.L.RemoveContext()

	top := f.L.GetTop()
	err := recovered(func() error {
		return f.L.CallByParam(lua.P{Fn: f.L.GetGlobal(FuncName), NRet: 1, Protect: true}, f.table(r))
	})
	if err != nil {
		f.L.SetTop(top)
		f.logger.Debug("foldtext failed", zap.Stringer("fold", r), zap.Error(err))
		return "", err
	}
	ret := f.L.Get(-1)
	f.L.SetTop(top)
	s, ok := ret.(lua.LString)
	if !ok {
		return "", fmt.Errorf("%w, got %s", ErrBadResult, ret.Type())
	}
	return string(s), nil
}

func (f *Formatter) table(r fold.Range) *lua.LTable {
	t := f.L.NewTable()
	t.RawSetString("start", lua.LNumber(r.Start))
	t.RawSetString("end", lua.LNumber(r.End))
	t.RawSetString("lines", lua.LNumber(r.Len()))
	t.RawSetString("level", lua.LNumber(r.Level))
	t.RawSetString("kind", lua.LString(r.Kind.String()))
	t.RawSetString("label", lua.LString(r.Label))
	t.RawSetString("blocks", lua.LNumber(r.Blocks))
	t.RawSetString("cards", lua.LNumber(r.Cards))
	t.RawSetString("default", lua.LString(fold.Text(r)))
	return t
}

// Close releases the Lua state.
func (f *Formatter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.L.Close()
	return nil
}

func recovered(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn()
}
