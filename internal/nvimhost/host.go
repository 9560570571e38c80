// Package nvimhost exposes deckfold to Neovim as a remote plugin.
//
// The plugin registers Deckfold* functions, mirrors buffer edits from
// nvim_buf_lines_event notifications into sessions and renders folds and
// highlights through View.
package nvimhost

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/neovim/go-client/nvim"
	"github.com/neovim/go-client/nvim/plugin"
	"go.uber.org/zap"

	"github.com/dshills/deckfold/internal/classify"
	"github.com/dshills/deckfold/internal/highlight"
	"github.com/dshills/deckfold/internal/logging"
	"github.com/dshills/deckfold/internal/session"
)

// Namespace is the name of the highlight namespace.
const Namespace = "deckfold"

// callTimeout bounds each function call from Neovim.
const callTimeout = 10 * time.Second

// Client is the part of the Neovim API the host uses. *nvim.Nvim satisfies it.
type Client interface {
	BufferLines(buffer nvim.Buffer, start, end int, strict bool) ([][]byte, error)
	AttachBuffer(buffer nvim.Buffer, sendBuffer bool, opts map[string]any) (bool, error)
	DetachBuffer(buffer nvim.Buffer) (bool, error)
	ExecLua(code string, result any, args ...any) error
}

// Host connects the session registry to one Neovim instance.
type Host struct {
	client Client
	reg    *session.Registry
	logger *logging.Logger
}

// NewHost returns a host for reg. reg's view should render through client.
func NewHost(client Client, reg *session.Registry, logger *logging.Logger) *Host {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Host{client: client, reg: reg, logger: logger.WithComponent("nvimhost")}
}

// Register installs the functions and event handlers on p.
func (h *Host) Register(p *plugin.Plugin) {
	buf := "bufnr('%')"
	p.HandleFunction(&plugin.FunctionOptions{Name: "DeckfoldAttach", Eval: buf},
		func(_ []any, b int) (string, error) { return h.Attach(b) })
	p.HandleFunction(&plugin.FunctionOptions{Name: "DeckfoldDetach", Eval: buf},
		func(_ []any, b int) error { return h.Detach(b) })
	p.HandleFunction(&plugin.FunctionOptions{Name: "DeckfoldDetachAll"},
		func(_ []any) error { h.DetachAll(); return nil })
	p.HandleFunction(&plugin.FunctionOptions{Name: "DeckfoldUpdateFolds", Eval: buf},
		func(_ []any, b int) (int, error) { return h.UpdateFolds(b) })
	p.HandleFunction(&plugin.FunctionOptions{Name: "DeckfoldRefreshFolds", Eval: buf},
		func(args []any, b int) (int, error) { return h.RefreshFolds(b, args) })
	p.HandleFunction(&plugin.FunctionOptions{Name: "DeckfoldFoldtext", Eval: "[bufnr('%'), v:foldstart]"},
		func(_ []any, ev []int) (string, error) {
			if len(ev) != 2 {
				return "", fmt.Errorf("foldtext: bad eval result %v", ev)
			}
			return h.Foldtext(ev[0], ev[1])
		})
	p.HandleFunction(&plugin.FunctionOptions{Name: "DeckfoldPrintFolds", Eval: buf},
		func(_ []any, b int) (string, error) { return h.PrintFolds(b) })
	p.HandleFunction(&plugin.FunctionOptions{Name: "DeckfoldPrintStderr", Eval: buf},
		func(_ []any, b int) (string, error) { return h.PrintStderr(b) })
	p.HandleFunction(&plugin.FunctionOptions{Name: "DeckfoldHighlightRegion", Eval: buf},
		func(args []any, b int) error { return h.HighlightRegion(b, args) })

	p.Handle("nvim_buf_lines_event", func(args ...any) { h.OnLines(args) })
	p.Handle("nvim_buf_detach_event", func(args ...any) { h.OnDetach(args) })
}

func callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), callTimeout)
}

// Attach starts a session for buf and subscribes to its edits. It returns the
// session id.
func (h *Host) Attach(buf int) (string, error) {
	ctx, cancel := callCtx()
	defer cancel()

	raw, err := h.client.BufferLines(nvim.Buffer(buf), 0, -1, true)
	if err != nil {
		return "", fmt.Errorf("reading buffer %d: %w", buf, err)
	}
	lines := make([]string, len(raw))
	for i, l := range raw {
		lines[i] = string(l)
	}

	s, err := h.reg.Attach(ctx, session.BufferID(buf), lines)
	if err != nil {
		return "", err
	}
	if _, err := h.client.AttachBuffer(nvim.Buffer(buf), false, map[string]any{}); err != nil {
		_ = h.reg.Detach(ctx, session.BufferID(buf))
		return "", fmt.Errorf("subscribing to buffer %d: %w", buf, err)
	}
	return s.ID(), nil
}

// Detach ends the session of buf.
func (h *Host) Detach(buf int) error {
	ctx, cancel := callCtx()
	defer cancel()
	if _, err := h.client.DetachBuffer(nvim.Buffer(buf)); err != nil {
		h.logger.Debug("detach buffer", zap.Int("buffer", buf), zap.Error(err))
	}
	return h.reg.Detach(ctx, session.BufferID(buf))
}

// DetachAll ends every session.
func (h *Host) DetachAll() {
	ctx, cancel := callCtx()
	defer cancel()
	for _, st := range h.reg.Stats() {
		if _, err := h.client.DetachBuffer(nvim.Buffer(st.Buffer)); err != nil {
			h.logger.Debug("detach buffer", zap.Int("buffer", int(st.Buffer)), zap.Error(err))
		}
	}
	h.reg.DetachAll(ctx)
}

// UpdateFolds recomputes every fold of buf and returns how many there are.
func (h *Host) UpdateFolds(buf int) (int, error) {
	s, err := h.reg.Get(session.BufferID(buf))
	if err != nil {
		return 0, err
	}
	ctx, cancel := callCtx()
	defer cancel()
	folds, err := s.UpdateFolds(ctx)
	return len(folds), err
}

// RefreshFolds recomputes the folds around lines first..last (one-based,
// inclusive) given in args.
func (h *Host) RefreshFolds(buf int, args []any) (int, error) {
	first, err := intArg(args, 0, "first")
	if err != nil {
		return 0, err
	}
	last, err := intArg(args, 1, "last")
	if err != nil {
		return 0, err
	}
	if first < 1 || last < first {
		return 0, fmt.Errorf("bad line range %d,%d", first, last)
	}
	s, err := h.reg.Get(session.BufferID(buf))
	if err != nil {
		return 0, err
	}
	ctx, cancel := callCtx()
	defer cancel()
	folds, err := s.RefreshFolds(ctx, classify.Range{Start: first - 1, End: last})
	return len(folds), err
}

// Foldtext returns the summary of the fold starting at line (one-based).
func (h *Host) Foldtext(buf, line int) (string, error) {
	s, err := h.reg.Get(session.BufferID(buf))
	if err != nil {
		return "", err
	}
	ctx, cancel := callCtx()
	defer cancel()
	return s.Foldtext(ctx, line-1)
}

// PrintFolds dumps the folds of buf.
func (h *Host) PrintFolds(buf int) (string, error) {
	s, err := h.reg.Get(session.BufferID(buf))
	if err != nil {
		return "", err
	}
	ctx, cancel := callCtx()
	defer cancel()
	return s.PrintFolds(ctx)
}

// PrintStderr dumps the analyzer stderr of buf.
func (h *Host) PrintStderr(buf int) (string, error) {
	s, err := h.reg.Get(session.BufferID(buf))
	if err != nil {
		return "", err
	}
	return s.PrintStderr(), nil
}

// HighlightRegion highlights lines first..last (one-based, inclusive) with a
// group; args are first, last, group.
func (h *Host) HighlightRegion(buf int, args []any) error {
	first, err := intArg(args, 0, "first")
	if err != nil {
		return err
	}
	last, err := intArg(args, 1, "last")
	if err != nil {
		return err
	}
	if len(args) < 3 {
		return errors.New("missing argument group")
	}
	group, ok := args[2].(string)
	if !ok || group == "" {
		return fmt.Errorf("argument group: want a name, got %T", args[2])
	}
	if first < 1 || last < first {
		return fmt.Errorf("bad line range %d,%d", first, last)
	}
	s, err := h.reg.Get(session.BufferID(buf))
	if err != nil {
		return err
	}
	ctx, cancel := callCtx()
	defer cancel()
	_, err = s.HighlightRegion(ctx, highlight.Region{Start: first - 1, End: last, Group: highlight.Group(group)})
	return err
}

// OnLines mirrors one buffer change into its session.
func (h *Host) OnLines(args []any) {
	ev, err := parseLinesEvent(args)
	if err != nil {
		h.logger.Warn("bad lines event", zap.Error(err))
		return
	}
	s, err := h.reg.Get(session.BufferID(ev.Buffer))
	if err != nil {
		return
	}
	last := ev.LastLine
	if last < 0 {
		// whole buffer replaced
		snap, err := s.Snapshot(context.Background())
		if err != nil {
			return
		}
		last = len(snap.Lines)
	}
	ctx, cancel := callCtx()
	defer cancel()
	if err := s.Edit(ctx, ev.FirstLine, last, ev.Lines); err != nil {
		h.logger.Warn("edit rejected", zap.Int("buffer", ev.Buffer), zap.Int("tick", ev.Tick), zap.Error(err))
	}
}

// OnDetach ends the session of a buffer Neovim stopped reporting on, for
// example after :edit! or when the buffer was unloaded.
func (h *Host) OnDetach(args []any) {
	buf, err := intArg(args, 0, "buffer")
	if err != nil {
		h.logger.Warn("bad detach event", zap.Error(err))
		return
	}
	ctx, cancel := callCtx()
	defer cancel()
	if err := h.reg.Detach(ctx, session.BufferID(buf)); err != nil {
		h.logger.Warn("detach failed", zap.Int("buffer", buf), zap.Error(err))
	}
}
