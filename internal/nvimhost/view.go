package nvimhost

import (
	"sync"

	"go.uber.org/zap"

	"github.com/dshills/deckfold/internal/fold"
	"github.com/dshills/deckfold/internal/highlight"
	"github.com/dshills/deckfold/internal/logging"
	"github.com/dshills/deckfold/internal/session"
)

// Lua run inside Neovim. Line numbers arrive zero-based, end exclusive. Level
// 2 folds follow the level 1 folds they contain, so creating them in order
// nests them in manual fold mode.
const (
	luaSetFolds = `
local buf, folds, texts = ...
local lookup = {}
for i, f in ipairs(folds) do lookup[(f[1] + 1) .. ':' .. f[2]] = texts[i] end
vim.b[buf].deckfold_foldtext = next(lookup) and lookup or vim.empty_dict()
for _, win in ipairs(vim.fn.win_findbuf(buf)) do
  vim.api.nvim_win_call(win, function()
    vim.wo.foldmethod = 'manual'
    vim.wo.foldtext = "get(b:deckfold_foldtext, v:foldstart . ':' . v:foldend, foldtext())"
    vim.cmd('silent! normal! zE')
    for _, f in ipairs(folds) do
      vim.cmd(string.format('silent! %d,%dfold', f[1] + 1, f[2]))
    end
  end)
end`

	luaSetHighlights = `
local buf, ns, first, last, regions = ...
vim.api.nvim_buf_clear_namespace(buf, ns, first, last)
for _, r in ipairs(regions) do
  for l = r[1], r[2] - 1 do
    pcall(vim.api.nvim_buf_set_extmark, buf, ns, l, 0, { line_hl_group = r[3] })
  end
end`

	luaClear = `
local buf, ns = ...
if not vim.api.nvim_buf_is_valid(buf) then return end
vim.api.nvim_buf_clear_namespace(buf, ns, 0, -1)
vim.b[buf].deckfold_foldtext = nil
for _, win in ipairs(vim.fn.win_findbuf(buf)) do
  vim.api.nvim_win_call(win, function() vim.cmd('silent! normal! zE') end)
end`

	luaNamespace = `
return vim.api.nvim_create_namespace(...)`

	luaNotify = `
local msg = ...
vim.notify(msg, vim.log.levels.WARN)`

	luaLinkGroups = `
for group, target in pairs(...) do
  vim.api.nvim_set_hl(0, group, { link = target, default = true })
end`
)

type opKind int

const (
	opFolds opKind = iota
	opHighlights
	opClear
	opNotify
)

type op struct {
	kind  opKind
	buf   session.BufferID
	folds []fold.Range
	delta highlight.Delta
	msg   string
}

// View renders session state into Neovim. Calls never block: operations are
// queued and applied in order by one goroutine, and a queued fold update is
// replaced by a newer one for the same buffer unless a clear of the buffer
// sits between them.
type View struct {
	client Client
	ns     int
	format fold.Formatter
	logger *logging.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []op
	busy   bool
	closed bool
	done   chan struct{}
}

// NewView starts the renderer. ns is the highlight namespace; a negative ns
// is created on first use, so a View can be built before the RPC loop runs.
func NewView(client Client, ns int, format fold.Formatter, logger *logging.Logger) *View {
	if logger == nil {
		logger = logging.Nop()
	}
	v := &View{
		client: client,
		ns:     ns,
		format: format,
		logger: logger.WithComponent("view"),
		done:   make(chan struct{}),
	}
	v.cond = sync.NewCond(&v.mu)
	go v.run()
	return v
}

func (v *View) SetFolds(buf session.BufferID, folds []fold.Range) {
	v.enqueue(op{kind: opFolds, buf: buf, folds: folds})
}

func (v *View) SetHighlights(buf session.BufferID, delta highlight.Delta) {
	v.enqueue(op{kind: opHighlights, buf: buf, delta: delta})
}

func (v *View) ClearDecorations(buf session.BufferID) {
	v.enqueue(op{kind: opClear, buf: buf})
}

func (v *View) Notify(_ session.BufferID, msg string) {
	v.enqueue(op{kind: opNotify, msg: msg})
}

func (v *View) enqueue(o op) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	if o.kind == opFolds {
		// a fold update queued before a clear of the buffer must still run
		// before that clear
		for i := len(v.queue) - 1; i >= 0; i-- {
			q := &v.queue[i]
			if q.buf != o.buf || (q.kind != opFolds && q.kind != opClear) {
				continue
			}
			if q.kind == opFolds {
				q.folds = o.folds
				return
			}
			break
		}
	}
	v.queue = append(v.queue, o)
	v.cond.Broadcast()
}

// Flush waits until every queued operation has been applied.
func (v *View) Flush() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for len(v.queue) > 0 || v.busy {
		v.cond.Wait()
	}
}

// Close stops the renderer after draining the queue.
func (v *View) Close() {
	v.mu.Lock()
	if !v.closed {
		v.closed = true
		v.cond.Broadcast()
	}
	v.mu.Unlock()
	<-v.done
}

func (v *View) run() {
	defer close(v.done)
	v.mu.Lock()
	for {
		for len(v.queue) == 0 && !v.closed {
			v.busy = false
			v.cond.Broadcast()
			v.cond.Wait()
		}
		if len(v.queue) == 0 {
			v.busy = false
			v.cond.Broadcast()
			v.mu.Unlock()
			return
		}
		o := v.queue[0]
		v.queue = v.queue[1:]
		v.busy = true
		v.mu.Unlock()

		v.apply(o)

		v.mu.Lock()
	}
}

func (v *View) apply(o op) {
	var err error
	switch o.kind {
	case opFolds:
		spans := make([][2]int, len(o.folds))
		texts := make([]string, len(o.folds))
		for i, f := range o.folds {
			spans[i] = [2]int{f.Start, f.End}
			texts[i] = fold.TextWith(v.format, f)
		}
		err = v.client.ExecLua(luaSetFolds, nil, int(o.buf), spans, texts)
	case opHighlights:
		if err = v.namespace(); err != nil {
			break
		}
		regions := make([][]any, len(o.delta.Regions))
		for i, r := range o.delta.Regions {
			regions[i] = []any{r.Start, r.End, string(r.Group)}
		}
		err = v.client.ExecLua(luaSetHighlights, nil, int(o.buf), v.ns, o.delta.Lines.Start, o.delta.Lines.End, regions)
	case opClear:
		if err = v.namespace(); err != nil {
			break
		}
		err = v.client.ExecLua(luaClear, nil, int(o.buf), v.ns)
	case opNotify:
		err = v.client.ExecLua(luaNotify, nil, o.msg)
	}
	if err != nil {
		v.logger.Warn("render failed", zap.Int("buffer", int(o.buf)), zap.Int("op", int(o.kind)), zap.Error(err))
	}
}

// namespace resolves v.ns. Only the render goroutine calls it.
func (v *View) namespace() error {
	if v.ns >= 0 {
		return nil
	}
	var ns int
	if err := v.client.ExecLua(luaNamespace, &ns, Namespace); err != nil {
		return err
	}
	v.ns = ns
	return nil
}

// LinkGroups links the deckfold highlight groups to standard groups unless
// the user defined them.
func LinkGroups(client Client) error {
	links := make(map[string]string, len(highlight.DefaultLinks))
	for g, target := range highlight.DefaultLinks {
		links[string(g)] = target
	}
	return client.ExecLua(luaLinkGroups, nil, links)
}
