package analyzer

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/dshills/deckfold/internal/classify"
	"github.com/dshills/deckfold/internal/protocol"
)

// Name is announced in Hello.
const Name = "deckfold-analyzer"

// Server keeps a copy of the buffer text and answers each edit with a
// classification of the lines it touched.
type Server struct {
	codec  protocol.Codec
	stderr io.Writer
	lines  []string
	blocks []classify.Block
}

// NewServer creates a server. Warnings go to stderr.
func NewServer(codec protocol.Codec, stderr io.Writer) *Server {
	if stderr == nil {
		stderr = io.Discard
	}
	return &Server{codec: codec, stderr: stderr}
}

// Serve reads edits from r and writes replies to w until r ends, a Shutdown
// arrives or ctx is done.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tr := protocol.NewTransport(s.codec, r, w, nil)
	defer tr.Close()

	if err := tr.Send(&protocol.Hello{Name: Name, Version: protocol.Version}); err != nil {
		return err
	}

	var sendErr error
	err := tr.Run(ctx, func(m protocol.Message) {
		switch m := m.(type) {
		case *protocol.Edit:
			reply, err := s.Apply(m)
			if err != nil {
				s.warnf("generation %d: %v", m.Generation, err)
				return
			}
			if err := tr.Send(reply); err != nil {
				sendErr = err
				cancel()
			}
		case *protocol.Shutdown:
			cancel()
		default:
			s.warnf("unexpected %s message", m.MessageType())
		}
	}, func(err error) {
		s.warnf("%v", err)
	})
	if sendErr != nil {
		return sendErr
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// Apply updates the text with e and classifies the lines it dirtied.
func (s *Server) Apply(e *protocol.Edit) (*protocol.Classification, error) {
	if e.Full() {
		s.lines = slices.Clone(e.Lines)
		s.blocks = Blocks(s.lines)
		s.warnOverlong(classify.Range{Start: 0, End: len(s.lines)})
		return &protocol.Classification{
			Generation: e.Generation,
			Full:       true,
			Blocks:     s.blocks,
		}, nil
	}

	if e.End > len(s.lines) {
		return nil, fmt.Errorf("edit [%d,%d) outside %d lines", e.Start, e.End, len(s.lines))
	}
	next := make([]string, 0, len(s.lines)-(e.End-e.Start)+len(e.Lines))
	next = append(next, s.lines[:e.Start]...)
	next = append(next, e.Lines...)
	next = append(next, s.lines[e.End:]...)
	if e.Dirty.End > len(next) {
		return nil, fmt.Errorf("dirty range %s outside %d lines", e.Dirty, len(next))
	}
	s.lines = next
	s.blocks = Blocks(s.lines)

	r := Widen(s.blocks, e.Dirty)
	s.warnOverlong(r)
	return &protocol.Classification{
		Generation: e.Generation,
		Range:      r,
		Blocks:     Within(s.blocks, r),
	}, nil
}

// Lines returns a copy of the text.
func (s *Server) Lines() []string {
	return slices.Clone(s.lines)
}

func (s *Server) warnOverlong(r classify.Range) {
	for _, i := range Overlong(s.lines, r) {
		s.warnf("line %d is wider than %d columns", i+1, CardWidth)
	}
}

func (s *Server) warnf(format string, args ...any) {
	fmt.Fprintf(s.stderr, Name+": "+format+"\n", args...)
}
