package protocol

import (
	"fmt"

	"github.com/dshills/deckfold/internal/classify"
)

// Version is the protocol version announced in Hello.
const Version = 1

// FullBuffer is the Edit.End value of a whole-buffer replacement.
const FullBuffer = -1

// Type names a message on the wire.
type Type string

// Message types.
const (
	TypeHello          Type = "hello"
	TypeEdit           Type = "edit"
	TypeClassification Type = "classification"
	TypeShutdown       Type = "shutdown"
)

// Message is implemented by every protocol message.
type Message interface {
	MessageType() Type
	Validate() error
}

// Hello is sent once by the analyzer after it starts.
type Hello struct {
	Name    string `msgpack:"name" json:"name"`
	Version int    `msgpack:"version" json:"version"`
}

// Edit tells the analyzer that old lines [Start, End) were replaced with
// Lines. End is FullBuffer for a whole-buffer replacement.
type Edit struct {
	Generation uint64   `msgpack:"generation" json:"generation"`
	Start      int      `msgpack:"start" json:"start"`
	End        int      `msgpack:"end" json:"end"`
	Lines      []string `msgpack:"lines" json:"lines"`
	// Dirty is the line range, in new line numbers, that must be
	// reclassified.
	Dirty classify.Range `msgpack:"dirty" json:"dirty"`
}

// Full reports whether the edit replaces the whole buffer.
func (e *Edit) Full() bool {
	return e.End == FullBuffer
}

// Classification carries blocks classified against Generation. Full replaces
// every block; otherwise Blocks replace Range.
type Classification struct {
	Generation uint64           `msgpack:"generation" json:"generation"`
	Full       bool             `msgpack:"full" json:"full"`
	Range      classify.Range   `msgpack:"range" json:"range"`
	Blocks     []classify.Block `msgpack:"blocks" json:"blocks"`
}

// Shutdown asks the analyzer to exit.
type Shutdown struct {
	Reason string `msgpack:"reason,omitempty" json:"reason,omitempty"`
}

func (*Hello) MessageType() Type          { return TypeHello }
func (*Edit) MessageType() Type           { return TypeEdit }
func (*Classification) MessageType() Type { return TypeClassification }
func (*Shutdown) MessageType() Type       { return TypeShutdown }

// Validate checks the announced version.
func (h *Hello) Validate() error {
	if h.Version < 1 {
		return fmt.Errorf("hello: bad version %d", h.Version)
	}
	return nil
}

// Validate checks the edit bounds.
func (e *Edit) Validate() error {
	switch {
	case e.Start < 0:
		return fmt.Errorf("edit: negative start %d", e.Start)
	case e.End != FullBuffer && e.End < e.Start:
		return fmt.Errorf("edit: end %d before start %d", e.End, e.Start)
	case e.Dirty.Start < 0 || e.Dirty.End < e.Dirty.Start:
		return fmt.Errorf("edit: bad dirty range %s", e.Dirty)
	}
	return nil
}

// Validate checks the range and blocks of the classification.
func (c *Classification) Validate() error {
	return c.Patch().Validate()
}

// Validate accepts any shutdown.
func (*Shutdown) Validate() error { return nil }

// Patch converts the classification to a store patch.
func (c *Classification) Patch() classify.Patch {
	return classify.Patch{
		Generation: c.Generation,
		Full:       c.Full,
		Range:      c.Range,
		Blocks:     c.Blocks,
	}
}

// newMessage returns an empty message of type t.
func newMessage(t Type) (Message, error) {
	switch t {
	case TypeHello:
		return &Hello{}, nil
	case TypeEdit:
		return &Edit{}, nil
	case TypeClassification:
		return &Classification{}, nil
	case TypeShutdown:
		return &Shutdown{}, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", t)
	}
}
