// Package protocol implements the messages exchanged between the engine and
// an analyzer process, their framing on a byte stream, and a transport that
// runs the read loop.
package protocol

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
)

// MaxFrameSize bounds a single frame body.
const MaxFrameSize = 64 << 20

// Encoder writes messages to a stream.
type Encoder interface {
	Encode(Message) error
}

// Decoder reads messages from a stream. Malformed frames are reported as
// *DecodeError and the decoder may be called again; any other error ends the
// stream.
type Decoder interface {
	Decode() (Message, error)
}

// Codec frames messages on a byte stream.
type Codec interface {
	Name() string
	NewEncoder(w io.Writer) Encoder
	NewDecoder(r io.Reader) Decoder
}

var codecs = map[string]Codec{
	Msgpack.Name(): Msgpack,
	JSON.Name():    JSON,
}

// Lookup returns the codec registered under name.
func Lookup(name string) (Codec, error) {
	c, ok := codecs[name]
	if !ok {
		return nil, fmt.Errorf("unknown codec %q (have %v)", name, Names())
	}
	return c, nil
}

// Names returns the registered codec names, sorted.
func Names() []string {
	out := make([]string, 0, len(codecs))
	for name := range codecs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// decodePayload builds the message of type t from its payload.
func decodePayload(frame int, t Type, payload []byte, unmarshal func([]byte, any) error) (Message, error) {
	m, err := newMessage(t)
	if err != nil {
		return nil, &DecodeError{Frame: frame, Type: t, Err: err}
	}
	if len(payload) > 0 {
		if err := unmarshal(payload, m); err != nil {
			return nil, &DecodeError{Frame: frame, Type: t, Err: err}
		}
	}
	if err := m.Validate(); err != nil {
		return nil, &DecodeError{Frame: frame, Type: t, Err: err}
	}
	return m, nil
}

// streamEnded reports whether a read error means the stream is gone rather
// than a bad frame.
func streamEnded(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed)
}
