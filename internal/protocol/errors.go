package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolDecode indicates a malformed inbound frame. The frame is
	// dropped and the stream stays usable.
	ErrProtocolDecode = errors.New("protocol decode error")

	// ErrClosed indicates the transport has been closed.
	ErrClosed = errors.New("transport closed")

	// ErrFrameTooLarge indicates a frame above MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")
)

// DecodeError describes one malformed frame.
type DecodeError struct {
	// Frame is the sequence number of the frame on its stream, from 1.
	Frame int
	Type  Type
	Err   error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("decode frame %d (%s): %v", e.Frame, e.Type, e.Err)
	}
	return fmt.Sprintf("decode frame %d: %v", e.Frame, e.Err)
}

// Unwrap returns the underlying error.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is matches ErrProtocolDecode.
func (e *DecodeError) Is(target error) bool {
	return target == ErrProtocolDecode
}

// IsDecodeError reports whether err is a recoverable frame error.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrProtocolDecode)
}
