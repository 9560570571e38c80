package protocol

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// maxConsecutiveDecodeErrors ends the read loop when the stream has clearly
// lost framing.
const maxConsecutiveDecodeErrors = 64

// Handler receives decoded messages from the read loop.
type Handler func(Message)

// ErrorHandler receives malformed-frame errors from the read loop.
type ErrorHandler func(error)

// Transport sends and receives messages over a pair of streams.
type Transport struct {
	codec  Codec
	enc    Encoder
	dec    Decoder
	closer io.Closer

	mu      sync.Mutex // serializes writes
	sent    atomic.Int64
	decoded atomic.Int64

	closed atomic.Bool
	done   chan struct{}
}

// NewTransport creates a transport reading frames from r and writing them to
// w. Close closes c when it is not nil.
func NewTransport(codec Codec, r io.Reader, w io.Writer, c io.Closer) *Transport {
	return &Transport{
		codec:  codec,
		enc:    codec.NewEncoder(w),
		dec:    codec.NewDecoder(r),
		closer: c,
		done:   make(chan struct{}),
	}
}

// Codec returns the framing in use.
func (t *Transport) Codec() Codec {
	return t.codec
}

// Send writes one message.
func (t *Transport) Send(m Message) error {
	if t.closed.Load() {
		return ErrClosed
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.enc.Encode(m); err != nil {
		return fmt.Errorf("send %s: %w", m.MessageType(), err)
	}
	t.sent.Add(1)
	return nil
}

// Run reads messages until the stream ends, the transport is closed or ctx is
// done, passing each message to handle. Malformed frames go to onError and
// are otherwise dropped. Run returns nil at end of stream.
func (t *Transport) Run(ctx context.Context, handle Handler, onError ErrorHandler) error {
	consecutive := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return nil
		default:
		}

		m, err := t.dec.Decode()
		if err != nil {
			if t.closed.Load() || streamEnded(err) {
				return nil
			}
			if !IsDecodeError(err) {
				return fmt.Errorf("read: %w", err)
			}
			if onError != nil {
				onError(err)
			}
			consecutive++
			if consecutive >= maxConsecutiveDecodeErrors {
				return fmt.Errorf("read: %d malformed frames in a row: %w", consecutive, err)
			}
			continue
		}

		consecutive = 0
		t.decoded.Add(1)
		if handle != nil {
			handle(m)
		}
	}
}

// Stats returns the number of messages sent and decoded.
func (t *Transport) Stats() (sent, decoded int64) {
	return t.sent.Load(), t.decoded.Load()
}

// Close stops the transport and closes the underlying writer.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	close(t.done)
	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}

// IsClosed returns true if the transport has been closed.
func (t *Transport) IsClosed() bool {
	return t.closed.Load()
}
