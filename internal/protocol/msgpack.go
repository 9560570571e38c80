package protocol

import (
	"bufio"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Msgpack frames each message as one msgpack map {type, payload}, back to
// back on the stream.
var Msgpack Codec = msgpackCodec{}

type msgpackCodec struct{}

type msgpackEnvelope struct {
	Type    Type               `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

func (msgpackCodec) Name() string { return "msgpack" }

func (msgpackCodec) NewEncoder(w io.Writer) Encoder {
	return &msgpackEncoder{w: w}
}

func (msgpackCodec) NewDecoder(r io.Reader) Decoder {
	return &msgpackDecoder{dec: msgpack.NewDecoder(bufio.NewReaderSize(r, 64*1024))}
}

type msgpackEncoder struct {
	w io.Writer
}

// Encode writes one frame. The frame is marshaled before writing so a
// failure never leaves a partial frame on the stream.
func (e *msgpackEncoder) Encode(m Message) error {
	payload, err := msgpack.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", m.MessageType(), err)
	}
	frame, err := msgpack.Marshal(&msgpackEnvelope{Type: m.MessageType(), Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if _, err := e.w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

type msgpackDecoder struct {
	dec   *msgpack.Decoder
	frame int
}

func (d *msgpackDecoder) Decode() (Message, error) {
	raw, err := d.dec.DecodeRaw()
	if err != nil {
		if streamEnded(err) {
			return nil, err
		}
		d.frame++
		return nil, &DecodeError{Frame: d.frame, Err: err}
	}
	d.frame++
	if len(raw) > MaxFrameSize {
		return nil, &DecodeError{Frame: d.frame, Err: ErrFrameTooLarge}
	}

	var env msgpackEnvelope
	if err := msgpack.Unmarshal(raw, &env); err != nil {
		return nil, &DecodeError{Frame: d.frame, Err: fmt.Errorf("envelope: %w", err)}
	}
	return decodePayload(d.frame, env.Type, env.Payload, msgpack.Unmarshal)
}
