package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"fortio.org/safecast"
)

// JSON frames each message as a JSON body preceded by a Content-Length
// header, the way language servers do.
var JSON Codec = jsonCodec{}

type jsonCodec struct{}

type jsonEnvelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) NewEncoder(w io.Writer) Encoder {
	return &jsonEncoder{w: w}
}

func (jsonCodec) NewDecoder(r io.Reader) Decoder {
	return &jsonDecoder{reader: bufio.NewReaderSize(r, 64*1024)}
}

type jsonEncoder struct {
	w io.Writer
}

func (e *jsonEncoder) Encode(m Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", m.MessageType(), err)
	}
	data, err := json.Marshal(&jsonEnvelope{Type: m.MessageType(), Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	frame := make([]byte, 0, len(data)+32)
	frame = append(frame, "Content-Length: "...)
	frame = strconv.AppendInt(frame, int64(len(data)), 10)
	frame = append(frame, "\r\n\r\n"...)
	frame = append(frame, data...)
	if _, err := e.w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

type jsonDecoder struct {
	reader *bufio.Reader
	frame  int
}

func (d *jsonDecoder) Decode() (Message, error) {
	body, err := d.readFrame()
	if err != nil {
		return nil, err
	}

	var env jsonEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &DecodeError{Frame: d.frame, Err: fmt.Errorf("envelope: %w", err)}
	}
	return decodePayload(d.frame, env.Type, env.Payload, json.Unmarshal)
}

// readFrame reads the headers and body of one frame.
func (d *jsonDecoder) readFrame() ([]byte, error) {
	contentLength := -1
	sawHeader := false
	for {
		line, err := d.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && (sawHeader || line != "") {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			if !sawHeader {
				// blank lines between frames
				continue
			}
			break
		}
		sawHeader = true
		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "content-length") {
			// Content-Type and unknown headers are ignored
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			d.frame++
			return nil, &DecodeError{Frame: d.frame, Err: fmt.Errorf("bad Content-Length %q", value)}
		}
		length, err := safecast.Conv[int](n)
		if err != nil || length < 0 || length > MaxFrameSize {
			d.frame++
			return nil, &DecodeError{Frame: d.frame, Err: fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)}
		}
		contentLength = length
	}

	d.frame++
	if contentLength < 0 {
		return nil, &DecodeError{Frame: d.frame, Err: fmt.Errorf("missing Content-Length header")}
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(d.reader, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}
