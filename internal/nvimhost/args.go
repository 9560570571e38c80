package nvimhost

import (
	"fmt"

	"fortio.org/safecast"
	"github.com/neovim/go-client/nvim"
)

// toInt converts a msgpack-decoded number to int.
func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int8:
		return safecast.Conv[int](n)
	case int16:
		return safecast.Conv[int](n)
	case int32:
		return safecast.Conv[int](n)
	case int64:
		return safecast.Conv[int](n)
	case uint8:
		return safecast.Conv[int](n)
	case uint16:
		return safecast.Conv[int](n)
	case uint32:
		return safecast.Conv[int](n)
	case uint64:
		return safecast.Conv[int](n)
	case float64:
		return safecast.Convert[int](n)
	case nvim.Buffer:
		return int(n), nil
	default:
		return 0, fmt.Errorf("want a number, got %T", v)
	}
}

// toLines converts the line data of a buffer event.
func toLines(v any) ([]string, error) {
	raw, ok := v.([]any)
	if !ok {
		if v == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("want a list of lines, got %T", v)
	}
	lines := make([]string, len(raw))
	for i, l := range raw {
		switch s := l.(type) {
		case string:
			lines[i] = s
		case []byte:
			lines[i] = string(s)
		default:
			return nil, fmt.Errorf("line %d: want a string, got %T", i, l)
		}
	}
	return lines, nil
}

// intArg returns args[i] as an int.
func intArg(args []any, i int, name string) (int, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("missing argument %s", name)
	}
	n, err := toInt(args[i])
	if err != nil {
		return 0, fmt.Errorf("argument %s: %w", name, err)
	}
	return n, nil
}

// linesEvent is a decoded nvim_buf_lines_event.
type linesEvent struct {
	Buffer    int
	Tick      int
	FirstLine int
	LastLine  int
	Lines     []string
}

// parseLinesEvent decodes [buf, changedtick, firstline, lastline, linedata, more].
func parseLinesEvent(args []any) (linesEvent, error) {
	var ev linesEvent
	if len(args) < 5 {
		return ev, fmt.Errorf("nvim_buf_lines_event: want 6 arguments, got %d", len(args))
	}
	var err error
	if ev.Buffer, err = intArg(args, 0, "buffer"); err != nil {
		return ev, err
	}
	if args[1] != nil {
		if ev.Tick, err = intArg(args, 1, "changedtick"); err != nil {
			return ev, err
		}
	}
	if ev.FirstLine, err = intArg(args, 2, "firstline"); err != nil {
		return ev, err
	}
	if ev.LastLine, err = intArg(args, 3, "lastline"); err != nil {
		return ev, err
	}
	if ev.Lines, err = toLines(args[4]); err != nil {
		return ev, err
	}
	return ev, nil
}
