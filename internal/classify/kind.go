package classify

import (
	"fmt"
	"strings"
)

// Kind is the closed set of block classifications.
type Kind uint8

const (
	// KindComment marks comment lines ($ or # in column 1).
	KindComment Kind = iota + 1
	// KindKeyword marks the first line of a card.
	KindKeyword
	// KindData marks the body lines of a card.
	KindData
	// KindContinuation marks lines that continue the previous card line.
	KindContinuation
)

// Kinds lists every valid kind in declaration order.
var Kinds = []Kind{KindComment, KindKeyword, KindData, KindContinuation}

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindComment:
		return "comment"
	case KindKeyword:
		return "keyword"
	case KindData:
		return "data"
	case KindContinuation:
		return "continuation"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	return k >= KindComment && k <= KindContinuation
}

// ParseKind parses a wire name into a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "comment":
		return KindComment, nil
	case "keyword":
		return KindKeyword, nil
	case "data":
		return KindData, nil
	case "continuation":
		return KindContinuation, nil
	default:
		return 0, fmt.Errorf("unknown block kind %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid block kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
