package config

import (
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/v2"
	"github.com/pelletier/go-toml/v2"
)

// tomlParser adapts go-toml to koanf.
type tomlParser struct{}

func (tomlParser) Unmarshal(b []byte) (map[string]any, error) {
	var m map[string]any
	if err := toml.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

func (tomlParser) Marshal(m map[string]any) ([]byte, error) {
	return toml.Marshal(m)
}

// parserFor picks a parser from the file extension.
func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return tomlParser{}, nil
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	default:
		return nil, ErrUnsupportedFormat
	}
}
