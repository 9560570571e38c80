package session

import (
	"fmt"
	"time"

	"github.com/dshills/deckfold/internal/diagnostics"
	"github.com/dshills/deckfold/internal/protocol"
)

// AnalyzerConfig says where the analyzer lives and how to talk to it.
type AnalyzerConfig struct {
	// Path is an explicit analyzer executable. Empty means search.
	Path string `koanf:"path"`
	// Args are passed to an analyzer found by Path, the environment, or PATH.
	Args []string `koanf:"args"`
	// Codec names the protocol framing, "msgpack" or "json".
	Codec string `koanf:"codec"`
	// SelfAnalyze allows running the current executable with the analyze
	// subcommand when nothing else is found.
	SelfAnalyze bool `koanf:"self"`
}

// Config configures sessions.
type Config struct {
	Analyzer AnalyzerConfig
	// Debounce is the quiet period before coalesced edits are sent.
	Debounce time.Duration
	// Outbox bounds the messages queued for the analyzer writer.
	Outbox int
	// GracePeriod is how long a detached analyzer may take to exit after
	// SIGTERM before it is killed.
	GracePeriod time.Duration
	Diagnostics diagnostics.Config
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		Analyzer:    AnalyzerConfig{Codec: protocol.Msgpack.Name()},
		Debounce:    50 * time.Millisecond,
		Outbox:      16,
		GracePeriod: 2 * time.Second,
		Diagnostics: diagnostics.DefaultConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if _, err := protocol.Lookup(c.Analyzer.Codec); err != nil {
		return fmt.Errorf("analyzer.codec: %w", err)
	}
	switch {
	case c.Debounce < 0:
		return fmt.Errorf("session.debounce must not be negative, got %s", c.Debounce)
	case c.Outbox <= 0:
		return fmt.Errorf("session.outbox must be positive, got %d", c.Outbox)
	case c.GracePeriod <= 0:
		return fmt.Errorf("process.grace_period must be positive, got %s", c.GracePeriod)
	}
	return c.Diagnostics.Validate()
}
