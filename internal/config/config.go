package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/dshills/deckfold/internal/diagnostics"
	"github.com/dshills/deckfold/internal/logging"
	"github.com/dshills/deckfold/internal/session"
)

const (
	// EnvPrefix starts every deckfold environment setting.
	EnvPrefix = "DECKFOLD_"
	// EnvConfig names a config file to load instead of the default one.
	EnvConfig = "DECKFOLD_CONFIG"

	maxFileSize = 1 << 20
)

// Config holds every deckfold setting.
type Config struct {
	Analyzer    session.AnalyzerConfig `koanf:"analyzer"`
	Process     ProcessConfig          `koanf:"process"`
	Session     SessionConfig          `koanf:"session"`
	Diagnostics diagnostics.Config     `koanf:"diagnostics"`
	Fold        FoldConfig             `koanf:"fold"`
	Log         logging.Config         `koanf:"log"`
	Metrics     MetricsConfig          `koanf:"metrics"`

	// Path is the file the values were read from, if any.
	Path string `koanf:"-"`
}

// ProcessConfig configures analyzer processes.
type ProcessConfig struct {
	// GracePeriod is how long an analyzer may take to exit after SIGTERM.
	GracePeriod time.Duration `koanf:"grace_period"`
	// MaxProcesses caps concurrently running analyzers. 0 means no limit.
	MaxProcesses int `koanf:"max_processes"`
}

// SessionConfig configures buffer sessions.
type SessionConfig struct {
	Debounce time.Duration `koanf:"debounce"`
	Outbox   int           `koanf:"outbox"`
}

// FoldConfig configures fold presentation.
type FoldConfig struct {
	// FoldtextScript is a Lua file defining foldtext(fold).
	FoldtextScript string `koanf:"foldtext_script"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is a host:port to serve /metrics on. Empty disables it.
	Listen string `koanf:"listen"`
}

// Default returns the built-in configuration.
func Default() *Config {
	s := session.DefaultConfig()
	return &Config{
		Analyzer:    s.Analyzer,
		Process:     ProcessConfig{GracePeriod: s.GracePeriod},
		Session:     SessionConfig{Debounce: s.Debounce, Outbox: s.Outbox},
		Diagnostics: s.Diagnostics,
		Log:         logging.DefaultConfig(),
	}
}

// SessionSettings returns the settings sessions are created with.
func (c *Config) SessionSettings() session.Config {
	return session.Config{
		Analyzer:    c.Analyzer,
		Debounce:    c.Session.Debounce,
		Outbox:      c.Session.Outbox,
		GracePeriod: c.Process.GracePeriod,
		Diagnostics: c.Diagnostics,
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.SessionSettings().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}
	if c.Process.MaxProcesses < 0 {
		return &ValidationError{Path: "process.max_processes", Message: "must not be negative"}
	}
	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return &ValidationError{Path: "metrics.listen", Message: err.Error()}
		}
	}
	if c.Fold.FoldtextScript != "" {
		if _, err := os.Stat(c.Fold.FoldtextScript); err != nil {
			return &ValidationError{Path: "fold.foldtext_script", Message: err.Error()}
		}
	}
	return nil
}

// userConfigDir is replaced in tests.
var userConfigDir = os.UserConfigDir

// DefaultPath returns the config file used when none is named.
func DefaultPath() string {
	dir, err := userConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "deckfold", "config.toml")
}

// Load reads the configuration. path names the config file; when empty,
// DECKFOLD_CONFIG and then DefaultPath are used, and a missing default file
// is not an error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = os.Getenv(EnvConfig)
		explicit = path != ""
	}
	if !explicit {
		path = DefaultPath()
	}

	k := koanf.New(".")
	cfg := Default()

	if path != "" {
		loaded, err := loadFile(k, path)
		switch {
		case errors.Is(err, ErrFileNotFound) && !explicit:
		case err != nil:
			return nil, err
		}
		if loaded {
			cfg.Path = path
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if !k.Exists("log.file") {
		if v := os.Getenv("LOG_FILE"); v != "" {
			cfg.Log.File = v
		}
	}
	if !k.Exists("log.level") {
		if v := os.Getenv("LOG_LEVEL"); v != "" {
			cfg.Log.Level = v
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile merges the file at path into k.
func loadFile(k *koanf.Koanf, path string) (bool, error) {
	parser, err := parserFor(path)
	if err != nil {
		return false, fmt.Errorf("%s: %w", path, err)
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return false, fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("stat config: %w", err)
	}
	if info.Size() > maxFileSize {
		return false, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return false, fmt.Errorf("reading config: %w", err)
	}
	if err := k.Load(rawbytes.Provider(data), parser); err != nil {
		return false, &ParseError{Path: path, Err: err}
	}
	return true, nil
}

// envKey maps DECKFOLD_SESSION__DEBOUNCE to session.debounce. Variables
// without a section separator, such as DECKFOLD_ANALYZER, are not settings
// and are skipped.
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	if !strings.Contains(s, "__") {
		return ""
	}
	return strings.ToLower(strings.ReplaceAll(s, "__", "."))
}
